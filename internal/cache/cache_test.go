package cache_test

import (
	"context"
	"sync"
	"testing"

	"taskproof/internal/cache"
	"taskproof/internal/domain"
)

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := cache.NewMemory()
	if _, ok, _ := m.Get(ctx, 1); ok {
		t.Fatalf("empty cache reported a hit")
	}
	var wg sync.WaitGroup
	for i := int64(0); i < 20; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_ = m.Set(ctx, id, domain.StatusOpen)
		}(i)
	}
	wg.Wait()
	if err := m.Set(ctx, 3, domain.StatusLocked); err != nil {
		t.Fatalf("set: %v", err)
	}
	s, ok, err := m.Get(ctx, 3)
	if err != nil || !ok || s != domain.StatusLocked {
		t.Fatalf("get 3 = %s %v %v", s, ok, err)
	}
	if s, ok, _ := m.Get(ctx, 19); !ok || s != domain.StatusOpen {
		t.Fatalf("get 19 = %s %v", s, ok)
	}
}

func TestNop(t *testing.T) {
	var c cache.StatusCache = cache.Nop{}
	_ = c.Set(context.Background(), 1, domain.StatusLocked)
	if _, ok, _ := c.Get(context.Background(), 1); ok {
		t.Fatalf("nop cache remembered a status")
	}
}
