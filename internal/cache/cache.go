// Package cache keeps the last-known ledger status of each job so obvious
// losing claims can be turned away without a ledger round trip. It is a
// hint only; the ledger guard decides.
package cache

import (
	"context"
	"sync"

	"taskproof/internal/domain"
)

type StatusCache interface {
	// Get reports the cached status and whether one was present.
	Get(ctx context.Context, jobID int64) (domain.JobStatus, bool, error)
	Set(ctx context.Context, jobID int64, status domain.JobStatus) error
}

// Memory is a process-local StatusCache.
type Memory struct {
	mu       sync.RWMutex
	statuses map[int64]domain.JobStatus
}

func NewMemory() *Memory {
	return &Memory{statuses: map[int64]domain.JobStatus{}}
}

func (m *Memory) Get(_ context.Context, jobID int64) (domain.JobStatus, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[jobID]
	return s, ok, nil
}

func (m *Memory) Set(_ context.Context, jobID int64, status domain.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[jobID] = status
	return nil
}

// Nop never remembers anything.
type Nop struct{}

func (Nop) Get(context.Context, int64) (domain.JobStatus, bool, error) { return "", false, nil }

func (Nop) Set(context.Context, int64, domain.JobStatus) error { return nil }
