package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"taskproof/internal/ledger"
)

// pendingLedger reports an op pending for the first n observations.
type pendingLedger struct {
	ledger.Ledger
	pendingFor int
	final      ledger.OpState
	calls      int
}

func (p *pendingLedger) Operation(ctx context.Context, ref ledger.OpRef) (ledger.Operation, error) {
	p.calls++
	state := ledger.OpPending
	if p.calls > p.pendingFor {
		state = p.final
	}
	return ledger.Operation{Ref: ref, State: state}, nil
}

func TestConfirmerReturnsOnceConfirmed(t *testing.T) {
	fake := &pendingLedger{pendingFor: 2, final: ledger.OpConfirmed}
	var slept []time.Duration
	c := ledger.Confirmer{
		Ledger:      fake,
		MaxAttempts: 5,
		Interval:    time.Second,
		Sleep: func(ctx context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	}
	op, err := c.Await(context.Background(), "op-1")
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if op.State != ledger.OpConfirmed || fake.calls != 3 || len(slept) != 2 {
		t.Fatalf("unexpected result %+v calls=%d sleeps=%d", op, fake.calls, len(slept))
	}
}

func TestConfirmerBudgetIsBounded(t *testing.T) {
	fake := &pendingLedger{pendingFor: 100, final: ledger.OpConfirmed}
	sleeps := 0
	c := ledger.Confirmer{
		Ledger:      fake,
		MaxAttempts: 4,
		Sleep: func(ctx context.Context, d time.Duration) error {
			sleeps++
			return nil
		},
	}
	op, err := c.Await(context.Background(), "op-2")
	if !errors.Is(err, ledger.ErrUnconfirmed) {
		t.Fatalf("expected ErrUnconfirmed, got %v", err)
	}
	if op.State != ledger.OpPending || fake.calls != 4 || sleeps != 3 {
		t.Fatalf("unexpected result %+v calls=%d sleeps=%d", op, fake.calls, sleeps)
	}
}

func TestConfirmerReportsFailedOp(t *testing.T) {
	fake := &pendingLedger{pendingFor: 0, final: ledger.OpFailed}
	c := ledger.Confirmer{Ledger: fake, MaxAttempts: 3}
	op, err := c.Await(context.Background(), "op-3")
	if err != nil || op.State != ledger.OpFailed {
		t.Fatalf("expected failed op without error, got %+v %v", op, err)
	}
}

func TestConfirmerStopsOnCancel(t *testing.T) {
	fake := &pendingLedger{pendingFor: 100}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := ledger.Confirmer{Ledger: fake, MaxAttempts: 10, Interval: time.Hour}
	if _, err := c.Await(ctx, "op-4"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if fake.calls != 1 {
		t.Fatalf("polled %d times after cancel", fake.calls)
	}
}

func TestLocalOpsConfirmImmediately(t *testing.T) {
	l := newLocal(t)
	ref, err := l.Fund(context.Background(), client, 1, client, 100)
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	c := ledger.Confirmer{Ledger: l, MaxAttempts: 1}
	op, err := c.Await(context.Background(), ref)
	if err != nil || op.State != ledger.OpConfirmed || op.JobID != 1 || op.Caller != client {
		t.Fatalf("unexpected op %+v err %v", op, err)
	}
	if _, err := l.Operation(context.Background(), "missing"); !errors.Is(err, ledger.ErrUnknownOperation) {
		t.Fatalf("expected unknown operation, got %v", err)
	}
}
