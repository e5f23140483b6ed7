package ledger

import (
	"context"
	"time"
)

// Confirmer polls a submitted op until the ledger reports it settled.
type Confirmer struct {
	Ledger      Ledger
	MaxAttempts int
	Interval    time.Duration
	// Sleep waits between polls; nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Await returns the op once it is confirmed or failed. When every attempt
// observes it pending, Await returns the last observation and ErrUnconfirmed.
// It never reverts anything.
func (c Confirmer) Await(ctx context.Context, ref OpRef) (Operation, error) {
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := c.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	var op Operation
	for i := 1; i <= attempts; i++ {
		var err error
		op, err = c.Ledger.Operation(ctx, ref)
		if err != nil {
			return op, err
		}
		if op.State != OpPending {
			return op, nil
		}
		if i == attempts {
			break
		}
		if err := sleep(ctx, c.Interval); err != nil {
			return op, err
		}
	}
	return op, ErrUnconfirmed
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
