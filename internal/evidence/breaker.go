package evidence

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

type BreakerSettings struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	// MinRequests and FailureRatio decide when the breaker trips.
	MinRequests  uint32
	FailureRatio float64
}

// BreakerClassifier stops calling a failing classifier until it recovers.
// While open, Generate fails fast and the comparator falls back.
type BreakerClassifier struct {
	next Classifier
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerClassifier(next Classifier, s BreakerSettings) *BreakerClassifier {
	if s.Name == "" {
		s.Name = "classifier"
	}
	if s.MinRequests == 0 {
		s.MinRequests = 3
	}
	if s.FailureRatio <= 0 {
		s.FailureRatio = 0.6
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= s.MinRequests && failureRatio >= s.FailureRatio
		},
	})
	return &BreakerClassifier{next: next, cb: cb}
}

func (b *BreakerClassifier) Generate(ctx context.Context, prompt string, images []Image) (string, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Generate(ctx, prompt, images)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// State reports the breaker state for health output.
func (b *BreakerClassifier) State() string {
	return b.cb.State().String()
}
