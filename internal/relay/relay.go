// Package relay forwards audit events to external sinks. Each sink keeps
// its own persisted cursor so a slow or failing sink never holds back the
// others, and delivery resumes where it stopped after a restart.
package relay

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"taskproof/internal/domain"
	"taskproof/internal/repo"
)

const (
	DefaultInterval = 2 * time.Second
	DefaultBatch    = 100
)

// Message is the wire form of an event.
type Message struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func NewMessage(evt domain.Event) Message {
	m := Message{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    json.RawMessage("{}"),
	}
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			m.Payload = json.RawMessage(evt.Payload)
		} else {
			m.PayloadRaw = evt.Payload
		}
	}
	return m
}

type Sink interface {
	// Name keys the sink's cursor; it must be stable across restarts.
	Name() string
	Deliver(ctx context.Context, msg Message) error
}

// Subscription binds a sink to the event types it wants. No types means all.
type Subscription struct {
	Sink   Sink
	Events []string
	// FromStart delivers the existing backlog to a sink with no cursor.
	// Otherwise a new sink starts at the latest event.
	FromStart bool
}

type Relay struct {
	Repo          repo.Repo
	Subscriptions []Subscription
	Batch         int
	Interval      time.Duration
	Log           logrus.FieldLogger
	Now           func() time.Time
}

func (r Relay) log() logrus.FieldLogger {
	if r.Log != nil {
		return r.Log
	}
	return logrus.StandardLogger()
}

func (r Relay) now() string {
	now := r.Now
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(time.RFC3339)
}

// Run dispatches until ctx is cancelled.
func (r Relay) Run(ctx context.Context) {
	if len(r.Subscriptions) == 0 {
		return
	}
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers one batch to every sink and returns the number of
// messages delivered. A sink that fails stops at the failed event and is
// retried from there on the next pass.
func (r Relay) DispatchOnce(ctx context.Context) int {
	delivered := 0
	for _, sub := range r.Subscriptions {
		n, err := r.dispatch(ctx, sub)
		delivered += n
		if err != nil {
			r.log().WithFields(logrus.Fields{"sink": sub.Sink.Name()}).WithError(err).Warn("relay delivery failed")
		}
	}
	return delivered
}

func (r Relay) dispatch(ctx context.Context, sub Subscription) (int, error) {
	name := sub.Sink.Name()
	cursor, ok, err := r.Repo.RelayCursor(ctx, name)
	if err != nil {
		return 0, err
	}
	if !ok && !sub.FromStart {
		if cursor, err = r.Repo.LatestEventID(ctx); err != nil {
			return 0, err
		}
		if err := r.Repo.SetRelayCursor(ctx, name, cursor, r.now()); err != nil {
			return 0, err
		}
	}
	batch := r.Batch
	if batch <= 0 {
		batch = DefaultBatch
	}
	evts, err := r.Repo.EventsAfter(ctx, batch, cursor)
	if err != nil {
		return 0, err
	}
	filter := newEventFilter(sub.Events)
	delivered := 0
	for _, evt := range evts {
		if filter.match(evt.Type) {
			if err := sub.Sink.Deliver(ctx, NewMessage(evt)); err != nil {
				return delivered, err
			}
			delivered++
		}
		if err := r.Repo.SetRelayCursor(ctx, name, evt.ID, r.now()); err != nil {
			return delivered, err
		}
	}
	return delivered, nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

// newEventFilter matches exact types and dotted prefixes such as "ledger.*".
func newEventFilter(types []string) eventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if key := strings.TrimSpace(t); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evtType string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evtType]; ok {
		return true
	}
	if i := strings.IndexByte(evtType, '.'); i > 0 {
		_, ok := f.set[evtType[:i]+".*"]
		return ok
	}
	return false
}
