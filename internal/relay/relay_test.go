package relay_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"taskproof/internal/db"
	"taskproof/internal/events"
	"taskproof/internal/migrate"
	"taskproof/internal/relay"
	"taskproof/internal/repo"
)

func setup(t *testing.T) (*sql.DB, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn, repo.Repo{DB: conn}
}

func appendEvents(t *testing.T, conn *sql.DB, types ...string) {
	t.Helper()
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	for _, typ := range types {
		if err := (events.Writer{}).Append(ctx, tx, typ, events.KindJob, "1", "alice", events.EventPayload{"job_id": 1}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func quiet() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestWebhookDeliversFilteredEvents(t *testing.T) {
	conn, r := setup(t)
	var mu sync.Mutex
	var got []relay.Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("X-Taskproof-Secret") != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var m relay.Message
		if err := json.NewDecoder(req.Body).Decode(&m); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	rl := relay.Relay{
		Repo: r,
		Log:  quiet(),
		Subscriptions: []relay.Subscription{{
			Sink:      relay.NewWebhook("ops", srv.URL, "s3cret", 0),
			Events:    []string{"ledger.*", "dispute.opened"},
			FromStart: true,
		}},
	}
	appendEvents(t, conn, "job.created", "ledger.fund", "dispute.opened", "ledger.settle")
	if n := rl.DispatchOnce(context.Background()); n != 3 {
		t.Fatalf("delivered %d, want 3", n)
	}
	if got[0].Type != "ledger.fund" || got[2].Type != "ledger.settle" || string(got[0].Payload) != `{"job_id":1}` {
		t.Fatalf("unexpected messages %+v", got)
	}
	if n := rl.DispatchOnce(context.Background()); n != 0 {
		t.Fatalf("redelivered %d events", n)
	}
}

type flakySink struct {
	fail bool
	got  []int64
}

func (f *flakySink) Name() string { return "flaky" }

func (f *flakySink) Deliver(ctx context.Context, msg relay.Message) error {
	if f.fail && msg.ID == 2 {
		return errors.New("sink down")
	}
	f.got = append(f.got, msg.ID)
	return nil
}

func TestFailedSinkResumesAtFailedEvent(t *testing.T) {
	conn, r := setup(t)
	appendEvents(t, conn, "a.one", "a.two", "a.three")
	sink := &flakySink{fail: true}
	rl := relay.Relay{Repo: r, Log: quiet(), Subscriptions: []relay.Subscription{{Sink: sink, FromStart: true}}}
	if n := rl.DispatchOnce(context.Background()); n != 1 {
		t.Fatalf("delivered %d, want 1", n)
	}
	sink.fail = false
	if n := rl.DispatchOnce(context.Background()); n != 2 {
		t.Fatalf("delivered %d on retry, want 2", n)
	}
	if len(sink.got) != 3 || sink.got[1] != 2 {
		t.Fatalf("delivery order %v", sink.got)
	}
}

func TestNewSinkStartsAtLatest(t *testing.T) {
	conn, r := setup(t)
	appendEvents(t, conn, "old.one", "old.two")
	sink := &flakySink{}
	rl := relay.Relay{Repo: r, Log: quiet(), Subscriptions: []relay.Subscription{{Sink: sink}}}
	rl.DispatchOnce(context.Background())
	appendEvents(t, conn, "new.one")
	rl.DispatchOnce(context.Background())
	if len(sink.got) != 1 || sink.got[0] != 3 {
		t.Fatalf("backlog delivered to new sink: %v", sink.got)
	}
}

type recordingPublisher struct {
	exchange, key string
	msg           amqp.Publishing
}

func (p *recordingPublisher) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	p.exchange, p.key, p.msg = exchange, key, msg
	return nil
}

func TestAMQPRoutesByEventType(t *testing.T) {
	pub := &recordingPublisher{}
	sink := &relay.AMQP{Exchange: "taskproof.events", Publisher: pub}
	if err := sink.Deliver(context.Background(), relay.Message{ID: 7, Type: "ledger.settle", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if pub.exchange != "taskproof.events" || pub.key != "ledger.settle" || pub.msg.MessageId != "7" || pub.msg.ContentType != "application/json" {
		t.Fatalf("unexpected publish %+v", pub)
	}
	if sink.Name() != "amqp:taskproof.events" {
		t.Fatalf("name %s", sink.Name())
	}
}
