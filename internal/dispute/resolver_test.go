package dispute_test

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"taskproof/internal/db"
	"taskproof/internal/dispute"
	"taskproof/internal/domain"
	"taskproof/internal/ledger"
	"taskproof/internal/migrate"
	"taskproof/internal/repo"
)

const (
	client  = "alice"
	worker  = "bob"
	judge   = "judge-1"
	arbiter = "arb-1"
	owner   = "owner-1"
)

var policy = ledger.Policy{Owner: owner, Judge: judge, Arbiters: []string{arbiter}, Treasury: "treasury", FeeBps: 500, MaxFeeBps: 1000}

type fixture struct {
	conn     *sql.DB
	repo     repo.Repo
	ledger   ledger.Local
	resolver dispute.Resolver
}

func setup(t *testing.T) fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	l := ledger.NewLocal(conn, policy, log)
	if err := l.Credit(context.Background(), owner, client, 10_000); err != nil {
		t.Fatalf("credit: %v", err)
	}
	r := repo.Repo{DB: conn}
	return fixture{
		conn:   conn,
		repo:   r,
		ledger: l,
		resolver: dispute.Resolver{
			DB:        conn,
			Repo:      r,
			Ledger:    l,
			Confirmer: ledger.Confirmer{Ledger: l, MaxAttempts: 3},
			Policy:    policy,
			Log:       log,
			Now:       func() time.Time { return time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC) },
		},
	}
}

// lockedJob creates a job record and drives it to LOCKED on the ledger.
func (f fixture) lockedJob(t *testing.T) int64 {
	t.Helper()
	ctx := context.Background()
	tx, err := f.conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	w := worker
	id, err := f.repo.InsertJob(ctx, tx, domain.Job{Title: "Paint fence", Client: client, Worker: &w, Amount: 100, Status: domain.StatusLocked, CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z"})
	if err != nil {
		t.Fatalf("insert job: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := f.ledger.Fund(ctx, client, id, client, 100); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := f.ledger.Claim(ctx, worker, id); err != nil {
		t.Fatalf("claim: %v", err)
	}
	return id
}

func TestOpenMovesJobToDisputed(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.lockedJob(t)

	if _, err := f.resolver.Open(ctx, dispute.OpenRequest{JobID: id, RaisedBy: "mallory", Reason: "x"}); !errors.Is(err, dispute.ErrNotParty) {
		t.Fatalf("expected ErrNotParty, got %v", err)
	}
	if _, err := f.resolver.Open(ctx, dispute.OpenRequest{JobID: id, RaisedBy: client, Reason: "x", Automatic: true}); !errors.Is(err, dispute.ErrNotParty) {
		t.Fatalf("automatic disputes belong to the judge, got %v", err)
	}

	d, err := f.resolver.Open(ctx, dispute.OpenRequest{JobID: id, RaisedBy: worker, Reason: "judge was wrong"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if d.Status != domain.DisputePending {
		t.Fatalf("status %s", d.Status)
	}
	esc, _ := f.ledger.Job(ctx, id)
	job, _ := f.repo.GetJob(ctx, id)
	if esc.Status != domain.StatusDisputed || job.Status != domain.StatusDisputed {
		t.Fatalf("ledger %s record %s, want DISPUTED", esc.Status, job.Status)
	}
	if _, err := f.resolver.Open(ctx, dispute.OpenRequest{JobID: id, RaisedBy: client, Reason: "me too"}); !errors.Is(err, dispute.ErrDisputeOpen) {
		t.Fatalf("expected ErrDisputeOpen, got %v", err)
	}
}

func TestOpenRequiresLockedOrDisputed(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.lockedJob(t)
	if _, err := f.ledger.Settle(ctx, judge, id); err != nil {
		t.Fatalf("settle: %v", err)
	}
	_, err := f.resolver.Open(ctx, dispute.OpenRequest{JobID: id, RaisedBy: client, Reason: "late"})
	if !errors.Is(err, ledger.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestResolveOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.lockedJob(t)
	d, err := f.resolver.Open(ctx, dispute.OpenRequest{JobID: id, RaisedBy: client, Reason: "not done"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.resolver.Review(ctx, d.ID, worker); err == nil {
		t.Fatalf("non-arbiter review accepted")
	}
	if _, err := f.resolver.Review(ctx, d.ID, arbiter); err != nil {
		t.Fatalf("review: %v", err)
	}
	if _, err := f.resolver.Review(ctx, d.ID, arbiter); !errors.Is(err, dispute.ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}

	var forbidden ledger.ForbiddenError
	if _, err := f.resolver.Resolve(ctx, d.ID, true, client, ""); !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	res, err := f.resolver.Resolve(ctx, d.ID, true, arbiter, "photos check out")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Status != domain.DisputeResolved || res.Resolution != domain.ResolutionApproved || res.Notes != "photos check out" {
		t.Fatalf("unexpected dispute %+v", res)
	}
	job, _ := f.repo.GetJob(ctx, id)
	if job.Status != domain.StatusCompleted || job.Net == nil || *job.Net != 95 || *job.Fee != 5 {
		t.Fatalf("job not mirrored: %+v", job)
	}
	workerBal, _ := f.ledger.Balance(ctx, worker)

	if _, err := f.resolver.Resolve(ctx, d.ID, false, arbiter, ""); !errors.Is(err, dispute.ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	if again, _ := f.ledger.Balance(ctx, worker); again != workerBal {
		t.Fatalf("second resolution moved funds: %d -> %d", workerBal, again)
	}
}

func TestResolveRefund(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.lockedJob(t)
	d, err := f.resolver.Open(ctx, dispute.OpenRequest{JobID: id, RaisedBy: judge, Reason: "attempts exhausted", Automatic: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	res, err := f.resolver.Resolve(ctx, d.ID, false, arbiter, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Resolution != domain.ResolutionRefunded {
		t.Fatalf("resolution %s", res.Resolution)
	}
	bal, _ := f.ledger.Balance(ctx, client)
	if bal != 10_000 {
		t.Fatalf("client balance %d, want full refund", bal)
	}
	job, _ := f.repo.GetJob(ctx, id)
	if job.Status != domain.StatusRefunded || *job.Fee != 0 || *job.Net != 100 {
		t.Fatalf("job not mirrored: %+v", job)
	}
}

// stalledLedger submits through Local but never reports confirmation.
type stalledLedger struct {
	ledger.Local
}

func (s stalledLedger) Operation(ctx context.Context, ref ledger.OpRef) (ledger.Operation, error) {
	return ledger.Operation{Ref: ref, State: ledger.OpPending}, nil
}

func TestResolveTimeoutFlagsJob(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.lockedJob(t)
	d, err := f.resolver.Open(ctx, dispute.OpenRequest{JobID: id, RaisedBy: client, Reason: "not done"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	stalled := stalledLedger{f.ledger}
	r := f.resolver
	r.Ledger = stalled
	r.Confirmer = ledger.Confirmer{Ledger: stalled, MaxAttempts: 2, Sleep: func(context.Context, time.Duration) error { return nil }}

	_, err = r.Resolve(ctx, d.ID, false, arbiter, "")
	if !errors.Is(err, ledger.ErrUnconfirmed) {
		t.Fatalf("expected ErrUnconfirmed, got %v", err)
	}
	job, _ := f.repo.GetJob(ctx, id)
	if job.Settlement != domain.SettlementNeedsReconciliation || job.PendingOp == "" {
		t.Fatalf("job not flagged: %+v", job)
	}
	still, _ := f.repo.GetDispute(ctx, d.ID)
	if still.Status == domain.DisputeResolved {
		t.Fatalf("dispute resolved without confirmation")
	}

	final, err := f.resolver.Finalize(ctx, id, domain.ResolutionRefunded, arbiter, "reconciled")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if final.Status != domain.DisputeResolved {
		t.Fatalf("finalize did not resolve: %+v", final)
	}
	job, _ = f.repo.GetJob(ctx, id)
	if job.Settlement != domain.SettlementNone || job.Status != domain.StatusRefunded {
		t.Fatalf("job not reconciled: %+v", job)
	}
}
