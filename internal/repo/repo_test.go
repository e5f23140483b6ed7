package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"taskproof/internal/db"
	"taskproof/internal/domain"
	"taskproof/internal/events"
	"taskproof/internal/migrate"
	"taskproof/internal/repo"
)

const ts = "2024-01-01T00:00:00Z"

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

func inTx(t *testing.T, conn *sql.DB, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := conn.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		t.Fatalf("tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func insertJob(t *testing.T, conn *sql.DB, r repo.Repo, client string) int64 {
	t.Helper()
	lat, lon := 37.7749, -122.4194
	var id int64
	inTx(t, conn, func(tx *sql.Tx) error {
		var err error
		id, err = r.InsertJob(context.Background(), tx, domain.Job{
			Title:          "Clean the park",
			Client:         client,
			Amount:         100,
			FeeBps:         500,
			ReferenceMedia: []string{"file://before.jpg"},
			Plan:           domain.VerificationPlan{Checklist: []string{"remove trash"}},
			Location:       domain.Coordinates{Latitude: &lat, Longitude: &lon, AccuracyMeters: 5},
			Status:         domain.StatusOpen,
			CreatedAt:      ts,
			UpdatedAt:      ts,
		})
		return err
	})
	return id
}

func TestJobRoundTrip(t *testing.T) {
	conn, r := setup(t)
	ctx := context.Background()
	id := insertJob(t, conn, r, "alice")
	j, err := r.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if j.Worker != nil || j.Fee != nil || j.Settlement != domain.SettlementNone || *j.Location.Latitude != 37.7749 {
		t.Fatalf("unexpected job %+v", j)
	}
	if len(j.ReferenceMedia) != 1 || len(j.ProofMedia) != 0 || j.Plan.Checklist[0] != "remove trash" {
		t.Fatalf("json columns lost: %+v", j)
	}

	worker := "bob"
	fee, net := int64(5), int64(95)
	j.Worker = &worker
	j.Fee, j.Net = &fee, &net
	j.ProofMedia = []string{"file://after.jpg"}
	j.Status = domain.StatusCompleted
	j.Settlement = domain.SettlementPendingConfirmation
	j.PendingOp = "op-1"
	j.Attempts = 1
	inTx(t, conn, func(tx *sql.Tx) error { return r.UpdateJob(ctx, tx, j) })

	got, err := r.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if *got.Worker != "bob" || *got.Net != 95 || got.PendingOp != "op-1" || got.Status != domain.StatusCompleted || got.ProofMedia[0] != "file://after.jpg" {
		t.Fatalf("update not persisted: %+v", got)
	}
	if _, err := r.GetJob(ctx, 999); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListJobsFilters(t *testing.T) {
	conn, r := setup(t)
	ctx := context.Background()
	a := insertJob(t, conn, r, "alice")
	insertJob(t, conn, r, "carol")
	c := insertJob(t, conn, r, "alice")

	jobs, err := r.ListJobs(ctx, repo.JobFilters{Client: "alice"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != c || jobs[1].ID != a {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
	jobs, _ = r.ListJobs(ctx, repo.JobFilters{Limit: 1, Cursor: c})
	if len(jobs) != 1 || jobs[0].ID != c-1 {
		t.Fatalf("cursor paging broken: %+v", jobs)
	}
	jobs, _ = r.ListJobs(ctx, repo.JobFilters{Status: string(domain.StatusCompleted)})
	if len(jobs) != 0 {
		t.Fatalf("status filter ignored")
	}
}

func TestDecisionsAreOncePerAttempt(t *testing.T) {
	conn, r := setup(t)
	ctx := context.Background()
	id := insertJob(t, conn, r, "alice")
	d := domain.DecisionResult{JobID: id, Attempt: 1, Verdict: domain.VerdictNeedsImprovement, Score: 61, CreatedAt: ts}
	inTx(t, conn, func(tx *sql.Tx) error { return r.InsertDecision(ctx, tx, d) })

	tx, _ := conn.BeginTx(ctx, nil)
	if err := r.InsertDecision(ctx, tx, d); err == nil {
		t.Fatalf("duplicate attempt accepted")
	}
	tx.Rollback()

	d.Attempt, d.Verdict, d.Score = 2, domain.VerdictApproved, 88
	inTx(t, conn, func(tx *sql.Tx) error { return r.InsertDecision(ctx, tx, d) })
	list, err := r.ListDecisions(ctx, id)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Attempt != 1 || list[1].Verdict != domain.VerdictApproved {
		t.Fatalf("unexpected decisions %+v", list)
	}
}

func TestDisputeLifecycle(t *testing.T) {
	conn, r := setup(t)
	ctx := context.Background()
	id := insertJob(t, conn, r, "alice")
	verdict := domain.DecisionResult{JobID: id, Attempt: 3, Verdict: domain.VerdictRejected}
	d := domain.Dispute{ID: "d-1", JobID: id, RaisedBy: "system", Reason: "attempts exhausted", Automatic: true, Verdict: &verdict, Status: domain.DisputePending, CreatedAt: ts}
	inTx(t, conn, func(tx *sql.Tx) error { return r.InsertDispute(ctx, tx, d) })

	inTx(t, conn, func(tx *sql.Tx) error {
		open, err := r.OpenDisputeForJobTx(ctx, tx, id)
		if err != nil || open.ID != "d-1" || !open.Automatic || open.Verdict.Attempt != 3 {
			t.Fatalf("open dispute: %+v %v", open, err)
		}
		open.Status = domain.DisputeResolved
		open.Resolver = "arb-1"
		open.Resolution = domain.ResolutionRefunded
		open.ResolvedAt = ts
		return r.UpdateDispute(ctx, tx, open)
	})

	got, err := r.GetDispute(ctx, "d-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.DisputeResolved || got.Resolution != domain.ResolutionRefunded || got.Resolver != "arb-1" {
		t.Fatalf("resolution not persisted: %+v", got)
	}
	if _, err := r.OpenDisputeForJob(ctx, id); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("resolved dispute still open: %v", err)
	}
	list, _ := r.ListDisputes(ctx, repo.DisputeFilters{Status: string(domain.DisputeResolved)})
	if len(list) != 1 {
		t.Fatalf("status filter: %+v", list)
	}
}

func TestEventsPaging(t *testing.T) {
	conn, r := setup(t)
	ctx := context.Background()
	w := events.Writer{}
	inTx(t, conn, func(tx *sql.Tx) error {
		for i := 0; i < 5; i++ {
			kind := events.KindJob
			if i%2 == 1 {
				kind = events.KindDispute
			}
			if err := w.Append(ctx, tx, "test.event", kind, "1", "", nil); err != nil {
				return err
			}
		}
		return nil
	})
	latest, err := r.LatestEventID(ctx)
	if err != nil || latest != 5 {
		t.Fatalf("latest id %d %v", latest, err)
	}
	after, _ := r.EventsAfter(ctx, 2, 1)
	if len(after) != 2 || after[0].ID != 2 || after[1].ID != 3 {
		t.Fatalf("events after: %+v", after)
	}
	jobs, _ := r.LatestEvents(ctx, 10, "", events.KindJob, "")
	if len(jobs) != 3 || jobs[0].ID != 5 || jobs[0].ActorID != "system" {
		t.Fatalf("latest job events: %+v", jobs)
	}
	older, _ := r.LatestEventsFrom(ctx, 10, 3, "", "", "")
	if len(older) != 2 || older[0].ID != 2 {
		t.Fatalf("paging from cursor: %+v", older)
	}
}

func TestAPIKeys(t *testing.T) {
	conn, r := setup(t)
	ctx := context.Background()
	secret, err := repo.NewAPIKeySecret()
	if err != nil {
		t.Fatalf("secret: %v", err)
	}
	inTx(t, conn, func(tx *sql.Tx) error {
		return r.InsertAPIKey(ctx, tx, domain.APIKey{ID: "k1", ActorID: "alice", Name: "laptop", KeyHash: repo.HashAPIKey(secret), CreatedAt: ts})
	})
	key, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(" "+secret+" "))
	if err != nil || key.ActorID != "alice" || key.Name != "laptop" {
		t.Fatalf("lookup: %+v %v", key, err)
	}
	keys, _ := r.ListAPIKeys(ctx, "bob")
	if len(keys) != 0 {
		t.Fatalf("actor filter ignored")
	}
	inTx(t, conn, func(tx *sql.Tx) error { return r.DeleteAPIKey(ctx, tx, "k1") })
	if _, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(secret)); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("revoked key still resolves: %v", err)
	}
}

func TestRelayCursor(t *testing.T) {
	_, r := setup(t)
	ctx := context.Background()
	if c, ok, err := r.RelayCursor(ctx, "webhook"); err != nil || ok || c != 0 {
		t.Fatalf("fresh cursor %d %v %v", c, ok, err)
	}
	if err := r.SetRelayCursor(ctx, "webhook", 7, ts); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := r.SetRelayCursor(ctx, "webhook", 9, ts); err != nil {
		t.Fatalf("set: %v", err)
	}
	if c, ok, _ := r.RelayCursor(ctx, "webhook"); !ok || c != 9 {
		t.Fatalf("cursor %d, want 9", c)
	}
}
