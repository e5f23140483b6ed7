package engine_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"taskproof/internal/config"
	"taskproof/internal/db"
	"taskproof/internal/domain"
	"taskproof/internal/engine"
	"taskproof/internal/evidence"
	"taskproof/internal/ledger"
	"taskproof/internal/migrate"
	"taskproof/internal/repo"
)

const (
	client  = "alice"
	worker  = "bob"
	arbiter = "arbiter"
	owner   = "owner"
)

// scriptedEvidence answers every comparison and requirements check the same way.
type scriptedEvidence struct {
	cmp evidence.ComparisonOutcome
	req evidence.RequirementsOutcome
}

func (s *scriptedEvidence) Compare(ctx context.Context, req evidence.CompareRequest) evidence.ComparisonOutcome {
	return s.cmp
}

func (s *scriptedEvidence) CheckRequirements(ctx context.Context, cmp evidence.Comparison, task string, checklist []string) evidence.RequirementsOutcome {
	return s.req
}

func strong() *scriptedEvidence {
	return &scriptedEvidence{
		cmp: evidence.ComparisonOutcome{Comparison: evidence.Comparison{
			SameLocation:           evidence.SameLocation{Verdict: true, Confidence: 0.9},
			TransformationDetected: evidence.Transformation{Verdict: true, MatchesExpected: true},
			CoverageConsistency:    evidence.Coverage{Verdict: true, CoverageRatio: 1},
			WorkCompleted:          true,
		}},
		req: evidence.RequirementsOutcome{Requirements: evidence.Requirements{Verdict: evidence.RequirementsApproved, Confidence: 0.9}},
	}
}

func weak() *scriptedEvidence {
	ev := strong()
	ev.cmp.Comparison.SameLocation.Confidence = 0.2
	ev.cmp.Comparison.TransformationDetected.MatchesExpected = false
	ev.cmp.Comparison.CoverageConsistency = evidence.Coverage{Verdict: false, CoverageRatio: 0.2}
	ev.req.Requirements = evidence.Requirements{Verdict: evidence.RequirementsRejected, Confidence: 0.4}
	return ev
}

// stallingLedger applies ops through Local but can hide their confirmation.
type stallingLedger struct {
	ledger.Local
	stalled *bool
	claims  *int
}

func (s stallingLedger) Operation(ctx context.Context, ref ledger.OpRef) (ledger.Operation, error) {
	if *s.stalled {
		return ledger.Operation{Ref: ref, State: ledger.OpPending}, nil
	}
	return s.Local.Operation(ctx, ref)
}

func (s stallingLedger) Claim(ctx context.Context, caller string, jobID int64) (ledger.OpRef, error) {
	*s.claims++
	return s.Local.Claim(ctx, caller, jobID)
}

type testEnv struct {
	Engine  engine.Engine
	Ledger  ledger.Local
	Ctx     context.Context
	stalled *bool
	claims  *int
}

func newTestEnv(t *testing.T, ev *scriptedEvidence) testEnv {
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
	cfg := config.Default()
	cfg.Submissions.MaxAttempts = 2
	cfg.Confirmation.MaxAttempts = 2
	cfg.Confirmation.Interval = 0

	local := ledger.NewLocal(conn, cfg.Ledger, log)
	ctx := context.Background()
	if err := local.Credit(ctx, owner, client, 1_000); err != nil {
		t.Fatalf("credit: %v", err)
	}
	stalled, claims := false, 0
	l := stallingLedger{Local: local, stalled: &stalled, claims: &claims}
	eng := engine.New(conn, cfg, l, ev, log)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ledger: local, Ctx: ctx, stalled: &stalled, claims: &claims}
}

func site() domain.Coordinates {
	lat, lon := 37.7749, -122.4194
	return domain.Coordinates{Latitude: &lat, Longitude: &lon, AccuracyMeters: 5}
}

func nearby() *domain.Coordinates {
	lat, lon := 37.7750, -122.4195
	return &domain.Coordinates{Latitude: &lat, Longitude: &lon, AccuracyMeters: 5}
}

func (env testEnv) claimedJob(t *testing.T) domain.Job {
	t.Helper()
	job, err := env.Engine.FundJob(env.Ctx, engine.FundJobRequest{
		Client:         client,
		Title:          "Clear the path",
		Amount:         100,
		ReferenceMedia: []string{"file://before.jpg"},
		Plan:           domain.VerificationPlan{Checklist: []string{"remove branches"}},
		Location:       site(),
	})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if job.Status != domain.StatusOpen {
		t.Fatalf("funded job status %s", job.Status)
	}
	job, err = env.Engine.ClaimJob(env.Ctx, job.ID, worker)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return job
}

func TestApprovedProofSettles(t *testing.T) {
	env := newTestEnv(t, strong())
	job := env.claimedJob(t)
	out, err := env.Engine.SubmitProof(env.Ctx, engine.SubmitProofRequest{JobID: job.ID, Worker: worker, ProofMedia: []string{"file://after.jpg"}, Coordinates: nearby()})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Decision.Verdict != domain.VerdictApproved || out.Settlement != domain.SettlementNone || out.OpRef == "" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Job.Status != domain.StatusCompleted || *out.Job.Net != 95 || *out.Job.Fee != 5 {
		t.Fatalf("job not settled: %+v", out.Job)
	}
	if bal, _ := env.Ledger.Balance(env.Ctx, worker); bal != 95 {
		t.Fatalf("worker balance %d, want 95", bal)
	}
	decisions, _ := env.Engine.ListDecisions(env.Ctx, job.ID)
	if len(decisions) != 1 || decisions[0].Attempt != 1 {
		t.Fatalf("decisions %+v", decisions)
	}
	if _, err := env.Engine.SubmitProof(env.Ctx, engine.SubmitProofRequest{JobID: job.ID, Worker: worker, ProofMedia: []string{"x"}, Coordinates: nearby()}); !errors.Is(err, ledger.ErrInvalidTransition) {
		t.Fatalf("resubmission after settlement: %v", err)
	}
}

func TestClaimFastPath(t *testing.T) {
	env := newTestEnv(t, strong())
	job := env.claimedJob(t)
	before := *env.claims
	_, err := env.Engine.ClaimJob(env.Ctx, job.ID, "carol")
	if !errors.Is(err, ledger.ErrInvalidTransition) {
		t.Fatalf("expected transition error, got %v", err)
	}
	if *env.claims != before {
		t.Fatalf("ledger consulted for a job known to be locked")
	}
}

func TestFundValidation(t *testing.T) {
	env := newTestEnv(t, strong())
	var verr engine.ValidationError
	if _, err := env.Engine.FundJob(env.Ctx, engine.FundJobRequest{Client: client, Amount: 10, Location: site()}); !errors.As(err, &verr) || verr.Field != "title" {
		t.Fatalf("expected title validation, got %v", err)
	}
	if _, err := env.Engine.FundJob(env.Ctx, engine.FundJobRequest{Client: client, Title: "t", Amount: 0, Location: site()}); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	if _, err := env.Engine.FundJob(env.Ctx, engine.FundJobRequest{Client: client, Title: "t", Amount: 10}); !errors.As(err, &verr) || verr.Field != "location" {
		t.Fatalf("expected location validation, got %v", err)
	}
	_, err := env.Engine.FundJob(env.Ctx, engine.FundJobRequest{Client: "pauper", Title: "t", Amount: 10, Location: site()})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	jobs, _ := env.Engine.ListJobs(env.Ctx, repo.JobFilters{})
	if len(jobs) != 0 {
		t.Fatalf("refused job left a record: %+v", jobs)
	}
}

func TestExhaustedAttemptsOpenDispute(t *testing.T) {
	env := newTestEnv(t, weak())
	job := env.claimedJob(t)
	req := engine.SubmitProofRequest{JobID: job.ID, Worker: worker, ProofMedia: []string{"file://after.jpg"}, Coordinates: nearby()}

	first, err := env.Engine.SubmitProof(env.Ctx, req)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if first.Decision.Verdict == domain.VerdictApproved || !first.Decision.CanResubmit || first.Dispute != nil {
		t.Fatalf("first attempt %+v", first.Decision)
	}
	second, err := env.Engine.SubmitProof(env.Ctx, req)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if second.Decision.CanResubmit || second.Dispute == nil || !second.Dispute.Automatic {
		t.Fatalf("final attempt should open an automatic dispute: %+v", second)
	}
	if second.Job.Status != domain.StatusDisputed {
		t.Fatalf("job status %s", second.Job.Status)
	}

	if _, err := env.Engine.SubmitProof(env.Ctx, req); err == nil {
		t.Fatalf("submission accepted on a disputed job")
	}
	resolved, err := env.Engine.ResolveDispute(env.Ctx, second.Dispute.ID, false, arbiter, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Resolution != domain.ResolutionRefunded {
		t.Fatalf("resolution %s", resolved.Resolution)
	}
	got, _ := env.Engine.GetJob(env.Ctx, job.ID)
	if got.Status != domain.StatusRefunded {
		t.Fatalf("job status %s, want REFUNDED", got.Status)
	}
	if bal, _ := env.Ledger.Balance(env.Ctx, client); bal != 1_000 {
		t.Fatalf("client balance %d after refund", bal)
	}
}

func TestGPSMismatchRejects(t *testing.T) {
	env := newTestEnv(t, strong())
	job := env.claimedJob(t)
	lat, lon := 37.8044, -122.2712
	out, err := env.Engine.SubmitProof(env.Ctx, engine.SubmitProofRequest{JobID: job.ID, Worker: worker, ProofMedia: []string{"x"}, Coordinates: &domain.Coordinates{Latitude: &lat, Longitude: &lon}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Decision.Category != domain.CategoryGPSLocationFailed || out.Job.Status != domain.StatusLocked {
		t.Fatalf("unexpected outcome %+v", out)
	}
	var forbidden ledger.ForbiddenError
	if _, err := env.Engine.SubmitProof(env.Ctx, engine.SubmitProofRequest{JobID: job.ID, Worker: "carol", ProofMedia: []string{"x"}}); !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden for a stranger, got %v", err)
	}
}

func TestUnconfirmedSettlementIsReconciled(t *testing.T) {
	env := newTestEnv(t, strong())
	job := env.claimedJob(t)
	*env.stalled = true
	out, err := env.Engine.SubmitProof(env.Ctx, engine.SubmitProofRequest{JobID: job.ID, Worker: worker, ProofMedia: []string{"x"}, Coordinates: nearby()})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Settlement != domain.SettlementNeedsReconciliation || out.Job.PendingOp == "" {
		t.Fatalf("expected needs_reconciliation, got %+v", out)
	}
	if out.Job.Status != domain.StatusLocked {
		t.Fatalf("record must wait for confirmation, got %s", out.Job.Status)
	}
	if _, err := env.Engine.Reconcile(env.Ctx, job.ID, owner); !errors.Is(err, ledger.ErrUnconfirmed) {
		t.Fatalf("reconcile while pending: %v", err)
	}

	*env.stalled = false
	got, err := env.Engine.Reconcile(env.Ctx, job.ID, owner)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got.Status != domain.StatusCompleted || got.Settlement != domain.SettlementNone || got.PendingOp != "" || *got.Net != 95 {
		t.Fatalf("job not reconciled: %+v", got)
	}
}

func TestCreateDisputeByParty(t *testing.T) {
	env := newTestEnv(t, strong())
	job := env.claimedJob(t)
	var verr engine.ValidationError
	if _, err := env.Engine.CreateDispute(env.Ctx, job.ID, client, " "); !errors.As(err, &verr) {
		t.Fatalf("expected reason validation, got %v", err)
	}
	d, err := env.Engine.CreateDispute(env.Ctx, job.ID, client, "the path is still blocked")
	if err != nil {
		t.Fatalf("create dispute: %v", err)
	}
	if _, err := env.Engine.ReviewDispute(env.Ctx, d.ID, arbiter); err != nil {
		t.Fatalf("review: %v", err)
	}
	res, err := env.Engine.ResolveDispute(env.Ctx, d.ID, true, arbiter, "work verified on site")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Resolution != domain.ResolutionApproved {
		t.Fatalf("resolution %s", res.Resolution)
	}
	list, _ := env.Engine.ListDisputes(env.Ctx, repo.DisputeFilters{JobID: job.ID})
	if len(list) != 1 || list[0].Status != domain.DisputeResolved {
		t.Fatalf("disputes %+v", list)
	}
}
