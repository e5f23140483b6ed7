package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"taskproof/internal/cache"
	"taskproof/internal/config"
	"taskproof/internal/decision"
	"taskproof/internal/dispute"
	"taskproof/internal/domain"
	"taskproof/internal/events"
	"taskproof/internal/evidence"
	"taskproof/internal/ledger"
	"taskproof/internal/repo"
)

var (
	ErrAttemptsExhausted = errors.New("proof submission attempts exhausted")
	ErrSettlementPending = errors.New("job has an unconfirmed ledger operation; reconcile first")
)

// ValidationError reports a request field that failed validation before
// any state changed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Decider produces the verdict for one proof attempt.
type Decider interface {
	Decide(ctx context.Context, in decision.Input) (domain.DecisionResult, error)
}

// Engine orchestrates the record store, the ledger and the decision
// pipeline. It holds no per-job state; the ledger serializes each job.
type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Events      events.Writer
	Ledger      ledger.Ledger
	Confirmer   ledger.Confirmer
	Decider     Decider
	Disputes    dispute.Resolver
	Cache       cache.StatusCache
	Policy      ledger.Policy
	MaxAttempts int
	Log         logrus.FieldLogger
	Now         func() time.Time
}

// New wires an Engine from config. The status cache defaults to memory.
func New(db *sql.DB, cfg *config.Config, l ledger.Ledger, ev decision.Evidence, log logrus.FieldLogger) Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := repo.Repo{DB: db}
	confirmer := cfg.Confirmer(l)
	return Engine{
		DB:        db,
		Repo:      r,
		Ledger:    l,
		Confirmer: confirmer,
		Decider: decision.Engine{
			Policy:    cfg.Decision,
			Proximity: cfg.Proximity,
			Evidence:  ev,
			Log:       log,
		},
		Disputes: dispute.Resolver{
			DB:        db,
			Repo:      r,
			Ledger:    l,
			Confirmer: confirmer,
			Policy:    cfg.Ledger,
			Log:       log,
			Now:       time.Now,
		},
		Cache:       cache.NewMemory(),
		Policy:      cfg.Ledger,
		MaxAttempts: cfg.Submissions.MaxAttempts,
		Log:         log,
		Now:         time.Now,
	}
}

func (e Engine) now() string {
	if e.Now != nil {
		return e.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (e Engine) log() logrus.FieldLogger {
	if e.Log != nil {
		return e.Log
	}
	return logrus.StandardLogger()
}

func (e Engine) statusCache() cache.StatusCache {
	if e.Cache != nil {
		return e.Cache
	}
	return cache.Nop{}
}

func (e Engine) remember(ctx context.Context, job domain.Job) {
	if err := e.statusCache().Set(ctx, job.ID, job.Status); err != nil {
		e.log().WithField("job_id", job.ID).WithError(err).Warn("status cache write failed")
	}
}

type FundJobRequest struct {
	Client         string
	Title          string
	Description    string
	Amount         int64
	ReferenceMedia []string
	Plan           domain.VerificationPlan
	Location       domain.Coordinates
}

// FundJob records a job and escrows its amount from the client.
func (e Engine) FundJob(ctx context.Context, req FundJobRequest) (domain.Job, error) {
	switch {
	case strings.TrimSpace(req.Client) == "":
		return domain.Job{}, ValidationError{Field: "client", Reason: "required"}
	case strings.TrimSpace(req.Title) == "":
		return domain.Job{}, ValidationError{Field: "title", Reason: "required"}
	case req.Amount <= 0:
		return domain.Job{}, ledger.ErrInvalidAmount
	case req.Location.Missing():
		return domain.Job{}, ValidationError{Field: "location", Reason: "latitude and longitude are required"}
	}
	now := e.now()
	job := domain.Job{
		Title:          strings.TrimSpace(req.Title),
		Description:    req.Description,
		Client:         req.Client,
		Amount:         req.Amount,
		ReferenceMedia: req.ReferenceMedia,
		Plan:           req.Plan,
		Location:       req.Location,
		Status:         domain.StatusNone,
		Settlement:     domain.SettlementNone,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()
	id, err := e.Repo.InsertJob(ctx, tx, job)
	if err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	job.ID = id

	ref, err := e.Ledger.Fund(ctx, req.Client, id, req.Client, req.Amount)
	if err != nil {
		e.discard(ctx, id)
		return domain.Job{}, err
	}
	return e.confirm(ctx, id, ref, req.Client, "job.funded", events.EventPayload{"amount": req.Amount, "title": job.Title})
}

// discard drops a record the ledger refused so no NONE job lingers.
func (e Engine) discard(ctx context.Context, id int64) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err == nil {
		defer tx.Rollback()
		if err = e.Repo.DeleteJob(ctx, tx, id); err == nil {
			err = tx.Commit()
		}
	}
	if err != nil {
		e.log().WithField("job_id", id).WithError(err).Error("discard unfunded job")
	}
}

// ClaimJob locks an OPEN job to the worker. Jobs already known to be past
// OPEN are turned away before the ledger is asked.
func (e Engine) ClaimJob(ctx context.Context, jobID int64, worker string) (domain.Job, error) {
	if strings.TrimSpace(worker) == "" {
		return domain.Job{}, ValidationError{Field: "worker", Reason: "required"}
	}
	status, ok, err := e.statusCache().Get(ctx, jobID)
	if err != nil {
		e.log().WithField("job_id", jobID).WithError(err).Warn("status cache read failed")
		ok = false
	}
	if !ok {
		job, err := e.Repo.GetJob(ctx, jobID)
		if err != nil {
			return domain.Job{}, err
		}
		status = job.Status
	}
	if status != domain.StatusOpen {
		return domain.Job{}, ledger.TransitionError{JobID: jobID, From: status, Op: ledger.OpClaim}
	}
	ref, err := e.Ledger.Claim(ctx, worker, jobID)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidTransition) {
			if esc, lerr := e.Ledger.Job(ctx, jobID); lerr == nil {
				_ = e.statusCache().Set(ctx, jobID, esc.Status)
			}
		}
		return domain.Job{}, err
	}
	return e.confirm(ctx, jobID, ref, worker, "job.claimed", events.EventPayload{"worker": worker})
}

type SubmitProofRequest struct {
	JobID       int64
	Worker      string
	ProofMedia  []string
	Coordinates *domain.Coordinates
}

type SubmitOutcome struct {
	Decision   domain.DecisionResult  `json:"decision"`
	Job        domain.Job             `json:"job"`
	Settlement domain.SettlementState `json:"settlement"`
	OpRef      string                 `json:"op_ref,omitempty"`
	Dispute    *domain.Dispute        `json:"dispute,omitempty"`
}

// SubmitProof judges one proof attempt. An approval settles through the
// judge identity; the final non-approved attempt opens an automatic
// dispute. A settlement the ledger does not confirm in time is reported in
// the outcome, not as an error.
func (e Engine) SubmitProof(ctx context.Context, req SubmitProofRequest) (SubmitOutcome, error) {
	if strings.TrimSpace(req.Worker) == "" {
		return SubmitOutcome{}, ValidationError{Field: "worker", Reason: "required"}
	}
	if len(req.ProofMedia) == 0 {
		return SubmitOutcome{}, ValidationError{Field: "proof_media", Reason: "at least one item is required"}
	}
	job, err := e.Repo.GetJob(ctx, req.JobID)
	if err != nil {
		return SubmitOutcome{}, err
	}
	if job.Worker == nil || *job.Worker != req.Worker {
		return SubmitOutcome{}, ledger.ForbiddenError{Role: "the job's worker"}
	}
	if job.Settlement != domain.SettlementNone {
		return SubmitOutcome{}, ErrSettlementPending
	}
	esc, err := e.Ledger.Job(ctx, job.ID)
	if err != nil {
		return SubmitOutcome{}, err
	}
	if esc.Status != domain.StatusLocked {
		return SubmitOutcome{}, ledger.TransitionError{JobID: job.ID, From: esc.Status, Op: ledger.OpSettle}
	}
	maxAttempts := e.maxAttempts()
	if job.Attempts >= maxAttempts {
		return SubmitOutcome{}, ErrAttemptsExhausted
	}
	attempt := job.Attempts + 1

	res, err := e.Decider.Decide(ctx, decision.Input{
		JobID:     job.ID,
		Attempt:   attempt,
		Reference: &job.Location,
		Candidate: req.Coordinates,
		Request: evidence.CompareRequest{
			Title:          job.Title,
			Description:    job.Description,
			Plan:           job.Plan,
			ReferenceMedia: job.ReferenceMedia,
			ProofMedia:     req.ProofMedia,
		},
		Task:      taskText(job),
		Checklist: job.Plan.Checklist,
	})
	if err != nil {
		return SubmitOutcome{}, err
	}
	res.CreatedAt = e.now()
	final := attempt >= maxAttempts && res.Verdict != domain.VerdictApproved
	if final {
		res.CanResubmit = false
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SubmitOutcome{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDecision(ctx, tx, res); err != nil {
		return SubmitOutcome{}, err
	}
	job.Attempts = attempt
	job.ProofMedia = req.ProofMedia
	job.UpdatedAt = res.CreatedAt
	if err := e.Repo.UpdateJob(ctx, tx, job); err != nil {
		return SubmitOutcome{}, err
	}
	if err := e.Events.Append(ctx, tx, "decision.recorded", events.KindDecision, events.JobEntity(job.ID), e.Policy.Judge, events.EventPayload{
		"attempt":  attempt,
		"verdict":  res.Verdict,
		"score":    res.Score,
		"category": res.Category,
	}); err != nil {
		return SubmitOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return SubmitOutcome{}, err
	}

	out := SubmitOutcome{Decision: res, Job: job, Settlement: domain.SettlementNone}
	switch {
	case res.Verdict == domain.VerdictApproved:
		job, ref, err := e.settle(ctx, job.ID)
		out.Job, out.OpRef, out.Settlement = job, string(ref), job.Settlement
		if err != nil {
			return out, err
		}
	case final:
		d, err := e.Disputes.Open(ctx, dispute.OpenRequest{
			JobID:     job.ID,
			RaisedBy:  e.Policy.Judge,
			Reason:    fmt.Sprintf("no approval after %d attempts", attempt),
			Automatic: true,
			Verdict:   &res,
		})
		if err != nil {
			return out, err
		}
		out.Dispute = &d
		if out.Job, err = e.Repo.GetJob(ctx, job.ID); err != nil {
			return out, err
		}
		out.Settlement = out.Job.Settlement
		e.remember(ctx, out.Job)
	}
	return out, nil
}

func (e Engine) maxAttempts() int {
	if e.MaxAttempts > 0 {
		return e.MaxAttempts
	}
	return 1
}

func taskText(job domain.Job) string {
	text := job.Title
	if job.Description != "" {
		text += "\n" + job.Description
	}
	if job.Plan.ExpectedTransformation != "" {
		text += "\nExpected outcome: " + job.Plan.ExpectedTransformation
	}
	return text
}

// settle submits the judge's settlement, records it as pending and waits
// for confirmation within the confirmer's budget.
func (e Engine) settle(ctx context.Context, jobID int64) (domain.Job, ledger.OpRef, error) {
	ref, err := e.Ledger.Settle(ctx, e.Policy.Judge, jobID)
	if err != nil {
		job, gerr := e.Repo.GetJob(ctx, jobID)
		if gerr != nil {
			return domain.Job{}, "", err
		}
		return job, "", err
	}
	if err := e.updateJob(ctx, jobID, e.Policy.Judge, "job.settlement_submitted", events.EventPayload{"op_ref": ref}, func(j *domain.Job) {
		j.Settlement = domain.SettlementPendingConfirmation
		j.PendingOp = string(ref)
	}); err != nil {
		return domain.Job{}, ref, err
	}
	job, err := e.confirm(ctx, jobID, ref, e.Policy.Judge, "job.settled", nil)
	return job, ref, err
}

// confirm awaits ref and mirrors the ledger onto the job record. On
// timeout the job is flagged needs_reconciliation and returned without error.
func (e Engine) confirm(ctx context.Context, jobID int64, ref ledger.OpRef, actor, evtType string, payload events.EventPayload) (domain.Job, error) {
	op, err := e.Confirmer.Await(ctx, ref)
	if errors.Is(err, ledger.ErrUnconfirmed) {
		e.log().WithFields(logrus.Fields{"job_id": jobID, "op": ref}).Warn("ledger op unconfirmed; flagged for reconciliation")
		if err := e.updateJob(ctx, jobID, actor, "job.needs_reconciliation", events.EventPayload{"op_ref": ref}, func(j *domain.Job) {
			j.Settlement = domain.SettlementNeedsReconciliation
			j.PendingOp = string(ref)
		}); err != nil {
			return domain.Job{}, err
		}
		return e.Repo.GetJob(ctx, jobID)
	}
	if err != nil {
		return domain.Job{}, err
	}
	if op.State == ledger.OpFailed {
		_ = e.updateJob(ctx, jobID, actor, "job.op_failed", events.EventPayload{"op_ref": ref, "error": op.Error}, func(j *domain.Job) {
			j.Settlement = domain.SettlementNone
			j.PendingOp = ""
		})
		return domain.Job{}, ledger.SubmissionError{Op: op.Kind, Err: errors.New(op.Error)}
	}
	return e.mirror(ctx, jobID, actor, evtType, payload, ref)
}

// mirror copies the ledger's escrow onto the record and clears any pending op.
func (e Engine) mirror(ctx context.Context, jobID int64, actor, evtType string, payload events.EventPayload, ref ledger.OpRef) (domain.Job, error) {
	esc, err := e.Ledger.Job(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["op_ref"] = ref
	payload["status"] = esc.Status
	if err := e.updateJob(ctx, jobID, actor, evtType, payload, func(j *domain.Job) {
		esc.Mirror(j)
		j.Settlement = domain.SettlementNone
		j.PendingOp = ""
	}); err != nil {
		return domain.Job{}, err
	}
	job, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	e.remember(ctx, job)
	e.log().WithFields(logrus.Fields{"job_id": jobID, "status": job.Status, "op": ref}).Info(evtType)
	return job, nil
}

func (e Engine) updateJob(ctx context.Context, jobID int64, actor, evtType string, payload events.EventPayload, fn func(*domain.Job)) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	job, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return err
	}
	fn(&job)
	job.UpdatedAt = e.now()
	if err := e.Repo.UpdateJob(ctx, tx, job); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, evtType, events.KindJob, events.JobEntity(jobID), actor, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateDispute lets a job party contest a LOCKED job.
func (e Engine) CreateDispute(ctx context.Context, jobID int64, raisedBy, reason string) (domain.Dispute, error) {
	if strings.TrimSpace(reason) == "" {
		return domain.Dispute{}, ValidationError{Field: "reason", Reason: "required"}
	}
	d, err := e.Disputes.Open(ctx, dispute.OpenRequest{JobID: jobID, RaisedBy: raisedBy, Reason: reason})
	if err != nil {
		return domain.Dispute{}, err
	}
	_ = e.statusCache().Set(ctx, jobID, domain.StatusDisputed)
	return d, nil
}

func (e Engine) ReviewDispute(ctx context.Context, disputeID, arbiter string) (domain.Dispute, error) {
	return e.Disputes.Review(ctx, disputeID, arbiter)
}

func (e Engine) ResolveDispute(ctx context.Context, disputeID string, approveWorker bool, arbiter, notes string) (domain.Dispute, error) {
	d, err := e.Disputes.Resolve(ctx, disputeID, approveWorker, arbiter, notes)
	if err != nil {
		return d, err
	}
	if job, err := e.Repo.GetJob(ctx, d.JobID); err == nil {
		e.remember(ctx, job)
	}
	return d, nil
}

func (e Engine) ListDisputes(ctx context.Context, f repo.DisputeFilters) ([]domain.Dispute, error) {
	return e.Repo.ListDisputes(ctx, f)
}

func (e Engine) GetJob(ctx context.Context, jobID int64) (domain.Job, error) {
	return e.Repo.GetJob(ctx, jobID)
}

func (e Engine) ListJobs(ctx context.Context, f repo.JobFilters) ([]domain.Job, error) {
	return e.Repo.ListJobs(ctx, f)
}

func (e Engine) ListDecisions(ctx context.Context, jobID int64) ([]domain.DecisionResult, error) {
	if _, err := e.Repo.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return e.Repo.ListDecisions(ctx, jobID)
}

// Reconcile re-reads a flagged job's pending op and mirrors the ledger
// once it has settled. A LOCKED job whose latest decision is an approval
// but has no settlement on record gets its settlement resubmitted.
func (e Engine) Reconcile(ctx context.Context, jobID int64, actor string) (domain.Job, error) {
	job, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.PendingOp != "" {
		ref := ledger.OpRef(job.PendingOp)
		op, err := e.Ledger.Operation(ctx, ref)
		if err != nil {
			return job, err
		}
		switch op.State {
		case ledger.OpPending:
			return job, fmt.Errorf("job %d op %s: %w", jobID, ref, ledger.ErrUnconfirmed)
		case ledger.OpFailed:
			if err := e.updateJob(ctx, jobID, actor, "job.reconciled", events.EventPayload{"op_ref": ref, "state": op.State, "error": op.Error}, func(j *domain.Job) {
				j.Settlement = domain.SettlementNone
				j.PendingOp = ""
			}); err != nil {
				return job, err
			}
			return e.Repo.GetJob(ctx, jobID)
		}
		resolved, err := e.finalizeDispute(ctx, jobID, op)
		if err != nil {
			return job, err
		}
		if resolved != nil {
			return *resolved, nil
		}
		return e.mirror(ctx, jobID, actor, "job.reconciled", events.EventPayload{"state": op.State}, ref)
	}

	esc, err := e.Ledger.Job(ctx, jobID)
	if err != nil {
		return job, err
	}
	if esc.Status == domain.StatusLocked {
		decisions, err := e.Repo.ListDecisions(ctx, jobID)
		if err != nil {
			return job, err
		}
		if n := len(decisions); n > 0 && decisions[n-1].Verdict == domain.VerdictApproved {
			job, _, err := e.settle(ctx, jobID)
			return job, err
		}
	}
	return e.mirror(ctx, jobID, actor, "job.reconciled", nil, "")
}

// finalizeDispute resolves the open dispute a late arbiter op settled.
// It returns nil when the op did not end a dispute.
func (e Engine) finalizeDispute(ctx context.Context, jobID int64, op ledger.Operation) (*domain.Job, error) {
	if op.Kind != ledger.OpResolve && op.Kind != ledger.OpRefund {
		return nil, nil
	}
	if _, err := e.Repo.OpenDisputeForJob(ctx, jobID); errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	esc, err := e.Ledger.Job(ctx, jobID)
	if err != nil {
		return nil, err
	}
	resolution := domain.ResolutionRefunded
	if esc.Status == domain.StatusCompleted {
		resolution = domain.ResolutionApproved
	}
	if _, err := e.Disputes.Finalize(ctx, jobID, resolution, op.Caller, "reconciled"); err != nil {
		return nil, err
	}
	job, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	e.remember(ctx, job)
	return &job, nil
}
