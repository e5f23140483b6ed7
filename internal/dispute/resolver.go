// Package dispute handles contested jobs: opening a dispute, arbiter
// review and the one-time resolution that releases or refunds escrow.
package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"taskproof/internal/domain"
	"taskproof/internal/events"
	"taskproof/internal/ledger"
	"taskproof/internal/repo"
)

var (
	ErrAlreadyResolved = errors.New("dispute already resolved")
	ErrDisputeOpen     = errors.New("job already has an open dispute")
	ErrNotPending      = errors.New("dispute is not pending")
	ErrNotParty        = errors.New("only a job party may raise a dispute")
)

// Resolver never holds a record-store transaction across a ledger call.
// Ledger guards stay authoritative; the record store mirrors what the
// ledger confirmed.
type Resolver struct {
	DB        *sql.DB
	Repo      repo.Repo
	Ledger    ledger.Ledger
	Confirmer ledger.Confirmer
	Policy    ledger.Policy
	Events    events.Writer
	Log       logrus.FieldLogger
	Now       func() time.Time
}

type OpenRequest struct {
	JobID     int64
	RaisedBy  string
	Reason    string
	Automatic bool
	Verdict   *domain.DecisionResult
}

func (r Resolver) now() string {
	now := r.Now
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func (r Resolver) log() logrus.FieldLogger {
	if r.Log != nil {
		return r.Log
	}
	return logrus.StandardLogger()
}

// Open records a PENDING dispute. A LOCKED job is moved to DISPUTED on
// the ledger first. Automatic disputes are raised by the judge.
func (r Resolver) Open(ctx context.Context, req OpenRequest) (domain.Dispute, error) {
	job, err := r.Repo.GetJob(ctx, req.JobID)
	if err != nil {
		return domain.Dispute{}, err
	}
	if !r.mayRaise(job, req) {
		return domain.Dispute{}, ErrNotParty
	}
	if _, err := r.Repo.OpenDisputeForJob(ctx, job.ID); err == nil {
		return domain.Dispute{}, ErrDisputeOpen
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Dispute{}, err
	}
	esc, err := r.Ledger.Job(ctx, job.ID)
	if err != nil {
		return domain.Dispute{}, err
	}

	var ref ledger.OpRef
	confirmed := true
	switch esc.Status {
	case domain.StatusDisputed:
	case domain.StatusLocked:
		ref, err = r.Ledger.Dispute(ctx, req.RaisedBy, job.ID)
		if err != nil {
			return domain.Dispute{}, err
		}
		confirmed, err = r.await(ctx, ref)
		if err != nil {
			return domain.Dispute{}, err
		}
		if confirmed {
			if esc, err = r.Ledger.Job(ctx, job.ID); err != nil {
				return domain.Dispute{}, err
			}
		}
	default:
		return domain.Dispute{}, ledger.TransitionError{JobID: job.ID, From: esc.Status, Op: ledger.OpDispute}
	}

	now := r.now()
	d := domain.Dispute{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		RaisedBy:  req.RaisedBy,
		Reason:    req.Reason,
		Automatic: req.Automatic,
		Verdict:   req.Verdict,
		Status:    domain.DisputePending,
		CreatedAt: now,
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Dispute{}, err
	}
	defer tx.Rollback()
	if _, err := r.Repo.OpenDisputeForJobTx(ctx, tx, job.ID); err == nil {
		return domain.Dispute{}, ErrDisputeOpen
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Dispute{}, err
	}
	if err := r.Repo.InsertDispute(ctx, tx, d); err != nil {
		return domain.Dispute{}, err
	}
	job, err = r.Repo.GetJobTx(ctx, tx, job.ID)
	if err != nil {
		return domain.Dispute{}, err
	}
	if confirmed {
		esc.Mirror(&job)
	} else {
		job.Settlement = domain.SettlementNeedsReconciliation
		job.PendingOp = string(ref)
	}
	job.UpdatedAt = now
	if err := r.Repo.UpdateJob(ctx, tx, job); err != nil {
		return domain.Dispute{}, err
	}
	if err := r.Events.Append(ctx, tx, "dispute.opened", events.KindDispute, d.ID, req.RaisedBy, events.EventPayload{
		"job_id":    job.ID,
		"reason":    req.Reason,
		"automatic": req.Automatic,
	}); err != nil {
		return domain.Dispute{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Dispute{}, err
	}
	r.log().WithFields(logrus.Fields{"dispute_id": d.ID, "job_id": job.ID, "automatic": req.Automatic}).Info("dispute opened")
	return d, nil
}

func (r Resolver) mayRaise(job domain.Job, req OpenRequest) bool {
	if req.RaisedBy == "" {
		return false
	}
	if req.Automatic {
		return req.RaisedBy == r.Policy.Judge
	}
	if req.RaisedBy == job.Client || req.RaisedBy == r.Policy.Judge {
		return true
	}
	return job.Worker != nil && *job.Worker == req.RaisedBy
}

// Review moves a PENDING dispute under an arbiter's review.
func (r Resolver) Review(ctx context.Context, disputeID, arbiter string) (domain.Dispute, error) {
	if !r.Policy.IsArbiter(arbiter) {
		return domain.Dispute{}, ledger.ForbiddenError{Role: "arbiter"}
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Dispute{}, err
	}
	defer tx.Rollback()
	d, err := r.Repo.GetDisputeTx(ctx, tx, disputeID)
	if err != nil {
		return domain.Dispute{}, err
	}
	switch d.Status {
	case domain.DisputeResolved:
		return d, ErrAlreadyResolved
	case domain.DisputeUnderReview:
		return d, ErrNotPending
	}
	d.Status = domain.DisputeUnderReview
	d.Resolver = arbiter
	if err := r.Repo.UpdateDispute(ctx, tx, d); err != nil {
		return domain.Dispute{}, err
	}
	if err := r.Events.Append(ctx, tx, "dispute.review", events.KindDispute, d.ID, arbiter, events.EventPayload{"job_id": d.JobID}); err != nil {
		return domain.Dispute{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Dispute{}, err
	}
	return d, nil
}

// Resolve settles a dispute once. Approval pays the worker through the
// arbiter path; otherwise the client is refunded in full. When the ledger
// does not confirm in time the dispute stays open, the job is flagged for
// reconciliation and the error wraps ledger.ErrUnconfirmed.
func (r Resolver) Resolve(ctx context.Context, disputeID string, approveWorker bool, arbiter, notes string) (domain.Dispute, error) {
	if !r.Policy.IsArbiter(arbiter) {
		return domain.Dispute{}, ledger.ForbiddenError{Role: "arbiter"}
	}
	d, err := r.Repo.GetDispute(ctx, disputeID)
	if err != nil {
		return domain.Dispute{}, err
	}
	if d.Status == domain.DisputeResolved {
		return d, ErrAlreadyResolved
	}
	esc, err := r.Ledger.Job(ctx, d.JobID)
	if err != nil {
		return domain.Dispute{}, err
	}
	if esc.Status != domain.StatusDisputed && esc.Status != domain.StatusLocked {
		return d, ledger.TransitionError{JobID: d.JobID, From: esc.Status, Op: ledger.OpResolve}
	}

	var ref ledger.OpRef
	if approveWorker {
		ref, err = r.Ledger.ArbiterResolve(ctx, arbiter, d.JobID, true)
	} else {
		ref, err = r.Ledger.Refund(ctx, arbiter, d.JobID)
	}
	if err != nil {
		return d, err
	}
	confirmed, err := r.await(ctx, ref)
	if err != nil {
		return d, err
	}
	if !confirmed {
		if err := r.flag(ctx, d.JobID, ref, arbiter); err != nil {
			return d, err
		}
		return d, fmt.Errorf("resolve dispute %s: %w", d.ID, ledger.ErrUnconfirmed)
	}

	resolution := domain.ResolutionRefunded
	if approveWorker {
		resolution = domain.ResolutionApproved
	}
	return r.Finalize(ctx, d.JobID, resolution, arbiter, notes)
}

// Finalize marks the open dispute on a job RESOLVED and mirrors the
// confirmed escrow onto the job. Reconciliation calls it after a late
// confirmation.
func (r Resolver) Finalize(ctx context.Context, jobID int64, resolution domain.Resolution, arbiter, notes string) (domain.Dispute, error) {
	esc, err := r.Ledger.Job(ctx, jobID)
	if err != nil {
		return domain.Dispute{}, err
	}
	now := r.now()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Dispute{}, err
	}
	defer tx.Rollback()
	d, err := r.Repo.OpenDisputeForJobTx(ctx, tx, jobID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Dispute{}, ErrAlreadyResolved
	}
	if err != nil {
		return domain.Dispute{}, err
	}
	d.Status = domain.DisputeResolved
	d.Resolution = resolution
	d.Resolver = arbiter
	d.Notes = notes
	d.ResolvedAt = now
	if err := r.Repo.UpdateDispute(ctx, tx, d); err != nil {
		return domain.Dispute{}, err
	}
	job, err := r.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Dispute{}, err
	}
	esc.Mirror(&job)
	job.Settlement = domain.SettlementNone
	job.PendingOp = ""
	job.UpdatedAt = now
	if err := r.Repo.UpdateJob(ctx, tx, job); err != nil {
		return domain.Dispute{}, err
	}
	if err := r.Events.Append(ctx, tx, "dispute.resolved", events.KindDispute, d.ID, arbiter, events.EventPayload{
		"job_id":     jobID,
		"resolution": resolution,
		"fee":        job.Fee,
		"net":        job.Net,
	}); err != nil {
		return domain.Dispute{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Dispute{}, err
	}
	r.log().WithFields(logrus.Fields{"dispute_id": d.ID, "job_id": jobID, "resolution": resolution}).Info("dispute resolved")
	return d, nil
}

// await reports whether ref confirmed. A failed op is returned as an error.
func (r Resolver) await(ctx context.Context, ref ledger.OpRef) (bool, error) {
	op, err := r.Confirmer.Await(ctx, ref)
	if errors.Is(err, ledger.ErrUnconfirmed) {
		r.log().WithFields(logrus.Fields{"op": ref, "job_id": op.JobID}).Warn("ledger op unconfirmed")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if op.State == ledger.OpFailed {
		return false, ledger.SubmissionError{Op: op.Kind, Err: errors.New(op.Error)}
	}
	return true, nil
}

func (r Resolver) flag(ctx context.Context, jobID int64, ref ledger.OpRef, actor string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	job, err := r.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return err
	}
	job.Settlement = domain.SettlementNeedsReconciliation
	job.PendingOp = string(ref)
	job.UpdatedAt = r.now()
	if err := r.Repo.UpdateJob(ctx, tx, job); err != nil {
		return err
	}
	if err := r.Events.Append(ctx, tx, "job.needs_reconciliation", events.KindJob, events.JobEntity(jobID), actor, events.EventPayload{"op_ref": ref}); err != nil {
		return err
	}
	return tx.Commit()
}

