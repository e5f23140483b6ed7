// Package ledger holds the escrow state machine behind every funded job.
//
// A Ledger moves money at most once per job and only on signals from the
// party the transition table names. Writes are fire-and-confirm: each
// call returns an OpRef that a Confirmer polls until the backend reports
// the operation confirmed or failed.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"taskproof/internal/domain"
)

// Op names a ledger transition.
type Op string

const (
	OpFund    Op = "fund"
	OpClaim   Op = "claim"
	OpSettle  Op = "settle"
	OpDispute Op = "dispute"
	OpRefund  Op = "refund"
	OpResolve Op = "resolve"
)

// OpRef identifies a submitted ledger operation.
type OpRef string

type OpState string

const (
	OpPending   OpState = "pending"
	OpConfirmed OpState = "confirmed"
	OpFailed    OpState = "failed"
)

type Operation struct {
	Ref         OpRef   `json:"ref"`
	Kind        Op      `json:"kind"`
	JobID       int64   `json:"job_id"`
	Caller      string  `json:"caller"`
	State       OpState `json:"state"`
	Error       string  `json:"error,omitempty"`
	SubmittedAt string  `json:"submitted_at"`
	ConfirmedAt string  `json:"confirmed_at,omitempty"`
}

// Escrow is the ledger's view of a job. An unknown job reads as StatusNone.
type Escrow struct {
	JobID     int64            `json:"job_id"`
	Client    string           `json:"client,omitempty"`
	Worker    string           `json:"worker,omitempty"`
	Amount    int64            `json:"amount"`
	FeeBps    int              `json:"fee_bps"`
	Fee       *int64           `json:"fee,omitempty"`
	Net       *int64           `json:"net,omitempty"`
	Status    domain.JobStatus `json:"status"`
	UpdatedAt string           `json:"updated_at,omitempty"`
}

// Mirror copies the ledger-owned fields onto a job record.
func (e Escrow) Mirror(j *domain.Job) {
	j.Status = e.Status
	if e.Worker != "" {
		w := e.Worker
		j.Worker = &w
	}
	if e.Fee != nil || e.Net != nil {
		j.FeeBps = e.FeeBps
		j.Fee = e.Fee
		j.Net = e.Net
	}
}

// Ledger is the escrow runtime. Implementations must apply each transition
// atomically and reject any (state, op) pair outside the transition table.
type Ledger interface {
	Fund(ctx context.Context, caller string, jobID int64, client string, amount int64) (OpRef, error)
	Claim(ctx context.Context, caller string, jobID int64) (OpRef, error)
	Settle(ctx context.Context, caller string, jobID int64) (OpRef, error)
	Dispute(ctx context.Context, caller string, jobID int64) (OpRef, error)
	Refund(ctx context.Context, caller string, jobID int64) (OpRef, error)
	ArbiterResolve(ctx context.Context, caller string, jobID int64, approveWorker bool) (OpRef, error)
	Operation(ctx context.Context, ref OpRef) (Operation, error)
	Job(ctx context.Context, jobID int64) (Escrow, error)
}

var (
	ErrInvalidTransition = errors.New("invalid ledger transition")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownOperation  = errors.New("unknown ledger operation")
	ErrUnconfirmed       = errors.New("ledger operation not confirmed")
)

// TransitionError reports an op attempted from a state that does not allow it.
type TransitionError struct {
	JobID int64
	From  domain.JobStatus
	Op    Op
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("job %d: %s not allowed from %s", e.JobID, e.Op, e.From)
}

func (e TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// ForbiddenError indicates the caller does not hold the role an op requires.
type ForbiddenError struct {
	Role string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("caller must be %s", e.Role)
}

// SubmissionError wraps a backend failure. The op had no effect and may be retried.
type SubmissionError struct {
	Op  Op
	Err error
}

func (e SubmissionError) Error() string {
	return fmt.Sprintf("submit %s: %v", e.Op, e.Err)
}

func (e SubmissionError) Unwrap() error { return e.Err }

func (e SubmissionError) Retryable() bool { return true }

// Policy names the privileged identities and fee bounds.
type Policy struct {
	Owner     string   `yaml:"owner" json:"owner"`
	Judge     string   `yaml:"judge" json:"judge"`
	Arbiters  []string `yaml:"arbiters" json:"arbiters"`
	Treasury  string   `yaml:"treasury" json:"treasury"`
	FeeBps    int      `yaml:"fee_bps" json:"fee_bps"`
	MaxFeeBps int      `yaml:"max_fee_bps" json:"max_fee_bps"`
}

const bpsDenominator = 10000

func (p Policy) Validate() error {
	if strings.TrimSpace(p.Owner) == "" {
		return errors.New("ledger.owner required")
	}
	if strings.TrimSpace(p.Judge) == "" {
		return errors.New("ledger.judge required")
	}
	if len(p.Arbiters) == 0 {
		return errors.New("ledger.arbiters requires at least one arbiter")
	}
	for _, a := range p.Arbiters {
		if strings.TrimSpace(a) == "" {
			return errors.New("ledger.arbiters contains an empty identity")
		}
	}
	if strings.TrimSpace(p.Treasury) == "" {
		return errors.New("ledger.treasury required")
	}
	if p.MaxFeeBps < 0 || p.MaxFeeBps > bpsDenominator {
		return fmt.Errorf("ledger.max_fee_bps must be within 0..%d", bpsDenominator)
	}
	if p.FeeBps < 0 || p.FeeBps > p.MaxFeeBps {
		return fmt.Errorf("ledger.fee_bps must be within 0..%d", p.MaxFeeBps)
	}
	return nil
}

func (p Policy) IsArbiter(id string) bool {
	for _, a := range p.Arbiters {
		if a == id {
			return true
		}
	}
	return false
}

// ComputeFee splits amount at bps, flooring the fee. The split avoids
// overflowing amount*bps for large amounts.
func ComputeFee(amount int64, bps int) (fee, net int64) {
	b := int64(bps)
	fee = amount/bpsDenominator*b + amount%bpsDenominator*b/bpsDenominator
	return fee, amount - fee
}

// EscrowAccount is the holding account for a job's funds.
func EscrowAccount(jobID int64) string {
	return fmt.Sprintf("escrow:%d", jobID)
}

type rule struct {
	from []domain.JobStatus
	to   domain.JobStatus
}

var transitions = map[Op]rule{
	OpFund:    {from: []domain.JobStatus{domain.StatusNone}, to: domain.StatusOpen},
	OpClaim:   {from: []domain.JobStatus{domain.StatusOpen}, to: domain.StatusLocked},
	OpSettle:  {from: []domain.JobStatus{domain.StatusLocked}, to: domain.StatusCompleted},
	OpDispute: {from: []domain.JobStatus{domain.StatusLocked}, to: domain.StatusDisputed},
	OpRefund:  {from: []domain.JobStatus{domain.StatusLocked, domain.StatusDisputed}, to: domain.StatusRefunded},
	OpResolve: {from: []domain.JobStatus{domain.StatusLocked, domain.StatusDisputed}},
}

// EnsureTransition checks op against the transition table. OpResolve has
// two targets and reports the zero status; callers pick the target.
func EnsureTransition(jobID int64, from domain.JobStatus, op Op) (domain.JobStatus, error) {
	r, ok := transitions[op]
	if !ok {
		return "", TransitionError{JobID: jobID, From: from, Op: op}
	}
	for _, s := range r.from {
		if s == from {
			return r.to, nil
		}
	}
	return "", TransitionError{JobID: jobID, From: from, Op: op}
}
