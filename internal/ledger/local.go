package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"taskproof/internal/domain"
	"taskproof/internal/events"
)

// Leg names a single balance movement inside an op.
const (
	LegFund   = "fund"
	LegNet    = "net"
	LegFee    = "fee"
	LegRefund = "refund"
	LegCredit = "credit"
)

const feeRateKey = "fee_bps"

// Local is a sqlite double-entry ledger. Each op is applied and confirmed
// inside one transaction, so the returned OpRef is confirmed on return.
type Local struct {
	DB     *sql.DB
	Policy Policy
	Events events.Writer
	Log    logrus.FieldLogger
	Now    func() time.Time
	// Faults, when set, runs before every leg; a non-nil error aborts the op.
	Faults func(op Op, leg string) error
}

var _ Ledger = Local{}

func NewLocal(db *sql.DB, p Policy, log logrus.FieldLogger) Local {
	return Local{DB: db, Policy: p, Log: log, Now: time.Now}
}

// Entry is one posted leg.
type Entry struct {
	OpRef     OpRef  `json:"op_ref"`
	JobID     int64  `json:"job_id"`
	Leg       string `json:"leg"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    int64  `json:"amount"`
	CreatedAt string `json:"created_at"`
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (l Local) now() string {
	if l.Now != nil {
		return l.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (l Local) log() logrus.FieldLogger {
	if l.Log != nil {
		return l.Log
	}
	return logrus.StandardLogger()
}

func (l Local) Fund(ctx context.Context, caller string, jobID int64, client string, amount int64) (OpRef, error) {
	return l.apply(ctx, OpFund, caller, jobID, func(tx *sql.Tx, ref OpRef, esc *Escrow) (events.EventPayload, error) {
		to, err := EnsureTransition(jobID, esc.Status, OpFund)
		if err != nil {
			return nil, err
		}
		if amount <= 0 {
			return nil, ErrInvalidAmount
		}
		if client == "" || caller != client {
			return nil, ForbiddenError{Role: "client"}
		}
		if err := l.transfer(ctx, tx, ref, OpFund, jobID, LegFund, client, EscrowAccount(jobID), amount); err != nil {
			return nil, err
		}
		esc.Client = client
		esc.Amount = amount
		esc.Status = to
		return events.EventPayload{"client": client, "amount": amount}, nil
	})
}

func (l Local) Claim(ctx context.Context, caller string, jobID int64) (OpRef, error) {
	return l.apply(ctx, OpClaim, caller, jobID, func(tx *sql.Tx, ref OpRef, esc *Escrow) (events.EventPayload, error) {
		to, err := EnsureTransition(jobID, esc.Status, OpClaim)
		if err != nil {
			return nil, err
		}
		if esc.Worker != "" {
			return nil, TransitionError{JobID: jobID, From: esc.Status, Op: OpClaim}
		}
		if caller == "" || caller == esc.Client {
			return nil, ForbiddenError{Role: "a worker other than the client"}
		}
		esc.Worker = caller
		esc.Status = to
		return events.EventPayload{"worker": caller}, nil
	})
}

func (l Local) Settle(ctx context.Context, caller string, jobID int64) (OpRef, error) {
	return l.apply(ctx, OpSettle, caller, jobID, func(tx *sql.Tx, ref OpRef, esc *Escrow) (events.EventPayload, error) {
		to, err := EnsureTransition(jobID, esc.Status, OpSettle)
		if err != nil {
			return nil, err
		}
		if caller != l.Policy.Judge {
			return nil, ForbiddenError{Role: "judge"}
		}
		return l.payout(ctx, tx, ref, OpSettle, esc, to)
	})
}

func (l Local) Dispute(ctx context.Context, caller string, jobID int64) (OpRef, error) {
	return l.apply(ctx, OpDispute, caller, jobID, func(tx *sql.Tx, ref OpRef, esc *Escrow) (events.EventPayload, error) {
		to, err := EnsureTransition(jobID, esc.Status, OpDispute)
		if err != nil {
			return nil, err
		}
		if caller == "" || (caller != esc.Client && caller != esc.Worker && caller != l.Policy.Judge) {
			return nil, ForbiddenError{Role: "client, worker or judge"}
		}
		esc.Status = to
		return events.EventPayload{"raised_by": caller}, nil
	})
}

func (l Local) Refund(ctx context.Context, caller string, jobID int64) (OpRef, error) {
	return l.apply(ctx, OpRefund, caller, jobID, func(tx *sql.Tx, ref OpRef, esc *Escrow) (events.EventPayload, error) {
		to, err := EnsureTransition(jobID, esc.Status, OpRefund)
		if err != nil {
			return nil, err
		}
		if !l.Policy.IsArbiter(caller) {
			return nil, ForbiddenError{Role: "arbiter"}
		}
		return l.refund(ctx, tx, ref, OpRefund, esc, to)
	})
}

func (l Local) ArbiterResolve(ctx context.Context, caller string, jobID int64, approveWorker bool) (OpRef, error) {
	return l.apply(ctx, OpResolve, caller, jobID, func(tx *sql.Tx, ref OpRef, esc *Escrow) (events.EventPayload, error) {
		if _, err := EnsureTransition(jobID, esc.Status, OpResolve); err != nil {
			return nil, err
		}
		if !l.Policy.IsArbiter(caller) {
			return nil, ForbiddenError{Role: "arbiter"}
		}
		var (
			payload events.EventPayload
			err     error
		)
		if approveWorker {
			payload, err = l.payout(ctx, tx, ref, OpResolve, esc, domain.StatusCompleted)
		} else {
			payload, err = l.refund(ctx, tx, ref, OpResolve, esc, domain.StatusRefunded)
		}
		if err != nil {
			return nil, err
		}
		payload["approve_worker"] = approveWorker
		return payload, nil
	})
}

// payout moves net to the worker and fee to the treasury at the current rate.
func (l Local) payout(ctx context.Context, tx *sql.Tx, ref OpRef, op Op, esc *Escrow, to domain.JobStatus) (events.EventPayload, error) {
	bps, err := l.feeRate(ctx, tx)
	if err != nil {
		return nil, err
	}
	fee, net := ComputeFee(esc.Amount, bps)
	escrow := EscrowAccount(esc.JobID)
	if err := l.transfer(ctx, tx, ref, op, esc.JobID, LegNet, escrow, esc.Worker, net); err != nil {
		return nil, err
	}
	if err := l.transfer(ctx, tx, ref, op, esc.JobID, LegFee, escrow, l.Policy.Treasury, fee); err != nil {
		return nil, err
	}
	esc.FeeBps = bps
	esc.Fee = &fee
	esc.Net = &net
	esc.Status = to
	return events.EventPayload{
		"worker":   esc.Worker,
		"treasury": l.Policy.Treasury,
		"amount":   esc.Amount,
		"fee_bps":  bps,
		"fee":      fee,
		"net":      net,
	}, nil
}

func (l Local) refund(ctx context.Context, tx *sql.Tx, ref OpRef, op Op, esc *Escrow, to domain.JobStatus) (events.EventPayload, error) {
	if err := l.transfer(ctx, tx, ref, op, esc.JobID, LegRefund, EscrowAccount(esc.JobID), esc.Client, esc.Amount); err != nil {
		return nil, err
	}
	var fee int64
	net := esc.Amount
	esc.FeeBps = 0
	esc.Fee = &fee
	esc.Net = &net
	esc.Status = to
	return events.EventPayload{"client": esc.Client, "amount": esc.Amount, "fee": fee, "net": net}, nil
}

type applyFunc func(tx *sql.Tx, ref OpRef, esc *Escrow) (events.EventPayload, error)

// apply runs one op: load escrow, guard and move funds, persist, record the
// op and its audit event, commit. Nothing is written when fn fails.
func (l Local) apply(ctx context.Context, op Op, caller string, jobID int64, fn applyFunc) (OpRef, error) {
	if jobID <= 0 {
		return "", fmt.Errorf("job id %d: %w", jobID, ErrInvalidTransition)
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", SubmissionError{Op: op, Err: err}
	}
	defer tx.Rollback()

	esc, err := loadEscrow(ctx, tx, jobID)
	if err != nil {
		return "", SubmissionError{Op: op, Err: err}
	}
	from := esc.Status
	ref := OpRef(uuid.NewString())
	payload, err := fn(tx, ref, &esc)
	if err != nil {
		return "", l.classify(op, jobID, err)
	}
	now := l.now()
	esc.UpdatedAt = now
	if err := saveEscrow(ctx, tx, esc); err != nil {
		return "", SubmissionError{Op: op, Err: err}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO ledger_ops(id,kind,job_id,caller,state,submitted_at,confirmed_at) VALUES (?,?,?,?,?,?,?)`,
		string(ref), string(op), jobID, caller, string(OpConfirmed), now, now); err != nil {
		return "", SubmissionError{Op: op, Err: fmt.Errorf("record op: %w", err)}
	}
	payload["op_ref"] = string(ref)
	payload["from"] = string(from)
	payload["to"] = string(esc.Status)
	if err := l.Events.Append(ctx, tx, "ledger."+string(op), events.KindJob, events.JobEntity(jobID), caller, payload); err != nil {
		return "", SubmissionError{Op: op, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return "", SubmissionError{Op: op, Err: err}
	}
	l.log().WithFields(logrus.Fields{"job_id": jobID, "op": op, "op_ref": ref, "status": esc.Status}).Info("ledger op applied")
	return ref, nil
}

func (l Local) classify(op Op, jobID int64, err error) error {
	var te TransitionError
	var fe ForbiddenError
	switch {
	case errors.As(err, &te):
		l.log().WithFields(logrus.Fields{"job_id": jobID, "op": op, "from": te.From}).Error("rejected ledger transition")
		return err
	case errors.As(err, &fe), errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInsufficientFunds):
		return err
	default:
		return SubmissionError{Op: op, Err: err}
	}
}

// transfer posts one leg. Zero-amount legs are recorded without touching balances.
func (l Local) transfer(ctx context.Context, tx *sql.Tx, ref OpRef, op Op, jobID int64, leg, from, to string, amount int64) error {
	if l.Faults != nil {
		if err := l.Faults(op, leg); err != nil {
			return fmt.Errorf("%s leg: %w", leg, err)
		}
	}
	if amount < 0 {
		return fmt.Errorf("%s leg: negative amount %d", leg, amount)
	}
	if amount > 0 {
		if err := debit(ctx, tx, from, amount); err != nil {
			return err
		}
		if err := credit(ctx, tx, to, amount); err != nil {
			return fmt.Errorf("%s leg: %w", leg, err)
		}
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO ledger_entries(op_id,job_id,leg,from_account,to_account,amount,created_at) VALUES (?,?,?,?,?,?,?)`,
		string(ref), jobID, leg, from, to, amount, l.now())
	if err != nil {
		return fmt.Errorf("%s leg: %w", leg, err)
	}
	return nil
}

func debit(ctx context.Context, tx *sql.Tx, account string, amount int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE ledger_accounts SET balance=balance-? WHERE id=? AND balance>=?`, amount, account, amount)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s: %w", account, ErrInsufficientFunds)
	}
	return nil
}

func credit(ctx context.Context, tx *sql.Tx, account string, amount int64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO ledger_accounts(id,balance) VALUES (?,?)
ON CONFLICT(id) DO UPDATE SET balance=balance+excluded.balance`, account, amount)
	return err
}

func loadEscrow(ctx context.Context, q querier, jobID int64) (Escrow, error) {
	esc := Escrow{JobID: jobID, Status: domain.StatusNone}
	var worker sql.NullString
	var fee, net sql.NullInt64
	err := q.QueryRowContext(ctx, `SELECT client,worker,amount,fee_bps,fee,net,status,updated_at FROM ledger_escrows WHERE job_id=?`, jobID).
		Scan(&esc.Client, &worker, &esc.Amount, &esc.FeeBps, &fee, &net, &esc.Status, &esc.UpdatedAt)
	if err == sql.ErrNoRows {
		return esc, nil
	}
	if err != nil {
		return esc, err
	}
	if worker.Valid {
		esc.Worker = worker.String
	}
	if fee.Valid {
		esc.Fee = &fee.Int64
	}
	if net.Valid {
		esc.Net = &net.Int64
	}
	return esc, nil
}

func saveEscrow(ctx context.Context, tx *sql.Tx, esc Escrow) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO ledger_escrows(job_id,client,worker,amount,fee_bps,fee,net,status,updated_at) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(job_id) DO UPDATE SET worker=excluded.worker, fee_bps=excluded.fee_bps, fee=excluded.fee, net=excluded.net, status=excluded.status, updated_at=excluded.updated_at`,
		esc.JobID, esc.Client, nullable(esc.Worker), esc.Amount, esc.FeeBps, nullableInt(esc.Fee), nullableInt(esc.Net), string(esc.Status), esc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save escrow %d: %w", esc.JobID, err)
	}
	return nil
}

func (l Local) Operation(ctx context.Context, ref OpRef) (Operation, error) {
	op := Operation{Ref: ref}
	var errText, confirmed sql.NullString
	err := l.DB.QueryRowContext(ctx, `SELECT kind,job_id,caller,state,error,submitted_at,confirmed_at FROM ledger_ops WHERE id=?`, string(ref)).
		Scan(&op.Kind, &op.JobID, &op.Caller, &op.State, &errText, &op.SubmittedAt, &confirmed)
	if err == sql.ErrNoRows {
		return op, fmt.Errorf("%s: %w", ref, ErrUnknownOperation)
	}
	if err != nil {
		return op, err
	}
	op.Error = errText.String
	op.ConfirmedAt = confirmed.String
	return op, nil
}

func (l Local) Job(ctx context.Context, jobID int64) (Escrow, error) {
	return loadEscrow(ctx, l.DB, jobID)
}

// FeeRate returns the rate settle will apply now.
func (l Local) FeeRate(ctx context.Context) (int, error) {
	return l.feeRate(ctx, l.DB)
}

func (l Local) feeRate(ctx context.Context, q querier) (int, error) {
	var v string
	err := q.QueryRowContext(ctx, `SELECT value FROM ledger_settings WHERE key=?`, feeRateKey).Scan(&v)
	if err == sql.ErrNoRows {
		return l.Policy.FeeBps, nil
	}
	if err != nil {
		return 0, err
	}
	bps, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("fee rate setting %q: %w", v, err)
	}
	return bps, nil
}

// SetFeeRate changes the rate for future settlements. Owner only.
func (l Local) SetFeeRate(ctx context.Context, caller string, bps int) error {
	if caller == "" || caller != l.Policy.Owner {
		return ForbiddenError{Role: "owner"}
	}
	if bps < 0 || bps > l.Policy.MaxFeeBps {
		return fmt.Errorf("fee rate %d outside 0..%d", bps, l.Policy.MaxFeeBps)
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	prev, err := l.feeRate(ctx, tx)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO ledger_settings(key,value) VALUES (?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value`, feeRateKey, strconv.Itoa(bps)); err != nil {
		return err
	}
	if err := l.Events.Append(ctx, tx, "ledger.fee_rate", events.KindLedger, feeRateKey, caller, events.EventPayload{"from": prev, "to": bps}); err != nil {
		return err
	}
	return tx.Commit()
}

// Credit deposits amount into account. Owner only.
func (l Local) Credit(ctx context.Context, caller, account string, amount int64) error {
	if caller == "" || caller != l.Policy.Owner {
		return ForbiddenError{Role: "owner"}
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if account == "" {
		return errors.New("account required")
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := credit(ctx, tx, account, amount); err != nil {
		return err
	}
	now := l.now()
	if _, err := tx.ExecContext(ctx, `INSERT INTO ledger_entries(op_id,job_id,leg,from_account,to_account,amount,created_at) VALUES (?,?,?,?,?,?,?)`,
		uuid.NewString(), 0, LegCredit, "mint", account, amount, now); err != nil {
		return err
	}
	if err := l.Events.Append(ctx, tx, "ledger.credit", events.KindLedger, account, caller, events.EventPayload{"amount": amount}); err != nil {
		return err
	}
	return tx.Commit()
}

// Balance returns the account balance; unknown accounts hold zero.
func (l Local) Balance(ctx context.Context, account string) (int64, error) {
	var bal int64
	err := l.DB.QueryRowContext(ctx, `SELECT balance FROM ledger_accounts WHERE id=?`, account).Scan(&bal)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return bal, err
}

// Entries lists the legs posted for a job in order.
func (l Local) Entries(ctx context.Context, jobID int64) ([]Entry, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT op_id,job_id,leg,from_account,to_account,amount,created_at FROM ledger_entries WHERE job_id=? ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.OpRef, &e.JobID, &e.Leg, &e.From, &e.To, &e.Amount, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
