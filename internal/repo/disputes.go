package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"taskproof/internal/domain"
)

const disputeColumns = `id,job_id,raised_by,reason,automatic,verdict_json,status,COALESCE(resolver,''),COALESCE(resolution,''),COALESCE(notes,''),created_at,COALESCE(resolved_at,'')`

func scanDispute(row rowScanner) (domain.Dispute, error) {
	var d domain.Dispute
	var automatic int
	var verdict sql.NullString
	var resolution string
	err := row.Scan(&d.ID, &d.JobID, &d.RaisedBy, &d.Reason, &automatic, &verdict, &d.Status, &d.Resolver, &resolution, &d.Notes, &d.CreatedAt, &d.ResolvedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Automatic = automatic == 1
	d.Resolution = domain.Resolution(resolution)
	if verdict.Valid && verdict.String != "" {
		var v domain.DecisionResult
		if err := json.Unmarshal([]byte(verdict.String), &v); err != nil {
			return d, err
		}
		d.Verdict = &v
	}
	return d, nil
}

func (r Repo) InsertDispute(ctx context.Context, tx *sql.Tx, d domain.Dispute) error {
	var verdict any
	if d.Verdict != nil {
		data, err := json.Marshal(d.Verdict)
		if err != nil {
			return err
		}
		verdict = string(data)
	}
	automatic := 0
	if d.Automatic {
		automatic = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO disputes(id,job_id,raised_by,reason,automatic,verdict_json,status,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		d.ID, d.JobID, d.RaisedBy, d.Reason, automatic, verdict, string(d.Status), d.CreatedAt)
	return err
}

// UpdateDispute writes the review and resolution fields.
func (r Repo) UpdateDispute(ctx context.Context, tx *sql.Tx, d domain.Dispute) error {
	res, err := tx.ExecContext(ctx, `UPDATE disputes SET status=?, resolver=?, resolution=?, notes=?, resolved_at=? WHERE id=?`,
		string(d.Status), nullable(d.Resolver), nullable(string(d.Resolution)), nullable(d.Notes), nullable(d.ResolvedAt), d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetDispute(ctx context.Context, id string) (domain.Dispute, error) {
	return scanDispute(r.DB.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id=?`, id))
}

func (r Repo) GetDisputeTx(ctx context.Context, tx *sql.Tx, id string) (domain.Dispute, error) {
	return scanDispute(tx.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id=?`, id))
}

const openDisputeQuery = `SELECT ` + disputeColumns + ` FROM disputes WHERE job_id=? AND status<>'RESOLVED' ORDER BY created_at DESC LIMIT 1`

// OpenDisputeForJob returns the unresolved dispute on a job, if any.
func (r Repo) OpenDisputeForJob(ctx context.Context, jobID int64) (domain.Dispute, error) {
	return scanDispute(r.DB.QueryRowContext(ctx, openDisputeQuery, jobID))
}

func (r Repo) OpenDisputeForJobTx(ctx context.Context, tx *sql.Tx, jobID int64) (domain.Dispute, error) {
	return scanDispute(tx.QueryRowContext(ctx, openDisputeQuery, jobID))
}

type DisputeFilters struct {
	JobID  int64
	Status string
	Limit  int
}

func (r Repo) ListDisputes(ctx context.Context, f DisputeFilters) ([]domain.Dispute, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.JobID > 0 {
		clauses = append(clauses, "job_id=?")
		args = append(args, f.JobID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
