package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"taskproof/internal/domain"
)

// InsertDecision records the verdict for one proof attempt. An attempt is
// decided once; a second insert for the same attempt fails.
func (r Repo) InsertDecision(ctx context.Context, tx *sql.Tx, d domain.DecisionResult) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO decisions(job_id,attempt,verdict,score,result_json,created_at) VALUES (?,?,?,?,?,?)`,
		d.JobID, d.Attempt, string(d.Verdict), d.Score, string(data), d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert decision job=%d attempt=%d: %w", d.JobID, d.Attempt, err)
	}
	return nil
}

// ListDecisions returns a job's decisions in attempt order.
func (r Repo) ListDecisions(ctx context.Context, jobID int64) ([]domain.DecisionResult, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT result_json FROM decisions WHERE job_id=? ORDER BY attempt ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DecisionResult
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var d domain.DecisionResult
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("decision for job %d: %w", jobID, err)
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
