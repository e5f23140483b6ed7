package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"taskproof/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const jobColumns = `id,title,description,client,worker,amount,fee_bps,fee,net,reference_media_json,proof_media_json,plan_json,latitude,longitude,accuracy_m,status,attempts,settlement,pending_op,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	var description, worker, pendingOp sql.NullString
	var fee, net sql.NullInt64
	var lat, lon sql.NullFloat64
	var refJSON, proofJSON, planJSON string
	err := row.Scan(&j.ID, &j.Title, &description, &j.Client, &worker, &j.Amount, &j.FeeBps, &fee, &net,
		&refJSON, &proofJSON, &planJSON, &lat, &lon, &j.Location.AccuracyMeters,
		&j.Status, &j.Attempts, &j.Settlement, &pendingOp, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.Description = description.String
	j.PendingOp = pendingOp.String
	if worker.Valid {
		j.Worker = &worker.String
	}
	if fee.Valid {
		j.Fee = &fee.Int64
	}
	if net.Valid {
		j.Net = &net.Int64
	}
	if lat.Valid {
		j.Location.Latitude = &lat.Float64
	}
	if lon.Valid {
		j.Location.Longitude = &lon.Float64
	}
	if err := json.Unmarshal([]byte(refJSON), &j.ReferenceMedia); err != nil {
		return j, fmt.Errorf("job %d reference media: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(proofJSON), &j.ProofMedia); err != nil {
		return j, fmt.Errorf("job %d proof media: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(planJSON), &j.Plan); err != nil {
		return j, fmt.Errorf("job %d plan: %w", j.ID, err)
	}
	return j, nil
}

// InsertJob stores a new job and returns its assigned id.
func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.Job) (int64, error) {
	refJSON, err := marshalStrings(j.ReferenceMedia)
	if err != nil {
		return 0, err
	}
	proofJSON, err := marshalStrings(j.ProofMedia)
	if err != nil {
		return 0, err
	}
	planJSON, err := json.Marshal(j.Plan)
	if err != nil {
		return 0, err
	}
	if j.Settlement == "" {
		j.Settlement = domain.SettlementNone
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO jobs(title,description,client,worker,amount,fee_bps,fee,net,reference_media_json,proof_media_json,plan_json,latitude,longitude,accuracy_m,status,attempts,settlement,pending_op,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.Title, nullable(j.Description), j.Client, nullableStringPtr(j.Worker), j.Amount, j.FeeBps, nullableInt64Ptr(j.Fee), nullableInt64Ptr(j.Net),
		refJSON, proofJSON, string(planJSON), nullableFloatPtr(j.Location.Latitude), nullableFloatPtr(j.Location.Longitude), j.Location.AccuracyMeters,
		string(j.Status), j.Attempts, string(j.Settlement), nullable(j.PendingOp), j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	return res.LastInsertId()
}

// UpdateJob writes the fields that change over a job's life.
func (r Repo) UpdateJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	proofJSON, err := marshalStrings(j.ProofMedia)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET worker=?, fee_bps=?, fee=?, net=?, proof_media_json=?, status=?, attempts=?, settlement=?, pending_op=?, updated_at=? WHERE id=?`,
		nullableStringPtr(j.Worker), j.FeeBps, nullableInt64Ptr(j.Fee), nullableInt64Ptr(j.Net), proofJSON,
		string(j.Status), j.Attempts, string(j.Settlement), nullable(j.PendingOp), j.UpdatedAt, j.ID)
	if err != nil {
		return fmt.Errorf("update job %d: %w", j.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetJob(ctx context.Context, id int64) (domain.Job, error) {
	return getJob(ctx, r.DB, id)
}

func (r Repo) GetJobTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Job, error) {
	return getJob(ctx, tx, id)
}

func getJob(ctx context.Context, q queryer, id int64) (domain.Job, error) {
	return scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
}

type JobFilters struct {
	Status     string
	Client     string
	Worker     string
	Settlement string
	Limit      int
	// Cursor returns jobs with ids below it.
	Cursor int64
}

func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.Job, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Client != "" {
		clauses = append(clauses, "client=?")
		args = append(args, f.Client)
	}
	if f.Worker != "" {
		clauses = append(clauses, "worker=?")
		args = append(args, f.Worker)
	}
	if f.Settlement != "" {
		clauses = append(clauses, "settlement=?")
		args = append(args, f.Settlement)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

func marshalStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

// DeleteJob removes a job record that never reached the ledger.
func (r Repo) DeleteJob(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, id)
	return err
}
