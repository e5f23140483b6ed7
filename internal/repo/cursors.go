package repo

import (
	"context"
	"database/sql"
)

// RelayCursor returns the last event id delivered to a sink and whether
// the sink has a stored cursor at all.
func (r Repo) RelayCursor(ctx context.Context, sink string) (int64, bool, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT last_event_id FROM relay_cursors WHERE sink=?`, sink).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (r Repo) SetRelayCursor(ctx context.Context, sink string, eventID int64, updatedAt string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO relay_cursors(sink,last_event_id,updated_at) VALUES (?,?,?)
ON CONFLICT(sink) DO UPDATE SET last_event_id=excluded.last_event_id, updated_at=excluded.updated_at`, sink, eventID, updatedAt)
	return err
}
