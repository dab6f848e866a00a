package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/regsync/internal/db"
)

// Settings returns every runtime setting. Batches read these once into their
// configuration snapshot.
func (q *Queries) Settings(ctx context.Context) (map[string]string, error) {
	rows, err := q.q.Query(ctx, "SELECT key, value FROM settings ORDER BY key")
	if err != nil {
		return nil, eris.Wrap(err, "store: list settings")
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, eris.Wrap(err, "store: scan setting")
		}
		out[k] = v
	}
	return out, eris.Wrap(rows.Err(), "store: iterate settings")
}

// SetSetting inserts or replaces a runtime setting.
func (q *Queries) SetSetting(ctx context.Context, key, value string) error {
	if _, err := q.q.Exec(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, q.Now(),
	); err != nil {
		return eris.Wrapf(err, "store: set setting %s", key)
	}
	return nil
}

// DeleteSetting removes a runtime setting. Missing keys are not an error.
func (q *Queries) DeleteSetting(ctx context.Context, key string) error {
	if _, err := q.q.Exec(ctx, "DELETE FROM settings WHERE key = $1", key); err != nil {
		return eris.Wrapf(err, "store: delete setting %s", key)
	}
	return nil
}

// Cursor returns the last processed id of a named backfill, or 0.
func (q *Queries) Cursor(ctx context.Context, name string) (int64, error) {
	var id int64
	err := q.q.QueryRow(ctx, "SELECT last_id FROM backfill_cursors WHERE name = $1", name).Scan(&id)
	if db.IsNoRows(err) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrapf(err, "store: read cursor %s", name)
	}
	return id, nil
}

// SaveCursor persists backfill progress.
func (q *Queries) SaveCursor(ctx context.Context, name string, lastID int64) error {
	if _, err := q.q.Exec(ctx, `
		INSERT INTO backfill_cursors (name, last_id, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET last_id = excluded.last_id, updated_at = excluded.updated_at`,
		name, lastID, q.Now(),
	); err != nil {
		return eris.Wrapf(err, "store: save cursor %s", name)
	}
	return nil
}

// ResetCursor deletes a backfill cursor so the next run starts over.
func (q *Queries) ResetCursor(ctx context.Context, name string) error {
	if _, err := q.q.Exec(ctx, "DELETE FROM backfill_cursors WHERE name = $1", name); err != nil {
		return eris.Wrapf(err, "store: reset cursor %s", name)
	}
	return nil
}
