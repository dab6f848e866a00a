package store

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/regsync/internal/db"
	"github.com/sells-group/regsync/internal/model"
)

const changeColumns = `id, batch_id, evidence_id, entity_type, entity_id, field, before_value,
	after_value, source_key, provenance, reason, created_at`

// InsertChangeRecord appends one change record.
func (q *Queries) InsertChangeRecord(ctx context.Context, c *model.ChangeRecord) error {
	var prov []byte
	if c.Provenance != nil {
		b, err := json.Marshal(c.Provenance)
		if err != nil {
			return eris.Wrap(err, "store: marshal change provenance")
		}
		prov = b
	}
	c.CreatedAt = q.Now()
	err := q.q.QueryRow(ctx, `
		INSERT INTO change_records (batch_id, evidence_id, entity_type, entity_id, field,
			before_value, after_value, source_key, provenance, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		c.BatchID, c.EvidenceID, c.EntityType, c.EntityID, c.Field,
		nullString(c.Before), nullString(c.After), c.SourceKey, nullBytes(prov), c.Reason, c.CreatedAt,
	).Scan(&c.ID)
	if err != nil {
		return eris.Wrapf(err, "store: insert change record %s/%d/%s", c.EntityType, c.EntityID, c.Field)
	}
	return nil
}

func scanChange(row db.Row) (*model.ChangeRecord, error) {
	var c model.ChangeRecord
	var prov []byte
	if err := row.Scan(&c.ID, &c.BatchID, &c.EvidenceID, &c.EntityType, &c.EntityID, &c.Field,
		&c.Before, &c.After, &c.SourceKey, &prov, &c.Reason, &c.CreatedAt); err != nil {
		return nil, err
	}
	if len(prov) > 0 {
		var p model.Provenance
		if err := json.Unmarshal(prov, &p); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal change provenance")
		}
		c.Provenance = &p
	}
	return &c, nil
}

// ChangeFilter narrows ListChangeRecords. Zero fields are ignored.
type ChangeFilter struct {
	EntityType string
	EntityID   int64
	BatchID    string
	Limit      int
}

// ListChangeRecords returns change records oldest first.
func (q *Queries) ListChangeRecords(ctx context.Context, f ChangeFilter) ([]model.ChangeRecord, error) {
	sql := "SELECT " + changeColumns + " FROM change_records WHERE 1 = 1"
	var args []any
	if f.EntityType != "" {
		args = append(args, f.EntityType)
		sql += " AND entity_type = $" + itoa(len(args))
	}
	if f.EntityID != 0 {
		args = append(args, f.EntityID)
		sql += " AND entity_id = $" + itoa(len(args))
	}
	if f.BatchID != "" {
		args = append(args, f.BatchID)
		sql += " AND batch_id = $" + itoa(len(args))
	}
	args = append(args, orDefault(f.Limit, 1000))
	sql += " ORDER BY id LIMIT $" + itoa(len(args))

	rows, err := q.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list change records")
	}
	defer rows.Close()

	var out []model.ChangeRecord
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan change record")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate change records")
}

// CountChangeRecords counts all change records, or those of one batch.
func (q *Queries) CountChangeRecords(ctx context.Context, batchID string) (int64, error) {
	var n int64
	var err error
	if batchID == "" {
		err = q.q.QueryRow(ctx, "SELECT COUNT(*) FROM change_records").Scan(&n)
	} else {
		err = q.q.QueryRow(ctx, "SELECT COUNT(*) FROM change_records WHERE batch_id = $1", batchID).Scan(&n)
	}
	if err != nil {
		return 0, eris.Wrap(err, "store: count change records")
	}
	return n, nil
}
