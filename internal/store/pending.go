package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/regsync/internal/db"
	"github.com/sells-group/regsync/internal/model"
)

// ErrPendingClosed is returned when resolving or ignoring a pending item that is not open.
var ErrPendingClosed = eris.New("store: pending item is not open")

const pendingColumns = `id, source_key, batch_id, evidence_id, reason, detail, candidates, status,
	resolved_registration_no, resolution_note, resolved_by, resolved_at, created_at`

func scanPending(row db.Row) (*model.PendingItem, error) {
	var p model.PendingItem
	var cands []byte
	if err := row.Scan(&p.ID, &p.SourceKey, &p.BatchID, &p.EvidenceID, &p.Reason, &p.Detail,
		&cands, &p.Status, &p.ResolvedRegistrationNo, &p.ResolutionNote, &p.ResolvedBy,
		&p.ResolvedAt, &p.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cands, &p.Candidates); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal pending candidates")
	}
	return &p, nil
}

// InsertPendingItem parks a record. The (source, evidence) pair is unique so
// a replayed payload re-uses the existing item; created reports which happened.
func (q *Queries) InsertPendingItem(ctx context.Context, p *model.PendingItem) (id int64, created bool, err error) {
	cands, err := json.Marshal(p.Candidates)
	if err != nil {
		return 0, false, eris.Wrap(err, "store: marshal pending candidates")
	}
	p.CreatedAt = q.Now()
	p.Status = model.PendingOpen
	err = q.q.QueryRow(ctx, `
		INSERT INTO pending_items (source_key, batch_id, evidence_id, reason, detail, candidates,
			status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (source_key, evidence_id) DO NOTHING
		RETURNING id`,
		p.SourceKey, p.BatchID, p.EvidenceID, p.Reason, p.Detail, cands, p.Status, p.CreatedAt,
	).Scan(&id)
	switch {
	case err == nil:
		p.ID = id
		return id, true, nil
	case !db.IsNoRows(err):
		return 0, false, eris.Wrap(err, "store: insert pending item")
	}

	err = q.q.QueryRow(ctx,
		"SELECT id FROM pending_items WHERE source_key = $1 AND evidence_id = $2",
		p.SourceKey, p.EvidenceID,
	).Scan(&id)
	if err != nil {
		return 0, false, eris.Wrap(err, "store: read existing pending item")
	}
	p.ID = id
	return id, false, nil
}

// GetPendingItem reads one pending item.
func (q *Queries) GetPendingItem(ctx context.Context, id int64, lock bool) (*model.PendingItem, error) {
	sql := "SELECT " + pendingColumns + " FROM pending_items WHERE id = $1"
	if lock {
		sql = q.forUpdate(sql)
	}
	p, err := scanPending(q.q.QueryRow(ctx, sql, id))
	if db.IsNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "pending item %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: get pending item %d", id)
	}
	return p, nil
}

// PendingFilter narrows ListPendingItems.
type PendingFilter struct {
	Status    model.PendingStatus `json:"status,omitempty"`
	SourceKey string              `json:"source_key,omitempty"`
	Reason    model.ReasonCode    `json:"reason,omitempty"`
	Limit     int                 `json:"limit,omitempty"`
	Offset    int                 `json:"offset,omitempty"`
}

// ListPendingItems returns pending items newest first.
func (q *Queries) ListPendingItems(ctx context.Context, f PendingFilter) ([]model.PendingItem, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, cond+" $"+itoa(len(args)))
	}
	if f.Status != "" {
		add("status =", f.Status)
	}
	if f.SourceKey != "" {
		add("source_key =", f.SourceKey)
	}
	if f.Reason != "" {
		add("reason =", f.Reason)
	}
	sql := "SELECT " + pendingColumns + " FROM pending_items"
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, orDefault(f.Limit, 100), f.Offset)
	sql += " ORDER BY id DESC LIMIT $" + itoa(len(args)-1) + " OFFSET $" + itoa(len(args))

	rows, err := q.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list pending items")
	}
	defer rows.Close()

	var out []model.PendingItem
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan pending item")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate pending items")
}

// ClosePendingItem moves an open item to resolved or ignored.
func (q *Queries) ClosePendingItem(ctx context.Context, id int64, status model.PendingStatus, regNo, note, actor string, at time.Time) error {
	n, err := q.q.Exec(ctx, `
		UPDATE pending_items SET status = $2, resolved_registration_no = $3, resolution_note = $4,
			resolved_by = $5, resolved_at = $6
		WHERE id = $1 AND status = 'open'`,
		id, status, regNo, note, actor, at.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "store: close pending item %d", id)
	}
	if n == 0 {
		return eris.Wrapf(ErrPendingClosed, "pending item %d", id)
	}
	return nil
}

// CountPending counts pending items by status. An empty status counts all.
func (q *Queries) CountPending(ctx context.Context, status model.PendingStatus) (int64, error) {
	var n int64
	var err error
	if status == "" {
		err = q.q.QueryRow(ctx, "SELECT COUNT(*) FROM pending_items").Scan(&n)
	} else {
		err = q.q.QueryRow(ctx, "SELECT COUNT(*) FROM pending_items WHERE status = $1", status).Scan(&n)
	}
	if err != nil {
		return 0, eris.Wrap(err, "store: count pending items")
	}
	return n, nil
}
