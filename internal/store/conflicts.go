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

const conflictColumns = `c.id, c.registration_id, r.registration_no, c.field, c.candidates, c.status,
	c.resolved_value, c.resolution_reason, c.resolved_by, c.resolved_at, c.created_at, c.updated_at`

const conflictFrom = " FROM conflict_items c JOIN registrations r ON r.id = c.registration_id"

func scanConflict(row db.Row) (*model.ConflictItem, error) {
	var c model.ConflictItem
	var cands []byte
	if err := row.Scan(&c.ID, &c.RegistrationID, &c.RegistrationNo, &c.Field, &cands, &c.Status,
		&c.ResolvedValue, &c.ResolutionReason, &c.ResolvedBy, &c.ResolvedAt,
		&c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cands, &c.Candidates); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal conflict candidates")
	}
	return &c, nil
}

// OpenConflict records a disagreement on (registration, field). An existing
// open item gains any candidates it does not already list, so re-emitting the
// same disagreement is a no-op. created reports whether a new item was opened.
func (q *Queries) OpenConflict(ctx context.Context, registrationID int64, field string, cands []model.ConflictCandidate) (item *model.ConflictItem, created bool, err error) {
	existing, err := q.openConflict(ctx, registrationID, field)
	if err != nil && !eris.Is(err, ErrNotFound) {
		return nil, false, err
	}
	now := q.Now()

	if existing != nil {
		changed := false
		for _, c := range cands {
			if !existing.HasCandidate(c) {
				existing.Candidates = append(existing.Candidates, c)
				changed = true
			}
		}
		if !changed {
			return existing, false, nil
		}
		b, err := json.Marshal(existing.Candidates)
		if err != nil {
			return nil, false, eris.Wrap(err, "store: marshal conflict candidates")
		}
		if _, err := q.q.Exec(ctx,
			"UPDATE conflict_items SET candidates = $2, updated_at = $3 WHERE id = $1",
			existing.ID, b, now,
		); err != nil {
			return nil, false, eris.Wrapf(err, "store: extend conflict %d", existing.ID)
		}
		existing.UpdatedAt = now
		return existing, false, nil
	}

	b, err := json.Marshal(cands)
	if err != nil {
		return nil, false, eris.Wrap(err, "store: marshal conflict candidates")
	}
	var id int64
	err = q.q.QueryRow(ctx, `
		INSERT INTO conflict_items (registration_id, field, candidates, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'open', $4, $4)
		ON CONFLICT (registration_id, field) WHERE status = 'open' DO NOTHING
		RETURNING id`,
		registrationID, field, b, now,
	).Scan(&id)
	if db.IsNoRows(err) {
		// Lost a race with another writer; theirs is the open item.
		item, err := q.openConflict(ctx, registrationID, field)
		return item, false, err
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "store: open conflict %d/%s", registrationID, field)
	}
	item, err = q.GetConflictItem(ctx, id, false)
	return item, true, err
}

func (q *Queries) openConflict(ctx context.Context, registrationID int64, field string) (*model.ConflictItem, error) {
	c, err := scanConflict(q.q.QueryRow(ctx,
		"SELECT "+conflictColumns+conflictFrom+" WHERE c.registration_id = $1 AND c.field = $2 AND c.status = 'open'",
		registrationID, field))
	if db.IsNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "open conflict %d/%s", registrationID, field)
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: get open conflict")
	}
	return c, nil
}

// GetConflictItem reads one conflict item.
func (q *Queries) GetConflictItem(ctx context.Context, id int64, lock bool) (*model.ConflictItem, error) {
	sql := "SELECT " + conflictColumns + conflictFrom + " WHERE c.id = $1"
	if lock && q.q.Dialect() == db.Postgres {
		sql += " FOR UPDATE OF c"
	}
	c, err := scanConflict(q.q.QueryRow(ctx, sql, id))
	if db.IsNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "conflict item %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: get conflict item %d", id)
	}
	return c, nil
}

// ConflictFilter narrows ListConflictItems.
type ConflictFilter struct {
	Status         model.ConflictStatus `json:"status,omitempty"`
	RegistrationNo string               `json:"registration_no,omitempty"`
	Field          string               `json:"field,omitempty"`
	Source         string               `json:"source,omitempty"`
	Limit          int                  `json:"limit,omitempty"`
	Offset         int                  `json:"offset,omitempty"`
}

// ListConflictItems returns conflict items newest first. Source matches any
// candidate's provenance source.
func (q *Queries) ListConflictItems(ctx context.Context, f ConflictFilter) ([]model.ConflictItem, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, cond+" $"+itoa(len(args)))
	}
	if f.Status != "" {
		add("c.status =", f.Status)
	}
	if f.RegistrationNo != "" {
		add("r.registration_no =", f.RegistrationNo)
	}
	if f.Field != "" {
		add("c.field =", f.Field)
	}
	sql := "SELECT " + conflictColumns + conflictFrom
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY c.id DESC"

	rows, err := q.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list conflict items")
	}
	defer rows.Close()

	limit := orDefault(f.Limit, 100)
	skipped := 0
	var out []model.ConflictItem
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan conflict item")
		}
		if f.Source != "" && !hasSource(c, f.Source) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, *c)
		if len(out) == limit {
			break
		}
	}
	return out, eris.Wrap(rows.Err(), "store: iterate conflict items")
}

func hasSource(c *model.ConflictItem, source string) bool {
	for _, cand := range c.Candidates {
		if cand.Provenance.Source == source {
			return true
		}
	}
	return false
}

// ResolveConflictItem closes an open conflict with the chosen value.
// resolved is false when the item was already closed.
func (q *Queries) ResolveConflictItem(ctx context.Context, id int64, value, reason, actor string, at time.Time) (resolved bool, err error) {
	n, err := q.q.Exec(ctx, `
		UPDATE conflict_items SET status = 'resolved', resolved_value = $2, resolution_reason = $3,
			resolved_by = $4, resolved_at = $5, updated_at = $5
		WHERE id = $1 AND status = 'open'`,
		id, value, reason, actor, at.UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "store: resolve conflict %d", id)
	}
	return n > 0, nil
}

// CountConflicts counts conflict items by status. An empty status counts all.
func (q *Queries) CountConflicts(ctx context.Context, status model.ConflictStatus) (int64, error) {
	var n int64
	var err error
	if status == "" {
		err = q.q.QueryRow(ctx, "SELECT COUNT(*) FROM conflict_items").Scan(&n)
	} else {
		err = q.q.QueryRow(ctx, "SELECT COUNT(*) FROM conflict_items WHERE status = $1", status).Scan(&n)
	}
	if err != nil {
		return 0, eris.Wrap(err, "store: count conflict items")
	}
	return n, nil
}
