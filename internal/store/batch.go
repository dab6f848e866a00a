package store

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/regsync/internal/db"
	"github.com/sells-group/regsync/internal/model"
)

// ErrBatchFinalized is returned when finishing a batch that is no longer running.
var ErrBatchFinalized = eris.New("store: batch run already finalized")

// NewBatchID returns <kind>_<source>_<yyyymmddThhmmss>_<8hex>. The format is
// stable: operators pass these ids back as rollback keys.
func NewBatchID(kind model.BatchKind, source string, at time.Time) string {
	if source == "" {
		source = "all"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return string(kind) + "_" + source + "_" + at.UTC().Format("20060102T150405") + "_" + suffix
}

const batchColumns = `id, kind, source_key, mode, status, total, parsed, success, failed, added,
	updated, unchanged, removed, missing_key, rejected, pending, conflicts, changes, error,
	config_snapshot, started_at, finished_at`

func scanBatch(row db.Row) (*model.BatchRun, error) {
	var b model.BatchRun
	c := &b.Counters
	if err := row.Scan(&b.ID, &b.Kind, &b.SourceKey, &b.Mode, &b.Status,
		&c.Total, &c.Parsed, &c.Success, &c.Failed, &c.Added, &c.Updated, &c.Unchanged,
		&c.Removed, &c.Missing, &c.Rejected, &c.Pending, &c.Conflicts, &c.Changes,
		&b.Error, &b.ConfigSnapshot, &b.StartedAt, &b.FinishedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

// CreateBatchRun records a running batch. ID and StartedAt are filled if empty.
func (q *Queries) CreateBatchRun(ctx context.Context, b *model.BatchRun) error {
	if b.StartedAt.IsZero() {
		b.StartedAt = q.Now()
	}
	if b.ID == "" {
		b.ID = NewBatchID(b.Kind, b.SourceKey, b.StartedAt)
	}
	if b.Mode == "" {
		b.Mode = model.ModeExecute
	}
	b.Status = model.BatchRunning
	if _, err := q.q.Exec(ctx, `
		INSERT INTO batch_runs (id, kind, source_key, mode, status, config_snapshot, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.ID, b.Kind, b.SourceKey, b.Mode, b.Status, nullBytes(b.ConfigSnapshot), b.StartedAt.UTC(),
	); err != nil {
		return eris.Wrapf(err, "store: create batch run %s", b.ID)
	}
	return nil
}

// FinishBatchRun finalizes a running batch with its counters. Finalized rows
// are never updated again.
func (q *Queries) FinishBatchRun(ctx context.Context, id string, status model.BatchStatus, c model.Counters, errMsg string) error {
	n, err := q.q.Exec(ctx, `
		UPDATE batch_runs SET status = $2, total = $3, parsed = $4, success = $5, failed = $6,
			added = $7, updated = $8, unchanged = $9, removed = $10, missing_key = $11,
			rejected = $12, pending = $13, conflicts = $14, changes = $15, error = $16,
			finished_at = $17
		WHERE id = $1 AND status = 'running'`,
		id, status, c.Total, c.Parsed, c.Success, c.Failed, c.Added, c.Updated, c.Unchanged,
		c.Removed, c.Missing, c.Rejected, c.Pending, c.Conflicts, c.Changes, errMsg, q.Now(),
	)
	if err != nil {
		return eris.Wrapf(err, "store: finish batch run %s", id)
	}
	if n == 0 {
		return eris.Wrapf(ErrBatchFinalized, "batch %s", id)
	}
	return nil
}

// GetBatchRun reads one batch run.
func (q *Queries) GetBatchRun(ctx context.Context, id string) (*model.BatchRun, error) {
	b, err := scanBatch(q.q.QueryRow(ctx, "SELECT "+batchColumns+" FROM batch_runs WHERE id = $1", id))
	if db.IsNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "batch run %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: get batch run %s", id)
	}
	return b, nil
}

// BatchFilter narrows ListBatchRuns.
type BatchFilter struct {
	Kind      model.BatchKind   `json:"kind,omitempty"`
	SourceKey string            `json:"source_key,omitempty"`
	Status    model.BatchStatus `json:"status,omitempty"`
	Since     time.Time         `json:"since,omitempty"`
	Limit     int               `json:"limit,omitempty"`
	Offset    int               `json:"offset,omitempty"`
}

// ListBatchRuns returns batch runs newest first.
func (q *Queries) ListBatchRuns(ctx context.Context, f BatchFilter) ([]model.BatchRun, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, cond+" $"+itoa(len(args)))
	}
	if f.Kind != "" {
		add("kind =", f.Kind)
	}
	if f.SourceKey != "" {
		add("source_key =", f.SourceKey)
	}
	if f.Status != "" {
		add("status =", f.Status)
	}
	if !f.Since.IsZero() {
		add("started_at >=", f.Since.UTC())
	}

	sql := "SELECT " + batchColumns + " FROM batch_runs"
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, orDefault(f.Limit, 50), f.Offset)
	sql += " ORDER BY started_at DESC, id DESC LIMIT $" + itoa(len(args)-1) + " OFFSET $" + itoa(len(args))

	rows, err := q.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list batch runs")
	}
	defer rows.Close()

	var out []model.BatchRun
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan batch run")
		}
		out = append(out, *b)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate batch runs")
}
