// Package archive moves registrations and everything hanging off them into
// the archive tables, and restores them on rollback.
package archive

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/regsync/internal/config"
	"github.com/sells-group/regsync/internal/model"
	"github.com/sells-group/regsync/internal/normalize"
	"github.com/sells-group/regsync/internal/store"
)

var (
	// ErrArchiveExists is returned when an archive batch id was used before.
	ErrArchiveExists = store.ErrArchiveExists

	// ErrNoSelector is returned when a request names neither registration
	// numbers nor a run.
	ErrNoSelector = eris.New("archive: registration numbers or a run id are required")

	// ErrNothingSelected is returned when the selector matches no live rows.
	ErrNothingSelected = eris.New("archive: selector matched no live registrations")
)

const regNoChunk = 500

// Request selects what to archive. Exactly one of RegistrationNos and RunID
// is expected; when both are set the union is archived.
type Request struct {
	BatchID         string   `json:"batch_id"`
	Reason          string   `json:"reason"`
	RegistrationNos []string `json:"registration_nos,omitempty"`
	RunID           string   `json:"run_id,omitempty"`
}

func (r Request) selector() string {
	var parts []string
	if len(r.RegistrationNos) > 0 {
		parts = append(parts, "reg_no="+strings.Join(r.RegistrationNos, ","))
	}
	if r.RunID != "" {
		parts = append(parts, "run_id="+r.RunID)
	}
	return strings.Join(parts, ";")
}

// Result reports an archive operation.
type Result struct {
	Archive  *model.ArchiveBatch `json:"archive"`
	Run      *model.BatchRun     `json:"run"`
	Evidence int64               `json:"evidence_marked"`
}

// RollbackResult reports a rollback.
type RollbackResult struct {
	Archive  *model.ArchiveBatch `json:"archive"`
	Run      *model.BatchRun     `json:"run"`
	Restored model.ArchiveCounts `json:"restored"`
}

// Manager runs archive and rollback operations.
type Manager struct {
	store *store.Store
	cfg   *config.Config
	now   func() time.Time
}

// NewManager returns a Manager. now may be nil.
func NewManager(cfg *config.Config, st *store.Store, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{store: st, cfg: cfg, now: now}
}

// Get returns one archive batch.
func (m *Manager) Get(ctx context.Context, id string) (*model.ArchiveBatch, error) {
	return m.store.GetArchiveBatch(ctx, id)
}

// List returns archive batches newest first.
func (m *Manager) List(ctx context.Context, limit int) ([]model.ArchiveBatch, error) {
	return m.store.ListArchiveBatches(ctx, limit)
}

// Archive copies the selected registrations, their dependents, conflict items
// and change records into the archive tables, tags the cited evidence and
// deletes the live rows, all in one transaction.
func (m *Manager) Archive(ctx context.Context, req Request) (*Result, error) {
	if len(req.RegistrationNos) == 0 && req.RunID == "" {
		return nil, ErrNoSelector
	}
	if req.BatchID == "" {
		req.BatchID = store.NewBatchID(model.BatchArchive, "", m.now())
	}
	if _, err := m.store.GetArchiveBatch(ctx, req.BatchID); err == nil {
		return nil, eris.Wrapf(ErrArchiveExists, "archive batch %s", req.BatchID)
	} else if !eris.Is(err, store.ErrNotFound) {
		return nil, err
	}

	run, err := m.openRun(ctx, model.BatchArchive, req.BatchID)
	if err != nil {
		return nil, err
	}
	log := zap.L().With(
		zap.String("component", "archive"),
		zap.String("archive_id", req.BatchID),
		zap.String("batch_id", run.ID),
	)

	ab := &model.ArchiveBatch{ID: req.BatchID, Reason: req.Reason, Selector: req.selector()}
	var evidence int64
	err = m.store.InTx(ctx, func(q *store.Queries) error {
		ids, err := m.selectRegistrations(ctx, q, req)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return ErrNothingSelected
		}
		if err := q.CreateArchiveBatch(ctx, ab); err != nil {
			return err
		}
		set, err := q.CollectArchiveSet(ctx, ids)
		if err != nil {
			return err
		}
		if ab.Counts, err = q.ArchiveRows(ctx, ab.ID, ab.Reason, set); err != nil {
			return err
		}
		if evidence, err = q.MarkEvidenceArchived(ctx, set.EvidenceIDs, ab.ID); err != nil {
			return err
		}
		ab.WindowFrom, ab.WindowTo = set.MinDay, set.MaxDay
		if err := q.FinishArchiveBatch(ctx, ab); err != nil {
			return err
		}
		return m.recompute(ctx, q, ab.WindowFrom, ab.WindowTo)
	})
	if err != nil {
		m.finishRun(ctx, run, model.BatchFailed, err)
		return nil, err
	}

	run.Counters = model.Counters{
		Total:   ab.Counts.Total(),
		Success: ab.Counts.Total(),
		Removed: ab.Counts.Total(),
		Changes: ab.Counts.ChangeRecords,
	}
	m.finishRun(ctx, run, model.BatchSuccess, nil)
	log.Info("archive: created",
		zap.Int64("registrations", ab.Counts.Registrations),
		zap.Int64("dependents", ab.Counts.Dependents),
		zap.Int64("conflicts", ab.Counts.Conflicts),
		zap.Int64("change_records", ab.Counts.ChangeRecords),
		zap.Int64("evidence", evidence),
	)
	return &Result{Archive: ab, Run: run, Evidence: evidence}, nil
}

// Rollback reinserts the rows of an archive batch that are not live again.
// A second rollback of the same batch restores nothing.
func (m *Manager) Rollback(ctx context.Context, id string) (*RollbackResult, error) {
	ab, err := m.store.GetArchiveBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	run, err := m.openRun(ctx, model.BatchRollback, id)
	if err != nil {
		return nil, err
	}

	var restored model.ArchiveCounts
	err = m.store.InTx(ctx, func(q *store.Queries) error {
		var err error
		if restored, err = q.RestoreRows(ctx, id); err != nil {
			return err
		}
		if err := q.MarkArchiveRolledBack(ctx, id); err != nil {
			return err
		}
		from, to, err := q.ArchivedDayWindow(ctx, id)
		if err != nil {
			return err
		}
		return m.recompute(ctx, q, from, to)
	})
	if err != nil {
		m.finishRun(ctx, run, model.BatchFailed, err)
		return nil, err
	}

	run.Counters = model.Counters{
		Total:   restored.Total(),
		Success: restored.Total(),
		Added:   restored.Total(),
	}
	m.finishRun(ctx, run, model.BatchSuccess, nil)
	if ab, err = m.store.GetArchiveBatch(ctx, id); err != nil {
		return nil, err
	}
	zap.L().Info("archive: rolled back",
		zap.String("archive_id", id),
		zap.String("batch_id", run.ID),
		zap.Int64("registrations", restored.Registrations),
		zap.Int64("dependents", restored.Dependents),
		zap.Int64("conflicts", restored.Conflicts),
	)
	return &RollbackResult{Archive: ab, Run: run, Restored: restored}, nil
}

func (m *Manager) selectRegistrations(ctx context.Context, q *store.Queries, req Request) ([]int64, error) {
	seen := map[int64]bool{}
	var ids []int64
	add := func(regs []model.Registration) {
		for _, r := range regs {
			if !seen[r.ID] {
				seen[r.ID] = true
				ids = append(ids, r.ID)
			}
		}
	}

	nos := make([]string, 0, len(req.RegistrationNos))
	for _, raw := range req.RegistrationNos {
		if no, ok := normalize.RegistrationNo(raw); ok {
			nos = append(nos, no)
		}
	}
	for start := 0; start < len(nos); start += regNoChunk {
		end := min(start+regNoChunk, len(nos))
		regs, err := q.ListRegistrations(ctx, store.RegistrationFilter{RegistrationNos: nos[start:end]})
		if err != nil {
			return nil, err
		}
		add(regs)
	}
	if req.RunID != "" {
		regs, err := q.ListRegistrations(ctx, store.RegistrationFilter{CreatedBatchID: req.RunID})
		if err != nil {
			return nil, err
		}
		add(regs)
	}
	return ids, nil
}

// recompute rebuilds daily stats over [from, to], clamped to the configured
// window ending at to.
func (m *Manager) recompute(ctx context.Context, q *store.Queries, from, to string) error {
	from, to, ok := clampWindow(from, to, m.cfg.Archive.RecomputeWindowDays)
	if !ok {
		return nil
	}
	return q.RecomputeDailyStats(ctx, from, to)
}

func clampWindow(from, to string, days int) (string, string, bool) {
	if from == "" || to == "" || days <= 0 {
		return "", "", false
	}
	end, err := time.Parse(time.DateOnly, to)
	if err != nil {
		return "", "", false
	}
	if lo := end.AddDate(0, 0, -(days - 1)).Format(time.DateOnly); from < lo {
		from = lo
	}
	return from, to, true
}

func (m *Manager) openRun(ctx context.Context, kind model.BatchKind, archiveID string) (*model.BatchRun, error) {
	run := &model.BatchRun{
		Kind:      kind,
		SourceKey: archiveID,
		Mode:      model.ModeExecute,
		StartedAt: m.now().UTC(),
	}
	if err := m.store.CreateBatchRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (m *Manager) finishRun(ctx context.Context, run *model.BatchRun, status model.BatchStatus, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	now := m.now().UTC()
	run.Status, run.Error, run.FinishedAt = status, msg, &now
	if err := m.store.FinishBatchRun(context.WithoutCancel(ctx), run.ID, status, run.Counters, msg); err != nil {
		zap.L().Error("archive: finalize batch run", zap.String("batch_id", run.ID), zap.Error(err))
	}
}
