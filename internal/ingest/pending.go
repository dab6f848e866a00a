package ingest

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/regsync/internal/model"
	"github.com/sells-group/regsync/internal/store"
)

var (
	// ErrUnknownReason is returned for a reason filter outside the vocabulary.
	ErrUnknownReason = eris.New("ingest: unknown reason code")

	// ErrRejectedRegistrationNo is returned when an operator-supplied
	// registration number does not pass the gate.
	ErrRejectedRegistrationNo = eris.New("ingest: registration number rejected by gate")

	// ErrPendingClosed is returned when acting on a resolved or ignored item.
	ErrPendingClosed = store.ErrPendingClosed
)

// PendingQuery filters the pending queue. Reason accepts legacy aliases.
type PendingQuery struct {
	Status string `json:"status,omitempty"`
	Source string `json:"source,omitempty"`
	Reason string `json:"reason,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// ListPending returns pending items, newest first.
func (s *Service) ListPending(ctx context.Context, f PendingQuery) ([]model.PendingItem, error) {
	filter := store.PendingFilter{
		Status:    model.PendingStatus(f.Status),
		SourceKey: f.Source,
		Limit:     f.Limit,
		Offset:    f.Offset,
	}
	if f.Reason != "" {
		r, ok := model.ParseReason(f.Reason)
		if !ok {
			return nil, eris.Wrapf(ErrUnknownReason, "%q", f.Reason)
		}
		filter.Reason = r
	}
	return s.store.ListPendingItems(ctx, filter)
}

// PendingResolution reports what resolving a pending item wrote.
type PendingResolution struct {
	Item           *model.PendingItem `json:"item"`
	Batch          *model.BatchRun    `json:"batch"`
	RegistrationNo string             `json:"registration_no"`
	Applied        *Applied           `json:"applied"`
}

// ResolvePending re-drives a parked record with an operator-supplied
// registration number. The stored payload goes through the gate and the
// orchestrator in one transaction under a manual batch run, keeping the
// item's original evidence reference.
func (s *Service) ResolvePending(ctx context.Context, id int64, regNo, actor, note string) (*PendingResolution, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	orch, err := s.orchestrator(snap)
	if err != nil {
		return nil, err
	}

	var out *PendingResolution
	err = s.store.InTx(ctx, func(q *store.Queries) error {
		item, err := q.GetPendingItem(ctx, id, true)
		if err != nil {
			return err
		}
		if item.Status != model.PendingOpen {
			return eris.Wrapf(ErrPendingClosed, "pending item %d is %s", id, item.Status)
		}

		payload := item.Candidates.Payload
		payload.RegistrationNos = []string{regNo}
		g := Gate(&payload)
		if !g.OK() {
			return eris.Wrapf(ErrRejectedRegistrationNo, "%s: %s", g.Reason, g.Detail)
		}

		run, err := s.manualBatch(ctx, q, item.SourceKey)
		if err != nil {
			return err
		}
		applied, err := orch.Apply(ctx, q, Input{
			Anchor:     g.Anchor,
			Payload:    &payload,
			Meta:       item.Candidates.Source,
			BatchID:    run.ID,
			EvidenceID: item.EvidenceID,
			ObservedAt: item.CreatedAt,
		})
		if err != nil {
			return err
		}

		now := q.Now()
		if err := q.ClosePendingItem(ctx, id, model.PendingResolved, g.Anchor.RegistrationNo(), note, actor, now); err != nil {
			return err
		}
		if err := q.InsertChangeRecord(ctx, s.statusChange(run, item, model.PendingResolved, note, now)); err != nil {
			return err
		}

		res := RecordResult{Outcome: outcomeOf(applied), Changes: applied.Changes + 1, Conflicts: applied.Conflicts}
		res.Tally(&run.Counters)
		if err := q.FinishBatchRun(ctx, run.ID, model.BatchSuccess, run.Counters, ""); err != nil {
			return err
		}
		run.Status = model.BatchSuccess
		run.FinishedAt = &now

		item.Status = model.PendingResolved
		item.ResolvedRegistrationNo = g.Anchor.RegistrationNo()
		item.ResolutionNote, item.ResolvedBy, item.ResolvedAt = note, actor, &now
		out = &PendingResolution{Item: item, Batch: run, RegistrationNo: g.Anchor.RegistrationNo(), Applied: applied}
		return nil
	})
	if err != nil {
		return nil, err
	}
	zap.L().Info("ingest: pending item resolved",
		zap.Int64("pending_id", id),
		zap.String("registration_no", out.RegistrationNo),
		zap.String("actor", actor),
		zap.String("batch_id", out.Batch.ID),
	)
	return out, nil
}

// IgnorePending closes a pending item without writing structured data.
func (s *Service) IgnorePending(ctx context.Context, id int64, actor, reason string) (*model.BatchRun, error) {
	var run *model.BatchRun
	err := s.store.InTx(ctx, func(q *store.Queries) error {
		item, err := q.GetPendingItem(ctx, id, true)
		if err != nil {
			return err
		}
		if item.Status != model.PendingOpen {
			return eris.Wrapf(ErrPendingClosed, "pending item %d is %s", id, item.Status)
		}
		if run, err = s.manualBatch(ctx, q, item.SourceKey); err != nil {
			return err
		}
		now := q.Now()
		if err := q.ClosePendingItem(ctx, id, model.PendingIgnored, "", reason, actor, now); err != nil {
			return err
		}
		if err := q.InsertChangeRecord(ctx, s.statusChange(run, item, model.PendingIgnored, reason, now)); err != nil {
			return err
		}
		run.Counters = model.Counters{Total: 1, Changes: 1}
		if err := q.FinishBatchRun(ctx, run.ID, model.BatchSuccess, run.Counters, ""); err != nil {
			return err
		}
		run.Status = model.BatchSuccess
		run.FinishedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	zap.L().Info("ingest: pending item ignored", zap.Int64("pending_id", id), zap.String("actor", actor))
	return run, nil
}

// manualBatch opens a manual batch run on q.
func (s *Service) manualBatch(ctx context.Context, q *store.Queries, sourceKey string) (*model.BatchRun, error) {
	run := &model.BatchRun{
		Kind:      model.BatchManual,
		SourceKey: sourceKey,
		Mode:      model.ModeExecute,
		StartedAt: s.now().UTC(),
	}
	if err := q.CreateBatchRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *Service) statusChange(run *model.BatchRun, item *model.PendingItem, to model.PendingStatus, note string, at time.Time) *model.ChangeRecord {
	prov := model.ManualProvenance(run.ID, at)
	return &model.ChangeRecord{
		BatchID:    run.ID,
		EvidenceID: item.EvidenceID,
		EntityType: model.EntityPendingItem,
		EntityID:   item.ID,
		Field:      "status",
		Before:     model.StrPtr(string(item.Status)),
		After:      model.StrPtr(string(to)),
		SourceKey:  model.ManualSource,
		Provenance: &prov,
		Reason:     note,
	}
}
