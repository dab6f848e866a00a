package ingest

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/regsync/internal/model"
	"github.com/sells-group/regsync/internal/normalize"
	"github.com/sells-group/regsync/internal/store"
)

var (
	// ErrReasonRequired is returned when a human resolution gives no reason.
	ErrReasonRequired = eris.New("ingest: resolution reason is required")
	// ErrValueRequired is returned when a human resolution gives a blank value.
	ErrValueRequired = eris.New("ingest: resolution value is required")
)

// ListConflicts returns conflict items.
func (s *Service) ListConflicts(ctx context.Context, f store.ConflictFilter) ([]model.ConflictItem, error) {
	return s.store.ListConflictItems(ctx, f)
}

// ConflictResolution reports the outcome of a human resolution.
type ConflictResolution struct {
	Item  *model.ConflictItem `json:"item"`
	Batch *model.BatchRun     `json:"batch,omitempty"`
	// NoOp is set when the item was already resolved.
	NoOp bool `json:"no_op"`
}

// ResolveConflict writes value into the disputed field with manual
// provenance, bypassing arbitration, and closes the item. Resolving an
// already resolved item changes nothing.
func (s *Service) ResolveConflict(ctx context.Context, id int64, value, reason, actor string) (*ConflictResolution, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, ErrReasonRequired
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, ErrValueRequired
	}

	var out *ConflictResolution
	err := s.store.InTx(ctx, func(q *store.Queries) error {
		item, err := q.GetConflictItem(ctx, id, true)
		if err != nil {
			return err
		}
		if item.Status != model.ConflictOpen {
			out = &ConflictResolution{Item: item, NoOp: true}
			return nil
		}

		run, err := s.manualBatch(ctx, q, model.ManualSource)
		if err != nil {
			return err
		}
		now := q.Now()
		prov := model.ManualProvenance(run.ID, now)

		change, err := s.applyManual(ctx, q, item, value, prov)
		if err != nil {
			return err
		}
		change.BatchID = run.ID
		change.Reason = reason
		if err := q.InsertChangeRecord(ctx, change); err != nil {
			return err
		}
		if _, err := q.ResolveConflictItem(ctx, id, value, reason, actor, now); err != nil {
			return err
		}

		run.Counters = model.Counters{Total: 1, Success: 1, Updated: 1, Changes: 1}
		if err := q.FinishBatchRun(ctx, run.ID, model.BatchSuccess, run.Counters, ""); err != nil {
			return err
		}
		run.Status = model.BatchSuccess
		run.FinishedAt = &now

		item.Status = model.ConflictResolved
		item.ResolvedValue = &value
		item.ResolutionReason, item.ResolvedBy, item.ResolvedAt = reason, actor, &now
		out = &ConflictResolution{Item: item, Batch: run}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out.NoOp {
		zap.L().Info("ingest: conflict already resolved", zap.Int64("conflict_id", id))
		return out, nil
	}
	zap.L().Info("ingest: conflict resolved",
		zap.Int64("conflict_id", id),
		zap.String("field", out.Item.Field),
		zap.String("actor", actor),
		zap.String("batch_id", out.Batch.ID),
	)
	return out, nil
}

// applyManual writes the chosen value into the registration or dependent the
// conflict names and returns the unsaved change record.
func (s *Service) applyManual(ctx context.Context, q *store.Queries, item *model.ConflictItem, value string, prov model.Provenance) (*model.ChangeRecord, error) {
	change := &model.ChangeRecord{
		After:      model.StrPtr(value),
		SourceKey:  model.ManualSource,
		Provenance: &prov,
	}

	if ref, attr, ok := model.ParseDependentField(item.Field); ok {
		d, err := q.GetDependent(ctx, ref.Kind, ref.NaturalKey, true)
		if err != nil {
			return nil, err
		}
		if d.Attrs == nil {
			d.Attrs = map[string]string{}
		}
		if d.Provenance == nil {
			d.Provenance = model.FieldProvenance{}
		}
		change.EntityType, change.EntityID, change.Field = model.EntityDependent, d.ID, attr
		change.Before = model.StrPtr(d.Attrs[attr])
		d.Attrs[attr] = value
		d.Provenance[attr] = prov
		return change, q.UpdateDependent(ctx, d)
	}

	if !model.IsRegistrationField(item.Field) {
		return nil, eris.Errorf("ingest: conflict %d names unknown field %q", item.ID, item.Field)
	}
	reg, err := q.GetRegistration(ctx, item.RegistrationID, true)
	if err != nil {
		return nil, err
	}
	if reg.Provenance == nil {
		reg.Provenance = model.FieldProvenance{}
	}
	change.EntityType, change.EntityID, change.Field = model.EntityRegistration, reg.ID, item.Field
	change.Before = model.StrPtr(reg.Field(item.Field))
	reg.SetField(item.Field, value)
	reg.Provenance[item.Field] = prov
	reg.UpdatedBatchID = prov.BatchID
	if item.Field == model.FieldRegistrantName {
		reg.RegistrantNameNorm = normalize.CompanyName(value)
	}
	return change, q.UpdateRegistration(ctx, reg)
}
