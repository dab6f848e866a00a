package ingest

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/regsync/internal/model"
	"github.com/sells-group/regsync/internal/normalize"
	"github.com/sells-group/regsync/internal/store"
)

// CompanyNameCursor is the backfill cursor for registrant_name_norm.
const CompanyNameCursor = "company_names"

// BackfillOptions controls a backfill.
type BackfillOptions struct {
	PageSize int
	// Restart ignores the saved cursor.
	Restart bool
}

// BackfillCompanyNames recomputes registrant_name_norm for every
// registration. Progress is committed with each page, so an interrupted run
// resumes where it stopped. The cursor is cleared once the table is done.
func (s *Service) BackfillCompanyNames(ctx context.Context, opts BackfillOptions) (*model.BatchRun, error) {
	size := opts.PageSize
	if size <= 0 {
		size = s.cfg.Pipeline.BackfillPageSize
	}
	if size <= 0 {
		size = 500
	}
	if opts.Restart {
		if err := s.store.ResetCursor(ctx, CompanyNameCursor); err != nil {
			return nil, err
		}
	}

	run := &model.BatchRun{Kind: model.BatchBackfill, Mode: model.ModeExecute, StartedAt: s.now().UTC()}
	if err := s.store.CreateBatchRun(ctx, run); err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("component", "backfill"), zap.String("batch_id", run.ID))

	after, err := s.store.Cursor(ctx, CompanyNameCursor)
	if err != nil {
		return s.failBatch(ctx, run, err)
	}
	if after > 0 {
		log.Info("backfill: resuming", zap.Int64("after_id", after))
	}

	for {
		if err := ctx.Err(); err != nil {
			return s.failBatch(ctx, run, err)
		}
		page, err := s.store.RegistrationsAfter(ctx, after, size)
		if err != nil {
			return s.failBatch(ctx, run, err)
		}
		if len(page) == 0 {
			break
		}

		var pageCount model.Counters
		err = s.store.InTx(ctx, func(q *store.Queries) error {
			pageCount = model.Counters{}
			for i := range page {
				r := &page[i]
				pageCount.Total++
				norm := normalize.CompanyName(r.RegistrantName)
				if norm == r.RegistrantNameNorm {
					pageCount.Unchanged++
					continue
				}
				if err := q.SetRegistrantNameNorm(ctx, r.ID, norm); err != nil {
					return err
				}
				prov := model.Provenance{Source: "backfill", BatchID: run.ID, ObservedAt: run.StartedAt}
				if err := q.InsertChangeRecord(ctx, &model.ChangeRecord{
					BatchID:    run.ID,
					EntityType: model.EntityRegistration,
					EntityID:   r.ID,
					Field:      "registrant_name_norm",
					Before:     model.StrPtr(r.RegistrantNameNorm),
					After:      model.StrPtr(norm),
					SourceKey:  "backfill",
					Provenance: &prov,
					Reason:     "derived",
				}); err != nil {
					return err
				}
				pageCount.Updated++
				pageCount.Changes++
			}
			return q.SaveCursor(ctx, CompanyNameCursor, page[len(page)-1].ID)
		})
		if err != nil {
			return s.failBatch(ctx, run, err)
		}
		pageCount.Success = pageCount.Total
		run.Counters.Add(pageCount)
		after = page[len(page)-1].ID
		log.Debug("backfill: page committed", zap.Int64("after_id", after), zap.Int("rows", len(page)))
	}

	if err := s.store.ResetCursor(ctx, CompanyNameCursor); err != nil {
		return s.failBatch(ctx, run, err)
	}
	if err := s.store.FinishBatchRun(ctx, run.ID, model.BatchSuccess, run.Counters, ""); err != nil {
		return run, err
	}
	run.Status = model.BatchSuccess
	log.Info("backfill: finished",
		zap.Int64("total", run.Counters.Total),
		zap.Int64("updated", run.Counters.Updated),
	)
	return run, nil
}

func (s *Service) failBatch(ctx context.Context, run *model.BatchRun, cause error) (*model.BatchRun, error) {
	run.Status = model.BatchFailed
	run.Error = cause.Error()
	if err := s.store.FinishBatchRun(context.WithoutCancel(ctx), run.ID, model.BatchFailed, run.Counters, run.Error); err != nil {
		zap.L().Error("ingest: finalize failed batch", zap.String("batch_id", run.ID), zap.Error(err))
	}
	return run, cause
}
