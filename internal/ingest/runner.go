package ingest

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/regsync/internal/config"
	"github.com/sells-group/regsync/internal/model"
	"github.com/sells-group/regsync/internal/source"
	"github.com/sells-group/regsync/internal/store"
)

// errDryRun rolls back the per-record transaction of a dry run.
var errDryRun = eris.New("ingest: dry run")

// RunOptions controls one trigger.
type RunOptions struct {
	DryRun bool
}

func (o RunOptions) mode() model.BatchMode {
	if o.DryRun {
		return model.ModeDryRun
	}
	return model.ModeExecute
}

// RunSource runs one batch for a source. The returned BatchRun is populated
// even when the batch fails.
func (s *Service) RunSource(ctx context.Context, key string, opts RunOptions) (*model.BatchRun, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return s.runSource(ctx, snap, key, opts)
}

// RunAll runs every enabled source concurrently, bounded by
// pipeline.max_concurrent_sources. One source failing does not stop the others.
func (s *Service) RunAll(ctx context.Context, opts RunOptions) ([]*model.BatchRun, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	keys := snap.Enabled()
	runs := make([]*model.BatchRun, len(keys))

	var mu sync.Mutex
	var errs []error
	g := new(errgroup.Group)
	if n := snap.Pipeline.MaxConcurrentSources; n > 0 {
		g.SetLimit(n)
	}
	for i, key := range keys {
		g.Go(func() error {
			run, err := s.runSource(ctx, snap, key, opts)
			runs[i] = run
			if err != nil {
				mu.Lock()
				errs = append(errs, eris.Wrapf(err, "ingest: source %s", key))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	out := runs[:0]
	for _, r := range runs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, errors.Join(errs...)
}

// batch is the state shared by the records of one run.
type batch struct {
	run   *model.BatchRun
	meta  model.SourceMeta
	orch  *Orchestrator
	dry   bool
	log   *zap.Logger
	count model.Counters
}

func (s *Service) runSource(ctx context.Context, snap *config.Snapshot, key string, opts RunOptions) (*model.BatchRun, error) {
	sc, err := snap.Source(key)
	if err != nil {
		return nil, err
	}
	meta, err := snap.Meta(key)
	if err != nil {
		return nil, err
	}
	adapter, err := s.registry.Get(sc.Adapter)
	if err != nil {
		return nil, err
	}
	orch, err := s.orchestrator(snap)
	if err != nil {
		return nil, err
	}
	narrowed, err := snap.ForSource(key)
	if err != nil {
		return nil, err
	}
	snapJSON, err := narrowed.JSON()
	if err != nil {
		return nil, err
	}

	if !opts.DryRun {
		ttl := time.Duration(snap.Pipeline.LeaseTTLSecs) * time.Second
		if ttl <= 0 {
			ttl = time.Hour
		}
		l, err := s.locker.Acquire(ctx, "source:"+key, ttl)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := l.Release(context.WithoutCancel(ctx)); err != nil {
				zap.L().Warn("ingest: release lease", zap.String("source", key), zap.Error(err))
			}
		}()
	}

	run := &model.BatchRun{
		Kind:           model.BatchIngest,
		SourceKey:      key,
		Mode:           opts.mode(),
		Status:         model.BatchRunning,
		StartedAt:      s.now().UTC(),
		ConfigSnapshot: snapJSON,
	}
	if opts.DryRun {
		run.ID = store.NewBatchID(run.Kind, key, run.StartedAt)
	} else if err := s.store.CreateBatchRun(ctx, run); err != nil {
		return nil, err
	}

	b := &batch{
		run:  run,
		meta: meta,
		orch: orch,
		dry:  opts.DryRun,
		log: zap.L().With(
			zap.String("component", "ingest"),
			zap.String("source", key),
			zap.String("batch_id", run.ID),
			zap.String("mode", string(run.Mode)),
		),
	}

	ctx, span := s.tracer.Start(ctx, "ingest.batch")
	span.SetAttributes(
		attribute.String("source", key),
		attribute.String("adapter", sc.Adapter),
		attribute.String("batch_id", run.ID),
		attribute.Bool("dry_run", opts.DryRun),
	)
	defer span.End()

	b.log.Info("ingest: batch started", zap.String("adapter", sc.Adapter))
	err = s.fetchAndParse(ctx, snap, sc, adapter, b)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return s.finish(ctx, snap, b, err)
}

func (s *Service) fetchAndParse(ctx context.Context, snap *config.Snapshot, sc config.SourceConfig, adapter source.Adapter, b *batch) error {
	if snap.Pipeline.TempDir != "" {
		if err := os.MkdirAll(snap.Pipeline.TempDir, 0o755); err != nil {
			return eris.Wrap(err, "ingest: create temp dir")
		}
	}
	dir, err := os.MkdirTemp(snap.Pipeline.TempDir, b.run.SourceKey+"-*")
	if err != nil {
		return eris.Wrap(err, "ingest: create batch dir")
	}
	defer os.RemoveAll(dir) //nolint:errcheck

	req := source.Request{
		SourceKey: b.run.SourceKey,
		Config:    sc,
		TempDir:   dir,
		Now:       b.run.StartedAt,
	}
	art, err := adapter.Fetch(ctx, s.opener, req)
	if err != nil {
		return err
	}
	b.log.Info("ingest: fetched", zap.Int("files", len(art.Files)), zap.Int64("bytes", art.Bytes))

	return adapter.Parse(ctx, art, req, func(p *model.Payload) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := s.processRecord(ctx, b, p)
		if err != nil {
			return err
		}
		res.Tally(&b.count)
		s.metrics.ObserveRecord(b.run.SourceKey, res)
		return nil
	})
}

func (s *Service) finish(ctx context.Context, snap *config.Snapshot, b *batch, runErr error) (*model.BatchRun, error) {
	run := b.run
	run.Counters = b.count
	status := model.BatchSuccess
	if runErr != nil {
		status = model.BatchFailed
		run.Error = runErr.Error()
	}
	finished := s.now().UTC()
	run.Status = status
	run.FinishedAt = &finished

	ctx = context.WithoutCancel(ctx)
	if !b.dry {
		if err := s.store.FinishBatchRun(ctx, run.ID, status, run.Counters, run.Error); err != nil {
			return run, errors.Join(runErr, err)
		}
		if runErr == nil && snap.Pipeline.RecomputeStats && run.Counters.Added > 0 {
			if err := s.store.RecomputeDailyStats(ctx, store.Day(run.StartedAt), store.Day(finished)); err != nil {
				b.log.Warn("ingest: recompute daily stats", zap.Error(err))
			}
		}
	}
	s.metrics.ObserveBatch(run.SourceKey, string(run.Mode), string(status), run.Duration(finished))

	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.Int64("total", run.Counters.Total),
		zap.Int64("added", run.Counters.Added),
		zap.Int64("updated", run.Counters.Updated),
		zap.Int64("unchanged", run.Counters.Unchanged),
		zap.Int64("pending", run.Counters.Pending),
		zap.Int64("conflicts", run.Counters.Conflicts),
		zap.Int64("changes", run.Counters.Changes),
		zap.Duration("duration", run.Duration(finished)),
	}
	if runErr != nil {
		b.log.Error("ingest: batch failed", append(fields, zap.Error(runErr))...)
		return run, runErr
	}
	b.log.Info("ingest: batch finished", fields...)
	return run, nil
}

// processRecord takes one payload through evidence, gate and orchestrator.
// A returned error aborts the batch; everything routine is a RecordResult.
func (s *Service) processRecord(ctx context.Context, b *batch, p *model.Payload) (RecordResult, error) {
	ctx, span := s.tracer.Start(ctx, "ingest.record")
	defer span.End()
	span.SetAttributes(attribute.String("locator", p.Locator))

	res := RecordResult{Locator: p.Locator}

	ev, err := s.recorder.Build(b.run.SourceKey, b.run.ID, p)
	if err != nil {
		return res, err
	}
	if !b.dry {
		id, _, err := s.recorder.Record(ctx, s.store.Queries, ev)
		if err != nil {
			return res, eris.Wrap(err, "ingest: write evidence")
		}
		res.EvidenceID = &id
	}

	g := Gate(p)
	if !g.OK() {
		res.Outcome, res.Reason, res.Detail = OutcomePending, g.Reason, g.Detail
		logGateRejection(b.log, p, g)
		span.SetAttributes(attribute.String("reason", string(g.Reason)))
		if b.dry {
			return res, nil
		}
		id, err := s.park(ctx, b, p, res.EvidenceID, g.Reason, g.Detail, g.Normalized)
		if err != nil {
			return res, err
		}
		res.PendingID = id
		return res, nil
	}
	res.RegistrationNo = g.Anchor.RegistrationNo()
	span.SetAttributes(attribute.String("registration_no", res.RegistrationNo))

	var applied *Applied
	err = s.store.InTx(ctx, func(q *store.Queries) error {
		a, err := b.orch.Apply(ctx, q, Input{
			Anchor:     g.Anchor,
			Payload:    p,
			Meta:       b.meta,
			BatchID:    b.run.ID,
			EvidenceID: res.EvidenceID,
			ObservedAt: b.run.StartedAt,
		})
		if err != nil {
			return err
		}
		applied = a
		if b.dry {
			return errDryRun
		}
		return nil
	})
	if err != nil && !(b.dry && errors.Is(err, errDryRun)) {
		return s.recordFailure(ctx, b, p, res, g, err)
	}

	res.Outcome = outcomeOf(applied)
	res.Changes = applied.Changes
	res.Conflicts = applied.Conflicts
	return res, nil
}

// recordFailure parks a record whose transaction failed.
func (s *Service) recordFailure(ctx context.Context, b *batch, p *model.Payload, res RecordResult, g GateResult, cause error) (RecordResult, error) {
	reason := model.ReasonWriteError
	if errors.Is(cause, ErrUngatedWrite) {
		reason = model.ReasonInvariantViolation
	}
	res.Outcome, res.Reason, res.Detail = OutcomeFailed, reason, cause.Error()
	b.log.Error("ingest: record failed",
		zap.String("locator", p.Locator),
		zap.String("registration_no", g.Anchor.RegistrationNo()),
		zap.String("reason", string(reason)),
		zap.Error(cause),
	)
	if b.dry {
		return res, nil
	}
	id, err := s.park(ctx, b, p, res.EvidenceID, reason, cause.Error(), g.Normalized)
	if err != nil {
		return res, errors.Join(cause, err)
	}
	res.PendingID = id
	return res, nil
}

func (s *Service) park(ctx context.Context, b *batch, p *model.Payload, evidenceID *int64,
	reason model.ReasonCode, detail string, normalized []string,
) (int64, error) {
	id, _, err := s.store.InsertPendingItem(ctx, &model.PendingItem{
		SourceKey:  b.run.SourceKey,
		BatchID:    b.run.ID,
		EvidenceID: evidenceID,
		Reason:     reason,
		Detail:     detail,
		Candidates: model.PendingCandidates{
			Source:     b.meta,
			Payload:    *p,
			Normalized: normalized,
		},
	})
	return id, err
}

func logGateRejection(log *zap.Logger, p *model.Payload, g GateResult) {
	fields := []zap.Field{
		zap.String("locator", p.Locator),
		zap.String("reason", string(g.Reason)),
		zap.String("detail", g.Detail),
	}
	if g.Reason == model.ReasonAnchorConflict {
		log.Warn("ingest: conflicting registration numbers in one record",
			append(fields, zap.Strings("normalized", g.Normalized))...)
		return
	}
	log.Debug("ingest: record parked", fields...)
}
