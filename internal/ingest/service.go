// Package ingest runs source batches through the anchor gate and the upsert
// orchestrator, and owns the operator actions on the pending and conflict
// queues.
package ingest

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/sells-group/regsync/internal/arbiter"
	"github.com/sells-group/regsync/internal/config"
	"github.com/sells-group/regsync/internal/evidence"
	"github.com/sells-group/regsync/internal/fetcher"
	"github.com/sells-group/regsync/internal/lease"
	"github.com/sells-group/regsync/internal/source"
	"github.com/sells-group/regsync/internal/store"
)

// Options carries optional collaborators. Nil fields get local defaults.
type Options struct {
	Registry *source.Registry
	Opener   *fetcher.Opener
	Recorder *evidence.Recorder
	Locker   lease.Locker
	Metrics  *Metrics
	Tracer   trace.Tracer
	Now      func() time.Time
}

// Service is the ingest pipeline and its operator actions.
type Service struct {
	cfg      *config.Config
	store    *store.Store
	registry *source.Registry
	opener   *fetcher.Opener
	recorder *evidence.Recorder
	locker   lease.Locker
	metrics  *Metrics
	tracer   trace.Tracer
	now      func() time.Time
}

// NewService wires a Service.
func NewService(cfg *config.Config, st *store.Store, opts Options) *Service {
	s := &Service{
		cfg:      cfg,
		store:    st,
		registry: opts.Registry,
		opener:   opts.Opener,
		recorder: opts.Recorder,
		locker:   opts.Locker,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		now:      opts.Now,
	}
	if s.registry == nil {
		s.registry = source.NewRegistry()
	}
	if s.opener == nil {
		s.opener = fetcher.NewOpener(nil, nil)
	}
	if s.recorder == nil {
		s.recorder = evidence.NewRecorder(nil, 0)
	}
	if s.locker == nil {
		s.locker = lease.NewLocal()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("github.com/sells-group/regsync/internal/ingest")
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Store exposes the underlying store.
func (s *Service) Store() *store.Store { return s.store }

// Snapshot captures the configuration a batch runs with: the loaded config
// plus runtime overrides from the settings table. Unknown adapters fail here.
func (s *Service) Snapshot(ctx context.Context) (*config.Snapshot, error) {
	overrides, err := s.store.Settings(ctx)
	if err != nil {
		return nil, err
	}
	snap, err := config.TakeSnapshot(s.cfg, overrides, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.registry.Validate(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// orchestrator builds an orchestrator with the snapshot's field policy.
func (s *Service) orchestrator(snap *config.Snapshot) (*Orchestrator, error) {
	policy, err := arbiter.LoadPolicy(snap.Pipeline.FieldPolicyPath)
	if err != nil {
		return nil, err
	}
	return NewOrchestrator(arbiter.New(policy)), nil
}
