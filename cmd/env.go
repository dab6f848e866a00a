package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/regsync/internal/archive"
	"github.com/sells-group/regsync/internal/evidence"
	"github.com/sells-group/regsync/internal/fetcher"
	"github.com/sells-group/regsync/internal/ingest"
	"github.com/sells-group/regsync/internal/lease"
	"github.com/sells-group/regsync/internal/resilience"
	"github.com/sells-group/regsync/internal/source"
	"github.com/sells-group/regsync/internal/store"
)

// appEnv holds the store and services shared by the sync, queue, archive,
// serve and worker commands.
type appEnv struct {
	Store    *store.Store
	Ingest   *ingest.Service
	Archive  *archive.Manager
	Registry *prometheus.Registry
	closers  []func() error
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			zap.L().Warn("close failed", zap.Error(err))
		}
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens and migrates the configured store.
func initStore(ctx context.Context) (*store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEnv sets up the store, transports, evidence offload, run leases and
// metrics. Callers should defer env.Close().
func initEnv(ctx context.Context) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st, Registry: prometheus.NewRegistry()}
	env.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var blobs evidence.BlobStore
	if cfg.Evidence.S3Bucket != "" {
		s3b, err := evidence.NewS3Blobs(ctx, cfg.Evidence)
		if err != nil {
			env.Close()
			return nil, eris.Wrap(err, "init evidence blobs")
		}
		blobs = s3b
	}

	locker, closeLocker, err := lease.New(ctx, cfg.Redis)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.closers = append(env.closers, closeLocker)

	timeout := time.Duration(cfg.Fetch.TimeoutSecs) * time.Second
	retry := resilience.FromFetchConfig(cfg.Fetch, 0)
	opener := fetcher.NewOpener(
		fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			UserAgent: cfg.Fetch.UserAgent,
			Timeout:   timeout,
			Retry:     retry,
			Breakers:  resilience.NewBreakers(resilience.BreakerConfigFrom(cfg.Fetch)),
		}),
		fetcher.NewFTPFetcher(fetcher.FTPOptions{Timeout: timeout, Retry: retry}),
	)

	env.Ingest = ingest.NewService(cfg, st, ingest.Options{
		Registry: source.NewRegistry(),
		Opener:   opener,
		Recorder: evidence.NewRecorder(blobs, cfg.Evidence.OffloadThresholdBytes),
		Locker:   locker,
		Metrics:  ingest.NewMetrics(env.Registry),
	})
	env.Archive = archive.NewManager(cfg, st, time.Now)
	return env, nil
}
