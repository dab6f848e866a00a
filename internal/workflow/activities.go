// Package workflow runs scheduled source syncs on Temporal.
package workflow

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/sells-group/regsync/internal/config"
	"github.com/sells-group/regsync/internal/ingest"
	"github.com/sells-group/regsync/internal/model"
	"github.com/sells-group/regsync/internal/source"
)

// ErrTypeConfig marks activity failures that a retry cannot fix.
const ErrTypeConfig = "ConfigError"

const heartbeatEvery = 30 * time.Second

// SyncInput selects the source to run.
type SyncInput struct {
	SourceKey string `json:"source_key"`
	DryRun    bool   `json:"dry_run,omitempty"`
}

// SyncOutput summarizes a finished batch.
type SyncOutput struct {
	BatchID  string            `json:"batch_id"`
	Status   model.BatchStatus `json:"status"`
	Counters model.Counters    `json:"counters"`
	Error    string            `json:"error,omitempty"`
}

// SourceRunner is the ingest entry point the activity drives.
type SourceRunner interface {
	RunSource(ctx context.Context, key string, opts ingest.RunOptions) (*model.BatchRun, error)
}

// Activities holds the activity implementations.
type Activities struct {
	Runner SourceRunner
}

// SyncSource runs one ingest batch. A failed batch is reported in the
// output rather than as an activity error so its ledger row is not
// duplicated by retries; only errors before a batch exists are returned.
func (a *Activities) SyncSource(ctx context.Context, in SyncInput) (*SyncOutput, error) {
	log := zap.L().With(zap.String("component", "workflow"), zap.String("source", in.SourceKey))

	done := make(chan struct{})
	defer close(done)
	go heartbeat(ctx, done)

	run, err := a.Runner.RunSource(ctx, in.SourceKey, ingest.RunOptions{DryRun: in.DryRun})
	if run == nil {
		if err == nil {
			err = errors.New("workflow: runner returned no batch")
		}
		if isConfigError(err) {
			log.Error("sync: configuration error", zap.Error(err))
			return nil, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeConfig, err)
		}
		return nil, err
	}

	out := &SyncOutput{BatchID: run.ID, Status: run.Status, Counters: run.Counters, Error: run.Error}
	if err != nil {
		log.Warn("sync: batch failed", zap.String("batch_id", run.ID), zap.Error(err))
		if out.Error == "" {
			out.Error = err.Error()
		}
	}
	return out, nil
}

func heartbeat(ctx context.Context, done <-chan struct{}) {
	if !activity.IsActivity(ctx) {
		return
	}
	t := time.NewTicker(heartbeatEvery)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			activity.RecordHeartbeat(ctx)
		}
	}
}

func isConfigError(err error) bool {
	return errors.Is(err, config.ErrUnknownSource) || errors.Is(err, source.ErrUnknownAdapter)
}
