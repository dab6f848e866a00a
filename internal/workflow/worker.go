package workflow

import (
	"context"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sells-group/regsync/internal/config"
)

// Dial connects to the configured Temporal frontend.
func Dial(cfg config.TemporalConfig) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "workflow: dial temporal %s", cfg.HostPort)
	}
	return c, nil
}

// Register adds the sync workflow and activities to w.
func Register(w worker.Registry, runner SourceRunner) {
	w.RegisterWorkflowWithOptions(SourceSyncWorkflow, workflow.RegisterOptions{Name: SourceSyncWorkflowName})
	w.RegisterActivity(&Activities{Runner: runner})
}

// RunWorker polls taskQueue until ctx is done.
func RunWorker(ctx context.Context, c client.Client, taskQueue string, runner SourceRunner) error {
	w := worker.New(c, taskQueue, worker.Options{})
	Register(w, runner)

	if err := w.Start(); err != nil {
		return eris.Wrap(err, "workflow: start worker")
	}
	zap.L().Info("workflow: worker started", zap.String("task_queue", taskQueue))
	<-ctx.Done()
	w.Stop()
	zap.L().Info("workflow: worker stopped")
	return nil
}

// StartSync starts a one-off SourceSyncWorkflow and returns its run id.
func StartSync(ctx context.Context, c client.Client, taskQueue string, in SyncInput) (string, error) {
	run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		TaskQueue: taskQueue,
	}, SourceSyncWorkflowName, in)
	if err != nil {
		return "", eris.Wrapf(err, "workflow: start sync %s", in.SourceKey)
	}
	return run.GetRunID(), nil
}
