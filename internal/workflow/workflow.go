package workflow

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// SourceSyncWorkflowName is the registered workflow type.
const SourceSyncWorkflowName = "SourceSyncWorkflow"

// SourceSyncWorkflow runs one source batch as a single activity.
func SourceSyncWorkflow(ctx workflow.Context, in SyncInput) (*SyncOutput, error) {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 4 * time.Hour,
		HeartbeatTimeout:    2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Minute,
			BackoffCoefficient:     2,
			MaximumInterval:        15 * time.Minute,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{ErrTypeConfig},
		},
	})

	log := workflow.GetLogger(ctx)
	log.Info("source sync started", "source", in.SourceKey, "dry_run", in.DryRun)

	var a *Activities
	var out SyncOutput
	if err := workflow.ExecuteActivity(ctx, a.SyncSource, in).Get(ctx, &out); err != nil {
		return nil, err
	}

	log.Info("source sync finished", "source", in.SourceKey, "batch_id", out.BatchID, "status", out.Status)
	return &out, nil
}
