package workflow

import (
	"context"
	"errors"
	"sort"

	"github.com/rotisserie/eris"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/sells-group/regsync/internal/config"
)

const schedulePrefix = "regsync-sync-"

// ScheduleID names the Temporal schedule for a source.
func ScheduleID(sourceKey string) string { return schedulePrefix + sourceKey }

// ScheduleClient is the subset of client.ScheduleClient used here.
type ScheduleClient interface {
	Create(ctx context.Context, options client.ScheduleOptions) (client.ScheduleHandle, error)
	GetHandle(ctx context.Context, scheduleID string) client.ScheduleHandle
}

// ScheduleReport lists what SyncSchedules did per source key.
type ScheduleReport struct {
	Created []string `json:"created"`
	Updated []string `json:"updated"`
	Deleted []string `json:"deleted"`
}

// SyncSchedules makes the Temporal schedules match the configuration: one
// cron schedule per enabled source with a schedule, none for the others.
func SyncSchedules(ctx context.Context, sc ScheduleClient, cfg *config.Config) (*ScheduleReport, error) {
	keys := make([]string, 0, len(cfg.Sources))
	for k := range cfg.Sources {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	report := &ScheduleReport{}
	for _, key := range keys {
		src := cfg.Sources[key]
		id := ScheduleID(key)
		log := zap.L().With(zap.String("component", "workflow"), zap.String("schedule_id", id))

		if !src.Enabled || src.Schedule == "" {
			err := sc.GetHandle(ctx, id).Delete(ctx)
			var nf *serviceerror.NotFound
			switch {
			case err == nil:
				report.Deleted = append(report.Deleted, key)
				log.Info("schedule: deleted")
			case errors.As(err, &nf):
			default:
				return report, eris.Wrapf(err, "workflow: delete schedule %s", id)
			}
			continue
		}

		spec := client.ScheduleSpec{CronExpressions: []string{src.Schedule}}
		action := &client.ScheduleWorkflowAction{
			ID:        id,
			Workflow:  SourceSyncWorkflowName,
			Args:      []any{SyncInput{SourceKey: key}},
			TaskQueue: cfg.Temporal.TaskQueue,
		}

		_, err := sc.Create(ctx, client.ScheduleOptions{
			ID:      id,
			Spec:    spec,
			Action:  action,
			Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
		})
		if err == nil {
			report.Created = append(report.Created, key)
			log.Info("schedule: created", zap.String("cron", src.Schedule))
			continue
		}
		if !errors.Is(err, temporal.ErrScheduleAlreadyRunning) {
			return report, eris.Wrapf(err, "workflow: create schedule %s", id)
		}

		err = sc.GetHandle(ctx, id).Update(ctx, client.ScheduleUpdateOptions{
			DoUpdate: func(in client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
				s := in.Description.Schedule
				s.Spec = &spec
				s.Action = action
				return &client.ScheduleUpdate{Schedule: &s}, nil
			},
		})
		if err != nil {
			return report, eris.Wrapf(err, "workflow: update schedule %s", id)
		}
		report.Updated = append(report.Updated, key)
		log.Info("schedule: updated", zap.String("cron", src.Schedule))
	}
	return report, nil
}
