package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/regsync/internal/workflow"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the Temporal worker that executes scheduled source syncs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := workflow.Dial(cfg.Temporal)
		if err != nil {
			return err
		}
		defer c.Close()

		return workflow.RunWorker(ctx, c, cfg.Temporal.TaskQueue, env.Ingest)
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage Temporal schedules for configured sources",
}

var scheduleSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Create, update or delete schedules to match the sources config",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		c, err := workflow.Dial(cfg.Temporal)
		if err != nil {
			return err
		}
		defer c.Close()

		report, err := workflow.SyncSchedules(ctx, c.ScheduleClient(), cfg)
		if err != nil {
			return eris.Wrap(err, "schedule sync")
		}
		return render(os.Stdout, outputFormat, report, func(w io.Writer) {
			_, _ = fmt.Fprintf(w, "Created: %v\nUpdated: %v\nDeleted: %v\n", report.Created, report.Updated, report.Deleted)
		})
	},
}

var scheduleTriggerCmd = &cobra.Command{
	Use:   "trigger <source>",
	Short: "Start a one-off sync workflow for a source on the worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if _, ok := cfg.Sources[args[0]]; !ok {
			return eris.Errorf("unknown source %q", args[0])
		}
		c, err := workflow.Dial(cfg.Temporal)
		if err != nil {
			return err
		}
		defer c.Close()

		dryRun, _ := cmd.Flags().GetBool("dry-run")
		runID, err := workflow.StartSync(ctx, c, cfg.Temporal.TaskQueue, workflow.SyncInput{SourceKey: args[0], DryRun: dryRun})
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Started sync workflow for %s (run %s)\n", args[0], runID)
		return nil
	},
}

func init() {
	scheduleTriggerCmd.Flags().Bool("dry-run", false, "compute counters without writing")
	scheduleCmd.AddCommand(scheduleSyncCmd, scheduleTriggerCmd)
	rootCmd.AddCommand(workerCmd, scheduleCmd)
}
