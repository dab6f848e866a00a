package main

import (
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/regsync/internal/ingest"
	"github.com/sells-group/regsync/internal/model"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Ingest registration data from configured sources",
}

var syncRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one batch per source",
	Long: `Fetches, parses and applies records for one source (--source) or every
enabled source (--all).

--dry-run computes counters without writing business or ledger rows. Each
record is applied in its own transaction and rolled back, so a record never
sees an earlier record of the same batch: a registration number repeated
within one file counts as added every time in a dry run, where an execute run
counts it added once and then unchanged, updated or in conflict.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		key, _ := cmd.Flags().GetString("source")
		all, _ := cmd.Flags().GetBool("all")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		if (key == "") == !all {
			return eris.New("exactly one of --source or --all is required")
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		opts := ingest.RunOptions{DryRun: dryRun}
		var runs []*model.BatchRun
		if all {
			runs, err = env.Ingest.RunAll(ctx, opts)
		} else {
			var run *model.BatchRun
			run, err = env.Ingest.RunSource(ctx, key, opts)
			if run != nil {
				runs = append(runs, run)
			}
		}

		list := make([]model.BatchRun, 0, len(runs))
		for _, r := range runs {
			list = append(list, *r)
		}
		if rerr := render(os.Stdout, outputFormat, list, func(w io.Writer) { formatBatchRuns(w, list) }); rerr != nil {
			return rerr
		}
		if err != nil {
			zap.L().Error("sync failed", zap.Error(err))
			return eris.Wrap(err, "sync run")
		}
		return nil
	},
}

func init() {
	syncRunCmd.Flags().String("source", "", "source key to run")
	syncRunCmd.Flags().Bool("all", false, "run every enabled source")
	syncRunCmd.Flags().Bool("dry-run", false, "compute counters without writing")

	syncCmd.AddCommand(syncRunCmd)
	rootCmd.AddCommand(syncCmd)
}
