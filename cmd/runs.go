package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/regsync/internal/model"
	"github.com/sells-group/regsync/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the batch ledger",
	Long:  "Commands for listing batch runs and viewing their counters and change records.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List batch runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		kind, _ := cmd.Flags().GetString("kind")
		source, _ := cmd.Flags().GetString("source")
		status, _ := cmd.Flags().GetString("status")
		since, _ := cmd.Flags().GetDuration("since")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.BatchFilter{
			Kind:      model.BatchKind(kind),
			SourceKey: source,
			Status:    model.BatchStatus(status),
			Limit:     limit,
		}
		if since > 0 {
			filter.Since = time.Now().Add(-since)
		}

		runs, err := st.ListBatchRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}
		if len(runs) == 0 && outputFormat == "table" {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}
		return render(os.Stdout, outputFormat, runs, func(w io.Writer) { formatBatchRuns(w, runs) })
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <batch-id>",
	Short: "Show counters and change records of a batch run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetBatchRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		showChanges, _ := cmd.Flags().GetBool("changes")
		if !showChanges {
			return render(os.Stdout, outputFormat, run, func(w io.Writer) { formatBatchRun(w, run) })
		}

		limit, _ := cmd.Flags().GetInt("limit")
		changes, err := st.ListChangeRecords(ctx, store.ChangeFilter{BatchID: run.ID, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		out := struct {
			Run     *model.BatchRun      `json:"run"`
			Changes []model.ChangeRecord `json:"changes"`
		}{run, changes}
		return render(os.Stdout, outputFormat, out, func(w io.Writer) {
			formatBatchRun(w, run)
			_, _ = fmt.Fprintln(w)
			formatChanges(w, changes)
		})
	},
}

func init() {
	runsListCmd.Flags().String("kind", "", "filter by kind (ingest, manual, archive, rollback, backfill)")
	runsListCmd.Flags().String("source", "", "filter by source key")
	runsListCmd.Flags().String("status", "", "filter by status (running, success, failed)")
	runsListCmd.Flags().Duration("since", 0, "only runs started within this window (e.g. 24h)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsShowCmd.Flags().Bool("changes", false, "include the run's change records")
	runsShowCmd.Flags().Int("limit", 200, "max number of change records")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatChanges writes change records to out.
func formatChanges(out io.Writer, changes []model.ChangeRecord) {
	w := newTable(out)
	_, _ = fmt.Fprintln(w, "ENTITY\tID\tFIELD\tBEFORE\tAFTER\tSOURCE\tREASON")
	_, _ = fmt.Fprintln(w, "------\t--\t-----\t------\t-----\t------\t------")
	for _, c := range changes {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			c.EntityType, c.EntityID, c.Field,
			truncate(deref(c.Before), 30), truncate(deref(c.After), 30),
			c.SourceKey, truncate(c.Reason, 30))
	}
	_ = w.Flush()
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
