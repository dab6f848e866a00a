package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/regsync/internal/ingest"
	"github.com/sells-group/regsync/internal/model"
	"github.com/sells-group/regsync/internal/store"
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Work the pending queue of records that could not be anchored",
}

var pendingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending items",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		q := ingest.PendingQuery{}
		q.Status, _ = cmd.Flags().GetString("status")
		q.Source, _ = cmd.Flags().GetString("source")
		q.Reason, _ = cmd.Flags().GetString("reason")
		q.Limit, _ = cmd.Flags().GetInt("limit")

		items, err := env.Ingest.ListPending(ctx, q)
		if err != nil {
			return eris.Wrap(err, "pending list")
		}
		return render(os.Stdout, outputFormat, items, func(w io.Writer) { formatPending(w, items) })
	},
}

var pendingResolveCmd = &cobra.Command{
	Use:   "resolve <id> <registration-no>",
	Short: "Supply the registration number of a parked record and apply it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		actor, _ := cmd.Flags().GetString("actor")
		note, _ := cmd.Flags().GetString("note")
		res, err := env.Ingest.ResolvePending(ctx, id, args[1], actor, note)
		if err != nil {
			return eris.Wrap(err, "pending resolve")
		}
		return render(os.Stdout, outputFormat, res, func(w io.Writer) {
			_, _ = fmt.Fprintf(w, "Resolved pending %d as %s in batch %s\n", id, res.RegistrationNo, res.Batch.ID)
		})
	},
}

var pendingIgnoreCmd = &cobra.Command{
	Use:   "ignore <id>",
	Short: "Close a pending item without applying it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		actor, _ := cmd.Flags().GetString("actor")
		reason, _ := cmd.Flags().GetString("reason")
		run, err := env.Ingest.IgnorePending(ctx, id, actor, reason)
		if err != nil {
			return eris.Wrap(err, "pending ignore")
		}
		return render(os.Stdout, outputFormat, run, func(w io.Writer) {
			_, _ = fmt.Fprintf(w, "Ignored pending %d in batch %s\n", id, run.ID)
		})
	},
}

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Work the conflict queue of undecidable field disagreements",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conflict items",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		status, _ := cmd.Flags().GetString("status")
		f := store.ConflictFilter{Status: model.ConflictStatus(status)}
		f.RegistrationNo, _ = cmd.Flags().GetString("reg-no")
		f.Field, _ = cmd.Flags().GetString("field")
		f.Source, _ = cmd.Flags().GetString("source")
		f.Limit, _ = cmd.Flags().GetInt("limit")

		items, err := env.Ingest.ListConflicts(ctx, f)
		if err != nil {
			return eris.Wrap(err, "conflicts list")
		}
		return render(os.Stdout, outputFormat, items, func(w io.Writer) { formatConflicts(w, items) })
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <id> <value>",
	Short: "Decide a conflict by writing the chosen value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		actor, _ := cmd.Flags().GetString("actor")
		reason, _ := cmd.Flags().GetString("reason")
		res, err := env.Ingest.ResolveConflict(ctx, id, args[1], reason, actor)
		if err != nil {
			return eris.Wrap(err, "conflicts resolve")
		}
		return render(os.Stdout, outputFormat, res, func(w io.Writer) {
			if res.NoOp {
				_, _ = fmt.Fprintf(w, "Conflict %d was already %s\n", id, res.Item.Status)
				return
			}
			_, _ = fmt.Fprintf(w, "Resolved conflict %d (%s) in batch %s\n", id, res.Item.Field, res.Batch.ID)
		})
	},
}

func init() {
	pendingListCmd.Flags().String("status", "open", "filter by status (open, resolved, ignored)")
	pendingListCmd.Flags().String("source", "", "filter by source key")
	pendingListCmd.Flags().String("reason", "", "filter by reason code")
	pendingListCmd.Flags().Int("limit", 50, "max number of items")

	for _, c := range []*cobra.Command{pendingResolveCmd, pendingIgnoreCmd, conflictsResolveCmd} {
		c.Flags().String("actor", os.Getenv("USER"), "operator recorded on the resolution")
	}
	pendingResolveCmd.Flags().String("note", "", "resolution note")
	pendingIgnoreCmd.Flags().String("reason", "", "why the item is ignored")
	conflictsResolveCmd.Flags().String("reason", "", "why this value was chosen (required)")

	conflictsListCmd.Flags().String("status", "open", "filter by status (open, resolved)")
	conflictsListCmd.Flags().String("reg-no", "", "filter by registration number")
	conflictsListCmd.Flags().String("field", "", "filter by field")
	conflictsListCmd.Flags().String("source", "", "filter by candidate source")
	conflictsListCmd.Flags().Int("limit", 50, "max number of items")

	pendingCmd.AddCommand(pendingListCmd, pendingResolveCmd, pendingIgnoreCmd)
	conflictsCmd.AddCommand(conflictsListCmd, conflictsResolveCmd)
	rootCmd.AddCommand(pendingCmd, conflictsCmd)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, eris.Errorf("invalid id %q", s)
	}
	return id, nil
}
