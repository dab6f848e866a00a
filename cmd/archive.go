package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/regsync/internal/archive"
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Archive registrations out of the live tables and roll archives back",
}

var archiveCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Move selected registrations and their dependents into an archive batch",
	Long:  "Selects live registrations by --reg-no and/or --run-id (the ingest batch that created them), moves them with their dependents and conflicts into archive tables under --batch-id, and recomputes daily stats for the affected window.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		req := archive.Request{}
		req.BatchID, _ = cmd.Flags().GetString("batch-id")
		req.Reason, _ = cmd.Flags().GetString("reason")
		req.RegistrationNos, _ = cmd.Flags().GetStringSlice("reg-no")
		req.RunID, _ = cmd.Flags().GetString("run-id")
		if req.Reason == "" {
			return eris.New("--reason is required")
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Archive.Archive(ctx, req)
		if err != nil {
			return eris.Wrap(err, "archive create")
		}
		return render(os.Stdout, outputFormat, res, func(w io.Writer) {
			c := res.Archive.Counts
			_, _ = fmt.Fprintf(w, "Archived %d registrations, %d dependents, %d conflicts into %s\n",
				c.Registrations, c.Dependents, c.Conflicts, res.Archive.ID)
		})
	},
}

var archiveRollbackCmd = &cobra.Command{
	Use:   "rollback <archive-id>",
	Short: "Restore an archive batch into the live tables",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Archive.Rollback(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "archive rollback")
		}
		return render(os.Stdout, outputFormat, res, func(w io.Writer) {
			c := res.Restored
			_, _ = fmt.Fprintf(w, "Restored %d registrations, %d dependents, %d conflicts from %s\n",
				c.Registrations, c.Dependents, c.Conflicts, args[0])
		})
	},
}

var archiveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archive batches",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		list, err := env.Archive.List(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "archive list")
		}
		return render(os.Stdout, outputFormat, list, func(w io.Writer) { formatArchives(w, list) })
	},
}

func init() {
	archiveCreateCmd.Flags().String("batch-id", "", "archive batch id (generated when empty)")
	archiveCreateCmd.Flags().String("reason", "", "why the rows are archived (required)")
	archiveCreateCmd.Flags().StringSlice("reg-no", nil, "registration numbers to archive")
	archiveCreateCmd.Flags().String("run-id", "", "archive registrations created by this batch run")

	archiveListCmd.Flags().Int("limit", 50, "max number of archives")

	archiveCmd.AddCommand(archiveCreateCmd, archiveRollbackCmd, archiveListCmd)
	rootCmd.AddCommand(archiveCmd)
}
