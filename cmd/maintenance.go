package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/regsync/internal/ingest"
	"github.com/sells-group/regsync/internal/store"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Report registration number cache drift and dangling dependents",
	Long:  "Read-only. Lists dependents whose cached registration number differs from their registration, and dependents whose registration no longer exists.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		mismatches, err := st.RegNoMismatches(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "audit")
		}
		dangling, err := st.DanglingDependents(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "audit")
		}
		out := struct {
			Mismatches []store.RegNoMismatch     `json:"regno_mismatches"`
			Dangling   []store.DanglingDependent `json:"dangling"`
		}{mismatches, dangling}
		return render(os.Stdout, outputFormat, out, func(w io.Writer) {
			_, _ = fmt.Fprintf(w, "Registration number mismatches: %d\n", len(mismatches))
			if len(mismatches) > 0 {
				formatMismatches(w, mismatches)
			}
			_, _ = fmt.Fprintf(w, "Dangling dependents: %d\n", len(dangling))
			if len(dangling) > 0 {
				formatDangling(w, dangling)
			}
		})
	},
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Recompute derived columns over existing rows",
}

var backfillCompanyNamesCmd = &cobra.Command{
	Use:   "company-names",
	Short: "Recompute normalized registrant names, resuming from the saved cursor",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		opts := ingest.BackfillOptions{}
		opts.PageSize, _ = cmd.Flags().GetInt("page-size")
		opts.Restart, _ = cmd.Flags().GetBool("restart")
		run, err := env.Ingest.BackfillCompanyNames(ctx, opts)
		if run != nil {
			if rerr := render(os.Stdout, outputFormat, run, func(w io.Writer) { formatBatchRun(w, run) }); rerr != nil {
				return rerr
			}
		}
		if err != nil {
			return eris.Wrap(err, "backfill company-names")
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show or rebuild daily entity counts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		from, to, err := statsRange(cmd)
		if err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		stats, err := st.ListDailyStats(ctx, from, to)
		if err != nil {
			return eris.Wrap(err, "stats")
		}
		return render(os.Stdout, outputFormat, stats, func(w io.Writer) { formatStats(w, stats) })
	},
}

var statsRecomputeCmd = &cobra.Command{
	Use:   "recompute",
	Short: "Rebuild daily stats for a day range from the live tables",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		from, to, err := statsRange(cmd)
		if err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.InTx(ctx, func(q *store.Queries) error {
			return q.RecomputeDailyStats(ctx, from, to)
		}); err != nil {
			return eris.Wrap(err, "stats recompute")
		}
		fmt.Fprintf(os.Stderr, "Recomputed daily stats %s..%s\n", from, to)
		return nil
	},
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Manage runtime source overrides (source.<key>.<attr>)",
}

var settingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored overrides",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		settings, err := env.Ingest.Settings(ctx)
		if err != nil {
			return eris.Wrap(err, "settings list")
		}
		return render(os.Stdout, outputFormat, settings, func(w io.Writer) { formatSettings(w, settings) })
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Store an override; takes effect at the next batch start",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()
		if err := env.Ingest.SetSetting(ctx, args[0], args[1]); err != nil {
			return eris.Wrap(err, "settings set")
		}
		return nil
	},
}

var settingsDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Remove an override",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()
		if err := env.Ingest.DeleteSetting(ctx, args[0]); err != nil {
			return eris.Wrap(err, "settings delete")
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := initStore(cmd.Context())
		if err != nil {
			return err
		}
		return st.Close()
	},
}

func init() {
	auditCmd.Flags().Int("limit", 100, "max rows per report")

	backfillCompanyNamesCmd.Flags().Int("page-size", 0, "rows per page (default from config)")
	backfillCompanyNamesCmd.Flags().Bool("restart", false, "ignore the saved cursor")
	backfillCmd.AddCommand(backfillCompanyNamesCmd)

	for _, c := range []*cobra.Command{statsCmd, statsRecomputeCmd} {
		c.Flags().String("from", time.Now().UTC().Format(time.DateOnly), "first day (YYYY-MM-DD)")
		c.Flags().String("to", "", "last day (YYYY-MM-DD, default --from)")
	}
	statsCmd.AddCommand(statsRecomputeCmd)

	settingsCmd.AddCommand(settingsListCmd, settingsSetCmd, settingsDeleteCmd)

	rootCmd.AddCommand(auditCmd, backfillCmd, statsCmd, settingsCmd, migrateCmd)
}

// statsRange reads and validates --from and --to.
func statsRange(cmd *cobra.Command) (string, string, error) {
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")
	return parseDayRange(from, to)
}

func parseDayRange(from, to string) (string, string, error) {
	if to == "" {
		to = from
	}
	for _, d := range []string{from, to} {
		if _, err := time.Parse(time.DateOnly, d); err != nil {
			return "", "", eris.Errorf("invalid day %q: want YYYY-MM-DD", d)
		}
	}
	if to < from {
		return "", "", eris.Errorf("--to %s is before --from %s", to, from)
	}
	return from, to, nil
}
