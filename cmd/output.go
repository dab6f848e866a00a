package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/regsync/internal/model"
	"github.com/sells-group/regsync/internal/store"
)

// render writes v in the selected output format. table is used for the
// default format.
func render(out io.Writer, format string, v any, table func(io.Writer)) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// Round-trip through JSON so YAML keys match the API field names.
		raw, err := json.Marshal(v)
		if err != nil {
			return eris.Wrap(err, "encode output")
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return eris.Wrap(err, "encode output")
		}
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return eris.Wrap(err, "encode output")
		}
		return enc.Close()
	default:
		table(out)
		return nil
	}
}

func newTable(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
}

// formatBatchRuns writes a tabular list of batch runs to out.
func formatBatchRuns(out io.Writer, runs []model.BatchRun) {
	w := newTable(out)
	_, _ = fmt.Fprintln(w, "ID\tKIND\tSOURCE\tMODE\tSTATUS\tTOTAL\tADDED\tUPDATED\tPENDING\tCONFLICTS\tSTARTED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t----\t------\t-----\t-----\t-------\t-------\t---------\t-------\t--------")
	for _, r := range runs {
		dur := ""
		if r.FinishedAt != nil {
			dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.ID,
			r.Kind,
			r.SourceKey,
			r.Mode,
			r.Status,
			r.Counters.Total,
			r.Counters.Added,
			r.Counters.Updated,
			r.Counters.Pending,
			r.Counters.Conflicts,
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatBatchRun writes one run's counters to out.
func formatBatchRun(out io.Writer, r *model.BatchRun) {
	w := newTable(out)
	_, _ = fmt.Fprintf(w, "ID:\t%s\n", r.ID)
	_, _ = fmt.Fprintf(w, "Kind:\t%s\n", r.Kind)
	if r.SourceKey != "" {
		_, _ = fmt.Fprintf(w, "Source:\t%s\n", r.SourceKey)
	}
	_, _ = fmt.Fprintf(w, "Mode:\t%s\n", r.Mode)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", r.Status)
	_, _ = fmt.Fprintf(w, "Started:\t%s\n", r.StartedAt.Format(time.RFC3339))
	if r.FinishedAt != nil {
		_, _ = fmt.Fprintf(w, "Finished:\t%s\n", r.FinishedAt.Format(time.RFC3339))
	}
	c := r.Counters
	_, _ = fmt.Fprintf(w, "Total:\t%d\n", c.Total)
	_, _ = fmt.Fprintf(w, "  Parsed:\t%d\n", c.Parsed)
	_, _ = fmt.Fprintf(w, "  Success:\t%d\n", c.Success)
	_, _ = fmt.Fprintf(w, "  Failed:\t%d\n", c.Failed)
	_, _ = fmt.Fprintf(w, "Added:\t%d\n", c.Added)
	_, _ = fmt.Fprintf(w, "Updated:\t%d\n", c.Updated)
	_, _ = fmt.Fprintf(w, "Unchanged:\t%d\n", c.Unchanged)
	_, _ = fmt.Fprintf(w, "Removed:\t%d\n", c.Removed)
	_, _ = fmt.Fprintf(w, "Missing key:\t%d\n", c.Missing)
	_, _ = fmt.Fprintf(w, "Rejected:\t%d\n", c.Rejected)
	_, _ = fmt.Fprintf(w, "Pending:\t%d\n", c.Pending)
	_, _ = fmt.Fprintf(w, "Conflicts:\t%d\n", c.Conflicts)
	_, _ = fmt.Fprintf(w, "Changes:\t%d\n", c.Changes)
	if r.Error != "" {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", r.Error)
	}
	_ = w.Flush()
}

func formatPending(out io.Writer, items []model.PendingItem) {
	w := newTable(out)
	_, _ = fmt.Fprintln(w, "ID\tSOURCE\tREASON\tSTATUS\tBATCH\tCREATED\tDETAIL")
	_, _ = fmt.Fprintln(w, "--\t------\t------\t------\t-----\t-------\t------")
	for _, p := range items {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID, p.SourceKey, p.Reason, p.Status, p.BatchID,
			p.CreatedAt.Format("2006-01-02 15:04"), truncate(p.Detail, 40))
	}
	_ = w.Flush()
}

func formatConflicts(out io.Writer, items []model.ConflictItem) {
	w := newTable(out)
	_, _ = fmt.Fprintln(w, "ID\tREG_NO\tFIELD\tSTATUS\tCANDIDATES")
	_, _ = fmt.Fprintln(w, "--\t------\t-----\t------\t----------")
	for _, c := range items {
		cands := make([]string, 0, len(c.Candidates))
		for _, cand := range c.Candidates {
			cands = append(cands, fmt.Sprintf("%s=%q", cand.Provenance.Source, cand.Value))
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			c.ID, c.RegistrationNo, c.Field, c.Status, strings.Join(cands, ", "))
	}
	_ = w.Flush()
}

func formatArchives(out io.Writer, list []model.ArchiveBatch) {
	w := newTable(out)
	_, _ = fmt.Fprintln(w, "ID\tREGISTRATIONS\tDEPENDENTS\tCONFLICTS\tWINDOW\tCREATED\tROLLED_BACK\tREASON")
	_, _ = fmt.Fprintln(w, "--\t-------------\t----------\t---------\t------\t-------\t-----------\t------")
	for _, a := range list {
		rolled := ""
		if a.RolledBackAt != nil {
			rolled = a.RolledBackAt.Format("2006-01-02 15:04")
		}
		window := ""
		if a.WindowFrom != "" {
			window = a.WindowFrom + ".." + a.WindowTo
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%s\t%s\t%s\n",
			a.ID, a.Counts.Registrations, a.Counts.Dependents, a.Counts.Conflicts,
			window, a.CreatedAt.Format("2006-01-02 15:04"), rolled, truncate(a.Reason, 40))
	}
	_ = w.Flush()
}

func formatMismatches(out io.Writer, rows []store.RegNoMismatch) {
	w := newTable(out)
	_, _ = fmt.Fprintln(w, "DEPENDENT\tKIND\tNATURAL_KEY\tCACHED\tACTUAL")
	for _, r := range rows {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", r.DependentID, r.Kind, r.NaturalKey, r.CachedRegNo, r.ActualRegNo)
	}
	_ = w.Flush()
}

func formatDangling(out io.Writer, rows []store.DanglingDependent) {
	w := newTable(out)
	_, _ = fmt.Fprintln(w, "DEPENDENT\tKIND\tNATURAL_KEY\tREGISTRATION_ID\tCACHED")
	for _, r := range rows {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", r.DependentID, r.Kind, r.NaturalKey, r.RegistrationID, r.CachedRegNo)
	}
	_ = w.Flush()
}

func formatStats(out io.Writer, stats []store.DailyStat) {
	w := newTable(out)
	_, _ = fmt.Fprintln(w, "DAY\tENTITY\tCOUNT")
	for _, s := range stats {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\n", s.Day, s.Entity, s.Count)
	}
	_ = w.Flush()
}

func formatSettings(out io.Writer, settings map[string]string) {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w := newTable(out)
	_, _ = fmt.Fprintln(w, "KEY\tVALUE")
	for _, k := range keys {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", k, settings[k])
	}
	_ = w.Flush()
}

// truncate shortens s to n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
