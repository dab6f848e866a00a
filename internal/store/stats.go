package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

// DailyStat is one derived per-day count.
type DailyStat struct {
	Day    string `json:"day"`
	Entity string `json:"entity"`
	Count  int64  `json:"count"`
}

// RecomputeDailyStats rebuilds daily_stats for every day in [from, to]
// (YYYY-MM-DD, inclusive) from the live tables.
func (q *Queries) RecomputeDailyStats(ctx context.Context, from, to string) error {
	if from == "" || to == "" {
		return nil
	}
	if _, err := q.q.Exec(ctx, "DELETE FROM daily_stats WHERE day >= $1 AND day <= $2", from, to); err != nil {
		return eris.Wrap(err, "store: clear daily stats")
	}
	now := q.Now()
	for entity, table := range map[string]string{"registration": "registrations", "dependent": "dependents"} {
		counts, err := q.countByDay(ctx, table, from, to)
		if err != nil {
			return err
		}
		for _, c := range counts {
			if _, err := q.q.Exec(ctx,
				"INSERT INTO daily_stats (day, entity, count, computed_at) VALUES ($1, $2, $3, $4)",
				c.Day, entity, c.Count, now,
			); err != nil {
				return eris.Wrapf(err, "store: write daily stat %s/%s", entity, c.Day)
			}
		}
	}
	return nil
}

func (q *Queries) countByDay(ctx context.Context, table, from, to string) ([]DailyStat, error) {
	rows, err := q.q.Query(ctx,
		"SELECT created_day, COUNT(*) FROM "+table+" WHERE created_day >= $1 AND created_day <= $2 GROUP BY created_day ORDER BY created_day",
		from, to)
	if err != nil {
		return nil, eris.Wrapf(err, "store: count %s by day", table)
	}
	defer rows.Close()

	var out []DailyStat
	for rows.Next() {
		var s DailyStat
		if err := rows.Scan(&s.Day, &s.Count); err != nil {
			return nil, eris.Wrap(err, "store: scan day count")
		}
		out = append(out, s)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate day counts")
}

// ListDailyStats returns stats in [from, to] ordered by day then entity.
func (q *Queries) ListDailyStats(ctx context.Context, from, to string) ([]DailyStat, error) {
	rows, err := q.q.Query(ctx,
		"SELECT day, entity, count FROM daily_stats WHERE day >= $1 AND day <= $2 ORDER BY day, entity",
		from, to)
	if err != nil {
		return nil, eris.Wrap(err, "store: list daily stats")
	}
	defer rows.Close()

	var out []DailyStat
	for rows.Next() {
		var s DailyStat
		if err := rows.Scan(&s.Day, &s.Entity, &s.Count); err != nil {
			return nil, eris.Wrap(err, "store: scan daily stat")
		}
		out = append(out, s)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate daily stats")
}

// LedgerSummary aggregates recent batch runs for monitoring.
type LedgerSummary struct {
	Since         time.Time `json:"since"`
	Runs          int64     `json:"runs"`
	FailedRuns    int64     `json:"failed_runs"`
	RunningRuns   int64     `json:"running_runs"`
	Total         int64     `json:"total"`
	Missing       int64     `json:"missing_key"`
	Rejected      int64     `json:"rejected"`
	Conflicts     int64     `json:"conflicts"`
	OpenPending   int64     `json:"open_pending"`
	OpenConflicts int64     `json:"open_conflicts"`
}

// SummarizeLedger totals ingest batches started since the given time and
// counts the currently open queue items.
func (q *Queries) SummarizeLedger(ctx context.Context, since time.Time) (*LedgerSummary, error) {
	s := &LedgerSummary{Since: since.UTC()}
	err := q.q.QueryRow(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(total), 0), COALESCE(SUM(missing_key), 0),
			COALESCE(SUM(rejected), 0), COALESCE(SUM(conflicts), 0)
		FROM batch_runs WHERE kind = 'ingest' AND mode = 'execute' AND started_at >= $1`,
		s.Since,
	).Scan(&s.Runs, &s.FailedRuns, &s.RunningRuns, &s.Total, &s.Missing, &s.Rejected, &s.Conflicts)
	if err != nil {
		return nil, eris.Wrap(err, "store: summarize ledger")
	}
	if s.OpenPending, err = q.CountPending(ctx, "open"); err != nil {
		return nil, err
	}
	if s.OpenConflicts, err = q.CountConflicts(ctx, "open"); err != nil {
		return nil, err
	}
	return s, nil
}
