package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/regsync/internal/store"
)

// MetricsSnapshot holds a point-in-time view of ingest health.
type MetricsSnapshot struct {
	// Ingest batches started within the lookback window.
	Runs        int64   `json:"runs"`
	FailedRuns  int64   `json:"failed_runs"`
	RunningRuns int64   `json:"running_runs"`
	FailRate    float64 `json:"fail_rate"`

	// Record counters summed over those batches.
	Records         int64   `json:"records"`
	MissingKey      int64   `json:"missing_key"`
	MissingKeyRatio float64 `json:"missing_key_ratio"`
	Rejected        int64   `json:"rejected"`
	Conflicts       int64   `json:"conflicts"`

	// Queue depth right now.
	OpenPending   int64 `json:"open_pending"`
	OpenConflicts int64 `json:"open_conflicts"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// LedgerReader is the store method the collector needs.
type LedgerReader interface {
	SummarizeLedger(ctx context.Context, since time.Time) (*store.LedgerSummary, error)
}

// Collector gathers metrics from the batch ledger.
type Collector struct {
	ledger LedgerReader
}

// NewCollector creates a new metrics collector.
func NewCollector(ledger LedgerReader) *Collector {
	return &Collector{ledger: ledger}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	sum, err := c.ledger.SummarizeLedger(ctx, now.Add(-time.Duration(lookbackHours)*time.Hour))
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: summarize ledger")
	}

	snap.Runs = sum.Runs
	snap.FailedRuns = sum.FailedRuns
	snap.RunningRuns = sum.RunningRuns
	snap.Records = sum.Total
	snap.MissingKey = sum.Missing
	snap.Rejected = sum.Rejected
	snap.Conflicts = sum.Conflicts
	snap.OpenPending = sum.OpenPending
	snap.OpenConflicts = sum.OpenConflicts

	if finished := sum.Runs - sum.RunningRuns; finished > 0 {
		snap.FailRate = float64(sum.FailedRuns) / float64(finished)
	}
	if sum.Total > 0 {
		snap.MissingKeyRatio = float64(sum.Missing) / float64(sum.Total)
	}
	return snap, nil
}
