package model

import "time"

// BatchKind distinguishes what a batch run did.
type BatchKind string

const (
	BatchIngest   BatchKind = "ingest"
	BatchManual   BatchKind = "manual"
	BatchArchive  BatchKind = "archive"
	BatchRollback BatchKind = "rollback"
	BatchBackfill BatchKind = "backfill"
)

// BatchMode is execute or dry_run.
type BatchMode string

const (
	ModeExecute BatchMode = "execute"
	ModeDryRun  BatchMode = "dry_run"
)

// BatchStatus is the lifecycle state of a batch run.
type BatchStatus string

const (
	BatchRunning BatchStatus = "running"
	BatchSuccess BatchStatus = "success"
	BatchFailed  BatchStatus = "failed"
)

// Counters are the per-batch tallies recorded on the ledger.
type Counters struct {
	Total     int64 `json:"total"`
	Parsed    int64 `json:"parsed"`
	Success   int64 `json:"success"`
	Failed    int64 `json:"failed"`
	Added     int64 `json:"added"`
	Updated   int64 `json:"updated"`
	Unchanged int64 `json:"unchanged"`
	Removed   int64 `json:"removed"`
	Missing   int64 `json:"missing_key"`
	Rejected  int64 `json:"rejected"`
	Pending   int64 `json:"pending"`
	Conflicts int64 `json:"conflicts"`
	Changes   int64 `json:"changes"`
}

// Add accumulates o into c.
func (c *Counters) Add(o Counters) {
	c.Total += o.Total
	c.Parsed += o.Parsed
	c.Success += o.Success
	c.Failed += o.Failed
	c.Added += o.Added
	c.Updated += o.Updated
	c.Unchanged += o.Unchanged
	c.Removed += o.Removed
	c.Missing += o.Missing
	c.Rejected += o.Rejected
	c.Pending += o.Pending
	c.Conflicts += o.Conflicts
	c.Changes += o.Changes
}

// BatchRun is one execution of the pipeline or a maintenance operation.
type BatchRun struct {
	ID             string      `json:"id"`
	Kind           BatchKind   `json:"kind"`
	SourceKey      string      `json:"source_key"`
	Mode           BatchMode   `json:"mode"`
	Status         BatchStatus `json:"status"`
	StartedAt      time.Time   `json:"started_at"`
	FinishedAt     *time.Time  `json:"finished_at,omitempty"`
	Counters       Counters    `json:"counters"`
	Error          string      `json:"error,omitempty"`
	ConfigSnapshot []byte      `json:"-"`
}

// Duration returns the elapsed time, or time since start while running.
func (b *BatchRun) Duration(now time.Time) time.Duration {
	if b.FinishedAt != nil {
		return b.FinishedAt.Sub(b.StartedAt)
	}
	return now.Sub(b.StartedAt)
}
