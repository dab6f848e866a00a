package ingest

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for ingest batches.
type Metrics struct {
	// Records by source and outcome
	Records *prometheus.CounterVec

	// Pending items by source and reason
	Pending *prometheus.CounterVec

	// Undecidable field conflicts by source
	Conflicts *prometheus.CounterVec

	// Finished batches by source, mode and status
	Batches *prometheus.CounterVec

	BatchDuration *prometheus.HistogramVec
}

// NewMetrics registers the ingest metrics with reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Records: f.NewCounterVec(prometheus.CounterOpts{
			Name: "regsync_ingest_records_total",
			Help: "Records processed by source and outcome",
		}, []string{"source", "outcome"}),

		Pending: f.NewCounterVec(prometheus.CounterOpts{
			Name: "regsync_ingest_pending_total",
			Help: "Records parked in the pending queue by source and reason",
		}, []string{"source", "reason"}),

		Conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "regsync_ingest_conflicts_total",
			Help: "Undecidable field conflicts raised by source",
		}, []string{"source"}),

		Batches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "regsync_ingest_batches_total",
			Help: "Finished ingest batches by source, mode and status",
		}, []string{"source", "mode", "status"}),

		BatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "regsync_ingest_batch_duration_seconds",
			Help:    "Duration of ingest batches by source",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"source"}),
	}
}

// ObserveRecord records one record result.
func (m *Metrics) ObserveRecord(source string, r RecordResult) {
	if m == nil {
		return
	}
	m.Records.WithLabelValues(source, string(r.Outcome)).Inc()
	if r.Reason != "" {
		m.Pending.WithLabelValues(source, string(r.Reason)).Inc()
	}
	if r.Conflicts > 0 {
		m.Conflicts.WithLabelValues(source).Add(float64(r.Conflicts))
	}
}

// ObserveBatch records a finished batch.
func (m *Metrics) ObserveBatch(source, mode, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.Batches.WithLabelValues(source, mode, status).Inc()
	m.BatchDuration.WithLabelValues(source).Observe(d.Seconds())
}
