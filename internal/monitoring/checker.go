// Package monitoring watches the batch ledger and queue depth and raises
// webhook alerts when thresholds are crossed.
package monitoring

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/sells-group/regsync/internal/config"
)

// Gauges mirror the latest snapshot for Prometheus scrapes.
type Gauges struct {
	OpenPending   prometheus.Gauge
	OpenConflicts prometheus.Gauge
	FailRate      prometheus.Gauge
}

// NewGauges registers the queue gauges with reg.
func NewGauges(reg prometheus.Registerer) *Gauges {
	f := promauto.With(reg)
	return &Gauges{
		OpenPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "regsync_open_pending_items",
			Help: "Open items in the pending queue",
		}),
		OpenConflicts: f.NewGauge(prometheus.GaugeOpts{
			Name: "regsync_open_conflict_items",
			Help: "Open items in the conflict queue",
		}),
		FailRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "regsync_ingest_fail_rate",
			Help: "Share of finished ingest batches that failed in the lookback window",
		}),
	}
}

func (g *Gauges) observe(snap *MetricsSnapshot) {
	if g == nil {
		return
	}
	g.OpenPending.Set(float64(snap.OpenPending))
	g.OpenConflicts.Set(float64(snap.OpenConflicts))
	g.FailRate.Set(snap.FailRate)
}

// Checker runs periodic alert checks in the background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	gauges    *Gauges
	cfg       config.MonitoringConfig
}

// NewChecker creates a background alert checker. gauges may be nil.
func NewChecker(collector *Collector, alerter *Alerter, gauges *Gauges, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		gauges:    gauges,
		cfg:       cfg,
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check collects one snapshot, updates the gauges and sends any alerts.
// It returns the alerts that fired.
func (c *Checker) Check(ctx context.Context) []Alert {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return nil
	}
	c.gauges.observe(snap)

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return nil
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return alerts
}
