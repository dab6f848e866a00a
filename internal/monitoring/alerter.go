package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/regsync/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertBatchFailure    AlertType = "batch_failure"
	AlertMissingKeyRatio AlertType = "missing_key_ratio"
	AlertOpenConflicts   AlertType = "open_conflicts"
	AlertOpenPending     AlertType = "open_pending"
)

// minRecordsForRatio keeps a handful of bad rows from tripping the ratio alert.
const minRecordsForRatio = 20

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if snap.FailedRuns > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertBatchFailure,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d ingest batch(es) failed in last %dh",
				snap.FailedRuns, snap.LookbackHours,
			),
			Details: map[string]any{
				"failed_runs": snap.FailedRuns,
				"runs":        snap.Runs,
				"fail_rate":   snap.FailRate,
			},
			Timestamp: now,
		})
	}

	if a.cfg.MissingKeyRatio > 0 && snap.Records >= minRecordsForRatio && snap.MissingKeyRatio > a.cfg.MissingKeyRatio {
		alerts = append(alerts, Alert{
			Type:     AlertMissingKeyRatio,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%.1f%% of records had no registration number (threshold %.1f%%, %d / %d in last %dh)",
				snap.MissingKeyRatio*100, a.cfg.MissingKeyRatio*100,
				snap.MissingKey, snap.Records, snap.LookbackHours,
			),
			Details: map[string]any{
				"ratio":       snap.MissingKeyRatio,
				"threshold":   a.cfg.MissingKeyRatio,
				"missing_key": snap.MissingKey,
				"records":     snap.Records,
			},
			Timestamp: now,
		})
	}

	if a.cfg.OpenConflictThreshold > 0 && snap.OpenConflicts > int64(a.cfg.OpenConflictThreshold) {
		alerts = append(alerts, Alert{
			Type:     AlertOpenConflicts,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d open conflict items exceed threshold %d",
				snap.OpenConflicts, a.cfg.OpenConflictThreshold,
			),
			Details: map[string]any{
				"open_conflicts": snap.OpenConflicts,
				"threshold":      a.cfg.OpenConflictThreshold,
			},
			Timestamp: now,
		})
	}

	if a.cfg.OpenPendingThreshold > 0 && snap.OpenPending > int64(a.cfg.OpenPendingThreshold) {
		alerts = append(alerts, Alert{
			Type:     AlertOpenPending,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d open pending items exceed threshold %d",
				snap.OpenPending, a.cfg.OpenPendingThreshold,
			),
			Details: map[string]any{
				"open_pending": snap.OpenPending,
				"threshold":    a.cfg.OpenPendingThreshold,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
