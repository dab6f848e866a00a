package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/regsync/internal/config"
	"github.com/sells-group/regsync/internal/store"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{CheckIntervalSecs: 1, LookbackWindowHours: 24}
	checker := NewChecker(NewCollector(&mockLedger{sum: &store.LedgerSummary{}}), NewAlerter(cfg), nil, cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(&mockLedger{sum: &store.LedgerSummary{}}), NewAlerter(config.MonitoringConfig{}), nil, config.MonitoringConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_CheckUpdatesGauges(t *testing.T) {
	cfg := config.MonitoringConfig{LookbackWindowHours: 24, OpenConflictThreshold: 10}
	gauges := NewGauges(prometheus.NewRegistry())
	ledger := &mockLedger{sum: &store.LedgerSummary{OpenPending: 3, OpenConflicts: 12}}
	checker := NewChecker(NewCollector(ledger), NewAlerter(cfg), gauges, cfg)

	alerts := checker.Check(context.Background())
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertOpenConflicts, alerts[0].Type)
	assert.InDelta(t, 3, testutil.ToFloat64(gauges.OpenPending), 1e-9)
	assert.InDelta(t, 12, testutil.ToFloat64(gauges.OpenConflicts), 1e-9)
}
