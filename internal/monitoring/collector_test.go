package monitoring

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/regsync/internal/config"
	"github.com/sells-group/regsync/internal/model"
	"github.com/sells-group/regsync/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type mockLedger struct {
	sum   *store.LedgerSummary
	err   error
	since time.Time
}

func (m *mockLedger) SummarizeLedger(_ context.Context, since time.Time) (*store.LedgerSummary, error) {
	m.since = since
	if m.err != nil {
		return nil, m.err
	}
	return m.sum, nil
}

func TestCollector_Collect(t *testing.T) {
	ledger := &mockLedger{sum: &store.LedgerSummary{
		Runs:          5,
		FailedRuns:    1,
		RunningRuns:   1,
		Total:         200,
		Missing:       50,
		Rejected:      3,
		Conflicts:     7,
		OpenPending:   60,
		OpenConflicts: 9,
	}}

	snap, err := NewCollector(ledger).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.EqualValues(t, 5, snap.Runs)
	assert.InDelta(t, 0.25, snap.FailRate, 1e-9)
	assert.InDelta(t, 0.25, snap.MissingKeyRatio, 1e-9)
	assert.EqualValues(t, 9, snap.OpenConflicts)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), ledger.since, time.Minute)
}

func TestCollector_EmptyLedger(t *testing.T) {
	snap, err := NewCollector(&mockLedger{sum: &store.LedgerSummary{}}).Collect(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, snap.FailRate)
	assert.Zero(t, snap.MissingKeyRatio)
}

func TestCollector_Error(t *testing.T) {
	_, err := NewCollector(&mockLedger{err: errors.New("db down")}).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: summarize ledger")
}

func TestCollector_SQLiteLedger(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "regsync.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	for _, status := range []model.BatchStatus{model.BatchSuccess, model.BatchFailed} {
		b := &model.BatchRun{Kind: model.BatchIngest, SourceKey: "nmpa"}
		require.NoError(t, st.CreateBatchRun(ctx, b))
		require.NoError(t, st.FinishBatchRun(ctx, b.ID, status, model.Counters{Total: 10, Missing: 4}, ""))
	}

	snap, err := NewCollector(st).Collect(ctx, 24)
	require.NoError(t, err)
	assert.EqualValues(t, 2, snap.Runs)
	assert.EqualValues(t, 1, snap.FailedRuns)
	assert.InDelta(t, 0.5, snap.FailRate, 1e-9)
	assert.EqualValues(t, 20, snap.Records)
	assert.InDelta(t, 0.4, snap.MissingKeyRatio, 1e-9)
}
