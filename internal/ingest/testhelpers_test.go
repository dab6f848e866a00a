package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/regsync/internal/config"
	"github.com/sells-group/regsync/internal/model"
	"github.com/sells-group/regsync/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const nmpaHeader = "注册证编号,状态,注册人名称,产品名称,管理类别,批准日期,有效期至,更新日期\n"

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, config.StoreConfig{
		Driver:      "sqlite",
		DatabaseURL: filepath.Join(t.TempDir(), "regsync.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))
	return st
}

func newTestService(t *testing.T, sources map[string]config.SourceConfig) *Service {
	t.Helper()
	cfg := &config.Config{
		Pipeline: config.PipelineConfig{
			MaxConcurrentSources: 2,
			TempDir:              t.TempDir(),
			LeaseTTLSecs:         60,
			BackfillPageSize:     2,
		},
		Sources: sources,
	}
	return NewService(cfg, newTestStore(t), Options{
		Metrics: NewMetrics(prometheus.NewRegistry()),
		Now:     func() time.Time { return time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC) },
	})
}

// writeCSV writes an NMPA export with the standard header and the given rows.
func writeCSV(t *testing.T, rows ...string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "registrations.csv")
	require.NoError(t, os.WriteFile(p, []byte(nmpaHeader+strings.Join(rows, "\n")+"\n"), 0o644))
	return p
}

func nmpaSource(path, grade string, priority int) config.SourceConfig {
	return config.SourceConfig{
		Enabled: true,
		Adapter: "nmpa_registration",
		Fetch:   config.SourceFetchConfig{URL: path},
		Parse:   config.SourceParseConfig{DefaultGrade: grade},
		Upsert:  config.SourceUpsertConfig{Priority: priority},
	}
}

func metaA(key string) model.SourceMeta {
	return model.SourceMeta{Key: key, Grade: model.GradeA, Priority: 10, Strategy: model.StrategyArbitrate, AllowOverwrite: true}
}

// applyOne gates and applies a payload in its own transaction.
func applyOne(t *testing.T, st *store.Store, o *Orchestrator, meta model.SourceMeta, batchID string, p *model.Payload) *Applied {
	t.Helper()
	g := Gate(p)
	require.True(t, g.OK(), "gate: %s %s", g.Reason, g.Detail)
	var out *Applied
	require.NoError(t, st.InTx(context.Background(), func(q *store.Queries) error {
		a, err := o.Apply(context.Background(), q, Input{
			Anchor:     g.Anchor,
			Payload:    p,
			Meta:       meta,
			BatchID:    batchID,
			ObservedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		})
		out = a
		return err
	}))
	return out
}

func seedBatch(t *testing.T, st *store.Store, source string) *model.BatchRun {
	t.Helper()
	b := &model.BatchRun{Kind: model.BatchIngest, SourceKey: source, Mode: model.ModeExecute}
	require.NoError(t, st.CreateBatchRun(context.Background(), b))
	return b
}
