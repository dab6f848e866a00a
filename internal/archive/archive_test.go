package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/regsync/internal/config"
	"github.com/sells-group/regsync/internal/ingest"
	"github.com/sells-group/regsync/internal/model"
	"github.com/sells-group/regsync/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const nmpaHeader = "注册证编号,状态,注册人名称,产品名称,管理类别,批准日期,有效期至,更新日期\n"

var fixedNow = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func nmpa(path string) config.SourceConfig {
	return config.SourceConfig{
		Enabled: true,
		Adapter: "nmpa_registration",
		Fetch:   config.SourceFetchConfig{URL: path},
		Parse:   config.SourceParseConfig{DefaultGrade: "A"},
		Upsert:  config.SourceUpsertConfig{Priority: 10},
	}
}

type fixture struct {
	st   *store.Store
	mgr  *Manager
	runA *model.BatchRun
}

// seed loads two registrations from source a, a conflicting status from
// source b and one device identifier bound to the first registration.
func seed(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	a := writeFile(t, "a.csv", nmpaHeader+
		"国械注准20223170001,ACTIVE,甲医疗器械有限公司,注射器,III,,,2026-01-05\n"+
		"国械注准20223170002,ACTIVE,乙医疗器械有限公司,输液器,II,,,2026-01-05\n")
	b := writeFile(t, "b.csv", nmpaHeader+
		"国械注准20223170001,CANCELLED,甲医疗器械有限公司,,,,,2026-01-05\n")
	udi := writeFile(t, "udi.xml", `<?xml version="1.0" encoding="UTF-8"?>
<udid><devices><device>
  <zxxsdycpbs>06901234567892</zxxsdycpbs>
  <zczbhhzbapzbh>国械注准20223170001</zczbhhzbapzbh>
  <ggxh>5ml</ggxh>
</device></devices></udid>`)

	cfg := &config.Config{
		Pipeline: config.PipelineConfig{MaxConcurrentSources: 1, TempDir: t.TempDir(), LeaseTTLSecs: 60},
		Archive:  config.ArchiveConfig{RecomputeWindowDays: 31},
		Sources: map[string]config.SourceConfig{
			"a": nmpa(a),
			"b": nmpa(b),
			"udi": {
				Enabled: true,
				Adapter: "udi_di",
				Fetch:   config.SourceFetchConfig{URL: udi},
				Parse:   config.SourceParseConfig{DefaultGrade: "B"},
			},
		},
	}

	st, err := store.Open(ctx, config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "regsync.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))
	st.SetClock(func() time.Time { return fixedNow })

	svc := ingest.NewService(cfg, st, ingest.Options{Now: func() time.Time { return fixedNow }})
	runA, err := svc.RunSource(ctx, "a", ingest.RunOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 2, runA.Counters.Added)
	runB, err := svc.RunSource(ctx, "b", ingest.RunOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 1, runB.Counters.Conflicts)
	_, err = svc.RunSource(ctx, "udi", ingest.RunOptions{})
	require.NoError(t, err)

	return fixture{st: st, mgr: NewManager(cfg, st, func() time.Time { return fixedNow }), runA: runA}
}

func registrationStat(t *testing.T, st *store.Store) int64 {
	t.Helper()
	stats, err := st.ListDailyStats(context.Background(), "2026-03-01", "2026-03-01")
	require.NoError(t, err)
	for _, s := range stats {
		if s.Entity == "registration" {
			return s.Count
		}
	}
	return 0
}

// Scenario: archive everything a run created, then roll it back twice.
func TestArchiveAndRollback(t *testing.T) {
	f := seed(t)
	ctx := context.Background()

	res, err := f.mgr.Archive(ctx, Request{BatchID: "cleanup_20260301", Reason: "bad province file", RunID: f.runA.ID})
	require.NoError(t, err)
	archived := res.Archive.Counts
	assert.EqualValues(t, 2, archived.Registrations)
	assert.EqualValues(t, 1, archived.Dependents)
	assert.EqualValues(t, 1, archived.Conflicts)
	assert.Positive(t, archived.ChangeRecords)
	assert.Positive(t, res.Evidence)
	assert.Equal(t, model.BatchArchive, res.Run.Kind)
	assert.EqualValues(t, 4, res.Run.Counters.Removed)
	assert.Equal(t, "2026-03-01", res.Archive.WindowFrom)

	n, err := f.st.CountRegistrations(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	deps, err := f.st.CountDependents(ctx)
	require.NoError(t, err)
	assert.Zero(t, deps)
	assert.Zero(t, registrationStat(t, f.st))

	// change records stay readable after archival
	changes, err := f.st.ListChangeRecords(ctx, store.ChangeFilter{BatchID: f.runA.ID})
	require.NoError(t, err)
	assert.NotEmpty(t, changes)
	require.NotNil(t, changes[0].EvidenceID)
	ev, err := f.st.GetEvidence(ctx, *changes[0].EvidenceID)
	require.NoError(t, err)
	assert.Equal(t, "cleanup_20260301", ev.ArchiveBatchID)

	_, err = f.mgr.Archive(ctx, Request{BatchID: "cleanup_20260301", Reason: "again", RunID: f.runA.ID})
	assert.ErrorIs(t, err, ErrArchiveExists)

	back, err := f.mgr.Rollback(ctx, "cleanup_20260301")
	require.NoError(t, err)
	assert.Equal(t, archived.Registrations, back.Restored.Registrations)
	assert.Equal(t, archived.Dependents, back.Restored.Dependents)
	assert.Equal(t, archived.Conflicts, back.Restored.Conflicts)
	assert.Equal(t, model.BatchRollback, back.Run.Kind)
	assert.EqualValues(t, 4, back.Run.Counters.Added)
	require.NotNil(t, back.Archive.RolledBackAt)
	assert.EqualValues(t, 2, registrationStat(t, f.st))

	reg, err := f.st.GetRegistrationByNo(ctx, "国械注准20223170001", false)
	require.NoError(t, err)
	assert.Equal(t, "ACTIVE", reg.Status)
	d, err := f.st.GetDependent(ctx, model.KindDeviceVariant, "06901234567892", false)
	require.NoError(t, err)
	assert.Equal(t, reg.ID, d.RegistrationID)
	dangling, err := f.st.DanglingDependents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dangling)

	again, err := f.mgr.Rollback(ctx, "cleanup_20260301")
	require.NoError(t, err)
	assert.Zero(t, again.Restored.Total())
	assert.Zero(t, again.Run.Counters.Added)
}

func TestArchive_ByRegistrationNo(t *testing.T) {
	f := seed(t)
	ctx := context.Background()

	res, err := f.mgr.Archive(ctx, Request{
		BatchID:         "cleanup_one",
		Reason:          "withdrawn",
		RegistrationNos: []string{"国械注准 20223170002号"},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Archive.Counts.Registrations)
	assert.Zero(t, res.Archive.Counts.Dependents)
	assert.Equal(t, "reg_no=国械注准 20223170002号", res.Archive.Selector)

	n, err := f.st.CountRegistrations(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	list, err := f.mgr.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "cleanup_one", list[0].ID)
}

func TestArchive_Rejections(t *testing.T) {
	f := seed(t)
	ctx := context.Background()

	_, err := f.mgr.Archive(ctx, Request{BatchID: "x", Reason: "r"})
	assert.ErrorIs(t, err, ErrNoSelector)

	_, err = f.mgr.Archive(ctx, Request{BatchID: "nothing", Reason: "r", RegistrationNos: []string{"国械注准20990000001"}})
	assert.ErrorIs(t, err, ErrNothingSelected)
	_, err = f.mgr.Get(ctx, "nothing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	failed, err := f.st.ListBatchRuns(ctx, store.BatchFilter{Kind: model.BatchArchive, Status: model.BatchFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Error, "no live registrations")

	_, err = f.mgr.Rollback(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClampWindow(t *testing.T) {
	tests := []struct {
		name     string
		from, to string
		days     int
		wantFrom string
		wantOK   bool
	}{
		{"inside window", "2026-02-20", "2026-03-01", 31, "2026-02-20", true},
		{"clamped", "2025-01-01", "2026-03-01", 31, "2026-01-30", true},
		{"single day", "2026-03-01", "2026-03-01", 1, "2026-03-01", true},
		{"disabled", "2026-03-01", "2026-03-01", 0, "", false},
		{"empty", "", "", 31, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			from, _, ok := clampWindow(tt.from, tt.to, tt.days)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantFrom, from)
		})
	}
}
