package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/regsync/internal/config"
	"github.com/sells-group/regsync/internal/fetcher"
	"github.com/sells-group/regsync/internal/lease"
	"github.com/sells-group/regsync/internal/model"
	"github.com/sells-group/regsync/internal/source"
	"github.com/sells-group/regsync/internal/store"
)

// Scenario: a higher-grade source overwrites a lower-grade value and the
// change record shows old and new.
func TestRunSource_GradeWinsOverwrite(t *testing.T) {
	low := writeCSV(t, "国械注准20223170001,有效,甲医疗器械有限公司,注射器,III,2022-03-01,2027-02-28,2026-01-05")
	high := writeCSV(t, "国械注准20223170001,有效,甲医疗器械有限公司,一次性使用无菌注射器,III,2022-03-01,2027-02-28,2026-01-05")
	svc := newTestService(t, map[string]config.SourceConfig{
		"province": nmpaSource(low, "B", 50),
		"nmpa":     nmpaSource(high, "A", 10),
	})
	ctx := context.Background()

	first, err := svc.RunSource(ctx, "province", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.BatchSuccess, first.Status)
	assert.EqualValues(t, 1, first.Counters.Added)

	second, err := svc.RunSource(ctx, "nmpa", RunOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, second.Counters.Updated)
	assert.EqualValues(t, 1, second.Counters.Changes)

	changes, err := svc.Store().ListChangeRecords(ctx, store.ChangeFilter{BatchID: second.ID})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	c := changes[0]
	assert.Equal(t, model.FieldProductName, c.Field)
	assert.Equal(t, "注射器", *c.Before)
	assert.Equal(t, "一次性使用无菌注射器", *c.After)
	assert.Equal(t, "nmpa", c.SourceKey)
	require.NotNil(t, c.EvidenceID)

	stored, err := svc.Store().GetBatchRun(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchSuccess, stored.Status)
	assert.Contains(t, string(stored.ConfigSnapshot), `"nmpa"`)
	assert.NotContains(t, string(stored.ConfigSnapshot), `"province"`)
}

// Scenario: a record without a registration number is parked and nothing
// reaches the registrations table.
func TestRunSource_MissingRegNoIsParked(t *testing.T) {
	path := writeCSV(t, ",有效,甲医疗器械有限公司,注射器,III,,,")
	svc := newTestService(t, map[string]config.SourceConfig{"nmpa": nmpaSource(path, "A", 10)})
	ctx := context.Background()

	run, err := svc.RunSource(ctx, "nmpa", RunOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, run.Counters.Missing)
	assert.EqualValues(t, 1, run.Counters.Pending)

	n, err := svc.Store().CountRegistrations(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	items, err := svc.ListPending(ctx, PendingQuery{Reason: "missing-reg-no"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, model.ReasonNoRegNo, items[0].Reason)
	assert.NotNil(t, items[0].EvidenceID)
	assert.Equal(t, "nmpa", items[0].Candidates.Source.Key)
}

// Scenario: equal grade, priority and observed time with different values
// opens a conflict and leaves the stored value alone.
func TestRunSource_TieOpensConflict(t *testing.T) {
	a := writeCSV(t, "国械注准20223170001,ACTIVE,甲医疗器械有限公司,,,,,2026-01-05")
	b := writeCSV(t, "国械注准20223170001,CANCELLED,甲医疗器械有限公司,,,,,2026-01-05")
	svc := newTestService(t, map[string]config.SourceConfig{
		"a": nmpaSource(a, "A", 10),
		"b": nmpaSource(b, "A", 10),
	})
	ctx := context.Background()

	_, err := svc.RunSource(ctx, "a", RunOptions{})
	require.NoError(t, err)
	run, err := svc.RunSource(ctx, "b", RunOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, run.Counters.Conflicts)
	assert.Zero(t, run.Counters.Rejected)
	assert.EqualValues(t, 1, run.Counters.Unchanged)

	open, err := svc.ListConflicts(ctx, store.ConflictFilter{Status: model.ConflictOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, model.FieldStatus, open[0].Field)

	reg, err := svc.Store().GetRegistrationByNo(ctx, "国械注准20223170001", false)
	require.NoError(t, err)
	assert.Equal(t, "ACTIVE", reg.Status)
}

// Scenario: a device identifier without a resolvable registration number
// stays in the pending queue and evidence, never among canonical dependents.
func TestRunSource_UnboundDeviceIdentifier(t *testing.T) {
	xml := `<?xml version="1.0" encoding="UTF-8"?>
<udid><devices><device>
  <zxxsdycpbs>06901234567892</zxxsdycpbs>
  <zczbhhzbapzbh>暂无</zczbhhzbapzbh>
  <cpmctymc>一次性使用无菌注射器</cpmctymc>
  <ggxh>5ml</ggxh>
</device></devices></udid>`
	path := filepath.Join(t.TempDir(), "udi.xml")
	require.NoError(t, os.WriteFile(path, []byte(xml), 0o644))
	svc := newTestService(t, map[string]config.SourceConfig{"udi": {
		Enabled: true,
		Adapter: "udi_di",
		Fetch:   config.SourceFetchConfig{URL: path},
		Parse:   config.SourceParseConfig{DefaultGrade: "B"},
	}})
	ctx := context.Background()

	run, err := svc.RunSource(ctx, "udi", RunOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, run.Counters.Pending)

	deps, err := svc.Store().ListDependentsByKind(ctx, model.KindDeviceVariant, 10)
	require.NoError(t, err)
	assert.Empty(t, deps)

	items, err := svc.ListPending(ctx, PendingQuery{Source: "udi"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Len(t, items[0].Candidates.Payload.Dependents, 1)
	assert.Equal(t, "06901234567892", items[0].Candidates.Payload.Dependents[0].NaturalKey)

	ev, err := svc.Store().GetEvidence(ctx, *items[0].EvidenceID)
	require.NoError(t, err)
	assert.Contains(t, string(ev.Payload), "06901234567892")
}

func TestRunSource_ReplayWritesNoChanges(t *testing.T) {
	path := writeCSV(t,
		"国械注准20223170001,有效,甲医疗器械有限公司,注射器,III,2022-03-01,2027-02-28,2026-01-05",
		"R-1,有效,乙公司,血糖仪,II,,,",
		"国械注准20223170001;国械注准20223170002,有效,丙公司,,,,,",
	)
	svc := newTestService(t, map[string]config.SourceConfig{"nmpa": nmpaSource(path, "A", 10)})
	ctx := context.Background()

	first, err := svc.RunSource(ctx, "nmpa", RunOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, first.Counters.Total)
	assert.EqualValues(t, 1, first.Counters.Added)
	assert.EqualValues(t, 2, first.Counters.Rejected)

	second, err := svc.RunSource(ctx, "nmpa", RunOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, second.Counters.Unchanged)
	assert.Zero(t, second.Counters.Changes)

	n, err := svc.Store().CountChangeRecords(ctx, second.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	// replayed payloads re-use their pending items
	open, err := svc.ListPending(ctx, PendingQuery{Status: "open"})
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestRunSource_DryRunWritesNothing(t *testing.T) {
	path := writeCSV(t,
		"国械注准20223170001,有效,甲医疗器械有限公司,注射器,III,2022-03-01,2027-02-28,2026-01-05",
		",有效,乙公司,,,,,",
		"R-1,有效,丙公司,,,,,",
	)
	svc := newTestService(t, map[string]config.SourceConfig{"nmpa": nmpaSource(path, "A", 10)})
	ctx := context.Background()

	dry, err := svc.RunSource(ctx, "nmpa", RunOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, model.ModeDryRun, dry.Mode)

	for _, count := range []func(context.Context) (int64, error){
		svc.Store().CountRegistrations,
		func(ctx context.Context) (int64, error) { return svc.Store().CountPending(ctx, "") },
		func(ctx context.Context) (int64, error) { return svc.Store().CountChangeRecords(ctx, "") },
	} {
		n, err := count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	}
	runs, err := svc.Store().ListBatchRuns(ctx, store.BatchFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)

	exec, err := svc.RunSource(ctx, "nmpa", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, exec.Counters.Parsed, dry.Counters.Parsed)
	assert.Equal(t, exec.Counters.Missing, dry.Counters.Missing)
	assert.Equal(t, exec.Counters.Rejected, dry.Counters.Rejected)
	assert.Equal(t, exec.Counters.Pending, dry.Counters.Pending)
	assert.Equal(t, exec.Counters.Added, dry.Counters.Added)
}

func TestRunSource_FetchFailureFailsBatch(t *testing.T) {
	svc := newTestService(t, map[string]config.SourceConfig{
		"nmpa": nmpaSource(filepath.Join(t.TempDir(), "absent.csv"), "A", 10),
	})
	ctx := context.Background()

	run, err := svc.RunSource(ctx, "nmpa", RunOptions{})
	require.Error(t, err)
	require.NotNil(t, run)
	assert.Equal(t, model.BatchFailed, run.Status)

	stored, err := svc.Store().GetBatchRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchFailed, stored.Status)
	assert.NotEmpty(t, stored.Error)
}

func TestRunSource_UnknownAdapterIsConfigError(t *testing.T) {
	src := nmpaSource("x.csv", "A", 10)
	src.Adapter = "scraper"
	svc := newTestService(t, map[string]config.SourceConfig{"nmpa": src})

	_, err := svc.RunSource(context.Background(), "nmpa", RunOptions{})
	assert.ErrorIs(t, err, source.ErrUnknownAdapter)
}

func TestRunSource_UnknownSource(t *testing.T) {
	svc := newTestService(t, map[string]config.SourceConfig{})
	_, err := svc.RunSource(context.Background(), "nope", RunOptions{})
	assert.ErrorIs(t, err, config.ErrUnknownSource)
}

func TestRunSource_LeaseHeld(t *testing.T) {
	path := writeCSV(t, "国械注准20223170001,有效,甲公司,,,,,")
	svc := newTestService(t, map[string]config.SourceConfig{"nmpa": nmpaSource(path, "A", 10)})
	ctx := context.Background()

	l, err := svc.locker.Acquire(ctx, "source:nmpa", time.Minute)
	require.NoError(t, err)
	_, err = svc.RunSource(ctx, "nmpa", RunOptions{})
	assert.ErrorIs(t, err, lease.ErrHeld)
	require.NoError(t, l.Release(ctx))

	_, err = svc.RunSource(ctx, "nmpa", RunOptions{})
	assert.NoError(t, err)
}

func TestRunSource_SettingsOverrideSnapshot(t *testing.T) {
	path := writeCSV(t, "国械注准20223170001,有效,甲公司,,,,,")
	svc := newTestService(t, map[string]config.SourceConfig{"nmpa": nmpaSource(path, "A", 10)})
	ctx := context.Background()
	require.NoError(t, svc.Store().SetSetting(ctx, "source.nmpa.priority", "3"))

	run, err := svc.RunSource(ctx, "nmpa", RunOptions{})
	require.NoError(t, err)
	reg, err := svc.Store().GetRegistrationByNo(ctx, "国械注准20223170001", false)
	require.NoError(t, err)
	assert.Equal(t, 3, reg.Provenance[model.FieldStatus].Priority)
	assert.Equal(t, run.ID, reg.CreatedBatchID)
}

func TestRunAll(t *testing.T) {
	a := writeCSV(t, "国械注准20223170001,有效,甲公司,,,,,")
	b := writeCSV(t, "国械注准20223170002,有效,乙公司,,,,,")
	disabled := nmpaSource(a, "C", 90)
	disabled.Enabled = false
	svc := newTestService(t, map[string]config.SourceConfig{
		"a":   nmpaSource(a, "A", 10),
		"b":   nmpaSource(b, "B", 20),
		"off": disabled,
		"bad": nmpaSource(filepath.Join(t.TempDir(), "absent.csv"), "A", 10),
	})

	runs, err := svc.RunAll(context.Background(), RunOptions{})
	require.Error(t, err, "the failing source is reported")
	require.Len(t, runs, 3)
	statuses := map[string]model.BatchStatus{}
	for _, r := range runs {
		statuses[r.SourceKey] = r.Status
	}
	assert.Equal(t, map[string]model.BatchStatus{
		"a":   model.BatchSuccess,
		"b":   model.BatchSuccess,
		"bad": model.BatchFailed,
	}, statuses)

	n, err := svc.Store().CountRegistrations(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

// Scenario: a record whose transaction fails is parked as WRITE_ERROR with
// no partial writes, and the next record still commits.
func TestRunSource_WriteErrorParksRecordAndContinues(t *testing.T) {
	path := writeCSV(t,
		"国械注准20223170001,有效,甲医疗器械有限公司,注射器,III,,,2026-01-05",
		"国械注准20223170002,有效,乙医疗器械有限公司,输液器,III,,,2026-01-05",
	)
	svc := newTestService(t, map[string]config.SourceConfig{"nmpa": nmpaSource(path, "A", 10)})
	ctx := context.Background()

	_, err := svc.Store().DB().Exec(ctx, `
		CREATE TRIGGER fail_first_registration BEFORE INSERT ON registrations
		WHEN NEW.registration_no = '国械注准20223170001'
		BEGIN SELECT RAISE(ABORT, 'boom'); END`)
	require.NoError(t, err)

	run, err := svc.RunSource(ctx, "nmpa", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.BatchSuccess, run.Status)
	assert.EqualValues(t, 1, run.Counters.Failed)
	assert.EqualValues(t, 1, run.Counters.Added)
	assert.EqualValues(t, 1, run.Counters.Success)

	_, err = svc.Store().GetRegistrationByNo(ctx, "国械注准20223170001", false)
	assert.ErrorIs(t, err, store.ErrNotFound)
	ok, err := svc.Store().GetRegistrationByNo(ctx, "国械注准20223170002", false)
	require.NoError(t, err)
	assert.Equal(t, "输液器", ok.ProductName)

	changes, err := svc.Store().ListChangeRecords(ctx, store.ChangeFilter{BatchID: run.ID})
	require.NoError(t, err)
	for _, c := range changes {
		assert.Equal(t, ok.ID, c.EntityID)
	}

	items, err := svc.ListPending(ctx, PendingQuery{Reason: "WRITE_ERROR"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, model.ReasonWriteError, items[0].Reason)
	assert.Contains(t, items[0].Detail, "boom")
	assert.Equal(t, run.ID, items[0].BatchID)
	assert.NotNil(t, items[0].EvidenceID)

	stored, err := svc.Store().GetBatchRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchSuccess, stored.Status)
	assert.EqualValues(t, 1, stored.Counters.Failed)
}

func TestRecordFailure_UngatedWriteIsInvariantViolation(t *testing.T) {
	svc := newTestService(t, map[string]config.SourceConfig{"nmpa": nmpaSource("unused.csv", "A", 10)})
	ctx := context.Background()
	b := &batch{run: seedBatch(t, svc.Store(), "nmpa"), meta: metaA("nmpa"), log: zap.NewNop()}
	p := regPayload(map[string]string{model.FieldProductName: "注射器"})

	res, err := svc.recordFailure(ctx, b, p, RecordResult{Locator: p.Locator}, Gate(p), eris.Wrap(ErrUngatedWrite, "apply"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, model.ReasonInvariantViolation, res.Reason)
	assert.NotZero(t, res.PendingID)

	var c model.Counters
	res.Tally(&c)
	assert.EqualValues(t, 1, c.Failed)

	items, err := svc.ListPending(ctx, PendingQuery{Reason: "INVARIANT_VIOLATION"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, res.PendingID, items[0].ID)

	items, err = svc.ListPending(ctx, PendingQuery{Reason: "WRITE_ERROR"})
	require.NoError(t, err)
	assert.Empty(t, items)
}

// cancelingAdapter emits its payloads in order and cancels the batch context
// before the second one.
type cancelingAdapter struct {
	cancel   context.CancelFunc
	payloads []*model.Payload
}

func (a *cancelingAdapter) Name() string { return "canceling" }

func (a *cancelingAdapter) Fetch(context.Context, *fetcher.Opener, source.Request) (*source.Artifact, error) {
	return &source.Artifact{}, nil
}

func (a *cancelingAdapter) Parse(_ context.Context, _ *source.Artifact, _ source.Request, emit source.Emit) error {
	for i, p := range a.payloads {
		if i == 1 {
			a.cancel()
		}
		if err := emit(p); err != nil {
			return err
		}
	}
	return nil
}

// Scenario: cancellation mid-parse fails the batch, keeps committed records
// whole and leaves no dependent without its registration.
func TestRunSource_CancelMidParse(t *testing.T) {
	src := config.SourceConfig{
		Enabled: true,
		Adapter: "canceling",
		Fetch:   config.SourceFetchConfig{URL: "unused"},
		Parse:   config.SourceParseConfig{DefaultGrade: "A"},
		Upsert:  config.SourceUpsertConfig{Priority: 10},
	}
	svc := newTestService(t, map[string]config.SourceConfig{"udi": src})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := regPayload(nil, model.DependentCandidate{Kind: model.KindDeviceVariant, NaturalKey: "06901234567892"})
	second := &model.Payload{
		Locator:         "line 3",
		RegistrationNos: []string{"国械注准20223170002"},
		Dependents:      []model.DependentCandidate{{Kind: model.KindDeviceVariant, NaturalKey: "06901234567893"}},
	}
	reg := source.NewRegistry()
	reg.Register(&cancelingAdapter{cancel: cancel, payloads: []*model.Payload{first, second}})
	svc.registry = reg

	run, err := svc.RunSource(ctx, "udi", RunOptions{})
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, run)
	assert.Equal(t, model.BatchFailed, run.Status)
	assert.EqualValues(t, 1, run.Counters.Added)

	bg := context.Background()
	stored, err := svc.Store().GetBatchRun(bg, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchFailed, stored.Status)
	assert.NotEmpty(t, stored.Error)

	n, err := svc.Store().CountRegistrations(bg)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	dangling, err := svc.Store().DanglingDependents(bg, 0)
	require.NoError(t, err)
	assert.Empty(t, dangling)
}

// Scenario: dry-run records are isolated from each other, so a number
// repeated within one file is added twice in dry-run and once in execute.
func TestRunSource_DryRunRepeatedRegNo(t *testing.T) {
	path := writeCSV(t,
		"国械注准20223170001,有效,甲医疗器械有限公司,注射器,III,,,2026-01-05",
		"国械注准20223170001,注销,甲医疗器械有限公司,注射器,III,,,2026-01-05",
	)
	svc := newTestService(t, map[string]config.SourceConfig{"nmpa": nmpaSource(path, "A", 10)})
	ctx := context.Background()

	dry, err := svc.RunSource(ctx, "nmpa", RunOptions{DryRun: true})
	require.NoError(t, err)
	assert.EqualValues(t, 2, dry.Counters.Added)
	assert.Zero(t, dry.Counters.Conflicts)

	exec, err := svc.RunSource(ctx, "nmpa", RunOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, exec.Counters.Added)
	assert.EqualValues(t, 2, exec.Counters.Parsed)
	assert.Equal(t, dry.Counters.Parsed, exec.Counters.Parsed)
}
