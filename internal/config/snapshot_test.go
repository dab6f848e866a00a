package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/regsync/internal/model"
)

func testConfig() *Config {
	no := false
	return &Config{
		Pipeline: PipelineConfig{MaxConcurrentSources: 2},
		Sources: map[string]SourceConfig{
			"nmpa": {
				Enabled: true,
				Adapter: "nmpa_registration",
				Parse:   SourceParseConfig{DefaultGrade: "A", Columns: map[string]string{"registration_no": "注册证编号"}},
				Upsert:  SourceUpsertConfig{Priority: 10},
			},
			"gd_procurement": {
				Enabled: false,
				Adapter: "procurement",
				Parse:   SourceParseConfig{DefaultGrade: "C"},
				Upsert:  SourceUpsertConfig{Priority: 50, Strategy: "fill_empty", AllowOverwrite: &no},
			},
		},
	}
}

func TestTakeSnapshot_CopiesAndIsolates(t *testing.T) {
	cfg := testConfig()
	snap, err := TakeSnapshot(cfg, nil, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	cfg.Sources["nmpa"].Parse.Columns["registration_no"] = "changed"
	sc, err := snap.Source("nmpa")
	require.NoError(t, err)
	assert.Equal(t, "注册证编号", sc.Parse.Columns["registration_no"])
	assert.Equal(t, []string{"nmpa"}, snap.Enabled())
	assert.Equal(t, []string{"gd_procurement", "nmpa"}, snap.Keys())
}

func TestTakeSnapshot_Overrides(t *testing.T) {
	snap, err := TakeSnapshot(testConfig(), map[string]string{
		"source.gd_procurement.enabled": "true",
		"source.nmpa.priority":          "5",
		"source.nmpa.allow_overwrite":   "false",
		"unrelated.setting":             "x",
	}, time.Now())
	require.NoError(t, err)

	assert.Equal(t, []string{"gd_procurement", "nmpa"}, snap.Enabled())
	meta, err := snap.Meta("nmpa")
	require.NoError(t, err)
	assert.Equal(t, 5, meta.Priority)
	assert.False(t, meta.AllowOverwrite)
	assert.Equal(t, model.GradeA, meta.Grade)
	assert.Equal(t, model.StrategyArbitrate, meta.Strategy)
}

func TestTakeSnapshot_OverrideErrors(t *testing.T) {
	_, err := TakeSnapshot(testConfig(), map[string]string{"source.missing.enabled": "true"}, time.Now())
	assert.ErrorIs(t, err, ErrUnknownSource)

	_, err = TakeSnapshot(testConfig(), map[string]string{"source.nmpa.enabled": "maybe"}, time.Now())
	assert.Error(t, err)

	_, err = TakeSnapshot(testConfig(), map[string]string{"source.nmpa.colour": "red"}, time.Now())
	assert.Error(t, err)
}

func TestTakeSnapshot_Validation(t *testing.T) {
	cfg := testConfig()
	sc := cfg.Sources["nmpa"]
	sc.Parse.DefaultGrade = "Z"
	cfg.Sources["nmpa"] = sc
	_, err := TakeSnapshot(cfg, nil, time.Now())
	assert.Error(t, err)

	cfg = testConfig()
	sc = cfg.Sources["nmpa"]
	sc.Parse.DefaultGrade = "manual"
	cfg.Sources["nmpa"] = sc
	_, err = TakeSnapshot(cfg, nil, time.Now())
	assert.Error(t, err)

	cfg = testConfig()
	sc = cfg.Sources["nmpa"]
	sc.Upsert.Strategy = "yolo"
	cfg.Sources["nmpa"] = sc
	_, err = TakeSnapshot(cfg, nil, time.Now())
	assert.Error(t, err)

	cfg = testConfig()
	sc = cfg.Sources["nmpa"]
	sc.Adapter = ""
	cfg.Sources["nmpa"] = sc
	_, err = TakeSnapshot(cfg, nil, time.Now())
	assert.Error(t, err)
}

func TestSnapshot_MetaFillEmpty(t *testing.T) {
	snap, err := TakeSnapshot(testConfig(), nil, time.Now())
	require.NoError(t, err)
	meta, err := snap.Meta("gd_procurement")
	require.NoError(t, err)
	assert.Equal(t, model.StrategyFillEmpty, meta.Strategy)
	assert.False(t, meta.AllowOverwrite)
	assert.Equal(t, model.GradeC, meta.Grade)

	_, err = snap.Meta("nope")
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func TestSnapshot_ForSourceAndJSON(t *testing.T) {
	snap, err := TakeSnapshot(testConfig(), nil, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	one, err := snap.ForSource("nmpa")
	require.NoError(t, err)
	assert.Len(t, one.Sources, 1)

	b, err := one.JSON()
	require.NoError(t, err)
	assert.Contains(t, string(b), `"nmpa_registration"`)
	assert.Contains(t, string(b), `"2026-03-01T00:00:00Z"`)
}
