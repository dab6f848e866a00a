package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/regsync/internal/archive"
	"github.com/sells-group/regsync/internal/config"
	"github.com/sells-group/regsync/internal/ingest"
	"github.com/sells-group/regsync/internal/model"
	"github.com/sells-group/regsync/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const nmpaHeader = "注册证编号,状态,注册人名称,产品名称,管理类别,批准日期,有效期至,更新日期\n"

func newTestServer(t *testing.T, rows ...string) http.Handler {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nmpa.csv")
	require.NoError(t, os.WriteFile(path, []byte(nmpaHeader+strings.Join(rows, "\n")+"\n"), 0o644))

	cfg := &config.Config{
		Server:   config.ServerConfig{CORSOrigins: []string{"https://ops.example.com"}},
		Pipeline: config.PipelineConfig{MaxConcurrentSources: 1, TempDir: t.TempDir(), LeaseTTLSecs: 60},
		Archive:  config.ArchiveConfig{RecomputeWindowDays: 31},
		Sources: map[string]config.SourceConfig{"nmpa": {
			Enabled: true,
			Adapter: "nmpa_registration",
			Fetch:   config.SourceFetchConfig{URL: path},
			Parse:   config.SourceParseConfig{DefaultGrade: "A"},
			Upsert:  config.SourceUpsertConfig{Priority: 10},
		}},
	}
	st, err := store.Open(ctx, config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "regsync.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	reg := prometheus.NewRegistry()
	now := func() time.Time { return time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC) }
	svc := ingest.NewService(cfg, st, ingest.Options{Metrics: ingest.NewMetrics(reg), Now: now})
	return New(cfg.Server, svc, archive.NewManager(cfg, st, now), reg).Routes()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestServer(t, "国械注准20223170001,有效,甲医疗器械有限公司,注射器,III,,,2026-01-05")

	rec := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	do(t, h, http.MethodPost, "/api/v1/sources/nmpa/runs", "")
	rec = do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "regsync_ingest_records_total")
}

func TestCORSPreflight(t *testing.T) {
	h := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/runs", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRunsAndLedger(t *testing.T) {
	h := newTestServer(t, "国械注准20223170001,有效,甲医疗器械有限公司,注射器,III,,,2026-01-05")

	rec := do(t, h, http.MethodPost, "/api/v1/sources/nmpa/runs?dry_run=true", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dry := decodeBody[model.BatchRun](t, rec)
	assert.Equal(t, model.ModeDryRun, dry.Mode)
	assert.EqualValues(t, 1, dry.Counters.Added)

	rec = do(t, h, http.MethodPost, "/api/v1/sources/nmpa/runs", `{"dry_run": false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	run := decodeBody[model.BatchRun](t, rec)
	assert.Equal(t, model.BatchSuccess, run.Status)

	rec = do(t, h, http.MethodGet, "/api/v1/runs?kind=ingest", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]model.BatchRun](t, rec), 1)

	rec = do(t, h, http.MethodGet, "/api/v1/runs/"+run.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/v1/runs/"+run.ID+"/changes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decodeBody[[]model.ChangeRecord](t, rec))

	rec = do(t, h, http.MethodGet, "/api/v1/registrations/"+url.PathEscape("国械注准20223170001"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "注射器")

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/v1/runs/missing", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/v1/sources/nope/runs", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/v1/runs?limit=abc", "").Code)

	rec = do(t, h, http.MethodPost, "/api/v1/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[map[string][]model.BatchRun](t, rec)["runs"], 1)
}

func TestPendingFlow(t *testing.T) {
	h := newTestServer(t, ",有效,甲医疗器械有限公司,注射器,III,,,2026-01-05")
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/v1/sources/nmpa/runs", "").Code)

	rec := do(t, h, http.MethodGet, "/api/v1/pending?status=open&reason=NO_REG_NO", "")
	require.Equal(t, http.StatusOK, rec.Code)
	items := decodeBody[[]model.PendingItem](t, rec)
	require.Len(t, items, 1)
	id := items[0].ID
	path := "/api/v1/pending/" + strconv.FormatInt(id, 10)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/v1/pending?reason=bogus", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, path+"/resolve", `{"actor":"alice"}`).Code)
	assert.Equal(t, http.StatusBadRequest,
		do(t, h, http.MethodPost, path+"/resolve", `{"registration_no":"无","actor":"alice"}`).Code)

	rec = do(t, h, http.MethodPost, path+"/resolve", `{"registration_no":"国械注准20223170001","actor":"alice","note":"letter"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"registration_no":"国械注准20223170001"`)

	assert.Equal(t, http.StatusConflict,
		do(t, h, http.MethodPost, path+"/ignore", `{"actor":"alice","reason":"dup"}`).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, path, "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/v1/pending/999", "").Code)
}

func TestConflictResolveRequiresReason(t *testing.T) {
	h := newTestServer(t)
	rec := do(t, h, http.MethodPost, "/api/v1/conflicts/1/resolve", `{"value":"x","actor":"alice"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodPost, "/api/v1/conflicts/1/resolve", `{"value":"  ","actor":"alice","reason":"checked"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodPost, "/api/v1/conflicts/1/resolve", `{"value":"x","actor":"alice","reason":"checked"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/conflicts?status=open", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestArchiveRoutes(t *testing.T) {
	h := newTestServer(t, "国械注准20223170001,有效,甲医疗器械有限公司,注射器,III,,,2026-01-05")
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/v1/sources/nmpa/runs", "").Code)

	body := `{"batch_id":"cleanup_20260301","reason":"bad file","registration_nos":["国械注准20223170001"]}`
	assert.Equal(t, http.StatusBadRequest,
		do(t, h, http.MethodPost, "/api/v1/archives", `{"reason":"bad file","registration_nos":["国械注准20223170001"]}`).Code)

	rec := do(t, h, http.MethodPost, "/api/v1/archives", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeBody[archive.Result](t, rec)
	assert.EqualValues(t, 1, res.Archive.Counts.Registrations)

	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/api/v1/archives", body).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, do(t, h, http.MethodPost, "/api/v1/archives",
		`{"batch_id":"other","reason":"r","registration_nos":["国械注准20990000001"]}`).Code)

	rec = do(t, h, http.MethodPost, "/api/v1/archives/cleanup_20260301/rollback", "")
	require.Equal(t, http.StatusOK, rec.Code)
	back := decodeBody[archive.RollbackResult](t, rec)
	assert.EqualValues(t, 1, back.Restored.Registrations)

	rec = do(t, h, http.MethodGet, "/api/v1/archives", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]model.ArchiveBatch](t, rec), 1)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/v1/archives/missing", "").Code)
}

func TestAuditSettingsStats(t *testing.T) {
	h := newTestServer(t)

	assert.Equal(t, "[]\n", do(t, h, http.MethodGet, "/api/v1/audit/regno-mismatches", "").Body.String())
	assert.Equal(t, "[]\n", do(t, h, http.MethodGet, "/api/v1/audit/dangling?limit=10", "").Body.String())

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPut, "/api/v1/settings/source.nmpa.priority", `{"value":"x"}`).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPut, "/api/v1/settings/source.nmpa.enabled", `{"value":"false"}`).Code)
	rec := do(t, h, http.MethodGet, "/api/v1/settings", "")
	assert.Equal(t, map[string]string{"source.nmpa.enabled": "false"}, decodeBody[map[string]string](t, rec))
	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/api/v1/settings/source.nmpa.enabled", "").Code)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/v1/stats?from=March", "").Code)
	assert.Equal(t, http.StatusBadRequest,
		do(t, h, http.MethodPost, "/api/v1/stats/recompute", `{"from":"2026-03-02","to":"2026-03-01"}`).Code)
	assert.Equal(t, http.StatusOK,
		do(t, h, http.MethodPost, "/api/v1/stats/recompute", `{"from":"2026-03-01","to":"2026-03-01"}`).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/v1/stats?from=2026-03-01", "").Code)
}
