// Package api serves the management HTTP surface: triggers, the batch ledger,
// the pending and conflict queues, archives, audit queries and settings.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/regsync/internal/archive"
	"github.com/sells-group/regsync/internal/config"
	"github.com/sells-group/regsync/internal/ingest"
	"github.com/sells-group/regsync/internal/lease"
	"github.com/sells-group/regsync/internal/source"
	"github.com/sells-group/regsync/internal/store"
)

// Server holds the handlers' collaborators.
type Server struct {
	cfg      config.ServerConfig
	ingest   *ingest.Service
	archive  *archive.Manager
	gatherer prometheus.Gatherer
}

// New returns a Server. A nil gatherer serves the default registry.
func New(cfg config.ServerConfig, svc *ingest.Service, am *archive.Manager, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{cfg: cfg, ingest: svc, archive: am, gatherer: gatherer}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
			AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/runs", s.handleRunAll)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/runs/{id}/changes", s.handleRunChanges)
		r.Post("/sources/{key}/runs", s.handleRunSource)

		r.Get("/registrations/{regNo}", s.handleGetRegistration)

		r.Get("/pending", s.handleListPending)
		r.Get("/pending/{id}", s.handleGetPending)
		r.Post("/pending/{id}/resolve", s.handleResolvePending)
		r.Post("/pending/{id}/ignore", s.handleIgnorePending)

		r.Get("/conflicts", s.handleListConflicts)
		r.Post("/conflicts/{id}/resolve", s.handleResolveConflict)

		r.Get("/archives", s.handleListArchives)
		r.Post("/archives", s.handleCreateArchive)
		r.Get("/archives/{id}", s.handleGetArchive)
		r.Post("/archives/{id}/rollback", s.handleRollback)

		r.Get("/audit/regno-mismatches", s.handleRegNoMismatches)
		r.Get("/audit/dangling", s.handleDangling)

		r.Get("/settings", s.handleListSettings)
		r.Put("/settings/{key}", s.handleSetSetting)
		r.Delete("/settings/{key}", s.handleDeleteSetting)

		r.Get("/stats", s.handleListStats)
		r.Post("/stats/recompute", s.handleRecomputeStats)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		zap.L().Error("api: request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, config.ErrUnknownSource):
		return http.StatusNotFound
	case errors.Is(err, ingest.ErrPendingClosed),
		errors.Is(err, archive.ErrArchiveExists),
		errors.Is(err, lease.ErrHeld):
		return http.StatusConflict
	case errors.Is(err, archive.ErrNothingSelected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ingest.ErrReasonRequired),
		errors.Is(err, ingest.ErrValueRequired),
		errors.Is(err, ingest.ErrRejectedRegistrationNo),
		errors.Is(err, ingest.ErrUnknownReason),
		errors.Is(err, ingest.ErrInvalidSetting),
		errors.Is(err, archive.ErrNoSelector),
		errors.Is(err, source.ErrUnknownAdapter):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
