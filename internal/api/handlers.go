package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/regsync/internal/archive"
	"github.com/sells-group/regsync/internal/ingest"
	"github.com/sells-group/regsync/internal/model"
	"github.com/sells-group/regsync/internal/normalize"
	"github.com/sells-group/regsync/internal/store"
)

type runRequest struct {
	DryRun bool `json:"dry_run"`
}

func (s *Server) handleRunAll(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	runs, err := s.ingest.RunAll(r.Context(), ingest.RunOptions{DryRun: req.DryRun})
	if err != nil && len(runs) == 0 {
		writeError(w, r, err)
		return
	}
	resp := map[string]any{"runs": orEmpty(runs)}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRunSource(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if r.URL.Query().Get("dry_run") == "true" {
		req.DryRun = true
	}
	run, err := s.ingest.RunSource(r.Context(), chi.URLParam(r, "key"), ingest.RunOptions{DryRun: req.DryRun})
	if run == nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.BatchFilter{
		Kind:      model.BatchKind(q.Get("kind")),
		SourceKey: q.Get("source"),
		Status:    model.BatchStatus(q.Get("status")),
	}
	var err error
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		badRequest(w, "invalid limit")
		return
	}
	if f.Offset, err = queryInt(r, "offset"); err != nil {
		badRequest(w, "invalid offset")
		return
	}
	if v := q.Get("since"); v != "" {
		if f.Since, err = time.Parse(time.RFC3339, v); err != nil {
			badRequest(w, "since must be RFC 3339")
			return
		}
	}
	runs, err := s.ingest.Store().ListBatchRuns(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(runs))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.ingest.Store().GetBatchRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunChanges(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		badRequest(w, "invalid limit")
		return
	}
	changes, err := s.ingest.Store().ListChangeRecords(r.Context(), store.ChangeFilter{
		BatchID: chi.URLParam(r, "id"),
		Limit:   limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(changes))
}

func (s *Server) handleGetRegistration(w http.ResponseWriter, r *http.Request) {
	regNo, ok := normalize.RegistrationNo(chi.URLParam(r, "regNo"))
	if !ok {
		badRequest(w, "invalid registration number")
		return
	}
	ctx := r.Context()
	st := s.ingest.Store()
	reg, err := st.GetRegistrationByNo(ctx, regNo, false)
	if err != nil {
		writeError(w, r, err)
		return
	}
	deps, err := st.ListDependents(ctx, reg.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	conflicts, err := st.ListConflictItems(ctx, store.ConflictFilter{Status: model.ConflictOpen, RegistrationNo: regNo})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"registration":   reg,
		"dependents":     orEmpty(deps),
		"open_conflicts": orEmpty(conflicts),
	})
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ingest.PendingQuery{Status: q.Get("status"), Source: q.Get("source"), Reason: q.Get("reason")}
	var err error
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		badRequest(w, "invalid limit")
		return
	}
	if f.Offset, err = queryInt(r, "offset"); err != nil {
		badRequest(w, "invalid offset")
		return
	}
	items, err := s.ingest.ListPending(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(items))
}

func (s *Server) handleGetPending(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	item, err := s.ingest.Store().GetPendingItem(r.Context(), id, false)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleResolvePending(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	var req struct {
		RegistrationNo string `json:"registration_no"`
		Actor          string `json:"actor"`
		Note           string `json:"note"`
	}
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.RegistrationNo == "" || req.Actor == "" {
		badRequest(w, "registration_no and actor are required")
		return
	}
	res, err := s.ingest.ResolvePending(r.Context(), id, req.RegistrationNo, req.Actor, req.Note)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleIgnorePending(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	var req struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Actor == "" {
		badRequest(w, "actor is required")
		return
	}
	run, err := s.ingest.IgnorePending(r.Context(), id, req.Actor, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ConflictFilter{
		Status:         model.ConflictStatus(q.Get("status")),
		RegistrationNo: q.Get("registration_no"),
		Field:          q.Get("field"),
		Source:         q.Get("source"),
	}
	var err error
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		badRequest(w, "invalid limit")
		return
	}
	if f.Offset, err = queryInt(r, "offset"); err != nil {
		badRequest(w, "invalid offset")
		return
	}
	items, err := s.ingest.ListConflicts(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(items))
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	var req struct {
		Value  string `json:"value"`
		Reason string `json:"reason"`
		Actor  string `json:"actor"`
	}
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Actor == "" {
		badRequest(w, "actor is required")
		return
	}
	res, err := s.ingest.ResolveConflict(r.Context(), id, req.Value, req.Reason, req.Actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListArchives(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		badRequest(w, "invalid limit")
		return
	}
	list, err := s.archive.List(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(list))
}

func (s *Server) handleCreateArchive(w http.ResponseWriter, r *http.Request) {
	var req archive.Request
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.BatchID == "" || req.Reason == "" {
		badRequest(w, "batch_id and reason are required")
		return
	}
	res, err := s.archive.Archive(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGetArchive(w http.ResponseWriter, r *http.Request) {
	ab, err := s.archive.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ab)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	res, err := s.archive.Rollback(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRegNoMismatches(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		badRequest(w, "invalid limit")
		return
	}
	rows, err := s.ingest.Store().RegNoMismatches(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(rows))
}

func (s *Server) handleDangling(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		badRequest(w, "invalid limit")
		return
	}
	rows, err := s.ingest.Store().DanglingDependents(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(rows))
}

func (s *Server) handleListSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.ingest.Settings(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleSetSetting(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	key := chi.URLParam(r, "key")
	if err := s.ingest.SetSetting(r.Context(), key, req.Value); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": req.Value})
}

func (s *Server) handleDeleteSetting(w http.ResponseWriter, r *http.Request) {
	if err := s.ingest.DeleteSetting(r.Context(), chi.URLParam(r, "key")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListStats(w http.ResponseWriter, r *http.Request) {
	from, to, ok := dayRange(w, r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if !ok {
		return
	}
	stats, err := s.ingest.Store().ListDailyStats(r.Context(), from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(stats))
}

func (s *Server) handleRecomputeStats(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	from, to, ok := dayRange(w, req.From, req.To)
	if !ok {
		return
	}
	err := s.ingest.Store().InTx(r.Context(), func(q *store.Queries) error {
		return q.RecomputeDailyStats(r.Context(), from, to)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"from": from, "to": to})
}

// dayRange validates a YYYY-MM-DD range; to defaults to from.
func dayRange(w http.ResponseWriter, from, to string) (string, string, bool) {
	if to == "" {
		to = from
	}
	for _, d := range []string{from, to} {
		if _, err := time.Parse(time.DateOnly, d); err != nil {
			badRequest(w, "from and to must be YYYY-MM-DD")
			return "", "", false
		}
	}
	if to < from {
		badRequest(w, "to is before from")
		return "", "", false
	}
	return from, to, true
}
