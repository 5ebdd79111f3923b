package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/hogwild/internal/model"
	"github.com/seantiz/hogwild/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

type listRunsResponse struct {
	Runs   []*model.Run `json:"runs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

type evalsResponse struct {
	RunID   string             `json:"run_id"`
	Records []model.EvalRecord `json:"records"`
}

type workersResponse struct {
	RunID   string         `json:"run_id"`
	Workers []model.Worker `json:"workers"`
}

type logsResponse struct {
	RunID string          `json:"run_id"`
	Rank  int             `json:"rank"`
	Lines []model.LogLine `json:"lines"`
}

type checkpointsResponse struct {
	RunID string                 `json:"run_id"`
	Saves []model.CheckpointSave `json:"saves"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	runs, total, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*model.Run{}
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetRunByName(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetLatestRunByName(r.Context(), chi.URLParam(r, "name"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run by name", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListEvals(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	recs, err := s.store.ListEvalRecords(r.Context(), run.ID)
	if err != nil {
		s.logger.Error("list eval records", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list eval records")
		return
	}
	if phase := r.URL.Query().Get("phase"); phase != "" {
		filtered := recs[:0]
		for _, rec := range recs {
			if rec.Phase == phase {
				filtered = append(filtered, rec)
			}
		}
		recs = filtered
	}
	if recs == nil {
		recs = []model.EvalRecord{}
	}
	s.writeJSON(w, http.StatusOK, evalsResponse{RunID: run.ID, Records: recs})
}

// handleLatestEval returns the run's newest eval record: the live one while
// this process is running the run, the last stored one otherwise.
func (s *Server) handleLatestEval(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	if rec, ok := s.broker.Latest(run.ID); ok {
		s.writeJSON(w, http.StatusOK, rec)
		return
	}
	recs, err := s.store.ListEvalRecords(r.Context(), run.ID)
	if err != nil {
		s.logger.Error("list eval records", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list eval records")
		return
	}
	if len(recs) == 0 {
		s.writeError(w, http.StatusNotFound, "run has no eval records")
		return
	}
	s.writeJSON(w, http.StatusOK, recs[len(recs)-1])
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	workers, err := s.store.ListWorkers(r.Context(), run.ID)
	if err != nil {
		s.logger.Error("list workers", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list workers")
		return
	}
	if workers == nil {
		workers = []model.Worker{}
	}
	s.writeJSON(w, http.StatusOK, workersResponse{RunID: run.ID, Workers: workers})
}

// handleGetLogs returns persisted worker log lines. Without a rank query
// parameter every worker's lines are returned.
func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	rank := parseIntQuery(r, "rank", -1)
	lines, err := s.store.GetLogLines(r.Context(), run.ID, rank)
	if err != nil {
		s.logger.Error("get log lines", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get log lines")
		return
	}
	if lines == nil {
		lines = []model.LogLine{}
	}
	s.writeJSON(w, http.StatusOK, logsResponse{RunID: run.ID, Rank: rank, Lines: lines})
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	saves, err := s.store.ListCheckpointSaves(r.Context(), run.ID)
	if err != nil {
		s.logger.Error("list checkpoint saves", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list checkpoints")
		return
	}
	if saves == nil {
		saves = []model.CheckpointSave{}
	}
	s.writeJSON(w, http.StatusOK, checkpointsResponse{RunID: run.ID, Saves: saves})
}

// lookupRun loads the run named by the id URL parameter, writing a 404 or
// 500 response when it cannot.
func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*model.Run, bool) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return nil, false
	}
	return run, true
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
