package api

import "net/http"

type healthResponse struct {
	Status   string `json:"status"`
	Backends int    `json:"backends"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Backends: len(s.registry.List())})
}

func (s *Server) handleListBackends(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.List())
}

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total           int            `json:"total"`
	ByStatus        map[string]int `json:"by_status"`
	ByMode          map[string]int `json:"by_mode"`
	BestAccuracy    float64        `json:"best_accuracy"`
	EvalRecords     int            `json:"eval_records"`
	CheckpointSaves int            `json:"checkpoint_saves"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetRunStats(r.Context())
	if err != nil {
		s.logger.Error("get run stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:           stats.Total,
		ByStatus:        stats.CountByStatus,
		ByMode:          stats.CountByMode,
		BestAccuracy:    stats.BestAccuracy,
		EvalRecords:     stats.EvalRecords,
		CheckpointSaves: stats.CheckpointSaves,
	})
}
