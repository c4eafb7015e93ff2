package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total            int            `json:"total"`
	ByStatus         map[string]int `json:"by_status"`
	ByCategory       map[string]int `json:"by_category"`
	ActiveExecutions int            `json:"active_executions"`
	ConnectedNodes   int            `json:"connected_nodes"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetExecutionStats(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:            stats.Total,
		ByStatus:         stats.CountByStatus,
		ByCategory:       stats.CountByCategory,
		ActiveExecutions: s.orch.ActiveExecutions(),
		ConnectedNodes:   s.gateway.Registry().Len(),
	})
}
