package api

import (
	"net/http"
)

type healthResponse struct {
	Status           string `json:"status"`
	ConnectedNodes   int    `json:"connected_nodes"`
	ActiveExecutions int    `json:"active_executions"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:           "ok",
		ConnectedNodes:   s.gateway.Registry().Len(),
		ActiveExecutions: s.orch.ActiveExecutions(),
	})
}
