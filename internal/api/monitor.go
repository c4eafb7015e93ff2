package api

import (
	"net/http"
)

// updateMonitorRequest is the JSON body for PUT /v1/monitor. Omitted fields
// keep their current value.
type updateMonitorRequest struct {
	Enabled        *bool `json:"enabled"`
	AutoRetry      *bool `json:"auto_retry"`
	MaxAutoRetries *int  `json:"max_auto_retries" validate:"omitempty,gte=1"`
}

func (s *Server) handleGetMonitor(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.monitor.Status())
}

func (s *Server) handleUpdateMonitor(w http.ResponseWriter, r *http.Request) {
	var req updateMonitorRequest
	if !s.decodeBody(w, r, &req, true) {
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.badRequest(w, r, validationDetail(err))
		return
	}

	if req.Enabled != nil {
		s.monitor.SetEnabled(*req.Enabled)
	}
	if req.AutoRetry != nil || req.MaxAutoRetries != nil {
		status := s.monitor.Status()
		autoRetry := status.AutoRetry
		if req.AutoRetry != nil {
			autoRetry = *req.AutoRetry
		}
		maxRetries := 0
		if req.MaxAutoRetries != nil {
			maxRetries = *req.MaxAutoRetries
		}
		s.monitor.SetAutoRetry(autoRetry, maxRetries)
	}

	s.writeJSON(w, http.StatusOK, s.monitor.Status())
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	res, err := s.monitor.Sweep(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}
