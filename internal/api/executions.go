package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hydrabyte-co/hydra-services-sub000/internal/model"
	"github.com/hydrabyte-co/hydra-services-sub000/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createExecutionRequest is the JSON body for POST /v1/executions.
type createExecutionRequest struct {
	model.ExecutionSpec
	Start bool `json:"start"`
}

type startRequest struct {
	Force bool `json:"force"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type retryRequest struct {
	ResetSteps bool `json:"reset_steps"`
	Resume     bool `json:"resume"`
}

// listExecutionsResponse wraps the paginated list response.
type listExecutionsResponse struct {
	Executions []*model.Execution `json:"executions"`
	Total      int                `json:"total"`
	Limit      int                `json:"limit"`
	Offset     int                `json:"offset"`
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched
// unless required is set.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any, required bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) && !required {
		return true
	}
	if err != nil {
		s.badRequest(w, r, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	var req createExecutionRequest
	if !s.decodeBody(w, r, &req, true) {
		return
	}
	if err := s.validate.Struct(req.ExecutionSpec); err != nil {
		s.badRequest(w, r, validationDetail(err))
		return
	}

	e, err := s.orch.CreateExecution(r.Context(), req.ExecutionSpec)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	if req.Start {
		e, err = s.orch.StartExecution(r.Context(), e.ID, false)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
	}

	w.Header().Set("Location", "/v1/executions/"+e.ID)
	s.writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit < 1 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	executions, total, err := s.store.ListExecutions(r.Context(), store.ExecutionFilter{
		Status:            q.Get("status"),
		Category:          q.Get("category"),
		Type:              q.Get("type"),
		ResourceType:      q.Get("resource_type"),
		ResourceID:        q.Get("resource_id"),
		NodeID:            q.Get("node_id"),
		ParentExecutionID: q.Get("parent_execution_id"),
		Limit:             limit,
		Offset:            offset,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	if executions == nil {
		executions = []*model.Execution{}
	}

	s.writeJSON(w, http.StatusOK, listExecutionsResponse{
		Executions: executions,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
	})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	e, err := s.store.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !s.decodeBody(w, r, &req, false) {
		return
	}
	e, err := s.orch.StartExecution(r.Context(), chi.URLParam(r, "id"), req.Force)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, e)
}

func (s *Server) handleResumeExecution(w http.ResponseWriter, r *http.Request) {
	e, err := s.orch.ResumeExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, e)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !s.decodeBody(w, r, &req, false) {
		return
	}
	e, err := s.orch.CancelExecution(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleRetryExecution(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if !s.decodeBody(w, r, &req, false) {
		return
	}
	id := chi.URLParam(r, "id")

	e, err := s.orch.RetryExecution(r.Context(), id, req.ResetSteps)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	if req.Resume {
		e, err = s.orch.ResumeExecution(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
	}

	s.writeJSON(w, http.StatusOK, e)
}
