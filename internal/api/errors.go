package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/moogar0880/problems"

	"github.com/hydrabyte-co/hydra-services-sub000/internal/gateway"
	"github.com/hydrabyte-co/hydra-services-sub000/internal/orchestrator"
	"github.com/hydrabyte-co/hydra-services-sub000/internal/store"
)

const problemContentType = "application/problem+json"

// Problem types reported in the "type" member.
const (
	problemValidation  = "validation_error"
	problemNotFound    = "not_found"
	problemConflict    = "conflict"
	problemUnavailable = "node_unavailable"
	problemInternal    = "internal_error"
)

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeProblem writes an RFC 7807 problem document.
func (s *Server) writeProblem(w http.ResponseWriter, r *http.Request, status int, typ, detail string) {
	problem := problems.NewStatusProblem(status).
		WithInstance(r.URL.Path).
		WithType(typ).
		WithDetail(detail)

	w.Header().Set("Content-Type", problemContentType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(problem); err != nil {
		s.logger.Error("encode problem", "error", err)
	}
}

func (s *Server) badRequest(w http.ResponseWriter, r *http.Request, detail string) {
	s.writeProblem(w, r, http.StatusBadRequest, problemValidation, detail)
}

// writeServiceError maps store, orchestrator and gateway errors to problems.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeProblem(w, r, http.StatusNotFound, problemNotFound, err.Error())
	case errors.Is(err, store.ErrInvalidSpec), errors.Is(err, store.ErrInvalidStep):
		s.writeProblem(w, r, http.StatusBadRequest, problemValidation, err.Error())
	case errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, store.ErrRetryExhausted),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, orchestrator.ErrAlreadyRunning),
		errors.Is(err, orchestrator.ErrTerminal),
		errors.Is(err, orchestrator.ErrNotResumable):
		s.writeProblem(w, r, http.StatusConflict, problemConflict, err.Error())
	case errors.Is(err, gateway.ErrNodeNotConnected):
		s.writeProblem(w, r, http.StatusServiceUnavailable, problemUnavailable, err.Error())
	default:
		s.logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		s.writeProblem(w, r, http.StatusInternalServerError, problemInternal, "internal error")
	}
}

// validationDetail flattens validator errors into one readable line.
func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fe.Namespace() + " failed " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		parts = append(parts, msg)
	}
	return strings.Join(parts, "; ")
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
