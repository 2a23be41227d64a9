package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/haasonsaas/agentbridge/internal/auth"
	"github.com/haasonsaas/agentbridge/internal/dispatch"
	"github.com/haasonsaas/agentbridge/internal/jobs"
	"github.com/haasonsaas/agentbridge/internal/observability"
	"github.com/haasonsaas/agentbridge/internal/tenant"
)

// errorBody is the envelope every error response uses.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{
		Code:      code,
		Message:   message,
		RequestID: observability.RequestID(r.Context()),
	}})
}

// mapError translates domain errors to HTTP responses. Partition guard
// violations surface as NOT_FOUND so a probing caller cannot distinguish
// foreign resources from missing ones.
func (s *Server) mapError(w http.ResponseWriter, r *http.Request, err error) {
	var rej *dispatch.RejectionError
	switch {
	case errors.As(err, &rej):
		s.writeRejection(w, r, rej)
	case tenant.IsViolation(err):
		s.writeError(w, r, http.StatusNotFound, "NOT_FOUND", "resource not found")
	case errors.Is(err, jobs.ErrJobNotFound):
		s.writeError(w, r, http.StatusNotFound, "NOT_FOUND", "job not found")
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrMissingCredentials):
		s.writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "valid credentials required")
	default:
		s.logger.Error(r.Context(), "request failed", "error", err.Error())
		s.writeError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func (s *Server) writeRejection(w http.ResponseWriter, r *http.Request, rej *dispatch.RejectionError) {
	switch rej.Code {
	case dispatch.RejectNotFound:
		s.writeError(w, r, http.StatusNotFound, "NOT_FOUND", rej.Message)
	case dispatch.RejectForbidden:
		s.writeError(w, r, http.StatusForbidden, "FORBIDDEN", rej.Message)
	case dispatch.RejectUnavailable:
		s.writeError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", rej.Message)
	case dispatch.RejectUnsupported:
		s.writeError(w, r, http.StatusNotImplemented, "NOT_IMPLEMENTED", rej.Message)
	case dispatch.RejectUpstream:
		s.writeError(w, r, http.StatusBadGateway, "BAD_GATEWAY", rej.Message)
	default:
		s.writeError(w, r, http.StatusBadGateway, "BAD_GATEWAY", rej.Message)
	}
}
