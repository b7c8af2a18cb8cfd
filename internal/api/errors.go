package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/medrex/nuvora-ehr/pkg/monitoring"
	"github.com/medrex/nuvora-ehr/pkg/types"
)

// statusFor maps a coordination error kind to an HTTP status
func statusFor(kind types.ErrorKind) int {
	switch kind {
	case types.ErrorKindNotConnected:
		return http.StatusUnauthorized
	case types.ErrorKindUnauthorized:
		return http.StatusForbidden
	case types.ErrorKindValidation:
		return http.StatusBadRequest
	case types.ErrorKindNotFound:
		return http.StatusNotFound
	case types.ErrorKindInvalidState, types.ErrorKindConflict:
		return http.StatusConflict
	case types.ErrorKindLedgerUnavailable:
		return http.StatusServiceUnavailable
	case types.ErrorKindLedgerWriteFailed, types.ErrorKindContentUnavailable:
		return http.StatusBadGateway
	case types.ErrorKindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// writeError writes error response
func (s *Server) writeError(w http.ResponseWriter, status int, code, message string, retryable bool) {
	errorResponse := map[string]interface{}{
		"error": map[string]interface{}{
			"code":      code,
			"message":   message,
			"retryable": retryable,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	s.writeJSON(w, status, errorResponse)
}

// writeCoordError writes a coordination error. Causes are logged, never
// returned to the caller.
func (s *Server) writeCoordError(w http.ResponseWriter, r *http.Request, err error) {
	ce, ok := types.AsCoordError(err)
	if !ok {
		ce = types.NewInternalError("api", "internal error", err)
	}

	status := statusFor(ce.Kind)
	entry := s.logger.WithContext(r.Context()).WithFields(map[string]interface{}{
		"op":     ce.Op,
		"kind":   ce.Kind,
		"target": ce.Target,
		"status": status,
	})
	if ce.Cause != nil {
		entry = entry.WithField("cause", ce.Cause.Error())
	}
	if traceID := monitoring.TraceIDFromContext(r.Context()); traceID != "" {
		entry = entry.WithField("trace_id", traceID)
	}
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Info("Request rejected")
	}

	s.writeError(w, status, string(ce.Kind), ce.PublicMessage(), ce.Retryable())
}
