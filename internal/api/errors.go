package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/dryerlink-core/internal/cache"
	"github.com/nerrad567/dryerlink-core/internal/device"
	"github.com/nerrad567/dryerlink-core/internal/pairing"
	"github.com/nerrad567/dryerlink-core/internal/remote"
	"github.com/nerrad567/dryerlink-core/internal/watch"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeForbidden    = "forbidden"
	ErrCodeConflict     = "conflict"
	ErrCodeInternal     = "internal_error"
	ErrCodeValidation   = "validation_error"
	ErrCodeUnavailable  = "remote_unavailable"
	ErrCodeTooMany      = "too_many_streams"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeDomainError maps an error from the domain packages to a response.
// Unrecognised errors are logged and reported as 500 without detail.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, device.ErrInvalidID),
		errors.Is(err, device.ErrInvalidName),
		errors.Is(err, device.ErrInvalidAction),
		errors.Is(err, device.ErrValueOutOfRange),
		errors.Is(err, cache.ErrInvalidDeviceID),
		errors.Is(err, cache.ErrInvalidRange),
		errors.Is(err, pairing.ErrInvalidUser),
		errors.Is(err, remote.ErrInvalidPath),
		errors.Is(err, remote.ErrInvalidValue):
		writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
	case errors.Is(err, cache.ErrDeviceNotFound),
		errors.Is(err, remote.ErrNotFound):
		writeNotFound(w, err.Error())
	case errors.Is(err, pairing.ErrNotOwner),
		errors.Is(err, remote.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, ErrCodeForbidden, err.Error())
	case errors.Is(err, pairing.ErrCodeSpaceExhausted),
		errors.Is(err, remote.ErrTransactionContention):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, watch.ErrTooManyWatches):
		writeError(w, http.StatusTooManyRequests, ErrCodeTooMany, err.Error())
	case errors.Is(err, remote.ErrDisconnected),
		errors.Is(err, watch.ErrWatcherClosed):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "remote store unavailable")
	default:
		s.logger.Error("request failed",
			"error", err,
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", r.Context().Value(ctxKeyRequestID),
		)
		writeInternalError(w, "internal server error")
	}
}
