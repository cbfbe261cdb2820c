package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"diffusiond/internal/errdefs"
	"diffusiond/internal/session"
	"diffusiond/pkg/types"
)

// HTTPError lets a service choose the status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps service errors onto HTTP status codes and a stable kind label.
func statusFor(err error) (int, string) {
	var he HTTPError
	switch {
	case errors.As(err, &he):
		return he.StatusCode(), errdefs.Kind(err)
	case session.IsBusy(err):
		return http.StatusTooManyRequests, "busy"
	case session.IsNotFinished(err):
		return http.StatusConflict, "not_finished"
	case errdefs.IsInvalidRequest(err):
		return http.StatusBadRequest, "invalid_request"
	case errdefs.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errdefs.IsIncompatibleAdapter(err):
		return http.StatusUnprocessableEntity, "incompatible_adapter"
	case errdefs.IsResourceExhausted(err), errdefs.IsInsufficientMemory(err):
		return http.StatusServiceUnavailable, errdefs.Kind(err)
	case errdefs.IsCancelled(err):
		return http.StatusConflict, "cancelled"
	default:
		return http.StatusInternalServerError, errdefs.Kind(err)
	}
}

// writeError writes err as a JSON error payload and returns the status used.
func writeError(w http.ResponseWriter, err error) int {
	status, kind := statusFor(err)
	if status == http.StatusTooManyRequests {
		IncrementBackpressure("queue")
	}
	writeJSONError(w, status, err.Error(), kind)
	return status
}

func writeJSONError(w http.ResponseWriter, status int, msg, kind string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status, Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zlog.Error().Err(err).Msg("encode response")
	}
}
