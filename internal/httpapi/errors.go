package httpapi

import (
	"encoding/json"
	"net/http"

	"inferd/internal/frontend"
	"inferd/internal/registry"
	"inferd/internal/scheduler"
	"inferd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// statusFor maps a domain error from frontend/registry/scheduler to the HTTP
// status code it should surface as. Unrecognized errors map to 500.
func statusFor(err error) int {
	switch {
	case frontend.IsValidation(err):
		return http.StatusBadRequest
	case frontend.IsRateLimited(err):
		return http.StatusTooManyRequests
	case frontend.IsOverloaded(err):
		return http.StatusServiceUnavailable
	case frontend.IsShuttingDown(err):
		return http.StatusServiceUnavailable
	case registry.IsUnknownModel(err):
		return http.StatusNotFound
	case scheduler.IsQueueFull(err):
		return http.StatusServiceUnavailable
	case isHTTPError(err):
		he, _ := err.(HTTPError)
		return he.StatusCode()
	default:
		return http.StatusInternalServerError
	}
}

func isHTTPError(err error) bool {
	_, ok := err.(HTTPError)
	return ok
}

// queueFullRetryAfterSeconds is the Retry-After hint sent alongside a
// queue-full 503, roughly one scheduling tick's worth of wait.
const queueFullRetryAfterSeconds = "1"

func writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	switch {
	case frontend.IsRateLimited(err):
		IncrementBackpressure(backpressureReason(err))
	case scheduler.IsQueueFull(err):
		IncrementBackpressure(backpressureReason(err))
		w.Header().Set("Retry-After", queueFullRetryAfterSeconds)
	}
	writeJSONError(w, status, err.Error())
}

func backpressureReason(err error) string {
	switch {
	case frontend.IsRateLimited(err):
		return "rate_limited"
	case scheduler.IsQueueFull(err):
		return "queue_full"
	default:
		return "unspecified"
	}
}
