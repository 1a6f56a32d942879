package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"servingd/internal/manager"
	"servingd/internal/pipeline"
	"servingd/internal/sequence"
	"servingd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

type badRequestError struct{ msg string }

func (e badRequestError) Error() string   { return e.msg }
func (e badRequestError) StatusCode() int { return http.StatusBadRequest }

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var he HTTPError
	switch {
	case errors.As(err, &he):
		return he.StatusCode()
	case manager.IsModelNotFound(err),
		errors.Is(err, manager.ErrVersionNotFound),
		errors.Is(err, pipeline.ErrPipelineNotFound):
		return http.StatusNotFound
	case sequence.IsBadRequest(err),
		errors.Is(err, pipeline.ErrMissingPipelineInput):
		return http.StatusBadRequest
	case manager.IsModelUnavailable(err),
		manager.IsDependencyUnavailable(err),
		errors.Is(err, pipeline.ErrPipelineUnavailable),
		errors.Is(err, sequence.ErrMaxSequencesReached):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// unavailableReason labels 503 responses for the rejection metric.
func unavailableReason(err error) string {
	switch {
	case manager.IsDependencyUnavailable(err):
		return "dependency"
	case errors.Is(err, sequence.ErrMaxSequencesReached):
		return "max_sequences"
	case errors.Is(err, pipeline.ErrPipelineUnavailable):
		return "pipeline"
	default:
		return "model"
	}
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// writeError maps err to a status and writes it.
func writeError(w http.ResponseWriter, err error) int {
	status := statusFor(err)
	if status == http.StatusServiceUnavailable {
		IncrementUnavailable(unavailableReason(err))
	}
	writeJSONError(w, status, err.Error())
	return status
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}
