// Package response provides the HTTP envelope used by the ops server's
// task-execution and diagnostics endpoints. The engine's HTTP surface has no
// resource-creation or paginated-listing endpoints — every response is
// either a point-in-time result (task execution, pool stats) or an error —
// so the envelope carries only what those two shapes need.
package response

import (
	"encoding/json"
	"net/http"
)

// Response is the standard envelope for every ops-server response.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo contains error details
type ErrorInfo struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// APIError represents an API error with HTTP status
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]string
}

func (e *APIError) Error() string {
	return e.Message
}

// WithDetails adds details to the error
func (e *APIError) WithDetails(key, value string) *APIError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Sentinel errors for the ops server's task-lookup and request-decode
// failure paths (handleExecuteTask, handleTurboMap) and its own internal
// failures.
var (
	ErrBadRequest = &APIError{
		StatusCode: http.StatusBadRequest,
		Code:       "BAD_REQUEST",
		Message:    "invalid request body",
	}

	ErrNotFound = &APIError{
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    "no task registered under that name",
	}

	ErrInternal = &APIError{
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    "task submission failed",
	}

	ErrRateLimited = &APIError{
		StatusCode: http.StatusTooManyRequests,
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "too many requests, please try again later",
	}
)

// OK sends a 200 response with Data set.
func OK(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(Response{Success: true, Data: data})
}

// Error sends err's status code with its code/message/details populated.
func Error(w http.ResponseWriter, err *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode)
	json.NewEncoder(w).Encode(Response{
		Success: false,
		Error: &ErrorInfo{
			Code:    err.Code,
			Message: err.Message,
			Details: err.Details,
		},
	})
}
