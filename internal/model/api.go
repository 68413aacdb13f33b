package model

import (
	"time"

	"github.com/google/uuid"
)

// Field length limits for request fields.
const (
	MaxTaskNameLen    = 200
	MaxArgumentLen    = 16 * 1024 // 16 KB
	MaxArgumentsCount = 64
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeEnqueueFailed = "ENQUEUE_FAILED"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeTooLarge      = "PAYLOAD_TOO_LARGE"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// CreateRunRequest is the JSON request body for POST /v1/tasks/{task}/runs.
// Multipart requests carry the same arguments as form fields plus a "csv" file.
type CreateRunRequest struct {
	Arguments map[string]string `json:"arguments,omitempty"`
}

// RunView is the API representation of a run, including derived progress.
type RunView struct {
	Run
	Progress *float64 `json:"progress,omitempty"`
}

// NewRunView builds the API view of r.
func NewRunView(r Run) RunView {
	return RunView{Run: r, Progress: r.Progress()}
}

// ControlResponse is returned by the pause, resume and cancel endpoints.
type ControlResponse struct {
	RunID  uuid.UUID `json:"run_id"`
	Status RunStatus `json:"status"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Storage  string `json:"storage"`
	Queue    string `json:"queue,omitempty"`
	Tasks    int    `json:"tasks"`
	Uptime   int64  `json:"uptime_seconds"`
	Worker   string `json:"worker,omitempty"`
	Database string `json:"database_driver"`
}
