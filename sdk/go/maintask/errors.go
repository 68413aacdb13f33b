// Package maintask provides a Go client for the maintask control API.
package maintask

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents an error from the maintask API with the HTTP status code
// and the server's error code and message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	// RunID is set when the server created a Run but could not enqueue it.
	RunID string
}

func (e *Error) Error() string {
	return fmt.Sprintf("maintask: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func hasStatus(err error, status int) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == status
}

// IsNotFound returns true for unknown tasks and runs.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsInvalid returns true when the server rejected the arguments or CSV.
func IsInvalid(err error) bool { return hasStatus(err, http.StatusBadRequest) }

// IsConflict returns true when the action is not allowed in the Run's
// current status.
func IsConflict(err error) bool { return hasStatus(err, http.StatusConflict) }

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool { return hasStatus(err, http.StatusTooManyRequests) }

// IsEnqueueFailed returns true when the Run was stored but the queue was
// unavailable. The Run is left errored; Error.RunID identifies it.
func IsEnqueueFailed(err error) bool { return hasStatus(err, http.StatusServiceUnavailable) }
