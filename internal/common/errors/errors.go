// Package errors provides standardized error classification for the
// verification and enforcement pipeline. The Retryable flag set here is
// the single source of truth consumed by the dispatcher retry policy.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ==========================
// 1. Error Codes
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	// Cache failures are absorbed by the cache adapter and never reach a
	// caller as errors; the code exists for logging and counters.
	ErrCodeCacheUnavailable ErrorCode = "CACHE_UNAVAILABLE"

	// Retryable remote failures.
	ErrCodeRemoteTimeout     ErrorCode = "REMOTE_TIMEOUT"
	ErrCodeRemoteThrottled   ErrorCode = "REMOTE_THROTTLED"
	ErrCodeRemoteUnavailable ErrorCode = "REMOTE_UNAVAILABLE"

	// Permanent remote failures.
	ErrCodeRemoteForbidden  ErrorCode = "REMOTE_FORBIDDEN"
	ErrCodeRemoteNotFound   ErrorCode = "REMOTE_NOT_FOUND"
	ErrCodeRemoteBadRequest ErrorCode = "REMOTE_BAD_REQUEST"

	// Dispatcher-level failures.
	ErrCodeQueueOverflow    ErrorCode = "QUEUE_OVERFLOW"
	ErrCodeRetriesExhausted ErrorCode = "RETRIES_EXHAUSTED"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	Retryable  bool                   `json:"retryable"`
	RetryAfter time.Duration          `json:"retryAfter,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// ==========================
// 2. Error Constructors
// ==========================

// NewCacheUnavailableError wraps a cache backend failure. Callers treat it
// as a miss; it exists so the degradation is visible in logs and counters.
func NewCacheUnavailableError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeCacheUnavailable,
		Message:   "Cache backend unavailable",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewRemoteTimeoutError creates a retryable timeout error for a remote call.
func NewRemoteTimeoutError(operation string) *StandardError {
	return &StandardError{
		Code:      ErrCodeRemoteTimeout,
		Message:   "Remote call timed out",
		Details:   fmt.Sprintf("operation: %s", operation),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewRemoteThrottledError creates a retryable throttle error carrying the
// server-specified minimum wait.
func NewRemoteThrottledError(operation string, retryAfter time.Duration) *StandardError {
	return &StandardError{
		Code:       ErrCodeRemoteThrottled,
		Message:    "Remote platform throttled the call",
		Details:    fmt.Sprintf("operation: %s", operation),
		Retryable:  true,
		RetryAfter: retryAfter,
		Timestamp:  time.Now().UTC(),
	}
}

// NewRemoteUnavailableError creates a retryable server-side failure error.
func NewRemoteUnavailableError(operation string, status int, body string) *StandardError {
	return &StandardError{
		Code:      ErrCodeRemoteUnavailable,
		Message:   "Remote platform returned a server error",
		Details:   fmt.Sprintf("operation: %s, status: %d, body: %s", operation, status, body),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewRemoteForbiddenError creates a permanent authorization error.
func NewRemoteForbiddenError(operation, description string) *StandardError {
	return &StandardError{
		Code:      ErrCodeRemoteForbidden,
		Message:   "Remote platform rejected the call as forbidden",
		Details:   fmt.Sprintf("operation: %s, description: %s", operation, description),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewRemoteNotFoundError creates a permanent not-found error.
func NewRemoteNotFoundError(operation, description string) *StandardError {
	return &StandardError{
		Code:      ErrCodeRemoteNotFound,
		Message:   "Remote entity not found",
		Details:   fmt.Sprintf("operation: %s, description: %s", operation, description),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewRemoteBadRequestError creates a permanent malformed-request error.
func NewRemoteBadRequestError(operation, description string) *StandardError {
	return &StandardError{
		Code:      ErrCodeRemoteBadRequest,
		Message:   "Remote platform rejected the request",
		Details:   fmt.Sprintf("operation: %s, description: %s", operation, description),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewQueueOverflowError creates the synchronous rejection returned to bulk
// callers when the dispatcher backlog exceeds its threshold.
func NewQueueOverflowError(depth, threshold int) *StandardError {
	return &StandardError{
		Code:      ErrCodeQueueOverflow,
		Message:   "Dispatcher backlog full, bulk job rejected",
		Details:   fmt.Sprintf("depth: %d, threshold: %d", depth, threshold),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewRetriesExhaustedError wraps the last retryable error after the maximum
// attempt count has been spent. The result is terminal and not retryable.
func NewRetriesExhaustedError(attempts int, last error) *StandardError {
	details := ""
	if last != nil {
		details = last.Error()
	}
	return &StandardError{
		Code:      ErrCodeRetriesExhausted,
		Message:   fmt.Sprintf("Remote call failed after %d attempts", attempts),
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// ==========================
// 3. Classification Helpers
// ==========================

// AsStandard extracts a *StandardError from an error chain, or nil.
func AsStandard(err error) *StandardError {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr
	}
	return nil
}

// IsRetryable reports whether the error is a transient failure the
// dispatcher may retry. Unclassified errors are treated as permanent so an
// unexpected failure can never loop.
func IsRetryable(err error) bool {
	if stdErr := AsStandard(err); stdErr != nil {
		return stdErr.Retryable
	}
	return false
}

// IsCode reports whether the error carries the given code.
func IsCode(err error, code ErrorCode) bool {
	if stdErr := AsStandard(err); stdErr != nil {
		return stdErr.Code == code
	}
	return false
}

// RetryAfterHint returns the server-specified minimum wait, if any.
func RetryAfterHint(err error) time.Duration {
	if stdErr := AsStandard(err); stdErr != nil {
		return stdErr.RetryAfter
	}
	return 0
}
