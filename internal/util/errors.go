// Package util provides shared error types and context helpers for the
// model-serving gateway.
//
// # Error Conventions
//
// This project follows a standardized error pattern across all packages:
//
//   - Sentinel errors (errors.New) for well-known, stable conditions
//     that callers check with errors.Is(). Example: ErrNoBackendAvailable.
//   - Structured error types for context-rich errors that carry
//     additional fields (e.g., ValidationError, BackendError). Each type
//     implements Error(), Unwrap() (if wrapping), and Is().
//   - fmt.Errorf with %w for ad-hoc wrapping that adds context to an
//     existing error without introducing a new type.
package util

import (
	"errors"
	"fmt"
	"time"
)

// Common sentinel errors.
var (
	// ErrNoBackendAvailable indicates that no backend serving the
	// requested model is selectable (all Open, Unavailable, or draining).
	ErrNoBackendAvailable = errors.New("no backend available")

	// ErrRateLimited indicates that the principal is over quota.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrClientCancelled indicates that the client disconnected or
	// cancelled the request.
	ErrClientCancelled = errors.New("client cancelled")

	// ErrCacheComputeFailed indicates that the single in-flight
	// computation for a cache fingerprint failed; waiters receive this
	// rather than retrying on their own.
	ErrCacheComputeFailed = errors.New("cache computation failed")

	// ErrUnauthorized indicates a missing or invalid credential.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrConfigInvalid indicates an invalid configuration.
	ErrConfigInvalid = errors.New("invalid configuration")
)

// ValidationError represents a malformed or unsupported request. It is
// returned immediately and never counted as a backend failure.
type ValidationError struct {
	Fields  map[string]string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error: %s (fields: %v)", e.Message, e.Fields)
}

// Is checks if the error matches the target.
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{Message: message, Fields: make(map[string]string)}
}

// AddField adds a field error.
func (e *ValidationError) AddField(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = message
}

// HasFields reports whether any field errors were recorded.
func (e *ValidationError) HasFields() bool {
	return len(e.Fields) > 0
}

// NewCacheComputeError wraps the failure of an in-flight cache
// computation for the callers that were waiting on it.
func NewCacheComputeError(cause error) error {
	return fmt.Errorf("%w: %v", ErrCacheComputeFailed, cause)
}

// BackendError represents a backend-attributable failure. Timeout
// distinguishes a per-call budget overrun from a reported error; both
// feed the health monitor and the circuit breaker.
type BackendError struct {
	Backend string
	Status  int
	Timeout bool
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("backend %s timeout: %s", e.Backend, e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("backend %s error: %s: %v", e.Backend, e.Message, e.Cause)
	default:
		return fmt.Sprintf("backend %s error: %s", e.Backend, e.Message)
	}
}

// Unwrap returns the underlying error.
func (e *BackendError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *BackendError) Is(target error) bool {
	_, ok := target.(*BackendError)
	return ok || errors.Is(e.Cause, target)
}

// NewBackendError creates a new BackendError.
func NewBackendError(backend, message string) *BackendError {
	return &BackendError{Backend: backend, Message: message}
}

// NewBackendErrorWithCause creates a new BackendError with a cause.
func NewBackendErrorWithCause(backend, message string, cause error) *BackendError {
	return &BackendError{Backend: backend, Message: message, Cause: cause}
}

// NewBackendTimeout creates a BackendError marking a per-call budget
// overrun.
func NewBackendTimeout(backend string, budget time.Duration) *BackendError {
	return &BackendError{
		Backend: backend,
		Timeout: true,
		Message: fmt.Sprintf("call budget %s exceeded", budget),
	}
}

// IsBackendTimeout reports whether err is a backend timeout.
func IsBackendTimeout(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Timeout
}

// TimeoutError represents an end-to-end request budget overrun.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Operation, e.Duration)
}

// Is checks if the error matches the target.
func (e *TimeoutError) Is(target error) bool {
	_, ok := target.(*TimeoutError)
	return ok
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{Operation: operation, Duration: duration}
}

// RateLimitError carries the retry-after hint for a denied request.
type RateLimitError struct {
	Principal  string
	Tier       string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (tier %s), retry after %s",
		e.Principal, e.Tier, e.RetryAfter)
}

// Is checks if the error matches the target.
func (e *RateLimitError) Is(target error) bool {
	if target == ErrRateLimited {
		return true
	}
	_, ok := target.(*RateLimitError)
	return ok
}

// NewRateLimitError creates a new RateLimitError.
func NewRateLimitError(principal, tier string, retryAfter time.Duration) *RateLimitError {
	return &RateLimitError{Principal: principal, Tier: tier, RetryAfter: retryAfter}
}
