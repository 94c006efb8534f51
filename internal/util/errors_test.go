package util

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidationError(t *testing.T) {
	err := NewValidationError("missing model")
	err.AddField("model", "required")

	assert.Contains(t, err.Error(), "missing model")
	assert.Contains(t, err.Error(), "model")
	assert.True(t, errors.Is(err, &ValidationError{}))
}

func TestBackendError_Wrapping(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewBackendErrorWithCause("vllm-a", "dispatch failed", cause)

	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, cause, errors.Unwrap(err))
	assert.Contains(t, err.Error(), "vllm-a")
}

func TestBackendError_Timeout(t *testing.T) {
	err := NewBackendTimeout("vllm-a", 5*time.Second)

	assert.True(t, IsBackendTimeout(err))
	assert.Contains(t, err.Error(), "timeout")

	wrapped := fmt.Errorf("dispatch: %w", err)
	assert.True(t, IsBackendTimeout(wrapped))

	assert.False(t, IsBackendTimeout(NewBackendError("vllm-a", "bad status")))
}

func TestRateLimitError_IsSentinel(t *testing.T) {
	err := NewRateLimitError("user-1", "basic", 2*time.Second)

	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.Contains(t, err.Error(), "basic")
	assert.Equal(t, 2*time.Second, err.RetryAfter)
}

func TestTimeoutError(t *testing.T) {
	err := NewTimeoutError("request", time.Second)
	assert.Contains(t, err.Error(), "request timed out")
	assert.True(t, errors.Is(err, &TimeoutError{}))
}
