package gateway

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vyrodovalexey/avaigw/internal/api"
	"github.com/vyrodovalexey/avaigw/internal/observability"
	"github.com/vyrodovalexey/avaigw/internal/util"
)

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", util.NewValidationError("bad field"), http.StatusBadRequest, api.CodeValidationError},
		{"unauthorized", util.ErrUnauthorized, http.StatusUnauthorized, api.CodeUnauthorized},
		{"rate limited", util.NewRateLimitError("p", "basic", time.Second), http.StatusTooManyRequests, api.CodeRateLimited},
		{"no backend", util.ErrNoBackendAvailable, http.StatusServiceUnavailable, api.CodeNoBackendAvailable},
		{"backend timeout", util.NewBackendTimeout("b1", time.Second), http.StatusGatewayTimeout, api.CodeBackendTimeout},
		{"request timeout", util.NewTimeoutError("cache wait", time.Second), http.StatusGatewayTimeout, api.CodeBackendTimeout},
		{"backend error", util.NewBackendError("b1", "boom"), http.StatusBadGateway, api.CodeBackendError},
		{"cache compute", util.NewCacheComputeError(errors.New("boom")), http.StatusBadGateway, api.CodeBackendError},
		{"client cancelled", util.ErrClientCancelled, statusClientClosedRequest, api.CodeClientCancelled},
		{"unknown", errors.New("unexpected"), http.StatusInternalServerError, api.CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, detail := errorStatus(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, detail.Code)
		})
	}
}

func TestOutcomeFor(t *testing.T) {
	assert.Equal(t, observability.OutcomeCompleted, outcomeFor(nil))
	assert.Equal(t, observability.OutcomeValidationError, outcomeFor(util.NewValidationError("x")))
	assert.Equal(t, observability.OutcomeRateLimited, outcomeFor(util.NewRateLimitError("p", "t", 0)))
	assert.Equal(t, observability.OutcomeNoBackendAvailable, outcomeFor(util.ErrNoBackendAvailable))
	assert.Equal(t, observability.OutcomeBackendTimeout, outcomeFor(util.NewBackendTimeout("b", time.Second)))
	assert.Equal(t, observability.OutcomeBackendTimeout, outcomeFor(util.NewTimeoutError("cache wait", time.Second)))
	assert.Equal(t, observability.OutcomeClientCancelled, outcomeFor(util.ErrClientCancelled))
	assert.Equal(t, observability.OutcomeBackendError, outcomeFor(util.NewBackendError("b", "x")))
}
