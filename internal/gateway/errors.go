package gateway

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avaigw/internal/api"
	"github.com/vyrodovalexey/avaigw/internal/observability"
	"github.com/vyrodovalexey/avaigw/internal/util"
)

// statusClientClosedRequest is the nginx convention for a client that
// disconnected before the response was written.
const statusClientClosedRequest = 499

// errorStatus maps a terminal error to the HTTP status, stable error
// code, and error type reported to the client.
func errorStatus(err error) (int, api.ErrorDetail) {
	var validationErr *util.ValidationError
	var rateErr *util.RateLimitError
	var backendErr *util.BackendError
	var timeoutErr *util.TimeoutError

	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, api.ErrorDetail{
			Code:    api.CodeValidationError,
			Message: validationErr.Error(),
			Type:    "invalid_request_error",
		}
	case errors.Is(err, util.ErrUnauthorized):
		return http.StatusUnauthorized, api.ErrorDetail{
			Code:    api.CodeUnauthorized,
			Message: "missing or invalid credential",
			Type:    "authentication_error",
		}
	case errors.As(err, &rateErr), errors.Is(err, util.ErrRateLimited):
		return http.StatusTooManyRequests, api.ErrorDetail{
			Code:    api.CodeRateLimited,
			Message: err.Error(),
			Type:    "rate_limit",
		}
	case errors.Is(err, util.ErrNoBackendAvailable):
		return http.StatusServiceUnavailable, api.ErrorDetail{
			Code:    api.CodeNoBackendAvailable,
			Message: "no backend available for the requested model",
			Type:    "capacity",
		}
	case util.IsBackendTimeout(err):
		return http.StatusGatewayTimeout, api.ErrorDetail{
			Code:    api.CodeBackendTimeout,
			Message: err.Error(),
			Type:    "upstream",
		}
	case errors.As(err, &timeoutErr):
		return http.StatusGatewayTimeout, api.ErrorDetail{
			Code:    api.CodeBackendTimeout,
			Message: timeoutErr.Error(),
			Type:    "timeout",
		}
	case errors.As(err, &backendErr), errors.Is(err, util.ErrCacheComputeFailed):
		return http.StatusBadGateway, api.ErrorDetail{
			Code:    api.CodeBackendError,
			Message: err.Error(),
			Type:    "upstream",
		}
	case errors.Is(err, util.ErrClientCancelled):
		return statusClientClosedRequest, api.ErrorDetail{
			Code:    api.CodeClientCancelled,
			Message: "client cancelled the request",
			Type:    "cancelled",
		}
	default:
		return http.StatusInternalServerError, api.ErrorDetail{
			Code:    api.CodeInternal,
			Message: "internal server error",
			Type:    "internal",
		}
	}
}

// writeError reports a terminal error to the client. Rate-limit errors
// carry a Retry-After header.
func writeError(c *gin.Context, err error) {
	status, detail := errorStatus(err)

	var rateErr *util.RateLimitError
	if errors.As(err, &rateErr) && rateErr.RetryAfter > 0 {
		secs := int(rateErr.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
	}

	c.AbortWithStatusJSON(status, api.ErrorResponse{Error: detail})
}

// outcomeFor maps a terminal error to its metrics outcome label.
func outcomeFor(err error) string {
	if err == nil {
		return observability.OutcomeCompleted
	}

	var validationErr *util.ValidationError
	var timeoutErr *util.TimeoutError
	switch {
	case errors.As(err, &validationErr):
		return observability.OutcomeValidationError
	case errors.Is(err, util.ErrRateLimited):
		return observability.OutcomeRateLimited
	case errors.Is(err, util.ErrNoBackendAvailable):
		return observability.OutcomeNoBackendAvailable
	case util.IsBackendTimeout(err), errors.As(err, &timeoutErr):
		return observability.OutcomeBackendTimeout
	case errors.Is(err, util.ErrClientCancelled):
		return observability.OutcomeClientCancelled
	default:
		return observability.OutcomeBackendError
	}
}
