package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vyrodovalexey/avaigw/internal/api"
	"github.com/vyrodovalexey/avaigw/internal/config"
	"github.com/vyrodovalexey/avaigw/internal/observability"
	"github.com/vyrodovalexey/avaigw/internal/router"
	"github.com/vyrodovalexey/avaigw/internal/util"
)

// minRetryBudget is the remaining time below which a retry is not
// worth attempting.
const minRetryBudget = time.Second

// Relay dispatches requests to backends picked by the router.
type Relay struct {
	router   *router.Router
	client   *http.Client
	timeouts config.TimeoutConfig
	logger   observability.Logger
	metrics  *observability.Metrics
}

// Option configures a Relay.
type Option func(*Relay)

// WithRelayLogger sets the relay's logger.
func WithRelayLogger(logger observability.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

// WithRelayMetrics sets the metrics sink for backend call accounting.
func WithRelayMetrics(metrics *observability.Metrics) Option {
	return func(r *Relay) {
		r.metrics = metrics
	}
}

// WithHTTPClient sets the HTTP client used for backend calls. The
// client must not carry its own timeout; budgets come from contexts.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Relay) {
		r.client = client
	}
}

// New creates a Relay.
func New(rt *router.Router, timeouts config.TimeoutConfig, opts ...Option) *Relay {
	r := &Relay{
		router:   rt,
		client:   &http.Client{},
		timeouts: timeouts,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Result is the outcome of a non-streaming dispatch.
type Result struct {
	// Body is the backend's response body.
	Body []byte

	// Backend is the backend that produced the response.
	Backend string

	// Retried reports whether a second backend was attempted.
	Retried bool
}

// Complete forwards a non-streaming request. On a backend-attributable
// failure it retries once against a different backend, provided the
// request is deterministic and the budget has at least minRetryBudget
// left. Non-deterministic requests may have produced output on the
// failed backend, so they are never replayed.
func (r *Relay) Complete(ctx context.Context, requestID string, req api.InferenceRequest, body []byte) (*Result, error) {
	sel, err := r.router.Pick(requestID, req.ModelName(), nil)
	if err != nil {
		return nil, err
	}

	out, firstErr := r.callOnce(ctx, sel, requestPath(req), body)
	if firstErr == nil {
		return &Result{Body: out, Backend: sel.Backend.Name}, nil
	}
	if !req.Cacheable() || !retryable(ctx, firstErr) {
		return nil, firstErr
	}

	// One bounded retry to a different backend.
	retrySel, err := r.router.Pick(requestID, req.ModelName(), map[string]bool{sel.Backend.Name: true})
	if err != nil {
		// Nowhere else to go; report the original failure.
		return nil, firstErr
	}

	if r.metrics != nil {
		r.metrics.RecordRetry(req.ModelName())
	}
	r.logger.Info("retrying request on another backend",
		observability.String("requestId", requestID),
		observability.String("failed", sel.Backend.Name),
		observability.String("retry", retrySel.Backend.Name),
	)

	out, err = r.callOnce(ctx, retrySel, requestPath(req), body)
	if err != nil {
		return nil, err
	}
	return &Result{Body: out, Backend: retrySel.Backend.Name, Retried: true}, nil
}

// callOnce performs one backend call and settles the selection.
func (r *Relay) callOnce(ctx context.Context, sel *router.Selection, path string, body []byte) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeouts.BackendCall.Duration())
	defer cancel()

	start := time.Now()
	out, err := r.post(callCtx, sel.Backend.Address+path, body)
	elapsed := time.Since(start)

	if err != nil {
		classified := r.classify(err, sel.Backend.Name)
		// Client cancellation says nothing about backend health.
		if errors.Is(classified, util.ErrClientCancelled) {
			sel.Cancel()
			return nil, classified
		}
		sel.Done(false, elapsed)
		r.recordCall(sel.Backend.Name, classified, elapsed)
		return nil, classified
	}

	sel.Done(true, elapsed)
	r.recordCall(sel.Backend.Name, nil, elapsed)
	return out, nil
}

// post sends the request body and returns the response body. Non-2xx
// responses become BackendErrors carrying the status.
func (r *Relay) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		e := util.NewBackendError("", fmt.Sprintf("backend returned status %d", resp.StatusCode))
		e.Status = resp.StatusCode
		return nil, e
	}
	return out, nil
}

// classify maps transport errors onto the gateway's error taxonomy.
func (r *Relay) classify(err error, backend string) error {
	var be *util.BackendError
	if errors.As(err, &be) {
		be.Backend = backend
		return be
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return util.NewBackendTimeout(backend, r.timeouts.BackendCall.Duration())
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", util.ErrClientCancelled, err)
	}
	return util.NewBackendErrorWithCause(backend, "backend call failed", err)
}

func (r *Relay) recordCall(backend string, err error, elapsed time.Duration) {
	if r.metrics == nil {
		return
	}
	switch {
	case err == nil:
		r.metrics.RecordBackendCall(backend, "success", elapsed)
	case util.IsBackendTimeout(err):
		r.metrics.RecordBackendCall(backend, "timeout", elapsed)
	default:
		r.metrics.RecordBackendCall(backend, "error", elapsed)
	}
}

// retryable reports whether a failed call may move to another backend.
func retryable(ctx context.Context, err error) bool {
	if errors.Is(err, util.ErrClientCancelled) {
		return false
	}

	deadline, ok := ctx.Deadline()
	if ok && time.Until(deadline) < minRetryBudget {
		return false
	}

	// Backend 4xx means the request itself is the problem; another
	// backend would reject it the same way.
	var be *util.BackendError
	if errors.As(err, &be) && !be.Timeout && be.Status >= 400 && be.Status < 500 {
		return false
	}
	return true
}

// requestPath maps a request shape to its backend endpoint.
func requestPath(req api.InferenceRequest) string {
	switch req.(type) {
	case *api.ChatCompletionRequest:
		return "/v1/chat/completions"
	default:
		return "/v1/completions"
	}
}
