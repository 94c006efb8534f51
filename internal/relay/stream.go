package relay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vyrodovalexey/avaigw/internal/api"
	"github.com/vyrodovalexey/avaigw/internal/router"
	"github.com/vyrodovalexey/avaigw/internal/util"
)

// DoneSentinel is the payload of the final event in an SSE stream.
const DoneSentinel = "[DONE]"

// ChunkFunc receives one event payload in arrival order. Returning an
// error aborts the stream; the relay treats that as a client
// disconnect.
type ChunkFunc func(payload []byte) error

// StreamResult reports how a streaming dispatch ended.
type StreamResult struct {
	// Backend is the backend the stream came from.
	Backend string

	// Chunks is the number of payload events forwarded, excluding
	// the done sentinel.
	Chunks int

	// Completed reports whether the stream reached its done sentinel.
	Completed bool
}

// Stream forwards a streaming request, handing each upstream event to
// emit as soon as it arrives. Order is preserved and nothing is
// buffered beyond the current event. Before the first event a
// connection failure may retry on a different backend; after the
// first event the stream is never retried, and an upstream failure
// surfaces as an error alongside the partial result.
func (r *Relay) Stream(ctx context.Context, requestID string, req api.InferenceRequest, body []byte, emit ChunkFunc) (*StreamResult, error) {
	sel, err := r.router.Pick(requestID, req.ModelName(), nil)
	if err != nil {
		return nil, err
	}

	res, err := r.streamOnce(ctx, sel, requestPath(req), body, emit)
	if err == nil || res.Chunks > 0 || !retryable(ctx, err) {
		return res, err
	}

	// Nothing was forwarded yet, so a second backend is safe.
	retrySel, pickErr := r.router.Pick(requestID, req.ModelName(), map[string]bool{sel.Backend.Name: true})
	if pickErr != nil {
		return res, err
	}

	if r.metrics != nil {
		r.metrics.RecordRetry(req.ModelName())
	}
	return r.streamOnce(ctx, retrySel, requestPath(req), body, emit)
}

// streamOnce relays one backend stream and settles the selection.
func (r *Relay) streamOnce(ctx context.Context, sel *router.Selection, path string, body []byte, emit ChunkFunc) (*StreamResult, error) {
	res := &StreamResult{Backend: sel.Backend.Name}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, sel.Backend.Address+path, bytes.NewReader(body))
	if err != nil {
		sel.Done(false, 0)
		return res, util.NewBackendErrorWithCause(sel.Backend.Name, "building stream request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	start := time.Now()
	resp, err := r.client.Do(httpReq)
	if err != nil {
		classified := r.classify(err, sel.Backend.Name)
		if errors.Is(classified, util.ErrClientCancelled) {
			sel.Cancel()
			return res, classified
		}
		sel.Done(false, time.Since(start))
		r.recordCall(sel.Backend.Name, classified, time.Since(start))
		return res, classified
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		elapsed := time.Since(start)
		sel.Done(false, elapsed)
		e := util.NewBackendError(sel.Backend.Name, fmt.Sprintf("backend returned status %d", resp.StatusCode))
		e.Status = resp.StatusCode
		r.recordCall(sel.Backend.Name, e, elapsed)
		return res, e
	}

	err = r.copyEvents(streamCtx, resp, sel.Backend.Name, res, emit)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		res.Completed = true
		sel.Done(true, elapsed)
		r.recordCall(sel.Backend.Name, nil, elapsed)
		return res, nil

	case errors.Is(err, util.ErrClientCancelled):
		// Cancelling streamCtx tears down the upstream connection.
		sel.Cancel()
		return res, err

	default:
		sel.Done(false, elapsed)
		r.recordCall(sel.Backend.Name, err, elapsed)
		return res, err
	}
}

// copyEvents pumps SSE data events from the backend to emit until the
// done sentinel, upstream EOF, or cancellation.
func (r *Relay) copyEvents(ctx context.Context, resp *http.Response, backend string, res *StreamResult, emit ChunkFunc) error {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		if payload == DoneSentinel {
			if err := emit([]byte(DoneSentinel)); err != nil {
				return fmt.Errorf("%w: %v", util.ErrClientCancelled, err)
			}
			return nil
		}

		if err := emit([]byte(payload)); err != nil {
			return fmt.Errorf("%w: %v", util.ErrClientCancelled, err)
		}
		res.Chunks++
		if r.metrics != nil {
			r.metrics.RecordStreamChunk(backend)
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", util.ErrClientCancelled, ctx.Err())
		}
		return util.NewBackendErrorWithCause(backend, "stream interrupted", err)
	}

	// EOF without the done sentinel is a truncated stream.
	return util.NewBackendError(backend, "stream ended before completion")
}
