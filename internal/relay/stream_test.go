package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avaigw/internal/api"
	"github.com/vyrodovalexey/avaigw/internal/util"
)

// sseBackend streams n chunks and optionally the done sentinel.
func sseBackend(t *testing.T, n int, sendDone bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < n; i++ {
			fmt.Fprintf(w, "data: {\"seq\":%d}\n\n", i)
			flusher.Flush()
		}
		if sendDone {
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
		}
	}))
}

func streamingRequest() *api.ChatCompletionRequest {
	r := chatRequest()
	r.Stream = true
	return r
}

func TestRelay_Stream_Passthrough(t *testing.T) {
	srv := sseBackend(t, 3, true)
	defer srv.Close()

	r, _, reg := newRelayHarness(t, srv.URL)

	var chunks []string
	res, err := r.Stream(context.Background(), "req-1", streamingRequest(), []byte(`{}`), func(p []byte) error {
		chunks = append(chunks, string(p))
		return nil
	})
	require.NoError(t, err)

	assert.True(t, res.Completed)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, []string{`{"seq":0}`, `{"seq":1}`, `{"seq":2}`, "[DONE]"}, chunks,
		"chunks arrive in order with the sentinel last")
	assert.Equal(t, int64(0), reg.Snapshot().Get("vllm-0").InFlight())
}

func TestRelay_Stream_TruncatedUpstream(t *testing.T) {
	srv := sseBackend(t, 2, false)
	defer srv.Close()

	r, _, reg := newRelayHarness(t, srv.URL)

	res, err := r.Stream(context.Background(), "req-1", streamingRequest(), []byte(`{}`), func([]byte) error {
		return nil
	})

	var be *util.BackendError
	require.ErrorAs(t, err, &be)
	assert.False(t, res.Completed)
	assert.Equal(t, 2, res.Chunks, "partial output was still delivered")
	assert.Equal(t, int64(0), reg.Snapshot().Get("vllm-0").InFlight())
}

func TestRelay_Stream_ClientDisconnectCancelsUpstream(t *testing.T) {
	upstreamDone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"seq\":0}\n\n")
		flusher.Flush()
		<-r.Context().Done()
		close(upstreamDone)
	}))
	defer srv.Close()

	r, _, reg := newRelayHarness(t, srv.URL)

	_, err := r.Stream(context.Background(), "req-1", streamingRequest(), []byte(`{}`), func(p []byte) error {
		return errors.New("client went away")
	})
	assert.ErrorIs(t, err, util.ErrClientCancelled)

	select {
	case <-upstreamDone:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream call was not cancelled")
	}
	assert.Equal(t, int64(0), reg.Snapshot().Get("vllm-0").InFlight())
}

func TestRelay_Stream_NoRetryAfterFirstChunk(t *testing.T) {
	var fallbackCalls atomic.Int64

	// Streams one chunk, then drops the connection.
	dying := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"seq\":0}\n\n")
		flusher.Flush()
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			_ = conn.Close()
		}
	}))
	defer dying.Close()

	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fallbackCalls.Add(1)
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer fallback.Close()

	r, rt, _ := newRelayHarness(t, dying.URL, fallback.URL)
	id := pickTarget(t, rt, "vllm-0")

	res, err := r.Stream(context.Background(), id, streamingRequest(), []byte(`{}`), func([]byte) error {
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, "vllm-0", res.Backend)
	assert.Equal(t, int64(0), fallbackCalls.Load(), "no silent retry once bytes were forwarded")
}

func TestRelay_Stream_RetryBeforeFirstByte(t *testing.T) {
	refusing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer refusing.Close()

	healthy := sseBackend(t, 1, true)
	defer healthy.Close()

	r, rt, _ := newRelayHarness(t, refusing.URL, healthy.URL)
	id := pickTarget(t, rt, "vllm-0")

	res, err := r.Stream(context.Background(), id, streamingRequest(), []byte(`{}`), func([]byte) error {
		return nil
	})
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, "vllm-1", res.Backend)
}
