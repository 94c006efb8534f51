package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avaigw/internal/api"
	"github.com/vyrodovalexey/avaigw/internal/audit"
	"github.com/vyrodovalexey/avaigw/internal/cache"
	"github.com/vyrodovalexey/avaigw/internal/circuitbreaker"
	"github.com/vyrodovalexey/avaigw/internal/config"
	"github.com/vyrodovalexey/avaigw/internal/health"
	"github.com/vyrodovalexey/avaigw/internal/observability"
	"github.com/vyrodovalexey/avaigw/internal/ratelimit"
	"github.com/vyrodovalexey/avaigw/internal/registry"
	"github.com/vyrodovalexey/avaigw/internal/relay"
	"github.com/vyrodovalexey/avaigw/internal/router"
)

const testAPIKey = "test-key"

// fakeBackend is an httptest inference backend that answers both
// buffered and streaming completion requests.
type fakeBackend struct {
	srv    *httptest.Server
	calls  atomic.Int64
	delay  time.Duration
	status int
	chunks []string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		status: http.StatusOK,
		chunks: []string{`{"delta":"Hello"}`, `{"delta":" world"}`},
	}
	b.srv = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" {
		w.WriteHeader(http.StatusOK)
		return
	}
	b.calls.Add(1)
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	if b.status != http.StatusOK {
		w.WriteHeader(b.status)
		return
	}

	body, _ := io.ReadAll(r.Body)
	var req struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	_ = json.Unmarshal(body, &req)

	if req.Stream {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, chunk := range b.chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
		return
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"id":"cmpl-%d","object":"chat.completion","model":%q,`+
		`"choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],`+
		`"usage":{"prompt_tokens":5,"completion_tokens":7,"total_tokens":12}}`,
		b.calls.Load(), req.Model)
}

type env struct {
	cfg      *config.Config
	gw       *Gateway
	reg      *registry.Registry
	monitor  *health.Monitor
	breakers *circuitbreaker.Registry
	limiter  *ratelimit.Limiter
	metrics  *observability.Metrics
	srv      *httptest.Server

	auditLog *audit.Writer
	auditBuf *syncBuf
}

// syncBuf is a goroutine-safe buffer for the async audit writer.
type syncBuf struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuf) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuf) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func newEnv(t *testing.T, backends []config.BackendConfig, mutate func(*config.Config)) *env {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Backends = backends
	cfg.Listen.ClientRPS = 0
	cfg.Probes.Interval = config.Duration(time.Hour)
	cfg.Timeouts = config.TimeoutConfig{
		Request:     config.Duration(10 * time.Second),
		BackendCall: config.Duration(2 * time.Second),
	}
	cfg.Audit.Enabled = false
	cfg.Auth.APIKeys = []config.APIKeyConfig{
		{Key: testAPIKey, Principal: "tester", Tier: "premium"},
	}
	if mutate != nil {
		mutate(cfg)
	}

	metrics := observability.NewMetrics("gateway")
	reg := registry.New(cfg.Backends)
	breakers := circuitbreaker.NewRegistry(cfg.CircuitBreaker)
	monitor := health.NewMonitor(reg, cfg.Probes)
	limiter := ratelimit.NewLimiter(cfg.RateLimit)
	t.Cleanup(func() { _ = limiter.Close() })

	var loader *cache.Loader
	if cfg.Cache.Enabled {
		store, err := cache.New(cfg.Cache, observability.NopLogger())
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		loader = cache.NewLoader(store, cfg.Cache.TTL.Duration())
	}

	rt := router.New(reg, monitor, breakers, router.WithRouterMetrics(metrics))
	rel := relay.New(rt, cfg.Timeouts, relay.WithRelayMetrics(metrics))

	auth, err := NewAuthenticator(context.Background(), cfg.Auth)
	require.NoError(t, err)

	auditBuf := &syncBuf{}
	var auditLog *audit.Writer
	if cfg.Audit.Enabled {
		auditLog, err = audit.NewWriter(cfg.Audit, audit.WithOutput(auditBuf))
		require.NoError(t, err)
	}

	gw, err := New(cfg, Deps{
		Registry: reg,
		Monitor:  monitor,
		Breakers: breakers,
		Limiter:  limiter,
		Cache:    loader,
		Relay:    rel,
		Auth:     auth,
		Audit:    auditLog,
		Metrics:  metrics,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	return &env{
		cfg:      cfg,
		gw:       gw,
		reg:      reg,
		monitor:  monitor,
		breakers: breakers,
		limiter:  limiter,
		metrics:  metrics,
		srv:      srv,
		auditLog: auditLog,
		auditBuf: auditBuf,
	}
}

func singleBackend(b *fakeBackend) []config.BackendConfig {
	return []config.BackendConfig{
		{Name: "vllm-1", Address: b.srv.URL, Model: "llama-3-8b", Weight: 100},
	}
}

func chatBody(model string, extra map[string]any) []byte {
	body := map[string]any{
		"model": model,
		"messages": []map[string]any{
			{"role": "user", "content": "hello"},
		},
	}
	for k, v := range extra {
		body[k] = v
	}
	data, _ := json.Marshal(body)
	return data
}

func (e *env) post(t *testing.T, path string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func (e *env) get(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.srv.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeError(t *testing.T, resp *http.Response) api.ErrorDetail {
	t.Helper()
	defer resp.Body.Close()
	var er api.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&er))
	return er.Error
}

func TestGateway_ChatCompletion(t *testing.T) {
	backend := newFakeBackend(t)
	e := newEnv(t, singleBackend(backend), nil)

	resp := e.post(t, "/v1/chat/completions", chatBody("llama-3-8b", nil), nil)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))

	var out api.ChatCompletionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "llama-3-8b", out.Model)
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "hi", out.Choices[0].Message.Content)
	assert.EqualValues(t, 1, backend.calls.Load())
}

func TestGateway_Completions(t *testing.T) {
	backend := newFakeBackend(t)
	e := newEnv(t, singleBackend(backend), nil)

	body, _ := json.Marshal(map[string]any{"model": "llama-3-8b", "prompt": "say hi"})
	resp := e.post(t, "/v1/completions", body, nil)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, backend.calls.Load())
}

func TestGateway_Unauthorized(t *testing.T) {
	backend := newFakeBackend(t)
	e := newEnv(t, singleBackend(backend), nil)

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/v1/chat/completions",
		bytes.NewReader(chatBody("llama-3-8b", nil)))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, api.CodeUnauthorized, decodeError(t, resp).Code)
	assert.EqualValues(t, 0, backend.calls.Load())

	req, err = http.NewRequest(http.MethodPost, e.srv.URL+"/v1/chat/completions",
		bytes.NewReader(chatBody("llama-3-8b", nil)))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer wrong-key")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestGateway_ValidationErrors(t *testing.T) {
	backend := newFakeBackend(t)
	e := newEnv(t, singleBackend(backend), nil)

	resp := e.post(t, "/v1/chat/completions", []byte("{not json"), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, api.CodeValidationError, decodeError(t, resp).Code)

	body, _ := json.Marshal(map[string]any{
		"messages": []map[string]any{{"role": "user", "content": "hi"}},
	})
	resp = e.post(t, "/v1/chat/completions", body, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Validation failures never reach a backend.
	assert.EqualValues(t, 0, backend.calls.Load())
}

func TestGateway_RateLimited(t *testing.T) {
	backend := newFakeBackend(t)
	e := newEnv(t, singleBackend(backend), func(cfg *config.Config) {
		cfg.RateLimit.Tiers["tiny"] = config.TierLimits{PerMinute: 2, PerHour: 100, PerDay: 1000}
		cfg.Auth.APIKeys = []config.APIKeyConfig{
			{Key: testAPIKey, Principal: "tester", Tier: "tiny"},
		}
	})

	for i := 0; i < 2; i++ {
		resp := e.post(t, "/v1/chat/completions", chatBody("llama-3-8b", nil), nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	resp := e.post(t, "/v1/chat/completions", chatBody("llama-3-8b", nil), nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, api.CodeRateLimited, decodeError(t, resp).Code)

	// The denied request never reached a backend.
	assert.EqualValues(t, 2, backend.calls.Load())
}

func TestGateway_NoBackendAvailable(t *testing.T) {
	backend := newFakeBackend(t)
	e := newEnv(t, singleBackend(backend), nil)

	resp := e.post(t, "/v1/chat/completions", chatBody("no-such-model", nil), nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, api.CodeNoBackendAvailable, decodeError(t, resp).Code)
	assert.EqualValues(t, 0, backend.calls.Load())
}

func TestGateway_BackendError(t *testing.T) {
	backend := newFakeBackend(t)
	backend.status = http.StatusInternalServerError
	e := newEnv(t, singleBackend(backend), nil)

	resp := e.post(t, "/v1/chat/completions", chatBody("llama-3-8b", nil), nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, api.CodeBackendError, decodeError(t, resp).Code)
}

func TestGateway_CacheIdempotence(t *testing.T) {
	backend := newFakeBackend(t)
	e := newEnv(t, singleBackend(backend), nil)

	body := chatBody("llama-3-8b", map[string]any{"temperature": 0})

	resp := e.post(t, "/v1/chat/completions", body, nil)
	first, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.post(t, "/v1/chat/completions", body, nil)
	second, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	assert.Equal(t, first, second, "replay must be byte-identical from cache")
	assert.EqualValues(t, 1, backend.calls.Load())
}

func TestGateway_CacheCoalescesConcurrentRequests(t *testing.T) {
	backend := newFakeBackend(t)
	backend.delay = 100 * time.Millisecond
	e := newEnv(t, singleBackend(backend), nil)

	body := chatBody("llama-3-8b", map[string]any{"temperature": 0})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := e.post(t, "/v1/chat/completions", body, nil)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			resp.Body.Close()
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, backend.calls.Load(),
		"identical cacheable requests must share one upstream call")
}

func TestGateway_NonDeterministicRequestsBypassCache(t *testing.T) {
	backend := newFakeBackend(t)
	e := newEnv(t, singleBackend(backend), nil)

	body := chatBody("llama-3-8b", map[string]any{"temperature": 0.8})
	for i := 0; i < 3; i++ {
		resp := e.post(t, "/v1/chat/completions", body, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}
	assert.EqualValues(t, 3, backend.calls.Load())
}

func TestGateway_SSEStreaming(t *testing.T) {
	backend := newFakeBackend(t)
	e := newEnv(t, singleBackend(backend), nil)

	body := chatBody("llama-3-8b", map[string]any{"stream": true})
	resp := e.post(t, "/v1/chat/completions", body, nil)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var payloads []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if after, ok := cutDataPrefix(line); ok {
			payloads = append(payloads, after)
		}
	}
	require.NoError(t, scanner.Err())
	require.Len(t, payloads, 3)
	assert.Equal(t, `{"delta":"Hello"}`, payloads[0])
	assert.Equal(t, `{"delta":" world"}`, payloads[1])
	assert.Equal(t, "[DONE]", payloads[2])
}

func cutDataPrefix(line string) (string, bool) {
	const prefix = "data: "
	if len(line) >= len(prefix) && line[:len(prefix)] == prefix {
		return line[len(prefix):], true
	}
	return "", false
}

func TestGateway_OpenBackendReceivesNoTraffic(t *testing.T) {
	healthy1 := newFakeBackend(t)
	healthy2 := newFakeBackend(t)
	tripped := newFakeBackend(t)

	e := newEnv(t, []config.BackendConfig{
		{Name: "vllm-a", Address: healthy1.srv.URL, Model: "llama-3-8b", Weight: 100},
		{Name: "vllm-b", Address: healthy2.srv.URL, Model: "llama-3-8b", Weight: 100},
		{Name: "vllm-c", Address: tripped.srv.URL, Model: "llama-3-8b", Weight: 100},
	}, nil)

	// Trip the breaker for vllm-c.
	b := e.breakers.GetOrCreate("vllm-c")
	for i := 0; i < 10; i++ {
		b.Allow()
		b.RecordFailure()
	}
	require.Equal(t, circuitbreaker.StateOpen, b.State())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := e.post(t, "/v1/chat/completions", chatBody("llama-3-8b", nil), nil)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			resp.Body.Close()
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 0, tripped.calls.Load())
	assert.EqualValues(t, 100, healthy1.calls.Load()+healthy2.calls.Load())
}

func TestGateway_Models(t *testing.T) {
	b1 := newFakeBackend(t)
	b2 := newFakeBackend(t)
	e := newEnv(t, []config.BackendConfig{
		{Name: "vllm-8b", Address: b1.srv.URL, Model: "llama-3-8b", Weight: 100},
		{Name: "vllm-70b", Address: b2.srv.URL, Model: "llama-3-70b", Weight: 100},
	}, nil)

	resp := e.get(t, "/v1/models")
	var list api.ModelList
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()

	require.Len(t, list.Data, 2)
	assert.Equal(t, "llama-3-70b", list.Data[0].ID)
	assert.Equal(t, "llama-3-8b", list.Data[1].ID)

	// An unavailable backend's model disappears from the listing.
	for i := 0; i < 5; i++ {
		e.monitor.Report("vllm-70b", false, 10*time.Millisecond)
	}

	resp = e.get(t, "/v1/models")
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list.Data, 1)
	assert.Equal(t, "llama-3-8b", list.Data[0].ID)
}

func TestGateway_Health(t *testing.T) {
	backend := newFakeBackend(t)
	e := newEnv(t, singleBackend(backend), nil)

	resp := e.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Status   string            `json:"status"`
		Backends map[string]string `json:"backends"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	assert.Equal(t, "ok", out.Status)
	assert.Equal(t, "healthy", out.Backends["vllm-1"])

	for i := 0; i < 5; i++ {
		e.monitor.Report("vllm-1", false, 10*time.Millisecond)
	}

	resp = e.get(t, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	assert.Equal(t, "unavailable", out.Status)
}

func TestGateway_AdminDrain(t *testing.T) {
	b1 := newFakeBackend(t)
	b2 := newFakeBackend(t)
	e := newEnv(t, []config.BackendConfig{
		{Name: "vllm-a", Address: b1.srv.URL, Model: "llama-3-8b", Weight: 100},
		{Name: "vllm-b", Address: b2.srv.URL, Model: "llama-3-8b", Weight: 100},
	}, nil)

	resp := e.post(t, "/admin/backends/vllm-a/drain", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	for i := 0; i < 20; i++ {
		resp := e.post(t, "/v1/chat/completions", chatBody("llama-3-8b", nil), nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}
	assert.EqualValues(t, 0, b1.calls.Load())
	assert.EqualValues(t, 20, b2.calls.Load())

	resp = e.post(t, "/admin/backends/vllm-a/undrain", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = e.post(t, "/admin/backends/nope/drain", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestGateway_AdminState(t *testing.T) {
	backend := newFakeBackend(t)
	e := newEnv(t, singleBackend(backend), nil)

	resp := e.get(t, "/admin/state")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Backends map[string]backendState `json:"backends"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()

	st, ok := out.Backends["vllm-1"]
	require.True(t, ok)
	assert.Equal(t, "llama-3-8b", st.Model)
	assert.Equal(t, "healthy", st.Health)
	assert.Equal(t, "closed", st.Circuit)
	assert.EqualValues(t, 0, st.InFlight)
}

func TestGateway_MetricsEndpoint(t *testing.T) {
	backend := newFakeBackend(t)
	e := newEnv(t, singleBackend(backend), nil)

	resp := e.post(t, "/v1/chat/completions", chatBody("llama-3-8b", nil), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	mresp, err := http.Get(e.srv.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	assert.Equal(t, http.StatusOK, mresp.StatusCode)

	body, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "gateway_requests_total")
	assert.Contains(t, string(body),
		`gateway_requests_total{model="llama-3-8b",outcome="completed",tier="premium"} 1`)
}

func TestGateway_AuditOneRecordPerTerminalState(t *testing.T) {
	backend := newFakeBackend(t)
	e := newEnv(t, singleBackend(backend), func(cfg *config.Config) {
		cfg.Audit.Enabled = true
		cfg.RateLimit.Tiers["tiny"] = config.TierLimits{PerMinute: 1, PerHour: 100, PerDay: 1000}
		cfg.Auth.APIKeys = []config.APIKeyConfig{
			{Key: testAPIKey, Principal: "tester", Tier: "tiny"},
		}
	})

	resp := e.post(t, "/v1/chat/completions", chatBody("llama-3-8b", nil), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = e.post(t, "/v1/chat/completions", chatBody("llama-3-8b", nil), nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	resp.Body.Close()

	// Close flushes the async queue.
	require.NoError(t, e.auditLog.Close())

	var records []audit.Record
	for _, line := range strings.Split(strings.TrimSpace(e.auditBuf.String()), "\n") {
		var rec audit.Record
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		records = append(records, rec)
	}
	require.Len(t, records, 2)

	assert.Equal(t, "completed", records[0].Outcome)
	assert.Equal(t, "tester", records[0].Principal)
	assert.Equal(t, "vllm-1", records[0].Backend)
	assert.Equal(t, 12, records[0].CostTokens)
	assert.NotEmpty(t, records[0].RequestID)

	assert.Equal(t, "rate_limited", records[1].Outcome)
	assert.Empty(t, records[1].Backend)
}

func TestGateway_ClientCancellationReleasesInFlight(t *testing.T) {
	backend := newFakeBackend(t)
	backend.delay = 2 * time.Second
	e := newEnv(t, singleBackend(backend), nil)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.srv.URL+"/v1/chat/completions", bytes.NewReader(chatBody("llama-3-8b", nil)))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)

	errCh := make(chan error, 1)
	go func() {
		_, err := http.DefaultClient.Do(req)
		errCh <- err
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	require.Error(t, <-errCh)

	snap := e.reg.Snapshot()
	assert.Eventually(t, func() bool {
		return snap.Get("vllm-1").InFlight() == 0
	}, 2*time.Second, 20*time.Millisecond,
		"in-flight counter must return to zero after client cancellation")
}
