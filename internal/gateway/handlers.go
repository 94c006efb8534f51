package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avaigw/internal/api"
	"github.com/vyrodovalexey/avaigw/internal/audit"
	"github.com/vyrodovalexey/avaigw/internal/cache"
	"github.com/vyrodovalexey/avaigw/internal/health"
	"github.com/vyrodovalexey/avaigw/internal/observability"
	"github.com/vyrodovalexey/avaigw/internal/util"
)

// requestState accumulates the facts reported once at the terminal
// state.
type requestState struct {
	requestID string
	principal string
	tier      string
	model     string
	start     time.Time

	backend    string
	streamed   bool
	cacheHit   bool
	retried    bool
	chunks     int
	costTokens int

	done bool
}

func (g *Gateway) newRequestState(c *gin.Context) *requestState {
	p := g.principal(c)
	return &requestState{
		requestID: c.GetString(requestIDKey),
		principal: p.Name,
		tier:      p.Tier,
		start:     time.Now(),
	}
}

// finish emits the single metrics record and audit entry for a
// terminal state.
func (g *Gateway) finish(st *requestState, outcome string) {
	if st.done {
		return
	}
	st.done = true

	model := st.model
	if model == "" {
		model = "unknown"
	}
	duration := time.Since(st.start)

	if g.deps.Metrics != nil {
		g.deps.Metrics.RecordRequest(model, st.tier, outcome, duration)
	}
	if g.deps.Audit != nil {
		g.deps.Audit.Log(audit.Record{
			Timestamp:    time.Now(),
			RequestID:    st.requestID,
			Principal:    st.principal,
			Tier:         st.tier,
			Model:        model,
			Backend:      st.backend,
			Outcome:      outcome,
			DurationMs:   duration.Milliseconds(),
			Streamed:     st.streamed,
			CacheHit:     st.cacheHit,
			Retried:      st.retried,
			StreamChunks: st.chunks,
			CostTokens:   st.costTokens,
		})
	}
}

// fail terminates a request with an error response.
func (g *Gateway) fail(c *gin.Context, st *requestState, err error) {
	g.finish(st, outcomeFor(err))
	writeError(c, err)
}

func (g *Gateway) handleChatCompletions(c *gin.Context) {
	g.handleInference(c, &api.ChatCompletionRequest{})
}

func (g *Gateway) handleCompletions(c *gin.Context) {
	g.handleInference(c, &api.CompletionRequest{})
}

// handleInference carries one request through validation, rate
// limiting, cache lookup, routing, and dispatch.
func (g *Gateway) handleInference(c *gin.Context, req api.InferenceRequest) {
	st := g.newRequestState(c)

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		g.fail(c, st, util.NewValidationError("request body unreadable or too large"))
		return
	}
	if err := json.Unmarshal(body, req); err != nil {
		g.fail(c, st, util.NewValidationError("malformed JSON body"))
		return
	}
	st.model = req.ModelName()

	if err := req.Validate(); err != nil {
		g.fail(c, st, err)
		return
	}

	if decision := g.deps.Limiter.Admit(st.principal, st.tier, 1); !decision.Allowed {
		g.fail(c, st, decision.Error(st.principal))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), g.cfg.Timeouts.Request.Duration())
	defer cancel()

	if req.Streaming() {
		g.streamSSE(ctx, c, st, req, body)
		return
	}

	respBody, outcome, err := g.dispatchBuffered(ctx, st, req, body)
	if err != nil {
		g.fail(c, st, err)
		return
	}
	st.costTokens = usageTokens(respBody)
	g.finish(st, outcome)
	c.Data(http.StatusOK, "application/json", respBody)
}

// dispatchBuffered resolves a non-streaming request, through the cache
// when the request is deterministic enough to share.
func (g *Gateway) dispatchBuffered(ctx context.Context, st *requestState, req api.InferenceRequest, body []byte) ([]byte, string, error) {
	if g.deps.Cache == nil || !req.Cacheable() {
		res, err := g.deps.Relay.Complete(ctx, st.requestID, req, body)
		if err != nil {
			return nil, "", err
		}
		st.backend = res.Backend
		st.retried = res.Retried
		return res.Body, observability.OutcomeCompleted, nil
	}

	key := api.Fingerprint(req)
	val, source, err := g.deps.Cache.GetOrCompute(ctx, key, func(ctx context.Context) ([]byte, error) {
		res, err := g.deps.Relay.Complete(ctx, st.requestID, req, body)
		if err != nil {
			return nil, err
		}
		st.backend = res.Backend
		st.retried = res.Retried
		return res.Body, nil
	})
	if err != nil {
		return nil, "", err
	}
	if source == cache.SourceHit {
		st.cacheHit = true
		return val, observability.OutcomeCacheHit, nil
	}
	return val, observability.OutcomeCompleted, nil
}

// streamSSE forwards a streaming request as server-sent events.
// Response headers are written lazily so a routing failure still gets
// a JSON error; once the first chunk is on the wire the stream can
// only end cleanly, cancelled, or as a partial failure.
func (g *Gateway) streamSSE(ctx context.Context, c *gin.Context, st *requestState, req api.InferenceRequest, body []byte) {
	st.streamed = true

	wrote := false
	emit := func(payload []byte) error {
		if !wrote {
			h := c.Writer.Header()
			h.Set("Content-Type", "text/event-stream")
			h.Set("Cache-Control", "no-cache")
			h.Set("Connection", "keep-alive")
			c.Writer.WriteHeader(http.StatusOK)
			wrote = true
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", payload); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	}

	res, err := g.deps.Relay.Stream(ctx, st.requestID, req, body, emit)
	if res != nil {
		st.backend = res.Backend
		st.chunks = res.Chunks
	}

	if err == nil {
		g.finish(st, observability.OutcomeCompleted)
		return
	}
	if !wrote {
		g.fail(c, st, err)
		return
	}

	// Mid-stream failure. The status line is already committed, so the
	// terminal error travels as a final event.
	if errors.Is(err, util.ErrClientCancelled) {
		g.finish(st, observability.OutcomeClientCancelled)
		return
	}
	event, _ := json.Marshal(api.ErrorResponse{Error: api.ErrorDetail{
		Code:    api.CodeStreamInterrupted,
		Message: err.Error(),
		Type:    "upstream",
	}})
	_ = emit(event)
	g.finish(st, observability.OutcomePartialFailure)
}

// usageTokens extracts the total token usage from a backend response,
// zero when absent.
func usageTokens(body []byte) int {
	var resp struct {
		Usage *api.Usage `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Usage == nil {
		return 0
	}
	return resp.Usage.TotalTokens
}

func (g *Gateway) handleModels(c *gin.Context) {
	snap := g.deps.Registry.Snapshot()
	states := g.deps.Monitor.States()

	seen := make(map[string]bool)
	for _, b := range snap.List() {
		if b.Draining() {
			continue
		}
		if s, ok := states[b.Name]; ok && s.Status == health.StatusUnavailable {
			continue
		}
		seen[b.Model] = true
	}

	models := make([]string, 0, len(seen))
	for m := range seen {
		models = append(models, m)
	}
	sort.Strings(models)

	list := api.ModelList{Object: "list", Data: make([]api.Model, 0, len(models))}
	for _, m := range models {
		list.Data = append(list.Data, api.Model{ID: m, Object: "model", OwnedBy: "avaigw"})
	}
	c.JSON(http.StatusOK, list)
}

func (g *Gateway) handleHealth(c *gin.Context) {
	snap := g.deps.Registry.Snapshot()
	states := g.deps.Monitor.States()

	backends := make(map[string]string)
	selectable := 0
	for _, b := range snap.List() {
		status := health.StatusHealthy
		if s, ok := states[b.Name]; ok {
			status = s.Status
		}
		backends[b.Name] = status.String()
		if status != health.StatusUnavailable && !b.Draining() {
			selectable++
		}
	}

	status := "ok"
	code := http.StatusOK
	if len(backends) > 0 && selectable == 0 {
		status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "backends": backends})
}

// backendState is the operator view of one backend in /admin/state.
type backendState struct {
	Model     string  `json:"model"`
	Address   string  `json:"address"`
	Weight    int     `json:"weight"`
	InFlight  int64   `json:"inFlight"`
	Draining  bool    `json:"draining"`
	Health    string  `json:"health"`
	LatencyMs float64 `json:"latencyMs"`
	Circuit   string  `json:"circuit"`
}

func (g *Gateway) handleAdminState(c *gin.Context) {
	snap := g.deps.Registry.Snapshot()
	healthStates := g.deps.Monitor.States()
	circuitStates := g.deps.Breakers.States()

	out := make(map[string]backendState)
	for _, b := range snap.List() {
		hs := healthStates[b.Name]
		cs, ok := circuitStates[b.Name]
		circuit := cs.String()
		if !ok {
			circuit = "closed"
		}
		out[b.Name] = backendState{
			Model:     b.Model,
			Address:   b.Address,
			Weight:    b.Weight(),
			InFlight:  b.InFlight(),
			Draining:  b.Draining(),
			Health:    hs.Status.String(),
			LatencyMs: float64(hs.Latency) / float64(time.Millisecond),
			Circuit:   circuit,
		}
	}
	c.JSON(http.StatusOK, gin.H{"backends": out})
}

func (g *Gateway) handleDrain(c *gin.Context) {
	name := c.Param("name")
	if err := g.deps.Registry.Drain(name); err != nil {
		c.JSON(http.StatusNotFound, api.ErrorResponse{Error: api.ErrorDetail{
			Code:    api.CodeValidationError,
			Message: err.Error(),
			Type:    "invalid_request_error",
		}})
		return
	}
	g.logger.Info("backend draining", observability.String("backend", name))
	c.JSON(http.StatusOK, gin.H{"backend": name, "draining": true})
}

func (g *Gateway) handleUndrain(c *gin.Context) {
	name := c.Param("name")
	if err := g.deps.Registry.Undrain(name); err != nil {
		c.JSON(http.StatusNotFound, api.ErrorResponse{Error: api.ErrorDetail{
			Code:    api.CodeValidationError,
			Message: err.Error(),
			Type:    "invalid_request_error",
		}})
		return
	}
	g.logger.Info("backend undrained", observability.String("backend", name))
	c.JSON(http.StatusOK, gin.H{"backend": name, "draining": false})
}
