package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avaigw/internal/audit"
	"github.com/vyrodovalexey/avaigw/internal/cache"
	"github.com/vyrodovalexey/avaigw/internal/circuitbreaker"
	"github.com/vyrodovalexey/avaigw/internal/config"
	"github.com/vyrodovalexey/avaigw/internal/health"
	"github.com/vyrodovalexey/avaigw/internal/observability"
	"github.com/vyrodovalexey/avaigw/internal/ratelimit"
	"github.com/vyrodovalexey/avaigw/internal/registry"
	"github.com/vyrodovalexey/avaigw/internal/relay"
)

// ginModeOnce ensures gin.SetMode is only called once.
var ginModeOnce sync.Once

// maxRequestBodySize bounds inbound request bodies.
const maxRequestBodySize = 10 << 20

// Deps bundles the components the front door dispatches into.
type Deps struct {
	Registry *registry.Registry
	Monitor  *health.Monitor
	Breakers *circuitbreaker.Registry
	Limiter  *ratelimit.Limiter
	Cache    *cache.Loader
	Relay    *relay.Relay
	Auth     *Authenticator
	Audit    *audit.Writer
	Logger   observability.Logger
	Metrics  *observability.Metrics
}

// Gateway is the HTTP front door.
type Gateway struct {
	cfg    *config.Config
	deps   Deps
	logger observability.Logger
	engine *gin.Engine

	stopCh   chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	server *http.Server
}

// New builds the gateway and its route table.
func New(cfg *config.Config, deps Deps) (*Gateway, error) {
	switch {
	case deps.Registry == nil, deps.Monitor == nil, deps.Breakers == nil,
		deps.Limiter == nil, deps.Relay == nil, deps.Auth == nil:
		return nil, fmt.Errorf("gateway: missing required dependency")
	}
	if deps.Logger == nil {
		deps.Logger = observability.NopLogger()
	}

	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	g := &Gateway{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
		stopCh: make(chan struct{}),
	}
	g.engine = g.buildEngine()
	return g, nil
}

func (g *Gateway) buildEngine() *gin.Engine {
	engine := gin.New()
	engine.Use(
		Recovery(g.logger),
		RequestID(),
		AccessLog(g.logger, "/health", "/metrics"),
		ClientLimit(g.cfg.Listen.ClientRPS, g.cfg.Listen.ClientBurst, g.stopCh),
		func(c *gin.Context) {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBodySize)
			c.Next()
		},
	)

	engine.GET("/health", g.handleHealth)
	if g.deps.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(g.deps.Metrics.Handler()))
	}

	v1 := engine.Group("/v1", g.authenticate)
	v1.POST("/chat/completions", g.handleChatCompletions)
	v1.POST("/completions", g.handleCompletions)
	v1.GET("/chat/completions", g.handleChatCompletionsWS)
	v1.GET("/models", g.handleModels)

	admin := engine.Group("/admin", g.authenticate)
	admin.POST("/backends/:name/drain", g.handleDrain)
	admin.POST("/backends/:name/undrain", g.handleUndrain)
	admin.GET("/state", g.handleAdminState)

	return engine
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.engine
}

// authenticate resolves the caller's principal before any quota is
// spent. A failed credential terminates the request with 401; rate
// limiting never sees it.
func (g *Gateway) authenticate(c *gin.Context) {
	p, err := g.deps.Auth.Authenticate(c.Request)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Set(principalKey, p)
	c.Request = c.Request.WithContext(
		observability.ContextWithPrincipal(c.Request.Context(), p.Name))
	c.Next()
}

func (g *Gateway) principal(c *gin.Context) Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(Principal); ok {
			return p
		}
	}
	return Principal{}
}

// Run starts the HTTP listener and blocks until the context is
// cancelled or the listener fails.
func (g *Gateway) Run(ctx context.Context) error {
	g.mu.Lock()
	g.server = &http.Server{
		Addr:              g.cfg.Listen.Address,
		Handler:           g.engine,
		ReadHeaderTimeout: g.cfg.Listen.ReadHeaderTimeout.Duration(),
	}
	srv := g.server
	g.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gateway listening",
			observability.String("address", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops accepting new requests, stops background sweepers,
// and waits for in-flight requests up to the context deadline.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.stopOnce.Do(func() { close(g.stopCh) })

	g.mu.Lock()
	srv := g.server
	g.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
