package main

import (
	"context"
	"fmt"

	"github.com/vyrodovalexey/avaigw/internal/audit"
	"github.com/vyrodovalexey/avaigw/internal/cache"
	"github.com/vyrodovalexey/avaigw/internal/circuitbreaker"
	"github.com/vyrodovalexey/avaigw/internal/config"
	"github.com/vyrodovalexey/avaigw/internal/gateway"
	"github.com/vyrodovalexey/avaigw/internal/health"
	"github.com/vyrodovalexey/avaigw/internal/observability"
	"github.com/vyrodovalexey/avaigw/internal/ratelimit"
	"github.com/vyrodovalexey/avaigw/internal/registry"
	"github.com/vyrodovalexey/avaigw/internal/relay"
	"github.com/vyrodovalexey/avaigw/internal/router"
)

// application bundles every long-lived component of the gateway
// process.
type application struct {
	cfg     *config.Config
	logger  observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	registry *registry.Registry
	monitor  *health.Monitor
	breakers *circuitbreaker.Registry
	limiter  *ratelimit.Limiter
	store    cache.Cache
	loader   *cache.Loader
	auditLog *audit.Writer
	gateway  *gateway.Gateway

	monitorCancel context.CancelFunc
}

// initApplication wires all components together.
func initApplication(cfg *config.Config, logger observability.Logger) (*application, error) {
	metrics := observability.NewMetrics(cfg.Observability.MetricsNamespace)
	metrics.SetBuildInfo(version, gitCommit, buildTime)

	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:  "avaigw",
		OTLPEndpoint: cfg.Observability.Tracing.OTLPEndpoint,
		SamplingRate: cfg.Observability.Tracing.SamplingRate,
		Enabled:      cfg.Observability.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing tracer: %w", err)
	}

	reg := registry.New(cfg.Backends, registry.WithLogger(logger))

	breakers := circuitbreaker.NewRegistry(cfg.CircuitBreaker,
		circuitbreaker.WithBreakerLogger(logger),
		circuitbreaker.WithBreakerMetrics(metrics),
	)

	monitor := health.NewMonitor(reg, cfg.Probes,
		health.WithLogger(logger),
		health.WithMetrics(metrics),
		health.WithTransitionFunc(healthToBreaker(breakers)),
	)

	limiter := ratelimit.NewLimiter(cfg.RateLimit,
		ratelimit.WithLimiterLogger(logger),
		ratelimit.WithLimiterMetrics(metrics),
	)

	store, err := cache.New(cfg.Cache, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing cache: %w", err)
	}
	var loader *cache.Loader
	if cfg.Cache.Enabled {
		loader = cache.NewLoader(store, cfg.Cache.TTL.Duration(),
			cache.WithLoaderLogger(logger),
			cache.WithLoaderMetrics(metrics),
		)
	}

	rt := router.New(reg, monitor, breakers,
		router.WithRouterLogger(logger),
		router.WithRouterMetrics(metrics),
	)

	rel := relay.New(rt, cfg.Timeouts,
		relay.WithRelayLogger(logger),
		relay.WithRelayMetrics(metrics),
	)

	auth, err := gateway.NewAuthenticator(context.Background(), cfg.Auth,
		gateway.WithAuthLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("initializing authenticator: %w", err)
	}

	auditLog, err := audit.NewWriter(cfg.Audit,
		audit.WithWriterLogger(logger),
		audit.WithWriterMetrics(audit.NewMetricsWithRegisterer(metrics.Registerer())),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing audit writer: %w", err)
	}

	gw, err := gateway.New(cfg, gateway.Deps{
		Registry: reg,
		Monitor:  monitor,
		Breakers: breakers,
		Limiter:  limiter,
		Cache:    loader,
		Relay:    rel,
		Auth:     auth,
		Audit:    auditLog,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing gateway: %w", err)
	}

	return &application{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
		registry: reg,
		monitor:  monitor,
		breakers: breakers,
		limiter:  limiter,
		store:    store,
		loader:   loader,
		auditLog: auditLog,
		gateway:  gw,
	}, nil
}

// healthToBreaker feeds health transitions into the circuit breaker:
// recovery counts as a success signal, degradation as a failure.
func healthToBreaker(breakers *circuitbreaker.Registry) health.TransitionFunc {
	return func(backend string, from, to health.Status) {
		b := breakers.GetOrCreate(backend)
		if to == health.StatusHealthy {
			b.RecordSuccess()
			return
		}
		if to > from {
			b.RecordFailure()
		}
	}
}
