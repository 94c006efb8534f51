package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request outcome label values. Every terminal request state maps to
// exactly one of these.
const (
	OutcomeCompleted          = "completed"
	OutcomeCacheHit           = "cache_hit"
	OutcomeValidationError    = "validation_error"
	OutcomeRateLimited        = "rate_limited"
	OutcomeNoBackendAvailable = "no_backend_available"
	OutcomeBackendTimeout     = "backend_timeout"
	OutcomeBackendError       = "backend_error"
	OutcomeClientCancelled    = "client_cancelled"
	OutcomePartialFailure     = "partial_failure"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	backendInFlight   *prometheus.GaugeVec
	backendHealth     *prometheus.GaugeVec
	backendLatency    *prometheus.HistogramVec
	probesTotal       *prometheus.CounterVec
	circuitState      *prometheus.GaugeVec
	rateLimitTotal    *prometheus.CounterVec
	cacheTotal        *prometheus.CounterVec
	streamChunksTotal *prometheus.CounterVec
	retriesTotal      *prometheus.CounterVec
	buildInfo         *prometheus.GaugeVec
	startTime         prometheus.Gauge
	registry          *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with a private registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "gateway"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of inference requests by terminal outcome",
		},
		[]string{"model", "tier", "outcome"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request duration in seconds",
			Buckets: []float64{
				.005, .01, .025, .05, .1, .25, .5,
				1, 2.5, 5, 10, 30, 60, 120,
			},
		},
		[]string{"model", "tier", "outcome"},
	)

	m.backendInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_in_flight",
			Help:      "Number of requests currently dispatched to a backend",
		},
		[]string{"backend"},
	)

	m.backendHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_health_state",
			Help:      "Backend health state (0=healthy, 1=degraded, 2=unavailable)",
		},
		[]string{"backend"},
	)

	m.backendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_call_duration_seconds",
			Help:      "Backend call duration in seconds",
			Buckets: []float64{
				.005, .01, .025, .05, .1, .25, .5,
				1, 2.5, 5, 10, 30, 60, 120,
			},
		},
		[]string{"backend", "result"},
	)

	m.probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_probes_total",
			Help:      "Total number of active health probes",
		},
		[]string{"backend", "result"},
	)

	m.circuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"backend"},
	)

	m.rateLimitTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Total number of rate limit admission decisions",
		},
		[]string{"tier", "decision"},
	)

	m.cacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Total number of response cache lookups by result",
		},
		[]string{"result"},
	)

	m.streamChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_total",
			Help:      "Total number of streamed chunks relayed to clients",
		},
		[]string{"backend"},
	)

	m.retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_retries_total",
			Help:      "Total number of retries to an alternate backend",
		},
		[]string{"model"},
	)

	m.buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information for the gateway",
		},
		[]string{"version", "commit", "build_time"},
	)

	m.startTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help:      "Start time of the gateway in unix seconds",
		},
	)

	m.registerCollectors()
	m.startTime.SetToCurrentTime()

	return m
}

// registerCollectors registers all metric collectors with the registry.
func (m *Metrics) registerCollectors() {
	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.backendInFlight,
		m.backendHealth,
		m.backendLatency,
		m.probesTotal,
		m.circuitState,
		m.rateLimitTotal,
		m.cacheTotal,
		m.streamChunksTotal,
		m.retriesTotal,
		m.buildInfo,
		m.startTime,
	)

	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(
		collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		),
	)
}

// RecordRequest records a completed request with its terminal outcome.
func (m *Metrics) RecordRequest(model, tier, outcome string, duration time.Duration) {
	m.requestsTotal.WithLabelValues(model, tier, outcome).Inc()
	m.requestDuration.WithLabelValues(model, tier, outcome).Observe(duration.Seconds())
}

// SetBackendInFlight sets the in-flight gauge for a backend.
func (m *Metrics) SetBackendInFlight(backend string, n int64) {
	m.backendInFlight.WithLabelValues(backend).Set(float64(n))
}

// SetBackendHealth sets the health state gauge for a backend.
func (m *Metrics) SetBackendHealth(backend string, state int) {
	m.backendHealth.WithLabelValues(backend).Set(float64(state))
}

// RecordBackendCall records a backend call duration and result.
func (m *Metrics) RecordBackendCall(backend, result string, duration time.Duration) {
	m.backendLatency.WithLabelValues(backend, result).Observe(duration.Seconds())
}

// RecordProbe records an active health probe result.
func (m *Metrics) RecordProbe(backend string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.probesTotal.WithLabelValues(backend, result).Inc()
}

// SetCircuitState sets the circuit breaker state gauge for a backend.
func (m *Metrics) SetCircuitState(backend string, state int) {
	m.circuitState.WithLabelValues(backend).Set(float64(state))
}

// RecordRateLimit records a rate limit admission decision.
func (m *Metrics) RecordRateLimit(tier string, allowed bool) {
	decision := "allowed"
	if !allowed {
		decision = "rejected"
	}
	m.rateLimitTotal.WithLabelValues(tier, decision).Inc()
}

// RecordCache records a cache lookup result ("hit", "miss", "coalesced").
func (m *Metrics) RecordCache(result string) {
	m.cacheTotal.WithLabelValues(result).Inc()
}

// RecordStreamChunk records one relayed stream chunk.
func (m *Metrics) RecordStreamChunk(backend string) {
	m.streamChunksTotal.WithLabelValues(backend).Inc()
}

// RecordRetry records a dispatch retry to an alternate backend.
func (m *Metrics) RecordRetry(model string) {
	m.retriesTotal.WithLabelValues(model).Inc()
}

// SetBuildInfo sets the build information metric.
func (m *Metrics) SetBuildInfo(version, commit, buildTime string) {
	m.buildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Registerer returns the registry as a Registerer for per-package
// collectors (circuit breaker, cache, audit).
func (m *Metrics) Registerer() prometheus.Registerer {
	return m.registry
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
