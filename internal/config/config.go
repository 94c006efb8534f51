// Package config defines the declarative configuration for the
// model-serving gateway: backends, rate-limit tiers, circuit breaker
// thresholds, cache settings, and credentials. Configuration is read at
// startup and re-applied atomically on reload.
package config

import "time"

// Load balancing constants for backend selection tuning.
const (
	// DefaultBackendWeight is the static weight assigned to a backend
	// when the configuration omits one.
	DefaultBackendWeight = 100

	// DefaultMaxInFlight bounds per-backend concurrency when the
	// configuration omits a limit.
	DefaultMaxInFlight = 256
)

// Config is the root gateway configuration.
type Config struct {
	Listen         ListenConfig         `yaml:"listen"`
	Backends       []BackendConfig      `yaml:"backends"`
	Probes         ProbeConfig          `yaml:"probes"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
	RateLimit      RateLimitConfig      `yaml:"rateLimit"`
	Cache          CacheConfig          `yaml:"cache"`
	Auth           AuthConfig           `yaml:"auth"`
	Timeouts       TimeoutConfig        `yaml:"timeouts"`
	Audit          AuditConfig          `yaml:"audit"`
	Observability  ObservabilityConfig  `yaml:"observability"`
}

// ListenConfig configures the inbound HTTP listener.
type ListenConfig struct {
	Address           string   `yaml:"address"`
	ReadHeaderTimeout Duration `yaml:"readHeaderTimeout"`
	ShutdownTimeout   Duration `yaml:"shutdownTimeout"`

	// ClientRPS and ClientBurst bound per-client-IP request rate ahead
	// of principal-tier limiting (abuse guard).
	ClientRPS   int `yaml:"clientRPS"`
	ClientBurst int `yaml:"clientBurst"`
}

// BackendConfig declares one inference backend.
type BackendConfig struct {
	Name      string `yaml:"name"`
	Address   string `yaml:"address"`
	Model     string `yaml:"model"`
	Weight    int    `yaml:"weight"`
	MaxTokens int    `yaml:"maxTokens"`

	// MaxInFlight bounds concurrent dispatches to this backend.
	MaxInFlight int `yaml:"maxInFlight"`
}

// ProbeConfig configures active health probing.
type ProbeConfig struct {
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
	Path     string   `yaml:"path"`

	// LatencyMultiple degrades a backend whose smoothed latency
	// exceeds this multiple of its healthy baseline.
	LatencyMultiple float64 `yaml:"latencyMultiple"`
}

// CircuitBreakerConfig configures the per-backend circuit breakers.
type CircuitBreakerConfig struct {
	// WindowSize is the number of recent outcomes considered.
	WindowSize int `yaml:"windowSize"`

	// WindowDuration caps the age of outcomes considered.
	WindowDuration Duration `yaml:"windowDuration"`

	// FailureRatio is the failure fraction (0..1) that trips the circuit.
	FailureRatio float64 `yaml:"failureRatio"`

	// MinVolume is the minimum number of outcomes in the window before
	// the ratio is evaluated.
	MinVolume int `yaml:"minVolume"`

	// Cooldown is the initial open interval; it doubles per consecutive
	// trip up to MaxCooldown.
	Cooldown    Duration `yaml:"cooldown"`
	MaxCooldown Duration `yaml:"maxCooldown"`

	// HalfOpenMax is the number of trial requests admitted in half-open.
	HalfOpenMax int `yaml:"halfOpenMax"`

	// SuccessThreshold is the number of consecutive trial successes
	// required to close the circuit.
	SuccessThreshold int `yaml:"successThreshold"`
}

// TierLimits holds the request ceilings for one tier across the three
// enforcement windows.
type TierLimits struct {
	PerMinute int `yaml:"perMinute"`
	PerHour   int `yaml:"perHour"`
	PerDay    int `yaml:"perDay"`
}

// RateLimitConfig configures per-principal rate limiting.
type RateLimitConfig struct {
	Enabled bool                  `yaml:"enabled"`
	Tiers   map[string]TierLimits `yaml:"tiers"`
}

// Cache backend types.
const (
	CacheTypeMemory = "memory"
	CacheTypeRedis  = "redis"
)

// CacheConfig configures the response cache.
type CacheConfig struct {
	Enabled    bool        `yaml:"enabled"`
	Type       string      `yaml:"type"`
	TTL        Duration    `yaml:"ttl"`
	MaxEntries int         `yaml:"maxEntries"`
	Redis      RedisConfig `yaml:"redis"`
}

// RedisConfig configures the Redis cache backend.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// APIKeyConfig maps one pre-issued API key to a principal and tier.
type APIKeyConfig struct {
	Key       string `yaml:"key"`
	Principal string `yaml:"principal"`
	Tier      string `yaml:"tier"`
}

// JWTConfig configures bearer-token validation. Either Secret (HS256)
// or JWKSURL must be set when enabled.
type JWTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Secret    string `yaml:"secret"`
	JWKSURL   string `yaml:"jwksURL"`
	Issuer    string `yaml:"issuer"`
	TierClaim string `yaml:"tierClaim"`
}

// AuthConfig configures principal resolution.
type AuthConfig struct {
	APIKeys     []APIKeyConfig `yaml:"apiKeys"`
	JWT         JWTConfig      `yaml:"jwt"`
	DefaultTier string         `yaml:"defaultTier"`
}

// TimeoutConfig holds the two request budgets: end-to-end and
// per-backend-call.
type TimeoutConfig struct {
	Request     Duration `yaml:"request"`
	BackendCall Duration `yaml:"backendCall"`
}

// AuditConfig configures the append-only audit log.
type AuditConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Output    string `yaml:"output"`
	QueueSize int    `yaml:"queueSize"`
}

// ObservabilityConfig configures logging, metrics, and tracing.
type ObservabilityConfig struct {
	LogLevel         string        `yaml:"logLevel"`
	LogFormat        string        `yaml:"logFormat"`
	MetricsNamespace string        `yaml:"metricsNamespace"`
	Tracing          TracingConfig `yaml:"tracing"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Address:           ":8080",
			ReadHeaderTimeout: Duration(10 * time.Second),
			ShutdownTimeout:   Duration(30 * time.Second),
			ClientRPS:         100,
			ClientBurst:       200,
		},
		Probes: ProbeConfig{
			Interval:        Duration(10 * time.Second),
			Timeout:         Duration(5 * time.Second),
			Path:            "/health",
			LatencyMultiple: 3.0,
		},
		CircuitBreaker: CircuitBreakerConfig{
			WindowSize:       50,
			WindowDuration:   Duration(30 * time.Second),
			FailureRatio:     0.5,
			MinVolume:        10,
			Cooldown:         Duration(5 * time.Second),
			MaxCooldown:      Duration(2 * time.Minute),
			HalfOpenMax:      3,
			SuccessThreshold: 2,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Tiers: map[string]TierLimits{
				"basic":      {PerMinute: 60, PerHour: 1000, PerDay: 10000},
				"premium":    {PerMinute: 600, PerHour: 20000, PerDay: 200000},
				"enterprise": {PerMinute: 6000, PerHour: 200000, PerDay: 2000000},
			},
		},
		Cache: CacheConfig{
			Enabled:    true,
			Type:       CacheTypeMemory,
			TTL:        Duration(5 * time.Minute),
			MaxEntries: 10000,
		},
		Auth: AuthConfig{
			DefaultTier: "basic",
		},
		Timeouts: TimeoutConfig{
			Request:     Duration(120 * time.Second),
			BackendCall: Duration(60 * time.Second),
		},
		Audit: AuditConfig{
			Enabled:   true,
			Output:    "stdout",
			QueueSize: 1024,
		},
		Observability: ObservabilityConfig{
			LogLevel:         "info",
			LogFormat:        "json",
			MetricsNamespace: "gateway",
			Tracing: TracingConfig{
				SamplingRate: 0.1,
			},
		},
	}
}
