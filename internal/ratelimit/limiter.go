package ratelimit

import (
	"io"
	"sync"
	"time"

	"github.com/vyrodovalexey/avaigw/internal/config"
	"github.com/vyrodovalexey/avaigw/internal/observability"
	"github.com/vyrodovalexey/avaigw/internal/util"
)

// Quota window spans, index-aligned with the windows array in each
// bucket.
var windowSpans = [3]time.Duration{time.Minute, time.Hour, 24 * time.Hour}

var windowNames = [3]string{"minute", "hour", "day"}

// Cleanup defaults for idle principal buckets.
const (
	defaultCleanupInterval = 10 * time.Minute
	defaultBucketTTL       = 25 * time.Hour
)

var _ io.Closer = (*Limiter)(nil)

// Decision is the outcome of an admission check.
type Decision struct {
	// Allowed indicates whether the request may proceed.
	Allowed bool

	// Tier is the tier the decision was made under.
	Tier string

	// Remaining is the smallest remaining quota across windows.
	Remaining int

	// RetryAfter is how long the caller should wait before retrying.
	// It is the largest hint among the windows that denied.
	RetryAfter time.Duration
}

// window is one continuously refilling token bucket.
type window struct {
	tokens     float64
	lastUpdate time.Time
}

// bucket holds the three quota windows for one principal. The mutex
// serializes all updates for the principal.
type bucket struct {
	mu      sync.Mutex
	windows [3]window
	touched time.Time
}

// Limiter admits requests against per-tier quotas.
type Limiter struct {
	cfgMu   sync.RWMutex
	cfg     config.RateLimitConfig
	logger  observability.Logger
	metrics *observability.Metrics
	now     func() time.Time

	buckets sync.Map

	cleanupInterval time.Duration
	bucketTTL       time.Duration
	stopCleanup     chan struct{}
	closeOnce       sync.Once
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithLimiterLogger sets the limiter's logger.
func WithLimiterLogger(logger observability.Logger) LimiterOption {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithLimiterMetrics sets the metrics sink for admission decisions.
func WithLimiterMetrics(metrics *observability.Metrics) LimiterOption {
	return func(l *Limiter) {
		l.metrics = metrics
	}
}

// WithLimiterClock overrides the limiter's time source.
func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) {
		l.now = now
	}
}

// NewLimiter creates a limiter and starts its idle-bucket cleanup
// loop. Call Close when done.
func NewLimiter(cfg config.RateLimitConfig, opts ...LimiterOption) *Limiter {
	l := &Limiter{
		cfg:             cfg,
		logger:          observability.NopLogger(),
		now:             time.Now,
		cleanupInterval: defaultCleanupInterval,
		bucketTTL:       defaultBucketTTL,
		stopCleanup:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	go l.cleanupLoop()
	return l
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (l *Limiter) Close() error {
	l.closeOnce.Do(func() {
		close(l.stopCleanup)
	})
	return nil
}

// Admit checks and consumes quota for one request. All three windows
// must have capacity; on denial no window is decremented, so a denied
// request never eats into future quota.
func (l *Limiter) Admit(principal, tier string, cost int) Decision {
	l.cfgMu.RLock()
	cfg := l.cfg
	l.cfgMu.RUnlock()

	if !cfg.Enabled {
		return Decision{Allowed: true, Tier: tier}
	}

	limits, ok := cfg.Tiers[tier]
	if !ok {
		// Unknown tiers fail open; configuration validation should
		// have caught this.
		l.logger.Warn("unknown rate limit tier, admitting",
			observability.String("principal", principal),
			observability.String("tier", tier),
		)
		return Decision{Allowed: true, Tier: tier}
	}

	now := l.now()
	b := l.bucket(principal, limits, now)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.touched = now
	caps := windowCapacities(limits)

	// Refill, then check every window before consuming any.
	for i := range b.windows {
		w := &b.windows[i]
		elapsed := now.Sub(w.lastUpdate).Seconds()
		w.tokens += elapsed * caps[i] / windowSpans[i].Seconds()
		if w.tokens > caps[i] {
			w.tokens = caps[i]
		}
		w.lastUpdate = now
	}

	d := Decision{Allowed: true, Tier: tier, Remaining: int(b.windows[0].tokens)}
	for i := range b.windows {
		w := b.windows[i]
		if remaining := int(w.tokens); remaining < d.Remaining {
			d.Remaining = remaining
		}
		if w.tokens < float64(cost) {
			d.Allowed = false
			needed := float64(cost) - w.tokens
			retry := time.Duration(needed / caps[i] * float64(windowSpans[i]))
			if retry > d.RetryAfter {
				d.RetryAfter = retry
			}
		}
	}

	if d.Allowed {
		for i := range b.windows {
			b.windows[i].tokens -= float64(cost)
		}
		d.Remaining -= cost
		if d.Remaining < 0 {
			d.Remaining = 0
		}
	}

	if l.metrics != nil {
		l.metrics.RecordRateLimit(tier, d.Allowed)
	}
	return d
}

// Error converts a denial into the structured error the gateway
// reports to the client.
func (d Decision) Error(principal string) error {
	return util.NewRateLimitError(principal, d.Tier, d.RetryAfter)
}

// Reload swaps the tier table. Existing buckets keep their current
// fill; new ceilings apply from the next refill.
func (l *Limiter) Reload(cfg config.RateLimitConfig) {
	l.cfgMu.Lock()
	l.cfg = cfg
	l.cfgMu.Unlock()
}

// Reset drops the quota state for a principal.
func (l *Limiter) Reset(principal string) {
	l.buckets.Delete(principal)
}

// bucket returns the principal's bucket, creating a full one on first
// use.
func (l *Limiter) bucket(principal string, limits config.TierLimits, now time.Time) *bucket {
	if v, ok := l.buckets.Load(principal); ok {
		return v.(*bucket)
	}

	b := &bucket{touched: now}
	caps := windowCapacities(limits)
	for i := range b.windows {
		b.windows[i] = window{tokens: caps[i], lastUpdate: now}
	}

	actual, _ := l.buckets.LoadOrStore(principal, b)
	return actual.(*bucket)
}

func windowCapacities(limits config.TierLimits) [3]float64 {
	return [3]float64{
		float64(limits.PerMinute),
		float64(limits.PerHour),
		float64(limits.PerDay),
	}
}

// cleanupLoop evicts buckets for principals that have gone quiet, so
// one-off API keys do not accumulate forever.
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

func (l *Limiter) cleanup() {
	cutoff := l.now().Add(-l.bucketTTL)
	l.buckets.Range(func(k, v any) bool {
		b := v.(*bucket)
		b.mu.Lock()
		stale := b.touched.Before(cutoff)
		b.mu.Unlock()
		if stale {
			l.buckets.Delete(k)
		}
		return true
	})
}
