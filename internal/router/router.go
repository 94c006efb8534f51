package router

import (
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/vyrodovalexey/avaigw/internal/circuitbreaker"
	"github.com/vyrodovalexey/avaigw/internal/health"
	"github.com/vyrodovalexey/avaigw/internal/observability"
	"github.com/vyrodovalexey/avaigw/internal/registry"
	"github.com/vyrodovalexey/avaigw/internal/util"
)

// degradedFactor discounts the score of a degraded backend so it
// still takes some traffic but no longer competes head-on with
// healthy ones.
const degradedFactor = 0.25

// Router selects backends for admitted requests.
type Router struct {
	reg      *registry.Registry
	monitor  *health.Monitor
	breakers *circuitbreaker.Registry
	logger   observability.Logger
	metrics  *observability.Metrics
}

// Option configures a Router.
type Option func(*Router)

// WithRouterLogger sets the router's logger.
func WithRouterLogger(logger observability.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithRouterMetrics sets the metrics sink for in-flight gauges.
func WithRouterMetrics(metrics *observability.Metrics) Option {
	return func(r *Router) {
		r.metrics = metrics
	}
}

// New creates a Router over the given registry, health monitor, and
// breaker set.
func New(reg *registry.Registry, monitor *health.Monitor, breakers *circuitbreaker.Registry, opts ...Option) *Router {
	r := &Router{
		reg:      reg,
		monitor:  monitor,
		breakers: breakers,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Selection is a backend reservation. The caller must invoke Done
// exactly once with the request outcome; Done releases the in-flight
// slot and feeds the breaker and health monitor.
type Selection struct {
	Backend *registry.Backend

	router  *Router
	breaker *circuitbreaker.Breaker
	once    sync.Once
}

// Done reports the outcome of the dispatched request and releases the
// reservation. Safe to call on every exit path; only the first call
// counts.
func (s *Selection) Done(success bool, latency time.Duration) {
	s.once.Do(func() {
		s.Backend.Release()
		if s.router.metrics != nil {
			s.router.metrics.SetBackendInFlight(s.Backend.Name, s.Backend.InFlight())
		}
		if success {
			s.breaker.RecordSuccess()
		} else {
			s.breaker.RecordFailure()
		}
		s.router.monitor.Report(s.Backend.Name, success, latency)
	})
}

// Cancel releases the reservation without recording an outcome. Used
// when the request dies for reasons that say nothing about the
// backend, like a client disconnect.
func (s *Selection) Cancel() {
	s.once.Do(func() {
		s.Backend.Release()
		if s.router.metrics != nil {
			s.router.metrics.SetBackendInFlight(s.Backend.Name, s.Backend.InFlight())
		}
		s.breaker.Cancel()
	})
}

// candidate pairs a backend with its selection score.
type candidate struct {
	backend *registry.Backend
	score   float64
}

// Pick selects a backend serving the model. Backends named in exclude
// are skipped, which lets a retry avoid the backend that just failed.
// Returns ErrNoBackendAvailable when nothing is selectable; no network
// call is made in that case.
func (r *Router) Pick(requestID, model string, exclude map[string]bool) (*Selection, error) {
	candidates := r.candidates(model, exclude)
	if len(candidates) == 0 {
		return nil, util.ErrNoBackendAvailable
	}

	// Deterministic per request: the same ID always walks the same
	// pick sequence over the same candidate set.
	rng := rand.New(rand.NewSource(int64(hashID(requestID))))

	for len(candidates) > 0 {
		i := pickWeighted(rng, candidates)
		b := candidates[i].backend

		breaker := r.breakers.GetOrCreate(b.Name)
		if !breaker.Allow() {
			candidates = append(candidates[:i], candidates[i+1:]...)
			continue
		}

		if !b.Acquire() {
			// At capacity. A full queue is load, not failure.
			breaker.Cancel()
			candidates = append(candidates[:i], candidates[i+1:]...)
			continue
		}

		if r.metrics != nil {
			r.metrics.SetBackendInFlight(b.Name, b.InFlight())
		}
		return &Selection{Backend: b, router: r, breaker: breaker}, nil
	}

	return nil, util.ErrNoBackendAvailable
}

// candidates filters and scores the backends for a model.
func (r *Router) candidates(model string, exclude map[string]bool) []candidate {
	var out []candidate
	for _, b := range r.reg.Snapshot().ForModel(model) {
		if b.Draining() || exclude[b.Name] {
			continue
		}

		state := r.monitor.State(b.Name)
		if state.Status == health.StatusUnavailable {
			continue
		}

		factor := 1.0
		if state.Status == health.StatusDegraded {
			factor = degradedFactor
		}

		score := float64(b.Weight()) * factor /
			(1 + float64(b.InFlight())) /
			(1 + state.LatencySeconds())
		if score <= 0 {
			continue
		}
		out = append(out, candidate{backend: b, score: score})
	}
	return out
}

// pickWeighted draws one candidate index with probability proportional
// to score.
func pickWeighted(rng *rand.Rand, candidates []candidate) int {
	var total float64
	for _, c := range candidates {
		total += c.score
	}

	point := rng.Float64() * total
	for i, c := range candidates {
		point -= c.score
		if point < 0 {
			return i
		}
	}
	return len(candidates) - 1
}

// hashID folds a request ID into a 64-bit seed.
func hashID(id string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return h.Sum64()
}
