package circuitbreaker

import (
	"sync"

	"github.com/vyrodovalexey/avaigw/internal/config"
)

// Registry holds one breaker per backend.
type Registry struct {
	cfgMu sync.RWMutex
	cfg   config.CircuitBreakerConfig
	opts  []BreakerOption

	breakers sync.Map
}

// NewRegistry creates a breaker registry. The options are applied to
// every breaker it creates.
func NewRegistry(cfg config.CircuitBreakerConfig, opts ...BreakerOption) *Registry {
	return &Registry{cfg: cfg, opts: opts}
}

// Reload replaces the breaker thresholds and drops existing breakers
// so each backend gets a fresh closed breaker with the new settings on
// its next request.
func (r *Registry) Reload(cfg config.CircuitBreakerConfig) {
	r.cfgMu.Lock()
	r.cfg = cfg
	r.cfgMu.Unlock()

	r.breakers.Range(func(k, _ any) bool {
		r.breakers.Delete(k)
		return true
	})
}

// Get returns the breaker for a backend, or nil if none exists yet.
func (r *Registry) Get(backend string) *Breaker {
	v, ok := r.breakers.Load(backend)
	if !ok {
		return nil
	}
	return v.(*Breaker)
}

// GetOrCreate returns the breaker for a backend, creating a closed one
// on first use.
func (r *Registry) GetOrCreate(backend string) *Breaker {
	if v, ok := r.breakers.Load(backend); ok {
		return v.(*Breaker)
	}

	r.cfgMu.RLock()
	cfg := r.cfg
	r.cfgMu.RUnlock()

	b := NewBreaker(backend, cfg, r.opts...)
	actual, _ := r.breakers.LoadOrStore(backend, b)
	return actual.(*Breaker)
}

// Remove drops the breaker for a backend that left the registry.
func (r *Registry) Remove(backend string) {
	r.breakers.Delete(backend)
}

// States returns the current state per known backend.
func (r *Registry) States() map[string]State {
	out := make(map[string]State)
	r.breakers.Range(func(k, v any) bool {
		out[k.(string)] = v.(*Breaker).State()
		return true
	})
	return out
}
