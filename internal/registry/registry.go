// Package registry maintains the set of inference backends behind the
// gateway. The backend list is published as an immutable snapshot that
// is swapped atomically on reload, so in-flight routing decisions never
// observe a partially-updated list. Mutable runtime state (in-flight
// counters, drain flag) lives on the Backend records themselves, which
// survive reloads by name.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/vyrodovalexey/avaigw/internal/config"
	"github.com/vyrodovalexey/avaigw/internal/observability"
	"github.com/vyrodovalexey/avaigw/internal/util"
)

// Backend is one addressable inference endpoint. Identity fields are
// immutable after creation; weight is tuned via config reload.
type Backend struct {
	Name      string
	Address   string
	Model     string
	MaxTokens int

	weight      atomic.Int64
	maxInFlight atomic.Int64
	inFlight    atomic.Int64
	draining    atomic.Bool
}

// newBackend creates a Backend from its configuration.
func newBackend(cfg config.BackendConfig) *Backend {
	b := &Backend{
		Name:      cfg.Name,
		Address:   cfg.Address,
		Model:     cfg.Model,
		MaxTokens: cfg.MaxTokens,
	}
	b.weight.Store(int64(cfg.Weight))
	b.maxInFlight.Store(int64(cfg.MaxInFlight))
	return b
}

// Weight returns the backend's static selection weight.
func (b *Backend) Weight() int {
	return int(b.weight.Load())
}

// InFlight returns the number of requests currently dispatched to the
// backend.
func (b *Backend) InFlight() int64 {
	return b.inFlight.Load()
}

// Acquire reserves an in-flight slot. It returns false when the
// backend is at capacity or draining; the caller must not dispatch.
func (b *Backend) Acquire() bool {
	if b.draining.Load() {
		return false
	}
	limit := b.maxInFlight.Load()
	for {
		n := b.inFlight.Load()
		if limit > 0 && n >= limit {
			return false
		}
		if b.inFlight.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release returns an in-flight slot. Every successful Acquire must be
// paired with exactly one Release on every exit path.
func (b *Backend) Release() {
	if b.inFlight.Add(-1) < 0 {
		// Unbalanced release; clamp rather than go negative.
		b.inFlight.Store(0)
	}
}

// Draining reports whether the backend is excluded from new selections.
func (b *Backend) Draining() bool {
	return b.draining.Load()
}

// setDraining marks the backend non-selectable for new requests while
// letting in-flight ones finish.
func (b *Backend) setDraining(v bool) {
	b.draining.Store(v)
}

// Snapshot is an immutable view of the backend set.
type Snapshot struct {
	backends []*Backend
	byName   map[string]*Backend
	byModel  map[string][]*Backend
}

// List returns all backends in the snapshot.
func (s *Snapshot) List() []*Backend {
	return s.backends
}

// Get returns the backend with the given name, or nil.
func (s *Snapshot) Get(name string) *Backend {
	return s.byName[name]
}

// ForModel returns the backends serving the given model.
func (s *Snapshot) ForModel(model string) []*Backend {
	return s.byModel[model]
}

// Models returns the distinct model names served by the snapshot.
func (s *Snapshot) Models() []string {
	models := make([]string, 0, len(s.byModel))
	for m := range s.byModel {
		models = append(models, m)
	}
	return models
}

// Registry owns the backend snapshot and its atomic replacement.
type Registry struct {
	snapshot atomic.Pointer[Snapshot]
	logger   observability.Logger

	// reloadMu serializes Reload calls; readers never take it.
	reloadMu sync.Mutex
}

// Option is a functional option for configuring the registry.
type Option func(*Registry)

// WithLogger sets the logger for the registry.
func WithLogger(logger observability.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// New creates a registry from the configured backends.
func New(cfgs []config.BackendConfig, opts ...Option) *Registry {
	r := &Registry{
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(r)
	}

	r.snapshot.Store(buildSnapshot(cfgs, nil))
	return r
}

// Snapshot returns the current immutable snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.snapshot.Load()
}

// Reload atomically swaps the backend set. Backends that persist by
// name keep their runtime state (in-flight count, drain flag) so a
// reload never resets live counters; removed backends are marked
// draining so their in-flight requests finish before they are
// garbage-collected.
func (r *Registry) Reload(cfgs []config.BackendConfig) {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	old := r.snapshot.Load()
	next := buildSnapshot(cfgs, old)
	r.snapshot.Store(next)

	for _, b := range old.backends {
		if next.byName[b.Name] == nil {
			b.setDraining(true)
			r.logger.Info("backend retired, draining",
				observability.String("backend", b.Name),
				observability.Int64("in_flight", b.InFlight()),
			)
		}
	}

	r.logger.Info("backend registry reloaded",
		observability.Int("backends", len(next.backends)),
	)
}

// Drain marks a backend non-selectable for new requests.
func (r *Registry) Drain(name string) error {
	b := r.snapshot.Load().Get(name)
	if b == nil {
		return util.NewBackendError(name, "unknown backend")
	}
	b.setDraining(true)
	r.logger.Info("backend draining", observability.String("backend", name))
	return nil
}

// Undrain returns a drained backend to rotation.
func (r *Registry) Undrain(name string) error {
	b := r.snapshot.Load().Get(name)
	if b == nil {
		return util.NewBackendError(name, "unknown backend")
	}
	b.setDraining(false)
	r.logger.Info("backend back in rotation", observability.String("backend", name))
	return nil
}

// buildSnapshot constructs a snapshot, reusing Backend records from the
// previous snapshot where the name persists.
func buildSnapshot(cfgs []config.BackendConfig, old *Snapshot) *Snapshot {
	s := &Snapshot{
		backends: make([]*Backend, 0, len(cfgs)),
		byName:   make(map[string]*Backend, len(cfgs)),
		byModel:  make(map[string][]*Backend),
	}

	for _, cfg := range cfgs {
		var b *Backend
		if old != nil {
			b = old.byName[cfg.Name]
		}
		if b != nil {
			// Identity persists; re-apply tunables.
			b.weight.Store(int64(cfg.Weight))
			b.maxInFlight.Store(int64(cfg.MaxInFlight))
			b.setDraining(false)
		} else {
			b = newBackend(cfg)
		}

		s.backends = append(s.backends, b)
		s.byName[b.Name] = b
		s.byModel[b.Model] = append(s.byModel[b.Model], b)
	}

	return s
}
