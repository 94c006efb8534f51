package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/avaigw/internal/config"
	"github.com/vyrodovalexey/avaigw/internal/observability"
	"github.com/vyrodovalexey/avaigw/internal/registry"
)

// ewmaAlpha is the smoothing factor for the latency estimate. Higher
// values react faster to recent observations.
const ewmaAlpha = 0.3

// Transition thresholds per status.
const (
	degradedFailureThreshold    = 3
	unavailableFailureThreshold = 5
	recoverySuccessThreshold    = 2
)

// TransitionFunc is called when a backend's status changes.
type TransitionFunc func(backend string, from, to Status)

// record holds the mutable health bookkeeping for one backend. The
// mutex serializes the prober and passive reporters; the published
// State is read lock-free through the atomic pointer.
type record struct {
	state atomic.Pointer[State]

	mu                   sync.Mutex
	consecutiveFailures  int
	consecutiveSuccesses int
	ewmaSeconds          float64
	baselineSeconds      float64
}

// Monitor probes backends and aggregates passive request signals into
// per-backend health states.
type Monitor struct {
	reg     *registry.Registry
	cfg     config.ProbeConfig
	client  *http.Client
	logger  observability.Logger
	metrics *observability.Metrics
	now     func() time.Time

	onTransition TransitionFunc

	mu      sync.RWMutex
	records map[string]*record

	runMu     sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// MonitorOption configures the monitor.
type MonitorOption func(*Monitor)

// WithLogger sets the monitor's logger.
func WithLogger(logger observability.Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithMetrics sets the metrics sink for probe results and health
// gauge updates.
func WithMetrics(metrics *observability.Metrics) MonitorOption {
	return func(m *Monitor) {
		m.metrics = metrics
	}
}

// WithTransitionFunc registers a callback invoked on every status
// transition.
func WithTransitionFunc(fn TransitionFunc) MonitorOption {
	return func(m *Monitor) {
		m.onTransition = fn
	}
}

// WithProbeClient sets the HTTP client used for active probes.
func WithProbeClient(client *http.Client) MonitorOption {
	return func(m *Monitor) {
		m.client = client
	}
}

// WithClock overrides the monitor's time source.
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		m.now = now
	}
}

// NewMonitor creates a monitor for the backends currently in the
// registry. Backends added by a later reload are picked up on the next
// probe cycle.
func NewMonitor(reg *registry.Registry, cfg config.ProbeConfig, opts ...MonitorOption) *Monitor {
	timeout := cfg.Timeout.Duration()
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	m := &Monitor{
		reg:       reg,
		cfg:       cfg,
		client:    &http.Client{Timeout: timeout},
		logger:    observability.NopLogger(),
		now:       time.Now,
		records:   make(map[string]*record),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.syncRecords()
	return m
}

// Start launches the probe loop. It is a no-op if already running.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	if m.running {
		m.runMu.Unlock()
		return
	}
	m.running = true
	m.runMu.Unlock()

	go m.run(ctx)
}

// Stop halts the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	m.runMu.Unlock()

	close(m.stopCh)
	<-m.stoppedCh
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.stoppedCh)

	interval := m.cfg.Interval.Duration()
	if interval == 0 {
		interval = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.probeAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.syncRecords()
			m.probeAll(ctx)
		}
	}
}

// probeAll probes every backend in the current registry snapshot
// concurrently.
func (m *Monitor) probeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, b := range m.reg.Snapshot().List() {
		wg.Add(1)
		go func(b *registry.Backend) {
			defer wg.Done()
			m.probe(ctx, b)
		}(b)
	}
	wg.Wait()
}

// probe issues one active health check. Probes go around the in-flight
// accounting entirely so they never consume a backend's capacity.
func (m *Monitor) probe(ctx context.Context, b *registry.Backend) {
	select {
	case <-ctx.Done():
		return
	default:
	}

	url := b.Address + m.cfg.Path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		m.observe(b.Name, false, 0, true)
		return
	}

	start := m.now()
	resp, err := m.client.Do(req)
	elapsed := m.now().Sub(start)

	if err != nil {
		m.observe(b.Name, false, elapsed, true)
		return
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices
	m.observe(b.Name, ok, elapsed, true)
}

// Report feeds the outcome of a real request into the health state.
// Passive failures can degrade a backend; only probe successes heal it.
func (m *Monitor) Report(backend string, success bool, latency time.Duration) {
	m.observe(backend, success, latency, false)
}

// State returns the current health snapshot for a backend. Unknown
// backends are treated as healthy so a freshly added backend is
// immediately selectable.
func (m *Monitor) State(backend string) State {
	rec := m.record(backend)
	if rec == nil {
		return State{Status: StatusHealthy}
	}
	return *rec.state.Load()
}

// States returns a health snapshot per known backend.
func (m *Monitor) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]State, len(m.records))
	for name, rec := range m.records {
		out[name] = *rec.state.Load()
	}
	return out
}

func (m *Monitor) record(backend string) *record {
	m.mu.RLock()
	rec := m.records[backend]
	m.mu.RUnlock()
	return rec
}

// syncRecords reconciles the record map with the registry snapshot
// after a config reload.
func (m *Monitor) syncRecords() {
	snap := m.reg.Snapshot()

	m.mu.Lock()
	defer m.mu.Unlock()

	current := make(map[string]bool)
	for _, b := range snap.List() {
		current[b.Name] = true
		if _, ok := m.records[b.Name]; !ok {
			rec := &record{}
			rec.state.Store(&State{Status: StatusHealthy})
			m.records[b.Name] = rec
			if m.metrics != nil {
				m.metrics.SetBackendHealth(b.Name, int(StatusHealthy))
			}
		}
	}
	for name := range m.records {
		if !current[name] {
			delete(m.records, name)
		}
	}
}

// observe applies one success/failure observation and publishes the
// resulting state.
func (m *Monitor) observe(backend string, success bool, latency time.Duration, probe bool) {
	rec := m.record(backend)
	if rec == nil {
		return
	}

	rec.mu.Lock()

	prev := rec.state.Load()
	from := prev.Status

	if latency > 0 {
		sec := latency.Seconds()
		if rec.ewmaSeconds == 0 {
			rec.ewmaSeconds = sec
		} else {
			rec.ewmaSeconds = ewmaAlpha*sec + (1-ewmaAlpha)*rec.ewmaSeconds
		}
	}

	if success {
		rec.consecutiveFailures = 0
		if probe {
			rec.consecutiveSuccesses++
		}
	} else {
		rec.consecutiveSuccesses = 0
		rec.consecutiveFailures++
	}

	to := from
	switch {
	case success && from == StatusHealthy && m.latencyDegraded(rec):
		to = StatusDegraded
	case success && from == StatusHealthy && rec.baselineSeconds == 0:
		rec.baselineSeconds = rec.ewmaSeconds
	case probe && success && from != StatusHealthy && rec.consecutiveSuccesses >= recoverySuccessThreshold:
		to = StatusHealthy
		rec.baselineSeconds = rec.ewmaSeconds
	case !success && from == StatusDegraded && rec.consecutiveFailures >= unavailableFailureThreshold:
		to = StatusUnavailable
	case !success && from == StatusHealthy && rec.consecutiveFailures >= degradedFailureThreshold:
		to = StatusDegraded
	}

	next := &State{
		Status:              to,
		Latency:             time.Duration(rec.ewmaSeconds * float64(time.Second)),
		ConsecutiveFailures: rec.consecutiveFailures,
		LastProbe:           prev.LastProbe,
	}
	if probe {
		next.LastProbe = m.now()
	}
	rec.state.Store(next)
	rec.mu.Unlock()

	if m.metrics != nil && probe {
		m.metrics.RecordProbe(backend, success)
	}

	if to != from {
		m.transition(backend, from, to)
	}
}

// latencyDegraded reports whether smoothed latency has drifted past
// the configured multiple of the healthy baseline.
func (m *Monitor) latencyDegraded(rec *record) bool {
	if m.cfg.LatencyMultiple <= 1 || rec.baselineSeconds == 0 {
		return false
	}
	return rec.ewmaSeconds > rec.baselineSeconds*m.cfg.LatencyMultiple
}

func (m *Monitor) transition(backend string, from, to Status) {
	if to == StatusHealthy {
		m.logger.Info("backend recovered",
			observability.String("backend", backend),
			observability.String("from", from.String()),
		)
	} else {
		m.logger.Warn("backend health degraded",
			observability.String("backend", backend),
			observability.String("from", from.String()),
			observability.String("to", to.String()),
		)
	}

	if m.metrics != nil {
		m.metrics.SetBackendHealth(backend, int(to))
	}
	if m.onTransition != nil {
		m.onTransition(backend, from, to)
	}
}
