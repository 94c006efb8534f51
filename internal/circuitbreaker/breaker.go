package circuitbreaker

import (
	"sync"
	"time"

	"github.com/vyrodovalexey/avaigw/internal/config"
	"github.com/vyrodovalexey/avaigw/internal/observability"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed indicates the circuit is closed and requests flow.
	StateClosed State = iota

	// StateOpen indicates the circuit is open and requests are
	// rejected without touching the backend.
	StateOpen

	// StateHalfOpen indicates the circuit is admitting a limited
	// number of trial requests.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeFunc is called on every breaker state transition.
type StateChangeFunc func(backend string, from, to State)

// outcome is one recorded request result.
type outcome struct {
	success bool
	at      time.Time
}

// Breaker is the failure-rate state machine for a single backend.
//
// The outcome window is a ring buffer bounded both by count and by
// age; an outcome leaves the window when it is overwritten or when it
// is older than the window duration. The open interval doubles on
// every consecutive trip and resets when the breaker closes.
type Breaker struct {
	backend string
	cfg     config.CircuitBreakerConfig
	logger  observability.Logger
	metrics *observability.Metrics
	now     func() time.Time

	onStateChange StateChangeFunc

	mu       sync.Mutex
	state    State
	window   []outcome
	next     int
	filled   bool
	openedAt time.Time
	cooldown time.Duration

	halfOpenInFlight    int
	halfOpenSuccesses   int
	halfOpenTerminating bool
}

// BreakerOption configures a breaker.
type BreakerOption func(*Breaker)

// WithBreakerLogger sets the breaker's logger.
func WithBreakerLogger(logger observability.Logger) BreakerOption {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// WithBreakerMetrics sets the metrics sink for state gauge updates.
func WithBreakerMetrics(metrics *observability.Metrics) BreakerOption {
	return func(b *Breaker) {
		b.metrics = metrics
	}
}

// WithBreakerClock overrides the breaker's time source.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithStateChangeFunc registers a transition callback.
func WithStateChangeFunc(fn StateChangeFunc) BreakerOption {
	return func(b *Breaker) {
		b.onStateChange = fn
	}
}

// NewBreaker creates a closed breaker for the named backend.
func NewBreaker(backend string, cfg config.CircuitBreakerConfig, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		backend:  backend,
		cfg:      cfg,
		logger:   observability.NopLogger(),
		now:      time.Now,
		state:    StateClosed,
		window:   make([]outcome, cfg.WindowSize),
		cooldown: cfg.Cooldown.Duration(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a request may be dispatched to the backend.
// It drives the Open to HalfOpen transition when the cooldown has
// elapsed and reserves a trial slot while half-open. A true return
// must be followed by exactly one RecordSuccess or RecordFailure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.transitionTo(StateHalfOpen)
		b.halfOpenInFlight = 1
		return true

	case StateHalfOpen:
		if b.halfOpenTerminating || b.halfOpenInFlight >= b.cfg.HalfOpenMax {
			return false
		}
		b.halfOpenInFlight++
		return true

	default:
		return false
	}
}

// Cancel returns an Allow reservation that never turned into a
// dispatched request, without recording an outcome.
func (b *Breaker) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && !b.halfOpenTerminating && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
}

// RecordSuccess records a successful request outcome.
func (b *Breaker) RecordSuccess() {
	b.record(true)
}

// RecordFailure records a backend-attributable failure.
func (b *Breaker) RecordFailure() {
	b.record(false)
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.push(success)
		if !success && b.shouldTrip() {
			b.trip()
		}

	case StateHalfOpen:
		if b.halfOpenTerminating {
			return
		}
		if !success {
			// Any trial failure reopens with a longer cooldown.
			b.halfOpenTerminating = true
			b.cooldown = b.nextCooldown()
			b.transitionTo(StateOpen)
			b.openedAt = b.now()
			return
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.halfOpenTerminating = true
			b.cooldown = b.cfg.Cooldown.Duration()
			b.resetWindow()
			b.transitionTo(StateClosed)
		}

	case StateOpen:
		// Late result from a request dispatched before the trip.
	}
}

// push appends an outcome to the ring buffer.
func (b *Breaker) push(success bool) {
	b.window[b.next] = outcome{success: success, at: b.now()}
	b.next++
	if b.next == len(b.window) {
		b.next = 0
		b.filled = true
	}
}

// shouldTrip evaluates the failure rate over outcomes still inside
// the window duration.
func (b *Breaker) shouldTrip() bool {
	cutoff := b.now().Add(-b.cfg.WindowDuration.Duration())

	n := b.next
	if b.filled {
		n = len(b.window)
	}

	var total, failures int
	for i := 0; i < n; i++ {
		o := b.window[i]
		if o.at.Before(cutoff) {
			continue
		}
		total++
		if !o.success {
			failures++
		}
	}

	if total < b.cfg.MinVolume {
		return false
	}
	return float64(failures)/float64(total) >= b.cfg.FailureRatio
}

// trip opens the breaker from the closed state.
func (b *Breaker) trip() {
	b.transitionTo(StateOpen)
	b.openedAt = b.now()
}

// nextCooldown doubles the open interval up to the configured cap.
func (b *Breaker) nextCooldown() time.Duration {
	next := b.cooldown * 2
	if maxCD := b.cfg.MaxCooldown.Duration(); next > maxCD {
		next = maxCD
	}
	return next
}

func (b *Breaker) resetWindow() {
	for i := range b.window {
		b.window[i] = outcome{}
	}
	b.next = 0
	b.filled = false
}

// transitionTo moves the breaker to a new state. Caller holds the
// mutex.
func (b *Breaker) transitionTo(to State) {
	from := b.state
	b.state = to

	if to == StateHalfOpen {
		b.halfOpenInFlight = 0
		b.halfOpenSuccesses = 0
		b.halfOpenTerminating = false
	}

	b.logger.Info("circuit breaker state changed",
		observability.String("backend", b.backend),
		observability.String("from", from.String()),
		observability.String("to", to.String()),
	)

	if b.metrics != nil {
		b.metrics.SetCircuitState(b.backend, int(to))
	}
	if b.onStateChange != nil {
		b.onStateChange(b.backend, from, to)
	}
}

// State returns the breaker's current state without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Backend returns the backend name the breaker guards.
func (b *Breaker) Backend() string {
	return b.backend
}
