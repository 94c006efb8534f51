package health

import (
	"time"
)

// Status is the coarse health classification of a backend.
type Status int

// Backend health statuses, ordered from best to worst.
const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnavailable
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// State is an immutable health snapshot for one backend. The monitor
// publishes a fresh State on every observation; readers keep whatever
// pointer they loaded.
type State struct {
	Status              Status
	Latency             time.Duration
	ConsecutiveFailures int
	LastProbe           time.Time
}

// LatencySeconds returns the smoothed latency estimate in seconds.
func (s State) LatencySeconds() float64 {
	return s.Latency.Seconds()
}
