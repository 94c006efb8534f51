// Package health tracks per-backend liveness and latency. A monitor
// goroutine probes each backend periodically and also receives a
// passive signal from every real request. Each backend's state is
// published as an immutable snapshot behind an atomic pointer, so the
// router reads health without ever blocking the monitor.
package health
