// Package circuitbreaker protects struggling backends from pile-on
// load. Each backend gets its own breaker: a sliding window of recent
// outcomes trips the breaker open when the failure rate crosses a
// threshold, the open interval backs off exponentially across repeated
// trips, and a half-open phase admits a few trial requests before the
// breaker closes again. While open, the router skips the backend
// without attempting a network call.
package circuitbreaker
