// Package router picks a backend for each admitted request. Candidates
// are filtered on model, drain flag, health, and circuit state, then
// scored from static weight, health, queue depth, and smoothed
// latency. Selection is weighted-random but deterministic per request
// ID, which keeps tests reproducible and spreads load in production.
package router
