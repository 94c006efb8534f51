// Package ratelimit enforces per-principal request quotas. Each
// principal gets a token bucket per quota window (minute, hour, day)
// sized by its tier; a request is admitted only when every window has
// capacity, and the retry hint reflects the slowest-recovering window
// that denied it. Updates for a single principal are serialized so
// concurrent handlers see one logical counter.
package ratelimit
