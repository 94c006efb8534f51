// Package cache stores completed inference responses keyed by request
// fingerprint. Two stores are provided, an in-memory LRU and Redis,
// behind one interface. The Loader adds single-flight semantics on
// top: concurrent identical requests collapse into one backend call
// and every waiter receives the same result.
package cache
