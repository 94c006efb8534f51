package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/avaigw/internal/observability"
	"github.com/vyrodovalexey/avaigw/internal/util"
)

// Source describes how a Loader result was obtained.
type Source string

// Loader result sources.
const (
	// SourceHit means the value came straight from the cache.
	SourceHit Source = "hit"

	// SourceComputed means this caller ran the computation.
	SourceComputed Source = "miss"

	// SourceCoalesced means the caller waited on another caller's
	// in-flight computation for the same key.
	SourceCoalesced Source = "coalesced"
)

// ComputeFunc produces the value for a key on a cache miss.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// flight is one in-progress computation.
type flight struct {
	done chan struct{}
	val  []byte
	err  error
}

// Loader wraps a Cache with single-flight admission: for any key, at
// most one computation runs at a time and concurrent callers share
// its outcome.
type Loader struct {
	cache   Cache
	ttl     atomic.Int64
	logger  observability.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	flights map[string]*flight
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLoaderLogger sets the loader's logger.
func WithLoaderLogger(logger observability.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger
	}
}

// WithLoaderMetrics sets the metrics sink for hit/miss accounting.
func WithLoaderMetrics(metrics *observability.Metrics) LoaderOption {
	return func(l *Loader) {
		l.metrics = metrics
	}
}

// NewLoader creates a Loader storing computed values with the given
// TTL.
func NewLoader(c Cache, ttl time.Duration, opts ...LoaderOption) *Loader {
	l := &Loader{
		cache:   c,
		logger:  observability.NopLogger(),
		flights: make(map[string]*flight),
	}
	l.ttl.Store(int64(ttl))
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetTTL changes the TTL applied to entries stored from now on.
func (l *Loader) SetTTL(ttl time.Duration) {
	l.ttl.Store(int64(ttl))
}

// GetOrCompute returns the cached value for key, or runs compute and
// caches its result. Concurrent calls for the same key run compute
// once; the rest wait. A waiter whose context ends before the flight
// lands gets a TimeoutError on deadline expiry and ErrClientCancelled
// on cancellation. When the flight itself fails, every waiter receives
// ErrCacheComputeFailed wrapping the cause, and the next caller starts
// a fresh computation.
func (l *Loader) GetOrCompute(ctx context.Context, key string, compute ComputeFunc) ([]byte, Source, error) {
	if val, err := l.cache.Get(ctx, key); err == nil {
		l.record(SourceHit)
		return val, SourceHit, nil
	}

	l.mu.Lock()
	if f, ok := l.flights[key]; ok {
		l.mu.Unlock()
		return l.wait(ctx, f)
	}

	f := &flight{done: make(chan struct{})}
	l.flights[key] = f
	l.mu.Unlock()

	f.val, f.err = compute(ctx)

	l.mu.Lock()
	delete(l.flights, key)
	l.mu.Unlock()
	close(f.done)

	if f.err != nil {
		l.record(SourceComputed)
		return nil, SourceComputed, f.err
	}

	if err := l.cache.Set(ctx, key, f.val, time.Duration(l.ttl.Load())); err != nil {
		// Serving the computed value matters more than storing it.
		l.logger.Warn("failed to store cache entry",
			observability.String("key", key),
			observability.Error(err),
		)
	}

	l.record(SourceComputed)
	return f.val, SourceComputed, nil
}

// wait blocks until the flight lands or the caller's context ends.
// Context errors are classified here so waiters surface the same
// error taxonomy as callers that dispatched themselves.
func (l *Loader) wait(ctx context.Context, f *flight) ([]byte, Source, error) {
	start := time.Now()
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, SourceCoalesced, util.NewTimeoutError("cache wait", time.Since(start))
		}
		return nil, SourceCoalesced, fmt.Errorf("%w: %v", util.ErrClientCancelled, ctx.Err())
	case <-f.done:
	}

	l.record(SourceCoalesced)
	if f.err != nil {
		return nil, SourceCoalesced, util.NewCacheComputeError(f.err)
	}
	return f.val, SourceCoalesced, nil
}

func (l *Loader) record(s Source) {
	if l.metrics != nil {
		l.metrics.RecordCache(string(s))
	}
}
