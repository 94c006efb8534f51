package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avaigw/internal/config"
	"github.com/vyrodovalexey/avaigw/internal/observability"
	"github.com/vyrodovalexey/avaigw/internal/util"
)

func newTestLoader(t *testing.T) *Loader {
	t.Helper()
	c := newMemoryCache(config.CacheConfig{Enabled: true, MaxEntries: 100},
		observability.NopLogger())
	t.Cleanup(func() { _ = c.Close() })
	return NewLoader(c, time.Minute)
}

func TestLoader_HitSkipsCompute(t *testing.T) {
	l := newTestLoader(t)
	ctx := context.Background()

	var calls atomic.Int64
	compute := func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("answer"), nil
	}

	val, src, err := l.GetOrCompute(ctx, "fp", compute)
	require.NoError(t, err)
	assert.Equal(t, SourceComputed, src)
	assert.Equal(t, []byte("answer"), val)

	val, src, err = l.GetOrCompute(ctx, "fp", compute)
	require.NoError(t, err)
	assert.Equal(t, SourceHit, src)
	assert.Equal(t, []byte("answer"), val)
	assert.Equal(t, int64(1), calls.Load())
}

func TestLoader_ConcurrentCallersCoalesce(t *testing.T) {
	l := newTestLoader(t)
	ctx := context.Background()

	var calls atomic.Int64
	started := make(chan struct{})
	release := make(chan struct{})
	compute := func(context.Context) ([]byte, error) {
		calls.Add(1)
		close(started)
		<-release
		return []byte("answer"), nil
	}

	const n = 20
	var wg sync.WaitGroup
	sources := make(chan Source, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			val, src, err := l.GetOrCompute(ctx, "fp", compute)
			require.NoError(t, err)
			assert.Equal(t, []byte("answer"), val)
			sources <- src
		}()
	}

	<-started
	// Give the remaining goroutines time to join the flight.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(sources)

	assert.Equal(t, int64(1), calls.Load(), "one upstream call for N identical requests")

	computed := 0
	for src := range sources {
		if src == SourceComputed {
			computed++
		}
	}
	assert.Equal(t, 1, computed)
}

func TestLoader_WaitersSeeComputeFailure(t *testing.T) {
	l := newTestLoader(t)
	ctx := context.Background()

	boom := errors.New("backend exploded")
	started := make(chan struct{})
	release := make(chan struct{})
	compute := func(context.Context) ([]byte, error) {
		close(started)
		<-release
		return nil, boom
	}

	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := l.GetOrCompute(ctx, "fp", compute)
		leaderErr <- err
	}()
	<-started

	waiterErr := make(chan error, 1)
	go func() {
		_, _, err := l.GetOrCompute(ctx, "fp", func(context.Context) ([]byte, error) {
			t.Error("waiter must not compute")
			return nil, nil
		})
		waiterErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	assert.ErrorIs(t, <-leaderErr, boom, "leader sees the raw failure")
	assert.ErrorIs(t, <-waiterErr, util.ErrCacheComputeFailed)
}

func TestLoader_FailureIsNotCached(t *testing.T) {
	l := newTestLoader(t)
	ctx := context.Background()

	_, _, err := l.GetOrCompute(ctx, "fp", func(context.Context) ([]byte, error) {
		return nil, errors.New("transient")
	})
	require.Error(t, err)

	val, src, err := l.GetOrCompute(ctx, "fp", func(context.Context) ([]byte, error) {
		return []byte("recovered"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, SourceComputed, src, "next caller recomputes after a failed flight")
	assert.Equal(t, []byte("recovered"), val)
}

// startSlowFlight parks a leader computation on key "fp" and returns
// the channel that releases it.
func startSlowFlight(t *testing.T, l *Loader) chan struct{} {
	t.Helper()
	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _, _ = l.GetOrCompute(context.Background(), "fp", func(context.Context) ([]byte, error) {
			close(started)
			<-release
			return []byte("late"), nil
		})
	}()
	<-started
	return release
}

func TestLoader_WaiterDeadlineBecomesTimeout(t *testing.T) {
	l := newTestLoader(t)
	release := startSlowFlight(t, l)
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err := l.GetOrCompute(ctx, "fp", func(context.Context) ([]byte, error) {
		return nil, nil
	})

	var timeoutErr *util.TimeoutError
	require.ErrorAs(t, err, &timeoutErr, "raw context errors must not escape the wait")
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoader_WaiterCancelBecomesClientCancelled(t *testing.T) {
	l := newTestLoader(t)
	release := startSlowFlight(t, l)
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := l.GetOrCompute(ctx, "fp", func(context.Context) ([]byte, error) {
			return nil, nil
		})
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-errCh, util.ErrClientCancelled)
}
