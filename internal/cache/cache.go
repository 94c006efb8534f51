package cache

import (
	"context"
	"errors"
	"time"

	"github.com/vyrodovalexey/avaigw/internal/config"
	"github.com/vyrodovalexey/avaigw/internal/observability"
)

// Common cache errors.
var (
	// ErrCacheMiss indicates that the key was not found in the cache.
	ErrCacheMiss = errors.New("cache miss")

	// ErrCacheDisabled indicates that caching is disabled.
	ErrCacheDisabled = errors.New("cache disabled")
)

// Cache is a byte-value store with per-entry TTL.
type Cache interface {
	// Get retrieves a value. Returns ErrCacheMiss when absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given TTL. A TTL of 0 means the
	// entry never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value.
	Delete(ctx context.Context, key string) error

	// Close releases the store's resources.
	Close() error
}

// New creates a cache from the configuration.
func New(cfg config.CacheConfig, logger observability.Logger) (Cache, error) {
	if !cfg.Enabled {
		return &disabledCache{}, nil
	}

	if logger == nil {
		logger = observability.NopLogger()
	}

	switch cfg.Type {
	case config.CacheTypeMemory, "":
		return newMemoryCache(cfg, logger), nil
	case config.CacheTypeRedis:
		return newRedisCache(cfg, logger)
	default:
		return nil, errors.New("unknown cache type: " + cfg.Type)
	}
}

// disabledCache reports a disabled store on every operation.
type disabledCache struct{}

func (*disabledCache) Get(context.Context, string) ([]byte, error) {
	return nil, ErrCacheDisabled
}

func (*disabledCache) Set(context.Context, string, []byte, time.Duration) error {
	return ErrCacheDisabled
}

func (*disabledCache) Delete(context.Context, string) error {
	return ErrCacheDisabled
}

func (*disabledCache) Close() error {
	return nil
}
