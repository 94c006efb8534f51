package main

import (
	"context"

	"github.com/vyrodovalexey/avaigw/internal/config"
	"github.com/vyrodovalexey/avaigw/internal/observability"
)

// startConfigWatcher wires hot reload. A nil return means the watcher
// could not be started; the gateway keeps running with its boot
// configuration.
func startConfigWatcher(app *application, configPath string, logger observability.Logger) *config.Watcher {
	watcher, err := config.NewWatcher(configPath,
		func(cfg *config.Config) { applyConfig(app, cfg, logger) },
		config.WithWatcherLogger(logger),
		config.WithErrorCallback(func(err error) {
			logger.Error("config reload failed", observability.Error(err))
		}),
	)
	if err != nil {
		logger.Error("failed to create config watcher", observability.Error(err))
		return nil
	}
	if err := watcher.Start(context.Background()); err != nil {
		logger.Error("failed to start config watcher", observability.Error(err))
		return nil
	}

	logger.Info("config watcher started", observability.String("path", configPath))
	return watcher
}

// applyConfig re-applies the reloadable sections: the backend set,
// rate-limit tiers, circuit-breaker thresholds, and cache TTL. Listener
// settings, auth, and the cache backend type require a restart.
func applyConfig(app *application, cfg *config.Config, logger observability.Logger) {
	if err := config.Validate(cfg); err != nil {
		logger.Error("rejected reloaded configuration", observability.Error(err))
		return
	}

	app.registry.Reload(cfg.Backends)
	app.limiter.Reload(cfg.RateLimit)
	app.breakers.Reload(cfg.CircuitBreaker)
	if app.loader != nil {
		app.loader.SetTTL(cfg.Cache.TTL.Duration())
	}

	app.cfg.Backends = cfg.Backends
	app.cfg.RateLimit = cfg.RateLimit
	app.cfg.CircuitBreaker = cfg.CircuitBreaker
	app.cfg.Cache.TTL = cfg.Cache.TTL

	logger.Info("configuration reloaded",
		observability.Int("backends", len(cfg.Backends)),
		observability.Int("tiers", len(cfg.RateLimit.Tiers)),
	)
}
