package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/vyrodovalexey/avaigw/internal/config"
	"github.com/vyrodovalexey/avaigw/internal/observability"
)

// runGateway starts the background loops and the listener, then blocks
// until a shutdown signal arrives.
func runGateway(app *application, configPath string, logger observability.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	app.monitorCancel = cancel
	app.monitor.Start(ctx)

	watcher := startConfigWatcher(app, configPath, logger)

	gwErr := make(chan error, 1)
	go func() {
		gwErr <- app.gateway.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", observability.String("signal", sig.String()))
	case err := <-gwErr:
		if err != nil {
			logger.Error("gateway listener failed", observability.Error(err))
		}
	}

	shutdown(app, watcher, logger)
}

// shutdown drains in-flight requests within the configured timeout,
// then stops the background loops and flushes the audit queue.
func shutdown(app *application, watcher *config.Watcher, logger observability.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		app.cfg.Listen.ShutdownTimeout.Duration())
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
	}

	if err := app.gateway.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to stop gateway gracefully", observability.Error(err))
	}

	app.monitor.Stop()
	if app.monitorCancel != nil {
		app.monitorCancel()
	}

	_ = app.limiter.Close()

	if app.store != nil {
		if err := app.store.Close(); err != nil {
			logger.Error("failed to close cache", observability.Error(err))
		}
	}

	// Flushes queued audit records before the process exits.
	if err := app.auditLog.Close(); err != nil {
		logger.Error("failed to close audit writer", observability.Error(err))
	}

	if err := app.tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown tracer", observability.Error(err))
	}

	logger.Info("gateway stopped")
}
