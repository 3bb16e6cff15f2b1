package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"chatsync/pkg/logger"
)

// Shutdown stops every component in reverse start order. The reconciler
// persists the open conversation before the cache is closed.
func (a *App) Shutdown(ctx context.Context) error {
	a.setState("stopping")
	logger.Info("shutdown_requested")

	if a.srvFast != nil {
		if err := a.srvFast.Shutdown(); err != nil {
			logger.Error("shutdown_metrics_failed", "error", err)
		}
	}
	a.resync.Stop()

	if a.cancel != nil {
		a.cancel()
		_ = a.hub.Close()
		select {
		case <-a.runDone:
		case <-ctx.Done():
			logger.Warn("shutdown_reconcile_timeout")
		}
	} else {
		a.rec.Close()
	}

	var err error
	if a.cache != nil {
		if err = a.cache.Close(); err != nil {
			logger.Error("shutdown_cache_close_failed", "error", err)
		}
	}
	a.setState("stopped")
	logger.Info("shutdown_complete")
	return err
}

// SetupSignalHandler returns a context cancelled on SIGINT or SIGTERM.
func SetupSignalHandler(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case s := <-sigc:
			logger.Info("signal_received", "signal", s.String(), "msg", "shutdown requested")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigc)
	}()
	return ctx, cancel
}
