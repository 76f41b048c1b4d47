// Package app provides application lifecycle management for courier-sync.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/stacklok/courier-sync/internal/config"
)

// CourierApp encapsulates all components needed to run the offline engine
// sidecar. It provides lifecycle management and graceful shutdown.
type CourierApp struct {
	config     *config.Config
	components *AppComponents
	httpServer *http.Server
}

// Start starts connectivity tracking, the coordinator and the local API.
// It blocks until the HTTP server stops or fails.
func (app *CourierApp) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	return app.Serve(ctx, listener)
}

// Serve is Start on an existing listener
func (app *CourierApp) Serve(ctx context.Context, listener net.Listener) error {
	if err := app.components.Monitor.Start(ctx); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to start connectivity monitor: %w", err)
	}
	if err := app.components.Coordinator.Start(ctx); err != nil {
		app.components.Monitor.Stop()
		_ = listener.Close()
		return fmt.Errorf("failed to start coordinator: %w", err)
	}

	slog.Info("Local API listening", "address", listener.Addr().String())
	if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Stop shuts down the HTTP server, then the coordinator, the monitor and
// the store
func (app *CourierApp) Stop(timeout time.Duration) error {
	slog.Info("Shutting down courier-sync...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server forced to shutdown: %w", err))
	}

	// Let an in-flight pass commit before the store goes away
	if err := app.components.Coordinator.WaitIdle(shutdownCtx); err != nil {
		slog.Warn("Sync pass still running at shutdown", "error", err)
	}
	if err := app.components.Coordinator.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop coordinator: %w", err))
	}
	app.components.Monitor.Stop()

	if err := app.components.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	slog.Info("Shutdown complete")
	return nil
}

// GetConfig returns the application configuration
func (app *CourierApp) GetConfig() *config.Config {
	return app.config
}

// GetHTTPServer returns the HTTP server
func (app *CourierApp) GetHTTPServer() *http.Server {
	return app.httpServer
}

// Components returns the wired components
func (app *CourierApp) Components() *AppComponents {
	return app.components
}
