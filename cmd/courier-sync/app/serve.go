package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	courierapp "github.com/stacklok/courier-sync/internal/app"
	"github.com/stacklok/courier-sync/internal/telemetry"
	"github.com/stacklok/courier-sync/internal/versions"
)

const (
	defaultGracefulTimeout = 30 * time.Second
	telemetryFlushTimeout  = 5 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the offline engine and its local API",
	Long: `Start the offline engine. It tracks connectivity, replays queued actions
against the backend when online, and serves the local API used by the app shell.

The configuration file (--config) specifies:
- Storage backend (file, sqlite or memory) and data directory
- Backend base URL, timeout and token
- Connectivity provider (probe or manual)
- Sync interval, retry policy and cache TTL

See examples/ directory for sample configurations.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("address", "", "Address for the local API (overrides api.address)")
	if err := viper.BindPFlag("address", serveCmd.Flags().Lookup("address")); err != nil {
		slog.Error("Error binding address flag", "error", err)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	tel, err := telemetry.New(ctx, cfg.Telemetry, versions.GetVersionInfo().Version)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
		defer cancel()
		if err := tel.Shutdown(flushCtx); err != nil {
			slog.Error("Failed to shutdown telemetry", "error", err)
		}
	}()

	opts := []courierapp.CourierAppOptions{
		courierapp.WithConfig(cfg),
		courierapp.WithTelemetry(tel),
	}
	if address := viper.GetString("address"); address != "" {
		opts = append(opts, courierapp.WithAddress(address))
	}

	app, err := courierapp.NewCourierApp(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to build application: %w", err)
	}

	slog.Info("Starting courier-sync", "version", versions.GetVersionInfo().Version)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return app.Stop(defaultGracefulTimeout)
	})

	return g.Wait()
}
