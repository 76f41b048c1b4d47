package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"k8s.io/utils/clock"

	"github.com/stacklok/courier-sync/internal/api"
	"github.com/stacklok/courier-sync/internal/config"
	"github.com/stacklok/courier-sync/internal/connectivity"
	"github.com/stacklok/courier-sync/internal/executor"
	"github.com/stacklok/courier-sync/internal/httpclient"
	"github.com/stacklok/courier-sync/internal/kvstore"
	"github.com/stacklok/courier-sync/internal/offline"
	"github.com/stacklok/courier-sync/internal/queue"
	pkgsync "github.com/stacklok/courier-sync/internal/sync"
	"github.com/stacklok/courier-sync/internal/telemetry"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultReadTimeout    = 10 * time.Second
	defaultWriteTimeout   = 15 * time.Second
	defaultIdleTimeout    = 60 * time.Second
)

// CourierAppOptions is a function that configures the app builder
type CourierAppOptions func(*courierAppConfig) error

// courierAppConfig collects the builder inputs. The injectable components
// are primarily for testing.
type courierAppConfig struct {
	config *config.Config

	store      kvstore.VersionedStore
	provider   connectivity.Provider
	dispatcher pkgsync.Dispatcher
	clock      clock.WithTicker

	// HTTP server options
	address        string
	middlewares    []func(http.Handler) http.Handler
	requestTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	idleTimeout    time.Duration

	telemetry *telemetry.Telemetry
}

func baseConfig(opts ...CourierAppOptions) (*courierAppConfig, error) {
	cfg := &courierAppConfig{
		requestTimeout: defaultRequestTimeout,
		readTimeout:    defaultReadTimeout,
		writeTimeout:   defaultWriteTimeout,
		idleTimeout:    defaultIdleTimeout,
		clock:          clock.RealClock{},
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.address == "" {
		cfg.address = cfg.config.GetAPIAddress()
	}

	return cfg, nil
}

// NewCourierApp builds the store, connectivity, executors, coordinator and
// local API from the configuration
func NewCourierApp(ctx context.Context, opts ...CourierAppOptions) (*CourierApp, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}

	components := &AppComponents{}

	if cfg.store == nil {
		cfg.store, err = kvstore.New(cfg.config)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
	}
	components.Store = cfg.store

	// Ensure the store is closed on error
	cleanupNeeded := true
	defer func() {
		if cleanupNeeded {
			_ = cfg.store.Close()
		}
	}()

	if err := buildConnectivity(cfg, components); err != nil {
		return nil, fmt.Errorf("failed to build connectivity: %w", err)
	}

	if cfg.dispatcher == nil {
		cfg.dispatcher, err = buildExecutors(cfg.config)
		if err != nil {
			return nil, fmt.Errorf("failed to build executors: %w", err)
		}
	}

	components.Coordinator, err = buildCoordinator(cfg, components)
	if err != nil {
		return nil, fmt.Errorf("failed to build coordinator: %w", err)
	}

	httpServer := buildHTTPServer(ctx, cfg, components)

	cleanupNeeded = false
	return &CourierApp{
		config:     cfg.config,
		components: components,
		httpServer: httpServer,
	}, nil
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) CourierAppOptions {
	return func(cfg *courierAppConfig) error {
		cfg.config = c
		return nil
	}
}

// WithAddress overrides the local API listen address
func WithAddress(addr string) CourierAppOptions {
	return func(cfg *courierAppConfig) error {
		if addr == "" {
			return errors.New("address cannot be empty")
		}
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return fmt.Errorf("invalid address %q: %w", addr, err)
		}
		if port == "" {
			return fmt.Errorf("address is not a valid port: %s", addr)
		}
		if host == "" {
			slog.Warn("Local API will listen on all interfaces", "address", addr)
		}
		cfg.address = addr
		return nil
	}
}

// WithMiddlewares replaces the default HTTP middlewares
func WithMiddlewares(mw ...func(http.Handler) http.Handler) CourierAppOptions {
	return func(cfg *courierAppConfig) error {
		cfg.middlewares = mw
		return nil
	}
}

// WithStore injects the persistent store (for testing)
func WithStore(s kvstore.VersionedStore) CourierAppOptions {
	return func(cfg *courierAppConfig) error {
		cfg.store = s
		return nil
	}
}

// WithConnectivityProvider injects the connectivity provider (for testing)
func WithConnectivityProvider(p connectivity.Provider) CourierAppOptions {
	return func(cfg *courierAppConfig) error {
		cfg.provider = p
		return nil
	}
}

// WithDispatcher injects the action executors (for testing)
func WithDispatcher(d pkgsync.Dispatcher) CourierAppOptions {
	return func(cfg *courierAppConfig) error {
		cfg.dispatcher = d
		return nil
	}
}

// WithClock sets the clock used by the engine and the probe
func WithClock(c clock.WithTicker) CourierAppOptions {
	return func(cfg *courierAppConfig) error {
		cfg.clock = c
		return nil
	}
}

// WithTelemetry wires metrics and tracing into the engine and the API
func WithTelemetry(t *telemetry.Telemetry) CourierAppOptions {
	return func(cfg *courierAppConfig) error {
		cfg.telemetry = t
		return nil
	}
}

func buildConnectivity(b *courierAppConfig, components *AppComponents) error {
	if b.provider == nil {
		switch b.config.GetConnectivityProvider() {
		case config.ConnectivityProviderManual:
			// the shell reports the device signal; assume offline until it does
			components.Manual = connectivity.NewManualProvider(false)
			b.provider = components.Manual
		case config.ConnectivityProviderProbe:
			client := httpclient.NewDefaultClient(b.config.Backend.GetTimeout())
			b.provider = connectivity.NewHTTPProbeProvider(client, b.config.GetProbeURL(),
				connectivity.WithProbeInterval(b.config.GetProbeInterval()),
				connectivity.WithProbeMaxBackoff(b.config.GetProbeMaxBackoff()),
				connectivity.WithProbeClock(b.clock))
		default:
			return fmt.Errorf("unsupported connectivity provider: %s", b.config.GetConnectivityProvider())
		}
	} else if manual, ok := b.provider.(*connectivity.ManualProvider); ok {
		components.Manual = manual
	}

	components.Monitor = connectivity.NewMonitor(b.provider)
	slog.Info("Connectivity configured", "provider", b.config.GetConnectivityProvider())
	return nil
}

func buildExecutors(cfg *config.Config) (*executor.Set, error) {
	token, err := cfg.Backend.GetToken()
	if err != nil {
		return nil, err
	}

	var clientOpts []httpclient.Option
	if token != "" {
		clientOpts = append(clientOpts, httpclient.WithBearerToken(token))
	}
	client := httpclient.NewDefaultClient(cfg.Backend.GetTimeout(), clientOpts...)

	slog.Info("Backend executors configured", "base_url", cfg.Backend.BaseURL)
	return executor.NewHTTPExecutors(client, cfg.Backend.BaseURL), nil
}

func buildCoordinator(b *courierAppConfig, components *AppComponents) (*offline.Coordinator, error) {
	retryPolicy := make(map[queue.Type]int)
	for _, t := range queue.Types {
		if n := b.config.GetMaxRetries(string(t)); n > 0 {
			retryPolicy[t] = n
		}
	}
	for name := range b.config.Actions {
		if !queue.Type(name).Valid() {
			slog.Warn("Ignoring retry policy for unknown action type", "type", name)
		}
	}

	engineOpts := []pkgsync.Option{pkgsync.WithPassTimeout(b.config.GetSyncPassTimeout())}
	coordOpts := []offline.Option{
		offline.WithClock(b.clock),
		offline.WithSyncInterval(b.config.GetSyncInterval()),
		offline.WithRetryPolicy(retryPolicy),
	}

	if b.telemetry != nil {
		engineOpts = append(engineOpts,
			pkgsync.WithMetrics(b.telemetry.SyncMetrics()),
			pkgsync.WithTracer(b.telemetry.EngineTracer()))
		coordOpts = append(coordOpts, offline.WithCacheTracer(b.telemetry.EngineTracer()))
		if cm := b.telemetry.CacheMetrics(); cm != nil {
			coordOpts = append(coordOpts, offline.WithCacheObserver(cm))
		}
	}
	coordOpts = append(coordOpts, offline.WithEngineOptions(engineOpts...))

	return offline.New(offline.Deps{
		Store:        components.Store,
		Dispatcher:   b.dispatcher,
		Connectivity: components.Monitor,
	}, coordOpts...)
}

// buildHTTPServer builds the local API server with router and middleware
func buildHTTPServer(_ context.Context, b *courierAppConfig, components *AppComponents) *http.Server {
	if b.middlewares == nil {
		b.middlewares = []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.Recoverer,
			middleware.Timeout(b.requestTimeout),
			api.LoggingMiddleware,
		}
	}

	// Telemetry goes first so it sees every request
	if b.telemetry != nil {
		b.middlewares = append([]func(http.Handler) http.Handler{
			telemetry.TracingMiddleware(b.telemetry.TracerProvider()),
			b.telemetry.HTTPMetrics().Middleware,
		}, b.middlewares...)
	}

	serverOpts := []api.ServerOption{
		api.WithMiddlewares(b.middlewares...),
		api.WithDefaultCacheTTL(b.config.GetCacheTTL()),
	}
	if components.Manual != nil {
		serverOpts = append(serverOpts, api.WithManualConnectivity(components.Manual))
	}

	server := &http.Server{
		Addr:              b.address,
		Handler:           api.NewServer(components.Coordinator, serverOpts...),
		ReadTimeout:       b.readTimeout,
		ReadHeaderTimeout: b.readTimeout,
		WriteTimeout:      b.writeTimeout,
		IdleTimeout:       b.idleTimeout,
	}

	slog.Info("Local API configured", "address", b.address)
	return server
}
