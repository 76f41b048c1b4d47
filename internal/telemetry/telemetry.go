package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// EngineTracerName is the tracer used for sync pass and action spans
const EngineTracerName = "github.com/stacklok/courier-sync/engine"

// Telemetry owns the OpenTelemetry providers and the instrument holders built
// on top of them. It is the single place the rest of the process gets
// tracers and metrics from.
type Telemetry struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	sync  *SyncMetrics
	cache *CacheMetrics
	http  *HTTPMetrics
}

// New initializes telemetry from cfg. A nil or disabled config yields
// no-op providers and nil instrument holders.
// The caller is responsible for calling Shutdown when the application exits.
func New(ctx context.Context, cfg *Config, serviceVersion string) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	if cfg == nil {
		cfg = &Config{}
	}
	serviceVersion = cfg.GetServiceVersion(serviceVersion)

	if cfg.Enabled {
		slog.Info("Initializing telemetry",
			"service_name", cfg.GetServiceName(),
			"service_version", serviceVersion)
	}

	tracerProvider, err := newTracerProvider(ctx, cfg, serviceVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer provider: %w", err)
	}

	meterProvider, err := newMeterProvider(ctx, cfg, serviceVersion)
	if err != nil {
		if tp, ok := tracerProvider.(*sdktrace.TracerProvider); ok {
			_ = tp.Shutdown(ctx)
		}
		return nil, fmt.Errorf("failed to create meter provider: %w", err)
	}

	t := &Telemetry{
		tracerProvider: tracerProvider,
		meterProvider:  meterProvider,
	}

	// Instruments are only built for an SDK provider so that disabled
	// metrics cost nothing at the call sites.
	if cfg.metricsEnabled() {
		if err := t.buildInstruments(meterProvider); err != nil {
			_ = t.Shutdown(ctx)
			return nil, err
		}
	}

	return t, nil
}

func (t *Telemetry) buildInstruments(provider metric.MeterProvider) error {
	var err error
	if t.sync, err = NewSyncMetrics(provider); err != nil {
		return fmt.Errorf("failed to create sync metrics: %w", err)
	}
	if t.cache, err = NewCacheMetrics(provider); err != nil {
		return fmt.Errorf("failed to create cache metrics: %w", err)
	}
	if t.http, err = NewHTTPMetrics(provider); err != nil {
		return fmt.Errorf("failed to create HTTP metrics: %w", err)
	}
	return nil
}

// TracerProvider returns the configured tracer provider
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	return t.tracerProvider
}

// MeterProvider returns the configured meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// EngineTracer returns the tracer for sync engine spans
func (t *Telemetry) EngineTracer() trace.Tracer {
	return t.tracerProvider.Tracer(EngineTracerName)
}

// SyncMetrics returns the sync instruments, nil when metrics are disabled
func (t *Telemetry) SyncMetrics() *SyncMetrics {
	return t.sync
}

// CacheMetrics returns the cache instruments, nil when metrics are disabled
func (t *Telemetry) CacheMetrics() *CacheMetrics {
	return t.cache
}

// HTTPMetrics returns the local API instruments, nil when metrics are disabled
func (t *Telemetry) HTTPMetrics() *HTTPMetrics {
	return t.http
}

// Shutdown flushes and stops the SDK providers
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if tp, ok := t.tracerProvider.(*sdktrace.TracerProvider); ok {
		if err := tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown tracer provider: %w", err))
		}
	}

	if mp, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown meter provider: %w", err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Debug("Telemetry shutdown complete")
	return nil
}
