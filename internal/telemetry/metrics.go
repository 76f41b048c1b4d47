package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// SyncMetricsMeterName is the name used for the sync metrics meter
	SyncMetricsMeterName = "github.com/stacklok/courier-sync/sync"

	// CacheMetricsMeterName is the name used for the cache metrics meter
	CacheMetricsMeterName = "github.com/stacklok/courier-sync/cache"
)

// Action outcomes recorded by SyncMetrics
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRetried   = "retried"
	OutcomeDropped   = "dropped"
)

// SyncMetrics holds the OpenTelemetry instruments for sync pass metrics
type SyncMetrics struct {
	passDuration   metric.Float64Histogram
	actionOutcomes metric.Int64Counter
	actionsDropped metric.Int64Counter
	pendingActions metric.Int64Gauge
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	passDuration, err := meter.Float64Histogram(
		"courier_sync_pass_duration_seconds",
		metric.WithDescription("Duration of sync passes in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return nil, err
	}

	actionOutcomes, err := meter.Int64Counter(
		"courier_sync_actions_total",
		metric.WithDescription("Number of executed actions by type and outcome"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return nil, err
	}

	actionsDropped, err := meter.Int64Counter(
		"courier_sync_actions_dropped_total",
		metric.WithDescription("Number of actions dropped after exhausting their retries"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return nil, err
	}

	pendingActions, err := meter.Int64Gauge(
		"courier_sync_pending_actions",
		metric.WithDescription("Number of actions waiting in the queue"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		passDuration:   passDuration,
		actionOutcomes: actionOutcomes,
		actionsDropped: actionsDropped,
		pendingActions: pendingActions,
	}, nil
}

// RecordPassDuration records the duration of a completed sync pass
func (m *SyncMetrics) RecordPassDuration(ctx context.Context, duration time.Duration, attempted int) {
	if m == nil || m.passDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Bool("empty", attempted == 0),
	}

	m.passDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordActionOutcome counts one executed action. Drops are also counted in
// the dedicated dropped counter.
func (m *SyncMetrics) RecordActionOutcome(ctx context.Context, actionType, outcome string) {
	if m == nil || m.actionOutcomes == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("type", actionType),
		attribute.String("outcome", outcome),
	)
	m.actionOutcomes.Add(ctx, 1, attrs)

	if outcome == OutcomeDropped && m.actionsDropped != nil {
		m.actionsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("type", actionType)))
	}
}

// RecordPendingActions records the current queue length
func (m *SyncMetrics) RecordPendingActions(ctx context.Context, count int) {
	if m == nil || m.pendingActions == nil {
		return
	}
	m.pendingActions.Record(ctx, int64(count))
}

// CacheMetrics holds the OpenTelemetry instruments for the read cache
type CacheMetrics struct {
	lookups metric.Int64Counter
}

// NewCacheMetrics creates a new CacheMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewCacheMetrics(provider metric.MeterProvider) (*CacheMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(CacheMetricsMeterName)

	lookups, err := meter.Int64Counter(
		"courier_sync_cache_lookups_total",
		metric.WithDescription("Number of keyed cache lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	return &CacheMetrics{lookups: lookups}, nil
}

// RecordCacheLookup counts a keyed cache lookup as a hit or a miss
func (m *CacheMetrics) RecordCacheLookup(ctx context.Context, hit bool) {
	if m == nil || m.lookups == nil {
		return
	}

	result := "miss"
	if hit {
		result = "hit"
	}
	m.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
