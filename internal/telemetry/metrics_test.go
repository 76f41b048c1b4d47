package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// collect returns the metrics of one scope keyed by instrument name
func collect(t *testing.T, reader *sdkmetric.ManualReader, scopeName string) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, scope := range rm.ScopeMetrics {
		if scope.Scope.Name != scopeName {
			continue
		}
		for _, m := range scope.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func newManualProvider(t *testing.T) (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	return reader, mp
}

func TestNewSyncMetrics(t *testing.T) {
	t.Parallel()

	t.Run("returns nil when provider is nil", func(t *testing.T) {
		t.Parallel()

		metrics, err := NewSyncMetrics(nil)
		require.NoError(t, err)
		assert.Nil(t, metrics)
	})

	t.Run("creates metrics with SDK provider", func(t *testing.T) {
		t.Parallel()

		_, mp := newManualProvider(t)
		metrics, err := NewSyncMetrics(mp)
		require.NoError(t, err)
		require.NotNil(t, metrics)
		assert.NotNil(t, metrics.passDuration)
		assert.NotNil(t, metrics.actionOutcomes)
		assert.NotNil(t, metrics.actionsDropped)
		assert.NotNil(t, metrics.pendingActions)
	})
}

func TestSyncMetrics_NilSafe(t *testing.T) {
	t.Parallel()

	var metrics *SyncMetrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		metrics.RecordPassDuration(ctx, time.Second, 3)
		metrics.RecordActionOutcome(ctx, "qr_scan", OutcomeDropped)
		metrics.RecordPendingActions(ctx, 4)
	})
}

func TestSyncMetrics_RecordPassDuration(t *testing.T) {
	t.Parallel()

	reader, mp := newManualProvider(t)
	metrics, err := NewSyncMetrics(mp)
	require.NoError(t, err)

	metrics.RecordPassDuration(context.Background(), 1500*time.Millisecond, 2)

	got := collect(t, reader, SyncMetricsMeterName)
	m, ok := got["courier_sync_pass_duration_seconds"]
	require.True(t, ok)
	hist, ok := m.Data.(metricdata.Histogram[float64])
	require.True(t, ok, "expected histogram data type")
	require.Len(t, hist.DataPoints, 1)
	assert.InDelta(t, 1.5, hist.DataPoints[0].Sum, 0.001)
}

func TestSyncMetrics_RecordActionOutcome(t *testing.T) {
	t.Parallel()

	reader, mp := newManualProvider(t)
	metrics, err := NewSyncMetrics(mp)
	require.NoError(t, err)

	ctx := context.Background()
	metrics.RecordActionOutcome(ctx, "location_update", OutcomeSucceeded)
	metrics.RecordActionOutcome(ctx, "location_update", OutcomeSucceeded)
	metrics.RecordActionOutcome(ctx, "qr_scan", OutcomeRetried)
	metrics.RecordActionOutcome(ctx, "qr_scan", OutcomeDropped)

	got := collect(t, reader, SyncMetricsMeterName)

	outcomes, ok := got["courier_sync_actions_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range outcomes.DataPoints {
		total += dp.Value
		typ, _ := dp.Attributes.Value(attribute.Key("type"))
		outcome, _ := dp.Attributes.Value(attribute.Key("outcome"))
		if typ.AsString() == "location_update" {
			assert.Equal(t, OutcomeSucceeded, outcome.AsString())
			assert.Equal(t, int64(2), dp.Value)
		}
	}
	assert.Equal(t, int64(4), total)

	dropped, ok := got["courier_sync_actions_dropped_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, dropped.DataPoints, 1)
	assert.Equal(t, int64(1), dropped.DataPoints[0].Value)
}

func TestSyncMetrics_RecordPendingActions(t *testing.T) {
	t.Parallel()

	reader, mp := newManualProvider(t)
	metrics, err := NewSyncMetrics(mp)
	require.NoError(t, err)

	metrics.RecordPendingActions(context.Background(), 5)
	metrics.RecordPendingActions(context.Background(), 2)

	got := collect(t, reader, SyncMetricsMeterName)
	gauge, ok := got["courier_sync_pending_actions"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(2), gauge.DataPoints[0].Value)
}

func TestCacheMetrics(t *testing.T) {
	t.Parallel()

	t.Run("returns nil when provider is nil", func(t *testing.T) {
		t.Parallel()

		metrics, err := NewCacheMetrics(nil)
		require.NoError(t, err)
		assert.Nil(t, metrics)
		assert.NotPanics(t, func() { metrics.RecordCacheLookup(context.Background(), true) })
	})

	t.Run("counts hits and misses", func(t *testing.T) {
		t.Parallel()

		reader, mp := newManualProvider(t)
		metrics, err := NewCacheMetrics(mp)
		require.NoError(t, err)

		ctx := context.Background()
		metrics.RecordCacheLookup(ctx, true)
		metrics.RecordCacheLookup(ctx, true)
		metrics.RecordCacheLookup(ctx, false)

		got := collect(t, reader, CacheMetricsMeterName)
		sum, ok := got["courier_sync_cache_lookups_total"].Data.(metricdata.Sum[int64])
		require.True(t, ok)

		byResult := make(map[string]int64)
		for _, dp := range sum.DataPoints {
			v, _ := dp.Attributes.Value(attribute.Key("result"))
			byResult[v.AsString()] = dp.Value
		}
		assert.Equal(t, map[string]int64{"hit": 2, "miss": 1}, byResult)
	})
}
