package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/mock/gomock"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/stacklok/courier-sync/internal/kvstore"
	"github.com/stacklok/courier-sync/internal/kvstore/mocks"
	otelutil "github.com/stacklok/courier-sync/internal/otel"
)

type job struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type recordingObserver struct {
	hits, misses int
}

func (r *recordingObserver) RecordCacheLookup(_ context.Context, hit bool) {
	if hit {
		r.hits++
	} else {
		r.misses++
	}
}

func newTestCache(t *testing.T) (*Store, kvstore.Store, *clocktesting.FakeClock) {
	t.Helper()
	store := kvstore.NewMemoryStore()
	clk := clocktesting.NewFakeClock(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	return New(store, WithClock(clk)), store, clk
}

func TestCacheData_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _, clk := newTestCache(t)

	want := []job{{ID: "j1", Status: "assigned"}}
	require.NoError(t, c.CacheData(ctx, "jobs", want, TTLMinutes(30)))

	entries := c.GetCachedData(ctx, "jobs")
	require.Len(t, entries, 1)
	assert.Equal(t, "jobs", entries[0].Key)
	assert.Equal(t, clk.Now(), entries[0].CreatedAt)
	assert.Equal(t, clk.Now().Add(30*time.Minute), entries[0].ExpiresAt)

	var got []job
	require.NoError(t, Decode(entries[0], &got))
	assert.Equal(t, want, got)
}

func TestCacheData_LastWriteWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _, _ := newTestCache(t)

	require.NoError(t, c.CacheData(ctx, "profile", map[string]string{"name": "old"}, time.Hour))
	require.NoError(t, c.CacheData(ctx, "other", 1, time.Hour))
	require.NoError(t, c.CacheData(ctx, "profile", map[string]string{"name": "new"}, time.Hour))

	entries := c.GetCachedData(ctx, "profile")
	require.Len(t, entries, 1)
	assert.JSONEq(t, `{"name":"new"}`, string(entries[0].Data))
	assert.Len(t, c.GetCachedData(ctx, ""), 2)
}

func TestGetCachedData_Expiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, store, clk := newTestCache(t)

	require.NoError(t, c.CacheData(ctx, "jobs", []string{"a"}, TTLMinutes(5)))
	require.NoError(t, c.CacheData(ctx, "rider", "r1", TTLMinutes(60)))

	clk.Step(5*time.Minute - time.Second)
	assert.Len(t, c.GetCachedData(ctx, "jobs"), 1, "entry is valid until its expiry")

	clk.Step(time.Second)
	assert.Empty(t, c.GetCachedData(ctx, "jobs"), "entry expires at exactly now == expiresAt")

	raw, found, err := store.Get(ctx, kvstore.CacheKey)
	require.NoError(t, err)
	require.True(t, found)
	var persisted []Entry
	require.NoError(t, json.Unmarshal([]byte(raw), &persisted))
	require.Len(t, persisted, 1)
	assert.Equal(t, "rider", persisted[0].Key)
}

func TestGetCachedData_NoWriteWithoutPruning(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	clk := clocktesting.NewFakeClock(time.Now())

	value, err := json.Marshal([]Entry{{Key: "k", Data: json.RawMessage(`1`), ExpiresAt: clk.Now().Add(time.Hour)}})
	require.NoError(t, err)
	store.EXPECT().Get(gomock.Any(), kvstore.CacheKey).Return(string(value), true, nil)
	// No Set expected

	entries := New(store, WithClock(clk)).GetCachedData(context.Background(), "k")
	assert.Len(t, entries, 1)
}

func TestGetCachedData_FailsSafe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		value string
		err   error
	}{
		{name: "corrupt", value: "[{"},
		{name: "read_error", err: errors.New("io")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := gomock.NewController(t)
			store := mocks.NewMockStore(ctrl)
			store.EXPECT().Get(gomock.Any(), kvstore.CacheKey).Return(tt.value, tt.err == nil, tt.err)

			entries := New(store).GetCachedData(context.Background(), "")
			assert.NotNil(t, entries)
			assert.Empty(t, entries)
		})
	}
}

func TestClearCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, store, _ := newTestCache(t)

	require.NoError(t, c.CacheData(ctx, "a", 1, time.Hour))
	require.NoError(t, c.CacheData(ctx, "b", 2, time.Hour))

	require.NoError(t, c.ClearCache(ctx, "a"))
	assert.Empty(t, c.GetCachedData(ctx, "a"))
	assert.Len(t, c.GetCachedData(ctx, "b"), 1)

	require.NoError(t, c.ClearCache(ctx, ""))
	assert.Empty(t, c.GetCachedData(ctx, ""))
	_, found, err := store.Get(ctx, kvstore.CacheKey)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestIsDataAvailable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _, clk := newTestCache(t)

	assert.True(t, c.IsDataAvailable(ctx, "jobs", true), "online is always available")
	assert.False(t, c.IsDataAvailable(ctx, "jobs", false))

	require.NoError(t, c.CacheData(ctx, "jobs", []string{}, TTLMinutes(1)))
	assert.True(t, c.IsDataAvailable(ctx, "jobs", false))

	clk.Step(time.Minute)
	assert.False(t, c.IsDataAvailable(ctx, "jobs", false))
}

func TestObserver(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	obs := &recordingObserver{}
	c := New(kvstore.NewMemoryStore(), WithObserver(obs))

	require.NoError(t, c.CacheData(ctx, "a", 1, time.Hour))
	c.GetCachedData(ctx, "a")
	c.GetCachedData(ctx, "missing")
	c.GetCachedData(ctx, "")

	assert.Equal(t, 1, obs.hits)
	assert.Equal(t, 1, obs.misses)
}

func TestGetCachedData_Span(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(ctx) })

	c := New(kvstore.NewMemoryStore(), WithTracer(tp.Tracer("cache-test")))
	require.NoError(t, c.CacheData(ctx, "jobs:today", []job{{ID: "J1"}}, time.Hour))
	c.GetCachedData(ctx, "jobs:today")
	c.GetCachedData(ctx, "jobs:tomorrow")

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)

	tests := []struct {
		key string
		hit bool
	}{
		{key: "jobs:today", hit: true},
		{key: "jobs:tomorrow", hit: false},
	}
	for i, tt := range tests {
		assert.Equal(t, "cache.lookup", spans[i].Name)
		assert.Contains(t, spans[i].Attributes, otelutil.AttrCacheKey.String(tt.key))
		assert.Contains(t, spans[i].Attributes, otelutil.AttrCacheHit.Bool(tt.hit))
	}
}

func TestCacheData_MarshalError(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestCache(t)

	err := c.CacheData(context.Background(), "bad", make(chan int), time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to marshal cache data")
}
