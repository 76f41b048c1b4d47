package v1_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/stacklok/courier-sync/internal/api/v1"
	"github.com/stacklok/courier-sync/internal/cache"
	"github.com/stacklok/courier-sync/internal/connectivity"
	"github.com/stacklok/courier-sync/internal/executor"
	"github.com/stacklok/courier-sync/internal/kvstore"
	"github.com/stacklok/courier-sync/internal/offline"
	"github.com/stacklok/courier-sync/internal/queue"
)

type testAPI struct {
	handler     http.Handler
	coordinator *offline.Coordinator
	provider    *connectivity.ManualProvider
	executed    *atomic.Int32
}

func newTestAPI(t *testing.T, online bool, manual bool) *testAPI {
	t.Helper()
	ctx := context.Background()

	var executed atomic.Int32
	exec := executor.Uniform(func(context.Context, queue.PendingAction) error {
		executed.Add(1)
		return nil
	})

	provider := connectivity.NewManualProvider(online)
	monitor := connectivity.NewMonitor(provider)
	require.NoError(t, monitor.Start(ctx))
	t.Cleanup(monitor.Stop)

	c, err := offline.New(offline.Deps{
		Store:        kvstore.NewMemoryStore(),
		Dispatcher:   exec,
		Connectivity: monitor,
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx))
	t.Cleanup(func() { _ = c.Stop() })

	var opts []v1.RouterOption
	if manual {
		opts = append(opts, v1.WithManualConnectivity(provider))
	}
	return &testAPI{
		handler:     v1.Router(c, opts...),
		coordinator: c,
		provider:    provider,
		executed:    &executed,
	}
}

func (a *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestRouter_HealthAndVersion(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t, false, false)

	rr := api.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rr.Body.String())

	rr = api.do(t, http.MethodGet, "/version", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"go_version"`)
}

func TestRouter_QueueTypedAction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantType   queue.Type
		wantPath   string
	}{
		{
			name:       "location update",
			path:       "/actions/location_update",
			body:       `{"lat":6.9271,"lng":79.8612}`,
			wantStatus: http.StatusAccepted,
			wantType:   queue.TypeLocationUpdate,
			wantPath:   "/riders/location",
		},
		{
			name:       "qr scan",
			path:       "/actions/qr_scan",
			body:       `{"jobId":"J-5","qrCode":"S-5","scanType":"dropoff"}`,
			wantStatus: http.StatusAccepted,
			wantType:   queue.TypeQRScan,
			wantPath:   "/jobs/J-5/scans",
		},
		{
			name:       "unknown type",
			path:       "/actions/teleport",
			body:       `{}`,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "missing required field",
			path:       "/actions/job_status",
			body:       `{"status":"delivered"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed payload",
			path:       "/actions/availability_update",
			body:       `{"isAvailable":`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			api := newTestAPI(t, false, false)

			rr := api.do(t, http.MethodPost, tt.path, tt.body)
			require.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
			if tt.wantStatus != http.StatusAccepted {
				assert.Zero(t, api.coordinator.GetState().PendingActionsCount)
				return
			}

			action := decode[queue.PendingAction](t, rr)
			assert.Equal(t, tt.wantType, action.Type)
			assert.Equal(t, tt.wantPath, action.Endpoint)
			assert.Equal(t, 1, api.coordinator.GetState().PendingActionsCount)
		})
	}
}

func TestRouter_QueueGenericAction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{
			name:       "valid",
			body:       `{"type":"availability_update","payload":{"isAvailable":true},"endpoint":"/riders/availability","method":"PUT","maxRetries":2}`,
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "unknown type",
			body:       `{"type":"teleport","payload":{},"endpoint":"/x"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing endpoint",
			body:       `{"type":"qr_scan","payload":{}}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing payload",
			body:       `{"type":"qr_scan","endpoint":"/jobs/1/scans"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown field",
			body:       `{"type":"qr_scan","payload":{},"endpoint":"/x","priority":1}`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			api := newTestAPI(t, false, false)

			rr := api.do(t, http.MethodPost, "/actions", tt.body)
			require.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
			if tt.wantStatus != http.StatusAccepted {
				return
			}

			action := decode[queue.PendingAction](t, rr)
			assert.Equal(t, 2, action.MaxRetries)
			assert.Equal(t, queue.MethodPut, action.Method)

			list := decode[[]queue.PendingAction](t, api.do(t, http.MethodGet, "/actions", ""))
			require.Len(t, list, 1)
			assert.Equal(t, action.ID, list[0].ID)
		})
	}
}

func TestRouter_SyncAndConnectivity(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t, false, true)

	api.do(t, http.MethodPost, "/actions/location_update", `{"lat":1,"lng":2}`)

	// offline: the pass is skipped
	resp := decode[v1.SyncResponse](t, api.do(t, http.MethodPost, "/sync", ""))
	assert.True(t, resp.Skipped)
	assert.Equal(t, 1, resp.State.PendingActionsCount)

	rr := api.do(t, http.MethodPut, "/connectivity", `{"online":true}`)
	require.Equal(t, http.StatusOK, rr.Code)

	require.Eventually(t, func() bool {
		return api.coordinator.GetState().PendingActionsCount == 0
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, api.coordinator.WaitIdle(context.Background()))
	assert.Equal(t, int32(1), api.executed.Load())

	state := decode[offline.State](t, api.do(t, http.MethodGet, "/state", ""))
	assert.True(t, state.IsOnline)
	assert.NotNil(t, state.LastSyncTime)
	assert.Equal(t, offline.PhaseOnlineIdle, state.Phase)

	resp = decode[v1.SyncResponse](t, api.do(t, http.MethodPost, "/sync", ""))
	assert.False(t, resp.Skipped)
	assert.Zero(t, resp.Attempted)

	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodPut, "/connectivity", `{}`).Code)
}

func TestRouter_ConnectivityNotManual(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t, false, false)

	rr := api.do(t, http.MethodPut, "/connectivity", `{"online":true}`)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestRouter_OfflineMode(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t, true, false)

	rr := api.do(t, http.MethodPut, "/offline-mode", `{"enabled":true}`)
	require.Equal(t, http.StatusOK, rr.Code)
	state := decode[offline.State](t, rr)
	assert.True(t, state.OfflineModeEnabled)
	assert.False(t, state.IsOnline)
	assert.Equal(t, offline.PhaseOffline, state.Phase)

	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodPut, "/offline-mode", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodPut, "/offline-mode", `true`).Code)
}

func TestRouter_Cache(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t, false, false)

	rr := api.do(t, http.MethodPut, "/cache/jobs", `{"data":[{"id":"J1"}],"ttlMinutes":5}`)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = api.do(t, http.MethodGet, "/cache/jobs", "")
	require.Equal(t, http.StatusOK, rr.Code)
	entry := decode[cache.Entry](t, rr)
	assert.Equal(t, "jobs", entry.Key)
	assert.JSONEq(t, `[{"id":"J1"}]`, string(entry.Data))
	assert.Equal(t, 5*time.Minute, entry.ExpiresAt.Sub(entry.CreatedAt))

	require.Equal(t, http.StatusNoContent, api.do(t, http.MethodPut, "/cache/profile", `{"data":{"name":"R"}}`).Code)
	all := decode[[]cache.Entry](t, api.do(t, http.MethodGet, "/cache", ""))
	assert.Len(t, all, 2)

	matched := decode[[]cache.Entry](t, api.do(t, http.MethodGet, "/cache?match=job*", ""))
	require.Len(t, matched, 1)
	assert.Equal(t, "jobs", matched[0].Key)
	excluded := decode[[]cache.Entry](t, api.do(t, http.MethodGet, "/cache?exclude=job*", ""))
	require.Len(t, excluded, 1)
	assert.Equal(t, "profile", excluded[0].Key)
	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodGet, "/cache?match=%5Bjobs", "").Code)

	assert.Equal(t, http.StatusNoContent, api.do(t, http.MethodDelete, "/cache/jobs", "").Code)
	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodGet, "/cache/jobs", "").Code)

	assert.Equal(t, http.StatusNoContent, api.do(t, http.MethodDelete, "/cache", "").Code)
	assert.Empty(t, decode[[]cache.Entry](t, api.do(t, http.MethodGet, "/cache", "")))

	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodPut, "/cache/jobs", `{"ttlMinutes":5}`).Code)
	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodPut, "/cache/jobs", `{"data":1,"ttlMinutes":-1}`).Code)
	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodGet, "/cache/my%20jobs", "").Code)
}

func TestRouter_ClearAllData(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t, false, false)

	api.do(t, http.MethodPost, "/actions/availability_update", `{"isAvailable":true}`)
	api.do(t, http.MethodPut, "/cache/jobs", `{"data":[]}`)

	rr := api.do(t, http.MethodDelete, "/data", "")
	require.Equal(t, http.StatusOK, rr.Code)
	state := decode[offline.State](t, rr)
	assert.Zero(t, state.PendingActionsCount)
	assert.Empty(t, decode[[]queue.PendingAction](t, api.do(t, http.MethodGet, "/actions", "")))
	assert.Empty(t, decode[[]cache.Entry](t, api.do(t, http.MethodGet, "/cache", "")))
}

func TestRouter_DefaultCacheTTL(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t, false, false)
	handler := v1.Router(api.coordinator, v1.WithDefaultCacheTTL(2*time.Hour))

	req := httptest.NewRequest(http.MethodPut, "/cache/profile", strings.NewReader(`{"data":{"name":"R"}}`))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)

	entries := api.coordinator.GetCachedData(context.Background(), "profile")
	require.Len(t, entries, 1)
	assert.Equal(t, 2*time.Hour, entries[0].ExpiresAt.Sub(entries[0].CreatedAt))
}
