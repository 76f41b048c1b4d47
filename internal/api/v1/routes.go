// Package v1 provides the REST handlers of the local coordinator API.
package v1

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/courier-sync/internal/api/common"
	"github.com/stacklok/courier-sync/internal/cache"
	"github.com/stacklok/courier-sync/internal/filtering"
	"github.com/stacklok/courier-sync/internal/offline"
	"github.com/stacklok/courier-sync/internal/queue"
	pkgsync "github.com/stacklok/courier-sync/internal/sync"
	"github.com/stacklok/courier-sync/internal/versions"
)

// DefaultCacheTTL applies to PUT /cache/{key} without a ttlMinutes unless
// overridden with WithDefaultCacheTTL
const DefaultCacheTTL = 30 * time.Minute

// Coordinator is the part of offline.Coordinator the API exposes
type Coordinator interface {
	GetState() offline.State
	QueueAction(ctx context.Context, in queue.Input) queue.PendingAction
	PendingActions(ctx context.Context) []queue.PendingAction
	SyncPendingActions(ctx context.Context) pkgsync.Result
	SetOfflineMode(ctx context.Context, enabled bool)
	CacheData(ctx context.Context, key string, data any, ttl time.Duration) error
	GetCachedData(ctx context.Context, key string) []cache.Entry
	ClearCache(ctx context.Context, key string) error
	ClearAllOfflineData(ctx context.Context) error
}

// ManualConnectivity accepts connectivity readings pushed by the shell.
// *connectivity.ManualProvider satisfies it.
type ManualConnectivity interface {
	Set(connected bool)
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status string `json:"status" example:"healthy"`
}

// ActionRequest is the body of POST /actions
type ActionRequest struct {
	Type       queue.Type      `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Endpoint   string          `json:"endpoint"`
	Method     string          `json:"method"`
	MaxRetries int             `json:"maxRetries,omitempty"`
}

// SyncResponse is the body returned by POST /sync
type SyncResponse struct {
	Skipped   bool          `json:"skipped"`
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Retried   int           `json:"retried"`
	Dropped   int           `json:"dropped"`
	Deferred  int           `json:"deferred"`
	Remaining int           `json:"remaining"`
	State     offline.State `json:"state"`
}

// ToggleRequest is the body of PUT /offline-mode and PUT /connectivity
type ToggleRequest struct {
	Enabled *bool `json:"enabled,omitempty"`
	Online  *bool `json:"online,omitempty"`
}

// CacheRequest is the body of PUT /cache/{key}
type CacheRequest struct {
	Data       json.RawMessage `json:"data"`
	TTLMinutes int             `json:"ttlMinutes,omitempty"`
}

// Routes holds the handlers and their dependencies
type Routes struct {
	coordinator  Coordinator
	connectivity ManualConnectivity
	defaultTTL   time.Duration
}

// RouterOption configures the API router
type RouterOption func(*Routes)

// WithManualConnectivity enables PUT /connectivity, backed by m
func WithManualConnectivity(m ManualConnectivity) RouterOption {
	return func(rr *Routes) {
		rr.connectivity = m
	}
}

// WithDefaultCacheTTL sets the TTL of PUT /cache/{key} without a ttlMinutes
func WithDefaultCacheTTL(ttl time.Duration) RouterOption {
	return func(rr *Routes) {
		if ttl > 0 {
			rr.defaultTTL = ttl
		}
	}
}

// Router creates the API router. PUT /connectivity answers 409 unless
// WithManualConnectivity is given.
func Router(coordinator Coordinator, opts ...RouterOption) http.Handler {
	routes := &Routes{coordinator: coordinator, defaultTTL: DefaultCacheTTL}
	for _, opt := range opts {
		opt(routes)
	}

	r := chi.NewRouter()

	r.Get("/health", routes.health)
	r.Get("/version", routes.version)
	r.Get("/state", routes.getState)

	r.Route("/actions", func(r chi.Router) {
		r.Get("/", routes.listActions)
		r.Post("/", routes.queueAction)
		r.Post("/{type}", routes.queueTypedAction)
	})
	r.Post("/sync", routes.sync)

	r.Put("/offline-mode", routes.setOfflineMode)
	r.Put("/connectivity", routes.setConnectivity)

	r.Route("/cache", func(r chi.Router) {
		r.Get("/", routes.listCache)
		r.Delete("/", routes.clearCache)
		r.Get("/{key}", routes.getCache)
		r.Put("/{key}", routes.putCache)
		r.Delete("/{key}", routes.deleteCache)
	})

	r.Delete("/data", routes.clearAll)

	return r
}

func (*Routes) health(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, HealthResponse{Status: "healthy"}, http.StatusOK)
}

func (*Routes) version(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, versions.GetVersionInfo(), http.StatusOK)
}

// getState handles GET /state
func (rr *Routes) getState(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, rr.coordinator.GetState(), http.StatusOK)
}

// listActions handles GET /actions
func (rr *Routes) listActions(w http.ResponseWriter, r *http.Request) {
	common.WriteJSONResponse(w, rr.coordinator.PendingActions(r.Context()), http.StatusOK)
}

// queueAction handles POST /actions with a generic input
func (rr *Routes) queueAction(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if err := common.DecodeJSONBody(r, &req); err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !req.Type.Valid() {
		common.WriteErrorResponse(w, "unknown action type: "+string(req.Type), http.StatusBadRequest)
		return
	}
	if req.Endpoint == "" {
		common.WriteErrorResponse(w, "endpoint is required", http.StatusBadRequest)
		return
	}
	if len(req.Payload) == 0 {
		common.WriteErrorResponse(w, "payload is required", http.StatusBadRequest)
		return
	}

	action := rr.coordinator.QueueAction(r.Context(), queue.Input{
		Type:       req.Type,
		Payload:    req.Payload,
		Endpoint:   req.Endpoint,
		Method:     req.Method,
		MaxRetries: req.MaxRetries,
	})
	common.WriteJSONResponse(w, action, http.StatusAccepted)
}

// queueTypedAction handles POST /actions/{type} with the variant payload as body
func (rr *Routes) queueTypedAction(w http.ResponseWriter, r *http.Request) {
	typ, err := common.GetAndValidateURLParam(r, "type")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	body, err := common.ReadBody(r)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	in, err := queue.TypedInput(queue.Type(typ), body)
	switch {
	case errors.Is(err, queue.ErrUnknownActionType):
		common.WriteErrorResponse(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	action := rr.coordinator.QueueAction(r.Context(), in)
	common.WriteJSONResponse(w, action, http.StatusAccepted)
}

// sync handles POST /sync. The pass runs before the response is written.
func (rr *Routes) sync(w http.ResponseWriter, r *http.Request) {
	result := rr.coordinator.SyncPendingActions(r.Context())
	common.WriteJSONResponse(w, SyncResponse{
		Skipped:   result.Skipped,
		Attempted: result.Attempted,
		Succeeded: result.Succeeded,
		Retried:   result.Retried,
		Dropped:   result.Dropped,
		Deferred:  result.Deferred,
		Remaining: result.Remaining,
		State:     rr.coordinator.GetState(),
	}, http.StatusOK)
}

// setOfflineMode handles PUT /offline-mode {"enabled": bool}
func (rr *Routes) setOfflineMode(w http.ResponseWriter, r *http.Request) {
	var req ToggleRequest
	if err := common.DecodeJSONBody(r, &req); err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Enabled == nil {
		common.WriteErrorResponse(w, "enabled is required", http.StatusBadRequest)
		return
	}

	rr.coordinator.SetOfflineMode(r.Context(), *req.Enabled)
	common.WriteJSONResponse(w, rr.coordinator.GetState(), http.StatusOK)
}

// setConnectivity handles PUT /connectivity {"online": bool}
func (rr *Routes) setConnectivity(w http.ResponseWriter, r *http.Request) {
	if rr.connectivity == nil {
		common.WriteErrorResponse(w, "connectivity is probed, not set manually", http.StatusConflict)
		return
	}

	var req ToggleRequest
	if err := common.DecodeJSONBody(r, &req); err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Online == nil {
		common.WriteErrorResponse(w, "online is required", http.StatusBadRequest)
		return
	}

	rr.connectivity.Set(*req.Online)
	common.WriteJSONResponse(w, rr.coordinator.GetState(), http.StatusOK)
}

// listCache handles GET /cache. Repeated match and exclude query parameters
// select keys by glob pattern.
func (rr *Routes) listCache(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter, err := filtering.NewKeyFilter(query["match"], query["exclude"])
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	entries := rr.coordinator.GetCachedData(r.Context(), "")
	selected := make([]cache.Entry, 0, len(entries))
	for _, e := range entries {
		if filter.Match(e.Key) {
			selected = append(selected, e)
		}
	}
	common.WriteJSONResponse(w, selected, http.StatusOK)
}

// getCache handles GET /cache/{key}
func (rr *Routes) getCache(w http.ResponseWriter, r *http.Request) {
	key, err := common.GetAndValidateURLParam(r, "key")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	entries := rr.coordinator.GetCachedData(r.Context(), key)
	if len(entries) == 0 {
		common.WriteErrorResponse(w, "no valid cache entry for "+key, http.StatusNotFound)
		return
	}
	common.WriteJSONResponse(w, entries[0], http.StatusOK)
}

// putCache handles PUT /cache/{key}
func (rr *Routes) putCache(w http.ResponseWriter, r *http.Request) {
	key, err := common.GetAndValidateURLParam(r, "key")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req CacheRequest
	if err := common.DecodeJSONBody(r, &req); err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Data) == 0 {
		common.WriteErrorResponse(w, "data is required", http.StatusBadRequest)
		return
	}
	if req.TTLMinutes < 0 {
		common.WriteErrorResponse(w, "ttlMinutes cannot be negative", http.StatusBadRequest)
		return
	}

	ttl := rr.defaultTTL
	if req.TTLMinutes > 0 {
		ttl = cache.TTLMinutes(req.TTLMinutes)
	}

	if err := rr.coordinator.CacheData(r.Context(), key, req.Data, ttl); err != nil {
		slog.Error("Failed to cache data", "key", key, "error", err)
		common.WriteErrorResponse(w, "failed to cache data", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// deleteCache handles DELETE /cache/{key}
func (rr *Routes) deleteCache(w http.ResponseWriter, r *http.Request) {
	key, err := common.GetAndValidateURLParam(r, "key")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	rr.clear(w, r, key)
}

// clearCache handles DELETE /cache
func (rr *Routes) clearCache(w http.ResponseWriter, r *http.Request) {
	rr.clear(w, r, "")
}

func (rr *Routes) clear(w http.ResponseWriter, r *http.Request, key string) {
	if err := rr.coordinator.ClearCache(r.Context(), key); err != nil {
		slog.Error("Failed to clear cache", "key", key, "error", err)
		common.WriteErrorResponse(w, "failed to clear cache", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// clearAll handles DELETE /data
func (rr *Routes) clearAll(w http.ResponseWriter, r *http.Request) {
	if err := rr.coordinator.ClearAllOfflineData(r.Context()); err != nil {
		slog.Error("Failed to clear offline data", "error", err)
		common.WriteErrorResponse(w, "failed to clear offline data", http.StatusInternalServerError)
		return
	}
	common.WriteJSONResponse(w, rr.coordinator.GetState(), http.StatusOK)
}
