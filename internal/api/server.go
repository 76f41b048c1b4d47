// Package api provides the loopback HTTP API the mobile shell uses to drive
// the offline engine.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	v1 "github.com/stacklok/courier-sync/internal/api/v1"
)

// ServerOption configures the API server
type ServerOption func(*serverConfig)

// serverConfig holds the server configuration
type serverConfig struct {
	middlewares []func(http.Handler) http.Handler
	routerOpts  []v1.RouterOption
}

// WithMiddlewares adds middleware to the server
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithManualConnectivity enables PUT /connectivity, backed by m
func WithManualConnectivity(m v1.ManualConnectivity) ServerOption {
	return func(cfg *serverConfig) {
		cfg.routerOpts = append(cfg.routerOpts, v1.WithManualConnectivity(m))
	}
}

// WithDefaultCacheTTL sets the TTL of cache writes that do not carry one
func WithDefaultCacheTTL(ttl time.Duration) ServerOption {
	return func(cfg *serverConfig) {
		cfg.routerOpts = append(cfg.routerOpts, v1.WithDefaultCacheTTL(ttl))
	}
}

// NewServer creates and configures the HTTP router for coordinator
func NewServer(coordinator v1.Coordinator, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	r.Mount("/", v1.Router(coordinator, cfg.routerOpts...))

	return r
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
