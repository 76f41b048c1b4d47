// Package cache provides the TTL read cache consulted while the backend is
// unreachable. All entries live under a single store key as a JSON array and
// expired entries are purged lazily on read.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	"github.com/stacklok/courier-sync/internal/kvstore"
	otelutil "github.com/stacklok/courier-sync/internal/otel"
)

// Entry is a cached value. It is valid only while now is before ExpiresAt.
type Entry struct {
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// TTLMinutes converts a TTL expressed in minutes to a duration
func TTLMinutes(n int) time.Duration {
	return time.Duration(n) * time.Minute
}

// Decode unmarshals the cached data of e into v
func Decode(e Entry, v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to decode cache entry %s: %w", e.Key, err)
	}
	return nil
}

// Observer is notified of cache lookups.
type Observer interface {
	RecordCacheLookup(ctx context.Context, hit bool)
}

// Store is the TTL read cache
type Store struct {
	store    kvstore.Store
	clock    clock.PassiveClock
	observer Observer
	tracer   trace.Tracer

	// mu serializes read-modify-write of the cache key within the process
	mu sync.Mutex
}

// Option configures a Store
type Option func(*Store)

// WithClock sets the clock used for expiry
func WithClock(c clock.PassiveClock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// WithObserver reports hits and misses of keyed lookups to o
func WithObserver(o Observer) Option {
	return func(s *Store) {
		s.observer = o
	}
}

// WithTracer sets the tracer for lookup spans
func WithTracer(t trace.Tracer) Option {
	return func(s *Store) {
		s.tracer = t
	}
}

// New creates a cache persisted in store
func New(store kvstore.Store, opts ...Option) *Store {
	s := &Store{
		store: store,
		clock: clock.RealClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CacheData stores data under key for ttl, replacing any previous entry
func (s *Store) CacheData(ctx context.Context, key string, data any, ttl time.Duration) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal cache data for %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	entry := Entry{
		Key:       key,
		Data:      raw,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	entries := s.load(ctx)
	replaced := false
	for i := range entries {
		if entries[i].Key == key {
			entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}

	return s.save(ctx, entries)
}

// GetCachedData returns the valid entries for key, or all valid entries when
// key is empty. Expired entries are removed from the store.
func (s *Store) GetCachedData(ctx context.Context, key string) []Entry {
	ctx, span := otelutil.StartSpan(ctx, s.tracer, "cache.lookup",
		trace.WithAttributes(otelutil.AttrCacheKey.String(key)))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	entries := s.load(ctx)

	valid := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if now.Before(e.ExpiresAt) {
			valid = append(valid, e)
		}
	}

	if pruned := len(entries) - len(valid); pruned > 0 {
		slog.Debug("Pruned expired cache entries", "count", pruned)
		if err := s.save(ctx, valid); err != nil {
			slog.Error("Failed to persist pruned cache", "error", err)
		}
	}

	if key == "" {
		return valid
	}

	matches := make([]Entry, 0, 1)
	for _, e := range valid {
		if e.Key == key {
			matches = append(matches, e)
		}
	}
	hit := len(matches) > 0
	span.SetAttributes(otelutil.AttrCacheHit.Bool(hit))
	if s.observer != nil {
		s.observer.RecordCacheLookup(ctx, hit)
	}
	return matches
}

// ClearCache removes the entry for key, or the whole cache when key is empty
func (s *Store) ClearCache(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key == "" {
		if err := s.store.Remove(ctx, kvstore.CacheKey); err != nil {
			return fmt.Errorf("failed to clear cache: %w", err)
		}
		return nil
	}

	entries := s.load(ctx)
	kept := entries[:0]
	for _, e := range entries {
		if e.Key != key {
			kept = append(kept, e)
		}
	}
	return s.save(ctx, kept)
}

// IsDataAvailable reports whether data for key can be served: always when
// online, otherwise only if a valid cache entry exists.
func (s *Store) IsDataAvailable(ctx context.Context, key string, online bool) bool {
	if online {
		return true
	}
	return len(s.GetCachedData(ctx, key)) > 0
}

func (s *Store) load(ctx context.Context) []Entry {
	raw, found, err := s.store.Get(ctx, kvstore.CacheKey)
	if err != nil {
		slog.Error("Failed to read cache", "error", err)
		return []Entry{}
	}
	if !found || raw == "" {
		return []Entry{}
	}

	var entries []Entry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		slog.Warn("Cache is corrupt, treating it as empty", "error", err)
		return []Entry{}
	}
	return entries
}

func (s *Store) save(ctx context.Context, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal cache: %w", err)
	}
	if err := s.store.Set(ctx, kvstore.CacheKey, string(data)); err != nil {
		return fmt.Errorf("failed to persist cache: %w", err)
	}
	return nil
}
