// Package kvstore provides the durable key-value persistence used by the
// offline engine to hold the action queue, the read cache, the last sync
// timestamp and the offline mode flag.
//
// Every backend offers single-key atomicity only. Callers that need a
// consistent read-modify-write over one key use the Versioned extension,
// which all backends in this package implement.
package kvstore

import (
	"context"
	"errors"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=store.go Store,VersionedStore

// Well-known keys shared by the engine components.
const (
	// QueueKey holds the pending action queue as a JSON array
	QueueKey = "offline_actions_queue"

	// CacheKey holds the read cache entries as a JSON array
	CacheKey = "offline_cache"

	// LastSyncTimeKey holds the RFC3339 timestamp of the last completed sync pass
	LastSyncTimeKey = "last_sync_time"

	// OfflineModeKey holds "true" when the user forced offline mode
	OfflineModeKey = "offline_mode_enabled"
)

// AllKeys lists every key written by the engine.
var AllKeys = []string{QueueKey, CacheKey, LastSyncTimeKey, OfflineModeKey}

var (
	// ErrRevisionConflict is returned by CompareAndSwap when the stored
	// revision no longer matches the expected one.
	ErrRevisionConflict = errors.New("revision conflict")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrUnsupportedFormat is returned when persisted data was written by a
	// newer, incompatible client.
	ErrUnsupportedFormat = errors.New("unsupported store format")
)

// Store is a string key-value store. Get reports found=false for missing keys.
type Store interface {
	// Get returns the value stored under key.
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// MultiRemove deletes all given keys.
	MultiRemove(ctx context.Context, keys ...string) error

	// Close releases the resources held by the store.
	Close() error
}

// VersionedStore extends Store with per-key revisions.
//
// A missing key has revision 0. Every successful write assigns a revision
// that is never reused for that store, so a CompareAndSwap that succeeds is
// guaranteed to overwrite exactly the value its caller read.
type VersionedStore interface {
	Store

	// GetVersioned returns the value under key along with its revision.
	GetVersioned(ctx context.Context, key string) (value string, revision int64, found bool, err error)

	// CompareAndSwap writes value only if the current revision of key equals
	// expected. It returns the new revision, or ErrRevisionConflict.
	CompareAndSwap(ctx context.Context, key, value string, expected int64) (int64, error)
}
