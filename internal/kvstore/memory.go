package kvstore

import (
	"context"
	"sync"
)

type memoryEntry struct {
	value    string
	revision int64
}

// memoryStore keeps everything in process memory. Nothing survives a restart.
type memoryStore struct {
	mu       sync.Mutex
	entries  map[string]memoryEntry
	revision int64
	closed   bool
}

// NewMemoryStore creates an in-memory VersionedStore
func NewMemoryStore() VersionedStore {
	return &memoryStore{
		entries: make(map[string]memoryEntry),
	}
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, _, found, err := m.GetVersioned(ctx, key)
	return value, found, err
}

func (m *memoryStore) GetVersioned(_ context.Context, key string) (string, int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", 0, false, ErrClosed
	}
	entry, ok := m.entries[key]
	if !ok {
		return "", 0, false, nil
	}
	return entry.value, entry.revision, true, nil
}

func (m *memoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.revision++
	m.entries[key] = memoryEntry{value: value, revision: m.revision}
	return nil
}

func (m *memoryStore) CompareAndSwap(_ context.Context, key, value string, expected int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	if m.entries[key].revision != expected {
		return 0, ErrRevisionConflict
	}
	m.revision++
	m.entries[key] = memoryEntry{value: value, revision: m.revision}
	return m.revision, nil
}

func (m *memoryStore) Remove(ctx context.Context, key string) error {
	return m.MultiRemove(ctx, key)
}

func (m *memoryStore) MultiRemove(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	for _, key := range keys {
		delete(m.entries, key)
	}
	return nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
