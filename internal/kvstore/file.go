package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/stacklok/courier-sync/internal/versions"
)

const (
	// FileFormatVersion is the version of the on-disk document written by this build
	FileFormatVersion = "1.0.0"

	// lockRetryDelay is how often a blocked caller retries the file lock
	lockRetryDelay = 25 * time.Millisecond
)

type fileEntry struct {
	Value     string    `json:"value"`
	Revision  int64     `json:"revision"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type fileDocument struct {
	FormatVersion string               `json:"formatVersion"`
	Revision      int64                `json:"revision"`
	Entries       map[string]fileEntry `json:"entries"`
}

// fileStore keeps all keys in a single JSON document on disk. Writes go to a
// temporary file which is then renamed over the document, and a lock file
// serializes access between processes sharing the same data directory.
type fileStore struct {
	path string

	mu     sync.Mutex
	lock   *flock.Flock
	closed bool
}

// NewFileStore creates a file-backed VersionedStore persisting to path.
// The parent directory is created if it does not exist.
func NewFileStore(path string) (VersionedStore, error) {
	if path == "" {
		return nil, fmt.Errorf("file store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	s := &fileStore{
		path: path,
		lock: flock.New(path + ".lock"),
	}

	// Fail fast on documents written by a newer client
	if err := s.withDocument(context.Background(), false, func(*fileDocument) bool { return false }); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, _, found, err := s.GetVersioned(ctx, key)
	return value, found, err
}

func (s *fileStore) GetVersioned(ctx context.Context, key string) (string, int64, bool, error) {
	var (
		entry fileEntry
		found bool
	)
	err := s.withDocument(ctx, false, func(doc *fileDocument) bool {
		entry, found = doc.Entries[key]
		return false
	})
	if err != nil || !found {
		return "", 0, false, err
	}
	return entry.Value, entry.Revision, true, nil
}

func (s *fileStore) Set(ctx context.Context, key, value string) error {
	return s.withDocument(ctx, true, func(doc *fileDocument) bool {
		doc.put(key, value)
		return true
	})
}

func (s *fileStore) CompareAndSwap(ctx context.Context, key, value string, expected int64) (int64, error) {
	var (
		revision int64
		conflict bool
	)
	err := s.withDocument(ctx, true, func(doc *fileDocument) bool {
		if doc.Entries[key].Revision != expected {
			conflict = true
			return false
		}
		revision = doc.put(key, value)
		return true
	})
	if err != nil {
		return 0, err
	}
	if conflict {
		return 0, ErrRevisionConflict
	}
	return revision, nil
}

func (s *fileStore) Remove(ctx context.Context, key string) error {
	return s.MultiRemove(ctx, key)
}

func (s *fileStore) MultiRemove(ctx context.Context, keys ...string) error {
	return s.withDocument(ctx, true, func(doc *fileDocument) bool {
		removed := false
		for _, key := range keys {
			if _, ok := doc.Entries[key]; ok {
				delete(doc.Entries, key)
				removed = true
			}
		}
		return removed
	})
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.lock.Close()
}

func (d *fileDocument) put(key, value string) int64 {
	d.Revision++
	d.Entries[key] = fileEntry{Value: value, Revision: d.Revision, UpdatedAt: time.Now().UTC()}
	return d.Revision
}

// withDocument loads the document under the file lock, applies fn and writes
// the document back when fn reports a modification.
func (s *fileStore) withDocument(ctx context.Context, write bool, fn func(doc *fileDocument) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	var (
		locked bool
		err    error
	)
	if write {
		locked, err = s.lock.TryLockContext(ctx, lockRetryDelay)
	} else {
		locked, err = s.lock.TryRLockContext(ctx, lockRetryDelay)
	}
	if err != nil {
		return fmt.Errorf("failed to acquire store lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("failed to acquire store lock for %s", s.path)
	}
	defer func() {
		_ = s.lock.Unlock()
	}()

	doc, err := s.load(write)
	if err != nil {
		return err
	}

	if !fn(doc) {
		return nil
	}
	return s.save(doc)
}

// load reads the document from disk. A missing file yields an empty document.
// A corrupt file is moved aside when loading for write so the store recovers
// instead of failing every subsequent call.
func (s *fileStore) load(write bool) (*fileDocument, error) {
	empty := &fileDocument{FormatVersion: FileFormatVersion, Entries: make(map[string]fileEntry)}

	// #nosec G304 -- path is provided by trusted configuration
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return empty, nil
		}
		return nil, fmt.Errorf("failed to read store file: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		slog.Warn("Store file is corrupt, starting with an empty store",
			"path", s.path,
			"error", err)
		if write {
			quarantine := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
			if renameErr := os.Rename(s.path, quarantine); renameErr != nil {
				slog.Error("Failed to move corrupt store file aside", "path", s.path, "error", renameErr)
			}
		}
		return empty, nil
	}

	if doc.FormatVersion != "" && versions.IsNewerFormat(doc.FormatVersion, FileFormatVersion) {
		return nil, fmt.Errorf("%w: %s was written with format %s, this build supports %s",
			ErrUnsupportedFormat, s.path, doc.FormatVersion, FileFormatVersion)
	}
	if doc.Entries == nil {
		doc.Entries = make(map[string]fileEntry)
	}
	doc.FormatVersion = FileFormatVersion
	return &doc, nil
}

func (s *fileStore) save(doc *fileDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal store document: %w", err)
	}

	// Write to temporary file first for atomic operation
	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary store file: %w", err)
	}

	if err := os.Rename(tempPath, s.path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename store file: %w", err)
	}
	return nil
}
