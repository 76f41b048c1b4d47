package kvstore

import (
	"fmt"
	"log/slog"

	"github.com/stacklok/courier-sync/internal/config"
)

// New creates a VersionedStore based on the configured storage type.
//
// For file storage the whole keyspace lives in one JSON document guarded by a
// lock file. For sqlite storage the schema is migrated on open. Memory storage
// keeps nothing across restarts and is meant for tests and demos.
//
// Unknown types fall back to file storage.
func New(cfg *config.Config) (VersionedStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	storageType := cfg.GetStorageType()
	path := cfg.GetStoragePath()

	slog.Info("Opening persistent store", "type", storageType, "path", path)

	switch storageType {
	case config.StorageTypeMemory:
		return NewMemoryStore(), nil
	case config.StorageTypeSQLite:
		return NewSQLiteStore(path)
	case config.StorageTypeFile:
		return NewFileStore(path)
	default:
		return NewFileStore(path)
	}
}
