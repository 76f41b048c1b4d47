package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/stacklok/courier-sync/database"
)

// sqliteStore persists keys in a SQLite database. Revisions come from a
// single-row counter so they are never reused, even after deletes.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at path, applies the
// schema migrations and returns a VersionedStore backed by it.
func NewSQLiteStore(path string) (VersionedStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", strings.TrimSpace(pragma), err)
		}
	}

	if err := database.MigrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, _, found, err := s.GetVersioned(ctx, key)
	return value, found, err
}

func (s *sqliteStore) GetVersioned(ctx context.Context, key string) (string, int64, bool, error) {
	var (
		value    string
		revision int64
	)
	err := s.db.QueryRowContext(ctx, "SELECT value, revision FROM kv WHERE key = ?", key).Scan(&value, &revision)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, s.wrap("read", key, err)
	}
	return value, revision, true, nil
}

func (s *sqliteStore) Set(ctx context.Context, key, value string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := s.upsert(ctx, tx, key, value)
		return err
	})
}

func (s *sqliteStore) CompareAndSwap(ctx context.Context, key, value string, expected int64) (int64, error) {
	var revision int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var current int64
		err := tx.QueryRowContext(ctx, "SELECT revision FROM kv WHERE key = ?", key).Scan(&current)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if current != expected {
			return ErrRevisionConflict
		}
		revision, err = s.upsert(ctx, tx, key, value)
		return err
	})
	if err != nil {
		return 0, err
	}
	return revision, nil
}

func (s *sqliteStore) Remove(ctx context.Context, key string) error {
	return s.MultiRemove(ctx, key)
}

func (s *sqliteStore) MultiRemove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, key := range keys {
			if _, err := tx.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
				return s.wrap("delete", key, err)
			}
		}
		return nil
	})
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

// upsert writes value under key with the next store revision.
func (*sqliteStore) upsert(ctx context.Context, tx *sql.Tx, key, value string) (int64, error) {
	var revision int64
	err := tx.QueryRowContext(ctx,
		"UPDATE kv_meta SET revision = revision + 1 WHERE id = 1 RETURNING revision").Scan(&revision)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate revision: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO kv (key, value, revision, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			revision = excluded.revision,
			updated_at = excluded.updated_at`,
		key, value, revision, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to write key %s: %w", key, err)
	}
	return revision, nil
}

func (s *sqliteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap("begin transaction for", "", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (*sqliteStore) wrap(op, key string, err error) error {
	if strings.Contains(err.Error(), "database is closed") {
		return ErrClosed
	}
	if key == "" {
		return fmt.Errorf("failed to %s store: %w", op, err)
	}
	return fmt.Errorf("failed to %s key %s: %w", op, key, err)
}
