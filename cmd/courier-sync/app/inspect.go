package app

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/stacklok/courier-sync/internal/cache"
	"github.com/stacklok/courier-sync/internal/kvstore"
	"github.com/stacklok/courier-sync/internal/queue"
)

// withStore opens the configured store for the duration of fn. The file
// and sqlite backends are safe to open while serve is running.
func withStore(ctx context.Context, fn func(ctx context.Context, store kvstore.VersionedStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := kvstore.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	return fn(ctx, store)
}

func renderActions(w io.Writer, actions []queue.PendingAction) error {
	table := tablewriter.NewWriter(w)
	table.Header("ID", "Type", "Method", "Endpoint", "Retries", "Queued")
	for _, a := range actions {
		if err := table.Append([]string{
			a.ID,
			string(a.Type),
			string(a.Method),
			a.Endpoint,
			strconv.Itoa(a.RetryCount) + "/" + strconv.Itoa(a.MaxRetries),
			a.CreatedAt.UTC().Format(time.RFC3339),
		}); err != nil {
			return fmt.Errorf("failed to render action %s: %w", a.ID, err)
		}
	}
	return table.Render()
}

func renderCacheEntries(w io.Writer, entries []cache.Entry, now time.Time) error {
	table := tablewriter.NewWriter(w)
	table.Header("Key", "Size", "Created", "Expires In")
	for _, e := range entries {
		if err := table.Append([]string{
			e.Key,
			strconv.Itoa(len(e.Data)),
			e.CreatedAt.UTC().Format(time.RFC3339),
			e.ExpiresAt.Sub(now).Round(time.Second).String(),
		}); err != nil {
			return fmt.Errorf("failed to render cache entry %s: %w", e.Key, err)
		}
	}
	return table.Render()
}
