package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/stacklok/courier-sync/internal/kvstore"
	"github.com/stacklok/courier-sync/internal/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the pending action queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending actions in replay order",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, store kvstore.VersionedStore) error {
			return renderActions(cmd.OutOrStdout(), queue.New(store).List(ctx))
		})
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard every pending action",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, store kvstore.VersionedStore) error {
			q := queue.New(store)
			n := q.Len(ctx)
			if err := q.Replace(ctx, []queue.PendingAction{}); err != nil {
				return fmt.Errorf("failed to clear queue: %w", err)
			}
			slog.Info("Cleared pending actions", "count", n)
			return nil
		})
	},
}

func init() {
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueClearCmd)
}
