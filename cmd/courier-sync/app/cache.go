package app

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stacklok/courier-sync/internal/cache"
	"github.com/stacklok/courier-sync/internal/filtering"
	"github.com/stacklok/courier-sync/internal/kvstore"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the read cache",
}

var cacheListCmd = &cobra.Command{
	Use:   "list [key]",
	Short: "List valid cache entries, optionally for one key",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := ""
		if len(args) == 1 {
			key = args[0]
		}
		filter, err := keyFilter(cmd)
		if err != nil {
			return err
		}
		return withStore(cmd.Context(), func(ctx context.Context, store kvstore.VersionedStore) error {
			var selected []cache.Entry
			for _, e := range cache.New(store).GetCachedData(ctx, key) {
				if filter.Match(e.Key) {
					selected = append(selected, e)
				}
			}
			return renderCacheEntries(cmd.OutOrStdout(), selected, time.Now())
		})
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear [key]",
	Short: "Remove one cache entry, the entries matching --match, or the whole cache",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := ""
		if len(args) == 1 {
			key = args[0]
		}
		filter, err := keyFilter(cmd)
		if err != nil {
			return err
		}
		return withStore(cmd.Context(), func(ctx context.Context, store kvstore.VersionedStore) error {
			c := cache.New(store)
			if key != "" || filter.Empty() {
				if err := c.ClearCache(ctx, key); err != nil {
					return fmt.Errorf("failed to clear cache: %w", err)
				}
				return nil
			}
			for _, e := range c.GetCachedData(ctx, "") {
				if !filter.Match(e.Key) {
					continue
				}
				if err := c.ClearCache(ctx, e.Key); err != nil {
					return fmt.Errorf("failed to clear cache entry %s: %w", e.Key, err)
				}
			}
			return nil
		})
	},
}

// keyFilter builds the filter from the --match and --exclude flags
func keyFilter(cmd *cobra.Command) (*filtering.KeyFilter, error) {
	include, err := cmd.Flags().GetStringSlice("match")
	if err != nil {
		return nil, err
	}
	exclude, err := cmd.Flags().GetStringSlice("exclude")
	if err != nil {
		return nil, err
	}
	return filtering.NewKeyFilter(include, exclude)
}

func init() {
	for _, c := range []*cobra.Command{cacheListCmd, cacheClearCmd} {
		c.Flags().StringSlice("match", nil, "Glob patterns of keys to select (e.g. 'jobs:*')")
		c.Flags().StringSlice("exclude", nil, "Glob patterns of keys to skip")
	}
	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}
