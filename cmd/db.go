package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/qbot/internal/plugins"
	"github.com/nextlevelbuilder/qbot/internal/store"
	"github.com/nextlevelbuilder/qbot/internal/store/sqlite"
)

func dbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Inspect and maintain the message archive",
	}
	cmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "database path (default: database.path from config)")

	cmd.AddCommand(dbStatsCmd())
	cmd.AddCommand(dbCleanupCmd())
	return cmd
}

func withStores(fn func(ctx context.Context, stores *store.Stores) error) error {
	path, err := resolveDBPath()
	if err != nil {
		return err
	}
	stores, closeFn, err := sqlite.NewStores(path)
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return fn(ctx, stores)
}

func dbStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show archive statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(func(ctx context.Context, stores *store.Stores) error {
				st, err := stores.Messages.Stats(ctx)
				if err != nil {
					return fmt.Errorf("stats: %w", err)
				}
				fmt.Println(plugins.FormatStats(st))
				return nil
			})
		},
	}
}

func dbCleanupCmd() *cobra.Command {
	var (
		days int
		all  bool
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete recalled messages (default: older than 7 days)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(func(ctx context.Context, stores *store.Stores) error {
				var (
					n   int64
					err error
				)
				if all {
					n, err = stores.Messages.CleanupAllRecalled(ctx)
				} else {
					if days <= 0 {
						return fmt.Errorf("--days must be positive")
					}
					n, err = stores.Messages.CleanupRecalled(ctx, time.Duration(days)*24*time.Hour)
				}
				if err != nil {
					return fmt.Errorf("cleanup: %w", err)
				}
				fmt.Printf("deleted %d recalled messages\n", n)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&days, "days", "d", 7, "only delete messages older than this many days")
	cmd.Flags().BoolVar(&all, "all", false, "delete every recalled message regardless of age")
	return cmd
}
