package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/qbot/internal/store"
)

// CleanupJobName names the recalled-message cleanup job.
const CleanupJobName = "db_cleanup"

// CleanupJob deletes recalled messages older than days.
func CleanupJob(messages store.MessageStore, days int) Func {
	return func(ctx context.Context) error {
		if days <= 0 {
			days = 7
		}
		n, err := messages.CleanupRecalled(ctx, time.Duration(days)*24*time.Hour)
		if err != nil {
			return fmt.Errorf("cleanup recalled messages: %w", err)
		}
		slog.Info("recalled messages cleaned", "deleted", n, "older_than_days", days)
		return nil
	}
}
