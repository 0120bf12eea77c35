package store

import (
	"context"
	"log/slog"
	"time"
)

const retentionInterval = 5 * time.Minute

// StartRetentionWorker runs a background goroutine that periodically deletes
// session history last updated more than retention ago.
func StartRetentionWorker(ctx context.Context, repo Repository, retention time.Duration) {
	if retention <= 0 {
		slog.Info("Retention worker disabled")
		return
	}
	ticker := time.NewTicker(retentionInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Retention worker started", "interval", retentionInterval, "retention", retention)

		for {
			select {
			case <-ticker.C:
				sweepExpired(ctx, repo, retention, time.Now())
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepExpired(ctx context.Context, repo Repository, retention time.Duration, now time.Time) int64 {
	var deleted int64
	err := withRetry(ctx, DefaultRetry, "retention", func(ctx context.Context) error {
		n, err := repo.DeleteSessionsBefore(ctx, now.Add(-retention))
		deleted = n
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("Retention worker: context canceled during sweep", "error", err)
			return 0
		}
		slog.Error("Retention worker failed to delete expired sessions", "error", err)
		return 0
	}
	if deleted > 0 {
		slog.Info("Retention worker removed expired sessions", "count", deleted)
	}
	return deleted
}
