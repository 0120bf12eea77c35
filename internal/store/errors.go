package store

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// IsBusyError checks if the error is a SQLITE_BUSY error.
// This occurs when the database is locked by another connection.
func IsBusyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY")
}

// IsLockedError checks if the error is a "database is locked" error.
func IsLockedError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}

// IsConflictError reports SQLite concurrency errors that warrant a retry.
func IsConflictError(err error) bool {
	return IsBusyError(err) || IsLockedError(err)
}

// RetryPolicy controls withRetry.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultRetry is used by the journal worker.
var DefaultRetry = RetryPolicy{MaxRetries: 3, BaseDelay: 50 * time.Millisecond}

// withRetry runs op with exponential backoff while it fails with a conflict error.
func withRetry(ctx context.Context, p RetryPolicy, what string, op func(context.Context) error) error {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 1
	}
	var err error
	for i := 0; i < p.MaxRetries; i++ {
		err = op(ctx)
		if err == nil || !IsConflictError(err) {
			return err
		}
		if i == p.MaxRetries-1 {
			break
		}
		delay := p.BaseDelay * time.Duration(1<<i)
		slog.Debug("Database locked, retrying", "op", what, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
