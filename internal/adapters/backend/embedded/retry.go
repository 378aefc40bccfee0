package embedded

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/jobrunner/cribrum/internal/domain"
)

// RetryConfig controls the backoff loop around lock-contended operations.
// The dataset file may be open in the host application at the same time, so
// transient SQLITE_BUSY and SQLITE_LOCKED results are expected.
type RetryConfig struct {
	MaxAttempts int           // Total attempts, including the first
	BaseDelay   time.Duration // Delay before the second attempt
	MaxDelay    time.Duration // Cap on the per-attempt delay
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 50 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}
	return c
}

// delay returns the backoff before retry attempt (1-based), doubling per
// attempt up to the cap.
func (c RetryConfig) delay(attempt int) time.Duration {
	d := c.BaseDelay << (attempt - 1)
	if d > c.MaxDelay || d <= 0 {
		d = c.MaxDelay
	}
	return d
}

// withRetry runs fn, retrying on lock contention with exponential backoff.
// Non-lock errors return immediately; exhausting all attempts reports the
// backend as busy.
func (b *Backend) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < b.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			b.metrics.IncLockRetries()
			select {
			case <-time.After(b.retry.delay(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isLockError(lastErr) {
			return lastErr
		}
		b.logger.Debug("dataset locked, retrying",
			"attempt", attempt+1, "max_attempts", b.retry.MaxAttempts, "error", lastErr)
	}
	return fmt.Errorf("%w: %w", domain.ErrBackendBusy, lastErr)
}

// isLockError reports whether err is a transient SQLite lock condition.
func isLockError(err error) bool {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code == sqlite3.ErrBusy || sqlErr.Code == sqlite3.ErrLocked
	}
	return errors.Is(err, domain.ErrLockContention)
}
