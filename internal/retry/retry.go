// Package retry provides constant-cadence retry helpers. Every transient
// failure in dreambot (bus consumer collisions, dropped sockets, retryable
// upstream errors) backs off for a flat interval and tries again; there is
// no exponential growth.
package retry

import (
	"context"
	"time"

	derrors "github.com/cmsj/dreambot/internal/errors"
)

// DefaultInterval is the flat backoff used across the system.
const DefaultInterval = 5 * time.Second

// Config holds retry configuration.
type Config struct {
	MaxAttempts int
	Interval    time.Duration
}

// DefaultConfig returns the standard retry settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Interval:    DefaultInterval,
	}
}

// Do executes fn up to cfg.MaxAttempts times, waiting cfg.Interval between
// attempts. Only retryable errors are retried.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !derrors.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}
		if !Wait(ctx, cfg.Interval) {
			return ctx.Err()
		}
	}
	return lastErr
}

// Wait sleeps for d unless the context is cancelled first. It returns true
// if the full interval elapsed. Reconnect loops use it so shutdown is not
// stuck behind a backoff timer.
func Wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
