package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/relvohq/automation/pkg/schema"
)

// IsRetryableError classifies whether a failed action should be retried.
// Retryable: transient action failures, timeouts, network errors.
// Non-retryable: validation, interpolation and permanent action failures,
// context cancellation (the daemon is shutting down).
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Deadline exceeded means the per-action timeout fired, which is retryable.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	// EngineError carries its own classification.
	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		return engErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common transient faults from collaborators that
	// return plain errors.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// ComputeBackoff calculates the delay before a deferred record's next retry
// attempt: exponential from base, capped at max.
func ComputeBackoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		delay = max
	}
	return delay
}

// WaitForBackoff sleeps for the given duration or returns early if the
// context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
