package provider

import (
	"context"
	"time"
)

// RetryOptions configures retries of read-only calls. Side-effecting calls
// are never retried here; their callers own retry via idempotency keys.
type RetryOptions struct {
	MaxRetries int           // Maximum number of retries (default: 2)
	BaseDelay  time.Duration // Initial delay between retries (default: 250ms)
	MaxDelay   time.Duration // Maximum delay between retries (default: 2s)
}

// DefaultRetryOptions returns the defaults used by NewGitHubClient.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries: 2,
		BaseDelay:  250 * time.Millisecond,
		MaxDelay:   2 * time.Second,
	}
}

// withRetry runs op with exponential backoff while it fails with a
// retryable error and ctx is live.
func withRetry[T any](ctx context.Context, opts RetryOptions, op func() (T, error)) (T, error) {
	var (
		result  T
		lastErr error
	)
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		result, lastErr = op()
		if lastErr == nil || !IsRetryable(lastErr) || attempt >= opts.MaxRetries {
			return result, lastErr
		}

		delay := opts.BaseDelay * time.Duration(1<<uint(attempt))
		if delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}
		select {
		case <-ctx.Done():
			return result, lastErr
		case <-time.After(delay):
		}
	}
	return result, lastErr
}
