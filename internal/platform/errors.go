package platform

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy shared by all adapters. Callers branch with errors.Is.
var (
	// ErrAuthenticationFailed marks credential or session problems. Never
	// retried automatically; the account's portion of a run is aborted.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrNetwork marks transient transport failures, eligible for bounded
	// retry at the adapter boundary.
	ErrNetwork = errors.New("network error")
	// ErrRateLimited marks throttling responses, also transient.
	ErrRateLimited = errors.New("rate limited")
	// ErrNotFound marks a remote ID the platform does not know.
	ErrNotFound = errors.New("activity not found")
	// ErrUploadRejected marks destination-side validation failures.
	// Resubmitting identical bytes would fail identically, so no retry.
	ErrUploadRejected = errors.New("upload rejected")
)

// Transient reports whether err is worth retrying.
func Transient(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrRateLimited)
}

const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 2 * time.Second
)

// withRetry runs fn up to attempts times with linear backoff, stopping
// early on non-transient errors or context cancellation.
func withRetry(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = defaultRetryDelay
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil || !Transient(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}
		select {
		case <-time.After(time.Duration(attempt) * baseDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
