package resilience

import (
	"context"
	"errors"
	"time"
)

// Permanent marks an error as non-retryable. Do stops immediately when the
// wrapped function returns one.
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// NewPermanent wraps err so retry policies give up on it immediately.
func NewPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &Permanent{Err: err}
}

// Retry is an explicit retry policy: a fixed number of attempts with
// exponential backoff, applied uniformly wherever an external call may
// transiently fail.
type Retry struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

// NewRetry creates a policy with sane floors applied.
func NewRetry(maxAttempts int, backoff, maxBackoff time.Duration) Retry {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	if maxBackoff < backoff {
		maxBackoff = backoff
	}
	return Retry{MaxAttempts: maxAttempts, Backoff: backoff, MaxBackoff: maxBackoff}
}

// Do runs fn up to MaxAttempts times, doubling the backoff between attempts.
// It returns the last error, or immediately on success, a Permanent error,
// or context cancellation.
func (r Retry) Do(ctx context.Context, fn func() error) error {
	backoff := r.Backoff

	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		var perm *Permanent
		if errors.As(lastErr, &perm) {
			return perm.Err
		}
		if attempt >= r.MaxAttempts {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > r.MaxBackoff {
			backoff = r.MaxBackoff
		}
	}
}
