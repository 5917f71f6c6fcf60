package tnet

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// backoffDelay computes the reconnection delay at a given attempt number:
// initial * backoff^attempt, capped at max, then jittered by +/- jitter as
// a fraction of the capped value; the jittered result is capped at max
// again, so it never exceeds max. attempt is zero-based.
func backoffDelay(attempt int, cfg ReconnectionConfig, rng *rand.Rand) time.Duration {
	delay := float64(cfg.InitialRetryDelay) * pow(cfg.BackoffFactor, attempt)
	if max := float64(cfg.MaxRetryDelay); cfg.MaxRetryDelay > 0 && delay > max {
		delay = max
	}
	if cfg.Jitter > 0 {
		spread := delay * cfg.Jitter
		delay += (rng.Float64()*2 - 1) * spread
		if delay < 0 {
			delay = 0
		}
		if cfg.MaxRetryDelay > 0 && delay > float64(cfg.MaxRetryDelay) {
			delay = float64(cfg.MaxRetryDelay)
		}
	}
	return time.Duration(delay)
}

// pow is a tiny float exponent helper so retry.go doesn't need to pull in
// math for a single call site beyond what's already imported.
func pow(base float64, exp int) float64 {
	if exp <= 0 {
		return 1
	}
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// RetryWithBackoff runs fn until it succeeds, fn returns a non-temporary
// error, maxRetries is exhausted, or ctx is cancelled. maxRetries < 0 means
// retry forever. The delay before each retry doubles from initialBackoff,
// capped at 5 minutes; this is the simple doubling form Client.Finalize uses
// to smooth over a transient failure dialing the primary endpoint, before
// falling back to the full jitter/endpoint-failover behavior of the
// reconnection engine (see (*Client).reconnect_).
func RetryWithBackoff(ctx context.Context, maxRetries int, initialBackoff time.Duration, fn func() error) error {
	const maxBackoff = 5 * time.Minute

	attempt := 0
	backoff := initialBackoff

	for {
		err := fn()
		if err == nil {
			if attempt > 0 {
				Debug("retry succeeded after %d attempts", attempt)
			}
			return nil
		}
		attempt++

		if !IsTemporary(err) {
			return fmt.Errorf("fatal error: %w", err)
		}
		if maxRetries >= 0 && attempt > maxRetries {
			return &MaxRetriesExceededError{Attempts: attempt, LastErr: err}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled after %d attempts: %w", attempt, ctx.Err())
		default:
		}

		Debug("retry attempt %d failed: %v (waiting %v before retry)", attempt, err, backoff)
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled during backoff after %d attempts: %w", attempt, ctx.Err())
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// MaxRetriesExceededError is returned when RetryWithBackoff exhausts its
// retry budget without fn ever succeeding.
type MaxRetriesExceededError struct {
	Attempts int
	LastErr  error
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("max retries (%d) exceeded: %v", e.Attempts, e.LastErr)
}

func (e *MaxRetriesExceededError) Unwrap() error { return e.LastErr }
