// Package retry provides exponential backoff retry utilities shared by the
// Analyzer Pool, the Docker Driver, and the Task Executor. Retryability is
// decided by the error taxonomy in pkg/taskerr rather than by inspecting
// network or HTTP error types directly, since pool and driver failures are
// always surfaced as a *taskerr.TaskError before they reach this package.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/forgebench/anacore/pkg/taskerr"
)

// Config configures retry/backoff behaviour for a single operation.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the initial
	// attempt). A value of 0 or 1 means no retries.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor the backoff grows by after each retry.
	BackoffMultiplier float64
	// Jitter adds +/- randomness to the backoff as a fraction of its value,
	// to avoid a thundering herd when many replicas back off in lockstep.
	Jitter float64
}

// DefaultConfig returns the default retry configuration used by the
// Analyzer Pool when dispatching to a replica endpoint.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// DockerConfig returns the retry configuration used by the Docker Driver for
// compose build/up operations, which tolerate longer backoffs since Docker
// build-system contention resolves on the order of seconds, not milliseconds.
func DockerConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
	}
}

// ExhaustedError is returned when all retry attempts have failed.
type ExhaustedError struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts over %v: %v", e.Attempts, e.TotalDuration, e.LastError)
}

// Unwrap returns the last underlying error, so errors.Is/As still see through
// an ExhaustedError to the classification of the final attempt.
func (e *ExhaustedError) Unwrap() error {
	return e.LastError
}

// IsRetryable reports whether err should be retried. It classifies err via
// pkg/taskerr and defers to taskerr.Retryable, so every caller in this
// repository shares one definition of "retryable" regardless of whether the
// failure originated in the pool, the driver, or the executor.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return taskerr.Retryable(taskerr.ClassOf(err))
}

// Do executes fn, retrying with exponential backoff while the returned error
// is retryable and attempts remain. It returns nil on success, the error
// unchanged if it is not retryable, ctx.Err() if the context is cancelled
// while waiting, or an *ExhaustedError once attempts run out.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}
		if attempt >= cfg.MaxAttempts {
			break
		}

		backoff := calculateBackoff(cfg, attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return &ExhaustedError{
		Attempts:      cfg.MaxAttempts,
		TotalDuration: time.Since(start),
		LastError:     lastErr,
	}
}

func calculateBackoff(cfg Config, attempt int) time.Duration {
	backoff := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		jitter := backoff * cfg.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
		backoff += jitter
	}
	return time.Duration(backoff)
}
