package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/forgebench/anacore/pkg/taskerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"transient is retryable", taskerr.New(taskerr.Transient, "connection refused"), true},
		{"preflight is retryable", taskerr.New(taskerr.Preflight, "no healthy endpoint"), true},
		{"validation is not retryable", taskerr.New(taskerr.Validation, "bad input"), false},
		{"health is not retryable", taskerr.New(taskerr.Health, "unhealthy"), false},
		{"plain error defaults to fatal, not retryable", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestDoSucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultConfig(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	cfg := Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffMultiplier: 2}
	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		if calls < 3 {
			return taskerr.New(taskerr.Transient, "not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoReturnsNonRetryableImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultConfig(), func(context.Context) error {
		calls++
		return taskerr.New(taskerr.Validation, "bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, taskerr.Is(err, taskerr.Validation))
}

func TestDoExhaustsAttempts(t *testing.T) {
	cfg := Config{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, BackoffMultiplier: 2}
	calls := 0
	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return taskerr.New(taskerr.Transient, "still down")
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 2, exhausted.Attempts)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 5, InitialBackoff: 50 * time.Millisecond, MaxBackoff: time.Second, BackoffMultiplier: 2}

	calls := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, cfg, func(context.Context) error {
		calls++
		return taskerr.New(taskerr.Transient, "down")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
