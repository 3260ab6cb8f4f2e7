package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func fastConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialDelay:   time.Microsecond,
		MaxDelay:       time.Millisecond,
		Multiplier:     2.0,
		JitterFraction: 0,
	}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := DoWithConfig(context.Background(), fastConfig(), func() error {
		calls++

		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := DoWithConfig(context.Background(), fastConfig(), func() error {
		calls++
		if calls < 3 {
			return errTransient
		}

		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := DoWithConfig(context.Background(), fastConfig(), func() error {
		calls++

		return errTransient
	})

	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}

func TestRetryableErrorsFilter(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryableErrors = []error{errTransient}

	permanent := errors.New("permanent")

	calls := 0
	err := DoWithConfig(context.Background(), cfg, func() error {
		calls++

		return permanent
	})

	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls, "errors outside the retryable set must not be retried")
}

func TestConflictConfigRetriesOnlyConflicts(t *testing.T) {
	conflict := errors.New("conflict")
	cfg := ConflictConfig(conflict)

	calls := 0
	err := DoWithConfig(context.Background(), cfg, func() error {
		calls++
		if calls == 1 {
			return conflict
		}

		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestContextCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := DoWithConfig(ctx, fastConfig(), func() error { return errTransient })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	v, err := DoWithResultConfig(context.Background(), fastConfig(), func() (int, error) {
		calls++
		if calls < 2 {
			return 0, errTransient
		}

		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(context.DeadlineExceeded))
	assert.True(t, IsRetryable(errTransient))
}

func TestExponentialBackoff(t *testing.T) {
	cfg := Config{InitialDelay: time.Second, MaxDelay: 4 * time.Second, Multiplier: 2.0}

	assert.Equal(t, time.Second, ExponentialBackoff(1, cfg))
	assert.Equal(t, 2*time.Second, ExponentialBackoff(2, cfg))
	assert.Equal(t, 4*time.Second, ExponentialBackoff(3, cfg))
	assert.Equal(t, 4*time.Second, ExponentialBackoff(10, cfg), "delay is capped at MaxDelay")
}
