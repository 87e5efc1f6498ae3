package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	var retried []int
	cfg := fastConfig(5)
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		retried = append(retried, attempt)
	}

	err := New(cfg).DoWithContext(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestStopsAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := New(fastConfig(4)).DoWithContext(context.Background(), func(context.Context) error {
		calls++
		return errFlaky
	})

	assert.Equal(t, 4, calls)
	assert.ErrorIs(t, err, errFlaky)
	assert.Contains(t, err.Error(), "max retry attempts (4)")
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	calls := 0
	err := New(fastConfig(4)).DoWithContext(context.Background(), func(context.Context) error {
		calls++
		return Permanent(errFlaky)
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, errFlaky, err)
	assert.Nil(t, Permanent(nil))
}

func TestContextCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig(10)
	cfg.InitialDelay = time.Hour
	cfg.MaxDelay = time.Hour
	cfg.OnRetry = func(int, error, time.Duration) { cancel() }

	err := New(cfg).DoWithContext(ctx, func(context.Context) error { return errFlaky })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDelayIsCapped(t *testing.T) {
	r := New(Config{MaxAttempts: 10, InitialDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond, Multiplier: 2})

	assert.Equal(t, 10*time.Millisecond, r.delay(1))
	assert.Equal(t, 20*time.Millisecond, r.delay(2))
	assert.Equal(t, 40*time.Millisecond, r.delay(3))
	assert.Equal(t, 40*time.Millisecond, r.delay(8))
}
