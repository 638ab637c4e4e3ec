package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var (
	errRefused   = errors.New("connection refused")
	errForbidden = errors.New("forbidden")
)

func fastConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetry_SuccessOnFirstAttempt(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(), func() error {
		attempts++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetry_SuccessAfterRetries(t *testing.T) {
	cfg := fastConfig()
	var retried []int
	cfg.OnRetry = func(attempt int, _ time.Duration, err error) {
		assert.ErrorIs(t, err, errRefused)
		retried = append(retried, attempt)
	}

	attempts := 0
	got, err := RetryWithResult(context.Background(), cfg, func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", errRefused
		}
		return "conn", nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "conn", got)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetry_MaxAttemptsExceeded(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(), func() error {
		attempts++
		return errRefused
	})

	assert.ErrorIs(t, err, errRefused)
	assert.Equal(t, 3, attempts)
}

func TestRetry_PermanentErrorStops(t *testing.T) {
	cfg := fastConfig()
	cfg.Permanent = func(err error) bool { return errors.Is(err, errForbidden) }

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return errForbidden
	})

	assert.ErrorIs(t, err, errForbidden)
	assert.Equal(t, 1, attempts)
}

func TestRetry_ContextCancelled(t *testing.T) {
	cfg := fastConfig()
	cfg.InitialDelay = time.Hour
	cfg.MaxDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cfg.OnRetry = func(int, time.Duration, error) { cancel() }

	err := Retry(ctx, cfg, func() error { return errRefused })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalculateDelay(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, calculateDelay(cfg, 0))
	assert.Equal(t, 400*time.Millisecond, calculateDelay(cfg, 2))
	assert.Equal(t, time.Second, calculateDelay(cfg, 10))

	cfg.Jitter = true
	for i := 0; i < 20; i++ {
		d := calculateDelay(cfg, 0)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
}
