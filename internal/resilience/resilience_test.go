package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_ClosedState(t *testing.T) {
	cb := New(DefaultConfig())

	err := cb.Execute(context.Background(), func() error { return nil })
	require.NoError(t, err)
	require.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := New(Config{MaxFailures: 3, Timeout: time.Second})
	testErr := errors.New("upstream 500")

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func() error { return testErr })
	}

	require.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_RejectsWhenOpen(t *testing.T) {
	cb := New(Config{MaxFailures: 1, Timeout: time.Hour})

	_ = cb.Execute(context.Background(), func() error { return errors.New("fail") })

	err := cb.Execute(context.Background(), func() error { return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_HalfOpenRecoversAfterTimeout(t *testing.T) {
	cb := New(Config{MaxFailures: 1, Timeout: 10 * time.Millisecond, HalfOpenMax: 2})

	_ = cb.Execute(context.Background(), func() error { return errors.New("fail") })
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func() error { return nil })
	}

	require.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_OnStateChangeFires(t *testing.T) {
	var transitions []string
	cb := New(Config{
		MaxFailures: 1,
		Timeout:     time.Hour,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	_ = cb.Execute(context.Background(), func() error { return errors.New("fail") })
	require.Equal(t, []string{"closed->open"}, transitions)
}

func TestRetry_SucceedsOnFirstAttempt(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}

	err := Retry(context.Background(), cfg, func() error { return nil })
	require.NoError(t, err)
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}
	attempts := 0

	err := Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestRetry_ReturnsLastErrorWhenExhausted(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond}
	testErr := errors.New("always fails")

	err := Retry(context.Background(), cfg, func() error { return testErr })
	require.ErrorIs(t, err, testErr)
}

func TestRetry_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond}
	attempts := 0

	err := Retry(ctx, cfg, func() error {
		attempts++
		return errors.New("fail")
	})

	require.Error(t, err)
	require.LessOrEqual(t, attempts, 1)
}

func TestProviderCBConfig_AppliesDefaultsWhenZero(t *testing.T) {
	cfg := ProviderCBConfig(ServiceCircuitBreakerConfig{Provider: "goplus"})
	require.Equal(t, 5, cfg.MaxFailures)
	require.Equal(t, 30*time.Second, cfg.Timeout)
	require.Equal(t, 3, cfg.HalfOpenMax)
}

func TestStrictProviderCBConfig_FailsFast(t *testing.T) {
	cfg := StrictProviderCBConfig("onchain", nil)
	require.Equal(t, 3, cfg.MaxFailures)
	require.Equal(t, 1, cfg.HalfOpenMax)
}
