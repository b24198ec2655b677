// Package resilience provides circuit breaking and retry-with-backoff for
// the pipeline's outbound provider clients (security scan, market data,
// on-chain RPC, social ingestion, messaging), backed by
// github.com/sony/gobreaker/v2 and github.com/cenkalti/backoff/v4.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"github.com/cryptopulse/signalpipe/pkg/telemetry/logger"
)

// State represents circuit breaker state.
type State int

const (
	StateClosed   State = State(gobreaker.StateClosed)
	StateHalfOpen State = State(gobreaker.StateHalfOpen)
	StateOpen     State = State(gobreaker.StateOpen)
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config configures a CircuitBreaker.
type Config struct {
	MaxFailures   int
	Timeout       time.Duration
	HalfOpenMax   int
	OnStateChange func(from, to State)
}

// DefaultConfig returns the defaults used when a provider client doesn't
// tune its own breaker.
func DefaultConfig() Config {
	return Config{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		HalfOpenMax: 3,
	}
}

// CircuitBreaker wraps gobreaker.CircuitBreaker with an Execute(ctx, fn)
// signature so call sites don't depend on gobreaker's generic API directly.
type CircuitBreaker struct {
	gb *gobreaker.CircuitBreaker[any]
}

// New creates a CircuitBreaker backed by sony/gobreaker.
func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}

	maxFailures := uint32(cfg.MaxFailures)
	halfOpenMax := uint32(cfg.HalfOpenMax)

	settings := gobreaker.Settings{
		MaxRequests: halfOpenMax,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	}

	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			cfg.OnStateChange(State(from), State(to))
		}
	}

	return &CircuitBreaker{gb: gobreaker.NewCircuitBreaker[any](settings)}
}

// State returns the current circuit breaker state.
func (cb *CircuitBreaker) State() State {
	return State(cb.gb.State())
}

// Execute runs fn with circuit breaker protection. ctx is accepted for
// symmetry with Retry; gobreaker itself does not use it, so callers enforce
// deadlines on fn via context themselves.
func (cb *CircuitBreaker) Execute(_ context.Context, fn func() error) error {
	_, err := cb.gb.Execute(func() (any, error) {
		return nil, fn()
	})
	if err != nil {
		return mapGobreakerError(err)
	}
	return nil
}

func mapGobreakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) {
		return ErrCircuitOpen
	}
	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrTooManyRequests
	}
	return err
}

// RetryConfig configures Retry.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

// DefaultRetryConfig returns the defaults used for upstream calls whose
// error kind is retryable (apperrors.Kind.Retryable).
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// Permanent wraps err so Retry stops immediately instead of retrying —
// used for auth failures (401/403) and other errors that must not be
// retried.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Retry executes fn with exponential backoff, stopping early if ctx is
// canceled or fn returns a non-retryable error wrapped with backoff.Permanent.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	if cfg.InitialDelay > 0 {
		bo.InitialInterval = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		bo.MaxInterval = cfg.MaxDelay
	}
	if cfg.Multiplier > 0 {
		bo.Multiplier = cfg.Multiplier
	}
	if cfg.Jitter > 0 {
		bo.RandomizationFactor = cfg.Jitter
	} else {
		bo.RandomizationFactor = 0
	}
	bo.MaxElapsedTime = 0

	maxRetries := uint64(cfg.MaxAttempts - 1)
	withMax := backoff.WithMaxRetries(bo, maxRetries)
	withCtx := backoff.WithContext(withMax, ctx)

	return backoff.Retry(func() error {
		return fn()
	}, withCtx)
}

// ServiceCircuitBreakerConfig configures a named provider's breaker plus the
// logger it reports state transitions to.
type ServiceCircuitBreakerConfig struct {
	MaxFailures    int
	TimeoutSeconds int
	HalfOpenMax    int
	Provider       string
	Logger         *logger.Logger
}

// DefaultProviderCBConfig is suitable for most outbound provider clients
// (security scan, market data, social backends).
func DefaultProviderCBConfig(provider string, log *logger.Logger) Config {
	return ProviderCBConfig(ServiceCircuitBreakerConfig{
		MaxFailures:    5,
		TimeoutSeconds: 30,
		HalfOpenMax:    3,
		Provider:       provider,
		Logger:         log,
	})
}

// StrictProviderCBConfig is for the on-chain RPC client, which should fail
// fast rather than hold a lock through a slow upstream.
func StrictProviderCBConfig(provider string, log *logger.Logger) Config {
	return ProviderCBConfig(ServiceCircuitBreakerConfig{
		MaxFailures:    3,
		TimeoutSeconds: 60,
		HalfOpenMax:    1,
		Provider:       provider,
		Logger:         log,
	})
}

// LenientProviderCBConfig is for the messaging client, which tolerates more
// transient failures before giving up a dispatch batch.
func LenientProviderCBConfig(provider string, log *logger.Logger) Config {
	return ProviderCBConfig(ServiceCircuitBreakerConfig{
		MaxFailures:    10,
		TimeoutSeconds: 15,
		HalfOpenMax:    5,
		Provider:       provider,
		Logger:         log,
	})
}

// ProviderCBConfig builds a Config from ServiceCircuitBreakerConfig, wiring
// state transitions into structured logs when a logger is supplied.
func ProviderCBConfig(cfg ServiceCircuitBreakerConfig) Config {
	cbConfig := Config{
		MaxFailures: cfg.MaxFailures,
		Timeout:     SecondsToDuration(cfg.TimeoutSeconds),
		HalfOpenMax: cfg.HalfOpenMax,
	}

	if cbConfig.MaxFailures <= 0 {
		cbConfig.MaxFailures = 5
	}
	if cbConfig.Timeout <= 0 {
		cbConfig.Timeout = 30 * time.Second
	}
	if cbConfig.HalfOpenMax <= 0 {
		cbConfig.HalfOpenMax = 3
	}

	if cfg.Logger != nil {
		provider := cfg.Provider
		cbConfig.OnStateChange = func(from, to State) {
			cfg.Logger.WithContext(context.Background()).WithField("provider", provider).WithFields(map[string]interface{}{
				"from_state": from.String(),
				"to_state":   to.String(),
			}).Warn("circuit breaker state changed")
		}
	}

	return cbConfig
}

// SecondsToDuration converts seconds to time.Duration.
func SecondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
