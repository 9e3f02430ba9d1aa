package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/ezhong0/aiassistant-sub012/core"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool

	// Retryable decides whether an error is worth another attempt.
	// Defaults to core.IsRetryable.
	Retryable func(error) bool
}

// DefaultRetryConfig provides sensible defaults
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// Retry executes a function with jittered exponential backoff. Non-retryable
// errors return immediately. A rate-limited error's RetryAfter hint, when
// present, overrides the computed backoff delay.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	retryable := config.Retryable
	if retryable == nil {
		retryable = core.IsRetryable
	}

	var lastErr error
	delay := config.InitialDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) {
			return err
		}
		if attempt == config.MaxAttempts {
			break
		}

		wait := delay
		if apiErr, ok := core.AsAPIError(err); ok && apiErr.RetryAfter > 0 {
			wait = apiErr.RetryAfter
		} else if config.JitterEnabled {
			// Full jitter keeps coalesced clients from retrying in lockstep
			wait = time.Duration(rand.Int63n(int64(delay)) + int64(delay)/2)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * config.BackoffFactor)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", core.ErrMaxRetriesExceeded, config.MaxAttempts, lastErr)
}

// RetryWithCircuitBreaker combines retry logic with a circuit breaker.
// While the circuit is open the call fails fast with core.ErrCircuitOpen.
func RetryWithCircuitBreaker(ctx context.Context, config *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, config, func() error {
		if !cb.Allow() {
			return fmt.Errorf("%w: %s (retry after %s)", core.ErrCircuitOpen, cb.config.Name, cb.RetryAfter())
		}

		err := fn()
		if err != nil {
			if cb.CountsAsFailure(err) {
				cb.RecordFailure()
			} else {
				cb.RecordSuccess()
			}
			return err
		}

		cb.RecordSuccess()
		return nil
	})
}
