// Package resilience provides retry and circuit breaker primitives for
// calls that leave the process: model servers, agent endpoints, tools.
package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/aard-labs/aard/core"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool

	// RetryIf decides whether an error is worth another attempt. Nil
	// retries everything.
	RetryIf func(error) bool
}

// DefaultRetryConfig provides sensible defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// delayFor returns the backoff delay preceding the given attempt
// (attempt 2 waits InitialDelay, each later attempt multiplies by
// BackoffFactor, capped at MaxDelay). Jitter spreads synchronized
// clients by up to ±10%.
func (c *RetryConfig) delayFor(attempt int) time.Duration {
	d := float64(c.InitialDelay)
	for i := 2; i < attempt; i++ {
		d *= c.BackoffFactor
		if d >= float64(c.MaxDelay) {
			d = float64(c.MaxDelay)
			break
		}
	}
	if c.JitterEnabled {
		d += d * 0.1 * (2*rand.Float64() - 1)
	}
	return time.Duration(d)
}

// sleep waits the given delay or returns the context error, whichever
// comes first.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry executes fn with exponential backoff until it succeeds, the
// attempts are exhausted, or the context is cancelled. Non-retryable
// errors (per RetryIf) return immediately.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, config.delayFor(attempt)); err != nil {
				return err
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if config.RetryIf != nil && !config.RetryIf(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", core.ErrMaxRetriesExceeded, config.MaxAttempts, lastErr)
}

// RetryWithCircuitBreaker combines retry logic with circuit breaker
// protection. When the breaker is open the attempt fails fast without
// touching the downstream.
func RetryWithCircuitBreaker(ctx context.Context, config *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, config, func() error {
		if !cb.CanExecute() {
			return core.ErrCircuitBreakerOpen
		}
		if err := fn(); err != nil {
			cb.RecordFailure()
			return err
		}
		cb.RecordSuccess()
		return nil
	})
}
