// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
)

// =============================================================================
// Guard
// =============================================================================

// GuardConfig configures a Guard.
type GuardConfig struct {
	// Retry controls attempts and backoff per operation.
	Retry RetryConfig

	// Breaker configures the shared circuit breaker.
	Breaker CircuitBreakerConfig

	// Logger receives retry and breaker events. Default: slog.Default()
	Logger *slog.Logger
}

// GuardStats is a point-in-time view of a Guard's counters.
type GuardStats struct {
	// Operations is the number of Do calls.
	Operations int64 `json:"operations"`

	// Retries is the number of extra attempts beyond the first.
	Retries int64 `json:"retries"`

	// RetrySuccesses counts operations that succeeded after at least one retry.
	RetrySuccesses int64 `json:"retry_successes"`

	// RetryFailures counts operations that failed after at least one retry.
	RetryFailures int64 `json:"retry_failures"`

	// FastFails counts operations rejected by the open circuit.
	FastFails int64 `json:"fast_fails"`

	// BreakerState is the breaker state when the stats were taken.
	BreakerState string `json:"breaker_state"`

	// BreakerFailures is the consecutive failure count.
	BreakerFailures int `json:"breaker_failures"`

	// BreakerTrips is how often the breaker opened.
	BreakerTrips int64 `json:"breaker_trips"`
}

// Guard applies retry with backoff and a circuit breaker to any fallible
// operation.
//
// # Description
//
// One Guard is shared by all workers of a run so that sustained storage
// failure trips a single breaker for the whole run.
//
// # Thread Safety
//
// Guard is safe for concurrent use.
type Guard struct {
	retry   RetryConfig
	breaker *CircuitBreaker
	logger  *slog.Logger

	operations     atomic.Int64
	retries        atomic.Int64
	retrySuccesses atomic.Int64
	retryFailures  atomic.Int64
	fastFails      atomic.Int64
}

// NewGuard creates a Guard with its own circuit breaker.
func NewGuard(cfg GuardConfig) *Guard {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = DefaultRetryConfig()
	}
	breakerCfg := cfg.Breaker
	if breakerCfg.OnStateChange == nil {
		breakerCfg.OnStateChange = func(from, to CircuitState) {
			logger.Warn("circuit breaker state change",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		}
	}
	return &Guard{
		retry:   cfg.Retry,
		breaker: NewCircuitBreaker(breakerCfg),
		logger:  logger,
	}
}

// Breaker returns the Guard's circuit breaker.
func (g *Guard) Breaker() *CircuitBreaker {
	return g.breaker
}

// Do runs fn under the breaker with retries.
//
// # Inputs
//
//   - ctx: Cancels waits between attempts.
//   - op: Short operation name for logs ("read layer", "write image").
//   - fn: The unit of work. Called once per attempt.
//
// # Outputs
//
//   - error: nil on success, ErrCircuitOpen on fast fail, or the last error from fn.
func (g *Guard) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	g.operations.Add(1)

	result, err := RetryWithCircuitBreaker(ctx, g.breaker, g.retry, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			g.retries.Add(1)
		}
		err := fn(ctx)
		if err != nil && attempt < g.retry.MaxAttempts && IsRetryable(err) {
			g.logger.Debug("retrying operation",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
		}
		return err
	})

	switch {
	case err == nil:
		if result.Attempts > 1 {
			g.retrySuccesses.Add(1)
		}
	case errors.Is(err, ErrCircuitOpen):
		g.fastFails.Add(1)
		if result.Attempts > 1 {
			g.retryFailures.Add(1)
		}
	default:
		if result.Attempts > 1 {
			g.retryFailures.Add(1)
		}
		g.logger.Warn("operation failed",
			slog.String("op", op),
			slog.Int("attempts", result.Attempts),
			slog.String("error", err.Error()))
	}
	return err
}

// Call is the value-returning form of Guard.Do.
func Call[T any](ctx context.Context, g *Guard, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := g.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Stats returns the current counters.
func (g *Guard) Stats() GuardStats {
	return GuardStats{
		Operations:      g.operations.Load(),
		Retries:         g.retries.Load(),
		RetrySuccesses:  g.retrySuccesses.Load(),
		RetryFailures:   g.retryFailures.Load(),
		FastFails:       g.fastFails.Load(),
		BreakerState:    g.breaker.State().String(),
		BreakerFailures: g.breaker.Failures(),
		BreakerTrips:    g.breaker.Trips(),
	}
}
