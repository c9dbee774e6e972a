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
	"math/rand/v2"
	"time"
)

// RetryConfig is an exponential backoff schedule.
type RetryConfig struct {
	// MaxAttempts counts the first try. Default: 3
	MaxAttempts int

	// InitialBackoff is the wait before the first retry. The n-th retry
	// waits InitialBackoff * 2^n, capped at MaxBackoff.
	// Default: 100ms
	InitialBackoff time.Duration

	// MaxBackoff caps a single wait. Default: 5s
	MaxBackoff time.Duration

	// JitterFactor spreads each wait by up to ±JitterFactor of itself,
	// in [0, 1]. Default: 0
	JitterFactor float64
}

// DefaultRetryConfig returns the schedule used for layer reads and
// output writes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// Validate reports ErrInvalidConfig for an unusable schedule.
func (c RetryConfig) Validate() error {
	switch {
	case c.MaxAttempts < 1,
		c.InitialBackoff < 0,
		c.MaxBackoff < c.InitialBackoff,
		c.JitterFactor < 0 || c.JitterFactor > 1:
		return ErrInvalidConfig
	}
	return nil
}

// RetryResult describes how a retried call went.
type RetryResult struct {
	// Attempts is how many times fn ran or was refused by the breaker.
	Attempts int

	// TotalDuration includes the backoff waits.
	TotalDuration time.Duration

	// LastError is nil on success.
	LastError error
}

// RetryableFunc is one attempt. attempt starts at 1. Errors wrapped with
// Permanent, and context errors, end the retry loop.
type RetryableFunc func(ctx context.Context, attempt int) error

// Retry runs fn until it succeeds, fails permanently, or the attempts in
// config are used up.
//
// # Outputs
//
//   - RetryResult: Attempt count, elapsed time and last error.
//   - error: nil on success, otherwise the last attempt's error or
//     ctx.Err() if the context ended first.
func Retry(ctx context.Context, config RetryConfig, fn RetryableFunc) (RetryResult, error) {
	return newRetrier(config, nil).run(ctx, fn)
}

// RetryWithCircuitBreaker is Retry with every attempt gated by cb.
//
// # Description
//
// Each attempt, the first included, must be admitted by cb and reports
// its outcome to cb. An attempt cb refuses ends the call with
// ErrCircuitOpen without running fn.
func RetryWithCircuitBreaker(
	ctx context.Context,
	cb *CircuitBreaker,
	config RetryConfig,
	fn RetryableFunc,
) (RetryResult, error) {
	return newRetrier(config, cb).run(ctx, fn)
}

type retrier struct {
	cfg   RetryConfig
	cb    *CircuitBreaker
	start time.Time
	res   RetryResult
}

func newRetrier(cfg RetryConfig, cb *CircuitBreaker) *retrier {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &retrier{cfg: cfg, cb: cb, start: time.Now()}
}

func (r *retrier) done(err error) (RetryResult, error) {
	r.res.LastError = err
	r.res.TotalDuration = time.Since(r.start)
	return r.res, err
}

func (r *retrier) run(ctx context.Context, fn RetryableFunc) (RetryResult, error) {
	wait := r.cfg.InitialBackoff
	var err error
	for r.res.Attempts < r.cfg.MaxAttempts {
		r.res.Attempts++
		if cerr := ctx.Err(); cerr != nil {
			return r.done(cerr)
		}
		if err = r.attempt(ctx, fn); err == nil || err == ErrCircuitOpen || !IsRetryable(err) {
			return r.done(err)
		}
		if r.res.Attempts == r.cfg.MaxAttempts {
			break
		}
		if cerr := sleep(ctx, jitter(wait, r.cfg.JitterFactor)); cerr != nil {
			return r.done(cerr)
		}
		wait = nextBackoff(wait, r.cfg.MaxBackoff)
	}
	return r.done(err)
}

func (r *retrier) attempt(ctx context.Context, fn RetryableFunc) error {
	if r.cb == nil {
		return fn(ctx, r.res.Attempts)
	}
	if !r.cb.Allow() {
		return ErrCircuitOpen
	}
	err := fn(ctx, r.res.Attempts)
	if err != nil {
		r.cb.RecordFailure()
	} else {
		r.cb.RecordSuccess()
	}
	return err
}

// sleep waits d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// jitter spreads d uniformly over [d*(1-f), d*(1+f)].
func jitter(d time.Duration, f float64) time.Duration {
	if f <= 0 || d <= 0 {
		return d
	}
	return time.Duration(float64(d) * (1 + (rand.Float64()*2-1)*f))
}

// nextBackoff doubles d, capped at max.
func nextBackoff(d, max time.Duration) time.Duration {
	next := d * 2
	if next > max || next < d {
		return max
	}
	return next
}
