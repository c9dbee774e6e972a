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
	"fmt"
	"io/fs"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDisk = errors.New("disk unavailable")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
	}
}

// =============================================================================
// CircuitBreaker
// =============================================================================

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "CLOSED", CircuitClosed.String())
	assert.Equal(t, "OPEN", CircuitOpen.String())
	assert.Equal(t, "HALF_OPEN", CircuitHalfOpen.String())
	assert.Equal(t, "UNKNOWN(9)", CircuitState(9).String())
}

func TestCircuitBreaker_TripsAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, OpenTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		require.True(t, cb.Allow())
		cb.RecordFailure()
		assert.Equal(t, CircuitClosed, cb.State())
	}

	require.True(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.Equal(t, int64(1), cb.Trips())

	err := cb.Execute(func() error {
		t.Fatal("operation must not run while open")
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3})

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	assert.Equal(t, 0, cb.Failures())

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State(), "only consecutive failures count")
}

func TestCircuitBreaker_HalfOpenSingleProbe(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		OpenTimeout:      30 * time.Second,
		Now:              clock.Now,
	})

	cb.RecordFailure()
	require.Equal(t, CircuitOpen, cb.State())

	clock.Advance(29 * time.Second)
	assert.False(t, cb.Allow(), "cooldown has not elapsed")

	clock.Advance(time.Second)
	assert.True(t, cb.Allow(), "first caller after cooldown is the probe")
	assert.Equal(t, CircuitHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "second caller must fail fast while probing")

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		OpenTimeout:      10 * time.Second,
		Now:              clock.Now,
	})

	cb.RecordFailure()
	cb.RecordFailure()
	clock.Advance(10 * time.Second)
	require.True(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.Equal(t, int64(2), cb.Trips())

	clock.Advance(5 * time.Second)
	assert.False(t, cb.Allow(), "cooldown restarts after a failed probe")
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1})
	cb.RecordFailure()
	require.Equal(t, CircuitOpen, cb.State())

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 0, cb.Failures())
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	changes := make(chan [2]CircuitState, 4)
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		OnStateChange: func(from, to CircuitState) {
			changes <- [2]CircuitState{from, to}
		},
	})

	cb.RecordFailure()

	select {
	case c := <-changes:
		assert.Equal(t, [2]CircuitState{CircuitClosed, CircuitOpen}, c)
	case <-time.After(time.Second):
		t.Fatal("state change callback not invoked")
	}
}

// =============================================================================
// Retry
// =============================================================================

func TestRetryConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultRetryConfig().Validate())
	assert.ErrorIs(t, RetryConfig{MaxAttempts: 0}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, RetryConfig{MaxAttempts: 1, InitialBackoff: time.Second, MaxBackoff: time.Millisecond}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, RetryConfig{MaxAttempts: 1, JitterFactor: 2}.Validate(), ErrInvalidConfig)
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	result, err := Retry(context.Background(), fastRetry(5), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errDisk
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, result.Attempts)
	assert.Nil(t, result.LastError)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	result, err := Retry(context.Background(), fastRetry(3), func(ctx context.Context, attempt int) error {
		return errDisk
	})

	assert.ErrorIs(t, err, errDisk)
	assert.Equal(t, 3, result.Attempts)
}

func TestRetry_PermanentErrorStopsImmediately(t *testing.T) {
	errSize := errors.New("layer size mismatch")
	calls := 0
	_, err := Retry(context.Background(), fastRetry(5), func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(errSize)
	})

	assert.ErrorIs(t, err, errSize)
	assert.Equal(t, 1, calls)
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour}

	_, err := Retry(ctx, cfg, func(ctx context.Context, attempt int) error {
		cancel()
		return errDisk
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", errDisk, true},
		{"wrapped transient", fmt.Errorf("write: %w", errDisk), true},
		{"permanent", Permanent(errDisk), false},
		{"canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("read: %w", context.DeadlineExceeded), false},
		{"circuit open", ErrCircuitOpen, false},
		{"not exist", fmt.Errorf("open: %w", fs.ErrNotExist), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestNextBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, nextBackoff(time.Second, 30*time.Second))
	assert.Equal(t, 30*time.Second, nextBackoff(20*time.Second, 30*time.Second))
}

func TestJitter_Bounds(t *testing.T) {
	base := 100 * time.Millisecond
	assert.Equal(t, base, jitter(base, 0))
	for i := 0; i < 100; i++ {
		d := jitter(base, 0.5)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

// =============================================================================
// Guard
// =============================================================================

// Threshold 3: fail, fail, succeed, fail, fail must stay closed; a third
// consecutive failure opens it and the next call fails fast.
func TestGuard_ConsecutiveFailureScenario(t *testing.T) {
	guard := NewGuard(GuardConfig{
		Retry:   fastRetry(1),
		Breaker: CircuitBreakerConfig{FailureThreshold: 3, OpenTimeout: time.Minute},
	})
	ctx := context.Background()

	outcomes := []error{errDisk, errDisk, nil, errDisk, errDisk}
	for i, want := range outcomes {
		err := guard.Do(ctx, "write", func(ctx context.Context) error { return want })
		if want == nil {
			require.NoError(t, err, "call %d", i)
		} else {
			require.ErrorIs(t, err, errDisk, "call %d", i)
		}
		assert.Equal(t, CircuitClosed, guard.Breaker().State(), "call %d", i)
	}

	err := guard.Do(ctx, "write", func(ctx context.Context) error { return errDisk })
	require.ErrorIs(t, err, errDisk)
	assert.Equal(t, CircuitOpen, guard.Breaker().State())

	ran := false
	err = guard.Do(ctx, "write", func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, ran)

	stats := guard.Stats()
	assert.Equal(t, int64(7), stats.Operations)
	assert.Equal(t, int64(1), stats.FastFails)
	assert.Equal(t, int64(1), stats.BreakerTrips)
	assert.Equal(t, "OPEN", stats.BreakerState)
}

func TestGuard_SixConsecutiveFailuresThresholdFive(t *testing.T) {
	guard := NewGuard(GuardConfig{
		Retry:   fastRetry(1),
		Breaker: CircuitBreakerConfig{FailureThreshold: 5, OpenTimeout: time.Minute},
	})
	ctx := context.Background()

	invocations := 0
	failing := func(ctx context.Context) error {
		invocations++
		return errDisk
	}

	for i := 1; i <= 5; i++ {
		err := guard.Do(ctx, "read", failing)
		require.ErrorIs(t, err, errDisk)
	}
	assert.Equal(t, CircuitOpen, guard.Breaker().State())
	assert.Equal(t, 5, invocations)

	err := guard.Do(ctx, "read", failing)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 5, invocations, "sixth call must not reach the wrapped operation")
}

func TestGuard_RetryCounters(t *testing.T) {
	guard := NewGuard(GuardConfig{
		Retry:   fastRetry(3),
		Breaker: CircuitBreakerConfig{FailureThreshold: 100},
	})
	ctx := context.Background()

	attempts := 0
	err := guard.Do(ctx, "read", func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return errDisk
		}
		return nil
	})
	require.NoError(t, err)

	err = guard.Do(ctx, "read", func(ctx context.Context) error { return errDisk })
	require.ErrorIs(t, err, errDisk)

	stats := guard.Stats()
	assert.Equal(t, int64(2), stats.Operations)
	assert.Equal(t, int64(3), stats.Retries)
	assert.Equal(t, int64(1), stats.RetrySuccesses)
	assert.Equal(t, int64(1), stats.RetryFailures)
}

func TestCall_ReturnsValue(t *testing.T) {
	guard := NewGuard(GuardConfig{Retry: fastRetry(2)})

	v, err := Call(context.Background(), guard, "decode", func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	v, err = Call(context.Background(), guard, "decode", func(ctx context.Context) (int, error) {
		return 7, Permanent(errDisk)
	})
	assert.ErrorIs(t, err, errDisk)
	assert.Zero(t, v)
}

func TestGuard_ConcurrentUse(t *testing.T) {
	guard := NewGuard(GuardConfig{Retry: fastRetry(1), Breaker: CircuitBreakerConfig{FailureThreshold: 1000}})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = guard.Do(context.Background(), "op", func(ctx context.Context) error { return nil })
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), guard.Stats().Operations)
}
