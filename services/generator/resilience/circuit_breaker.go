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
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
//
// # States
//
//   - Closed: I/O proceeds normally, consecutive failures are counted
//   - Open: breaker tripped, operations fail fast until the cooldown elapses
//   - HalfOpen: cooldown elapsed, a single probe is let through
//
// # State Diagram
//
//	   ┌─────────────────────────────────────┐
//	   │                                     │
//	   ▼                                     │
//	CLOSED ──[failure threshold]──► OPEN ───┘
//	   ▲                              │  ▲
//	   │                              │  │ [probe failure]
//	   └───[probe success]◄── HALF_OPEN ◄┘
//	                    [cooldown]
type CircuitState int

const (
	// CircuitClosed is the normal operating state.
	CircuitClosed CircuitState = iota

	// CircuitOpen means the circuit has tripped and operations are rejected.
	CircuitOpen

	// CircuitHalfOpen means one probe is testing whether I/O recovered.
	CircuitHalfOpen
)

// String returns a human-readable state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// CircuitBreakerConfig configures circuit breaker behavior.
//
// # Example
//
//	config := CircuitBreakerConfig{
//	    FailureThreshold: 5,                // Open after 5 consecutive failures
//	    OpenTimeout:      10 * time.Second, // Cooldown before the probe
//	}
type CircuitBreakerConfig struct {
	// FailureThreshold is consecutive failures before opening the circuit.
	// Default: 5
	FailureThreshold int

	// OpenTimeout is how long to stay open before letting a probe through.
	// Default: 30 seconds
	OpenTimeout time.Duration

	// OnStateChange is called when state transitions.
	// Called asynchronously to avoid blocking.
	OnStateChange func(from, to CircuitState)

	// Now returns the current time. Default: time.Now. Tests inject a fake clock.
	Now func() time.Time
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// CircuitBreaker implements the circuit breaker pattern.
//
// # Description
//
// Stops issuing I/O after sustained consecutive failure. Only consecutive
// failures count: any success while closed zeroes the counter. After the
// cooldown, exactly one probe runs in the half-open state; concurrent
// callers keep failing fast until the probe reports back.
//
// # Thread Safety
//
// CircuitBreaker is safe for concurrent use.
//
// # Example
//
//	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())
//
//	err := cb.Execute(func() error {
//	    return writeOutput()
//	})
//	if errors.Is(err, ErrCircuitOpen) {
//	    // storage is known to be failing, give up on this item
//	}
type CircuitBreaker struct {
	config   CircuitBreakerConfig
	state    CircuitState
	failures int
	trips    int64
	probing  bool
	openedAt time.Time
	mu       sync.Mutex
}

// NewCircuitBreaker creates a new circuit breaker in the closed state.
//
// # Inputs
//
//   - config: Configuration for the circuit breaker. Zero values take defaults.
//
// # Outputs
//
//   - *CircuitBreaker: New circuit breaker in closed state
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 30 * time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &CircuitBreaker{
		config: config,
		state:  CircuitClosed,
	}
}

// Execute runs fn if the circuit allows it and records the outcome.
//
// # Outputs
//
//   - error: ErrCircuitOpen if the circuit rejected the call, or the error from fn
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}

	err := fn()
	if err != nil {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
	return err
}

// Allow reports whether an operation may run now.
//
// # Description
//
// In the open state Allow moves to half-open once the cooldown has elapsed
// and admits that caller as the probe. A caller that receives true must
// report back with RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true

	case CircuitOpen:
		if cb.config.Now().Sub(cb.openedAt) >= cb.config.OpenTimeout {
			cb.transitionTo(CircuitHalfOpen)
			cb.probing = true
			return true
		}
		return false

	case CircuitHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true

	default:
		return false
	}
}

// RecordFailure records a failed operation.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.trip()
		}
	case CircuitHalfOpen:
		// Failed probe: back to open, cooldown restarts
		cb.trip()
	}
}

// RecordSuccess records a successful operation.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.failures = 0
		cb.probing = false
		cb.transitionTo(CircuitClosed)
	}
}

// trip opens the circuit. Caller must hold the lock.
func (cb *CircuitBreaker) trip() {
	cb.openedAt = cb.config.Now()
	cb.probing = false
	cb.trips++
	cb.transitionTo(CircuitOpen)
}

func (cb *CircuitBreaker) transitionTo(state CircuitState) {
	if cb.state == state {
		return
	}

	old := cb.state
	cb.state = state

	if cb.config.OnStateChange != nil {
		// Call callback without holding lock to prevent deadlocks
		go cb.config.OnStateChange(old, state)
	}
}

// State returns the current circuit state.
//
// An open circuit whose cooldown has elapsed still reports OPEN until the
// next caller is admitted as the probe.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Trips returns how many times the circuit has opened.
func (cb *CircuitBreaker) Trips() int64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.trips
}

// Reset forces the circuit to closed state and clears the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.probing = false
	cb.transitionTo(CircuitClosed)
}
