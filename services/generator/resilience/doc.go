// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resilience wraps fallible generation I/O with retry and a circuit breaker.
//
// # Overview
//
// Every trait read, image decode, output write and checkpoint write goes
// through a Guard. The Guard consults a shared CircuitBreaker before each
// attempt and retries transient failures with exponential backoff.
//
// # Components
//
//   - CircuitBreaker: CLOSED / OPEN / HALF_OPEN state machine over consecutive failures
//   - Retry: bounded exponential backoff, context aware
//   - Guard: decorator applying both uniformly to any operation
//
// # Example
//
//	guard := resilience.NewGuard(resilience.GuardConfig{
//	    Retry:   resilience.DefaultRetryConfig(),
//	    Breaker: resilience.DefaultCircuitBreakerConfig(),
//	})
//	data, err := resilience.Call(ctx, guard, "read trait", func(ctx context.Context) ([]byte, error) {
//	    return fs.ReadFile(ctx, path)
//	})
//
// # Thread Safety
//
// All types in this package are safe for concurrent use.
package resilience
