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
	"io/fs"
)

// ErrCircuitOpen is returned when the circuit breaker rejects an operation
// without running it.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrInvalidConfig is returned by Validate for unusable retry settings.
var ErrInvalidConfig = errors.New("invalid resilience config")

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that Retry returns it immediately.
//
// # Description
//
// Use for failures that another attempt cannot fix, such as a layer whose
// pixel size does not match the canvas. errors.Is and errors.As still see
// the wrapped error. Permanent(nil) returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable reports whether err is a transient failure worth another attempt.
//
// Context cancellation, open circuits, missing files and errors wrapped
// with Permanent are not retryable. Everything else is.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *permanentError
	switch {
	case errors.As(err, &perm):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrCircuitOpen):
		return false
	case errors.Is(err, fs.ErrNotExist):
		return false
	}
	return true
}
