// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrGenerationExhausted means an item found no acceptable candidate
	// within MaxAttempts drafts. It is recorded and the run continues.
	ErrGenerationExhausted = errors.New("generation attempts exhausted")

	// ErrCheckpoint means a checkpoint could not be saved or restored.
	// It is fatal.
	ErrCheckpoint = errors.New("checkpoint failed")

	// ErrInvalidParams means the run parameters failed validation.
	ErrInvalidParams = errors.New("invalid run parameters")
)

// ItemError ties an error to an item.
type ItemError struct {
	Item int
	Err  error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %d: %v", e.Item, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}
