// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rng provides the seeded random source used for trait draws.
//
// The source state can be captured and restored so that a resumed run
// continues the exact sequence of draws it was interrupted in.
package rng

import (
	"errors"
	"fmt"
	"math/rand/v2"
)

// streamSalt separates the second PCG word from the seed.
const streamSalt = 0x9E3779B97F4A7C15

// ErrInvalidState is returned when a saved state cannot be restored.
var ErrInvalidState = errors.New("invalid rng state")

// Rand is the subset of *rand.Rand that selection needs.
type Rand interface {
	IntN(n int) int
}

// Source is a deterministic, serializable random source.
//
// # Thread Safety
//
// Not safe for concurrent use. The generation engine owns exactly one
// Source and only its coordinator goroutine draws from it.
type Source struct {
	pcg  *rand.PCG
	rand *rand.Rand
	seed uint64
}

// New creates a Source seeded with seed.
func New(seed uint64) *Source {
	pcg := rand.NewPCG(seed, seed^streamSalt)
	return &Source{
		pcg:  pcg,
		rand: rand.New(pcg),
		seed: seed,
	}
}

// Seed returns the seed the source was created with.
func (s *Source) Seed() uint64 {
	return s.seed
}

// IntN returns a uniform integer in [0, n). Panics if n <= 0.
func (s *Source) IntN(n int) int {
	return s.rand.IntN(n)
}

// Uint64 returns a uniform 64-bit value.
func (s *Source) Uint64() uint64 {
	return s.rand.Uint64()
}

// State returns the serialized generator state.
func (s *Source) State() ([]byte, error) {
	state, err := s.pcg.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal rng state: %w", err)
	}
	return state, nil
}

// Restore replaces the generator state with one produced by State.
func (s *Source) Restore(state []byte) error {
	if len(state) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidState)
	}
	if err := s.pcg.UnmarshalBinary(state); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return nil
}
