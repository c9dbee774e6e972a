// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package uniqueness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SnapshotVersion is the current snapshot format version.
const SnapshotVersion = 1

// ErrNoSnapshot is returned by CheckpointStore.Load when nothing was saved.
var ErrNoSnapshot = errors.New("no checkpoint snapshot")

// ErrSnapshotMismatch is returned by Restore when a snapshot was taken for a
// different trait configuration.
var ErrSnapshotMismatch = errors.New("snapshot does not match configuration")

// Entry is one committed assignment in the similarity index.
type Entry struct {
	// Item is the 1-based item id.
	Item int `json:"item"`

	// Values are the option names in trait order.
	Values []string `json:"values"`
}

// SimilarityIndex is the persisted form of the similarity index.
type SimilarityIndex struct {
	// TraitOrder names the columns of every Entry.
	TraitOrder []string `json:"trait_order"`

	// Entries are the committed assignments, sorted by item.
	Entries []Entry `json:"entries"`

	// Counts is how often each option was committed, per trait type.
	Counts map[string]map[string]int `json:"counts"`
}

// Snapshot is the durable generation state: seen-set, similarity index,
// id counter and random source state.
type Snapshot struct {
	Version int    `json:"version"`
	RunID   string `json:"run_id"`
	Seed    uint64 `json:"seed"`

	// Seen holds the keys of every committed item, sorted.
	Seen []Key `json:"seen"`

	// Similarity is the similarity index over committed items.
	Similarity SimilarityIndex `json:"similarity"`

	// NextID is the next item id to draft.
	NextID int `json:"next_id"`

	// RNGState is the serialized random source.
	RNGState []byte `json:"rng_state"`

	SavedAt time.Time `json:"saved_at"`
}

// Encode serializes the snapshot as indented JSON.
func (s *Snapshot) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses a snapshot produced by Encode.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.Version != SnapshotVersion {
		return nil, fmt.Errorf("%w: unsupported snapshot version %d", ErrSnapshotMismatch, s.Version)
	}
	return &s, nil
}

// CheckpointStore persists snapshots.
//
// Save must be atomic: a failed or interrupted Save leaves the previously
// saved snapshot loadable.
type CheckpointStore interface {
	Save(ctx context.Context, s *Snapshot) error
	Load(ctx context.Context) (*Snapshot, error)
}
