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
	"time"

	"github.com/AleutianAI/traitforge/services/generator/collection"
	"github.com/AleutianAI/traitforge/services/generator/imaging"
	"github.com/AleutianAI/traitforge/services/generator/resilience"
	"github.com/AleutianAI/traitforge/services/generator/uniqueness"
)

// Item is a committed item.
type Item struct {
	// Index is the 1-based item id.
	Index     int
	Candidate collection.Candidate
	Key       uniqueness.Key

	// Rendered is nil in dry runs.
	Rendered *imaging.Rendered

	// Ext is the image extension written, empty in dry runs.
	Ext string
}

// ExhaustedItem is an item that got no acceptable candidate.
type ExhaustedItem struct {
	Item       int    `json:"item"`
	Attempts   int    `json:"attempts"`
	LastReason string `json:"last_reason"`
}

// Report summarizes a run.
type Report struct {
	RunID       string `json:"run_id"`
	Seed        uint64 `json:"seed"`
	Resumed     bool   `json:"resumed"`
	DryRun      bool   `json:"dry_run"`
	Interrupted bool   `json:"interrupted"`

	// Requested is Params.Count.
	Requested int `json:"requested"`

	// Committed counts items produced by this run.
	Committed int `json:"committed"`

	// Skipped counts items that already existed and were adopted.
	Skipped int `json:"skipped"`

	// Exhausted lists items that got no acceptable candidate.
	Exhausted []ExhaustedItem `json:"exhausted,omitempty"`

	// Drafts counts candidate drafts. Draws counts full trait draws,
	// including ones discarded by rules.
	Drafts int64 `json:"drafts"`
	Draws  int64 `json:"draws"`

	ExactDuplicates      int64 `json:"exact_duplicates"`
	SimilarityViolations int64 `json:"similarity_violations"`
	PriorityCollisions   int64 `json:"priority_collisions"`
	RuleRejections       int64 `json:"rule_rejections"`
	RuleExhaustions      int64 `json:"rule_exhaustions"`
	AnimationMismatches  int64 `json:"animation_mismatches"`
	SizeMismatches       int64 `json:"size_mismatches"`
	RenderFailures       int64 `json:"render_failures"`
	WriteFailures        int64 `json:"write_failures"`
	CircuitOpenFastFails int64 `json:"circuit_open_fast_fails"`
	Requeues             int64 `json:"requeues"`
	AdoptConflicts       int64 `json:"adopt_conflicts"`

	// RegistryErrors counts reserve and release calls that failed for a
	// reason other than the uniqueness policy, such as a Redis outage.
	RegistryErrors int64 `json:"registry_errors"`

	// StaleCheckpointItems counts checkpointed items whose record was
	// missing or changed on resume and that were generated again.
	StaleCheckpointItems int64 `json:"stale_checkpoint_items"`

	Checkpoints int `json:"checkpoints"`

	// Cache sums every worker's cache.
	Cache imaging.CacheStats `json:"cache"`

	// IO is the resilience layer around layer reads and output writes.
	IO resilience.GuardStats `json:"io"`

	// Distribution counts options over every item in the collection.
	Distribution map[string]map[string]int `json:"trait_distribution"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
}

// Total returns the number of items the collection now holds.
func (r *Report) Total() int {
	return r.Committed + r.Skipped
}
