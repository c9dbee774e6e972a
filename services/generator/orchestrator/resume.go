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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"

	"github.com/AleutianAI/traitforge/services/generator/collection"
	"github.com/AleutianAI/traitforge/services/generator/metadata"
	"github.com/AleutianAI/traitforge/services/generator/rng"
	"github.com/AleutianAI/traitforge/services/generator/telemetry"
	"github.com/AleutianAI/traitforge/services/generator/uniqueness"
)

// prepare seeds the random source and, when resuming, restores the last
// checkpoint and adopts items already on disk.
//
// # Description
//
// The checkpoint carries the random source, so a resumed run continues
// the draw sequence instead of repeating it. Records written after the
// checkpoint are adopted on top of it. A record whose traits no longer
// resolve against the catalog, or that duplicates another item, is not
// adopted; its item is generated again.
//
// # Outputs
//
//   - map[int]bool: Items that already exist and are skipped.
//   - error: ErrCheckpoint wrapping a load or restore failure.
func (r *run) prepare(ctx context.Context, logger *slog.Logger) (map[int]bool, error) {
	e := r.e
	existing := make(map[int]bool)
	if !e.params.Resume {
		r.rand = rng.New(e.params.Seed)
		return existing, nil
	}
	r.report.Resumed = true

	snap, err := e.store.Load(ctx)
	switch {
	case errors.Is(err, uniqueness.ErrNoSnapshot):
		logger.Info("no checkpoint found, starting from seed", slog.Uint64("seed", e.params.Seed))
		r.rand = rng.New(e.params.Seed)
	case err != nil:
		return nil, fmt.Errorf("%w: load: %w", ErrCheckpoint, err)
	default:
		if err := e.registry.Restore(snap); err != nil {
			return nil, fmt.Errorf("%w: restore: %w", ErrCheckpoint, err)
		}
		r.rand = rng.New(snap.Seed)
		if err := r.rand.Restore(snap.RNGState); err != nil {
			return nil, fmt.Errorf("%w: restore random source: %w", ErrCheckpoint, err)
		}
		if snap.Seed != e.params.Seed {
			logger.Warn("checkpoint seed differs from requested seed, continuing with checkpoint",
				slog.Uint64("checkpoint_seed", snap.Seed),
				slog.Uint64("requested_seed", e.params.Seed))
		}
		r.report.Seed = snap.Seed
		logger.Info("checkpoint restored",
			slog.String("checkpoint_run_id", snap.RunID),
			slog.Int("items", len(snap.Similarity.Entries)),
			slog.Int("next_id", snap.NextID),
			slog.Time("saved_at", snap.SavedAt))
	}

	stored, err := metadata.ReadAll(ctx, e.output)
	if err != nil {
		return nil, fmt.Errorf("scan existing outputs: %w", err)
	}
	type onDisk struct {
		item int
		cand collection.Candidate
		ext  string
	}
	var found []onDisk
	values := make(map[int][]string, len(stored))
	for _, s := range stored {
		cand, err := e.cat.Resolve(s.Record.Values())
		if err != nil {
			r.report.AdoptConflicts++
			logger.Warn("existing item does not match the collection, regenerating",
				slog.Int("item", s.Item),
				slog.String("error", err.Error()))
			continue
		}
		found = append(found, onDisk{item: s.Item, cand: cand, ext: path.Ext(s.Record.Image)})
		values[s.Item] = cand.Values()
	}

	if snap != nil {
		if err := r.dropStale(ctx, snap, values, logger); err != nil {
			return nil, err
		}
	}

	for _, f := range found {
		if err := e.registry.Adopt(ctx, f.item, f.cand); err != nil {
			if !errors.Is(err, uniqueness.ErrExactDuplicate) {
				return nil, &ItemError{Item: f.item, Err: fmt.Errorf("adopt: %w", err)}
			}
			r.report.AdoptConflicts++
			logger.Warn("existing item duplicates another, regenerating",
				slog.Int("item", f.item),
				slog.String("error", err.Error()))
			continue
		}
		if f.ext != "" {
			r.exts[f.item] = f.ext
		}
		if f.item <= e.params.Count {
			existing[f.item] = true
			r.report.Skipped++
			e.metrics.RecordItem(ctx, telemetry.OutcomeSkipped)
		}
	}
	return existing, nil
}

// dropStale forgets checkpointed items whose record is gone or no longer
// holds the checkpointed traits, so regenerating them neither collides
// with the old entry nor lists the item twice.
func (r *run) dropStale(ctx context.Context, snap *uniqueness.Snapshot, onDisk map[int][]string, logger *slog.Logger) error {
	for _, en := range snap.Similarity.Entries {
		if vals, ok := onDisk[en.Item]; ok && slices.Equal(vals, en.Values) {
			continue
		}
		_, err := r.e.registry.Forget(ctx, en.Item)
		switch {
		case errors.Is(err, uniqueness.ErrSharedSet):
			logger.Warn("stale shared claim left behind", slog.Int("item", en.Item), slog.String("error", err.Error()))
		case err != nil:
			return fmt.Errorf("%w: forget item %d: %w", ErrCheckpoint, en.Item, err)
		}
		r.report.StaleCheckpointItems++
		logger.Warn("checkpointed item missing on disk, regenerating", slog.Int("item", en.Item))
	}
	return nil
}
