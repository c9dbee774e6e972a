// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package imaging

import (
	"context"
	"fmt"

	"github.com/AleutianAI/traitforge/services/generator/collection"
	"github.com/AleutianAI/traitforge/services/generator/resilience"
	"github.com/AleutianAI/traitforge/services/generator/storage"
)

// Loader reads and decodes trait layers.
//
// # Description
//
// The read and the decode run together as one unit under the Guard, so a
// truncated read that fails to decode is retried like a failed read.
// Declared timing on the option (frame_duration_ms, loop) overrides what
// the file says when set.
//
// # Thread Safety
//
// Safe for concurrent use. Workers share one Loader and one Guard, so a
// failing store trips one breaker for the whole run.
type Loader struct {
	cat   *collection.Catalog
	fsys  storage.FileSystem
	guard *resilience.Guard
}

// NewLoader creates a loader reading layer files from fsys.
//
// # Inputs
//
//   - cat: Catalog with files resolved (see Catalog.ResolveFiles).
//   - fsys: Trait directory.
//   - guard: Retry and breaker policy. nil runs each load once, unguarded.
func NewLoader(cat *collection.Catalog, fsys storage.FileSystem, guard *resilience.Guard) *Loader {
	return &Loader{cat: cat, fsys: fsys, guard: guard}
}

// Load returns the decoded layer for key.
//
// # Outputs
//
//   - *Layer: The decoded layer, canvas-sized.
//   - error: resilience.ErrCircuitOpen on fast fail, a permanent
//     ErrSizeMismatch for wrongly sized layers, or the last read or decode
//     error.
func (l *Loader) Load(ctx context.Context, key LayerKey) (*Layer, error) {
	tt, ok := l.cat.Type(key.Type)
	if !ok {
		return nil, resilience.Permanent(fmt.Errorf("%w: unknown trait type %q", collection.ErrConfiguration, key.Type))
	}
	opt, ok := tt.Option(key.Option)
	if !ok {
		return nil, resilience.Permanent(fmt.Errorf("%w: unknown option %q of %q", collection.ErrConfiguration, key.Option, key.Type))
	}
	file := opt.File
	if file == "" {
		file = collection.DefaultFile(key.Type, key.Option, ".png")
	}

	read := func(ctx context.Context) (*Layer, error) {
		data, err := l.fsys.ReadFile(ctx, file)
		if err != nil {
			return nil, fmt.Errorf("read layer %s: %w", file, err)
		}
		layer, err := Decode(data)
		if err != nil {
			return nil, fmt.Errorf("decode layer %s: %w", file, err)
		}
		return layer, nil
	}

	var layer *Layer
	var err error
	if l.guard != nil {
		layer, err = resilience.Call(ctx, l.guard, "load layer "+key.String(), read)
	} else {
		layer, err = read(ctx)
	}
	if err != nil {
		return nil, err
	}

	if err := checkSize(key, layer, l.cat.Width, l.cat.Height); err != nil {
		return nil, err
	}
	if layer.Animated() {
		if opt.FrameDurationMS > 0 {
			layer.FrameDurationMS = opt.FrameDurationMS
		}
		if opt.LoopCount > 0 {
			layer.LoopCount = opt.LoopCount
		}
	}
	return layer, nil
}

func checkSize(key LayerKey, layer *Layer, width, height int) error {
	b := layer.Bounds()
	if b.Dx() != width || b.Dy() != height {
		return resilience.Permanent(fmt.Errorf("%w: %s is %dx%d, canvas is %dx%d",
			ErrSizeMismatch, key, b.Dx(), b.Dy(), width, height))
	}
	return nil
}
