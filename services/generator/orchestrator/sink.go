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
	"bytes"
	"context"
	"fmt"

	"github.com/AleutianAI/traitforge/services/generator/imaging"
	"github.com/AleutianAI/traitforge/services/generator/metadata"
	"github.com/AleutianAI/traitforge/services/generator/resilience"
	"github.com/AleutianAI/traitforge/services/generator/storage"
	"github.com/AleutianAI/traitforge/services/generator/uniqueness"
)

// Sink writes finished items to the output directory.
//
// # Description
//
// The image is written before the metadata record. A record on disk
// therefore always points at a complete image, and resume treats the
// record as the marker of a finished item.
//
// # Thread Safety
//
// Safe for concurrent use by workers writing different items.
type Sink struct {
	fsys    storage.FileSystem
	guard   *resilience.Guard
	builder *metadata.Builder
	format  imaging.Format
}

// NewSink creates a sink. Writes go through guard.
func NewSink(fsys storage.FileSystem, guard *resilience.Guard, builder *metadata.Builder, format imaging.Format) *Sink {
	return &Sink{fsys: fsys, guard: guard, builder: builder, format: format}
}

// Write encodes and stores item's image and metadata.
//
// # Outputs
//
//   - string: The image extension written, with the leading dot.
//   - error: A permanent error if encoding failed, otherwise the write error.
func (s *Sink) Write(ctx context.Context, item int, res uniqueness.Reservation, rendered *imaging.Rendered) (string, error) {
	format := imaging.OutputFormat(s.format, rendered)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, rendered, format); err != nil {
		return "", resilience.Permanent(fmt.Errorf("encode item %d: %w", item, err))
	}
	ext := format.Ext()
	if err := s.put(ctx, "write image", metadata.ImagePath(item, ext), buf.Bytes()); err != nil {
		return "", err
	}

	rec := s.builder.Build(item, res.Candidate, string(res.Key), ext)
	data, err := s.builder.Encode(rec)
	if err != nil {
		return "", resilience.Permanent(err)
	}
	if err := s.put(ctx, "write metadata", metadata.RecordPath(item), data); err != nil {
		return "", err
	}
	return ext, nil
}

// WriteFile stores a collection-level file.
func (s *Sink) WriteFile(ctx context.Context, name string, data []byte) error {
	return s.put(ctx, "write "+name, name, data)
}

func (s *Sink) put(ctx context.Context, op, name string, data []byte) error {
	return s.guard.Do(ctx, op, func(ctx context.Context) error {
		return s.fsys.WriteFile(ctx, name, data)
	})
}
