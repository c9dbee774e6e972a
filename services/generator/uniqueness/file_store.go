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
	"errors"
	"fmt"
	"io/fs"

	"github.com/AleutianAI/traitforge/services/generator/storage"
)

// DefaultSnapshotName is the snapshot file name inside the output directory.
const DefaultSnapshotName = "tracker_state.json"

// FileStore keeps the snapshot as a JSON file on a FileSystem.
//
// Saves go through FileSystem.WriteFile, which replaces the file atomically.
type FileStore struct {
	fsys storage.FileSystem
	name string
}

// NewFileStore creates a store writing name on fsys.
func NewFileStore(fsys storage.FileSystem, name string) *FileStore {
	if name == "" {
		name = DefaultSnapshotName
	}
	return &FileStore{fsys: fsys, name: name}
}

// Save implements CheckpointStore.
func (f *FileStore) Save(ctx context.Context, s *Snapshot) error {
	data, err := s.Encode()
	if err != nil {
		return err
	}
	if err := f.fsys.WriteFile(ctx, f.name, data); err != nil {
		return fmt.Errorf("write snapshot %s: %w", f.name, err)
	}
	return nil
}

// Load implements CheckpointStore.
func (f *FileStore) Load(ctx context.Context) (*Snapshot, error) {
	data, err := f.fsys.ReadFile(ctx, f.name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", f.name, err)
	}
	return DecodeSnapshot(data)
}
