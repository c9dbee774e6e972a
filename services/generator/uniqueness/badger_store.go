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

	"github.com/dgraph-io/badger/v4"

	bstore "github.com/AleutianAI/traitforge/services/generator/storage/badger"
)

// BadgerStore keeps snapshots in a BadgerDB, one record per collection.
//
// # Description
//
// The snapshot and a small header record are written in one transaction,
// so a crash mid-save leaves the previous snapshot in place.
//
// # Thread Safety
//
// Safe for concurrent use.
type BadgerStore struct {
	db         *bstore.DB
	collection string
}

// NewBadgerStore creates a store for the named collection.
func NewBadgerStore(db *bstore.DB, collection string) *BadgerStore {
	return &BadgerStore{db: db, collection: collection}
}

func (b *BadgerStore) snapshotKey() []byte {
	return []byte("checkpoint/" + b.collection + "/snapshot")
}

func (b *BadgerStore) headerKey() []byte {
	return []byte("checkpoint/" + b.collection + "/header")
}

// Save implements CheckpointStore.
func (b *BadgerStore) Save(ctx context.Context, s *Snapshot) error {
	data, err := s.Encode()
	if err != nil {
		return err
	}
	header := fmt.Sprintf(`{"run_id":%q,"next_id":%d,"items":%d}`, s.RunID, s.NextID, len(s.Similarity.Entries))
	err = b.db.Update(ctx, func(txn *badger.Txn) error {
		if err := txn.Set(b.snapshotKey(), data); err != nil {
			return err
		}
		return txn.Set(b.headerKey(), []byte(header))
	})
	if err != nil {
		return fmt.Errorf("save snapshot for %s: %w", b.collection, err)
	}
	return nil
}

// Load implements CheckpointStore.
func (b *BadgerStore) Load(ctx context.Context) (*Snapshot, error) {
	data, err := b.db.Get(ctx, b.snapshotKey())
	if errors.Is(err, bstore.ErrNotFound) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot for %s: %w", b.collection, err)
	}
	return DecodeSnapshot(data)
}
