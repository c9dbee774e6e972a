// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package uniqueness enforces that no two items of a collection collide
// under the uniqueness policy, and persists that state for resumable runs.
//
// # Policy
//
//   - Exact duplicates: two items with the same canonical Key.
//   - Similarity: with n trait types and m = max_similar_combinations, a
//     candidate sharing at least n - m identical selections (clamped to
//     [1, n]) with any accepted item is rejected. m = 0 rejects exact
//     duplicates only.
//   - Optionally, the tuple of priority trait values must be unique.
//
// # Check and record
//
// Registry.Reserve checks a candidate and records it in one step, so two
// concurrent reservations can never both admit colliding candidates. A
// reservation is then committed once the item is written, or released if
// rendering failed.
package uniqueness

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/traitforge/services/generator/collection"
)

var (
	// ErrExactDuplicate means the candidate's key was already accepted.
	ErrExactDuplicate = errors.New("exact duplicate")

	// ErrSimilarityViolation means the candidate shares too many selections
	// with an accepted item.
	ErrSimilarityViolation = errors.New("similarity violation")

	// ErrPriorityCombination means the priority trait values are taken.
	ErrPriorityCombination = errors.New("priority combination already used")

	// ErrUnknownReservation is returned for commits or releases of a
	// reservation the registry does not hold.
	ErrUnknownReservation = errors.New("unknown reservation")
)

// Reservation is an accepted candidate that is not yet materialized.
type Reservation struct {
	Key       Key
	Candidate collection.Candidate

	entry int
}

// Stats counts registry outcomes.
type Stats struct {
	Accepted             int64 `json:"accepted"`
	Committed            int64 `json:"committed"`
	Released             int64 `json:"released"`
	Adopted              int64 `json:"adopted"`
	ExactDuplicates      int64 `json:"exact_duplicates"`
	SimilarityViolations int64 `json:"similarity_violations"`
	PriorityCollisions   int64 `json:"priority_collisions"`
}

// Registry is the check-and-record service for uniqueness state.
//
// Tracker is the in-process implementation; SharedKeyGuard layers a
// cross-process seen-set on top of any Registry.
type Registry interface {
	// Reserve checks c against the policy and records it if accepted.
	// Rejections wrap ErrExactDuplicate, ErrSimilarityViolation or
	// ErrPriorityCombination.
	Reserve(ctx context.Context, c collection.Candidate) (Reservation, error)

	// Commit marks a reservation materialized as item.
	Commit(ctx context.Context, r Reservation, item int) error

	// Release undoes a reservation whose item was not materialized.
	Release(ctx context.Context, r Reservation) error

	// Adopt records an item that already exists on disk, without policy
	// checks. Adopting a key already held by another item wraps
	// ErrExactDuplicate but still records nothing new.
	Adopt(ctx context.Context, item int, c collection.Candidate) error

	// Forget drops the committed entry of item so the item can be
	// generated again. It returns the keys it dropped.
	Forget(ctx context.Context, item int) ([]Key, error)

	// Snapshot returns the committed state. It has no side effects.
	Snapshot() *Snapshot

	// Dirty reports whether committed state changed since MarkClean.
	Dirty() bool

	// MarkClean records that the current state was persisted.
	MarkClean()

	// Restore replaces all state with a snapshot.
	Restore(s *Snapshot) error

	// Stats returns outcome counters.
	Stats() Stats
}

type entryState uint8

const (
	stateReserved entryState = iota
	stateCommitted
	stateReleased
)

type entry struct {
	key    Key
	values []string
	item   int
	state  entryState
}

// Tracker is the in-process Registry.
//
// # Description
//
// The similarity index is inverted: for every trait type, option name
// maps to the entries holding it. Counting overlap for a candidate walks
// only the entries that share at least one selection, starting with the
// priority traits, and always scans the whole mapping.
//
// # Thread Safety
//
// Safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	traitOrder []string
	scanOrder  []int
	priority   []int
	threshold  int
	uniquePrio bool

	seen     map[Key]int
	entries  []entry
	index    []map[string][]int
	prioSeen map[string]int
	nextID   int
	dirty    bool
	stats    Stats
}

// NewTracker creates an empty tracker for the catalog's policy.
func NewTracker(cat *collection.Catalog) *Tracker {
	t := &Tracker{
		traitOrder: cat.TraitOrder(),
		scanOrder:  cat.GenerationOrder(),
		threshold:  cat.SimilarityThreshold(),
		uniquePrio: cat.UniquePriorityCombination,
	}
	for _, name := range cat.Priority {
		if i := cat.TypeIndex(name); i >= 0 {
			t.priority = append(t.priority, i)
		}
	}
	t.reset()
	return t
}

func (t *Tracker) reset() {
	t.seen = make(map[Key]int)
	t.entries = nil
	t.index = make([]map[string][]int, len(t.traitOrder))
	for i := range t.index {
		t.index[i] = make(map[string][]int)
	}
	t.prioSeen = make(map[string]int)
	t.nextID = 1
	t.dirty = false
}

// Threshold returns the overlap count at which candidates are rejected.
func (t *Tracker) Threshold() int {
	return t.threshold
}

// values returns the candidate's option names in trait order.
func (t *Tracker) values(c collection.Candidate) ([]string, error) {
	if len(c.Picks) != len(t.traitOrder) {
		return nil, fmt.Errorf("candidate has %d picks, want %d", len(c.Picks), len(t.traitOrder))
	}
	out := make([]string, len(c.Picks))
	for i, p := range c.Picks {
		if p.Type != t.traitOrder[i] {
			return nil, fmt.Errorf("pick %d is %q, want %q", i, p.Type, t.traitOrder[i])
		}
		out[i] = p.Option
	}
	return out, nil
}

func (t *Tracker) priorityKey(values []string) string {
	parts := make([]string, len(t.priority))
	for i, ti := range t.priority {
		parts[i] = values[ti]
	}
	return strings.Join(parts, "\x1f")
}

// maxOverlap returns the highest number of identical selections shared
// with a live entry, and that entry.
func (t *Tracker) maxOverlap(values []string) (int, int) {
	counts := make(map[int]int)
	best, bestEntry := 0, -1
	for _, ti := range t.scanOrder {
		for _, e := range t.index[ti][values[ti]] {
			if t.entries[e].state == stateReleased {
				continue
			}
			counts[e]++
			if counts[e] > best {
				best, bestEntry = counts[e], e
			}
		}
	}
	return best, bestEntry
}

// Reserve implements Registry.
func (t *Tracker) Reserve(ctx context.Context, c collection.Candidate) (Reservation, error) {
	if err := ctx.Err(); err != nil {
		return Reservation{}, err
	}
	values, err := t.values(c)
	if err != nil {
		return Reservation{}, err
	}
	key := KeyOf(c)

	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.seen[key]; ok {
		t.stats.ExactDuplicates++
		return Reservation{}, fmt.Errorf("%w: key %s held by %s", ErrExactDuplicate, key.Short(), t.describe(e))
	}

	// With threshold n only exact duplicates can reach it, and those were
	// rejected above.
	if t.threshold < len(values) {
		if overlap, e := t.maxOverlap(values); overlap >= t.threshold {
			t.stats.SimilarityViolations++
			return Reservation{}, fmt.Errorf("%w: shares %d of %d selections with %s (limit %d)",
				ErrSimilarityViolation, overlap, len(values), t.describe(e), t.threshold-1)
		}
	}

	var pk string
	if t.uniquePrio && len(t.priority) > 0 {
		pk = t.priorityKey(values)
		if e, ok := t.prioSeen[pk]; ok {
			t.stats.PriorityCollisions++
			return Reservation{}, fmt.Errorf("%w: held by %s", ErrPriorityCombination, t.describe(e))
		}
	}

	id := t.insert(key, values, 0, stateReserved)
	t.stats.Accepted++
	return Reservation{Key: key, Candidate: c, entry: id}, nil
}

func (t *Tracker) describe(e int) string {
	if e < 0 || e >= len(t.entries) {
		return "unknown entry"
	}
	if t.entries[e].item > 0 {
		return fmt.Sprintf("item %d", t.entries[e].item)
	}
	return "an in-flight item"
}

// insert records an entry. Caller must hold mu.
func (t *Tracker) insert(key Key, values []string, item int, state entryState) int {
	id := len(t.entries)
	t.entries = append(t.entries, entry{key: key, values: values, item: item, state: state})
	t.seen[key] = id
	for ti, v := range values {
		t.index[ti][v] = append(t.index[ti][v], id)
	}
	if t.uniquePrio && len(t.priority) > 0 {
		t.prioSeen[t.priorityKey(values)] = id
	}
	return id
}

func (t *Tracker) lookup(r Reservation) (*entry, error) {
	if r.entry < 0 || r.entry >= len(t.entries) || t.entries[r.entry].key != r.Key {
		return nil, fmt.Errorf("%w: %s", ErrUnknownReservation, r.Key.Short())
	}
	return &t.entries[r.entry], nil
}

// Commit implements Registry.
func (t *Tracker) Commit(ctx context.Context, r Reservation, item int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.lookup(r)
	if err != nil {
		return err
	}
	if e.state != stateReserved {
		return fmt.Errorf("%w: %s is not reserved", ErrUnknownReservation, r.Key.Short())
	}
	e.state = stateCommitted
	e.item = item
	if item >= t.nextID {
		t.nextID = item + 1
	}
	t.dirty = true
	t.stats.Committed++
	return nil
}

// Release implements Registry.
func (t *Tracker) Release(ctx context.Context, r Reservation) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.lookup(r)
	if err != nil {
		return err
	}
	if e.state != stateReserved {
		return fmt.Errorf("%w: %s is not reserved", ErrUnknownReservation, r.Key.Short())
	}
	e.state = stateReleased
	delete(t.seen, e.key)
	if t.uniquePrio && len(t.priority) > 0 {
		pk := t.priorityKey(e.values)
		if t.prioSeen[pk] == r.entry {
			delete(t.prioSeen, pk)
		}
	}
	t.stats.Released++
	return nil
}

// Adopt implements Registry.
func (t *Tracker) Adopt(ctx context.Context, item int, c collection.Candidate) error {
	values, err := t.values(c)
	if err != nil {
		return err
	}
	key := KeyOf(c)

	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.seen[key]; ok {
		if e >= 0 && t.entries[e].item == item {
			return nil
		}
		return fmt.Errorf("%w: item %d repeats %s", ErrExactDuplicate, item, t.describe(e))
	}
	t.insert(key, values, item, stateCommitted)
	if item >= t.nextID {
		t.nextID = item + 1
	}
	t.dirty = true
	t.stats.Adopted++
	return nil
}

// NextID returns the next item id after every committed item.
func (t *Tracker) NextID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextID
}

// Forget implements Registry.
func (t *Tracker) Forget(ctx context.Context, item int) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var keys []Key
	for id := range t.entries {
		e := &t.entries[id]
		if e.state != stateCommitted || e.item != item {
			continue
		}
		e.state = stateReleased
		if t.seen[e.key] == id {
			delete(t.seen, e.key)
		}
		if t.uniquePrio && len(t.priority) > 0 {
			pk := t.priorityKey(e.values)
			if t.prioSeen[pk] == id {
				delete(t.prioSeen, pk)
			}
		}
		keys = append(keys, e.key)
	}
	if len(keys) > 0 {
		t.dirty = true
	}
	return keys, nil
}

// Dirty implements Registry.
func (t *Tracker) Dirty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dirty
}

// MarkClean implements Registry.
func (t *Tracker) MarkClean() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dirty = false
}

// Committed returns the committed entries sorted by item.
func (t *Tracker) Committed() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committedLocked()
}

func (t *Tracker) committedLocked() []Entry {
	var out []Entry
	for _, e := range t.entries {
		if e.state == stateCommitted {
			out = append(out, Entry{Item: e.item, Values: slices.Clone(e.values)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Item < out[j].Item })
	return out
}

// Snapshot implements Registry. In-flight reservations are not included.
func (t *Tracker) Snapshot() *Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.committedLocked()
	counts := make(map[string]map[string]int, len(t.traitOrder))
	for _, name := range t.traitOrder {
		counts[name] = make(map[string]int)
	}
	seen := make([]Key, 0, len(entries))
	for _, e := range t.entries {
		if e.state == stateCommitted {
			seen = append(seen, e.key)
			for ti, v := range e.values {
				counts[t.traitOrder[ti]][v]++
			}
		}
	}
	sort.Slice(seen, func(i, j int) bool { return seen[i] < seen[j] })

	return &Snapshot{
		Version: SnapshotVersion,
		Seen:    seen,
		Similarity: SimilarityIndex{
			TraitOrder: slices.Clone(t.traitOrder),
			Entries:    entries,
			Counts:     counts,
		},
		NextID: t.nextID,
	}
}

// Restore implements Registry.
//
// The similarity index is rebuilt from the snapshot entries. Seen keys
// without an entry still block exact duplicates.
func (t *Tracker) Restore(s *Snapshot) error {
	if s == nil {
		return fmt.Errorf("%w: nil snapshot", ErrSnapshotMismatch)
	}
	if !slices.Equal(s.Similarity.TraitOrder, t.traitOrder) {
		return fmt.Errorf("%w: trait order %v, want %v", ErrSnapshotMismatch, s.Similarity.TraitOrder, t.traitOrder)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.reset()
	for _, se := range s.Similarity.Entries {
		if len(se.Values) != len(t.traitOrder) {
			return fmt.Errorf("%w: item %d has %d values", ErrSnapshotMismatch, se.Item, len(se.Values))
		}
		picks := make([]collection.Pick, len(se.Values))
		for i, v := range se.Values {
			picks[i] = collection.Pick{Type: t.traitOrder[i], Option: v}
		}
		key := KeyOf(collection.Candidate{Picks: picks})
		t.insert(key, slices.Clone(se.Values), se.Item, stateCommitted)
	}
	for _, k := range s.Seen {
		if _, ok := t.seen[k]; !ok {
			t.seen[k] = -1
		}
	}
	if s.NextID > t.nextID {
		t.nextID = s.NextID
	}
	for _, e := range t.entries {
		if e.item >= t.nextID {
			t.nextID = e.item + 1
		}
	}
	return nil
}

// Stats implements Registry.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}
