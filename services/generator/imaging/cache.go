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
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Cache is an LRU cache of decoded layers bounded by total bytes and by
// entry count.
//
// # Description
//
// Insertion evicts least recently used entries until both budgets hold.
// A layer larger than the whole byte budget is inserted at the LRU tail
// and evicted right away; the caller still gets the layer, and the event
// is counted as an oversized eviction. Exceeding a budget is never an
// error.
//
// A zero budget means unbounded.
//
// # Thread Safety
//
// All methods are safe for concurrent use. The engine gives each worker its
// own Cache, so contention is limited to stats readers.
//
// # Performance
//
//	| Operation | Complexity    |
//	|-----------|---------------|
//	| Get       | O(1)          |
//	| Put       | O(evicted)    |
//	| Purge     | O(n)          |
type Cache struct {
	mu         sync.Mutex
	maxBytes   int64
	maxEntries int
	items      map[LayerKey]*list.Element
	order      *list.List // Front = most recent, Back = least recent
	bytes      int64
	now        func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	oversized atomic.Int64
}

// NewCache creates a cache with the given budgets.
//
// # Inputs
//
//   - maxBytes: Byte budget over Layer.Size estimates. 0 means unbounded.
//   - maxEntries: Entry budget. 0 means unbounded.
//
// # Example
//
//	cache := NewCache(256<<20, 512)
//	layer, err := cache.GetOrLoad(ctx, key, loader.Load)
func NewCache(maxBytes int64, maxEntries int) *Cache {
	if maxBytes < 0 {
		maxBytes = 0
	}
	if maxEntries < 0 {
		maxEntries = 0
	}
	return &Cache{
		maxBytes:   maxBytes,
		maxEntries: maxEntries,
		items:      make(map[LayerKey]*list.Element),
		order:      list.New(),
		now:        time.Now,
	}
}

// Get returns the cached layer for key and marks it most recently used.
func (c *Cache) Get(key LayerKey) (*Layer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		e := elem.Value.(*CacheEntry)
		e.LastAccess = c.now()
		c.hits.Add(1)
		return e.Layer, true
	}
	c.misses.Add(1)
	return nil, false
}

// Put inserts or replaces the layer for key, then evicts down to budget.
func (c *Cache) Put(key LayerKey, layer *Layer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := layer.Size()
	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}

	entry := &CacheEntry{Key: key, Layer: layer, Size: size, LastAccess: c.now()}
	if c.maxBytes > 0 && size > c.maxBytes {
		// Lands at the tail and is the first thing evicted.
		elem := c.order.PushBack(entry)
		c.items[key] = elem
		c.bytes += size
		c.removeElement(elem)
		c.evictions.Add(1)
		c.oversized.Add(1)
		return
	}

	c.items[key] = c.order.PushFront(entry)
	c.bytes += size
	for c.overBudget() {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
		c.evictions.Add(1)
	}
}

// GetOrLoad returns the cached layer for key, calling load on a miss and
// caching its result. Load errors are returned and nothing is cached.
func (c *Cache) GetOrLoad(ctx context.Context, key LayerKey, load func(context.Context, LayerKey) (*Layer, error)) (*Layer, error) {
	if layer, ok := c.Get(key); ok {
		return layer, nil
	}
	layer, err := load(ctx, key)
	if err != nil {
		return nil, err
	}
	c.Put(key, layer)
	return layer, nil
}

// Purge drops every entry. Counters are kept.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[LayerKey]*list.Element)
	c.order.Init()
	c.bytes = 0
}

// Len returns the number of cached layers.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) overBudget() bool {
	if c.maxBytes > 0 && c.bytes > c.maxBytes {
		return true
	}
	return c.maxEntries > 0 && c.order.Len() > c.maxEntries
}

// removeElement unlinks elem. Caller must hold mu.
func (c *Cache) removeElement(elem *list.Element) {
	e := c.order.Remove(elem).(*CacheEntry)
	delete(c.items, e.Key)
	c.bytes -= e.Size
}

// =============================================================================
// Statistics
// =============================================================================

// CacheStats is a point-in-time view of cache counters.
type CacheStats struct {
	Hits               int64 `json:"hits"`
	Misses             int64 `json:"misses"`
	// Evictions includes OversizedEvictions.
	Evictions          int64 `json:"evictions"`
	OversizedEvictions int64 `json:"oversized_evictions"`
	Entries            int   `json:"entries"`
	Bytes              int64 `json:"bytes"`
	MaxBytes           int64 `json:"max_bytes"`
	MaxEntries         int   `json:"max_entries"`
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Utilization returns Bytes / MaxBytes, or 0 when unbounded.
func (s CacheStats) Utilization() float64 {
	if s.MaxBytes <= 0 {
		return 0
	}
	return float64(s.Bytes) / float64(s.MaxBytes)
}

// Add sums two stats, for reporting over several worker caches.
func (s CacheStats) Add(o CacheStats) CacheStats {
	return CacheStats{
		Hits:               s.Hits + o.Hits,
		Misses:             s.Misses + o.Misses,
		Evictions:          s.Evictions + o.Evictions,
		OversizedEvictions: s.OversizedEvictions + o.OversizedEvictions,
		Entries:            s.Entries + o.Entries,
		Bytes:              s.Bytes + o.Bytes,
		MaxBytes:           s.MaxBytes + o.MaxBytes,
		MaxEntries:         s.MaxEntries + o.MaxEntries,
	}
}

// Stats returns the current counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	entries, bytes := c.order.Len(), c.bytes
	c.mu.Unlock()
	return CacheStats{
		Hits:               c.hits.Load(),
		Misses:             c.misses.Load(),
		Evictions:          c.evictions.Load(),
		OversizedEvictions: c.oversized.Load(),
		Entries:            entries,
		Bytes:              bytes,
		MaxBytes:           c.maxBytes,
		MaxEntries:         c.maxEntries,
	}
}
