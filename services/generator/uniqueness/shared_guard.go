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

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/traitforge/services/generator/collection"
	"github.com/AleutianAI/traitforge/services/generator/resilience"
)

var sharedTracer = otel.Tracer("traitforge.uniqueness.shared")

// ErrSharedSet wraps failures talking to the shared key set. The local
// registry is left as it was before the call.
var ErrSharedSet = errors.New("shared key set unavailable")

// SetClient is the subset of the Redis client used by SharedKeyGuard.
// *redis.Client and *redis.ClusterClient satisfy it.
type SetClient interface {
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
}

// SharedKeyGuard adds a cross-process seen-set to a Registry.
//
// # Description
//
// Several generator processes can split one collection by giving each a
// disjoint seed and item range. The local Registry still enforces the full
// policy for its own items; the shared Redis set makes exact duplicates
// impossible across processes. SADD's result is the check-and-record: 1
// means this process claimed the key, 0 means another process holds it.
//
// Set commands run through a resilience.Guard when one is given, so a
// Redis blip is retried and sustained outage trips its breaker.
//
// # Thread Safety
//
// Safe for concurrent use if the wrapped Registry is.
type SharedKeyGuard struct {
	inner  Registry
	client SetClient
	setKey string
	guard  *resilience.Guard
}

// NewSharedKeyGuard wraps inner. setKey names the Redis set, usually
// "traitforge:<collection>:keys". guard may be nil.
func NewSharedKeyGuard(inner Registry, client SetClient, setKey string, guard *resilience.Guard) *SharedKeyGuard {
	return &SharedKeyGuard{inner: inner, client: client, setKey: setKey, guard: guard}
}

func (g *SharedKeyGuard) sadd(ctx context.Context, key Key) (int64, error) {
	fn := func(ctx context.Context) (int64, error) {
		return g.client.SAdd(ctx, g.setKey, string(key)).Result()
	}
	if g.guard == nil {
		return fn(ctx)
	}
	return resilience.Call(ctx, g.guard, "redis sadd", fn)
}

func (g *SharedKeyGuard) srem(ctx context.Context, key Key) error {
	fn := func(ctx context.Context) error {
		return g.client.SRem(ctx, g.setKey, string(key)).Err()
	}
	if g.guard == nil {
		return fn(ctx)
	}
	return g.guard.Do(ctx, "redis srem", fn)
}

// Reserve implements Registry.
func (g *SharedKeyGuard) Reserve(ctx context.Context, c collection.Candidate) (Reservation, error) {
	r, err := g.inner.Reserve(ctx, c)
	if err != nil {
		return Reservation{}, err
	}

	ctx, span := sharedTracer.Start(ctx, "uniqueness.SharedKeyGuard.Reserve",
		trace.WithAttributes(attribute.String("redis.key", g.setKey)))
	defer span.End()

	added, err := g.sadd(ctx, r.Key)
	if err != nil {
		span.RecordError(err)
		if rerr := g.inner.Release(ctx, r); rerr != nil {
			return Reservation{}, rerr
		}
		return Reservation{}, fmt.Errorf("%w: claim %s: %w", ErrSharedSet, r.Key.Short(), err)
	}
	if added == 0 {
		span.SetAttributes(attribute.Bool("uniqueness.duplicate", true))
		if err := g.inner.Release(ctx, r); err != nil {
			return Reservation{}, err
		}
		return Reservation{}, fmt.Errorf("%w: key %s claimed by another process", ErrExactDuplicate, r.Key.Short())
	}
	return r, nil
}

// Commit implements Registry.
func (g *SharedKeyGuard) Commit(ctx context.Context, r Reservation, item int) error {
	return g.inner.Commit(ctx, r, item)
}

// Release implements Registry. The shared claim is dropped first so another
// process may take the key. The local reservation is released even when
// the shared claim could not be dropped; the error then wraps ErrSharedSet.
func (g *SharedKeyGuard) Release(ctx context.Context, r Reservation) error {
	var shared error
	if err := g.srem(ctx, r.Key); err != nil {
		shared = fmt.Errorf("%w: release %s: %w", ErrSharedSet, r.Key.Short(), err)
	}
	return errors.Join(shared, g.inner.Release(ctx, r))
}

// Adopt implements Registry. Existing items are claimed unconditionally.
func (g *SharedKeyGuard) Adopt(ctx context.Context, item int, c collection.Candidate) error {
	if _, err := g.sadd(ctx, KeyOf(c)); err != nil {
		return fmt.Errorf("%w: claim: %w", ErrSharedSet, err)
	}
	return g.inner.Adopt(ctx, item, c)
}

// Forget implements Registry. Dropped keys are removed from the shared set
// as well; the local entry is gone even if that fails.
func (g *SharedKeyGuard) Forget(ctx context.Context, item int) ([]Key, error) {
	keys, err := g.inner.Forget(ctx, item)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, k := range keys {
		if err := g.srem(ctx, k); err != nil {
			errs = append(errs, fmt.Errorf("%w: release %s: %w", ErrSharedSet, k.Short(), err))
		}
	}
	return keys, errors.Join(errs...)
}

// Snapshot implements Registry.
func (g *SharedKeyGuard) Snapshot() *Snapshot {
	return g.inner.Snapshot()
}

// Dirty implements Registry.
func (g *SharedKeyGuard) Dirty() bool {
	return g.inner.Dirty()
}

// MarkClean implements Registry.
func (g *SharedKeyGuard) MarkClean() {
	g.inner.MarkClean()
}

// Restore implements Registry. Restored keys are not re-claimed; processes
// sharing a set already hold them.
func (g *SharedKeyGuard) Restore(s *Snapshot) error {
	return g.inner.Restore(s)
}

// Stats implements Registry.
func (g *SharedKeyGuard) Stats() Stats {
	return g.inner.Stats()
}
