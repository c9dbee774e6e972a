// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Item outcomes recorded by ItemsTotal.
const (
	OutcomeCommitted = "committed"
	OutcomeExhausted = "exhausted"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Metrics contains the generation metrics.
//
// # Description
//
// All metrics use the "traitforge_" prefix. A nil *Metrics is valid and
// records nothing, so components can run without telemetry.
//
// # Thread Safety
//
// Safe for concurrent use after creation.
type Metrics struct {
	// ItemsTotal counts finished items by outcome.
	ItemsTotal metric.Int64Counter

	// RejectionsTotal counts rejected drafts by reason.
	RejectionsTotal metric.Int64Counter

	// RenderDuration records composite-and-write time per item in seconds.
	RenderDuration metric.Float64Histogram

	// CheckpointsTotal counts checkpoint saves by status.
	CheckpointsTotal metric.Int64Counter

	// CheckpointDuration records checkpoint save time in seconds.
	CheckpointDuration metric.Float64Histogram

	// BreakerState reports the I/O circuit state (0=closed, 1=open, 2=half-open).
	BreakerState metric.Int64ObservableGauge

	// CacheBytes reports bytes held by all layer caches.
	CacheBytes metric.Int64ObservableGauge
}

// NewMetrics registers all metrics with meter.
//
// # Example
//
//	metrics, err := telemetry.NewMetrics(otel.Meter("traitforge"))
//	if err != nil {
//	    return fmt.Errorf("create metrics: %w", err)
//	}
//	metrics.RecordItem(ctx, telemetry.OutcomeCommitted)
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ItemsTotal, err = meter.Int64Counter(
		"traitforge_items_total",
		metric.WithDescription("Finished items by outcome"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create items_total: %w", err)
	}

	m.RejectionsTotal, err = meter.Int64Counter(
		"traitforge_rejections_total",
		metric.WithDescription("Rejected drafts by reason"),
		metric.WithUnit("{draft}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create rejections_total: %w", err)
	}

	m.RenderDuration, err = meter.Float64Histogram(
		"traitforge_render_duration_seconds",
		metric.WithDescription("Composite and write duration per item"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5),
	)
	if err != nil {
		return nil, fmt.Errorf("create render_duration: %w", err)
	}

	m.CheckpointsTotal, err = meter.Int64Counter(
		"traitforge_checkpoints_total",
		metric.WithDescription("Checkpoint saves by status"),
		metric.WithUnit("{checkpoint}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create checkpoints_total: %w", err)
	}

	m.CheckpointDuration, err = meter.Float64Histogram(
		"traitforge_checkpoint_duration_seconds",
		metric.WithDescription("Checkpoint save duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.5, 1, 5),
	)
	if err != nil {
		return nil, fmt.Errorf("create checkpoint_duration: %w", err)
	}

	return m, nil
}

// RegisterRunGauges registers the observable gauges for a run.
//
// # Inputs
//
//   - meter: The meter NewMetrics used.
//   - breakerState: Returns the circuit state as 0, 1 or 2.
//   - cacheBytes: Returns the bytes held by all layer caches.
//
// # Outputs
//
//   - metric.Registration: Unregister when the run ends.
//   - error: Non-nil if registration fails.
func (m *Metrics) RegisterRunGauges(meter metric.Meter, breakerState func() int64, cacheBytes func() int64) (metric.Registration, error) {
	var err error
	m.BreakerState, err = meter.Int64ObservableGauge(
		"traitforge_breaker_state",
		metric.WithDescription("I/O circuit breaker state (0=closed, 1=open, 2=half-open)"),
		metric.WithUnit("{state}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create breaker_state: %w", err)
	}

	m.CacheBytes, err = meter.Int64ObservableGauge(
		"traitforge_cache_bytes",
		metric.WithDescription("Bytes held by layer caches"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("create cache_bytes: %w", err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.BreakerState, breakerState())
		o.ObserveInt64(m.CacheBytes, cacheBytes())
		return nil
	}, m.BreakerState, m.CacheBytes)
}

// RecordItem counts a finished item.
func (m *Metrics) RecordItem(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.ItemsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordRejection counts a rejected draft.
func (m *Metrics) RecordRejection(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.RejectionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordRender records one item's render time.
func (m *Metrics) RecordRender(ctx context.Context, d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.RenderDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("ok", ok)))
}

// RecordCheckpoint records one checkpoint save.
func (m *Metrics) RecordCheckpoint(ctx context.Context, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.CheckpointsTotal.Add(ctx, 1, attrs)
	m.CheckpointDuration.Record(ctx, d.Seconds(), attrs)
}
