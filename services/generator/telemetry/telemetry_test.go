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
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "")
	t.Setenv("OTEL_METRICS_EXPORTER", "")
	cfg := DefaultConfig()
	assert.Equal(t, "traitforge", cfg.ServiceName)
	assert.Equal(t, "none", cfg.TraceExporter)
	assert.Equal(t, "prometheus", cfg.MetricExporter)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
}

func TestDefaultConfig_EnvOverride(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "stdout")
	t.Setenv("TRAITFORGE_ENV", "ci")
	cfg := DefaultConfig()
	assert.Equal(t, "stdout", cfg.TraceExporter)
	assert.Equal(t, "ci", cfg.Environment)
}

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	_, err := Init(nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestInit_None(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "none"
	cfg.MetricExporter = "none"
	shutdown, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_UnknownExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "zipkin"
	_, err := Init(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrUnknownExporter)

	cfg.TraceExporter = "none"
	cfg.MetricExporter = "graphite"
	_, err = Init(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrUnknownExporter)
}

func TestInit_StdoutTraces(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "stdout"
	cfg.MetricExporter = "none"
	shutdown, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_StdoutMetrics(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = ExporterNone
	cfg.MetricExporter = ExporterStdout
	cfg.MetricInterval = time.Hour
	shutdown, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestDefaultConfig_SampleRatio(t *testing.T) {
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")
	cfg := DefaultConfig()
	assert.InDelta(t, 0.25, cfg.SampleRatio, 1e-9)
	assert.Contains(t, cfg.sampler().Description(), "TraceIDRatioBased{0.25}")

	cfg.SampleRatio = 1
	assert.Equal(t, "AlwaysOnSampler", cfg.sampler().Description())
	cfg.SampleRatio = 0
	assert.Equal(t, "AlwaysOnSampler", cfg.sampler().Description())
}

func TestConfig_ResourceCollection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Collection = "Pixel Cats"
	v, ok := cfg.resource().Set().Value("traitforge.collection")
	require.True(t, ok)
	assert.Equal(t, "Pixel Cats", v.AsString())

	cfg.Collection = ""
	_, ok = cfg.resource().Set().Value("traitforge.collection")
	assert.False(t, ok)
}

// =============================================================================
// Metrics
// =============================================================================

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumInt(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()
	s, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "want Sum[int64], got %T", data)
	var total int64
	for _, dp := range s.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetrics_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter("test")

	m, err := NewMetrics(meter)
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordItem(ctx, OutcomeCommitted)
	m.RecordItem(ctx, OutcomeCommitted)
	m.RecordItem(ctx, OutcomeExhausted)
	m.RecordRejection(ctx, "similarity")
	m.RecordRender(ctx, 20*time.Millisecond, true)
	m.RecordCheckpoint(ctx, time.Millisecond, nil)
	m.RecordCheckpoint(ctx, time.Millisecond, errors.New("disk full"))

	reg, err := m.RegisterRunGauges(meter, func() int64 { return 1 }, func() int64 { return 4096 })
	require.NoError(t, err)
	defer func() { _ = reg.Unregister() }()

	data := collect(t, reader)
	assert.Equal(t, int64(3), sumInt(t, data["traitforge_items_total"]))
	assert.Equal(t, int64(1), sumInt(t, data["traitforge_rejections_total"]))
	assert.Equal(t, int64(2), sumInt(t, data["traitforge_checkpoints_total"]))

	hist, ok := data["traitforge_render_duration_seconds"].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)

	gauge, ok := data["traitforge_cache_bytes"].(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(4096), gauge.DataPoints[0].Value)

	state, ok := data["traitforge_breaker_state"].(metricdata.Gauge[int64])
	require.True(t, ok)
	assert.Equal(t, int64(1), state.DataPoints[0].Value)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordItem(ctx, OutcomeFailed)
		m.RecordRejection(ctx, "rule_exhaustion")
		m.RecordRender(ctx, time.Second, false)
		m.RecordCheckpoint(ctx, time.Second, nil)
	})
}

// =============================================================================
// Tracing
// =============================================================================

func TestTracingHelpers(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	ctx, span := tp.Tracer("test").Start(context.Background(), "render")
	assert.NotEmpty(t, TraceID(ctx))

	var buf bytes.Buffer
	logger := LoggerWithTrace(ctx, slog.New(slog.NewTextHandler(&buf, nil)))
	logger.Info("hello")
	assert.Contains(t, buf.String(), "trace_id="+TraceID(ctx))

	RecordError(span, errors.New("boom"))
	span.End()

	_, fine := tp.Tracer("test").Start(context.Background(), "fine")
	SetSpanOK(fine)
	fine.End()

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Len(t, spans[0].Events(), 1)
	assert.Equal(t, codes.Ok, spans[1].Status().Code)

	assert.Empty(t, TraceID(context.Background()))
	base := slog.Default()
	assert.Same(t, base, LoggerWithTrace(context.Background(), base))

	RecordError(nil, errors.New("ignored"))
	SetSpanOK(nil)
}

func TestStartSpan_GlobalTracer(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "traitforge.test", "op")
	defer span.End()
	assert.NotNil(t, ctx)
}
