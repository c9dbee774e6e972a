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
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/traitforge/services/generator/imaging"
	"github.com/AleutianAI/traitforge/services/generator/telemetry"
	"github.com/AleutianAI/traitforge/services/generator/uniqueness"
)

type stage string

const (
	stageRender stage = "render"
	stageWrite  stage = "write"
)

// job is a reserved candidate waiting to be rendered as item.
type job struct {
	item int
	res  uniqueness.Reservation
}

type result struct {
	job      job
	rendered *imaging.Rendered
	ext      string
	stage    stage
	err      error
}

// worker renders and writes jobs. Each worker owns its compositor and
// layer cache.
type worker struct {
	id      int
	comp    *imaging.Compositor
	sink    *Sink
	metrics *telemetry.Metrics
}

// run processes jobs until the channel closes. Every job yields exactly
// one result.
func (w *worker) run(ctx context.Context, jobs <-chan job, results chan<- result) {
	for j := range jobs {
		results <- w.process(ctx, j)
	}
}

func (w *worker) process(ctx context.Context, j job) result {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Engine.render",
		trace.WithAttributes(
			attribute.Int("item", j.item),
			attribute.Int("worker", w.id),
			attribute.String("key", j.res.Key.Short()),
		),
	)
	defer span.End()

	start := time.Now()
	rendered, err := w.comp.Composite(ctx, j.res.Candidate)
	w.metrics.RecordRender(ctx, time.Since(start), err == nil)
	if err != nil {
		telemetry.RecordError(span, err, attribute.String("stage", string(stageRender)))
		return result{job: j, stage: stageRender, err: err}
	}

	ext, err := w.sink.Write(ctx, j.item, j.res, rendered)
	if err != nil {
		telemetry.RecordError(span, err, attribute.String("stage", string(stageWrite)))
		return result{job: j, rendered: rendered, stage: stageWrite, err: err}
	}
	telemetry.SetSpanOK(span)
	return result{job: j, rendered: rendered, ext: ext}
}
