// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator runs a generation: it drafts candidates, enforces
// uniqueness, renders and writes items on a worker pool, and checkpoints
// progress so an interrupted run can resume.
//
// # Pipeline
//
// One coordinator goroutine owns the random source and drafts items in id
// order. Each accepted candidate is reserved in the uniqueness registry
// and handed to a worker, which composites the layers and writes the image
// and metadata record. The coordinator commits the reservation when the
// worker succeeds and releases and redrafts the item when it fails.
//
// With no render failures, the accepted candidate of every item depends
// only on the seed, not on the worker count.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/traitforge/services/generator/collection"
	"github.com/AleutianAI/traitforge/services/generator/imaging"
	"github.com/AleutianAI/traitforge/services/generator/metadata"
	"github.com/AleutianAI/traitforge/services/generator/resilience"
	"github.com/AleutianAI/traitforge/services/generator/rng"
	"github.com/AleutianAI/traitforge/services/generator/selection"
	"github.com/AleutianAI/traitforge/services/generator/storage"
	"github.com/AleutianAI/traitforge/services/generator/telemetry"
	"github.com/AleutianAI/traitforge/services/generator/uniqueness"
)

const tracerName = "traitforge.orchestrator"

// Config wires an Engine.
type Config struct {
	// Catalog is the validated collection. Required.
	Catalog *collection.Catalog

	// Params are the run parameters. Required.
	Params Params

	// Traits holds the layer images. Required unless DryRun.
	Traits storage.FileSystem

	// Output receives images, metadata, reports and the default checkpoint.
	// Required unless DryRun without Resume.
	Output storage.FileSystem

	// Registry is the uniqueness state. Default: a new Tracker.
	Registry uniqueness.Registry

	// Checkpoints persists snapshots. Default: a FileStore in Output.
	Checkpoints uniqueness.CheckpointStore

	// Guard wraps layer reads and output writes. Default: built from Params.
	Guard *resilience.Guard

	// Metrics and Meter are optional. Run gauges need both.
	Metrics *telemetry.Metrics
	Meter   metric.Meter

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Clock stamps metadata and checkpoints. Default: time.Now.
	Clock func() time.Time

	// OnCommit is called on the coordinator goroutine after each commit.
	OnCommit func(Item)
}

// Engine runs generations for one collection.
//
// # Thread Safety
//
// Run may be called more than once, but not concurrently.
type Engine struct {
	cat      *collection.Catalog
	params   Params
	traits   storage.FileSystem
	output   storage.FileSystem
	registry uniqueness.Registry
	store    uniqueness.CheckpointStore
	guard    *resilience.Guard
	selector *selection.Selector
	builder  *metadata.Builder
	metrics  *telemetry.Metrics
	meter    metric.Meter
	logger   *slog.Logger
	now      func() time.Time
	onCommit func(Item)
}

// New validates cfg and creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("%w: catalog is required", ErrInvalidParams)
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	p := cfg.Params
	if !p.DryRun && cfg.Traits == nil {
		return nil, fmt.Errorf("%w: trait directory is required", ErrInvalidParams)
	}
	if (!p.DryRun || p.Resume) && cfg.Output == nil {
		return nil, fmt.Errorf("%w: output directory is required", ErrInvalidParams)
	}

	e := &Engine{
		cat:      cfg.Catalog,
		params:   p,
		traits:   cfg.Traits,
		output:   cfg.Output,
		registry: cfg.Registry,
		store:    cfg.Checkpoints,
		guard:    cfg.Guard,
		metrics:  cfg.Metrics,
		meter:    cfg.Meter,
		logger:   cfg.Logger,
		now:      cfg.Clock,
		onCommit: cfg.OnCommit,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With(slog.String("component", "orchestrator"))
	if e.now == nil {
		e.now = time.Now
	}
	if e.registry == nil {
		e.registry = uniqueness.NewTracker(cfg.Catalog)
	}
	if e.store == nil && e.output != nil {
		e.store = uniqueness.NewFileStore(e.output, uniqueness.DefaultSnapshotName)
	}
	if e.guard == nil {
		gc := p.GuardConfig()
		gc.Logger = e.logger
		e.guard = resilience.NewGuard(gc)
	}
	e.selector = selection.New(cfg.Catalog, p.MaxTraitAttempts)
	e.builder = metadata.NewBuilder(cfg.Catalog).WithClock(e.now)
	return e, nil
}

// Registry returns the uniqueness registry the engine commits to.
func (e *Engine) Registry() uniqueness.Registry {
	return e.registry
}

// Selector returns the engine's trait selector.
func (e *Engine) Selector() *selection.Selector {
	return e.selector
}

// =============================================================================
// Run
// =============================================================================

// run is the mutable state of one Run. Only the coordinator goroutine
// touches it.
type run struct {
	e      *Engine
	rand   *rng.Source
	report *Report

	queue      []int
	attempts   map[int]int
	lastReason map[int]string
	exts       map[int]string
	caches     []*imaging.Cache

	inflight        int
	sinceCheckpoint int
	pause           <-chan time.Time
	progress        rate.Sometimes
}

// Run generates the collection.
//
// # Description
//
// Items 1..Count are drafted in order. With Resume set, the last
// checkpoint is restored and items whose metadata already exists are
// adopted instead of regenerated. Checkpoints are saved every
// CheckpointEvery commits and at the end.
//
// Cancelling ctx stops drafting. In-flight items finish, a final
// checkpoint is saved, and Run returns the report with ctx's error.
//
// # Outputs
//
//   - *Report: Always non-nil once the run started, also on error.
//   - error: ErrCheckpoint (fatal), configuration errors, or ctx.Err().
//     Exhausted items are listed in the report, not returned.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Engine.Run",
		trace.WithAttributes(
			attribute.Int("count", e.params.Count),
			attribute.Int("workers", e.params.Workers),
			attribute.Bool("dry_run", e.params.DryRun),
			attribute.Bool("resume", e.params.Resume),
		),
	)
	defer span.End()

	r := &run{
		e: e,
		report: &Report{
			RunID:     uuid.NewString(),
			Seed:      e.params.Seed,
			DryRun:    e.params.DryRun,
			Requested: e.params.Count,
			StartedAt: e.now().UTC(),
		},
		attempts:   make(map[int]int),
		lastReason: make(map[int]string),
		exts:       make(map[int]string),
		progress:   rate.Sometimes{First: 1, Interval: 2 * time.Second},
	}
	span.SetAttributes(attribute.String("run_id", r.report.RunID))
	logger := telemetry.LoggerWithTrace(ctx, e.logger).With(slog.String("run_id", r.report.RunID))

	if !e.params.DryRun {
		problems, err := e.cat.ResolveFiles(ctx, e.traits)
		if err != nil {
			telemetry.RecordError(span, err)
			return r.report, err
		}
		if err := collection.MissingFilesError(problems); err != nil {
			telemetry.RecordError(span, err)
			return r.report, err
		}
	}

	existing, err := r.prepare(ctx, logger)
	if err != nil {
		telemetry.RecordError(span, err)
		return r.report, err
	}
	for id := 1; id <= e.params.Count; id++ {
		if !existing[id] {
			r.queue = append(r.queue, id)
		}
	}
	logger.Info("generation starting",
		slog.Int("count", e.params.Count),
		slog.Int("pending", len(r.queue)),
		slog.Int("skipped", r.report.Skipped),
		slog.Int("workers", e.params.Workers),
		slog.Uint64("seed", r.report.Seed),
		slog.Bool("dry_run", e.params.DryRun))

	if e.params.DryRun {
		err = r.dryRun(ctx)
	} else {
		err = r.pipeline(ctx, logger)
	}
	r.finish()

	if err == nil && !e.params.DryRun {
		if werr := r.writeReports(ctx); werr != nil {
			logger.Warn("collection reports not written", slog.String("error", werr.Error()))
		}
	}

	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.SetSpanOK(span)
	}
	logger.Info("generation finished",
		slog.Int("committed", r.report.Committed),
		slog.Int("skipped", r.report.Skipped),
		slog.Int("exhausted", len(r.report.Exhausted)),
		slog.Int("checkpoints", r.report.Checkpoints),
		slog.Bool("interrupted", r.report.Interrupted),
		slog.Duration("duration", r.report.Duration))
	return r.report, err
}

// pipeline runs the coordinator loop against a pool of render workers.
func (r *run) pipeline(ctx context.Context, logger *slog.Logger) error {
	e := r.e

	// Workers keep running after ctx is cancelled so in-flight items can
	// finish. cancelWork aborts them on fatal errors.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	jobs := make(chan job, e.params.Workers)
	results := make(chan result, e.params.Workers)
	loader := imaging.NewLoader(e.cat, e.traits, e.guard)
	sink := NewSink(e.output, e.guard, e.builder, e.params.Format)

	var g errgroup.Group
	for i := 0; i < e.params.Workers; i++ {
		cache := imaging.NewCache(e.params.CacheBytes, e.params.CacheEntries)
		r.caches = append(r.caches, cache)
		w := &worker{
			id:      i,
			comp:    imaging.NewCompositor(e.cat, cache, loader.Load),
			sink:    sink,
			metrics: e.metrics,
		}
		g.Go(func() error {
			w.run(workCtx, jobs, results)
			return nil
		})
	}

	if e.metrics != nil && e.meter != nil {
		reg, err := e.metrics.RegisterRunGauges(e.meter,
			func() int64 { return int64(e.guard.Breaker().State()) },
			func() int64 { return r.cacheStats().Bytes },
		)
		if err != nil {
			logger.Warn("run gauges not registered", slog.String("error", err.Error()))
		} else {
			defer func() { _ = reg.Unregister() }()
		}
	}

	err := r.loop(ctx, jobs, results, logger)
	close(jobs)
	if err != nil {
		cancelWork()
	}
	settleCtx := context.WithoutCancel(ctx)
	for r.inflight > 0 {
		if herr := r.handle(settleCtx, <-results, logger); herr != nil && err == nil {
			err = herr
		}
	}
	_ = g.Wait()

	if err != nil {
		return err
	}
	// Final checkpoint, also after cancellation.
	return r.checkpoint(ctx, logger)
}

// loop is the coordinator. It returns when every item is committed or
// exhausted, when ctx is cancelled, or on a fatal error.
func (r *run) loop(ctx context.Context, jobs chan<- job, results <-chan result, logger *slog.Logger) error {
	e := r.e
	settleCtx := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil {
			r.report.Interrupted = true
			logger.Warn("generation interrupted, draining in-flight items",
				slog.Int("in_flight", r.inflight),
				slog.Int("pending", len(r.queue)))
			return nil
		}

		due := e.params.CheckpointEvery > 0 && r.sinceCheckpoint >= e.params.CheckpointEvery
		if due && r.inflight == 0 {
			if err := r.checkpoint(ctx, logger); err != nil {
				return err
			}
			continue
		}

		if !due && len(r.queue) > 0 && r.inflight < e.params.Workers && r.pause == nil {
			item := r.queue[0]
			r.queue = r.queue[1:]
			if j := r.draft(ctx, item); j != nil {
				jobs <- *j
				r.inflight++
			}
			continue
		}

		if r.inflight == 0 && len(r.queue) == 0 {
			return nil
		}

		select {
		case res := <-results:
			if err := r.handle(settleCtx, res, logger); err != nil {
				return err
			}
		case <-r.pause:
			r.pause = nil
		case <-ctx.Done():
		}
	}
}

// dryRun drafts and commits every pending item without rendering.
func (r *run) dryRun(ctx context.Context) error {
	for len(r.queue) > 0 {
		if ctx.Err() != nil {
			r.report.Interrupted = true
			return nil
		}
		if r.pause != nil {
			select {
			case <-r.pause:
			case <-ctx.Done():
			}
			r.pause = nil
			continue
		}
		item := r.queue[0]
		r.queue = r.queue[1:]
		j := r.draft(ctx, item)
		if j == nil {
			continue
		}
		if err := r.e.registry.Commit(ctx, j.res, item); err != nil {
			return fmt.Errorf("commit item %d: %w", item, err)
		}
		r.committed(ctx, result{job: *j})
	}
	return nil
}

// draft finds an acceptable candidate for item and reserves it.
//
// It returns nil when the item is exhausted, when ctx was cancelled, or
// when the registry's circuit is open. In the last two cases the item goes
// back to the front of the queue. Registry failures count against the
// item's attempts like any other rejection.
func (r *run) draft(ctx context.Context, item int) *job {
	e := r.e
	for r.attempts[item] < e.params.MaxAttempts {
		if ctx.Err() != nil {
			r.requeue(item)
			return nil
		}
		r.attempts[item]++
		r.report.Drafts++

		cand, err := e.selector.Select(r.rand)
		if err != nil {
			r.report.RuleExhaustions++
			r.reject(ctx, item, "rule_exhaustion", err)
			continue
		}
		if err := imaging.CheckDeclaredAnimation(e.cat, cand); err != nil {
			r.report.AnimationMismatches++
			r.reject(ctx, item, "animation_mismatch", err)
			continue
		}

		res, err := e.registry.Reserve(ctx, cand)
		switch {
		case err == nil:
			return &job{item: item, res: res}
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			r.requeue(item)
			return nil
		case errors.Is(err, uniqueness.ErrExactDuplicate):
			r.reject(ctx, item, "exact_duplicate", err)
		case errors.Is(err, uniqueness.ErrSimilarityViolation):
			r.reject(ctx, item, "similarity", err)
		case errors.Is(err, uniqueness.ErrPriorityCombination):
			r.reject(ctx, item, "priority_combination", err)
		default:
			r.report.RegistryErrors++
			r.reject(ctx, item, "registry_error", err)
			if r.pauseOnOpenCircuit(err) {
				r.requeue(item)
				return nil
			}
		}
	}
	r.exhaust(ctx, item)
	return nil
}

// pauseOnOpenCircuit stops drafting for the breaker cooldown when err is a
// fast fail.
func (r *run) pauseOnOpenCircuit(err error) bool {
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		return false
	}
	r.report.CircuitOpenFastFails++
	if r.pause == nil {
		r.pause = time.After(r.e.params.BreakerCooldown)
	}
	return true
}

// handle settles a worker result.
func (r *run) handle(ctx context.Context, res result, logger *slog.Logger) error {
	e := r.e
	r.inflight--
	item := res.job.item

	if res.err == nil {
		if err := e.registry.Commit(ctx, res.job.res, item); err != nil {
			return &ItemError{Item: item, Err: fmt.Errorf("commit: %w", err)}
		}
		r.sinceCheckpoint++
		r.committed(ctx, res)
		r.progress.Do(func() {
			logger.Info("generation progress",
				slog.Int("committed", r.report.Committed),
				slog.Int("requested", e.params.Count),
				slog.Int("pending", len(r.queue)),
				slog.Int("in_flight", r.inflight))
		})
		return nil
	}

	if err := e.registry.Release(ctx, res.job.res); err != nil {
		r.report.RegistryErrors++
		r.e.metrics.RecordRejection(ctx, "registry_error")
		logger.Warn("reservation release failed",
			slog.Int("item", item),
			slog.String("error", err.Error()))
		r.pauseOnOpenCircuit(err)
	}

	var reason string
	switch {
	case r.pauseOnOpenCircuit(res.err):
		reason = "circuit_open"
	case errors.Is(res.err, imaging.ErrAnimationMismatch):
		r.report.AnimationMismatches++
		reason = "animation_mismatch"
	case errors.Is(res.err, imaging.ErrSizeMismatch):
		r.report.SizeMismatches++
		reason = "size_mismatch"
	case res.stage == stageWrite:
		r.report.WriteFailures++
		reason = "write_failed"
	default:
		r.report.RenderFailures++
		reason = "render_failed"
	}
	r.reject(ctx, item, reason, res.err)
	logger.Warn("item failed, reservation released",
		slog.Int("item", item),
		slog.String("stage", string(res.stage)),
		slog.String("reason", reason),
		slog.String("error", res.err.Error()))

	if r.attempts[item] >= e.params.MaxAttempts {
		r.exhaust(ctx, item)
		return nil
	}
	r.report.Requeues++
	r.requeue(item)
	return nil
}

func (r *run) committed(ctx context.Context, res result) {
	item := res.job.item
	r.report.Committed++
	if res.ext != "" {
		r.exts[item] = res.ext
	}
	r.e.metrics.RecordItem(ctx, telemetry.OutcomeCommitted)
	if r.e.onCommit != nil {
		r.e.onCommit(Item{
			Index:     item,
			Candidate: res.job.res.Candidate,
			Key:       res.job.res.Key,
			Rendered:  res.rendered,
			Ext:       res.ext,
		})
	}
}

func (r *run) requeue(item int) {
	r.queue = append([]int{item}, r.queue...)
}

func (r *run) reject(ctx context.Context, item int, reason string, err error) {
	r.lastReason[item] = err.Error()
	r.e.metrics.RecordRejection(ctx, reason)
	r.e.logger.Debug("candidate rejected",
		slog.Int("item", item),
		slog.Int("attempt", r.attempts[item]),
		slog.String("reason", reason),
		slog.String("error", err.Error()))
}

func (r *run) exhaust(ctx context.Context, item int) {
	r.report.Exhausted = append(r.report.Exhausted, ExhaustedItem{
		Item:       item,
		Attempts:   r.attempts[item],
		LastReason: r.lastReason[item],
	})
	r.e.metrics.RecordItem(ctx, telemetry.OutcomeExhausted)
	err := &ItemError{Item: item, Err: ErrGenerationExhausted}
	r.e.logger.Warn("item skipped",
		slog.Int("item", item),
		slog.Int("attempts", r.attempts[item]),
		slog.String("error", err.Error()),
		slog.String("last_reason", r.lastReason[item]))
}

// =============================================================================
// Checkpoints and reports
// =============================================================================

// checkpoint saves the committed state and the random source. Callers
// make sure nothing is in flight.
func (r *run) checkpoint(ctx context.Context, logger *slog.Logger) error {
	e := r.e
	ctx = context.WithoutCancel(ctx)
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Engine.checkpoint")
	defer span.End()

	if !e.registry.Dirty() {
		r.sinceCheckpoint = 0
		logger.Debug("checkpoint skipped, nothing changed")
		return nil
	}

	start := time.Now()
	snap := e.registry.Snapshot()
	state, err := r.rand.State()
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("%w: %w", ErrCheckpoint, err)
	}
	snap.RunID = r.report.RunID
	snap.Seed = r.rand.Seed()
	snap.RNGState = state
	snap.SavedAt = e.now().UTC()

	_, err = resilience.Retry(ctx, e.params.GuardConfig().Retry, func(ctx context.Context, _ int) error {
		return e.store.Save(ctx, snap)
	})
	e.metrics.RecordCheckpoint(ctx, time.Since(start), err)
	if err != nil {
		telemetry.RecordError(span, err)
		logger.Error("checkpoint failed", slog.String("error", err.Error()))
		return fmt.Errorf("%w: %w", ErrCheckpoint, err)
	}
	e.registry.MarkClean()
	r.sinceCheckpoint = 0
	r.report.Checkpoints++
	telemetry.SetSpanOK(span)
	logger.Info("checkpoint saved",
		slog.Int("items", len(snap.Similarity.Entries)),
		slog.Int("next_id", snap.NextID),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func (r *run) cacheStats() imaging.CacheStats {
	var total imaging.CacheStats
	for _, c := range r.caches {
		total = total.Add(c.Stats())
	}
	return total
}

// finish copies counters into the report.
func (r *run) finish() {
	e := r.e
	rs := e.registry.Stats()
	r.report.Draws = e.selector.Draws()
	r.report.RuleRejections = e.selector.RuleRejections()
	r.report.ExactDuplicates = rs.ExactDuplicates
	r.report.SimilarityViolations = rs.SimilarityViolations
	r.report.PriorityCollisions = rs.PriorityCollisions
	r.report.Cache = r.cacheStats()
	r.report.IO = e.guard.Stats()
	r.report.Distribution = e.registry.Snapshot().Similarity.Counts
	r.report.Duration = e.now().Sub(r.report.StartedAt)
}

// writeReports writes the statistics, rarity report and manifest.
func (r *run) writeReports(ctx context.Context) error {
	e := r.e
	ctx = context.WithoutCancel(ctx)
	sink := NewSink(e.output, e.guard, e.builder, e.params.Format)

	snap := e.registry.Snapshot()
	total := len(snap.Similarity.Entries)
	rows := metadata.RarityRows(e.cat, metadata.Distribution(snap.Similarity.Counts), total, e.selector.Probability)
	csv, err := metadata.EncodeRarityCSV(rows)
	if err != nil {
		return err
	}

	items := make([]int, 0, total)
	for _, en := range snap.Similarity.Entries {
		items = append(items, en.Item)
	}
	manifest, err := metadata.BuildManifest(ctx, e.output, items, func(item int) string {
		if ext, ok := r.exts[item]; ok {
			return ext
		}
		return e.params.Format.Ext()
	})
	if err != nil {
		return err
	}
	manifestJSON, err := metadata.EncodeJSON(manifest)
	if err != nil {
		return err
	}
	stats, err := metadata.EncodeJSON(r.report)
	if err != nil {
		return err
	}

	return errors.Join(
		sink.WriteFile(ctx, metadata.RarityFile, csv),
		sink.WriteFile(ctx, metadata.ManifestFile, manifestJSON),
		sink.WriteFile(ctx, metadata.StatsFile, stats),
	)
}
