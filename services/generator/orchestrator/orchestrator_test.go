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
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/traitforge/services/generator/collection"
	"github.com/AleutianAI/traitforge/services/generator/metadata"
	"github.com/AleutianAI/traitforge/services/generator/storage"
	"github.com/AleutianAI/traitforge/services/generator/uniqueness"
)

// =============================================================================
// Helpers
// =============================================================================

var fixedClock = func() time.Time { return time.Unix(1_700_000_000, 0) }

func solidPNG(t *testing.T, w, h int, c color.NRGBA) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func twoFrameGIF(t *testing.T, w, h int) []byte {
	t.Helper()
	pal := color.Palette{color.Transparent, color.NRGBA{R: 255, A: 255}, color.NRGBA{B: 255, A: 255}}
	g := &gif.GIF{}
	for i := 1; i <= 2; i++ {
		p := image.NewPaletted(image.Rect(0, 0, w, h), pal)
		for j := range p.Pix {
			p.Pix[j] = uint8(i)
		}
		g.Image = append(g.Image, p)
		g.Delay = append(g.Delay, 10)
	}
	var buf bytes.Buffer
	require.NoError(t, gif.EncodeAll(&buf, g))
	return buf.Bytes()
}

// loadCatalog parses config and writes a canvas-sized PNG for every option
// without an explicit file.
func loadCatalog(t *testing.T, config string) (*collection.Catalog, *storage.MemFS) {
	t.Helper()
	cat, err := collection.Load([]byte(config), nil)
	require.NoError(t, err)
	traits := storage.NewMemFS()
	for ti, tt := range cat.Types {
		for oi, opt := range tt.Options {
			if opt.File != "" {
				continue
			}
			c := color.NRGBA{R: uint8(40 * ti), G: uint8(60 * oi), B: 128, A: 255}
			traits.Put(collection.DefaultFile(tt.Name, opt.Name, ".png"), solidPNG(t, cat.Width, cat.Height, c))
		}
	}
	return cat, traits
}

// gridConfig has four trait types with three options each: 81 combinations.
func gridConfig(maxSimilar int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "name: Grid\ntrait_order: [A, B, C, D]\nimage_size: [2, 2]\nmax_similar_combinations: %d\ntraits:\n", maxSimilar)
	for _, name := range []string{"A", "B", "C", "D"} {
		fmt.Fprintf(&b, "  %s:\n    options:\n      - {name: x}\n      - {name: y}\n      - {name: z}\n", name)
	}
	return b.String()
}

func testParams(count, workers int) Params {
	p := DefaultParams(count)
	p.Workers = workers
	p.Seed = 7
	p.RetryDelay = time.Millisecond
	p.MaxRetryDelay = 2 * time.Millisecond
	p.BreakerCooldown = 10 * time.Millisecond
	return p
}

type harness struct {
	cat     *collection.Catalog
	traits  *storage.MemFS
	output  *storage.MemFS
	commits map[int]Item
}

func newHarness(t *testing.T, config string) *harness {
	t.Helper()
	cat, traits := loadCatalog(t, config)
	return &harness{cat: cat, traits: traits, output: storage.NewMemFS(), commits: make(map[int]Item)}
}

func (h *harness) engine(t *testing.T, p Params, mutate ...func(*Config)) *Engine {
	t.Helper()
	cfg := Config{
		Catalog:  h.cat,
		Params:   p,
		Traits:   h.traits,
		Output:   h.output,
		Clock:    fixedClock,
		OnCommit: func(it Item) { h.commits[it.Index] = it },
	}
	for _, m := range mutate {
		m(&cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func readRecords(t *testing.T, fsys storage.FileSystem) []metadata.Stored {
	t.Helper()
	stored, err := metadata.ReadAll(context.Background(), fsys)
	require.NoError(t, err)
	return stored
}

func overlap(a, b collection.Candidate) int {
	n := 0
	for i := range a.Picks {
		if a.Picks[i] == b.Picks[i] {
			n++
		}
	}
	return n
}

// =============================================================================
// Params
// =============================================================================

func TestDefaultParams_Valid(t *testing.T) {
	p := DefaultParams(10)
	require.NoError(t, p.Validate())
	assert.GreaterOrEqual(t, p.Workers, 1)
	assert.Equal(t, 100, p.CheckpointEvery)

	gc := p.GuardConfig()
	assert.Equal(t, p.BreakerThreshold, gc.Breaker.FailureThreshold)
	assert.Equal(t, p.RetryAttempts, gc.Retry.MaxAttempts)
}

func TestParams_ValidateReportsEveryField(t *testing.T) {
	p := DefaultParams(0)
	p.Workers = 0
	p.Format = "bmp"

	err := p.Validate()
	require.ErrorIs(t, err, ErrInvalidParams)
	assert.Contains(t, err.Error(), "Count")
	assert.Contains(t, err.Error(), "Workers")
	assert.Contains(t, err.Error(), "Format")
}

func TestNew_RequiresInputs(t *testing.T) {
	h := newHarness(t, gridConfig(0))

	_, err := New(Config{Params: testParams(1, 1)})
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = New(Config{Catalog: h.cat, Params: testParams(1, 1), Output: h.output})
	assert.ErrorIs(t, err, ErrInvalidParams, "traits required when rendering")

	dry := testParams(1, 1)
	dry.DryRun = true
	_, err = New(Config{Catalog: h.cat, Params: dry})
	assert.NoError(t, err, "dry run needs no directories")
}

// =============================================================================
// Generation
// =============================================================================

const scenarioAConfig = `
trait_order: [Background, Body]
image_size: [2, 2]
traits:
  Background:
    options:
      - {name: Red, rarity: 5}
      - {name: Blue, rarity: 5}
  Body:
    options:
      - {name: Cat, rarity: 5}
      - {name: Dog, rarity: 5}
`

func TestRun_EveryCombinationOnce(t *testing.T) {
	h := newHarness(t, scenarioAConfig)
	report, err := h.engine(t, testParams(4, 2)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, report.Committed)
	assert.Empty(t, report.Exhausted)
	assert.NotEmpty(t, report.RunID)

	keys := make(map[uniqueness.Key]int)
	for id, it := range h.commits {
		keys[it.Key] = id
	}
	assert.Len(t, keys, 4)

	for id := 1; id <= 4; id++ {
		ok, err := h.output.Exists(context.Background(), metadata.ImagePath(id, ".png"))
		require.NoError(t, err)
		assert.True(t, ok, "image %d", id)
	}
	records := readRecords(t, h.output)
	require.Len(t, records, 4)
	for _, s := range records {
		assert.Equal(t, string(h.commits[s.Item].Key), s.Record.Properties.Hash)
		assert.Equal(t, fmt.Sprintf("ipfs://<your-ipfs-cid>/%d.png", s.Item), s.Record.Image)
		assert.Equal(t, "1700000000", s.Record.Properties.GenerationTimestamp)
	}
}

func TestRun_WritesCollectionReports(t *testing.T) {
	h := newHarness(t, scenarioAConfig)
	_, err := h.engine(t, testParams(4, 1)).Run(context.Background())
	require.NoError(t, err)
	ctx := context.Background()

	csv, err := h.output.ReadFile(ctx, metadata.RarityFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(csv)), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "trait_type,option,expected_pct,actual_pct,count", lines[0])
	assert.Equal(t, "Background,Red,50.00,50.00,2", lines[1])

	raw, err := h.output.ReadFile(ctx, metadata.ManifestFile)
	require.NoError(t, err)
	var manifest []metadata.ManifestEntry
	require.NoError(t, json.Unmarshal(raw, &manifest))
	require.Len(t, manifest, 4)
	for _, m := range manifest {
		assert.Len(t, m.ImageSHA256, 64)
		assert.Len(t, m.MetadataSHA256, 64)
	}

	raw, err = h.output.ReadFile(ctx, metadata.StatsFile)
	require.NoError(t, err)
	var stats Report
	require.NoError(t, json.Unmarshal(raw, &stats))
	assert.Equal(t, 4, stats.Committed)
	assert.Equal(t, 2, stats.Distribution["Body"]["Cat"])
	assert.Equal(t, 1, stats.Checkpoints)

	snap, err := uniqueness.NewFileStore(h.output, "").Load(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Similarity.Entries, 4)
	assert.Equal(t, uint64(7), snap.Seed)
	assert.NotEmpty(t, snap.RNGState)
}

const ruleConfig = `
trait_order: [A, B, C]
image_size: [2, 2]
traits:
  A:
    options:
      - {name: Robot, rarity: 5}
      - {name: Human, rarity: 1}
  B:
    options:
      - {name: X, rarity: 5}
      - {name: Y, rarity: 1}
  C:
    options:
      - {name: P}
      - {name: Q}
rules:
  - if: {trait_type: A, value: Robot}
    then: {trait_type: B, excluded_values: [X]}
`

func TestRun_RuleCompliance(t *testing.T) {
	h := newHarness(t, ruleConfig)
	p := testParams(5, 3)
	p.MaxAttempts = 200
	report, err := h.engine(t, p).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, report.Committed)

	for _, s := range readRecords(t, h.output) {
		v := s.Record.Values()
		assert.False(t, v["A"] == "Robot" && v["B"] == "X", "item %d violates the rule", s.Item)
	}
}

func TestRun_DeterministicAcrossWorkerCounts(t *testing.T) {
	run := func(workers int, dry bool) map[int]uniqueness.Key {
		h := newHarness(t, gridConfig(0))
		p := testParams(20, workers)
		p.Seed = 42
		p.DryRun = dry
		_, err := h.engine(t, p).Run(context.Background())
		require.NoError(t, err)
		out := make(map[int]uniqueness.Key, len(h.commits))
		for id, it := range h.commits {
			out[id] = it.Key
		}
		return out
	}

	one := run(1, false)
	require.Len(t, one, 20)
	assert.Equal(t, one, run(4, false))
	assert.Equal(t, one, run(8, false))
	assert.Equal(t, one, run(1, true), "dry run drafts the same sequence")
}

func TestRun_SimilarityBound(t *testing.T) {
	h := newHarness(t, gridConfig(2))
	p := testParams(9, 1)
	p.DryRun = true
	p.MaxAttempts = 500
	report, err := h.engine(t, p).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 9, report.Committed+len(report.Exhausted))
	threshold := h.cat.SimilarityThreshold()
	require.Equal(t, 2, threshold)
	for i, a := range h.commits {
		for j, b := range h.commits {
			if i < j {
				assert.Less(t, overlap(a.Candidate, b.Candidate), threshold, "items %d and %d", i, j)
			}
		}
	}
	assert.Greater(t, report.SimilarityViolations, int64(0))
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	h := newHarness(t, gridConfig(0))
	p := testParams(10, 4)
	p.DryRun = true
	report, err := h.engine(t, p).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Equal(t, 10, report.Committed)
	assert.Empty(t, h.output.Files())
	for _, it := range h.commits {
		assert.Nil(t, it.Rendered)
	}
}

const animatedConfig = `
trait_order: [Background, Eyes]
image_size: [2, 2]
traits:
  Background:
    options:
      - {name: Plain}
  Eyes:
    options:
      - {name: Blink, file: Eyes/Blink.gif, animated: true, frames: 2}
`

func TestRun_AnimatedOutputIsGIF(t *testing.T) {
	h := newHarness(t, animatedConfig)
	h.traits.Put("Eyes/Blink.gif", twoFrameGIF(t, 2, 2))

	report, err := h.engine(t, testParams(1, 1)).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Committed)

	it := h.commits[1]
	assert.Equal(t, ".gif", it.Ext)
	require.NotNil(t, it.Rendered)
	assert.Len(t, it.Rendered.Frames, 2)

	ok, err := h.output.Exists(context.Background(), "images/1.gif")
	require.NoError(t, err)
	assert.True(t, ok)

	raw, err := h.output.ReadFile(context.Background(), metadata.ManifestFile)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"images/1.gif"`)
}

// =============================================================================
// Failures
// =============================================================================

func TestRun_WriteFailureRequeuesItem(t *testing.T) {
	h := newHarness(t, gridConfig(0))
	var failed atomic.Int32
	h.output.SetFault(func(op storage.Op, name string) error {
		if op == storage.OpWrite && name == "images/2.png" && failed.Load() < 3 {
			failed.Add(1)
			return errors.New("disk hiccup")
		}
		return nil
	})

	report, err := h.engine(t, testParams(4, 1)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, report.Committed)
	assert.Equal(t, int64(1), report.WriteFailures)
	assert.Equal(t, int64(1), report.Requeues)
	assert.Contains(t, h.commits, 2)
	assert.Equal(t, int64(1), report.IO.RetryFailures)
}

const badLayerConfig = `
trait_order: [A, Hat]
image_size: [2, 2]
traits:
  A:
    options:
      - {name: x}
      - {name: y}
  Hat:
    options:
      - {name: Huge, file: Hat/Huge.png}
`

func TestRun_SizeMismatchExhaustsItem(t *testing.T) {
	h := newHarness(t, badLayerConfig)
	h.traits.Put("Hat/Huge.png", solidPNG(t, 4, 4, color.NRGBA{R: 255, A: 255}))

	p := testParams(2, 1)
	p.MaxAttempts = 3
	report, err := h.engine(t, p).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, report.Committed)
	require.Len(t, report.Exhausted, 2)
	assert.Equal(t, 3, report.Exhausted[0].Attempts)
	assert.Contains(t, report.Exhausted[0].LastReason, "canvas is 2x2")
	assert.Equal(t, int64(6), report.SizeMismatches)
	assert.Equal(t, "CLOSED", report.IO.BreakerState, "size mismatches do not trip the breaker")
	assert.Empty(t, readRecords(t, h.output))
}

func TestRun_OpenCircuitExhaustsItem(t *testing.T) {
	h := newHarness(t, gridConfig(0))
	h.output.SetFault(func(op storage.Op, name string) error {
		if op == storage.OpWrite && strings.HasPrefix(name, "images/") {
			return errors.New("bucket unavailable")
		}
		return nil
	})

	p := testParams(1, 1)
	p.MaxAttempts = 2
	p.BreakerThreshold = 2
	report, err := h.engine(t, p).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, report.Committed)
	require.Len(t, report.Exhausted, 1)
	assert.Equal(t, int64(2), report.CircuitOpenFastFails+report.WriteFailures+report.RenderFailures)
	assert.Greater(t, report.IO.BreakerTrips, int64(0))
}

func TestRun_CheckpointFailureIsFatal(t *testing.T) {
	h := newHarness(t, gridConfig(0))
	h.output.SetFault(func(op storage.Op, name string) error {
		if op == storage.OpWrite && name == uniqueness.DefaultSnapshotName {
			return errors.New("read-only file system")
		}
		return nil
	})

	p := testParams(5, 2)
	p.CheckpointEvery = 1
	report, err := h.engine(t, p).Run(context.Background())
	require.ErrorIs(t, err, ErrCheckpoint)
	require.NotNil(t, report)
	assert.Equal(t, 0, report.Checkpoints)
	assert.Less(t, report.Committed, 5)

	ok, err := h.output.Exists(context.Background(), metadata.StatsFile)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRun_MissingLayerFile(t *testing.T) {
	h := newHarness(t, gridConfig(0))
	require.NoError(t, h.traits.Remove(context.Background(), "C/y.png"))

	_, err := h.engine(t, testParams(1, 1)).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, collection.ErrConfiguration)
	assert.Contains(t, err.Error(), "C/y.png")
}

// =============================================================================
// Resume
// =============================================================================

func TestRun_ResumeKeepsExistingItems(t *testing.T) {
	h := newHarness(t, gridConfig(0))
	_, err := h.engine(t, testParams(4, 2)).Run(context.Background())
	require.NoError(t, err)

	before := make(map[string][]byte)
	for _, s := range readRecords(t, h.output) {
		data, err := h.output.ReadFile(context.Background(), s.Path)
		require.NoError(t, err)
		before[s.Path] = data
	}
	require.Len(t, before, 4)

	h.commits = make(map[int]Item)
	p := testParams(8, 2)
	p.Resume = true
	report, err := h.engine(t, p).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Resumed)
	assert.Equal(t, 4, report.Skipped)
	assert.Equal(t, 4, report.Committed)
	assert.Equal(t, 8, report.Total())
	for id := 1; id <= 4; id++ {
		assert.NotContains(t, h.commits, id, "item %d regenerated", id)
	}

	hashes := make(map[string]bool)
	for _, s := range readRecords(t, h.output) {
		hashes[s.Record.Properties.Hash] = true
		if old, ok := before[s.Path]; ok {
			data, err := h.output.ReadFile(context.Background(), s.Path)
			require.NoError(t, err)
			assert.Equal(t, old, data, "%s changed", s.Path)
		}
	}
	assert.Len(t, hashes, 8)
}

func TestRun_CancelCheckpointsAndResumes(t *testing.T) {
	h := newHarness(t, gridConfig(0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := testParams(12, 2)
	p.CheckpointEvery = 2
	e := h.engine(t, p, func(c *Config) {
		c.OnCommit = func(it Item) {
			h.commits[it.Index] = it
			if len(h.commits) == 3 {
				cancel()
			}
		}
	})
	first, err := e.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, first)
	assert.True(t, first.Interrupted)
	assert.GreaterOrEqual(t, first.Committed, 3)
	assert.Less(t, first.Committed, 12)

	snap, err := uniqueness.NewFileStore(h.output, "").Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Similarity.Entries, first.Committed, "final checkpoint holds every committed item")

	firstKeys := make(map[int]uniqueness.Key)
	for id, it := range h.commits {
		firstKeys[id] = it.Key
	}

	h.commits = make(map[int]Item)
	p.Resume = true
	second, err := h.engine(t, p).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Committed, second.Skipped)
	assert.Equal(t, 12, second.Total())

	records := readRecords(t, h.output)
	require.Len(t, records, 12)
	hashes := make(map[string]bool)
	for _, s := range records {
		hashes[s.Record.Properties.Hash] = true
		if key, ok := firstKeys[s.Item]; ok {
			assert.Equal(t, string(key), s.Record.Properties.Hash, "item %d changed", s.Item)
		}
	}
	assert.Len(t, hashes, 12)
}

func TestRun_ResumeWithoutCheckpoint(t *testing.T) {
	h := newHarness(t, gridConfig(0))
	p := testParams(3, 1)
	p.Resume = true
	report, err := h.engine(t, p).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Resumed)
	assert.Equal(t, 3, report.Committed)
	assert.Equal(t, 0, report.Skipped)
}

func TestRun_ResumeRegeneratesForeignRecord(t *testing.T) {
	h := newHarness(t, gridConfig(0))
	rec := &metadata.Record{
		Name:       "#1",
		Image:      "ipfs://cid/1.png",
		Attributes: []metadata.Attribute{{TraitType: "A", Value: "unknown"}},
		Properties: metadata.Properties{ID: 1},
	}
	data, err := metadata.Encode(rec, true)
	require.NoError(t, err)
	h.output.Put(metadata.RecordPath(1), data)

	p := testParams(2, 1)
	p.Resume = true
	report, err := h.engine(t, p).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), report.AdoptConflicts)
	assert.Equal(t, 0, report.Skipped)
	assert.Equal(t, 2, report.Committed)
	assert.Contains(t, h.commits, 1)
}
