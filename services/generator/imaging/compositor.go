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
	"context"
	"fmt"
	"image"

	xdraw "golang.org/x/image/draw"

	"github.com/AleutianAI/traitforge/services/generator/collection"
	"github.com/AleutianAI/traitforge/services/generator/resilience"
)

// LoadFunc loads a layer on a cache miss. (*Loader).Load is the usual one.
type LoadFunc func(ctx context.Context, key LayerKey) (*Layer, error)

// Compositor layers trait images into an item image.
//
// # Thread Safety
//
// Safe for concurrent use if the load function is. The engine builds one
// Compositor per worker, each with its own Cache.
type Compositor struct {
	cat   *collection.Catalog
	cache *Cache
	load  LoadFunc
}

// NewCompositor creates a compositor fetching layers through cache.
func NewCompositor(cat *collection.Catalog, cache *Cache, load LoadFunc) *Compositor {
	return &Compositor{cat: cat, cache: cache, load: load}
}

// Cache returns the compositor's layer cache.
func (c *Compositor) Cache() *Cache {
	return c.cache
}

// Composite renders cand.
//
// # Description
//
// Layers are fetched in layering order and drawn bottom to top with
// alpha blending. Every layer must be canvas-sized. Animated layers must
// agree on frame count, frame duration and loop count; the output then has
// that many frames and static layers repeat on each.
//
// # Inputs
//
//   - ctx: Cancels between layers.
//   - cand: Candidate in layering order.
//
// # Outputs
//
//   - *Rendered: The composited frames.
//   - error: Wraps ErrSizeMismatch or ErrAnimationMismatch (both permanent),
//     resilience.ErrCircuitOpen, or a load error.
func (c *Compositor) Composite(ctx context.Context, cand collection.Candidate) (*Rendered, error) {
	if len(cand.Picks) != len(c.cat.Types) {
		return nil, resilience.Permanent(fmt.Errorf("%w: candidate has %d picks, want %d",
			collection.ErrConfiguration, len(cand.Picks), len(c.cat.Types)))
	}

	layers := make([]*Layer, len(cand.Picks))
	var ref *Layer
	var refKey LayerKey
	for i, p := range cand.Picks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key := LayerKey{Type: p.Type, Option: p.Option}
		layer, err := c.cache.GetOrLoad(ctx, key, c.load)
		if err != nil {
			return nil, err
		}
		if err := checkSize(key, layer, c.cat.Width, c.cat.Height); err != nil {
			return nil, err
		}
		if layer.Animated() {
			if ref == nil {
				ref, refKey = layer, key
			} else if err := sameAnimation(refKey, ref, key, layer); err != nil {
				return nil, err
			}
		}
		layers[i] = layer
	}

	frameCount := 1
	out := &Rendered{}
	if ref != nil {
		frameCount = len(ref.Frames)
		out.FrameDurationMS = ref.FrameDurationMS
		out.LoopCount = ref.LoopCount
	}

	canvas := image.Rect(0, 0, c.cat.Width, c.cat.Height)
	out.Frames = make([]*image.NRGBA, frameCount)
	for f := 0; f < frameCount; f++ {
		dst := image.NewNRGBA(canvas)
		for _, layer := range layers {
			src := layer.Frames[0]
			if layer.Animated() {
				src = layer.Frames[f]
			}
			xdraw.Draw(dst, canvas, src, image.Point{}, xdraw.Over)
		}
		out.Frames[f] = dst
	}
	return out, nil
}

func sameAnimation(aKey LayerKey, a *Layer, bKey LayerKey, b *Layer) error {
	var what string
	switch {
	case len(a.Frames) != len(b.Frames):
		what = fmt.Sprintf("frame count %d vs %d", len(a.Frames), len(b.Frames))
	case a.FrameDurationMS != b.FrameDurationMS:
		what = fmt.Sprintf("frame duration %dms vs %dms", a.FrameDurationMS, b.FrameDurationMS)
	case a.LoopCount != b.LoopCount:
		what = fmt.Sprintf("loop count %d vs %d", a.LoopCount, b.LoopCount)
	default:
		return nil
	}
	return resilience.Permanent(fmt.Errorf("%w: %s and %s: %s", ErrAnimationMismatch, aKey, bKey, what))
}

// CheckDeclaredAnimation compares the declared animation settings of the
// options picked by cand, before anything is loaded. Options that leave a
// setting at zero are not compared on it. The decoded layers are checked
// again by Composite.
func CheckDeclaredAnimation(cat *collection.Catalog, cand collection.Candidate) error {
	var ref *collection.TraitOption
	var refName string
	for i := range cand.Picks {
		opt, err := cat.OptionFor(cand, i)
		if err != nil {
			return err
		}
		if !opt.Animated {
			continue
		}
		name := cand.Picks[i].Type + "/" + opt.Name
		if ref == nil {
			ref, refName = opt, name
			continue
		}
		if differs(ref.FrameCount, opt.FrameCount) ||
			differs(ref.FrameDurationMS, opt.FrameDurationMS) ||
			differs(ref.LoopCount, opt.LoopCount) {
			return fmt.Errorf("%w: %s and %s declare different timing", ErrAnimationMismatch, refName, name)
		}
	}
	return nil
}

func differs(a, b int) bool {
	return a != 0 && b != 0 && a != b
}
