// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package imaging decodes trait layers, caches them under a memory budget,
// and composites them into finished item images.
//
// Layers are fetched in layering order, each through a shared Cache. On a
// miss a Loader reads the layer file and decodes it; that read and decode
// runs under a resilience.Guard so transient storage failures are retried
// and a failing store trips the circuit breaker.
//
// A layer is static (one frame) or animated (several frames with one frame
// duration and loop count). If any layer of a candidate is animated the
// output is animated and static layers repeat on every frame.
package imaging

import (
	"errors"
	"image"
	"time"
)

var (
	// ErrSizeMismatch means a layer's dimensions differ from the canvas.
	// It is wrapped in resilience.Permanent and never retried.
	ErrSizeMismatch = errors.New("layer size does not match canvas")

	// ErrAnimationMismatch means animated layers of one candidate disagree
	// on frame count, frame duration or loop count.
	ErrAnimationMismatch = errors.New("animated layers disagree")

	// ErrUnsupportedFormat means the layer bytes are not a known image
	// format, or an output format name is unknown.
	ErrUnsupportedFormat = errors.New("unsupported image format")
)

// LayerKey identifies a trait option's layer.
type LayerKey struct {
	Type   string
	Option string
}

// String returns "Type/Option".
func (k LayerKey) String() string {
	return k.Type + "/" + k.Option
}

// Layer is a decoded trait image.
type Layer struct {
	// Frames holds one image for static layers, several for animated ones.
	// All frames are full-canvas, already composed from any GIF deltas.
	Frames []*image.NRGBA

	// FrameDurationMS is the display time of each frame. Zero for static.
	FrameDurationMS int

	// LoopCount follows GIF semantics: 0 loops forever, -1 plays once.
	LoopCount int
}

// Animated reports whether the layer has more than one frame.
func (l *Layer) Animated() bool {
	return len(l.Frames) > 1
}

// Bounds returns the size of the first frame.
func (l *Layer) Bounds() image.Rectangle {
	if len(l.Frames) == 0 {
		return image.Rectangle{}
	}
	return l.Frames[0].Bounds()
}

// Size estimates the layer's memory as width*height*4 per frame.
func (l *Layer) Size() int64 {
	b := l.Bounds()
	return int64(b.Dx()) * int64(b.Dy()) * 4 * int64(len(l.Frames))
}

// CacheEntry is a cached layer. It is owned by the Cache; eviction drops it.
type CacheEntry struct {
	Key        LayerKey
	Layer      *Layer
	Size       int64
	LastAccess time.Time
}

// Rendered is a composited item image.
type Rendered struct {
	// Frames holds one image for static output, several for animated output.
	Frames []*image.NRGBA

	// FrameDurationMS and LoopCount come from the animated layers.
	FrameDurationMS int
	LoopCount       int
}

// Animated reports whether the output has more than one frame.
func (r *Rendered) Animated() bool {
	return len(r.Frames) > 1
}
