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
	"fmt"
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"strings"

	xdraw "golang.org/x/image/draw"
)

// Format is an output image format.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpg"
	FormatGIF  Format = "gif"
)

// JPEGQuality is the quality used for JPEG output.
const JPEGQuality = 95

// gifPalette is transparent plus the 216 web-safe colors.
var gifPalette = append(color.Palette{color.Transparent}, palette.WebSafe...)

// ParseFormat parses "png", "jpg", "jpeg" or "gif", case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "png":
		return FormatPNG, nil
	case "jpg", "jpeg":
		return FormatJPEG, nil
	case "gif":
		return FormatGIF, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// Ext returns the file extension with the leading dot.
func (f Format) Ext() string {
	return "." + string(f)
}

// OutputFormat returns the format r is written in when requested is asked
// for. Animated output is always GIF.
func OutputFormat(requested Format, r *Rendered) Format {
	if r.Animated() {
		return FormatGIF
	}
	return requested
}

// Encode writes r in format f.
//
// # Outputs
//
//   - error: Wraps ErrUnsupportedFormat for an unknown format, or for
//     animated output in a format other than GIF.
func Encode(w io.Writer, r *Rendered, f Format) error {
	if len(r.Frames) == 0 {
		return fmt.Errorf("encode: no frames")
	}
	if r.Animated() && f != FormatGIF {
		return fmt.Errorf("%w: animated output cannot be %s", ErrUnsupportedFormat, f)
	}

	switch f {
	case FormatPNG:
		return png.Encode(w, r.Frames[0])
	case FormatJPEG:
		return jpeg.Encode(w, flatten(r.Frames[0]), &jpeg.Options{Quality: JPEGQuality})
	case FormatGIF:
		return encodeGIF(w, r)
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedFormat, f)
}

func encodeGIF(w io.Writer, r *Rendered) error {
	g := &gif.GIF{LoopCount: r.LoopCount}
	delay := r.FrameDurationMS / 10
	for _, frame := range r.Frames {
		b := frame.Bounds()
		p := image.NewPaletted(b, gifPalette)
		xdraw.FloydSteinberg.Draw(p, b, frame, b.Min)
		g.Image = append(g.Image, p)
		g.Delay = append(g.Delay, delay)
		g.Disposal = append(g.Disposal, gif.DisposalBackground)
	}
	return gif.EncodeAll(w, g)
}

// flatten composites img over white, since JPEG has no alpha.
func flatten(img *image.NRGBA) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(b)
	xdraw.Draw(out, b, image.White, image.Point{}, xdraw.Src)
	xdraw.Draw(out, b, img, b.Min, xdraw.Over)
	return out
}
