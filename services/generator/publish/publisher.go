// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package publish uploads a generated collection to object storage and
// points its metadata at the uploaded images.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"path"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/traitforge/services/generator/metadata"
	"github.com/AleutianAI/traitforge/services/generator/resilience"
	"github.com/AleutianAI/traitforge/services/generator/storage"
)

// Options control a publish.
type Options struct {
	// Prefix is prepended to every object name, without trailing slash.
	Prefix string

	// BaseURI, when set, replaces the image base of every record before
	// upload. The local records are rewritten too.
	BaseURI string

	// Concurrency bounds parallel uploads. Default: 8.
	Concurrency int

	// SkipImages uploads only metadata and reports.
	SkipImages bool
}

// Summary counts what a publish did.
type Summary struct {
	Images    int   `json:"images"`
	Records   int   `json:"records"`
	Reports   int   `json:"reports"`
	Rewritten int   `json:"rewritten"`
	Bytes     int64 `json:"bytes"`
}

// Publisher uploads an output directory to a Bucket.
//
// # Thread Safety
//
// Safe for concurrent use; each Publish call is independent.
type Publisher struct {
	out    storage.FileSystem
	bucket Bucket
	guard  *resilience.Guard
	logger *slog.Logger
}

// NewPublisher creates a publisher. guard may be nil.
func NewPublisher(out storage.FileSystem, bucket Bucket, guard *resilience.Guard, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{out: out, bucket: bucket, guard: guard, logger: logger.With(slog.String("component", "publish"))}
}

// Publish uploads images, then metadata records, then the collection
// reports.
//
// # Description
//
// Images go first so a record is never visible before the image it
// points at. Uploads within a phase run in parallel.
//
// # Outputs
//
//   - *Summary: What was uploaded, also on error.
//   - error: The first upload or rewrite failure.
func (p *Publisher) Publish(ctx context.Context, opts Options) (*Summary, error) {
	if opts.Concurrency < 1 {
		opts.Concurrency = 8
	}
	sum := &Summary{}
	var bytes atomic.Int64
	defer func() { sum.Bytes = bytes.Load() }()

	if !opts.SkipImages {
		names, err := p.out.List(ctx, metadata.ImagesDir)
		if err != nil {
			return sum, fmt.Errorf("list images: %w", err)
		}
		n, err := p.uploadAll(ctx, opts, names, metadata.ImagesDir, &bytes, nil)
		sum.Images = n
		if err != nil {
			return sum, err
		}
	}

	stored, err := metadata.ReadAll(ctx, p.out)
	if err != nil {
		return sum, err
	}
	if opts.BaseURI != "" {
		for _, s := range stored {
			if !metadata.RewriteBaseURI(s.Record, opts.BaseURI) {
				continue
			}
			data, err := metadata.Encode(s.Record, false)
			if err != nil {
				return sum, err
			}
			if err := p.out.WriteFile(ctx, s.Path, data); err != nil {
				return sum, fmt.Errorf("rewrite %s: %w", s.Path, err)
			}
			sum.Rewritten++
		}
	}
	records := make([]string, len(stored))
	for i, s := range stored {
		records[i] = path.Base(s.Path)
	}
	n, err := p.uploadAll(ctx, opts, records, metadata.RecordsDir, &bytes, nil)
	sum.Records = n
	if err != nil {
		return sum, err
	}

	reports := []string{metadata.StatsFile, metadata.RarityFile, metadata.ManifestFile}
	n, err = p.uploadAll(ctx, opts, reports, "", &bytes, func(err error) bool {
		return errors.Is(err, fs.ErrNotExist)
	})
	sum.Reports = n
	if err != nil {
		return sum, err
	}

	p.logger.Info("collection published",
		slog.Int("images", sum.Images),
		slog.Int("records", sum.Records),
		slog.Int("reports", sum.Reports),
		slog.Int("rewritten", sum.Rewritten),
		slog.Int64("bytes", bytes.Load()))
	return sum, nil
}

// uploadAll uploads dir/name for every name. Read errors matched by skip
// are ignored. It returns the number of objects uploaded.
func (p *Publisher) uploadAll(ctx context.Context, opts Options, names []string, dir string, bytes *atomic.Int64, skip func(error) bool) (int, error) {
	var uploaded atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for _, name := range names {
		local := name
		if dir != "" {
			local = dir + "/" + name
		}
		g.Go(func() error {
			data, err := p.out.ReadFile(gctx, local)
			if err != nil {
				if skip != nil && skip(err) {
					return nil
				}
				return fmt.Errorf("read %s: %w", local, err)
			}
			object := objectName(opts.Prefix, local)
			if err := p.upload(gctx, object, data, contentType(local)); err != nil {
				return err
			}
			uploaded.Add(1)
			bytes.Add(int64(len(data)))
			p.logger.Debug("uploaded", slog.String("object", object), slog.Int("bytes", len(data)))
			return nil
		})
	}
	err := g.Wait()
	return int(uploaded.Load()), err
}

func (p *Publisher) upload(ctx context.Context, object string, data []byte, ct string) error {
	fn := func(ctx context.Context) error {
		return p.bucket.Upload(ctx, object, data, ct)
	}
	if p.guard == nil {
		return fn(ctx)
	}
	return p.guard.Do(ctx, "upload "+object, fn)
}

func objectName(prefix, local string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return local
	}
	return prefix + "/" + local
}

func contentType(name string) string {
	switch ext := strings.ToLower(path.Ext(name)); ext {
	case ".json":
		return "application/json"
	case ".csv":
		return "text/csv"
	default:
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct
		}
		return "application/octet-stream"
	}
}
