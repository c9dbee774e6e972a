// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package metadata

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/AleutianAI/traitforge/services/generator/storage"
)

// Output directory layout.
const (
	ImagesDir    = "images"
	RecordsDir   = "metadata"
	StatsFile    = "collection_stats.json"
	RarityFile   = "rarity_report.csv"
	ManifestFile = "manifest.json"
)

// ImagePath returns the output path of item's image.
func ImagePath(item int, ext string) string {
	return ImagesDir + "/" + strconv.Itoa(item) + ext
}

// RecordPath returns the output path of item's metadata record.
func RecordPath(item int) string {
	return RecordsDir + "/" + strconv.Itoa(item) + ".json"
}

// Stored is a record found in an output directory.
type Stored struct {
	Item   int
	Path   string
	Record *Record
}

// ReadAll loads every metadata record under RecordsDir, sorted by item.
//
// # Description
//
// Files whose name is not "<item>.json" are ignored. A record that fails
// to parse is an error; a half-written record cannot exist since outputs
// are replaced atomically.
func ReadAll(ctx context.Context, fsys storage.FileSystem) ([]Stored, error) {
	names, err := fsys.List(ctx, RecordsDir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", RecordsDir, err)
	}
	var out []Stored
	for _, name := range names {
		base := path.Base(name)
		item, err := strconv.Atoi(strings.TrimSuffix(base, ".json"))
		if err != nil || !strings.HasSuffix(base, ".json") || item < 1 {
			continue
		}
		p := RecordsDir + "/" + base
		data, err := fsys.ReadFile(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		rec, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		out = append(out, Stored{Item: item, Path: p, Record: rec})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Item < out[j].Item })
	return out, nil
}
