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
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strconv"

	"github.com/AleutianAI/traitforge/services/generator/collection"
	"github.com/AleutianAI/traitforge/services/generator/storage"
)

// Distribution counts option occurrences per trait type.
type Distribution map[string]map[string]int

// Add counts one item's attributes.
func (d Distribution) Add(values map[string]string) {
	for t, v := range values {
		if d[t] == nil {
			d[t] = make(map[string]int)
		}
		d[t][v]++
	}
}

// RarityRow compares an option's expected and observed share.
type RarityRow struct {
	TraitType   string
	Option      string
	ExpectedPct float64
	ActualPct   float64
	Count       int
}

// RarityRows builds one row per option of cat, in layering order.
// expected returns an option's selection probability in [0, 1].
func RarityRows(cat *collection.Catalog, dist Distribution, total int, expected func(traitType, option string) float64) []RarityRow {
	var rows []RarityRow
	for _, tt := range cat.Types {
		for _, opt := range tt.Options {
			count := dist[tt.Name][opt.Name]
			row := RarityRow{
				TraitType:   tt.Name,
				Option:      opt.Name,
				ExpectedPct: expected(tt.Name, opt.Name) * 100,
				Count:       count,
			}
			if total > 0 {
				row.ActualPct = float64(count) / float64(total) * 100
			}
			rows = append(rows, row)
		}
	}
	return rows
}

// EncodeRarityCSV renders rows with a header line.
func EncodeRarityCSV(rows []RarityRow) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"trait_type", "option", "expected_pct", "actual_pct", "count"})
	for _, r := range rows {
		_ = w.Write([]string{
			r.TraitType,
			r.Option,
			strconv.FormatFloat(r.ExpectedPct, 'f', 2, 64),
			strconv.FormatFloat(r.ActualPct, 'f', 2, 64),
			strconv.Itoa(r.Count),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("encode rarity report: %w", err)
	}
	return buf.Bytes(), nil
}

// ManifestEntry lists an item's files and their SHA-256 digests. A digest
// is empty when the file is missing.
type ManifestEntry struct {
	ID             int    `json:"id"`
	Image          string `json:"image"`
	ImageSHA256    string `json:"image_sha256,omitempty"`
	Metadata       string `json:"metadata"`
	MetadataSHA256 string `json:"metadata_sha256,omitempty"`
}

// BuildManifest hashes the image and record of every item.
func BuildManifest(ctx context.Context, fsys storage.FileSystem, items []int, imageExt func(item int) string) ([]ManifestEntry, error) {
	out := make([]ManifestEntry, 0, len(items))
	for _, item := range items {
		e := ManifestEntry{
			ID:       item,
			Image:    ImagePath(item, imageExt(item)),
			Metadata: RecordPath(item),
		}
		var err error
		if e.ImageSHA256, err = digest(ctx, fsys, e.Image); err != nil {
			return nil, err
		}
		if e.MetadataSHA256, err = digest(ctx, fsys, e.Metadata); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func digest(ctx context.Context, fsys storage.FileSystem, name string) (string, error) {
	data, err := fsys.ReadFile(ctx, name)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", name, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// EncodeJSON is indented JSON for the collection-level reports.
func EncodeJSON(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return data, nil
}
