// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/traitforge/services/generator/metadata"
)

func stored(item int, values ...string) metadata.Stored {
	rec := &metadata.Record{Name: "x", Properties: metadata.Properties{ID: item}}
	for i := 0; i+1 < len(values); i += 2 {
		rec.Attributes = append(rec.Attributes, metadata.Attribute{TraitType: values[i], Value: values[i+1]})
	}
	return metadata.Stored{Item: item, Path: metadata.RecordPath(item), Record: rec}
}

func TestOverlap(t *testing.T) {
	a := map[string]string{"A": "x", "B": "y", "C": "z"}
	assert.Equal(t, 3, overlap(a, a))
	assert.Equal(t, 1, overlap(a, map[string]string{"A": "x", "B": "q"}))
	assert.Equal(t, 0, overlap(a, map[string]string{"D": "x"}))
}

func TestInspectRecords(t *testing.T) {
	records := []metadata.Stored{
		stored(1, "A", "x", "B", "x", "C", "x"),
		stored(2, "A", "x", "B", "x", "C", "y"),
		stored(3, "A", "y", "B", "y", "C", "y"),
		stored(4, "A", "x", "B", "x", "C", "x"),
	}
	res := inspectRecords(records, 2)

	assert.Equal(t, 4, res.Items)
	assert.Equal(t, 1, res.Duplicates)
	require.Equal(t, 3, res.TotalPairs)
	assert.Equal(t, similarPair{A: 1, B: 4, Shared: 3}, res.Pairs[0], "most similar first")
	assert.ElementsMatch(t, []similarPair{{1, 2, 2}, {2, 4, 2}}, res.Pairs[1:])
	assert.Equal(t, 3, res.Distribution["A"]["x"])
	assert.Equal(t, 2, res.Distribution["C"]["y"])
}

func TestInspectRecords_NothingSimilar(t *testing.T) {
	res := inspectRecords([]metadata.Stored{
		stored(1, "A", "x", "B", "x"),
		stored(2, "A", "y", "B", "y"),
	}, 1)
	assert.Zero(t, res.TotalPairs)
	assert.Zero(t, res.Duplicates)
}

func writeRecords(t *testing.T, dir string, records ...metadata.Stored) {
	t.Helper()
	for _, s := range records {
		data, err := metadata.Encode(s.Record, false)
		require.NoError(t, err)
		path := filepath.Join(dir, filepath.FromSlash(s.Path))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, data, 0o600))
	}
}

func TestInspectCommand(t *testing.T) {
	ws := newWorkspace(t)
	writeRecords(t, ws.output,
		stored(1, "Background", "Red", "Shape", "Dot"),
		stored(2, "Background", "Red", "Shape", "Bar"),
	)

	// The collection has two trait types and no max_similar_combinations,
	// so only exact duplicates are too similar.
	out, _, err := execute(t, ws.args("inspect", "--json")...)
	require.NoError(t, err)
	var res inspection
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 2, res.Threshold)
	assert.Equal(t, 2, res.Items)
	assert.Zero(t, res.TotalPairs)

	out, _, err = execute(t, ws.args("inspect", "--json", "--threshold", "1")...)
	assert.ErrorIs(t, err, errSimilarItems)
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 1, res.TotalPairs)
}
