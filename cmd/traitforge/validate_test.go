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
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/traitforge/services/generator/storage"
)

func TestValidateOnce_Valid(t *testing.T) {
	ws := newWorkspace(t)
	res := validateOnce(context.Background(), ws.config, "", storage.NewOSFS(ws.traits))
	assert.True(t, res.Valid)
	assert.Equal(t, 2, res.TraitTypes)
	assert.Equal(t, 4, res.Options)
	assert.Equal(t, "4", res.Combinations)
	assert.Equal(t, 2, res.Threshold)
}

func TestValidateOnce_MissingLayer(t *testing.T) {
	ws := newWorkspace(t)
	require.NoError(t, os.Remove(filepath.Join(ws.traits, "Shape", "Bar.png")))

	res := validateOnce(context.Background(), ws.config, "", storage.NewOSFS(ws.traits))
	assert.False(t, res.Valid)
	require.Len(t, res.MissingFiles, 1)
	assert.Equal(t, "Shape", res.MissingFiles[0].TraitType)
	assert.Equal(t, "Bar", res.MissingFiles[0].Option)
	assert.Equal(t, []string{"Shape/Bar.png", "Shape/Bar.gif"}, res.MissingFiles[0].Tried)
}

func TestValidateOnce_BadRules(t *testing.T) {
	ws := newWorkspace(t)
	rules := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(rules, []byte(`
rules:
  - if: {trait_type: Shape, value: Dot}
    then: {trait_type: Ghost, excluded_values: [x]}
`), 0o600))

	res := validateOnce(context.Background(), ws.config, rules, storage.NewOSFS(ws.traits))
	assert.False(t, res.Valid)
	require.NotEmpty(t, res.Problems)
	assert.Contains(t, strings.Join(res.Problems, "\n"), "Ghost")
}

func TestValidateCommand(t *testing.T) {
	ws := newWorkspace(t)
	out, _, err := execute(t, ws.args("validate", "--json")...)
	require.NoError(t, err)
	var res validationResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Valid)

	require.NoError(t, os.Remove(filepath.Join(ws.traits, "Background", "Red.png")))
	_, _, err = execute(t, ws.args("validate", "--json")...)
	assert.ErrorIs(t, err, errInvalidCollection)
}

func TestPrintValidation_Styled(t *testing.T) {
	var buf bytes.Buffer
	res := validationResult{
		Problems:     []string{"configuration error at trait_order: bad"},
		MissingFiles: []missingFile{{TraitType: "Hat", Option: "Cap", Tried: []string{"Hat/Cap.png"}}},
	}
	require.NoError(t, printValidation(&buf, res, true, false))
	assert.Contains(t, buf.String(), "not valid")
	assert.Contains(t, buf.String(), "missing layer Hat/Cap (tried Hat/Cap.png)")
}

func TestChangeWatcher_DebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "Hat")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	w, err := newChangeWatcher(nil, []string{dir, filepath.Join(dir, "missing")}, 50*time.Millisecond, slog.Default())
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx, func() { calls.Add(1) })
	}()

	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(sub, "Cap.png"), []byte{byte(i)}, 0o600))
	}
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	// A directory created after start is watched too.
	nested := filepath.Join(dir, "Eyes")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	assert.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(nested, "Laser.png"), []byte("x"), 0o600))
	assert.Eventually(t, func() bool { return calls.Load() == 3 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
