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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/traitforge/services/generator/metadata"
	"github.com/AleutianAI/traitforge/services/generator/storage"
)

// errSimilarItems is returned by inspect when pairs at or above the
// threshold were found.
var errSimilarItems = errors.New("collection has items that are too similar")

type inspectOptions struct {
	threshold  int
	limit      int
	jsonReport bool
}

func newInspectCmd(a *app) *cobra.Command {
	opts := &inspectOptions{}
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Scan a generated collection for similar items",
		Long: `Inspect reads every metadata record in the output directory, lists
pairs of items sharing at least the similarity threshold of trait values,
and prints the trait distribution. The threshold comes from the collection
config unless --threshold is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, a, opts)
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.threshold, "threshold", 0, "Shared trait count that makes a pair too similar (0 = from the collection config)")
	f.IntVar(&opts.limit, "limit", 20, "Pairs to list (0 = all)")
	f.BoolVar(&opts.jsonReport, "json", false, "Print the result as JSON")
	return cmd
}

// similarPair is two items sharing Shared trait values.
type similarPair struct {
	A      int `json:"a"`
	B      int `json:"b"`
	Shared int `json:"shared"`
}

type inspection struct {
	Items        int                   `json:"items"`
	Threshold    int                   `json:"threshold"`
	Duplicates   int                   `json:"exact_duplicates"`
	Pairs        []similarPair         `json:"similar_pairs"`
	TotalPairs   int                   `json:"similar_pair_count"`
	Distribution metadata.Distribution `json:"trait_distribution"`
}

// overlap counts the trait types a and b give the same value.
func overlap(a, b map[string]string) int {
	n := 0
	for t, v := range a {
		if w, ok := b[t]; ok && w == v {
			n++
		}
	}
	return n
}

// inspectRecords finds every pair sharing at least threshold values,
// most similar first, and counts exact duplicates.
func inspectRecords(stored []metadata.Stored, threshold int) inspection {
	res := inspection{
		Items:        len(stored),
		Threshold:    threshold,
		Distribution: metadata.Distribution{},
	}
	values := make([]map[string]string, len(stored))
	for i, s := range stored {
		values[i] = s.Record.Values()
		res.Distribution.Add(values[i])
	}
	for i := range stored {
		for j := i + 1; j < len(stored); j++ {
			shared := overlap(values[i], values[j])
			if shared < threshold {
				continue
			}
			if shared == len(values[i]) && shared == len(values[j]) {
				res.Duplicates++
			}
			res.Pairs = append(res.Pairs, similarPair{A: stored[i].Item, B: stored[j].Item, Shared: shared})
		}
	}
	sort.SliceStable(res.Pairs, func(i, j int) bool {
		return res.Pairs[i].Shared > res.Pairs[j].Shared
	})
	res.TotalPairs = len(res.Pairs)
	return res
}

func runInspect(cmd *cobra.Command, a *app, opts *inspectOptions) error {
	logger := a.slog()
	threshold := opts.threshold
	if threshold <= 0 {
		cat, err := a.loadCatalog()
		if err != nil {
			return fmt.Errorf("similarity threshold: %w (or pass --threshold)", err)
		}
		threshold = cat.SimilarityThreshold()
	}

	stored, err := metadata.ReadAll(cmd.Context(), storage.NewOSFS(a.outputDir))
	if err != nil {
		return err
	}
	logger.Debug("records loaded", slog.Int("items", len(stored)), slog.Int("threshold", threshold))

	res := inspectRecords(stored, threshold)
	if opts.limit > 0 && len(res.Pairs) > opts.limit {
		res.Pairs = res.Pairs[:opts.limit]
	}
	if err := printInspection(a.stdout, res, !opts.jsonReport && interactive(a.stdout)); err != nil {
		return err
	}
	if res.TotalPairs > 0 {
		return fmt.Errorf("%w: %d pairs share %d or more traits", errSimilarItems, res.TotalPairs, threshold)
	}
	return nil
}

func printInspection(w io.Writer, res inspection, styled bool) error {
	if !styled {
		return writeJSON(w, res)
	}
	var b strings.Builder
	b.WriteString(styles.Title.Render(fmt.Sprintf("%d items, threshold %d", res.Items, res.Threshold)))
	b.WriteString("\n")
	if res.TotalPairs == 0 {
		b.WriteString(styles.Success.Render("no similar pairs"))
		b.WriteString("\n")
	} else {
		b.WriteString(styles.Warning.Render(fmt.Sprintf("%d similar pairs, %d exact duplicates", res.TotalPairs, res.Duplicates)))
		b.WriteString("\n")
		for _, p := range res.Pairs {
			fmt.Fprintf(&b, "  #%d and #%d share %d traits\n", p.A, p.B, p.Shared)
		}
		if len(res.Pairs) < res.TotalPairs {
			b.WriteString(styles.Muted.Render(fmt.Sprintf("  ... %d more", res.TotalPairs-len(res.Pairs))))
			b.WriteString("\n")
		}
	}

	types := make([]string, 0, len(res.Distribution))
	for t := range res.Distribution {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		b.WriteString("\n")
		b.WriteString(styles.Title.Render(t))
		b.WriteString("\n")
		opts := res.Distribution[t]
		names := make([]string, 0, len(opts))
		for name := range opts {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool {
			if opts[names[i]] != opts[names[j]] {
				return opts[names[i]] > opts[names[j]]
			}
			return names[i] < names[j]
		})
		for _, name := range names {
			pct := 0.0
			if res.Items > 0 {
				pct = float64(opts[name]) / float64(res.Items) * 100
			}
			b.WriteString(styles.Label.Render("  " + name))
			fmt.Fprintf(&b, "%5d  %6.2f%%\n", opts[name], pct)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
