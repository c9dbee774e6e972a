// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package selection

import (
	"sort"

	"github.com/AleutianAI/traitforge/services/generator/collection"
	"github.com/AleutianAI/traitforge/services/generator/rng"
)

// weightTable is a cumulative weight table for one trait type.
//
// cum[i] is the sum of the effective weights of options 0..i, so a draw
// x in [0, total) selects the first option whose cum exceeds x.
type weightTable struct {
	cum   []int
	total int
}

// effectiveWeight is the option weight scaled by the type weight.
// Type weight 0 means unset and leaves the option weight unchanged.
func effectiveWeight(tt *collection.TraitType, opt *collection.TraitOption) int {
	w := opt.Weight
	if w <= 0 {
		w = collection.DefaultOptionWeight
	}
	if tt.Weight > 0 {
		w *= tt.Weight
	}
	return w
}

func newWeightTable(tt *collection.TraitType) weightTable {
	t := weightTable{cum: make([]int, len(tt.Options))}
	for i := range tt.Options {
		t.total += effectiveWeight(tt, &tt.Options[i])
		t.cum[i] = t.total
	}
	return t
}

// pick draws one option index with probability proportional to its weight.
func (t weightTable) pick(r rng.Rand) int {
	x := r.IntN(t.total)
	return sort.SearchInts(t.cum, x+1)
}

// probability returns the selection probability of option i.
func (t weightTable) probability(i int) float64 {
	if i < 0 || i >= len(t.cum) || t.total == 0 {
		return 0
	}
	w := t.cum[i]
	if i > 0 {
		w -= t.cum[i-1]
	}
	return float64(w) / float64(t.total)
}
