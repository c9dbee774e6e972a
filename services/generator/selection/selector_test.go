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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/traitforge/services/generator/collection"
	"github.com/AleutianAI/traitforge/services/generator/rng"
)

func mustCatalog(t *testing.T, config, rules string) *collection.Catalog {
	t.Helper()
	cat, err := collection.Load([]byte(config), []byte(rules))
	require.NoError(t, err)
	return cat
}

const robotConfig = `
trait_order: [Body, Eyes]
image_size: [4, 4]
traits:
  Body:
    options:
      - {name: Robot, rarity: 5}
      - {name: Cat, rarity: 1}
  Eyes:
    options:
      - {name: X, rarity: 5}
      - {name: Y, rarity: 1}
`

func TestWeightTable_Pick(t *testing.T) {
	tt := &collection.TraitType{
		Name: "T",
		Options: []collection.TraitOption{
			{Name: "a", Weight: 1},
			{Name: "b", Weight: 5},
		},
	}
	table := newWeightTable(tt)
	assert.Equal(t, []int{1, 6}, table.cum)
	assert.InDelta(t, 1.0/6, table.probability(0), 1e-9)
	assert.InDelta(t, 5.0/6, table.probability(1), 1e-9)
	assert.Zero(t, table.probability(7))
}

func TestWeightTable_TypeWeightMultiplies(t *testing.T) {
	tt := &collection.TraitType{
		Name:   "T",
		Weight: 2,
		Options: []collection.TraitOption{
			{Name: "a", Weight: 1},
			{Name: "b", Weight: 3},
		},
	}
	table := newWeightTable(tt)
	assert.Equal(t, 8, table.total)
	assert.InDelta(t, 0.25, table.probability(0), 1e-9, "type weight scales options uniformly")
}

type fixedRand struct{ values []int }

func (f *fixedRand) IntN(n int) int {
	v := f.values[0] % n
	f.values = f.values[1:]
	return v
}

func TestWeightTable_Boundaries(t *testing.T) {
	tt := &collection.TraitType{Options: []collection.TraitOption{{Name: "a", Weight: 2}, {Name: "b", Weight: 3}}}
	table := newWeightTable(tt)
	r := &fixedRand{values: []int{0, 1, 2, 4}}
	assert.Equal(t, 0, table.pick(r))
	assert.Equal(t, 0, table.pick(r))
	assert.Equal(t, 1, table.pick(r))
	assert.Equal(t, 1, table.pick(r))
}

func TestSelector_WeightFiveFiveTimesAsLikely(t *testing.T) {
	cat := mustCatalog(t, robotConfig, "")
	sel := New(cat, 0)
	src := rng.New(1)

	counts := map[string]int{}
	const n = 60000
	for i := 0; i < n; i++ {
		c := sel.Draw(src)
		v, _ := c.Value("Body")
		counts[v]++
	}
	ratio := float64(counts["Robot"]) / float64(counts["Cat"])
	assert.InDelta(t, 5.0, ratio, 0.3)
	assert.InDelta(t, 5.0/6, sel.Probability("Body", "Robot"), 1e-9)
}

func TestSelector_CandidateInLayeringOrder(t *testing.T) {
	config := `
trait_order: [A, B, C]
priority_traits: [C]
image_size: [1, 1]
traits:
  A: {options: [{name: a1}]}
  B: {options: [{name: b1}]}
  C: {options: [{name: c1}, {name: c2}]}
`
	sel := New(mustCatalog(t, config, ""), 0)
	c := sel.Draw(rng.New(3))
	require.Len(t, c.Picks, 3)
	assert.Equal(t, "A", c.Picks[0].Type)
	assert.Equal(t, "B", c.Picks[1].Type)
	assert.Equal(t, "C", c.Picks[2].Type)
}

// A rule excludes X whenever Body=Robot, even though both are the most
// common options.
func TestSelector_RuleComplianceRobotExcludesX(t *testing.T) {
	rules := `
rules:
  - if: {trait_type: Body, value: Robot}
    then: {trait_type: Eyes, excluded_values: [X]}
`
	cat := mustCatalog(t, robotConfig, rules)
	sel := New(cat, 0)
	src := rng.New(99)

	for i := 0; i < 2000; i++ {
		c, err := sel.Select(src)
		require.NoError(t, err)
		body, _ := c.Value("Body")
		eyes, _ := c.Value("Eyes")
		assert.False(t, body == "Robot" && eyes == "X", "rule violated by %s", c)
		assert.Empty(t, sel.Violations(c))
	}
	assert.Positive(t, sel.RuleRejections())
}

func TestSelector_RuleExhaustion(t *testing.T) {
	rules := `
rules:
  - if: {trait_type: Body, value: "*"}
    then: {trait_type: Eyes, excluded_values: "*"}
`
	sel := New(mustCatalog(t, robotConfig, rules), 7)
	_, err := sel.Select(rng.New(1))
	assert.ErrorIs(t, err, ErrRuleExhaustion)
	assert.Equal(t, int64(7), sel.RuleRejections())
	assert.Equal(t, int64(7), sel.Draws())
}

func TestSelector_Deterministic(t *testing.T) {
	cat := mustCatalog(t, robotConfig, "")
	a := New(cat, 0)
	b := New(cat, 0)
	srcA := rng.New(2024)
	srcB := rng.New(2024)
	for i := 0; i < 100; i++ {
		ca, errA := a.Select(srcA)
		cb, errB := b.Select(srcB)
		require.NoError(t, errA)
		require.NoError(t, errB)
		assert.Equal(t, ca, cb)
	}
}

func TestViolations(t *testing.T) {
	rules := `
rules:
  - if: {trait_type: Body, value: [Robot, Cat]}
    then: {trait_type: Eyes, excluded_values: Y}
  - if: {trait_type: Eyes, value: Y}
    then: {trait_type: Body, excluded_values: Robot}
`
	cat := mustCatalog(t, robotConfig, rules)
	c, err := cat.Resolve(map[string]string{"Body": "Robot", "Eyes": "Y"})
	require.NoError(t, err)
	assert.Len(t, Violations(cat, c), 2)

	ok, err := cat.Resolve(map[string]string{"Body": "Robot", "Eyes": "X"})
	require.NoError(t, err)
	assert.Empty(t, Violations(cat, ok))
}
