// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package selection draws rarity-weighted trait assignments and filters them
// against compatibility rules.
//
// # Weighting
//
// Every trait type is always present. An option's chance within its type is
// proportional to its weight (weight 5 is drawn five times as often as
// weight 1). A type-level weight multiplies every option weight of that
// type; it never decides whether the type appears.
//
// # Determinism
//
// A Selector holds no random state of its own. Given the same random source
// state and the same catalog, Select returns the same candidate.
package selection

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/AleutianAI/traitforge/services/generator/collection"
	"github.com/AleutianAI/traitforge/services/generator/rng"
)

// DefaultMaxTraitAttempts is the default redraw budget per Select call.
const DefaultMaxTraitAttempts = 100

// ErrRuleExhaustion is returned when no rule-compliant candidate was drawn
// within the attempt budget. It is not fatal to a run.
var ErrRuleExhaustion = errors.New("no compatible candidate within trait attempts")

// Selector draws candidates from a catalog.
//
// # Thread Safety
//
// Select is safe for concurrent use when each caller passes its own random
// source. The generation engine calls it from a single goroutine.
type Selector struct {
	catalog     *collection.Catalog
	tables      []weightTable
	order       []int
	rules       []compiledRule
	maxAttempts int

	draws          atomic.Int64
	ruleRejections atomic.Int64
}

// New builds a Selector, computing one cumulative weight table per trait type.
//
// # Inputs
//
//   - cat: Validated catalog.
//   - maxTraitAttempts: Redraw budget per Select. <= 0 means DefaultMaxTraitAttempts.
func New(cat *collection.Catalog, maxTraitAttempts int) *Selector {
	if maxTraitAttempts <= 0 {
		maxTraitAttempts = DefaultMaxTraitAttempts
	}
	tables := make([]weightTable, len(cat.Types))
	for i := range cat.Types {
		tables[i] = newWeightTable(&cat.Types[i])
	}
	return &Selector{
		catalog:     cat,
		tables:      tables,
		order:       cat.GenerationOrder(),
		rules:       compileRules(cat),
		maxAttempts: maxTraitAttempts,
	}
}

// Draw makes one weighted draw per trait type without checking rules.
//
// Types are drawn in generation order (priority traits first) and the
// result is stored in layering order.
func (s *Selector) Draw(r rng.Rand) collection.Candidate {
	picks := make([]collection.Pick, len(s.tables))
	for _, ti := range s.order {
		tt := &s.catalog.Types[ti]
		oi := s.tables[ti].pick(r)
		picks[ti] = collection.Pick{Type: tt.Name, Option: tt.Options[oi].Name}
	}
	s.draws.Add(1)
	return collection.Candidate{Picks: picks}
}

// Select draws until a candidate satisfies every rule.
//
// # Outputs
//
//   - collection.Candidate: A rule-compliant candidate.
//   - error: Wraps ErrRuleExhaustion after maxTraitAttempts invalid draws.
func (s *Selector) Select(r rng.Rand) (collection.Candidate, error) {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		c := s.Draw(r)
		if s.compliant(c) {
			return c, nil
		}
		s.ruleRejections.Add(1)
	}
	return collection.Candidate{}, fmt.Errorf("%w: %d draws violated rules", ErrRuleExhaustion, s.maxAttempts)
}

func (s *Selector) compliant(c collection.Candidate) bool {
	for _, r := range s.rules {
		if r.violatedBy(c) {
			return false
		}
	}
	return true
}

// Violations returns the rules c breaks.
func (s *Selector) Violations(c collection.Candidate) []collection.Rule {
	var out []collection.Rule
	for _, r := range s.rules {
		if r.violatedBy(c) {
			out = append(out, r.rule)
		}
	}
	return out
}

// Probability returns the unconstrained chance of drawing option within
// traitType, or 0 if either is unknown.
func (s *Selector) Probability(traitType, option string) float64 {
	ti := s.catalog.TypeIndex(traitType)
	if ti < 0 {
		return 0
	}
	return s.tables[ti].probability(s.catalog.Types[ti].OptionIndex(option))
}

// Draws returns the number of full draws made.
func (s *Selector) Draws() int64 {
	return s.draws.Load()
}

// RuleRejections returns the number of draws discarded for breaking a rule.
func (s *Selector) RuleRejections() int64 {
	return s.ruleRejections.Load()
}
