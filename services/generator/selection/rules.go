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
	"github.com/AleutianAI/traitforge/services/generator/collection"
)

// compiledRule is a Rule with its trait types resolved to layering indexes.
type compiledRule struct {
	rule     collection.Rule
	ifType   int
	thenType int
}

func compileRules(cat *collection.Catalog) []compiledRule {
	out := make([]compiledRule, 0, len(cat.Rules))
	for _, r := range cat.Rules {
		out = append(out, compiledRule{
			rule:     r,
			ifType:   cat.TypeIndex(r.If.TraitType),
			thenType: cat.TypeIndex(r.Then.TraitType),
		})
	}
	return out
}

// violatedBy reports whether c breaks the rule: the condition trait holds a
// trigger value and the effect trait holds an excluded value.
func (r compiledRule) violatedBy(c collection.Candidate) bool {
	if r.ifType < 0 || r.thenType < 0 || r.ifType >= len(c.Picks) || r.thenType >= len(c.Picks) {
		return false
	}
	if !r.rule.If.Values.Matches(c.Picks[r.ifType].Option) {
		return false
	}
	return r.rule.Then.ExcludedValues.Matches(c.Picks[r.thenType].Option)
}

// Violations returns every rule the candidate breaks, in declaration order.
//
// Candidates must be in layering order, as produced by Select or
// collection.Catalog.Resolve.
func Violations(cat *collection.Catalog, c collection.Candidate) []collection.Rule {
	var out []collection.Rule
	for _, r := range compileRules(cat) {
		if r.violatedBy(c) {
			out = append(out, r.rule)
		}
	}
	return out
}
