// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collection

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/traitforge/services/generator/storage"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// configValidate checks struct tags on decoded documents.
var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	_ = configValidate.RegisterValidation("rarity", validateRarity)
}

// validateRarity accepts 0 (unset) or a weight in [MinWeight, MaxWeight].
func validateRarity(fl validator.FieldLevel) bool {
	w := fl.Field().Int()
	return w == 0 || (w >= MinWeight && w <= MaxWeight)
}

// structProblems converts validator output into ConfigErrors.
func structProblems(err error) []error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []error{&ConfigError{Reason: err.Error()}}
	}
	out := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, &ConfigError{
			Field:     strings.TrimPrefix(fe.Namespace(), "document."),
			TraitType: traitFromNamespace(fe.Namespace()),
			Reason:    describeTag(fe),
		})
	}
	return out
}

// traitFromNamespace extracts the map key from "document.Traits[Eyes].Options[0].Weight".
func traitFromNamespace(ns string) string {
	const marker = "Traits["
	i := strings.Index(ns, marker)
	if i < 0 {
		return ""
	}
	rest := ns[i+len(marker):]
	j := strings.IndexByte(rest, ']')
	if j < 0 {
		return ""
	}
	return rest[:j]
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "rarity":
		return fmt.Sprintf("rarity %v must be between %d and %d", fe.Value(), MinWeight, MaxWeight)
	case "min":
		return fmt.Sprintf("must have at least %s entries", fe.Param())
	case "len":
		return fmt.Sprintf("must have exactly %s entries", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "url":
		return "must be a valid URL"
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}

// =============================================================================
// Semantic validation
// =============================================================================

// build validates a decoded document and turns it into a Catalog.
//
// All problems are reported together, joined with errors.Join; each one is
// a *ConfigError so errors.Is(err, ErrConfiguration) holds.
func build(doc *document, rules []Rule) (*Catalog, error) {
	var problems []error

	if err := configValidate.Struct(doc); err != nil {
		problems = append(problems, structProblems(err)...)
	}
	for i := range rules {
		if err := configValidate.Struct(&rules[i]); err != nil {
			for _, p := range structProblems(err) {
				if ce, ok := p.(*ConfigError); ok {
					ce.Field = fmt.Sprintf("rules[%d].%s", i, strings.TrimPrefix(ce.Field, "Rule."))
				}
				problems = append(problems, p)
			}
		}
	}
	if len(problems) > 0 {
		return nil, errors.Join(problems...)
	}

	cat := &Catalog{
		Name:                      doc.Name,
		Description:               doc.Description,
		Width:                     doc.ImageSize[0],
		Height:                    doc.ImageSize[1],
		MaxSimilar:                doc.MaxSimilar,
		UniquePriorityCombination: doc.UniquePriority,
		BaseURI:                   doc.BaseURI,
		Metadata:                  doc.Metadata,
		index:                     make(map[string]int, len(doc.TraitOrder)),
	}
	if cat.BaseURI == "" && doc.IPFSCID != "" {
		cat.BaseURI = "ipfs://" + doc.IPFSCID
	}

	// Trait order and trait definitions must name the same types.
	for _, name := range doc.TraitOrder {
		if _, dup := cat.index[name]; dup {
			problems = append(problems, &ConfigError{Field: "trait_order", TraitType: name, Reason: "listed more than once"})
			continue
		}
		def, ok := doc.Traits[name]
		if !ok || def == nil {
			problems = append(problems, &ConfigError{Field: "traits", TraitType: name, Reason: "in trait_order but not defined"})
			continue
		}
		tt := TraitType{
			Name:    name,
			Order:   len(cat.Types),
			Weight:  def.Weight,
			Options: make([]TraitOption, len(def.Options)),
		}
		copy(tt.Options, def.Options)
		problems = append(problems, checkOptions(&tt)...)
		cat.index[name] = len(cat.Types)
		cat.Types = append(cat.Types, tt)
	}
	for name := range doc.Traits {
		if _, ok := cat.index[name]; !ok && !contains(doc.TraitOrder, name) {
			problems = append(problems, &ConfigError{Field: "trait_order", TraitType: name, Reason: "defined under traits but missing from trait_order"})
		}
	}

	// Priority traits default to the leading trait types.
	if len(doc.PriorityTraits) == 0 {
		n := min(DefaultPriorityTraits, len(cat.Types))
		for i := 0; i < n; i++ {
			cat.Priority = append(cat.Priority, cat.Types[i].Name)
		}
	} else {
		for _, name := range doc.PriorityTraits {
			if _, ok := cat.index[name]; !ok {
				problems = append(problems, &ConfigError{Field: "priority_traits", TraitType: name, Reason: "not in trait_order"})
				continue
			}
			if !contains(cat.Priority, name) {
				cat.Priority = append(cat.Priority, name)
			}
		}
	}

	if n := len(cat.Types); n > 0 && doc.MaxSimilar >= n {
		cat.Warnings = append(cat.Warnings, fmt.Sprintf(
			"max_similar_combinations %d >= %d trait types: any shared selection rejects a candidate", doc.MaxSimilar, n))
	}

	for i, r := range rules {
		problems = append(problems, cat.checkRule(i, r)...)
	}
	cat.Rules = rules

	if len(problems) > 0 {
		return nil, errors.Join(problems...)
	}
	return cat, nil
}

// checkOptions applies option defaults and rejects duplicates.
func checkOptions(tt *TraitType) []error {
	var problems []error
	seen := make(map[string]bool, len(tt.Options))
	for i := range tt.Options {
		opt := &tt.Options[i]
		if seen[opt.Name] {
			problems = append(problems, &ConfigError{Field: "options.name", TraitType: tt.Name, Reason: fmt.Sprintf("option %q declared twice", opt.Name)})
		}
		seen[opt.Name] = true
		if opt.Weight == 0 {
			opt.Weight = DefaultOptionWeight
		}
		if !opt.Animated && opt.FrameCount > 1 {
			opt.Animated = true
		}
	}
	return problems
}

// checkRule verifies both trait types exist. Unknown option values only warn.
func (c *Catalog) checkRule(i int, r Rule) []error {
	var problems []error
	field := fmt.Sprintf("rules[%d]", i)
	ifType, ok := c.Type(r.If.TraitType)
	if !ok {
		problems = append(problems, &ConfigError{Field: field + ".if.trait_type", TraitType: r.If.TraitType, Reason: "not in trait_order"})
	}
	thenType, ok := c.Type(r.Then.TraitType)
	if !ok {
		problems = append(problems, &ConfigError{Field: field + ".then.trait_type", TraitType: r.Then.TraitType, Reason: "not in trait_order"})
	}
	if ifType != nil {
		c.warnUnknown(field+".if.value", ifType, r.If.Values)
	}
	if thenType != nil {
		c.warnUnknown(field+".then.excluded_values", thenType, r.Then.ExcludedValues)
	}
	return problems
}

func (c *Catalog) warnUnknown(field string, tt *TraitType, values StringList) {
	for _, v := range values {
		if v == Wildcard {
			continue
		}
		if _, ok := tt.Option(v); !ok {
			c.Warnings = append(c.Warnings, fmt.Sprintf("%s: %q is not an option of %s", field, v, tt.Name))
		}
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// =============================================================================
// Trait file checks
// =============================================================================

// FileProblem is a trait option whose layer image could not be found.
type FileProblem struct {
	TraitType string
	Option    string
	Tried     []string
}

// ResolveFiles fills in default layer paths and checks every layer exists.
//
// # Description
//
// Options without an explicit file resolve to "<type>/<name>.png", or
// "<type>/<name>.gif" when only the GIF exists. A resolved GIF marks the
// option animated only if it declares more than one frame; the decoder has
// the final say.
//
// # Outputs
//
//   - []FileProblem: Options whose files are missing.
//   - error: A storage failure, not a missing file.
func (c *Catalog) ResolveFiles(ctx context.Context, fsys storage.FileSystem) ([]FileProblem, error) {
	var missing []FileProblem
	for ti := range c.Types {
		tt := &c.Types[ti]
		for oi := range tt.Options {
			opt := &tt.Options[oi]
			tried := []string{opt.File}
			if opt.File == "" {
				tried = []string{
					DefaultFile(tt.Name, opt.Name, ".png"),
					DefaultFile(tt.Name, opt.Name, ".gif"),
				}
			}
			found := ""
			for _, p := range tried {
				ok, err := fsys.Exists(ctx, p)
				if err != nil {
					return nil, fmt.Errorf("check trait file %s: %w", p, err)
				}
				if ok {
					found = p
					break
				}
			}
			if found == "" {
				missing = append(missing, FileProblem{TraitType: tt.Name, Option: opt.Name, Tried: tried})
				continue
			}
			opt.File = found
		}
	}
	return missing, nil
}

// MissingFilesError converts file problems into a joined configuration error.
func MissingFilesError(problems []FileProblem) error {
	if len(problems) == 0 {
		return nil
	}
	errs := make([]error, len(problems))
	for i, p := range problems {
		errs[i] = &ConfigError{
			Field:     "traits.options.file",
			TraitType: p.TraitType,
			Reason:    fmt.Sprintf("missing layer for option %q (tried %s)", p.Option, strings.Join(p.Tried, ", ")),
		}
	}
	return errors.Join(errs...)
}
