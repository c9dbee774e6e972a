// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package collection defines the trait catalog a collection is generated
// from: trait types in layering order, their weighted options, and the
// compatibility rules between them.
//
// A Catalog is built once by Load, has its layer files resolved, and is
// read-only afterwards, so it can be shared by every goroutine of a run.
package collection

import (
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MinWeight is the rarest option weight.
	MinWeight = 1

	// MaxWeight is the most common option weight.
	MaxWeight = 5

	// DefaultOptionWeight applies to options declared without a rarity.
	DefaultOptionWeight = 3

	// DefaultPriorityTraits is how many leading trait types count as
	// priority traits when none are configured.
	DefaultPriorityTraits = 3

	// Wildcard matches any option in a rule value list.
	Wildcard = "*"
)

// =============================================================================
// Trait model
// =============================================================================

// TraitOption is one selectable layer image within a trait type.
type TraitOption struct {
	// Name identifies the option within its type and appears in metadata.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Weight is the rarity weight, 1 (rarest) to 5 (most common).
	// Zero in a config file means DefaultOptionWeight.
	Weight int `yaml:"rarity" json:"rarity" validate:"rarity"`

	// File is the layer image path relative to the traits root.
	// Empty means "<type>/<name>.png", falling back to ".gif".
	File string `yaml:"file,omitempty" json:"file,omitempty"`

	// Animated marks a multi-frame layer.
	Animated bool `yaml:"animated,omitempty" json:"animated,omitempty"`

	// FrameCount, FrameDurationMS and LoopCount declare the animation
	// timing. Zero means "read it from the decoded file".
	FrameCount      int `yaml:"frames,omitempty" json:"frames,omitempty" validate:"gte=0"`
	FrameDurationMS int `yaml:"frame_duration_ms,omitempty" json:"frame_duration_ms,omitempty" validate:"gte=0"`
	LoopCount       int `yaml:"loop,omitempty" json:"loop,omitempty" validate:"gte=0"`
}

// TraitType is a layering category such as Background or Eyes.
type TraitType struct {
	// Name is the key under traits and in trait_order.
	Name string `yaml:"-" json:"name"`

	// Order is the layering index, 0 being the bottom layer.
	Order int `yaml:"-" json:"order"`

	// Weight is an optional type-level rarity, 1 to 5. It multiplies
	// every option weight of the type; 0 leaves option weights unchanged.
	Weight int `yaml:"rarity,omitempty" json:"rarity,omitempty" validate:"rarity"`

	// Options are the selectable layers, in declaration order.
	Options []TraitOption `yaml:"options" json:"options" validate:"required,min=1,dive"`
}

// Option returns the option named name.
func (t *TraitType) Option(name string) (*TraitOption, bool) {
	for i := range t.Options {
		if t.Options[i].Name == name {
			return &t.Options[i], true
		}
	}
	return nil, false
}

// OptionIndex returns the index of the option named name, or -1.
func (t *TraitType) OptionIndex(name string) int {
	for i := range t.Options {
		if t.Options[i].Name == name {
			return i
		}
	}
	return -1
}

// =============================================================================
// Rules
// =============================================================================

// StringList is a list of strings that also accepts a single scalar in
// YAML, so `value: Robot` and `value: [Robot, Alien]` both decode.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*l = StringList{s}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	default:
		return fmt.Errorf("line %d: expected a string or a list of strings", node.Line)
	}
}

// Matches reports whether v is in the list or the list holds the wildcard.
func (l StringList) Matches(v string) bool {
	return slices.Contains(l, Wildcard) || slices.Contains(l, v)
}

// Condition is the trigger side of a rule.
type Condition struct {
	TraitType string     `yaml:"trait_type" json:"trait_type" validate:"required"`
	Values    StringList `yaml:"value" json:"value" validate:"required,min=1,dive,required"`
}

// Effect is the exclusion side of a rule.
type Effect struct {
	TraitType      string     `yaml:"trait_type" json:"trait_type" validate:"required"`
	ExcludedValues StringList `yaml:"excluded_values" json:"excluded_values" validate:"required,min=1,dive,required"`
}

// Rule excludes options of one trait type when another trait type takes
// one of the trigger values.
type Rule struct {
	If   Condition `yaml:"if" json:"if"`
	Then Effect    `yaml:"then" json:"then"`
}

// String renders the rule for logs and reports.
func (r Rule) String() string {
	return fmt.Sprintf("if %s in [%s] then %s not in [%s]",
		r.If.TraitType, strings.Join(r.If.Values, ", "),
		r.Then.TraitType, strings.Join(r.Then.ExcludedValues, ", "))
}

// =============================================================================
// Candidate
// =============================================================================

// Pick is the option chosen for one trait type.
type Pick struct {
	Type   string `json:"trait_type"`
	Option string `json:"value"`
}

// Candidate is a full assignment, one Pick per trait type in layering order.
type Candidate struct {
	Picks []Pick `json:"picks"`
}

// Value returns the option chosen for traitType.
func (c Candidate) Value(traitType string) (string, bool) {
	for _, p := range c.Picks {
		if p.Type == traitType {
			return p.Option, true
		}
	}
	return "", false
}

// Map returns the assignment as trait type to option name.
func (c Candidate) Map() map[string]string {
	m := make(map[string]string, len(c.Picks))
	for _, p := range c.Picks {
		m[p.Type] = p.Option
	}
	return m
}

// Values returns the option names in layering order.
func (c Candidate) Values() []string {
	out := make([]string, len(c.Picks))
	for i, p := range c.Picks {
		out[i] = p.Option
	}
	return out
}

// String renders the candidate as "Type=Option" pairs in layering order.
func (c Candidate) String() string {
	parts := make([]string, len(c.Picks))
	for i, p := range c.Picks {
		parts[i] = p.Type + "=" + p.Option
	}
	return strings.Join(parts, " ")
}

// =============================================================================
// Catalog
// =============================================================================

// MetadataSettings controls the per-item metadata records.
type MetadataSettings struct {
	// NameTemplate is the item name; "{id}" is replaced with the item id.
	NameTemplate string `yaml:"name_template" json:"name_template"`
	Description  string `yaml:"description" json:"description"`
	ExternalURL  string `yaml:"external_url" json:"external_url" validate:"omitempty,url"`
	Collection   string `yaml:"collection_name" json:"collection_name"`

	// Compact writes single-line JSON instead of indented JSON.
	Compact bool `yaml:"compact" json:"compact"`
}

// Catalog is the validated description of a collection.
//
// # Thread Safety
//
// Read-only once ResolveFiles has run. Safe for concurrent reads.
type Catalog struct {
	// Name and Description describe the collection.
	Name        string
	Description string

	// Types are the trait types in layering order.
	Types []TraitType

	// Priority lists the priority trait types, drawn and compared first.
	Priority []string

	// Width and Height are the canvas size every layer must match.
	Width  int
	Height int

	// MaxSimilar is max_similar_combinations.
	MaxSimilar int

	// UniquePriorityCombination requires the tuple of priority trait values
	// to be unique across the collection.
	UniquePriorityCombination bool

	// BaseURI prefixes image links in metadata.
	BaseURI string

	// Metadata holds the metadata record settings.
	Metadata MetadataSettings

	// Rules are the compatibility rules in declaration order.
	Rules []Rule

	// Warnings are non-fatal findings from validation.
	Warnings []string

	index map[string]int
}

// TraitOrder returns the trait type names in layering order.
func (c *Catalog) TraitOrder() []string {
	names := make([]string, len(c.Types))
	for i := range c.Types {
		names[i] = c.Types[i].Name
	}
	return names
}

// Type returns the trait type named name.
func (c *Catalog) Type(name string) (*TraitType, bool) {
	i, ok := c.index[name]
	if !ok {
		return nil, false
	}
	return &c.Types[i], true
}

// TypeIndex returns the layering index of name, or -1.
func (c *Catalog) TypeIndex(name string) int {
	if i, ok := c.index[name]; ok {
		return i
	}
	return -1
}

// GenerationOrder returns type indexes with priority traits first, then the
// remaining types in layering order.
func (c *Catalog) GenerationOrder() []int {
	order := make([]int, 0, len(c.Types))
	seen := make(map[int]bool, len(c.Types))
	for _, name := range c.Priority {
		if i, ok := c.index[name]; ok && !seen[i] {
			order = append(order, i)
			seen[i] = true
		}
	}
	for i := range c.Types {
		if !seen[i] {
			order = append(order, i)
		}
	}
	return order
}

// SimilarityThreshold returns the number of identical selections at which
// two candidates count as too similar: n - MaxSimilar, clamped to [1, n].
func (c *Catalog) SimilarityThreshold() int {
	n := len(c.Types)
	t := n - c.MaxSimilar
	if t > n {
		t = n
	}
	if t < 1 {
		t = 1
	}
	return t
}

// Resolve builds a Candidate in layering order from a trait type to option
// mapping, such as the attributes of an existing metadata record.
func (c *Catalog) Resolve(values map[string]string) (Candidate, error) {
	picks := make([]Pick, len(c.Types))
	for i := range c.Types {
		tt := &c.Types[i]
		v, ok := values[tt.Name]
		if !ok {
			return Candidate{}, &ConfigError{Field: "attributes", TraitType: tt.Name, Reason: "trait type missing"}
		}
		if _, ok := tt.Option(v); !ok {
			return Candidate{}, &ConfigError{Field: "attributes", TraitType: tt.Name, Reason: fmt.Sprintf("unknown option %q", v)}
		}
		picks[i] = Pick{Type: tt.Name, Option: v}
	}
	return Candidate{Picks: picks}, nil
}

// OptionFor returns the option picked for the trait type at index i.
func (c *Catalog) OptionFor(cand Candidate, i int) (*TraitOption, error) {
	if i < 0 || i >= len(cand.Picks) || i >= len(c.Types) {
		return nil, fmt.Errorf("%w: pick %d out of range", ErrConfiguration, i)
	}
	opt, ok := c.Types[i].Option(cand.Picks[i].Option)
	if !ok {
		return nil, &ConfigError{Field: "option", TraitType: c.Types[i].Name, Reason: fmt.Sprintf("unknown option %q", cand.Picks[i].Option)}
	}
	return opt, nil
}

// DefaultFile returns the conventional layer path for an option.
func DefaultFile(traitType, option, ext string) string {
	return traitType + "/" + option + ext
}
