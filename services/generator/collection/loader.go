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
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// document is the on-disk collection config. JSON files decode too, since
// JSON is a subset of YAML.
type document struct {
	Name           string                `yaml:"name"`
	Description    string                `yaml:"description"`
	TraitOrder     []string              `yaml:"trait_order" validate:"required,min=1,dive,required"`
	PriorityTraits []string              `yaml:"priority_traits"`
	ImageSize      []int                 `yaml:"image_size" validate:"required,len=2,dive,gt=0"`
	MaxSimilar     int                   `yaml:"max_similar_combinations" validate:"gte=0"`
	UniquePriority bool                  `yaml:"unique_priority_combination"`
	BaseURI        string                `yaml:"base_uri"`
	IPFSCID        string                `yaml:"ipfs_cid"`
	Traits         map[string]*TraitType `yaml:"traits" validate:"required,min=1,dive,required"`
	Metadata       MetadataSettings      `yaml:"metadata"`
	Rules          []Rule                `yaml:"rules"`
}

// rulesDocument is the separate rules file.
type rulesDocument struct {
	Rules []Rule `yaml:"rules"`
}

// Load parses and validates a collection config and an optional rules file.
//
// # Description
//
// Rules may be given inline under "rules" in the config, in a separate
// rules document, or both; inline rules come first. Every problem found
// is reported at once.
//
// # Inputs
//
//   - config: Collection config, YAML or JSON.
//   - rules: Rules document, YAML or JSON. May be nil.
//
// # Outputs
//
//   - *Catalog: The validated catalog. Layer files are not resolved yet.
//   - error: Wraps ErrConfiguration on any problem.
func Load(config, rules []byte) (*Catalog, error) {
	var doc document
	if err := decodeStrict(config, &doc); err != nil {
		return nil, &ConfigError{Field: "config", Reason: err.Error()}
	}

	all := append([]Rule(nil), doc.Rules...)
	if len(bytes.TrimSpace(rules)) > 0 {
		var rd rulesDocument
		if err := decodeStrict(rules, &rd); err != nil {
			return nil, &ConfigError{Field: "rules", Reason: err.Error()}
		}
		all = append(all, rd.Rules...)
	}

	return build(&doc, all)
}

// LoadFiles reads the config at configPath and the rules at rulesPath.
// An empty rulesPath means no separate rules file.
func LoadFiles(configPath, rulesPath string) (*Catalog, error) {
	config, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read collection config %s: %w", configPath, err)
	}
	var rules []byte
	if rulesPath != "" {
		rules, err = os.ReadFile(rulesPath)
		if err != nil {
			return nil, fmt.Errorf("read rules %s: %w", rulesPath, err)
		}
	}
	return Load(config, rules)
}

// decodeStrict decodes a single document and rejects unknown keys.
func decodeStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("document is empty")
		}
		return err
	}
	return nil
}
