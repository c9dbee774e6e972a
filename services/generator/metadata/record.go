// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metadata builds and reads the per-item metadata records written
// next to every generated image, and the collection-level reports.
//
// Records follow the common marketplace shape: name, description, image
// URI, external URL, a list of trait attributes and a properties block
// carrying the item id and its canonical key.
package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/traitforge/services/generator/collection"
)

// PlaceholderBaseURI is used for image links when no base URI is configured.
const PlaceholderBaseURI = "ipfs://<your-ipfs-cid>"

// ErrInvalidRecord means a metadata file could not be read as a record.
var ErrInvalidRecord = errors.New("invalid metadata record")

// Attribute is one trait of an item.
type Attribute struct {
	TraitType string `json:"trait_type"`
	Value     string `json:"value"`
}

// Properties carries generator-specific fields.
type Properties struct {
	ID                  int    `json:"nft_id"`
	Hash                string `json:"hash"`
	GenerationTimestamp string `json:"generation_timestamp"`
	Collection          string `json:"collection,omitempty"`
}

// Record is the metadata of one item.
type Record struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Image       string      `json:"image"`
	ExternalURL string      `json:"external_url,omitempty"`
	Attributes  []Attribute `json:"attributes"`
	Properties  Properties  `json:"properties"`
}

// Values returns the attributes as trait type to value.
func (r *Record) Values() map[string]string {
	m := make(map[string]string, len(r.Attributes))
	for _, a := range r.Attributes {
		m[a.TraitType] = a.Value
	}
	return m
}

// Builder creates records for one collection.
type Builder struct {
	settings collection.MetadataSettings
	baseURI  string
	now      func() time.Time
}

// NewBuilder creates a builder from the catalog's metadata settings.
func NewBuilder(cat *collection.Catalog) *Builder {
	base := cat.BaseURI
	if base == "" {
		base = PlaceholderBaseURI
	}
	return &Builder{settings: cat.Metadata, baseURI: base, now: time.Now}
}

// WithClock replaces the timestamp source, for tests.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build creates the record of item.
//
// # Inputs
//
//   - item: 1-based item id.
//   - cand: The item's traits, in layering order.
//   - hash: The item's canonical key.
//   - ext: Image extension with the leading dot.
func (b *Builder) Build(item int, cand collection.Candidate, hash, ext string) *Record {
	attrs := make([]Attribute, len(cand.Picks))
	for i, p := range cand.Picks {
		attrs[i] = Attribute{TraitType: p.Type, Value: p.Option}
	}
	return &Record{
		Name:        itemName(b.settings, item),
		Description: b.settings.Description,
		Image:       ImageURI(b.baseURI, item, ext),
		ExternalURL: b.settings.ExternalURL,
		Attributes:  attrs,
		Properties: Properties{
			ID:                  item,
			Hash:                hash,
			GenerationTimestamp: strconv.FormatInt(b.now().Unix(), 10),
			Collection:          b.settings.Collection,
		},
	}
}

// Encode serializes a record, on one line when compact.
func (b *Builder) Encode(r *Record) ([]byte, error) {
	return Encode(r, b.settings.Compact)
}

func itemName(s collection.MetadataSettings, item int) string {
	tmpl := s.NameTemplate
	if tmpl == "" {
		tmpl = "#{id}"
		if s.Collection != "" {
			tmpl = s.Collection + " #{id}"
		}
	}
	return strings.ReplaceAll(tmpl, "{id}", strconv.Itoa(item))
}

// ImageURI returns "<base>/<item><ext>".
func ImageURI(base string, item int, ext string) string {
	return strings.TrimRight(base, "/") + "/" + strconv.Itoa(item) + ext
}

// Encode serializes r as indented JSON, or single-line JSON when compact.
func Encode(r *Record, compact bool) ([]byte, error) {
	var data []byte
	var err error
	if compact {
		data, err = json.Marshal(r)
	} else {
		data, err = json.MarshalIndent(r, "", "  ")
	}
	if err != nil {
		return nil, fmt.Errorf("encode metadata for item %d: %w", r.Properties.ID, err)
	}
	return data, nil
}

// Parse reads a record written by Encode.
func Parse(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if len(r.Attributes) == 0 {
		return nil, fmt.Errorf("%w: no attributes", ErrInvalidRecord)
	}
	return &r, nil
}

// RewriteBaseURI points r's image at base, keeping the file name.
// It reports whether the image changed.
func RewriteBaseURI(r *Record, base string) bool {
	name := r.Image
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return false
	}
	next := strings.TrimRight(base, "/") + "/" + name
	if next == r.Image {
		return false
	}
	r.Image = next
	return true
}
