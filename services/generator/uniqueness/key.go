// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package uniqueness

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/AleutianAI/traitforge/services/generator/collection"
)

// Key is the canonical identity of a full trait assignment: the hex SHA-256
// of the trait type to option mapping, sorted by trait type name.
//
// Two candidates with the same picks produce the same Key regardless of the
// order the picks are listed in.
type Key string

// KeyOf computes the canonical key of c.
func KeyOf(c collection.Candidate) Key {
	pairs := make([][2]string, len(c.Picks))
	for i, p := range c.Picks {
		pairs[i] = [2]string{p.Type, p.Option}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i][0] < pairs[j][0] })

	// Marshalling [][2]string cannot fail.
	data, _ := json.Marshal(pairs)
	sum := sha256.Sum256(data)
	return Key(hex.EncodeToString(sum[:]))
}

// Short returns the first 12 hex characters, for logs.
func (k Key) Short() string {
	if len(k) <= 12 {
		return string(k)
	}
	return string(k[:12])
}
