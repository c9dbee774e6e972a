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
	"errors"
	"fmt"
	"strings"
)

// ErrConfiguration marks malformed collection or rules configuration.
// It is fatal: generation never starts.
var ErrConfiguration = errors.New("configuration error")

// ConfigError describes one configuration problem.
type ConfigError struct {
	// Field is the config key at fault, such as "traits.options.rarity".
	Field string

	// TraitType is the trait type involved, if any.
	TraitType string

	// Reason says what is wrong.
	Reason string
}

// Error implements error.
func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("configuration error")
	if e.Field != "" {
		fmt.Fprintf(&b, " at %s", e.Field)
	}
	if e.TraitType != "" {
		fmt.Fprintf(&b, " (trait type %q)", e.TraitType)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

// Unwrap makes errors.Is(err, ErrConfiguration) hold.
func (e *ConfigError) Unwrap() error {
	return ErrConfiguration
}

// Problems returns every ConfigError joined inside err.
func Problems(err error) []*ConfigError {
	if err == nil {
		return nil
	}
	var out []*ConfigError
	var walk func(error)
	walk = func(e error) {
		if ce, ok := e.(*ConfigError); ok {
			out = append(out, ce)
			return
		}
		if j, ok := e.(interface{ Unwrap() []error }); ok {
			for _, inner := range j.Unwrap() {
				walk(inner)
			}
			return
		}
		if u := errors.Unwrap(e); u != nil {
			walk(u)
		}
	}
	walk(err)
	return out
}
