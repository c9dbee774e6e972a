// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command traitforge generates layered trait collections.
//
//	traitforge validate --config collection.yaml --traits ./traits
//	traitforge generate --config collection.yaml --rules rules.yaml \
//	    --traits ./traits --output ./out --count 1000 --seed 42
//	traitforge inspect --output ./out --config collection.yaml
//	traitforge publish --output ./out --bucket my-drop --base-uri https://cdn.example.com/images
package main

import (
	"context"
	"os"
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
