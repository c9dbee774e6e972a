// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/traitforge/services/generator/collection"
	"github.com/AleutianAI/traitforge/services/generator/storage"
)

// errInvalidCollection is returned by validate when problems were found.
var errInvalidCollection = errors.New("collection is not valid")

type validateOptions struct {
	watch      bool
	debounce   time.Duration
	jsonReport bool
}

func newValidateCmd(a *app) *cobra.Command {
	opts := &validateOptions{}
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the collection config, rules and layer files",
		Long: `Validate loads the collection config and rules, reports every
configuration problem, and checks that each trait option has a layer file
in the traits directory. With --watch it re-validates whenever one of
those files changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, a, opts)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&opts.watch, "watch", false, "Re-validate when the config, rules or layer files change")
	f.DurationVar(&opts.debounce, "debounce", 300*time.Millisecond, "Quiet period before re-validating in --watch mode")
	f.BoolVar(&opts.jsonReport, "json", false, "Print the result as JSON")
	return cmd
}

type missingFile struct {
	TraitType string   `json:"trait_type"`
	Option    string   `json:"option"`
	Tried     []string `json:"tried"`
}

// validationResult is the outcome of one validation pass.
type validationResult struct {
	Valid        bool          `json:"valid"`
	Problems     []string      `json:"problems,omitempty"`
	MissingFiles []missingFile `json:"missing_files,omitempty"`
	TraitTypes   int           `json:"trait_types"`
	Options      int           `json:"options"`
	Rules        int           `json:"rules"`
	Threshold    int           `json:"similarity_threshold"`
	Combinations string        `json:"combinations"`
}

// validateOnce loads the collection and checks its layer files.
func validateOnce(ctx context.Context, configPath, rulesPath string, traits storage.FileSystem) validationResult {
	cat, err := collection.LoadFiles(configPath, rulesPath)
	if err != nil {
		res := validationResult{}
		if problems := collection.Problems(err); len(problems) > 0 {
			for _, p := range problems {
				res.Problems = append(res.Problems, p.Error())
			}
		} else {
			res.Problems = []string{err.Error()}
		}
		return res
	}

	res := validationResult{
		TraitTypes: len(cat.Types),
		Rules:      len(cat.Rules),
		Threshold:  cat.SimilarityThreshold(),
	}
	combos := 1.0
	for _, tt := range cat.Types {
		res.Options += len(tt.Options)
		combos *= float64(len(tt.Options))
	}
	res.Combinations = fmt.Sprintf("%.0f", combos)

	missing, err := cat.ResolveFiles(ctx, traits)
	if err != nil {
		res.Problems = append(res.Problems, err.Error())
		return res
	}
	for _, m := range missing {
		res.MissingFiles = append(res.MissingFiles, missingFile{TraitType: m.TraitType, Option: m.Option, Tried: m.Tried})
	}
	res.Valid = len(res.Problems) == 0 && len(res.MissingFiles) == 0
	return res
}

func printValidation(w io.Writer, res validationResult, styled, asJSON bool) error {
	if asJSON || !styled {
		return writeJSON(w, res)
	}
	var b strings.Builder
	if res.Valid {
		b.WriteString(styles.Success.Render("✓ collection is valid"))
	} else {
		b.WriteString(styles.Error.Render("✗ collection is not valid"))
	}
	b.WriteString("\n")
	if res.TraitTypes > 0 {
		b.WriteString(styles.Muted.Render(fmt.Sprintf(
			"%d trait types, %d options, %d rules, %s combinations, similarity threshold %d",
			res.TraitTypes, res.Options, res.Rules, res.Combinations, res.Threshold)))
		b.WriteString("\n")
	}
	for _, p := range res.Problems {
		b.WriteString(styles.Error.Render("  - " + p))
		b.WriteString("\n")
	}
	for _, m := range res.MissingFiles {
		b.WriteString(styles.Warning.Render(fmt.Sprintf("  - missing layer %s/%s (tried %s)",
			m.TraitType, m.Option, strings.Join(m.Tried, ", "))))
		b.WriteString("\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func runValidate(cmd *cobra.Command, a *app, opts *validateOptions) error {
	logger := a.slog()
	traits := storage.NewOSFS(a.traitsDir)
	styled := interactive(a.stdout)

	check := func(ctx context.Context) bool {
		res := validateOnce(ctx, a.configPath, a.rulesPath, traits)
		if err := printValidation(a.stdout, res, styled, opts.jsonReport); err != nil {
			logger.Warn("print validation", slog.String("error", err.Error()))
		}
		return res.Valid
	}

	if !opts.watch {
		if !check(cmd.Context()) {
			return errInvalidCollection
		}
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	check(ctx)

	dirs := []string{filepath.Dir(a.configPath)}
	if a.rulesPath != "" && filepath.Dir(a.rulesPath) != dirs[0] {
		dirs = append(dirs, filepath.Dir(a.rulesPath))
	}
	w, err := newChangeWatcher(dirs, []string{a.traitsDir}, opts.debounce, logger)
	if err != nil {
		return err
	}
	defer w.Close()

	logger.Info("watching for changes", slog.Any("dirs", dirs), slog.String("traits", a.traitsDir))
	w.Run(ctx, func() {
		check(ctx)
	})
	return nil
}
