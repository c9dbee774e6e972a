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
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/traitforge/pkg/logging"
	"github.com/AleutianAI/traitforge/services/generator/collection"
)

// app holds state shared by every subcommand.
type app struct {
	configPath string
	rulesPath  string
	traitsDir  string
	outputDir  string

	logLevel string
	logDir   string
	jsonLogs bool

	logger *logging.Logger
	stdout io.Writer
	stderr io.Writer
}

// newRootCmd builds the command tree. Reports go to stdout, logs and
// problem lists to stderr.
func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	rootCmd := &cobra.Command{
		Use:   "traitforge",
		Short: "Generate unique layered trait collections",
		Long: `traitforge composites layered trait images into a collection of
unique items, each with a metadata record, honoring rarity weights,
compatibility rules and similarity limits.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initLogging()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.logger != nil {
				return a.logger.Close()
			}
			return nil
		},
	}
	rootCmd.SetOut(a.stdout)
	rootCmd.SetErr(a.stderr)

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "collection.yaml", "Collection config file (YAML or JSON)")
	pf.StringVarP(&a.rulesPath, "rules", "r", "", "Compatibility rules file")
	pf.StringVarP(&a.traitsDir, "traits", "t", "traits", "Directory holding the layer images")
	pf.StringVarP(&a.outputDir, "output", "o", "output", "Output directory")
	pf.StringVar(&a.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	pf.StringVar(&a.logDir, "log-dir", "", "Also write JSON logs to this directory")
	pf.BoolVar(&a.jsonLogs, "json-logs", false, "Write console logs as JSON")

	rootCmd.AddCommand(
		newGenerateCmd(a),
		newValidateCmd(a),
		newInspectCmd(a),
		newPublishCmd(a),
	)
	return rootCmd
}

func (a *app) initLogging() error {
	level, err := logging.ParseLevel(a.logLevel)
	if err != nil {
		return err
	}
	a.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  a.logDir,
		Service: "traitforge",
		JSON:    a.jsonLogs,
		Output:  a.stderr,
	})
	slog.SetDefault(a.logger.Slog())
	return nil
}

func (a *app) slog() *slog.Logger {
	if a.logger == nil {
		return slog.Default()
	}
	return a.logger.Slog()
}

// loadCatalog reads the collection and rules files. Configuration
// problems are listed one per line before the error is returned.
func (a *app) loadCatalog() (*collection.Catalog, error) {
	cat, err := collection.LoadFiles(a.configPath, a.rulesPath)
	if err != nil {
		for _, p := range collection.Problems(err) {
			fmt.Fprintf(a.stderr, "  - %s\n", p.Error())
		}
		return nil, err
	}
	return cat, nil
}

// interactive reports whether w is a terminal.
func interactive(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
