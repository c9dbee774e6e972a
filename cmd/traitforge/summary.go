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
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/traitforge/services/generator/orchestrator"
)

var (
	colorAccent  = lipgloss.Color("#20B9B4")
	colorSuccess = lipgloss.Color("#2CD7C7")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#2C4A54")
)

var styles = struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Muted   lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(colorAccent),
	Label:   lipgloss.NewStyle().Width(24),
	Success: lipgloss.NewStyle().Foreground(colorSuccess),
	Warning: lipgloss.NewStyle().Foreground(colorWarning),
	Error:   lipgloss.NewStyle().Foreground(colorError),
	Muted:   lipgloss.NewStyle().Foreground(colorMuted),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorAccent).
		Padding(0, 1),
}

// writeJSON writes v indented, for non-terminal output.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printReport writes the run summary: a styled box on a terminal,
// otherwise the report as JSON.
func printReport(w io.Writer, r *orchestrator.Report, styled bool) error {
	if !styled {
		return writeJSON(w, r)
	}
	_, err := fmt.Fprintln(w, renderReport(r))
	return err
}

func renderReport(r *orchestrator.Report) string {
	var b strings.Builder
	title := "Generation complete"
	switch {
	case r.DryRun:
		title = "Dry run complete"
	case r.Interrupted:
		title = "Generation interrupted"
	}
	b.WriteString(styles.Title.Render(title))
	b.WriteString("\n")
	b.WriteString(styles.Muted.Render(fmt.Sprintf("run %s  seed %d", r.RunID, r.Seed)))
	b.WriteString("\n\n")

	row := func(label, value string) {
		b.WriteString(styles.Label.Render(label))
		b.WriteString(value)
		b.WriteString("\n")
	}
	count := func(n int64, bad bool) string {
		s := fmt.Sprint(n)
		if n > 0 && bad {
			return styles.Warning.Render(s)
		}
		return s
	}

	row("Items", styles.Success.Render(fmt.Sprintf("%d / %d", r.Total(), r.Requested)))
	row("Generated", fmt.Sprint(r.Committed))
	if r.Skipped > 0 || r.Resumed {
		row("Kept from earlier runs", fmt.Sprint(r.Skipped))
	}
	if n := len(r.Exhausted); n > 0 {
		row("Exhausted", styles.Error.Render(fmt.Sprint(n)))
	}
	row("Drafts", fmt.Sprint(r.Drafts))
	row("Exact duplicates", count(r.ExactDuplicates, false))
	row("Similarity rejections", count(r.SimilarityViolations, false))
	if r.PriorityCollisions > 0 {
		row("Priority collisions", fmt.Sprint(r.PriorityCollisions))
	}
	row("Rule rejections", count(r.RuleRejections, false))
	row("Rule exhaustions", count(r.RuleExhaustions, true))
	if failures := r.RenderFailures + r.WriteFailures + r.AnimationMismatches + r.SizeMismatches; failures > 0 {
		row("Render/write failures", styles.Warning.Render(fmt.Sprint(failures)))
		row("Requeued", fmt.Sprint(r.Requeues))
	}
	if r.RegistryErrors > 0 {
		row("Registry errors", styles.Warning.Render(fmt.Sprint(r.RegistryErrors)))
	}
	if r.StaleCheckpointItems > 0 {
		row("Regenerated from checkpoint", fmt.Sprint(r.StaleCheckpointItems))
	}
	if r.CircuitOpenFastFails > 0 {
		row("Circuit open", styles.Warning.Render(fmt.Sprint(r.CircuitOpenFastFails)))
	}
	if !r.DryRun {
		row("Cache hit rate", fmt.Sprintf("%.1f%%", r.Cache.HitRate()*100))
		row("I/O retries", fmt.Sprintf("%d (%d recovered)", r.IO.Retries, r.IO.RetrySuccesses))
		row("Checkpoints", fmt.Sprint(r.Checkpoints))
	}
	row("Duration", r.Duration.Round(time.Millisecond).String())

	for i, ex := range r.Exhausted {
		if i == 5 {
			b.WriteString(styles.Muted.Render(fmt.Sprintf("  ... %d more", len(r.Exhausted)-i)))
			b.WriteString("\n")
			break
		}
		b.WriteString(styles.Error.Render(fmt.Sprintf("  item %d: %s after %d attempts", ex.Item, ex.LastReason, ex.Attempts)))
		b.WriteString("\n")
	}
	return styles.Box.Render(strings.TrimRight(b.String(), "\n"))
}
