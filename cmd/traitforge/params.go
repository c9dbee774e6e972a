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
	"log/slog"
	"math/rand/v2"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/AleutianAI/traitforge/services/generator/imaging"
	"github.com/AleutianAI/traitforge/services/generator/orchestrator"
)

// EnvPrefix prefixes environment overrides, e.g. TRAITFORGE_WORKERS=4.
const EnvPrefix = "TRAITFORGE"

// paramKeys are the run parameter keys, matching Params' mapstructure
// tags. Each is also a generate flag with "_" replaced by "-".
var paramKeys = []string{
	"count",
	"workers",
	"cache_bytes",
	"cache_entries",
	"checkpoint_every",
	"max_attempts",
	"max_trait_attempts",
	"retry_attempts",
	"retry_delay",
	"max_retry_delay",
	"breaker_threshold",
	"breaker_cooldown",
	"seed",
	"resume",
	"dry_run",
	"format",
}

func flagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

// addParamFlags registers a flag per run parameter on cmd.
func addParamFlags(cmd *cobra.Command) {
	d := orchestrator.DefaultParams(0)
	f := cmd.Flags()
	f.IntP("count", "n", d.Count, "Number of items to generate")
	f.IntP("workers", "w", d.Workers, "Render workers")
	f.Int64("cache-bytes", d.CacheBytes, "Layer cache budget per worker in bytes (0 = unbounded)")
	f.Int("cache-entries", d.CacheEntries, "Layer cache entry budget per worker (0 = unbounded)")
	f.Int("checkpoint-every", d.CheckpointEvery, "Save a checkpoint every N committed items (0 = only at the end)")
	f.Int("max-attempts", d.MaxAttempts, "Drafts per item before it is reported exhausted")
	f.Int("max-trait-attempts", d.MaxTraitAttempts, "Trait draws per draft before rule exhaustion")
	f.Int("retry-attempts", d.RetryAttempts, "Attempts per layer read or output write")
	f.Duration("retry-delay", d.RetryDelay, "Initial retry backoff")
	f.Duration("max-retry-delay", d.MaxRetryDelay, "Maximum retry backoff")
	f.Int("breaker-threshold", d.BreakerThreshold, "Consecutive I/O failures that open the circuit")
	f.Duration("breaker-cooldown", d.BreakerCooldown, "How long the circuit stays open")
	f.Uint64("seed", d.Seed, "Random seed (random when unset)")
	f.Bool("resume", d.Resume, "Continue from the last checkpoint and existing outputs")
	f.Bool("dry-run", d.DryRun, "Draft and validate without rendering or writing")
	f.String("format", string(d.Format), "Static output format: png or jpg (animated output is gif)")
}

// newParamsViper builds the parameter layers: defaults, an optional params
// file, TRAITFORGE_* environment variables, then flags set on cmd.
func newParamsViper(cmd *cobra.Command, paramsFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setParamDefaults(v, orchestrator.DefaultParams(0))

	if paramsFile != "" {
		v.SetConfigFile(paramsFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading params file %s: %w", paramsFile, err)
		}
	}

	for _, key := range paramKeys {
		if fl := cmd.Flags().Lookup(flagName(key)); fl != nil {
			if err := v.BindPFlag(key, fl); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", fl.Name, err)
			}
		}
	}
	return v, nil
}

// setParamDefaults registers every default except the seed, so an unset
// seed can be told apart from seed 0.
func setParamDefaults(v *viper.Viper, d orchestrator.Params) {
	v.SetDefault("count", d.Count)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("cache_bytes", d.CacheBytes)
	v.SetDefault("cache_entries", d.CacheEntries)
	v.SetDefault("checkpoint_every", d.CheckpointEvery)
	v.SetDefault("max_attempts", d.MaxAttempts)
	v.SetDefault("max_trait_attempts", d.MaxTraitAttempts)
	v.SetDefault("retry_attempts", d.RetryAttempts)
	v.SetDefault("retry_delay", d.RetryDelay)
	v.SetDefault("max_retry_delay", d.MaxRetryDelay)
	v.SetDefault("breaker_threshold", d.BreakerThreshold)
	v.SetDefault("breaker_cooldown", d.BreakerCooldown)
	v.SetDefault("resume", d.Resume)
	v.SetDefault("dry_run", d.DryRun)
	v.SetDefault("format", string(d.Format))
}

// loadParams resolves the run parameters from v and validates them.
func loadParams(v *viper.Viper, logger *slog.Logger) (orchestrator.Params, error) {
	var p orchestrator.Params
	if err := v.Unmarshal(&p); err != nil {
		return p, fmt.Errorf("error unmarshalling run parameters: %w", err)
	}
	format, err := imaging.ParseFormat(v.GetString("format"))
	if err != nil {
		return p, fmt.Errorf("%w: %v", orchestrator.ErrInvalidParams, err)
	}
	p.Format = format

	if !v.IsSet("seed") {
		p.Seed = rand.Uint64()
		logger.Info("no seed given, using a random seed", slog.Uint64("seed", p.Seed))
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}
