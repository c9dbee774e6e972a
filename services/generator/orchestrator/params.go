// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/traitforge/services/generator/imaging"
	"github.com/AleutianAI/traitforge/services/generator/resilience"
	"github.com/AleutianAI/traitforge/services/generator/selection"
)

var paramsValidate = validator.New()

// Params are the run parameters.
type Params struct {
	// Count is the number of items in the collection, ids 1..Count.
	Count int `mapstructure:"count" json:"count" validate:"gte=1"`

	// Workers is the number of render goroutines.
	Workers int `mapstructure:"workers" json:"workers" validate:"gte=1,lte=256"`

	// CacheBytes and CacheEntries budget each worker's layer cache.
	// Zero means unbounded.
	CacheBytes   int64 `mapstructure:"cache_bytes" json:"cache_bytes" validate:"gte=0"`
	CacheEntries int   `mapstructure:"cache_entries" json:"cache_entries" validate:"gte=0"`

	// CheckpointEvery saves a checkpoint after this many commits. Zero
	// saves only at the end of the run.
	CheckpointEvery int `mapstructure:"checkpoint_every" json:"checkpoint_every" validate:"gte=0"`

	// MaxAttempts bounds drafts per item.
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=1"`

	// MaxTraitAttempts bounds full draws per draft before rule exhaustion.
	MaxTraitAttempts int `mapstructure:"max_trait_attempts" json:"max_trait_attempts" validate:"gte=1"`

	// RetryAttempts, RetryDelay and MaxRetryDelay configure I/O retries.
	RetryAttempts int           `mapstructure:"retry_attempts" json:"retry_attempts" validate:"gte=1"`
	RetryDelay    time.Duration `mapstructure:"retry_delay" json:"retry_delay" validate:"gte=0"`
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay" json:"max_retry_delay" validate:"gte=0"`

	// BreakerThreshold and BreakerCooldown configure the I/O circuit breaker.
	BreakerThreshold int           `mapstructure:"breaker_threshold" json:"breaker_threshold" validate:"gte=1"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown" json:"breaker_cooldown" validate:"gt=0"`

	// Seed makes the run reproducible.
	Seed uint64 `mapstructure:"seed" json:"seed"`

	// Resume continues from the last checkpoint and existing outputs.
	Resume bool `mapstructure:"resume" json:"resume"`

	// DryRun drafts and validates without rendering or writing.
	DryRun bool `mapstructure:"dry_run" json:"dry_run"`

	// Format is the static output format. Animated output is always GIF.
	Format imaging.Format `mapstructure:"format" json:"format" validate:"oneof=png jpg gif"`
}

// DefaultParams returns parameters for a collection of count items.
func DefaultParams(count int) Params {
	retry := resilience.DefaultRetryConfig()
	return Params{
		Count:            count,
		Workers:          min(runtime.NumCPU(), 8),
		CacheBytes:       256 << 20,
		CacheEntries:     512,
		CheckpointEvery:  100,
		MaxAttempts:      100,
		MaxTraitAttempts: selection.DefaultMaxTraitAttempts,
		RetryAttempts:    retry.MaxAttempts,
		RetryDelay:       retry.InitialBackoff,
		MaxRetryDelay:    retry.MaxBackoff,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
		Format:           imaging.FormatPNG,
	}
}

// Validate checks every field and reports all problems at once.
func (p Params) Validate() error {
	err := paramsValidate.Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s=%s (got %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidParams, strings.Join(msgs, "; "))
}

// GuardConfig returns the resilience settings the run uses.
func (p Params) GuardConfig() resilience.GuardConfig {
	return resilience.GuardConfig{
		Retry: resilience.RetryConfig{
			MaxAttempts:    p.RetryAttempts,
			InitialBackoff: p.RetryDelay,
			MaxBackoff:     p.MaxRetryDelay,
		},
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: p.BreakerThreshold,
			OpenTimeout:      p.BreakerCooldown,
		},
	}
}
