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
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/traitforge/services/generator/collection"
	"github.com/AleutianAI/traitforge/services/generator/orchestrator"
	"github.com/AleutianAI/traitforge/services/generator/resilience"
	"github.com/AleutianAI/traitforge/services/generator/storage"
	bstore "github.com/AleutianAI/traitforge/services/generator/storage/badger"
	"github.com/AleutianAI/traitforge/services/generator/telemetry"
	"github.com/AleutianAI/traitforge/services/generator/uniqueness"
)

type generateOptions struct {
	paramsFile string
	badgerDir  string
	redisAddr  string
	redisKey   string
	statusAddr string
	jsonReport bool
}

func newGenerateCmd(a *app) *cobra.Command {
	opts := &generateOptions{}
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate the collection",
		Long: `Generate drafts items 1..count, composites their layers and writes
images/<id>.<ext> and metadata/<id>.json to the output directory.

Run parameters come from flags, TRAITFORGE_* environment variables and
an optional --params file, in that order of precedence. Interrupting
the run (Ctrl-C) finishes in-flight items and saves a checkpoint;
--resume continues from it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd, a, opts)
		},
	}
	addParamFlags(cmd)
	f := cmd.Flags()
	f.StringVar(&opts.paramsFile, "params", "", "YAML or JSON file with run parameters")
	f.StringVar(&opts.badgerDir, "badger-dir", "", "Keep checkpoints in a BadgerDB at this directory instead of the output directory")
	f.StringVar(&opts.redisAddr, "redis-addr", "", "Share the exact-duplicate set with other processes through Redis at host:port")
	f.StringVar(&opts.redisKey, "redis-key", "", "Redis set key (default traitforge:<collection>:keys)")
	f.StringVar(&opts.statusAddr, "status-addr", "", "Serve /status and /metrics on this address, e.g. :9464")
	f.BoolVar(&opts.jsonReport, "json", false, "Print the run report as JSON")
	return cmd
}

func runGenerate(cmd *cobra.Command, a *app, opts *generateOptions) error {
	logger := a.slog()

	v, err := newParamsViper(cmd, opts.paramsFile)
	if err != nil {
		return err
	}
	params, err := loadParams(v, logger)
	if err != nil {
		return err
	}
	cat, err := a.loadCatalog()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tcfg := telemetry.DefaultConfig()
	tcfg.Collection = cat.Name
	shutdownTelemetry, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()
	meter := otel.GetMeterProvider().Meter("traitforge")
	metrics, err := telemetry.NewMetrics(meter)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	cfg := orchestrator.Config{
		Catalog: cat,
		Params:  params,
		Traits:  storage.NewOSFS(a.traitsDir),
		Output:  storage.NewOSFS(a.outputDir),
		Metrics: metrics,
		Meter:   meter,
		Logger:  logger,
	}

	tracker := uniqueness.NewTracker(cat)
	cfg.Registry = tracker
	if opts.redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: opts.redisAddr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", opts.redisAddr, err)
		}
		key := opts.redisKey
		if key == "" {
			key = redisSetKey(cat)
		}
		gc := params.GuardConfig()
		gc.Logger = logger.With(slog.String("component", "redis"))
		cfg.Registry = uniqueness.NewSharedKeyGuard(tracker, client, key, resilience.NewGuard(gc))
		logger.Info("sharing duplicate set through redis", slog.String("addr", opts.redisAddr), slog.String("key", key))
	}

	if opts.badgerDir != "" {
		bcfg := bstore.DefaultConfig(opts.badgerDir)
		bcfg.Logger = logger
		db, err := bstore.Open(bcfg)
		if err != nil {
			return fmt.Errorf("open checkpoint database: %w", err)
		}
		defer func() {
			if err := db.Close(); err != nil {
				logger.Warn("close checkpoint database", slog.String("error", err.Error()))
			}
		}()
		cfg.Checkpoints = uniqueness.NewBadgerStore(db, a.outputDir)
	}

	prog := newProgress(params.Count, time.Now())
	cfg.OnCommit = prog.Commit
	if opts.statusAddr != "" {
		gin.SetMode(gin.ReleaseMode)
		srv := startStatusServer(opts.statusAddr, prog, logger)
		defer srv.Shutdown()
	}

	engine, err := orchestrator.New(cfg)
	if err != nil {
		return err
	}
	report, runErr := engine.Run(ctx)
	prog.Finish(report)

	if err := printReport(a.stdout, report, !opts.jsonReport && interactive(a.stdout)); err != nil {
		logger.Warn("print report", slog.String("error", err.Error()))
	}

	switch {
	case errors.Is(runErr, context.Canceled):
		return fmt.Errorf("generation interrupted after %d items; run again with --resume to continue", report.Total())
	case runErr != nil:
		return runErr
	case len(report.Exhausted) > 0:
		return fmt.Errorf("%w: %d of %d items", orchestrator.ErrGenerationExhausted, len(report.Exhausted), report.Requested)
	}
	return nil
}

// redisSetKey names the shared seen-set of a collection.
func redisSetKey(cat *collection.Catalog) string {
	name := cat.Name
	if name == "" {
		name = "default"
	}
	return "traitforge:" + name + ":keys"
}
