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
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/AleutianAI/traitforge/services/generator/publish"
	"github.com/AleutianAI/traitforge/services/generator/resilience"
	"github.com/AleutianAI/traitforge/services/generator/storage"
)

type publishOptions struct {
	bucket      string
	credentials string
	prefix      string
	baseURI     string
	concurrency int
	skipImages  bool
	jsonReport  bool
}

func newPublishCmd(a *app) *cobra.Command {
	opts := &publishOptions{}
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Upload a generated collection to Google Cloud Storage",
		Long: `Publish uploads images, then metadata records, then the collection
reports to a GCS bucket. With --base-uri every record's image link is
rewritten to <base-uri>/<id>.<ext>, locally and in the bucket.

The bucket and credentials may also come from TRAITFORGE_GCS_BUCKET and
TRAITFORGE_GCS_CREDENTIALS. Without credentials, application default
credentials are used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd, a, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.bucket, "bucket", "", "Destination bucket")
	f.StringVar(&opts.credentials, "credentials", "", "Service account key file")
	f.StringVar(&opts.prefix, "prefix", "", "Object name prefix, e.g. drops/genesis")
	f.StringVar(&opts.baseURI, "base-uri", "", "Rewrite record image links to this base before upload")
	f.IntVar(&opts.concurrency, "concurrency", 8, "Parallel uploads")
	f.BoolVar(&opts.skipImages, "skip-images", false, "Upload only metadata and reports")
	f.BoolVar(&opts.jsonReport, "json", false, "Print the summary as JSON")
	return cmd
}

// resolvePublishTarget fills bucket and credentials from the environment
// when the flags are unset.
func resolvePublishTarget(cmd *cobra.Command, opts *publishOptions) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlag("gcs_bucket", cmd.Flags().Lookup("bucket")); err != nil {
		return err
	}
	if err := v.BindPFlag("gcs_credentials", cmd.Flags().Lookup("credentials")); err != nil {
		return err
	}
	opts.bucket = v.GetString("gcs_bucket")
	opts.credentials = v.GetString("gcs_credentials")
	if opts.bucket == "" {
		return fmt.Errorf("a bucket is required: pass --bucket or set %s_GCS_BUCKET", EnvPrefix)
	}
	return nil
}

func runPublish(cmd *cobra.Command, a *app, opts *publishOptions) error {
	logger := a.slog()
	if err := resolvePublishTarget(cmd, opts); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bucket, err := publish.NewGCSBucket(ctx, opts.bucket, opts.credentials)
	if err != nil {
		return err
	}
	defer bucket.Close()

	guard := resilience.NewGuard(resilience.GuardConfig{
		Retry: resilience.DefaultRetryConfig(),
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
		},
		Logger: logger,
	})

	start := time.Now()
	p := publish.NewPublisher(storage.NewOSFS(a.outputDir), bucket, guard, logger)
	sum, err := p.Publish(ctx, publish.Options{
		Prefix:      opts.prefix,
		BaseURI:     opts.baseURI,
		Concurrency: opts.concurrency,
		SkipImages:  opts.skipImages,
	})
	if err != nil {
		return fmt.Errorf("publish to gs://%s: %w", bucket.Name(), err)
	}

	if opts.jsonReport || !interactive(a.stdout) {
		return writeJSON(a.stdout, sum)
	}
	fmt.Fprintln(a.stdout, styles.Box.Render(fmt.Sprintf("%s\n%d images, %d records, %d reports (%d rewritten), %.1f MiB in %s\n%s",
		styles.Title.Render("Published to gs://"+bucket.Name()),
		sum.Images, sum.Records, sum.Reports, sum.Rewritten,
		float64(sum.Bytes)/(1<<20), time.Since(start).Round(time.Millisecond),
		styles.Muted.Render(bucket.PublicURL(publishPrefix(opts.prefix)+"metadata/1.json")))))
	return nil
}

func publishPrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}
