// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package publish

import (
	"context"
	"fmt"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// Bucket stores objects.
type Bucket interface {
	Upload(ctx context.Context, object string, data []byte, contentType string) error
}

// GCSBucket is a Bucket backed by Google Cloud Storage.
type GCSBucket struct {
	client *storage.Client
	name   string
}

// NewGCSBucket connects to bucketName.
//
// # Inputs
//
//   - saKeyPath: Service account key file. Empty uses application default
//     credentials.
func NewGCSBucket(ctx context.Context, bucketName, saKeyPath string) (*GCSBucket, error) {
	if bucketName == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	var opts []option.ClientOption
	if saKeyPath != "" {
		info, err := os.Stat(saKeyPath)
		if err != nil {
			return nil, fmt.Errorf("service account key not found at path: %s: %w", saKeyPath, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("service account key path is a directory: %s", saKeyPath)
		}
		opts = append(opts, option.WithCredentialsFile(saKeyPath))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSBucket{client: client, name: bucketName}, nil
}

// Name returns the bucket name.
func (b *GCSBucket) Name() string {
	return b.name
}

// PublicURL returns the HTTPS URL of an object in the bucket.
func (b *GCSBucket) PublicURL(object string) string {
	return "https://storage.googleapis.com/" + b.name + "/" + object
}

// Upload implements Bucket.
func (b *GCSBucket) Upload(ctx context.Context, object string, data []byte, contentType string) error {
	w := b.client.Bucket(b.name).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "public, max-age=3600"

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write GCS object %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", object, err)
	}
	return nil
}

// Close releases the client.
func (b *GCSBucket) Close() error {
	return b.client.Close()
}
