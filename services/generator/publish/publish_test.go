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
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/traitforge/services/generator/metadata"
	"github.com/AleutianAI/traitforge/services/generator/resilience"
	"github.com/AleutianAI/traitforge/services/generator/storage"
)

type object struct {
	data        []byte
	contentType string
}

type fakeBucket struct {
	mu      sync.Mutex
	objects map[string]object
	fail    func(name string) error
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: make(map[string]object)}
}

func (b *fakeBucket) Upload(ctx context.Context, name string, data []byte, ct string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		if err := b.fail(name); err != nil {
			return err
		}
	}
	b.objects[name] = object{data: append([]byte(nil), data...), contentType: ct}
	return nil
}

func collectionFS(t *testing.T) *storage.MemFS {
	t.Helper()
	fsys := storage.NewMemFS()
	for i, ext := range []string{".png", ".gif"} {
		item := i + 1
		fsys.Put(metadata.ImagePath(item, ext), []byte("image"))
		rec := &metadata.Record{
			Name:       "#",
			Image:      metadata.ImageURI(metadata.PlaceholderBaseURI, item, ext),
			Attributes: []metadata.Attribute{{TraitType: "A", Value: "x"}},
			Properties: metadata.Properties{ID: item},
		}
		data, err := metadata.Encode(rec, false)
		require.NoError(t, err)
		fsys.Put(metadata.RecordPath(item), data)
	}
	fsys.Put(metadata.StatsFile, []byte("{}"))
	return fsys
}

func TestPublish_UploadsAndRewrites(t *testing.T) {
	fsys := collectionFS(t)
	bucket := newFakeBucket()
	p := NewPublisher(fsys, bucket, nil, nil)

	sum, err := p.Publish(context.Background(), Options{Prefix: "drops/one/", BaseURI: "https://cdn.example.com/drops/one/images"})
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Images)
	assert.Equal(t, 2, sum.Records)
	assert.Equal(t, 1, sum.Reports, "missing reports are skipped")
	assert.Equal(t, 2, sum.Rewritten)
	assert.Greater(t, sum.Bytes, int64(0))

	assert.Equal(t, "image/png", bucket.objects["drops/one/images/1.png"].contentType)
	assert.Equal(t, "image/gif", bucket.objects["drops/one/images/2.gif"].contentType)
	assert.Equal(t, "application/json", bucket.objects["drops/one/metadata/1.json"].contentType)
	assert.Contains(t, bucket.objects, "drops/one/collection_stats.json")

	rec, err := metadata.Parse(bucket.objects["drops/one/metadata/2.json"].data)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/drops/one/images/2.gif", rec.Image)

	local, err := fsys.ReadFile(context.Background(), metadata.RecordPath(2))
	require.NoError(t, err)
	assert.Contains(t, string(local), "https://cdn.example.com/drops/one/images/2.gif")

	// Publishing again with the same base rewrites nothing.
	sum, err = p.Publish(context.Background(), Options{Prefix: "drops/one", BaseURI: "https://cdn.example.com/drops/one/images"})
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Rewritten)
}

func TestPublish_SkipImages(t *testing.T) {
	bucket := newFakeBucket()
	sum, err := NewPublisher(collectionFS(t), bucket, nil, nil).Publish(context.Background(), Options{SkipImages: true})
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Images)
	assert.NotContains(t, bucket.objects, "images/1.png")
	assert.Contains(t, bucket.objects, "metadata/1.json")
}

func TestPublish_RetriesThroughGuard(t *testing.T) {
	bucket := newFakeBucket()
	var mu sync.Mutex
	failures := map[string]int{}
	bucket.fail = func(name string) error {
		mu.Lock()
		defer mu.Unlock()
		if failures[name] < 1 {
			failures[name]++
			return errors.New("503 backend error")
		}
		return nil
	}
	guard := resilience.NewGuard(resilience.GuardConfig{
		Retry:   resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		Breaker: resilience.CircuitBreakerConfig{FailureThreshold: 100, OpenTimeout: time.Second},
	})

	sum, err := NewPublisher(collectionFS(t), bucket, guard, nil).Publish(context.Background(), Options{Concurrency: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Images)
	assert.Equal(t, int64(5), guard.Stats().RetrySuccesses)
}

func TestPublish_UploadFailureStops(t *testing.T) {
	bucket := newFakeBucket()
	bucket.fail = func(name string) error {
		if name == "images/2.gif" {
			return errors.New("permission denied")
		}
		return nil
	}
	sum, err := NewPublisher(collectionFS(t), bucket, nil, nil).Publish(context.Background(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
	assert.Equal(t, 0, sum.Records, "records are not uploaded after an image failure")
}

func TestNewGCSBucket_MissingKey(t *testing.T) {
	_, err := NewGCSBucket(context.Background(), "bucket", "/nonexistent/key.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service account key not found")

	_, err = NewGCSBucket(context.Background(), "", "")
	assert.Error(t, err)

	dir := t.TempDir()
	_, err = NewGCSBucket(context.Background(), "bucket", dir)
	assert.Error(t, err)
}

func TestNewGCSBucket_InvalidKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(keyPath, []byte("not valid json"), 0o600))

	_, err := NewGCSBucket(context.Background(), "bucket", keyPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create GCS storage client")
}

func TestObjectNameAndContentType(t *testing.T) {
	assert.Equal(t, "images/1.png", objectName("", "images/1.png"))
	assert.Equal(t, "a/b/images/1.png", objectName("/a/b/", "images/1.png"))
	assert.Equal(t, "text/csv", contentType(metadata.RarityFile))
	assert.Equal(t, "image/jpeg", contentType("images/3.jpg"))
	assert.Equal(t, "application/octet-stream", contentType("README"))
}
