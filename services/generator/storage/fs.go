// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage provides the file-system abstraction used by generation.
//
// # Description
//
// All trait reads, output writes and checkpoint writes go through
// FileSystem. Writes are atomic: data lands in a temporary file in the
// destination directory, is synced, and is then renamed over the target,
// so a crash mid-write never leaves a partial artifact visible.
//
// Names are slash-separated and relative to the file system root.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// ErrInvalidPath is returned for names that escape the root.
var ErrInvalidPath = errors.New("invalid storage path")

// FileSystem is the I/O surface of the generator.
type FileSystem interface {
	// ReadFile returns the contents of name. Missing files wrap fs.ErrNotExist.
	ReadFile(ctx context.Context, name string) ([]byte, error)

	// WriteFile atomically replaces name with data, creating parent directories.
	WriteFile(ctx context.Context, name string, data []byte) error

	// Exists reports whether name exists.
	Exists(ctx context.Context, name string) (bool, error)

	// List returns the names of regular files directly under dir, sorted.
	List(ctx context.Context, dir string) ([]string, error)

	// Remove deletes name. Removing a missing file is not an error.
	Remove(ctx context.Context, name string) error
}

// =============================================================================
// OS file system
// =============================================================================

// OSFS is a FileSystem rooted at a directory on local disk.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent writers to the same name race on
// rename; the last rename wins and readers never see a partial file.
type OSFS struct {
	root string
}

// NewOSFS creates an OSFS rooted at root.
func NewOSFS(root string) *OSFS {
	return &OSFS{root: root}
}

// Root returns the root directory.
func (o *OSFS) Root() string {
	return o.root
}

func (o *OSFS) resolve(name string) (string, error) {
	clean, err := cleanName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(o.root, filepath.FromSlash(clean)), nil
}

// ReadFile implements FileSystem.
func (o *OSFS) ReadFile(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := o.resolve(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// WriteFile implements FileSystem with write-temp-then-rename.
func (o *OSFS) WriteFile(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := o.resolve(name)
	if err != nil {
		return err
	}
	return atomicWrite(p, data)
}

// Exists implements FileSystem.
func (o *OSFS) Exists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p, err := o.resolve(name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// List implements FileSystem. A missing directory lists as empty.
func (o *OSFS) List(ctx context.Context, dir string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := o.resolve(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), tempPrefix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Remove implements FileSystem.
func (o *OSFS) Remove(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := o.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

const tempPrefix = ".tmp-"

// atomicWrite writes data to a temp file beside target, syncs it and
// renames it into place.
func atomicWrite(target string, data []byte) (err error) {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+filepath.Base(target)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// cleanName normalizes a slash-separated name and rejects escapes.
func cleanName(name string) (string, error) {
	name = filepath.ToSlash(name)
	clean := path.Clean("/" + name)[1:]
	if clean == "" {
		clean = "."
	}
	if strings.Contains(name, "\x00") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	return clean, nil
}

// Join joins name elements with slashes.
func Join(elem ...string) string {
	return path.Join(elem...)
}
