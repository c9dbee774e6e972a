// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
)

// Op names a FileSystem operation for fault injection.
type Op string

const (
	OpRead   Op = "read"
	OpWrite  Op = "write"
	OpExists Op = "exists"
	OpList   Op = "list"
	OpRemove Op = "remove"
)

// FaultFunc decides whether an operation on name fails. Returning nil
// lets the operation proceed.
type FaultFunc func(op Op, name string) error

// MemFS is an in-memory FileSystem for tests and dry runs.
//
// # Description
//
// Writes are all-or-nothing: a write rejected by the fault hook leaves the
// previous contents untouched, matching the atomic replace of OSFS.
//
// # Thread Safety
//
// Safe for concurrent use.
type MemFS struct {
	mu    sync.RWMutex
	files map[string][]byte
	fault FaultFunc
	calls map[Op]int
}

// NewMemFS creates an empty MemFS.
func NewMemFS() *MemFS {
	return &MemFS{
		files: make(map[string][]byte),
		calls: make(map[Op]int),
	}
}

// SetFault installs a fault hook. nil removes it.
func (m *MemFS) SetFault(f FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = f
}

// Calls returns how many times op was invoked, including failed calls.
func (m *MemFS) Calls(op Op) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

// Files returns all stored names, sorted.
func (m *MemFS) Files() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.files))
	for name := range m.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// begin counts the call and consults the fault hook. Caller must hold mu.
func (m *MemFS) begin(ctx context.Context, op Op, name string) (string, error) {
	m.calls[op]++
	if err := ctx.Err(); err != nil {
		return "", err
	}
	clean, err := cleanName(name)
	if err != nil {
		return "", err
	}
	if m.fault != nil {
		if err := m.fault(op, clean); err != nil {
			return "", err
		}
	}
	return clean, nil
}

// ReadFile implements FileSystem.
func (m *MemFS) ReadFile(ctx context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clean, err := m.begin(ctx, OpRead, name)
	if err != nil {
		return nil, err
	}
	data, ok := m.files[clean]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: clean, Err: fs.ErrNotExist}
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// WriteFile implements FileSystem.
func (m *MemFS) WriteFile(ctx context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clean, err := m.begin(ctx, OpWrite, name)
	if err != nil {
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.files[clean] = buf
	return nil
}

// Exists implements FileSystem.
func (m *MemFS) Exists(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clean, err := m.begin(ctx, OpExists, name)
	if err != nil {
		return false, err
	}
	_, ok := m.files[clean]
	return ok, nil
}

// List implements FileSystem.
func (m *MemFS) List(ctx context.Context, dir string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clean, err := m.begin(ctx, OpList, dir)
	if err != nil {
		return nil, err
	}
	prefix := clean + "/"
	if clean == "." {
		prefix = ""
	}
	var names []string
	for name := range m.files {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := name[len(prefix):]
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		names = append(names, path.Base(rest))
	}
	sort.Strings(names)
	return names, nil
}

// Remove implements FileSystem.
func (m *MemFS) Remove(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clean, err := m.begin(ctx, OpRemove, name)
	if err != nil {
		return err
	}
	delete(m.files, clean)
	return nil
}

// Put stores data without counting a call or consulting the fault hook.
func (m *MemFS) Put(name string, data []byte) {
	clean, err := cleanName(name)
	if err != nil {
		panic(fmt.Sprintf("memfs: %v", err))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[clean] = append([]byte(nil), data...)
}
