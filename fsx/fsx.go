// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package fsx provides the filesystem helpers wrapper dialects and the
// cache engine rely on: path manipulation, temp files, directory walks,
// and deterministic file reads. It wraps afero.Fs so tests can swap in an
// in-memory filesystem instead of touching disk.
package fsx

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// FS is the filesystem buildcache operates against. OS is the default,
// backed by the real disk; tests construct FS{Afero: afero.NewMemMapFs()}.
type FS struct {
	Afero afero.Fs
}

// OS returns an FS backed by the real operating system filesystem.
func OS() FS {
	return FS{Afero: afero.NewOsFs()}
}

// Exists reports whether path exists.
func (fs FS) Exists(path string) bool {
	ok, err := afero.Exists(fs.Afero, path)
	return err == nil && ok
}

// ReadFile reads the entire deterministic content of path: bytes only, no
// metadata.
func (fs FS) ReadFile(path string) ([]byte, error) {
	return afero.ReadFile(fs.Afero, path)
}

// WriteFile writes b to path, creating parent directories as needed.
func (fs FS) WriteFile(path string, b []byte, perm os.FileMode) error {
	if err := fs.Afero.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(fs.Afero, path, b, perm)
}

// LinkOrCopyFile materializes dst as a copy of src's content, preferring a
// hard link (cheap, and safe as long as dst is never mutated in place) and
// falling back to a byte copy when linking fails: src and dst on different
// devices, or fs not backed by the real OS filesystem (the in-memory
// filesystem tests use has no hard links at all).
func (fs FS) LinkOrCopyFile(src, dst string) error {
	if err := fs.Afero.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	content, err := afero.ReadFile(fs.Afero, src)
	if err != nil {
		return err
	}
	return afero.WriteFile(fs.Afero, dst, content, 0o644)
}

// JoinPath joins path elements using the host path separator convention,
// same semantics as filepath.Join.
func JoinPath(elem ...string) string {
	return filepath.Join(elem...)
}

// ChangeExtension returns path with its extension replaced by ext (ext
// should include the leading dot, e.g. ".rmeta").
func ChangeExtension(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}

// Basename returns the final path element, same as filepath.Base.
func Basename(path string) string {
	return filepath.Base(path)
}

// WalkFilter selects which regular files WalkDir returns.
type WalkFilter func(path string, info os.FileInfo) bool

// IncludeExtension returns a WalkFilter that keeps files whose extension
// equals ext (case-sensitive, including the leading dot).
func IncludeExtension(ext string) WalkFilter {
	return func(path string, info os.FileInfo) bool {
		return !info.IsDir() && filepath.Ext(path) == ext
	}
}

// WalkDir recursively walks root and returns every regular file path for
// which filter returns true, sorted lexicographically so callers get a
// stable order without trusting directory-entry order.
func (fs FS) WalkDir(root string, filter WalkFilter) ([]string, error) {
	var out []string
	err := afero.Walk(fs.Afero, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return nil
			}
			return err
		}
		if filter(path, info) {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// TempFile allocates a scratch file with the given extension in dir (or the
// system temp dir if dir is ""), and returns its path along with a cleanup
// function that removes it. Cleanup must be called on every exit path
// (success, error, or panic via defer) so that scratch dep-info files never
// accumulate.
func (fs FS) TempFile(dir, ext string) (path string, cleanup func(), err error) {
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := afero.TempFile(fs.Afero, dir, "buildcache-*"+ext)
	if err != nil {
		return "", func() {}, err
	}
	p := f.Name()
	if err := f.Close(); err != nil {
		return "", func() {}, fmt.Errorf("fsx: closing temp file: %w", err)
	}
	return p, func() { _ = fs.Afero.Remove(p) }, nil
}

// Getwd returns the current working directory, normalized to forward
// slashes so fingerprints are stable across platforms.
func Getwd() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(wd), nil
}
