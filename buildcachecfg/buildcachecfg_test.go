// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package buildcachecfg_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"go.chromium.org/infra/build/buildcache/buildcachecfg"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	got, err := buildcachecfg.Load(filepath.Join(t.TempDir(), "nonexistent.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := buildcachecfg.Default()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadEmptyPathReturnsDefault(t *testing.T) {
	got, err := buildcachecfg.Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if diff := cmp.Diff(buildcachecfg.Default(), got); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadOverridesOnlySpecifiedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "buildcache.toml")
	const contents = `
cache_dir = "/tmp/mycache"
max_cache_bytes = 1073741824

[remote]
address = "cache.example.com:443"
instance = "instances/default"

[dialects]
cppcheck = false
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := buildcachecfg.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := buildcachecfg.Default()
	want.CacheDir = "/tmp/mycache"
	want.MaxCacheBytes = 1 << 30
	want.Remote.Address = "cache.example.com:443"
	want.Remote.Instance = "instances/default"
	want.Dialects.Cppcheck = false

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMalformedFileErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "buildcache.toml")
	if err := os.WriteFile(path, []byte("not = [valid toml"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := buildcachecfg.Load(path); err == nil {
		t.Error("Load() error = nil, want non-nil for malformed TOML")
	}
}
