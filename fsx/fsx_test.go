// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fsx_test

import (
	"testing"

	"github.com/spf13/afero"

	"go.chromium.org/infra/build/buildcache/fsx"
)

func memFS() fsx.FS {
	return fsx.FS{Afero: afero.NewMemMapFs()}
}

func TestWriteReadExists(t *testing.T) {
	fs := memFS()
	if fs.Exists("/a/b.txt") {
		t.Fatal("Exists() = true before write")
	}
	if err := fs.WriteFile("/a/b.txt", []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !fs.Exists("/a/b.txt") {
		t.Fatal("Exists() = false after write")
	}
	got, err := fs.ReadFile("/a/b.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hi" {
		t.Errorf("ReadFile() = %q, want %q", got, "hi")
	}
}

func TestChangeExtension(t *testing.T) {
	if got, want := fsx.ChangeExtension("libfoo.rlib", ".rmeta"), "libfoo.rmeta"; got != want {
		t.Errorf("ChangeExtension() = %q, want %q", got, want)
	}
}

func TestWalkDirSorted(t *testing.T) {
	fs := memFS()
	for _, p := range []string{"/lib/c.so", "/lib/a.so", "/lib/b.txt", "/lib/b.so"} {
		if err := fs.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	got, err := fs.WalkDir("/lib", fsx.IncludeExtension(".so"))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"/lib/a.so", "/lib/b.so", "/lib/c.so"}
	if len(got) != len(want) {
		t.Fatalf("WalkDir() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("WalkDir()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTempFileCleanup(t *testing.T) {
	fs := memFS()
	path, cleanup, err := fs.TempFile("/tmp", ".d")
	if err != nil {
		t.Fatal(err)
	}
	if !fs.Exists(path) {
		t.Fatal("temp file does not exist after creation")
	}
	cleanup()
	if fs.Exists(path) {
		t.Fatal("temp file still exists after cleanup")
	}
}
