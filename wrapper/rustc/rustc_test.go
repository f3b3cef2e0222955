// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package rustc_test

import (
	"context"
	"testing"

	"go.chromium.org/infra/build/buildcache/wrapper"
	"go.chromium.org/infra/build/buildcache/wrapper/rustc"
)

func exe(path string) wrapper.Executable {
	return wrapper.Executable{Literal: path, Resolved: path}
}

func TestCanHandleCommand(t *testing.T) {
	if !rustc.New(exe("/usr/bin/rustc"), nil).CanHandleCommand() {
		t.Error("CanHandleCommand() = false for rustc")
	}
	if rustc.New(exe("/usr/bin/gcc"), nil).CanHandleCommand() {
		t.Error("CanHandleCommand() = true for gcc")
	}
}

func minimalValidArgs() []string {
	return []string{
		"--crate-name", "foo",
		"--crate-type", "rlib",
		"--emit=link,metadata",
		"--out-dir", "target/debug",
		"src/lib.rs",
	}
}

func TestResolveArgsMinimalValid(t *testing.T) {
	w := rustc.New(exe("/usr/bin/rustc"), minimalValidArgs())
	if err := w.ResolveArgs(context.Background()); err != nil {
		t.Fatalf("ResolveArgs() error = %v", err)
	}
	if got := w.InputFiles(); len(got) == 0 || got[0] != "src/lib.rs" {
		t.Errorf("InputFiles() = %v, want first element src/lib.rs", got)
	}
}

func TestResolveArgsMissingEmitRejected(t *testing.T) {
	argv := []string{"--crate-name", "foo", "--crate-type", "rlib", "--out-dir", "target/debug", "src/lib.rs"}
	w := rustc.New(exe("/usr/bin/rustc"), argv)
	err := w.ResolveArgs(context.Background())
	if err == nil {
		t.Fatal("ResolveArgs() error = nil, want UnsupportedInvocationError")
	}
}

func TestResolveArgsIncrementalRejected(t *testing.T) {
	argv := append(minimalValidArgs(), "-C", "incremental=./inc")
	w := rustc.New(exe("/usr/bin/rustc"), argv)
	err := w.ResolveArgs(context.Background())
	if err == nil {
		t.Fatal("ResolveArgs() error = nil, want UnsupportedInvocationError for incremental")
	}
}

func TestResolveArgsSysrootUnsupported(t *testing.T) {
	argv := append(minimalValidArgs(), "--sysroot", "/usr")
	w := rustc.New(exe("/usr/bin/rustc"), argv)
	if err := w.ResolveArgs(context.Background()); err == nil {
		t.Fatal("ResolveArgs() error = nil, want UnsupportedInvocationError for --sysroot")
	}
}

func TestResolveArgsMultipleEmitRejected(t *testing.T) {
	argv := []string{
		"--crate-name", "foo", "--crate-type", "rlib",
		"--emit=link,metadata", "--emit=dep-info",
		"--out-dir", "target/debug", "src/lib.rs",
	}
	w := rustc.New(exe("/usr/bin/rustc"), argv)
	if err := w.ResolveArgs(context.Background()); err == nil {
		t.Fatal("ResolveArgs() error = nil, want error about multiple --emit")
	}
}

func TestResolveArgsRelevantArgumentsDropsOutDir(t *testing.T) {
	w := rustc.New(exe("/usr/bin/rustc"), minimalValidArgs())
	if err := w.ResolveArgs(context.Background()); err != nil {
		t.Fatalf("ResolveArgs() error = %v", err)
	}
	got := w.RelevantArguments()
	for _, tok := range got {
		if tok == "target/debug" || tok == "--out-dir" {
			t.Errorf("RelevantArguments() = %v, should not contain out-dir tokens", got)
		}
	}
}
