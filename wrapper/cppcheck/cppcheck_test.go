// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package cppcheck_test

import (
	"context"
	"testing"

	"go.chromium.org/infra/build/buildcache/wrapper"
	"go.chromium.org/infra/build/buildcache/wrapper/cppcheck"
)

func exe(path string) wrapper.Executable {
	return wrapper.Executable{Literal: path, Resolved: path}
}

func TestCanHandleCommand(t *testing.T) {
	if !cppcheck.New(exe("/usr/bin/cppcheck"), nil).CanHandleCommand() {
		t.Error("CanHandleCommand() = false for cppcheck")
	}
	if cppcheck.New(exe("/usr/bin/gcc"), nil).CanHandleCommand() {
		t.Error("CanHandleCommand() = true for gcc")
	}
}

func TestUnsupportedFlagRejected(t *testing.T) {
	w := cppcheck.New(exe("/usr/bin/cppcheck"), []string{"--unknown-flag", "src.cpp"})
	err := w.ResolveArgs(context.Background())
	if err == nil {
		t.Fatal("ResolveArgs() error = nil, want UnsupportedInvocationError")
	}
	var uie *wrapper.UnsupportedInvocationError
	if !isUnsupported(err, &uie) {
		t.Fatalf("ResolveArgs() error = %v, want *UnsupportedInvocationError", err)
	}
}

func isUnsupported(err error, target **wrapper.UnsupportedInvocationError) bool {
	uie, ok := err.(*wrapper.UnsupportedInvocationError)
	if ok {
		*target = uie
	}
	return ok
}

func TestDoubleOutputFileRejected(t *testing.T) {
	w := cppcheck.New(exe("/usr/bin/cppcheck"), []string{"--output-file=a.xml", "--output-file=b.xml", "x.cpp"})
	if err := w.ResolveArgs(context.Background()); err == nil {
		t.Fatal("ResolveArgs() error = nil, want error about single output file")
	}
}

func TestRelevantArgumentsDropsIncludesKeepsOutputFileBareToken(t *testing.T) {
	w := cppcheck.New(exe("/usr/bin/cppcheck"), []string{"-I", "./inc", "-DFOO", "--output-file=report.xml", "x.cpp"})
	if err := w.ResolveArgs(context.Background()); err != nil {
		t.Fatalf("ResolveArgs() error = %v", err)
	}
	got := w.RelevantArguments()
	for _, tok := range got {
		if tok == "./inc" || tok == "report.xml" {
			t.Errorf("RelevantArguments() = %v, should not contain %q", got, tok)
		}
	}
	found := false
	for _, tok := range got {
		if tok == "--output-file" {
			found = true
		}
	}
	if !found {
		t.Errorf("RelevantArguments() = %v, missing bare --output-file token", got)
	}

	build, err := w.BuildFiles(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if of := build["output_file"]; of.Path != "report.xml" || !of.Required {
		t.Errorf("BuildFiles()[output_file] = %+v, want {report.xml true}", of)
	}
}

func TestSourceFileAcceptedDespiteNotInAllowList(t *testing.T) {
	w := cppcheck.New(exe("/usr/bin/cppcheck"), []string{"-D", "FOO=1", "src.cpp"})
	if err := w.ResolveArgs(context.Background()); err != nil {
		t.Fatalf("ResolveArgs() error = %v", err)
	}
	if got := w.InputFiles(); len(got) != 1 || got[0] != "src.cpp" {
		t.Errorf("InputFiles() = %v, want [src.cpp]", got)
	}
}
