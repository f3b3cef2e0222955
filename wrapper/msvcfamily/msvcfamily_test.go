// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package msvcfamily_test

import (
	"context"
	"testing"

	"go.chromium.org/infra/build/buildcache/wrapper"
	"go.chromium.org/infra/build/buildcache/wrapper/msvcfamily"
)

func exe(path string) wrapper.Executable {
	return wrapper.Executable{Literal: path, Resolved: path}
}

func TestCanHandleCommand(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{`C:\VC\bin\cl.exe`, true},
		{`C:\LLVM\bin\clang-cl.exe`, true},
		{"/usr/bin/gcc", false},
	}
	for _, c := range cases {
		if got := msvcfamily.New(exe(c.path), nil).CanHandleCommand(); got != c.want {
			t.Errorf("CanHandleCommand(%q) = %v, want %v", c.path, got, c.want)
		}
	}
}

func TestResolveArgsDropsIncludesAndOutput(t *testing.T) {
	argv := []string{"/O2", "/DFOO=1", "/I", `.\inc`, "/c", "a.cpp", `/Foa.obj`}
	w := msvcfamily.New(exe(`C:\VC\bin\cl.exe`), argv)
	if !w.CanHandleCommand() {
		t.Fatal("CanHandleCommand() = false")
	}
	if err := w.ResolveArgs(context.Background()); err != nil {
		t.Fatalf("ResolveArgs() error = %v", err)
	}

	got := w.RelevantArguments()
	for _, tok := range got {
		if tok == `.\inc` || tok == "a.obj" {
			t.Errorf("RelevantArguments() = %v, should not contain %q", got, tok)
		}
	}

	build, err := w.BuildFiles(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if of := build["object_file"]; of.Path != "a.obj" || !of.Required {
		t.Errorf("BuildFiles()[object_file] = %+v, want {a.obj true}", of)
	}
}

func TestResolveArgsRequiresCompileFlag(t *testing.T) {
	w := msvcfamily.New(exe(`C:\VC\bin\cl.exe`), []string{"a.cpp"})
	w.CanHandleCommand()
	if err := w.ResolveArgs(context.Background()); err == nil {
		t.Fatal("ResolveArgs() error = nil, want UnsupportedInvocationError")
	}
}
