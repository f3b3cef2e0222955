// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fingerprint_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.chromium.org/infra/build/buildcache/digest"
	"go.chromium.org/infra/build/buildcache/fingerprint"
	"go.chromium.org/infra/build/buildcache/wrapper"
)

// fakeWrapper implements wrapper.Wrapper with fixed return values, enough
// to exercise Assemble's composition order without a real dialect.
type fakeWrapper struct {
	programID  string
	args       []string
	env        map[string]string
	inputs     []string
	implicit   []string
}

func (f *fakeWrapper) CanHandleCommand() bool                    { return true }
func (f *fakeWrapper) ResolveArgs(ctx context.Context) error     { return nil }
func (f *fakeWrapper) Capabilities() wrapper.Capabilities        { return nil }
func (f *fakeWrapper) ProgramID(ctx context.Context) (string, error) {
	return f.programID, nil
}
func (f *fakeWrapper) RelevantArguments() []string { return f.args }
func (f *fakeWrapper) RelevantEnvVars(ctx context.Context) (map[string]string, error) {
	return f.env, nil
}
func (f *fakeWrapper) InputFiles() []string { return f.inputs }
func (f *fakeWrapper) ImplicitInputFiles(ctx context.Context) ([]string, error) {
	return f.implicit, nil
}
func (f *fakeWrapper) PreprocessSource(ctx context.Context) ([]byte, error) {
	return nil, wrapper.ErrNoPreprocessor
}
func (f *fakeWrapper) BuildFiles(ctx context.Context) (map[string]wrapper.ExpectedFile, error) {
	return nil, nil
}

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestAssembleStableAndOrderInsensitiveToArgOrder(t *testing.T) {
	dir := t.TempDir()
	a := writeTemp(t, dir, "a.c", "int a;")
	b := writeTemp(t, dir, "b.h", "int b;")

	w1 := &fakeWrapper{
		programID: "gcc-13.2.0",
		args:       []string{"-O2", "-DFOO=1"},
		env:        map[string]string{"LANG": "C"},
		inputs:     []string{a},
		implicit:   []string{b},
	}
	w2 := &fakeWrapper{
		programID: "gcc-13.2.0",
		args:       []string{"-DFOO=1", "-O2"}, // different order, same set
		env:        map[string]string{"LANG": "C"},
		inputs:     []string{a},
		implicit:   []string{b},
	}

	k1, err := fingerprint.Assemble(context.Background(), w1, digest.New())
	if err != nil {
		t.Fatal(err)
	}
	k2, err := fingerprint.Assemble(context.Background(), w2, digest.New())
	if err != nil {
		t.Fatal(err)
	}
	if k1 != k2 {
		t.Errorf("Assemble() not invariant to RelevantArguments order: %q != %q", k1, k2)
	}
}

func TestAssembleChangesWithFileContent(t *testing.T) {
	dir := t.TempDir()
	a := writeTemp(t, dir, "a.c", "int a;")

	w := &fakeWrapper{programID: "gcc-13.2.0", inputs: []string{a}}
	k1, err := fingerprint.Assemble(context.Background(), w, digest.New())
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(a, []byte("int a; /* changed */"), 0o644); err != nil {
		t.Fatal(err)
	}
	k2, err := fingerprint.Assemble(context.Background(), w, digest.New())
	if err != nil {
		t.Fatal(err)
	}
	if k1 == k2 {
		t.Error("Assemble() did not change when input file content changed")
	}
}

func TestAssembleChangesWithProgramID(t *testing.T) {
	w1 := &fakeWrapper{programID: "gcc-13.2.0"}
	w2 := &fakeWrapper{programID: "gcc-14.0.0"}

	k1, err := fingerprint.Assemble(context.Background(), w1, digest.New())
	if err != nil {
		t.Fatal(err)
	}
	k2, err := fingerprint.Assemble(context.Background(), w2, digest.New())
	if err != nil {
		t.Fatal(err)
	}
	if k1 == k2 {
		t.Error("Assemble() did not change when ProgramID changed")
	}
}
