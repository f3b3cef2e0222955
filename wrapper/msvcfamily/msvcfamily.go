// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package msvcfamily implements the wrapper.Wrapper contract for the MSVC
// driver grammar shared by cl.exe and clang-cl, which accept slash-prefixed
// flags (/I, /D, /c, /Fo) and preprocess to stdout via /E or /EP.
package msvcfamily

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"go.chromium.org/infra/build/buildcache/args"
	"go.chromium.org/infra/build/buildcache/fsx"
	"go.chromium.org/infra/build/buildcache/o11y/clog"
	"go.chromium.org/infra/build/buildcache/procexec"
	"go.chromium.org/infra/build/buildcache/toolsupport/msvcutil"
	"go.chromium.org/infra/build/buildcache/wrapper"
)

type dialect struct {
	name    string
	matches []string
}

var dialects = []dialect{
	{name: "clang-cl", matches: []string{"clang-cl"}},
	{name: "cl", matches: []string{"cl"}},
}

var sourceExtensions = map[string]bool{
	".c": true, ".cc": true, ".cxx": true, ".cpp": true, ".S": true,
}

// twoTokenFlags take their value as the following argv element, in either
// slash or dash form.
var twoTokenFlags = map[string]bool{
	"/I": true, "-I": true, "/D": true, "-D": true,
}

// Wrapper implements wrapper.Wrapper for one cl.exe/clang-cl invocation.
type Wrapper struct {
	exe  wrapper.Executable
	argv []string

	dialect dialect

	atoms      []args.Atom
	inputs     []string
	outputPath string
	hasCompile bool

	programID string

	implicitDone  bool
	implicitFiles []string
	implicitErr   error
}

// New constructs a Wrapper. Satisfies wrapper.Factory.
func New(exe wrapper.Executable, argv []string) wrapper.Wrapper {
	return &Wrapper{exe: exe, argv: argv}
}

func (w *Wrapper) CanHandleCommand() bool {
	name := wrapper.NormalizeCommandName(w.exe.Resolved)
	for _, d := range dialects {
		for _, m := range d.matches {
			if name == m {
				w.dialect = d
				return true
			}
		}
	}
	return false
}

// ResolveArgs parses argv into atoms. The /I and /D flags may be spelled
// with a leading "/" or "-"; both are normalized to the "/" spelling so the
// two shapes do not fingerprint differently. Other flags are kept as
// spelled, and /c and /Fo are recognized only in their "/" spelling.
func (w *Wrapper) ResolveArgs(ctx context.Context) error {
	var atoms []args.Atom
	var inputs []string

	for i := 0; i < len(w.argv); i++ {
		tok := w.argv[i]

		if tok == "/c" {
			w.hasCompile = true
			atoms = append(atoms, args.Atom{Flag: "/c", Joined: args.JoinNone})
			continue
		}

		if twoTokenFlags[tok] && i+1 < len(w.argv) {
			i++
			atoms = append(atoms, args.Atom{Flag: normalizeFlag(tok), Value: w.argv[i], Joined: args.JoinSeparate})
			continue
		}

		if strings.HasPrefix(tok, "/Fo") {
			w.outputPath = strings.TrimPrefix(tok, "/Fo")
			atoms = append(atoms, args.Atom{Flag: "/Fo", Value: w.outputPath, Joined: args.JoinConcat})
			continue
		}

		if matched, flag, val := matchConcatFlag(tok); matched {
			atoms = append(atoms, args.Atom{Flag: flag, Value: val, Joined: args.JoinConcat})
			continue
		}

		if strings.HasPrefix(tok, "/") || strings.HasPrefix(tok, "-") {
			atoms = append(atoms, args.Atom{Flag: tok, Joined: args.JoinNone})
			continue
		}

		atoms = append(atoms, args.Positional(tok))
		if sourceExtensions[filepath.Ext(tok)] {
			inputs = append(inputs, tok)
		}
	}

	if len(inputs) != 1 {
		return &wrapper.UnsupportedInvocationError{
			Dialect: w.dialect.name,
			Reason:  fmt.Sprintf("expected exactly one source input, got %d", len(inputs)),
		}
	}
	if !w.hasCompile {
		return &wrapper.UnsupportedInvocationError{
			Dialect: w.dialect.name,
			Reason:  "caching is only attempted for /c (compile-only) invocations",
		}
	}

	w.atoms = atoms
	w.inputs = inputs
	clog.FromContext(ctx).Infof("msvcfamily: resolved %s invocation with %d atoms", w.dialect.name, len(atoms))
	return nil
}

var concatPrefixes = []string{"/I", "-I", "/D", "-D", "/winsysroot"}

func matchConcatFlag(tok string) (matched bool, flag, val string) {
	for _, p := range concatPrefixes {
		if strings.HasPrefix(tok, p) && tok != p {
			return true, normalizeFlag(p), strings.TrimPrefix(tok, p)
		}
	}
	return false, "", ""
}

func normalizeFlag(flag string) string {
	if strings.HasPrefix(flag, "-") {
		return "/" + strings.TrimPrefix(flag, "-")
	}
	return flag
}

func (w *Wrapper) Capabilities() wrapper.Capabilities {
	return wrapper.NewCapabilities(wrapper.HardLinks)
}

var irrelevantFlagPrefixes = []string{"/I", "/D", "/U", "/Fo", "/Fd", "/winsysroot", "/showIncludes", "/nologo", "/W", "/Zi"}

// RelevantArguments drops /I/D/U-family flags and output paths, matching
// gccfamily's rationale: their effect is already captured by the
// preprocessed text or is output-location-only.
func (w *Wrapper) RelevantArguments() []string {
	var out []string
	for _, a := range w.atoms {
		if isIrrelevant(a.Flag) {
			continue
		}
		out = append(out, a.Canonical())
	}
	return out
}

func isIrrelevant(flag string) bool {
	for _, p := range irrelevantFlagPrefixes {
		if flag == p || strings.HasPrefix(flag, p) {
			return true
		}
	}
	return false
}

// ProgramID probes the compiler's self-reported version banner (cl.exe and
// clang-cl both print it to stderr with no flag required, so the probe
// invokes the binary with no arguments).
func (w *Wrapper) ProgramID(ctx context.Context) (string, error) {
	if w.programID != "" {
		return w.programID, nil
	}
	res, err := procexec.Run(ctx, []string{w.exe.Resolved}, procexec.Options{Quiet: true})
	if err != nil {
		return "", &wrapper.ProbeFailureError{Dialect: w.dialect.name, Probe: "version", Err: err}
	}
	banner := res.Stdout
	if len(banner) == 0 {
		banner = res.Stderr
	}
	if len(banner) == 0 {
		return "", &wrapper.ProbeFailureError{Dialect: w.dialect.name, Probe: "version", Err: fmt.Errorf("empty output")}
	}
	w.programID = fmt.Sprintf("msvcfamily-fp-v1:%s:%s", w.dialect.name, strings.TrimSpace(string(banner)))
	return w.programID, nil
}

func (w *Wrapper) RelevantEnvVars(ctx context.Context) (map[string]string, error) {
	return nil, nil
}

func (w *Wrapper) InputFiles() []string {
	return w.inputs
}

// ImplicitInputFiles re-invokes the compiler with /showIncludes to
// enumerate the real header set for the translation unit
// (toolsupport/msvcutil.Deps), so an /I change that adds or removes a
// header is visible to the cache key even though /I is dropped from
// RelevantArguments. It does not by itself cover a /D/U value change that
// leaves the header set untouched; fingerprint.Assemble additionally
// hashes PreprocessSource's output to cover that case. Memoized.
func (w *Wrapper) ImplicitInputFiles(ctx context.Context) ([]string, error) {
	if w.implicitDone {
		return w.implicitFiles, w.implicitErr
	}
	w.implicitDone = true

	cwd, err := fsx.Getwd()
	if err != nil {
		w.implicitErr = err
		return nil, err
	}
	argv := append([]string{w.exe.Resolved}, w.argv...)
	deps, err := msvcutil.Deps(ctx, argv, nil, cwd)
	if err != nil {
		w.implicitErr = &wrapper.ProbeFailureError{Dialect: w.dialect.name, Probe: "deps", Err: err}
		return nil, w.implicitErr
	}

	seen := make(map[string]bool, len(w.inputs))
	for _, in := range w.inputs {
		seen[in] = true
	}
	var implicit []string
	for _, d := range deps {
		if seen[d] {
			continue
		}
		seen[d] = true
		implicit = append(implicit, d)
	}
	sort.Strings(implicit)
	w.implicitFiles = implicit
	return implicit, nil
}

// PreprocessSource re-invokes the compiler with /EP (preprocess to stdout,
// no #line directives) and returns the captured bytes.
func (w *Wrapper) PreprocessSource(ctx context.Context) ([]byte, error) {
	argv := []string{w.exe.Resolved}
	for _, a := range w.atoms {
		if a.Flag == "/c" || a.Flag == "/Fo" {
			continue
		}
		argv = append(argv, args.Render([]args.Atom{a})...)
	}
	argv = append(argv, "/EP")
	res, err := procexec.Run(ctx, argv, procexec.Options{Quiet: true})
	if err != nil {
		return nil, &wrapper.ProbeFailureError{Dialect: w.dialect.name, Probe: "preprocess", Err: err}
	}
	return res.Stdout, nil
}

// BuildFiles reports the single object file named by /Fo, or the input
// basename with its extension changed to .obj if /Fo was absent.
func (w *Wrapper) BuildFiles(ctx context.Context) (map[string]wrapper.ExpectedFile, error) {
	out := w.outputPath
	if out == "" && len(w.inputs) == 1 {
		out = strings.TrimSuffix(filepath.Base(w.inputs[0]), filepath.Ext(w.inputs[0])) + ".obj"
	}
	return map[string]wrapper.ExpectedFile{
		"object_file": {Path: out, Required: true},
	}, nil
}
