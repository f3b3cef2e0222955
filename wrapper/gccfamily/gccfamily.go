// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package gccfamily implements the wrapper.Wrapper contract for the
// GCC/Clang driver grammar shared by gcc, g++, clang, clang++, and the
// Green Hills (ccarm/cxarm) and TI (armcl/cl6x) cross toolchains, which
// accept the same -I/-D/-U/-c/-o grammar and -E-to-stdout preprocessing
// convention.
package gccfamily

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
	"go.chromium.org/infra/build/buildcache/toolsupport/gccutil"
	"go.chromium.org/infra/build/buildcache/wrapper"
)

// dialect names one driver flavor. Each differs only in the flags used to
// probe the compiler's self-reported version.
type dialect struct {
	name        string
	matches     []string // basename substrings, checked after lowercasing
	versionFlag string
}

var dialects = []dialect{
	{name: "gcc", matches: []string{"gcc", "g++"}, versionFlag: "--version"},
	{name: "clang", matches: []string{"clang", "clang++"}, versionFlag: "--version"},
	{name: "greenhills", matches: []string{"ccarm", "cxarm"}, versionFlag: "-version"},
	{name: "ti", matches: []string{"armcl", "cl6x"}, versionFlag: "--compiler_revision"},
}

var sourceExtensions = map[string]bool{
	".c": true, ".cc": true, ".cxx": true, ".cpp": true, ".m": true, ".mm": true, ".s": true, ".S": true,
}

// Wrapper implements wrapper.Wrapper for one gcc-family invocation.
type Wrapper struct {
	exe  wrapper.Executable
	argv []string

	dialect dialect

	atoms      []args.Atom
	inputs     []string
	outputPath string
	hasCompile bool // -c present

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
	if strings.Contains(name, "clang-cl") {
		// clang-cl speaks the MSVC driver grammar; msvcfamily handles it.
		return false
	}
	for _, d := range dialects {
		for _, m := range d.matches {
			if strings.Contains(name, m) {
				w.dialect = d
				return true
			}
		}
	}
	return false
}

// twoTokenFlags take their value as the following argv element.
var twoTokenFlags = map[string]bool{
	"-I": true, "--include-directory": true, "-isystem": true, "-iquote": true,
	"-D": true, "-U": true, "-o": true, "-MF": true, "-MT": true, "-MQ": true,
	"-include": true, "-isysroot": true, "-L": true, "-l": true,
}

// ResolveArgs parses argv into atoms, classifying each flag's join shape and
// recording the input source files, the -c flag, and the output path.
func (w *Wrapper) ResolveArgs(ctx context.Context) error {
	var atoms []args.Atom
	var inputs []string

	for i := 0; i < len(w.argv); i++ {
		tok := w.argv[i]

		if strings.HasPrefix(tok, "@") {
			return &wrapper.UnsupportedInvocationError{
				Dialect: w.dialect.name,
				Reason:  "response files (@file) are not supported",
			}
		}

		if tok == "-c" {
			w.hasCompile = true
			atoms = append(atoms, args.Atom{Flag: "-c", Joined: args.JoinNone})
			continue
		}

		if twoTokenFlags[tok] && i+1 < len(w.argv) {
			i++
			val := w.argv[i]
			if tok == "-o" {
				w.outputPath = val
			}
			atoms = append(atoms, args.Atom{Flag: tok, Value: val, Joined: args.JoinSeparate})
			continue
		}

		if strings.HasPrefix(tok, "--") && strings.Contains(tok, "=") {
			flag, val, _ := strings.Cut(tok, "=")
			atoms = append(atoms, args.Atom{Flag: flag, Value: val, Joined: args.JoinEquals})
			continue
		}

		if matched, flag, val := matchConcatFlag(tok); matched {
			atoms = append(atoms, args.Atom{Flag: flag, Value: val, Joined: args.JoinConcat})
			continue
		}

		if strings.HasPrefix(tok, "-") {
			atoms = append(atoms, args.Atom{Flag: tok, Joined: args.JoinNone})
			continue
		}

		// Positional.
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
			Reason:  "caching is only attempted for -c (compile-only) invocations",
		}
	}

	w.atoms = atoms
	w.inputs = inputs
	clog.FromContext(ctx).Infof("gccfamily: resolved %s invocation with %d atoms", w.dialect.name, len(atoms))
	return nil
}

// concatPrefixes are flags whose value may be concatenated directly onto
// the flag with no separator, e.g. -Ipath, -DFOO=1.
var concatPrefixes = []string{"-I", "-D", "-U", "-isystem", "-iquote", "--include-directory=", "--sysroot="}

func matchConcatFlag(tok string) (matched bool, flag, val string) {
	for _, p := range concatPrefixes {
		if strings.HasPrefix(tok, p) && tok != p {
			return true, strings.TrimSuffix(p, "="), strings.TrimPrefix(tok, p)
		}
	}
	return false, "", ""
}

func (w *Wrapper) Capabilities() wrapper.Capabilities {
	return wrapper.NewCapabilities(wrapper.HardLinks)
}

// irrelevantFlagPrefixes are dropped from RelevantArguments: include paths (header
// contents are captured via ImplicitInputFiles and the preprocessed text
// instead), output paths, and colorization/verbosity switches.
var irrelevantFlagPrefixes = []string{"-I", "--include-directory", "-isystem", "-iquote", "-D", "-U", "-o", "--sysroot", "-v", "--verbose", "-fcolor-diagnostics", "-fno-color-diagnostics", "-fdiagnostics-color"}

// RelevantArguments projects the parsed atoms to the set whose change
// should invalidate the cache: -I/-D/-U/-isystem-family flags and output
// paths are dropped because their effect is already captured by the
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

// ProgramID probes the compiler's self-reported version string and
// memoizes it for the lifetime of the invocation.
func (w *Wrapper) ProgramID(ctx context.Context) (string, error) {
	if w.programID != "" {
		return w.programID, nil
	}
	res, err := procexec.Run(ctx, []string{w.exe.Resolved, w.dialect.versionFlag}, procexec.Options{Quiet: true})
	if err != nil {
		return "", &wrapper.ProbeFailureError{Dialect: w.dialect.name, Probe: "version", Err: err}
	}
	if len(res.Stdout) == 0 {
		return "", &wrapper.ProbeFailureError{Dialect: w.dialect.name, Probe: "version", Err: fmt.Errorf("empty output")}
	}
	w.programID = fmt.Sprintf("gccfamily-fp-v1:%s:%s", w.dialect.name, strings.TrimSpace(string(res.Stdout)))
	return w.programID, nil
}

// RelevantEnvVars is empty: preprocessed text already captures everything
// that affects the compile, via a preprocess-first fingerprinting mode.
func (w *Wrapper) RelevantEnvVars(ctx context.Context) (map[string]string, error) {
	return nil, nil
}

func (w *Wrapper) InputFiles() []string {
	return w.inputs
}

// ImplicitInputFiles re-invokes the compiler with -M to enumerate the real
// header set for the translation unit (toolsupport/gccutil.Deps, parsed by
// toolsupport/makeutil), so an -I/-isystem change that adds or removes a
// header is visible to the cache key even though those flags are dropped
// from RelevantArguments. It does not by itself cover a -D/-U value change
// that leaves the header set untouched; fingerprint.Assemble additionally
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
	deps, err := gccutil.Deps(ctx, argv, nil, cwd)
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

// PreprocessSource re-invokes the compiler with -E and returns the
// preprocessed text of the primary translation unit. The engine hashes
// this in addition to the headers ImplicitInputFiles enumerates.
func (w *Wrapper) PreprocessSource(ctx context.Context) ([]byte, error) {
	argv := []string{w.exe.Resolved}
	skipNext := false
	for _, tok := range w.argv {
		if skipNext {
			skipNext = false
			continue
		}
		if tok == "-c" {
			continue
		}
		if tok == "-o" {
			skipNext = true
			continue
		}
		argv = append(argv, tok)
	}
	argv = append(argv, "-E")
	res, err := procexec.Run(ctx, argv, procexec.Options{Quiet: true})
	if err != nil {
		return nil, &wrapper.ProbeFailureError{Dialect: w.dialect.name, Probe: "preprocess", Err: err}
	}
	return res.Stdout, nil
}

// BuildFiles reports the single object file named by -o, or the input
// basename with its extension changed to .o if -o was absent.
func (w *Wrapper) BuildFiles(ctx context.Context) (map[string]wrapper.ExpectedFile, error) {
	out := w.outputPath
	if out == "" && len(w.inputs) == 1 {
		out = strings.TrimSuffix(filepath.Base(w.inputs[0]), filepath.Ext(w.inputs[0])) + ".o"
	}
	return map[string]wrapper.ExpectedFile{
		"object_file": {Path: out, Required: true},
	}, nil
}
