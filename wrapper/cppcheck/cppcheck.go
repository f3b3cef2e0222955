// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package cppcheck implements the wrapper.Wrapper contract for the
// Cppcheck static analyzer, whose invocation pattern mirrors a compiler's
// closely enough to be cached the same way even though it produces a
// diagnostics report rather than an object file.
package cppcheck

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.chromium.org/infra/build/buildcache/args"
	"go.chromium.org/infra/build/buildcache/o11y/clog"
	"go.chromium.org/infra/build/buildcache/procexec"
	"go.chromium.org/infra/build/buildcache/wrapper"
)

const dialectName = "cppcheck"

const hashVersion = "1"

// twoPartArgs take their value as the following argv element.
var twoPartArgs = map[string]bool{
	"-D": true, "-U": true, "-I": true, "-i": true, "-j": true, "-l": true,
}

var sourceExtensions = map[string]bool{
	".cpp": true, ".cxx": true, ".cc": true, ".c++": true, ".c": true,
	".ipp": true, ".ixx": true, ".tpp": true, ".txx": true,
}

func isSourceFile(arg string) bool {
	return sourceExtensions[strings.ToLower(filepath.Ext(arg))]
}

// supportedArgs is the fixed allow-list; anything outside it (and not a
// source file) is fatal.
var supportedArgs = map[string]bool{
	"--check-level": true, "--check-library": true, "--disable": true,
	"-D": true, "--enable": true, "--error-exitcode": true,
	"--exitcode-suppressions": true, "--file-filter": true, "-f": true,
	"--force": true, "--fsigned-char": true, "--funsigned-char": true,
	"-I": true, "-i": true, "--inconclusive": true, "--inline-suppr": true,
	"--language": true, "--max-configs": true, "--max-ctu-depth": true,
	"--output-file": true, "--platform": true, "--premium": true,
	"-q": true, "--quiet": true, "-rp": true, "--relative-paths": true,
	"--rule": true, "--showtime": true, "--std": true, "--suppress": true,
	"--template": true, "--template-location": true, "-U": true,
	"-v": true, "--verbose": true, "--xml": true,
}

func isSupportedArg(arg string) bool {
	return supportedArgs[arg] || isSourceFile(arg)
}

// Wrapper implements wrapper.Wrapper for one Cppcheck invocation.
type Wrapper struct {
	exe  wrapper.Executable
	argv []string

	atoms  []args.Atom
	inputs []string

	programID string
}

// New constructs a Wrapper. Satisfies wrapper.Factory.
func New(exe wrapper.Executable, argv []string) wrapper.Wrapper {
	return &Wrapper{exe: exe, argv: argv}
}

func (w *Wrapper) CanHandleCommand() bool {
	return strings.Contains(wrapper.NormalizeCommandName(w.exe.Resolved), dialectName)
}

// ResolveArgs parses argv using the four-shape grammar: two-token
// (-D name), concatenated (-Dname), equals-joined (--flag=value), and
// bare. Any flag outside the fixed allow-list is fatal.
func (w *Wrapper) ResolveArgs(ctx context.Context) error {
	var atoms []args.Atom
	var inputs []string

	for i := 0; i < len(w.argv); i++ {
		tok := w.argv[i]

		if twoPartArgs[tok] && i+1 < len(w.argv) {
			i++
			atoms = append(atoms, args.Atom{Flag: tok, Value: w.argv[i], Joined: args.JoinSeparate})
			continue
		}

		if len(tok) > 2 && twoPartArgs[tok[:2]] {
			atoms = append(atoms, args.Atom{Flag: tok[:2], Value: tok[2:], Joined: args.JoinConcat})
			continue
		}

		if eq := strings.IndexByte(tok, '='); eq >= 0 {
			flag, val := tok[:eq], tok[eq+1:]
			atoms = append(atoms, args.Atom{Flag: flag, Value: val, Joined: args.JoinEquals})
			continue
		}

		atoms = append(atoms, args.Atom{Flag: tok, Joined: args.JoinNone})
		if isSourceFile(tok) {
			inputs = append(inputs, tok)
		}
	}

	for _, a := range atoms {
		if !isSupportedArg(a.Flag) {
			return &wrapper.UnsupportedInvocationError{
				Dialect: dialectName,
				Reason:  fmt.Sprintf("Unsupported argument: %s", strings.Join(args.Render([]args.Atom{a}), " ")),
			}
		}
	}

	outputFiles := 0
	for _, a := range atoms {
		if a.Flag == "--output-file" {
			outputFiles++
		}
	}
	if outputFiles > 1 {
		return &wrapper.UnsupportedInvocationError{
			Dialect: dialectName,
			Reason:  "Only a single output file can be specified.",
		}
	}

	w.atoms = atoms
	w.inputs = inputs
	clog.FromContext(ctx).Infof("cppcheck: resolved invocation with %d atoms", len(atoms))
	return nil
}

func (w *Wrapper) Capabilities() wrapper.Capabilities {
	return wrapper.NewCapabilities(wrapper.HardLinks)
}

// ProgramID probes --version and prefixes it with the hash-format
// version tag.
func (w *Wrapper) ProgramID(ctx context.Context) (string, error) {
	if w.programID != "" {
		return w.programID, nil
	}
	res, err := procexec.Run(ctx, []string{w.exe.Resolved, "--version"}, procexec.Options{Quiet: true})
	if err != nil || res.ExitCode != 0 {
		return "", &wrapper.ProbeFailureError{Dialect: dialectName, Probe: "version", Err: fmt.Errorf("unable to get the Cppcheck version information string")}
	}
	w.programID = hashVersion + strings.TrimSpace(string(res.Stdout))
	return w.programID, nil
}

// RelevantArguments drops -I/-D/-U (subsumed by the preprocessed text) but
// preserves the bare token --output-file, without its value, since its
// presence flips output behavior.
func (w *Wrapper) RelevantArguments() []string {
	out := []string{filepath.Base(w.exe.Literal)}
	for _, a := range w.atoms {
		if a.Flag == "-I" || a.Flag == "-D" || a.Flag == "-U" {
			continue
		}
		if a.Flag == "--output-file" {
			out = append(out, "--output-file")
			continue
		}
		out = append(out, a.Canonical())
	}
	return out
}

func (w *Wrapper) RelevantEnvVars(ctx context.Context) (map[string]string, error) {
	return nil, nil
}

func (w *Wrapper) InputFiles() []string {
	return w.inputs
}

func (w *Wrapper) ImplicitInputFiles(ctx context.Context) ([]string, error) {
	return nil, nil
}

// PreprocessSource re-invokes Cppcheck with -E appended, dropping
// --output-file since the preprocessor step writes to stdout.
func (w *Wrapper) PreprocessSource(ctx context.Context) ([]byte, error) {
	argv := []string{w.exe.Resolved}
	for _, a := range w.atoms {
		if a.Flag == "--output-file" {
			continue
		}
		argv = append(argv, args.Render([]args.Atom{a})...)
	}
	argv = append(argv, "-E")
	res, err := procexec.Run(ctx, argv, procexec.Options{Quiet: true})
	if err != nil || res.ExitCode != 0 {
		return nil, &wrapper.ProbeFailureError{Dialect: dialectName, Probe: "preprocess", Err: fmt.Errorf("preprocessing command was unsuccessful")}
	}
	return res.Stdout, nil
}

// BuildFiles captures --output-file if present.
func (w *Wrapper) BuildFiles(ctx context.Context) (map[string]wrapper.ExpectedFile, error) {
	files := map[string]wrapper.ExpectedFile{}
	for _, a := range w.atoms {
		if a.Flag == "--output-file" {
			files["output_file"] = wrapper.ExpectedFile{Path: a.Value, Required: true}
		}
	}
	return files, nil
}
