// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package rustc implements the wrapper.Wrapper contract for cargo-invoked
// rustc. Unlike the C-family dialects, rustc has no preprocessor; dependency
// discovery instead goes through an --emit=dep-info probe, and the wrapper
// requires direct mode (wrapper.ForceDirectMode) because of it. This
// implementation follows the rules sccache follows for the same problem;
// see https://github.com/mozilla/sccache/blob/main/docs/Rust.md for the
// caveats that also apply here.
package rustc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"

	"go.chromium.org/infra/build/buildcache/digest"
	"go.chromium.org/infra/build/buildcache/fsx"
	"go.chromium.org/infra/build/buildcache/o11y/clog"
	"go.chromium.org/infra/build/buildcache/procexec"
	"go.chromium.org/infra/build/buildcache/wrapper"
)

const dialectName = "rustc"

const hashVersion = "1"

type optionType int

const (
	optUnsupported optionType = iota
	optUnhandled
	optIgnored
	optLibraryPath
	optLibrary
	optCrateType
	optCrateName
	optEmit
	optCodeGen
	optOutDir
	optTarget
	optExtern
	optResponseFile
	optPath
)

type optionSpec struct {
	typ    optionType
	hasArg bool
}

// optionSpecs mirrors rustc's own option table as far as buildcache needs
// to understand it: which options are cacheable (IGNORED and the typed
// categories below), which require a value, and which make caching
// impossible (UNSUPPORTED) or are simply not handled yet (UNHANDLED).
var optionSpecs = map[string]optionSpec{
	"-":                   {optUnsupported, false},
	"-h":                  {optUnhandled, false},
	"--help":              {optUnhandled, false},
	"--cfg":               {optIgnored, true},
	"-L":                  {optLibraryPath, true},
	"-l":                  {optLibrary, true},
	"--crate-type":        {optCrateType, true},
	"--crate-name":        {optCrateName, true},
	"--edition":           {optIgnored, true},
	"--emit":              {optEmit, true},
	"--print":             {optUnhandled, true},
	"-g":                  {optCodeGen, false},
	"-O":                  {optCodeGen, false},
	"-o":                  {optUnsupported, true},
	"--out-dir":           {optOutDir, true},
	"--explain":           {optUnhandled, true},
	"--test":              {optUnhandled, false},
	"--target":            {optTarget, true},
	"-A":                  {optIgnored, true},
	"--allow":             {optIgnored, true},
	"-W":                  {optIgnored, true},
	"--warn":              {optIgnored, true},
	"--force-warn":        {optIgnored, true},
	"-D":                  {optIgnored, true},
	"--deny":              {optIgnored, true},
	"-F":                  {optIgnored, true},
	"--forbid":            {optIgnored, true},
	"--cap-lints":         {optIgnored, true},
	"-C":                  {optCodeGen, true},
	"--codegen":           {optCodeGen, true},
	"-V":                  {optUnhandled, false},
	"--version":           {optUnhandled, false},
	"-v":                  {optIgnored, false},
	"--verbose":           {optIgnored, false},
	"--extern":            {optExtern, true},
	"--sysroot":           {optUnsupported, true},
	"--error-format":      {optIgnored, true},
	"--json":              {optIgnored, true},
	"--color":             {optIgnored, true},
	"--diagnostic-width":  {optIgnored, true},
	"--remap-path-prefix": {optUnsupported, true},
	"@":                   {optResponseFile, false},
}

// argumentPattern tokenizes a single argv element into (option, argument):
// "--flag=value", "-X…" for X in [hLlgOoAWDFCVv], a lone "-", "@file", or a
// bare positional.
var argumentPattern = regexp.MustCompile(`^(?:(?:(--[^\s=]*)=(\S*))|(?:(-[hLlgOoAWDFCVv])(\S*))|(-)|(?:(@)(\S+))|(\S+))$`)

func parseArgument(tok string) (option, arg string, ok bool) {
	m := argumentPattern.FindStringSubmatch(tok)
	if m == nil {
		return tok, "", false
	}
	switch {
	case m[1] != "":
		return m[1], m[2], true
	case m[3] != "":
		return m[3], m[4], true
	case m[5] != "":
		return m[5], "", true
	case m[6] != "":
		return m[6], m[7], true
	case m[8] != "":
		return m[8], "", true
	}
	return tok, "", false
}

// runScrubbed runs argv with volatileEnvVars unset for the duration of the
// call, restoring the process environment on every exit path.
func runScrubbed(ctx context.Context, argv []string, quiet bool) (procexec.Result, error) {
	scope := scrubEnv(volatileEnvVars)
	defer scope.Restore()
	return procexec.Run(ctx, argv, procexec.Options{Quiet: quiet})
}

// Wrapper implements wrapper.Wrapper for one rustc invocation.
type Wrapper struct {
	exe  wrapper.Executable
	argv []string

	resolvedArgs []string // reserialized argv, without the program name
	relevantArgs []string
	outputDir    string
	externs      []string
	staticLibs   []string
	crateName    string
	depInfo      string
	emit         []string
	input        string

	programID string

	processed          bool
	implicitInputFiles []string
	relevantEnvVars    map[string]string
}

// New constructs a Wrapper. Satisfies wrapper.Factory.
func New(exe wrapper.Executable, argv []string) wrapper.Wrapper {
	return &Wrapper{exe: exe, argv: argv}
}

func (w *Wrapper) CanHandleCommand() bool {
	return wrapper.NormalizeCommandName(w.exe.Resolved) == "rustc"
}

func (w *Wrapper) panic(msg string) error {
	header := w.crateName
	if header == "" {
		header = "<unknown crate>"
	}
	return &wrapper.UnsupportedInvocationError{Dialect: dialectName, Subject: header, Reason: msg}
}

// ResolveArgs parses and validates argv per the required invocation shape:
// exactly one positional input; --emit containing both link and metadata
// drawn only from {link, metadata, dep-info}; --out-dir, --crate-name, and
// a --crate-type naming lib/rlib/staticlib all present.
func (w *Wrapper) ResolveArgs(ctx context.Context) error {
	cwd, err := fsx.Getwd()
	if err != nil {
		return err
	}

	var resolvedArgs, relevantArgs []string
	var staticLibPaths, staticLibNames []string
	var crateTypeRlib, crateTypeStaticLib bool
	var crateName, outputDir, extraFilename, input string
	var externs, emit []string
	var errs []string

	for i := 0; i < len(w.argv); i++ {
		option, arg, ok := parseArgument(w.argv[i])
		if !ok {
			errs = append(errs, option)
			continue
		}
		spec, known := optionSpecs[option]
		if !known {
			spec = optionSpec{typ: optPath, hasArg: false}
		}

		arg2 := arg
		needsArg := spec.hasArg && arg2 == ""
		if needsArg && i+1 < len(w.argv) {
			i++
			arg2 = w.argv[i]
		}
		if needsArg && arg2 == "" {
			errs = append(errs, fmt.Sprintf("Can't parse arguments, missing argument for %s", option))
			continue
		}

		resolvedArgs = append(resolvedArgs, option)
		if arg2 != "" {
			resolvedArgs = append(resolvedArgs, arg2)
		}

		switch spec.typ {
		case optUnsupported:
			errs = append(errs, fmt.Sprintf("Unsupported compiler argument %s", option))
			continue
		case optUnhandled:
			errs = append(errs, fmt.Sprintf("Unhandled compiler argument %s", option))
			continue
		case optIgnored:
			continue
		case optLibraryPath:
			kind, path := splitKindValue(arg2)
			if kind == "" || kind == "native" || kind == "all" {
				staticLibPaths = append(staticLibPaths, path)
			}
			continue
		case optLibrary:
			kind, name := splitKindValue(arg2)
			if kind == "static" {
				staticLibNames = append(staticLibNames, name)
			}
		case optCrateType:
			if !(crateTypeRlib && crateTypeStaticLib) {
				for _, ct := range strings.Split(arg2, ",") {
					switch ct {
					case "lib", "rlib":
						crateTypeRlib = true
					case "staticlib":
						crateTypeStaticLib = true
					}
				}
			}
		case optCrateName:
			crateName = arg2
		case optEmit:
			if len(emit) != 0 {
				errs = append(errs, "Cannot handle more than one --emit")
				continue
			}
			emit = append(emit, strings.Split(arg2, ",")...)
			sort.Strings(emit)
		case optCodeGen:
			key, val, _ := strings.Cut(arg2, "=")
			if key == "extra-filename" {
				extraFilename = val
				if extraFilename == "" {
					errs = append(errs, "Can't cache extra-filename")
					continue
				}
			}
			if key == "incremental" {
				errs = append(errs, "Can't cache incremental builds")
				continue
			}
		case optOutDir:
			outputDir = arg2
			continue
		case optTarget:
			if strings.EqualFold(filepath.Ext(arg2), ".json") || fileExists(arg2+".json") {
				errs = append(errs, "Can't cache target "+arg2)
				continue
			}
		case optExtern:
			if _, externLib, ok := strings.Cut(arg2, "="); ok && externLib != "" {
				externs = append(externs, filepath.Join(cwd, externLib))
			}
			continue
		case optResponseFile:
			errs = append(errs, "Cannot handle response file "+option)
			continue
		case optPath:
			if input != "" {
				errs = append(errs, "Cannot handle multiple inputs "+option)
				continue
			}
			input = option
		}

		if arg2 != "" {
			relevantArgs = append(relevantArgs, option+"\x00"+arg2)
		} else {
			relevantArgs = append(relevantArgs, option)
		}
	}

	w.crateName = crateName // set early so panic() below can prefix with it

	if len(errs) > 0 {
		return w.panic(strings.Join(errs, "\n"))
	}
	if input == "" {
		return w.panic("input file required to cache cargo/rustc compilation")
	}
	if !validEmitSet(emit) {
		return w.panic("--emit required to cache cargo/rustc compilation")
	}
	if outputDir == "" {
		return w.panic("--out-dir required to cache cargo/rustc compilation")
	}
	if crateName == "" {
		return w.panic("--crate-name required to cache cargo/rustc compilation")
	}
	if !crateTypeRlib && !crateTypeStaticLib {
		return w.panic("--crate-type required to cache cargo/rustc compilation")
	}

	var staticLibs []string
	for _, name := range staticLibNames {
		for _, path := range staticLibPaths {
			for _, candidate := range []string{
				filepath.Join(path, "lib"+name+".a"),
				filepath.Join(path, name+".lib"),
				filepath.Join(path, name+".a"),
			} {
				if fileExists(candidate) {
					staticLibs = append(staticLibs, candidate)
					break
				}
			}
		}
	}

	var depInfo string
	if containsStr(emit, "dep-info") {
		depInfo = crateName + extraFilename + ".d"
	}

	sort.Strings(externs)
	sort.Strings(staticLibs)

	w.resolvedArgs = resolvedArgs
	w.relevantArgs = relevantArgs
	w.outputDir = outputDir
	w.externs = externs
	w.staticLibs = staticLibs
	w.depInfo = depInfo
	w.emit = emit
	w.input = input

	clog.FromContext(ctx).Infof("rustc: resolved crate %q with emit=%v", crateName, emit)
	return nil
}

func validEmitSet(emit []string) bool {
	if len(emit) == 0 {
		return false
	}
	allowed := map[string]bool{"dep-info": true, "link": true, "metadata": true}
	hasLink, hasMetadata := false, false
	for _, e := range emit {
		if !allowed[e] {
			return false
		}
		if e == "link" {
			hasLink = true
		}
		if e == "metadata" {
			hasMetadata = true
		}
	}
	return hasLink && hasMetadata
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// splitKindValue splits rustc's "[KIND=]VALUE" option-argument shape (used
// by -L, -l, --extern, and -C sub-options) into its kind and value parts.
// Absent a "kind=" prefix, kind is empty and value is the whole string.
func splitKindValue(s string) (kind, value string) {
	if k, v, ok := strings.Cut(s, "="); ok {
		return k, v
	}
	return "", s
}

func fileExists(path string) bool {
	return fsx.OS().Exists(path)
}

func (w *Wrapper) Capabilities() wrapper.Capabilities {
	return wrapper.NewCapabilities(wrapper.ForceDirectMode, wrapper.HardLinks)
}

// ProgramID hashes the format version, `rustc -vV`, the current working
// directory (rustc embeds paths into its output), every shared library in
// the sysroot's dynamic-library directory, and every resolved static
// library's name and content.
func (w *Wrapper) ProgramID(ctx context.Context) (string, error) {
	if w.programID != "" {
		return w.programID, nil
	}

	h := digest.New()
	h.AppendString(hashVersion)

	verRes, err := runScrubbed(ctx, []string{w.exe.Resolved, "-vV"}, true)
	if err != nil || verRes.ExitCode != 0 {
		return "", &wrapper.ProbeFailureError{Dialect: dialectName, Probe: "version", Err: fmt.Errorf("unable to get the compiler version information string")}
	}
	h.Append(verRes.Stdout)

	sysrootRes, err := runScrubbed(ctx, []string{w.exe.Resolved, "--print=sysroot"}, true)
	if err != nil || sysrootRes.ExitCode != 0 {
		return "", &wrapper.ProbeFailureError{Dialect: dialectName, Probe: "sysroot", Err: fmt.Errorf("unable to get the compiler sysroot")}
	}
	sysroot := strings.TrimSpace(string(sysrootRes.Stdout))

	cwd, err := fsx.Getwd()
	if err != nil {
		return "", err
	}
	h.AppendString(cwd)

	libDir, dllExt := filepath.Join(sysroot, "lib"), ".so"
	if runtime.GOOS == "windows" {
		libDir, dllExt = filepath.Join(sysroot, "bin"), ".dll"
	}
	sharedLibs, err := fsx.OS().WalkDir(libDir, fsx.IncludeExtension(dllExt))
	if err != nil {
		return "", &wrapper.ProbeFailureError{Dialect: dialectName, Probe: "sysroot shared libraries", Err: err}
	}
	for _, lib := range sharedLibs {
		if err := h.AppendFile(lib); err != nil {
			return "", &wrapper.ProbeFailureError{Dialect: dialectName, Probe: "sysroot shared libraries", Err: err}
		}
	}

	for _, lib := range w.staticLibs {
		h.AppendString(lib)
		if err := h.AppendFile(lib); err != nil {
			return "", &wrapper.ProbeFailureError{Dialect: dialectName, Probe: "static libraries", Err: err}
		}
	}

	w.programID = h.Final()
	return w.programID, nil
}

func (w *Wrapper) RelevantArguments() []string {
	return w.relevantArgs
}

func (w *Wrapper) RelevantEnvVars(ctx context.Context) (map[string]string, error) {
	if err := w.process(ctx); err != nil {
		return nil, err
	}
	return w.relevantEnvVars, nil
}

func (w *Wrapper) InputFiles() []string {
	return append([]string{w.input}, w.externs...)
}

func (w *Wrapper) ImplicitInputFiles(ctx context.Context) ([]string, error) {
	if err := w.process(ctx); err != nil {
		return nil, err
	}
	return w.implicitInputFiles, nil
}

// process runs a scratch --emit=dep-info probe and extracts both the
// implicit input file list (the .d file's first line) and the relevant
// environment map (its "# env-dep:" lines plus every process-env variable
// whose name contains CARGO_, except CARGO_MAKEFLAGS). Memoized: rustc is probed at most
// once per invocation.
func (w *Wrapper) process(ctx context.Context) error {
	if w.processed {
		return nil
	}

	fs := fsx.OS()
	tmpPath, cleanup, err := fs.TempFile("", ".d")
	if err != nil {
		return err
	}
	defer cleanup()

	var filtered []string
	skipNext := false
	for _, a := range w.resolvedArgs {
		if skipNext {
			skipNext = false
			continue
		}
		if a == "--emit" || a == "--out-dir" || a == "-C" {
			skipNext = true
			continue
		}
		filtered = append(filtered, a)
	}

	argv := append([]string{w.exe.Resolved}, filtered...)
	argv = append(argv, "-o", tmpPath, "--emit=dep-info")

	res, err := runScrubbed(ctx, argv, false)
	if err != nil || res.ExitCode != 0 {
		return &wrapper.ProbeFailureError{Dialect: dialectName, Probe: "dep-info", Err: fmt.Errorf("failed to call rustc for dep-info")}
	}

	content, err := fs.ReadFile(tmpPath)
	if err != nil {
		return &wrapper.ProbeFailureError{Dialect: dialectName, Probe: "dep-info", Err: err}
	}
	lines := strings.Split(string(content), "\n")
	if len(lines) == 0 || lines[0] == "" {
		w.processed = true
		return nil
	}

	fields := strings.Fields(lines[0])
	var implicit []string
	if len(fields) > 1 {
		implicit = append(implicit, fields[1:]...)
	}
	sort.Strings(implicit)

	relevantEnv := map[string]string{}
	for _, line := range lines[1:] {
		if !strings.HasPrefix(line, "# env-dep:") {
			continue
		}
		rest := strings.TrimPrefix(line, "# env-dep:")
		name, value, _ := strings.Cut(rest, "=")
		if name == "RUSTC_COLOR" || name == "CARGO_MAKEFLAGS" {
			continue
		}
		relevantEnv[name] = value
	}
	for _, kv := range os.Environ() {
		name, value, _ := strings.Cut(kv, "=")
		if !strings.Contains(name, "CARGO_") || name == "CARGO_MAKEFLAGS" {
			continue
		}
		relevantEnv[name] = value
	}

	w.implicitInputFiles = implicit
	w.relevantEnvVars = relevantEnv
	w.processed = true
	return nil
}

// PreprocessSource has no rustc equivalent: dependency discovery goes
// through --emit=dep-info instead of a text-preprocessing step.
func (w *Wrapper) PreprocessSource(ctx context.Context) ([]byte, error) {
	return nil, wrapper.ErrNoPreprocessor
}

// BuildFiles predicts the exact link-artifact names via
// `rustc … --print file-names` (extensions are platform- and
// crate-type-dependent), then adds a matching .rmeta per .rlib when
// metadata is emitted, and the predicted .d file when dep-info is emitted.
func (w *Wrapper) BuildFiles(ctx context.Context) (map[string]wrapper.ExpectedFile, error) {
	argv := append([]string{w.exe.Resolved}, w.resolvedArgs...)
	argv = append(argv, "--print", "file-names")
	res, err := runScrubbed(ctx, argv, true)
	if err != nil || res.ExitCode != 0 {
		return nil, &wrapper.ProbeFailureError{Dialect: dialectName, Probe: "file-names", Err: fmt.Errorf("failed to call rustc --print file-names")}
	}

	var files []string
	for _, line := range strings.Split(string(res.Stdout), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}

	if containsStr(w.emit, "metadata") {
		seen := map[string]bool{}
		for _, f := range files {
			seen[f] = true
		}
		var metadata []string
		for _, f := range files {
			if filepath.Ext(f) != ".rlib" {
				continue
			}
			rmeta := fsx.ChangeExtension(f, ".rmeta")
			if !seen[rmeta] {
				seen[rmeta] = true
				metadata = append(metadata, rmeta)
			}
		}
		files = append(files, metadata...)
	}

	if containsStr(w.emit, "dep-info") && w.depInfo != "" {
		files = append(files, w.depInfo)
	}

	out := make(map[string]wrapper.ExpectedFile, len(files))
	for _, f := range files {
		out[f] = wrapper.ExpectedFile{Path: filepath.Join(w.outputDir, f), Required: true}
	}
	return out, nil
}
