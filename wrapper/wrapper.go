// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package wrapper defines the contract every per-compiler dialect
// implements: the abstract interface the cache engine consumes to decide
// cacheability, compute a fingerprint, and predict build output files.
package wrapper

import "context"

// Executable pairs the literal command name as invoked (argv[0]) with its
// resolved absolute path after symlink resolution. The literal is used when
// a dialect must respawn the same tool under the same name (e.g. a rustup
// proxy); the resolved path is used for capability probing.
type Executable struct {
	Literal  string
	Resolved string
}

// ExpectedFile names an artifact the real compiler is expected to produce.
// Required=true means its absence after a successful compile is a wrapper
// error; Required=false means it is captured only if present.
type ExpectedFile struct {
	Path     string
	Required bool
}

// Capability is an optional engine behavior a dialect declares it supports
// or requires.
type Capability int

const (
	// ForceDirectMode means the engine must use direct (preprocess-first or
	// dep-info-based) mode for this invocation; the dialect has no
	// alternative hashing strategy.
	ForceDirectMode Capability = iota
	// HardLinks means materializing a cache hit with a hard link (instead
	// of a copy) is safe for this dialect's output files.
	HardLinks
)

// Capabilities is a set of Capability values.
type Capabilities map[Capability]bool

// Has reports whether c contains cap.
func (c Capabilities) Has(cap Capability) bool {
	return c[cap]
}

// NewCapabilities builds a Capabilities set from the given values.
func NewCapabilities(caps ...Capability) Capabilities {
	c := make(Capabilities, len(caps))
	for _, cap := range caps {
		c[cap] = true
	}
	return c
}

// Wrapper is the contract every dialect implements. The cache engine calls
// these operations in the fixed pipeline documented in fingerprint.Assemble:
// ResolveArgs, then Capabilities, then (in any order, each memoized)
// ProgramID, RelevantArguments, RelevantEnvVars, InputFiles,
// ImplicitInputFiles, PreprocessSource (skipped when Capabilities declares
// ForceDirectMode), and finally, only on a cache miss, BuildFiles.
type Wrapper interface {
	// CanHandleCommand inspects the resolved executable name (lowercased
	// and extension-stripped via NormalizeCommandName) and reports whether
	// this dialect matches.
	CanHandleCommand() bool

	// ResolveArgs parses argv into the wrapper's internal classified
	// argument representation, performing dialect-specific rewrites.
	// Response files are not expanded. Returns an
	// *UnsupportedInvocationError if a mandatory option is missing or any
	// option is classified Unsupported/Unhandled.
	ResolveArgs(ctx context.Context) error

	// Capabilities declares optional engine behaviors this dialect supports
	// or requires. Valid only after ResolveArgs.
	Capabilities() Capabilities

	// ProgramID returns a stable identifier for the compiler binary.
	// Memoized: the underlying probe subprocess runs at most once per
	// invocation.
	ProgramID(ctx context.Context) (string, error)

	// RelevantArguments returns the canonical argument projection whose
	// change should invalidate the cache. It is a pure function of the
	// parsed argument list: it does not depend on the environment or the
	// filesystem. Valid only after ResolveArgs.
	RelevantArguments() []string

	// RelevantEnvVars returns the dialect-specific relevant environment
	// mapping. Memoized alongside ImplicitInputFiles where the two are
	// computed together (rustc).
	RelevantEnvVars(ctx context.Context) (map[string]string, error)

	// InputFiles returns files whose contents are hashed into the
	// fingerprint directly: explicit source inputs and extern libraries.
	// Valid only after ResolveArgs.
	InputFiles() []string

	// ImplicitInputFiles returns files discovered by consulting the
	// compiler (preprocessor header list for C-family; dep-info for
	// rustc), sorted. Memoized.
	ImplicitInputFiles(ctx context.Context) ([]string, error)

	// PreprocessSource returns the language-neutral preprocessed form of
	// the primary translation unit. Dialects with no preprocessor (rustc)
	// return ErrNoPreprocessor.
	PreprocessSource(ctx context.Context) ([]byte, error)

	// BuildFiles enumerates the artifacts the real compiler is expected to
	// write, keyed by a stable logical name. Valid only after ResolveArgs.
	BuildFiles(ctx context.Context) (map[string]ExpectedFile, error)
}

// Factory constructs a Wrapper for a single invocation. Each dialect
// package exposes a Factory so the dispatcher can probe CanHandleCommand
// without committing to ResolveArgs.
type Factory func(exe Executable, argv []string) Wrapper
