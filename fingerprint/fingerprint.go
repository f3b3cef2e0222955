// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package fingerprint composes the cache key for a single compiler
// invocation from the collaborators a wrapper.Wrapper exposes: the
// compiler's program identity, its relevant arguments and environment, and
// the content of every file the compilation depends on.
package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.chromium.org/infra/build/buildcache/digest"
	"go.chromium.org/infra/build/buildcache/wrapper"
)

// formatVersion is folded into every key so a change to the composition
// order below (or to any dialect's classification tables) invalidates
// existing cache entries instead of silently colliding with them.
const formatVersion = "buildcache-fp-v2"

// Key is the digest string used to address a cache entry. Two invocations
// that would produce identical output share a Key.
type Key string

// Assemble computes the Key for w. ResolveArgs must already have been
// called on w. The composition order is fixed: format-version tag,
// ProgramID, sorted RelevantArguments, sorted RelevantEnvVars (by key),
// the content digest of every path in InputFiles followed by every path in
// ImplicitInputFiles, and finally the preprocessed source (skipped for
// dialects that declare wrapper.ForceDirectMode, since a preprocessor call
// would only fail). Changing this order changes every existing cache key.
//
// The preprocessed-source step exists because RelevantArguments drops
// -I/-D/-U for the C-family dialects: their effect on the compilation is
// supposed to be captured here instead, either by the macro-expanded text
// changing (a -D/-U value change) or by ImplicitInputFiles reporting a
// different header set (an -I change). Skipping this step for a dialect
// that still drops those flags would make header and macro edits
// invisible to the cache key.
func Assemble(ctx context.Context, w wrapper.Wrapper, h *digest.Hasher) (Key, error) {
	h.AppendString(formatVersion)

	programID, err := w.ProgramID(ctx)
	if err != nil {
		return "", fmt.Errorf("fingerprint: program id: %w", err)
	}
	h.AppendString(programID)

	args := append([]string(nil), w.RelevantArguments()...)
	sort.Strings(args)
	for _, a := range args {
		h.AppendString(a)
	}

	env, err := w.RelevantEnvVars(ctx)
	if err != nil {
		return "", fmt.Errorf("fingerprint: relevant env vars: %w", err)
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.AppendString(k)
		h.AppendString(env[k])
	}

	implicit, err := w.ImplicitInputFiles(ctx)
	if err != nil {
		return "", fmt.Errorf("fingerprint: implicit input files: %w", err)
	}

	for _, path := range w.InputFiles() {
		if err := h.AppendFile(path); err != nil {
			return "", fmt.Errorf("fingerprint: input file %q: %w", path, err)
		}
	}
	for _, path := range implicit {
		if err := h.AppendFile(path); err != nil {
			return "", fmt.Errorf("fingerprint: implicit input file %q: %w", path, err)
		}
	}

	if !w.Capabilities().Has(wrapper.ForceDirectMode) {
		preprocessed, err := w.PreprocessSource(ctx)
		switch {
		case errors.Is(err, wrapper.ErrNoPreprocessor):
			// Nothing to hash; ImplicitInputFiles above is this dialect's
			// only source of header/macro-change sensitivity.
		case err != nil:
			return "", fmt.Errorf("fingerprint: preprocess source: %w", err)
		default:
			h.Append(preprocessed)
		}
	}

	return Key(h.Final()), nil
}
