// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package wrapper

import (
	"errors"
	"fmt"
)

// ErrNotApplicable means CanHandleCommand returned false: the dispatcher
// should try the next wrapper. Not a real error condition.
var ErrNotApplicable = errors.New("wrapper: not applicable")

// ErrNoPreprocessor is returned by PreprocessSource for dialects (rustc)
// that have no preprocessing step.
var ErrNoPreprocessor = errors.New("wrapper: dialect has no preprocessor")

// UnsupportedInvocationError means a parsed flag was classified
// Unsupported/Unhandled, a required field was absent, or a dialect
// constraint was violated. Caching is declined for this invocation; the
// engine falls back to a direct exec.
type UnsupportedInvocationError struct {
	Dialect string
	// Subject, when non-empty, is prepended to Reason the way the rustc
	// dialect prefixes diagnostics with the crate name.
	Subject string
	Reason  string
}

func (e *UnsupportedInvocationError) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("%s: %s: %s", e.Dialect, e.Subject, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Dialect, e.Reason)
}

// ProbeFailureError means a child compiler invocation needed for program
// ID, filename prediction, or dep-info extraction returned non-zero or
// produced empty output where output was required. Fatal for this
// invocation; the engine falls back to a direct exec.
type ProbeFailureError struct {
	Dialect string
	Probe   string
	Err     error
}

func (e *ProbeFailureError) Error() string {
	return fmt.Sprintf("%s: probe %q failed: %v", e.Dialect, e.Probe, e.Err)
}

func (e *ProbeFailureError) Unwrap() error { return e.Err }

// InternalInconsistencyError means predicted output files disagree with
// what the compiler actually wrote, or a required output is absent after a
// successful compile. Fatal: the entry is not cached, but the real compile
// result is still returned to the caller.
type InternalInconsistencyError struct {
	Dialect string
	Reason  string
}

func (e *InternalInconsistencyError) Error() string {
	return fmt.Sprintf("%s: internal inconsistency: %s", e.Dialect, e.Reason)
}

// IsRecoverable reports whether err should be converted by the engine into
// a clean pass-through execution of the wrapped compiler rather than
// propagated as a cache-engine failure. ErrNotApplicable,
// UnsupportedInvocationError, and ProbeFailureError are recoverable;
// InternalInconsistencyError is not (the real compile already ran and
// succeeded, so the caller already has a correct result, but the entry
// must not be cached and the inconsistency should be surfaced).
func IsRecoverable(err error) bool {
	if errors.Is(err, ErrNotApplicable) {
		return true
	}
	var uie *UnsupportedInvocationError
	if errors.As(err, &uie) {
		return true
	}
	var pfe *ProbeFailureError
	if errors.As(err, &pfe) {
		return true
	}
	return false
}
