// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package wrapper

import (
	"path/filepath"
	"strings"
)

// Registry is an ordered list of dialect factories the dispatcher probes in
// order. Order matters only to the extent that two dialects could both
// claim the same executable name; in practice CanHandleCommand
// implementations are mutually exclusive substring matches.
type Registry []Factory

// Dispatch constructs each registered wrapper lazily and calls
// CanHandleCommand, returning the first one that claims the invocation. If
// none claims it, Dispatch returns ErrNotApplicable and the engine bypasses
// caching for this invocation, execing the compiler directly.
func Dispatch(reg Registry, exe Executable, argv []string) (Wrapper, error) {
	for _, factory := range reg {
		w := factory(exe, argv)
		if w.CanHandleCommand() {
			return w, nil
		}
	}
	return nil, ErrNotApplicable
}

// NormalizeCommandName lowercases the resolved basename and strips its
// extension (e.g. the ".exe" a Windows-built toolchain binary carries even
// when cross-invoked from a non-Windows host), which is the form every
// dialect's CanHandleCommand matches against.
func NormalizeCommandName(resolvedPath string) string {
	name := filepath.Base(resolvedPath)
	if i := strings.LastIndexAny(name, `\/`); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSuffix(name, filepath.Ext(name))
	return strings.ToLower(name)
}
