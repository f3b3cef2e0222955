// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package rustc

import "os"

// volatileEnvVars are unset around every child rustc probe because their
// values leak into build output or version strings in ways that would
// make the fingerprint unstable across otherwise-identical invocations.
var volatileEnvVars = []string{
	"LD_PRELOAD",
	"RUNNING_UNDER_RR",
	"HOSTNAME",
	"PWD",
	"HOST",
	"RPM_BUILD_ROOT",
	"SOURCE_DATE_EPOCH",
	"RPM_PACKAGE_RELEASE",
	"MINICOM",
	"RPM_PACKAGE_VERSION",
}

// envScope captures the prior value (or unset-ness) of a set of process
// environment variables and restores them on Restore. Restore must run on
// every exit path, including panics, so callers always pair acquisition
// with a deferred Restore.
type envScope struct {
	saved map[string]*string
}

// scrubEnv unsets every variable in names and returns a scope that
// restores them to their prior value (or to unset) when Restore is called.
func scrubEnv(names []string) *envScope {
	s := &envScope{saved: make(map[string]*string, len(names))}
	for _, name := range names {
		if v, ok := os.LookupEnv(name); ok {
			vv := v
			s.saved[name] = &vv
		} else {
			s.saved[name] = nil
		}
		os.Unsetenv(name)
	}
	return s
}

// Restore reverts every variable scrubEnv touched to its value (or
// unset-ness) at acquisition time.
func (s *envScope) Restore() {
	for name, v := range s.saved {
		if v == nil {
			os.Unsetenv(name)
			continue
		}
		os.Setenv(name, *v)
	}
}
