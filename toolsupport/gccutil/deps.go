// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package gccutil provides utilities of gcc.
package gccutil

import (
	"context"
	"runtime"
	"strings"
	"time"

	"go.chromium.org/infra/build/buildcache/o11y/clog"
	"go.chromium.org/infra/build/buildcache/procexec"
	"go.chromium.org/infra/build/buildcache/sync/semaphore"
	"go.chromium.org/infra/build/buildcache/toolsupport/makeutil"
)

var Semaphore = semaphore.New("deps-gcc", runtime.NumCPU()*2)

// DepsArgs returns command line args to get deps for args.
func DepsArgs(args []string) []string {
	var dargs []string
	skip := false
	for _, arg := range args {
		if skip {
			skip = false
			continue
		}
		switch arg {
		case "-MD", "-MMD", "-c":
			continue
		case "-MF", "-o":
			skip = true
			continue
		}
		if strings.HasPrefix(arg, "-MF") {
			continue
		}
		if strings.HasPrefix(arg, "-o") {
			continue
		}
		dargs = append(dargs, arg)
	}
	dargs = append(dargs, "-M")
	return dargs
}

// Deps runs DepsArgs(args) and returns the implicit input files it reports.
func Deps(ctx context.Context, args []string, env []string, cwd string) ([]string, error) {
	s := time.Now()
	var res procexec.Result
	var wait time.Duration
	err := Semaphore.Do(ctx, func(ctx context.Context) error {
		wait = time.Since(s)
		var rerr error
		res, rerr = procexec.Run(ctx, DepsArgs(args), procexec.Options{Dir: cwd, Env: env, Quiet: true})
		return rerr
	})
	if err != nil {
		clog.Warningf(ctx, "failed to run %q: %v\n%s", args, err, res.Stderr)
		return nil, err
	}
	if len(res.Stdout) == 0 {
		clog.Warningf(ctx, "failed to run gcc deps? stdout:0 args:%q\nstderr:%s", args, res.Stderr)
	}
	deps := makeutil.ParseDeps(res.Stdout)
	clog.Infof(ctx, "gcc deps stdout:%d -> deps:%d: %s (wait:%s)", len(res.Stdout), len(deps), time.Since(s), wait)
	return deps, nil
}
