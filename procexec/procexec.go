// Copyright 2023 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package procexec implements the process-invocation façade that wrapper
// dialects use to probe compilers, run preprocessors, and (on a cache miss)
// run the real compiler: a child-process spawn with captured stdout/stderr
// and return code.
package procexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"syscall"

	"go.chromium.org/infra/build/buildcache/o11y/clog"
	"go.chromium.org/infra/build/buildcache/sync/semaphore"
)

// forkSema bounds the number of concurrent forks, mirroring the teacher's
// localexec fix for transient fork/exec resource exhaustion under load.
var forkSema = semaphore.New("procexec-fork", runtime.NumCPU())

// Options configures a single invocation.
type Options struct {
	// Dir is the working directory for the child process. Empty means the
	// current process's working directory.
	Dir string

	// Env is the environment passed to the child. A nil Env means "inherit
	// the current process's environment" (os/exec's default); dialects that
	// need to scrub specific variables should pass an explicit slice built
	// from os.Environ with entries removed.
	Env []string

	// Quiet suppresses the command-line logging clog would otherwise emit
	// at info level. Used for high-frequency probe calls (version, print
	// file-names) where echoing the full argv to the log is just noise.
	Quiet bool
}

// Result is the outcome of running a child process.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Run spawns argv[0] with argv[1:] as arguments and waits for it to exit,
// capturing stdout/stderr into memory. It never returns an error for a
// process that ran and exited non-zero; that is reported via
// Result.ExitCode. A non-nil error means the process could not be started
// or waited on (e.g. the binary doesn't exist).
func Run(ctx context.Context, argv []string, opts Options) (Result, error) {
	if len(argv) == 0 {
		return Result{}, errors.New("procexec: empty argv")
	}
	if !opts.Quiet {
		clog.Infof(ctx, "run %q dir=%q", argv, opts.Dir)
	}
	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	c.Dir = opts.Dir
	c.Env = opts.Env
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	var err error
	acquireErr := forkSema.Do(ctx, func(ctx context.Context) error {
		err = c.Run()
		return nil
	})
	if acquireErr != nil {
		return Result{}, acquireErr
	}

	res := Result{
		ExitCode: exitCode(err),
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return res, fmt.Errorf("procexec: %w", err)
	}
	if !opts.Quiet {
		clog.Infof(ctx, "run %q exit=%d stdout=%d stderr=%d", argv[0], res.ExitCode, len(res.Stdout), len(res.Stderr))
	}
	return res, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var eerr *exec.ExitError
	if !errors.As(err, &eerr) {
		return 1
	}
	if w, ok := eerr.ProcessState.Sys().(syscall.WaitStatus); ok {
		return w.ExitStatus()
	}
	return 1
}
