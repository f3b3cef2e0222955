// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Command buildcache is a transparent compiler cache: invoked as
// `buildcache <compiler> <args…>`, it short-circuits recompilation when an
// equivalent build has been seen before and otherwise delegates to the real
// compiler, recording inputs and outputs for next time.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"runtime/debug"

	"github.com/charmbracelet/log"
	"github.com/maruel/subcommands"

	"google.golang.org/grpc/credentials"

	"go.chromium.org/luci/common/system/signals"

	"go.chromium.org/infra/build/buildcache/auth"
	"go.chromium.org/infra/build/buildcache/buildcachecfg"
	"go.chromium.org/infra/build/buildcache/cache"
	"go.chromium.org/infra/build/buildcache/cache/localstore"
	"go.chromium.org/infra/build/buildcache/cache/remotestore"
	"go.chromium.org/infra/build/buildcache/fsx"
	"go.chromium.org/infra/build/buildcache/o11y/clog"
	"go.chromium.org/infra/build/buildcache/procexec"
	"go.chromium.org/infra/build/buildcache/toolsupport/shutil"
	"go.chromium.org/infra/build/buildcache/wrapper"
	"go.chromium.org/infra/build/buildcache/wrapper/cppcheck"
	"go.chromium.org/infra/build/buildcache/wrapper/gccfamily"
	"go.chromium.org/infra/build/buildcache/wrapper/msvcfamily"
	"go.chromium.org/infra/build/buildcache/wrapper/rustc"

	subcmdshowconfig "go.chromium.org/infra/build/buildcache/subcmd/showconfig"
	subcmdversion "go.chromium.org/infra/build/buildcache/subcmd/version"
)

// buildcacheVersion is overridden at link time with -ldflags
// "-X main.buildcacheVersion=...", matching the teacher's main.go baking its
// version in the same way.
var buildcacheVersion = "dev"

func app() *subcommands.DefaultApplication {
	return &subcommands.DefaultApplication{
		Name:  "buildcache",
		Title: "transparent compiler cache",
		Commands: []*subcommands.Command{
			subcmdversion.Cmd(buildcacheVersion),
			subcmdshowconfig.Cmd(),
			subcommands.CmdHelp,
		},
	}
}

// A compiler happening to be literally named "version", "show-config", or
// "help" would be shadowed by buildcache's own management subcommands; that
// is the price of not requiring a "--" separator or a leading flag on every
// real invocation.
func isManagementCommand(name string) bool {
	switch name {
	case "version", "show-config", "help":
		return true
	}
	return false
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: buildcache <compiler> <args...>")
		os.Exit(2)
	}

	if isManagementCommand(os.Args[1]) {
		os.Exit(subcommands.Run(app(), os.Args[1:]))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer signals.HandleInterrupt(cancel)()

	defer func() {
		if r := recover(); r != nil {
			const size = 64 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			log.Fatalf("panic: %v\n%s", r, buf)
		}
	}()

	if buildinfo, ok := debug.ReadBuildInfo(); ok {
		clog.Infof(ctx, "buildcache %s (go %s)", buildcacheVersion, buildinfo.GoVersion)
	}

	os.Exit(run(ctx, os.Args[1:]))
}

func run(ctx context.Context, argv []string) int {
	cfg, err := buildcachecfg.Load(os.Getenv("BUILDCACHE_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "buildcache: %v\n", err)
		return 2
	}
	if dir := os.Getenv("BUILDCACHE_DIR"); dir != "" {
		cfg.CacheDir = dir
	}

	fs := fsx.OS()
	exe, err := resolveExecutable(argv[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "buildcache: %v\n", err)
		return 2
	}

	w, err := wrapper.Dispatch(registry(cfg.Dialects), exe, argv[1:])
	if err != nil {
		clog.Infof(ctx, "no dialect claims %q, execing directly: %s", exe.Resolved, shutil.Join(argv))
		return execDirect(ctx, argv)
	}

	store, closeStore, err := buildStore(ctx, fs, cfg)
	if err != nil {
		clog.Warningf(ctx, "buildcache: building cache store: %v, proceeding with the local cache only", err)
	}
	if closeStore != nil {
		defer closeStore()
	}

	engine := &cache.Engine{Store: store, FS: fs}
	res, err := engine.Run(ctx, w, argv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "buildcache: %v\n", err)
		return 1
	}
	os.Stdout.Write(res.Stdout)
	os.Stderr.Write(res.Stderr)
	return res.ExitCode
}

func registry(d buildcachecfg.Dialects) wrapper.Registry {
	var reg wrapper.Registry
	if d.GCCFamily {
		reg = append(reg, gccfamily.New)
	}
	if d.MSVC {
		reg = append(reg, msvcfamily.New)
	}
	if d.Rustc {
		reg = append(reg, rustc.New)
	}
	if d.Cppcheck {
		reg = append(reg, cppcheck.New)
	}
	return reg
}

// resolveExecutable pairs argv[0] as invoked with its resolved, symlink-free
// absolute path, per wrapper.Executable's contract.
func resolveExecutable(literal string) (wrapper.Executable, error) {
	path := literal
	if filepath.Base(literal) == literal {
		lookedUp, err := exec.LookPath(literal)
		if err != nil {
			return wrapper.Executable{}, fmt.Errorf("resolving %q: %w", literal, err)
		}
		path = lookedUp
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		resolved = path
	}
	return wrapper.Executable{Literal: literal, Resolved: resolved}, nil
}

// execDirect runs argv with no caching attempted: used when no dialect
// claims the invocation at all, so there is no wrapper.Wrapper to drive
// cache.Engine.Run's pipeline through.
func execDirect(ctx context.Context, argv []string) int {
	res, err := procexec.Run(ctx, argv, procexec.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "buildcache: %v\n", err)
		return 1
	}
	os.Stdout.Write(res.Stdout)
	os.Stderr.Write(res.Stderr)
	return res.ExitCode
}

// remoteCredentials builds the gRPC transport and per-RPC credentials for
// the remote cache backend. In insecure mode neither is needed: the caller
// passes the insecure transport itself. Otherwise it mints
// application-default OAuth credentials via auth.NewCred, modeled on the
// teacher's auth/cred package but without its luci-auth login flow, which
// is specific to Chrome infra's own OAuth backend and has no equivalent
// for an arbitrary REAPI endpoint.
func remoteCredentials(ctx context.Context, cfg buildcachecfg.Remote) (credentials.TransportCredentials, credentials.PerRPCCredentials, error) {
	if cfg.Insecure {
		return nil, nil, nil
	}
	c, err := auth.NewCred(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("remote cache credentials: %w", err)
	}
	return credentials.NewTLS(&tls.Config{}), c.PerRPCCredentials(), nil
}

func buildStore(ctx context.Context, fs fsx.FS, cfg buildcachecfg.Config) (cache.Store, func(), error) {
	local := localstore.New(fs, cfg.CacheDir, cfg.MaxCacheBytes)
	if cfg.Remote.Address == "" {
		return local, nil, nil
	}
	transportCreds, callCreds, err := remoteCredentials(ctx, cfg.Remote)
	if err != nil {
		return local, nil, err
	}
	remote, err := remotestore.Dial(ctx, cfg.Remote.Address, cfg.Remote.Instance, cfg.Remote.Insecure, transportCreds, callCreds)
	if err != nil {
		return local, nil, fmt.Errorf("dialing remote cache: %w", err)
	}
	tiered := &cache.TieredStore{Local: local, Remote: remote}
	return tiered, func() { remote.Close() }, nil
}
