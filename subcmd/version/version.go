// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package version provides the version subcommand.
package version

import (
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/maruel/subcommands"
)

// Cmd returns the Command for the `version` subcommand. ver is the
// human-readable version string baked in at build time (or "dev").
func Cmd(ver string) *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "version",
		ShortDesc: "prints the buildcache version",
		LongDesc:  "Prints the buildcache version and the module build info embedded by the Go toolchain.",
		CommandRun: func() subcommands.CommandRun {
			return &run{version: ver}
		},
	}
}

type run struct {
	subcommands.CommandRunBase
	version string
}

func (c *run) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	if len(args) != 0 {
		fmt.Fprintf(a.GetErr(), "%s: positional arguments not expected\n", a.GetName())
		return 1
	}
	fmt.Println(c.version)
	buildinfo, ok := debug.ReadBuildInfo()
	if !ok {
		return 0
	}
	fmt.Printf("go\t%s\n", buildinfo.GoVersion)
	for _, s := range buildinfo.Settings {
		if strings.HasPrefix(s.Key, "vcs.") {
			fmt.Printf("build\t%s=%s\n", s.Key, s.Value)
		}
	}
	return 0
}
