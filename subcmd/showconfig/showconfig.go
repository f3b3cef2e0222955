// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package showconfig provides the show-config subcommand, which prints the
// effective buildcachecfg.Config after loading the config file: useful for
// confirming what a build invocation would actually do without running one.
package showconfig

import (
	"fmt"

	"github.com/maruel/subcommands"

	"go.chromium.org/infra/build/buildcache/buildcachecfg"
)

// Cmd returns the Command for the `show-config` subcommand.
func Cmd() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "show-config",
		ShortDesc: "prints the effective configuration",
		LongDesc:  "Loads the config file named by -config (or, without -config, the built-in defaults) and prints the resulting buildcachecfg.Config.",
		CommandRun: func() subcommands.CommandRun {
			c := &run{}
			c.Flags.StringVar(&c.configPath, "config", "", "path to buildcache's TOML config file")
			return c
		},
	}
}

type run struct {
	subcommands.CommandRunBase
	configPath string
}

func (c *run) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	if len(args) != 0 {
		fmt.Fprintf(a.GetErr(), "%s: positional arguments not expected\n", a.GetName())
		return 1
	}
	cfg, err := buildcachecfg.Load(c.configPath)
	if err != nil {
		fmt.Fprintf(a.GetErr(), "show-config: %v\n", err)
		return 1
	}
	fmt.Printf("cache_dir = %q\n", cfg.CacheDir)
	fmt.Printf("max_cache_bytes = %d\n", cfg.MaxCacheBytes)
	fmt.Printf("approximate_mode = %t\n", cfg.ApproximateMode)
	fmt.Printf("[remote]\n  address = %q\n  instance = %q\n  insecure = %t\n", cfg.Remote.Address, cfg.Remote.Instance, cfg.Remote.Insecure)
	fmt.Printf("[dialects]\n  gcc_family = %t\n  msvc = %t\n  rustc = %t\n  cppcheck = %t\n",
		cfg.Dialects.GCCFamily, cfg.Dialects.MSVC, cfg.Dialects.Rustc, cfg.Dialects.Cppcheck)
	return 0
}
