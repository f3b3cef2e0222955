// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package buildcachecfg loads the CLI's TOML configuration file: cache
// directory and size limits, the optional remote backend endpoint, and
// per-dialect enable flags.
package buildcachecfg

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Dialects toggles which dialect wrappers the dispatcher registers. All
// default to true; a dialect set to false here is never probed, so an
// invocation it would otherwise have claimed falls straight through to a
// direct exec.
type Dialects struct {
	GCCFamily bool `toml:"gcc_family"`
	MSVC      bool `toml:"msvc"`
	Rustc     bool `toml:"rustc"`
	Cppcheck  bool `toml:"cppcheck"`
}

// Remote configures the optional gRPC REAPI-flavored remote cache backend.
// Address empty means no remote backend: the engine uses localstore alone.
type Remote struct {
	Address  string `toml:"address"`
	Instance string `toml:"instance"`
	Insecure bool   `toml:"insecure"`
	TLSCert  string `toml:"tls_cert"`
	TLSKey   string `toml:"tls_key"`
}

// Config is buildcache's on-disk configuration.
type Config struct {
	// CacheDir is the localstore blob directory. Defaults to
	// "$HOME/.cache/buildcache"; a cache_dir set in the file overrides it.
	CacheDir string `toml:"cache_dir"`

	// MaxCacheBytes bounds localstore's directory size; 0 means unbounded.
	MaxCacheBytes int64 `toml:"max_cache_bytes"`

	Remote   Remote   `toml:"remote"`
	Dialects Dialects `toml:"dialects"`

	// ApproximateMode is loaded from the file and printed by show-config.
	// No dialect reads it, so it does not change how any invocation is
	// fingerprinted.
	ApproximateMode bool `toml:"approximate_mode"`
}

// Default returns the configuration buildcache runs with when no config
// file exists or none of its fields override a default.
func Default() Config {
	return Config{
		CacheDir: defaultCacheDir(),
		Dialects: Dialects{GCCFamily: true, MSVC: true, Rustc: true, Cppcheck: true},
	}
}

func defaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "buildcache")
	}
	return filepath.Join(home, ".cache", "buildcache")
}

// Load reads and decodes the TOML file at path into a Config seeded with
// Default(), so a config file only needs to set the fields it wants to
// override. A missing file is not an error: Load returns Default()
// unchanged, matching the CLI's "config is optional" behavior.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("buildcachecfg: decoding %q: %w", path, err)
	}
	return cfg, nil
}
