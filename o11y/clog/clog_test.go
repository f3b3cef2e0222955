// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package clog_test is a test for clog package.
package clog_test

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	charmlog "github.com/charmbracelet/log"

	"go.chromium.org/infra/build/buildcache/o11y/clog"
)

func Test(t *testing.T) {
	var buf bytes.Buffer
	backend := charmlog.NewWithOptions(&buf, charmlog.Options{Level: charmlog.DebugLevel})
	logger := clog.New(backend)
	ctx := clog.NewContext(context.Background(), logger)

	clog.Infof(ctx, "Info")
	clog.Warningf(ctx, "Warning")
	clog.Errorf(ctx, "Error")

	out := buf.String()
	for _, want := range []string{"Info", "Warning", "Error"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

func TestSpanLabels(t *testing.T) {
	var buf bytes.Buffer
	backend := charmlog.NewWithOptions(&buf, charmlog.Options{Level: charmlog.DebugLevel})
	logger := clog.New(backend)
	ctx := clog.NewContext(context.Background(), logger)

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i, id := range []string{"id1", "id2"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			var b bytes.Buffer
			backend := charmlog.NewWithOptions(&b, charmlog.Options{Level: charmlog.DebugLevel})
			local := clog.New(backend)
			cctx := clog.NewSpan(clog.NewContext(context.Background(), local), "trace"+id, "span"+id, map[string]string{"id": id})
			clog.Infof(cctx, "Child Info")
			results[i] = b.String()
		}(i, id)
	}
	wg.Wait()

	for i, id := range []string{"id1", "id2"} {
		if !strings.Contains(results[i], id) {
			t.Errorf("span %d missing label %q in %q", i, id, results[i])
		}
	}
	_ = ctx
}
