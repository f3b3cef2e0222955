// Copyright 2023 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package clog provides context aware logging.
// It can store trace, span ID and arbitrary labels in a context so that
// every log entry made for a single compiler invocation carries the same
// correlation data automatically.
package clog

import (
	"context"

	"github.com/charmbracelet/log"
)

type contextKeyType int

var contextKey contextKeyType

// New creates a new Logger that writes to the given backend.
// If backend is nil, log.Default() is used.
func New(backend *log.Logger) *Logger {
	if backend == nil {
		backend = log.Default()
	}
	return &Logger{backend: backend}
}

// NewContext sets the given logger in the context.
func NewContext(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, contextKey, logger)
}

// NewSpan returns a context carrying a sub-logger scoped to trace/spanID,
// with labels merged into every subsequent log entry made through it.
func NewSpan(ctx context.Context, trace, spanID string, labels map[string]string) context.Context {
	logger := FromContext(ctx)
	return NewContext(ctx, logger.span(trace, spanID, labels))
}

// FromContext returns the logger in the context, or a new logger writing
// to log.Default() if none was set.
func FromContext(ctx context.Context) *Logger {
	logger, ok := ctx.Value(contextKey).(*Logger)
	if !ok || logger == nil {
		return New(nil)
	}
	return logger
}

// Logger holds the trace, spanID and labels of a context, plus the
// charmbracelet/log backend that entries are ultimately written to.
type Logger struct {
	backend *log.Logger

	trace  string
	spanID string
	labels map[string]string
}

func (l *Logger) span(trace, spanID string, labels map[string]string) *Logger {
	return &Logger{
		backend: l.backend,
		trace:   trace,
		spanID:  spanID,
		labels:  labels,
	}
}

func (l *Logger) withFields() *log.Logger {
	lg := l.backend
	if l.trace != "" {
		lg = lg.With("trace", l.trace)
	}
	if l.spanID != "" {
		lg = lg.With("span", l.spanID)
	}
	for k, v := range l.labels {
		lg = lg.With(k, v)
	}
	return lg
}

// Infof logs at info level in the manner of fmt.Printf.
func (l *Logger) Infof(format string, args ...any) {
	l.withFields().Infof(format, args...)
}

// Infof logs at info level for the logger stored in ctx.
func Infof(ctx context.Context, format string, args ...any) {
	FromContext(ctx).Infof(format, args...)
}

// Warningf logs at warn level in the manner of fmt.Printf.
func (l *Logger) Warningf(format string, args ...any) {
	l.withFields().Warnf(format, args...)
}

// Warningf logs at warn level for the logger stored in ctx.
func Warningf(ctx context.Context, format string, args ...any) {
	FromContext(ctx).Warningf(format, args...)
}

// Errorf logs at error level in the manner of fmt.Printf.
func (l *Logger) Errorf(format string, args ...any) {
	l.withFields().Errorf(format, args...)
}

// Errorf logs at error level for the logger stored in ctx.
func Errorf(ctx context.Context, format string, args ...any) {
	FromContext(ctx).Errorf(format, args...)
}

// Fatalf logs at fatal level and exits the process.
func (l *Logger) Fatalf(format string, args ...any) {
	l.withFields().Fatalf(format, args...)
}

// Fatalf logs at fatal level for the logger stored in ctx and exits.
func Fatalf(ctx context.Context, format string, args ...any) {
	FromContext(ctx).Fatalf(format, args...)
}

// V reports whether verbose logging at level is enabled. level 1 maps to
// Debug; any level above 1 always reports false, since charmbracelet/log
// only exposes one verbose tier below Info.
func (l *Logger) V(level int) bool {
	return level <= 1 && l.backend.GetLevel() <= log.DebugLevel
}

func init() {
	// Keep the default format close to the teacher's glog-style output:
	// short timestamps, leveled prefix, no caller noise by default.
	log.Default().SetReportTimestamp(true)
}
