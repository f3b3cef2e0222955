// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package cache defines the Store interface buildcache's backends
// implement, and the Engine that glues a wrapper.Wrapper's pipeline
// (resolve args, fingerprint, lookup, miss-then-compile-then-store) into
// a single call the CLI makes per invocation.
package cache

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"

	"go.chromium.org/infra/build/buildcache/digest"
	"go.chromium.org/infra/build/buildcache/fingerprint"
	"go.chromium.org/infra/build/buildcache/fsx"
	"go.chromium.org/infra/build/buildcache/o11y/clog"
	"go.chromium.org/infra/build/buildcache/procexec"
	"go.chromium.org/infra/build/buildcache/wrapper"
)

// File is the captured content of one build output artifact.
type File struct {
	Path     string
	Required bool
	Content  []byte
}

// Entry is what a Store persists for one fingerprint: the replayable
// result of the real compile, plus every output file content needed to
// materialize a hit.
type Entry struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Files    []File
}

// Store is the persistence contract a cache backend implements. Lookup's
// bool return is false (with a nil error) on a clean miss; a non-nil error
// means the store itself failed, which the Engine treats the same as a
// miss but logs.
type Store interface {
	Lookup(ctx context.Context, key fingerprint.Key) (*Entry, bool, error)
	Store(ctx context.Context, key fingerprint.Key, entry *Entry) error
}

// ObjectLocator is implemented by a Store that, in addition to persisting
// whole Entry blobs, keeps each output file's content as its own
// content-addressed file on disk (cache/localstore does). Engine.materialize
// consults it so a dialect declaring wrapper.HardLinks gets its cache-hit
// output files hard-linked into place instead of rewritten byte for byte.
type ObjectLocator interface {
	// ObjectPath returns the on-disk path that holds contentDigest's bytes,
	// and whether it actually exists there.
	ObjectPath(contentDigest string) (string, bool)
}

// Engine is the glue the CLI calls once per invocation: dispatch has
// already happened by the time Run is called, since the caller needs to
// fall back to a direct exec when no dialect claims the command at all.
type Engine struct {
	Store Store
	FS    fsx.FS
}

// Result is what the CLI replays to its own stdout/stderr/exit code,
// regardless of whether it came from a cache hit or a real compile.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	CacheHit bool
}

// Run executes the fixed pipeline: ResolveArgs, fingerprint assembly,
// Store.Lookup. On a hit it replays the stored result after materializing
// its files. On a miss (or on any recoverable wrapper error) it execs the
// real compiler directly and, if the wrapper could resolve and the
// compile succeeded, captures BuildFiles and stores them for next time.
func (e *Engine) Run(ctx context.Context, w wrapper.Wrapper, realArgv []string) (Result, error) {
	invocationID := uuid.New().String()
	ctx = clog.NewSpan(ctx, invocationID, "0", map[string]string{"invocation_id": invocationID})

	if err := w.ResolveArgs(ctx); err != nil {
		if !wrapper.IsRecoverable(err) {
			return Result{}, err
		}
		clog.Infof(ctx, "bypassing cache: %v", err)
		return e.execDirect(ctx, realArgv)
	}

	key, err := fingerprint.Assemble(ctx, w, digest.New())
	if err != nil {
		if !wrapper.IsRecoverable(err) {
			return Result{}, err
		}
		clog.Infof(ctx, "bypassing cache: %v", err)
		return e.execDirect(ctx, realArgv)
	}

	if e.Store != nil {
		if entry, hit, err := e.Store.Lookup(ctx, key); err != nil {
			clog.Warningf(ctx, "cache lookup failed, falling back to direct exec: %v", err)
		} else if hit {
			if err := e.materialize(entry, w.Capabilities()); err != nil {
				clog.Warningf(ctx, "failed to materialize cache hit, falling back to direct exec: %v", err)
			} else {
				clog.Infof(ctx, "cache hit for key %s", key)
				return Result{ExitCode: entry.ExitCode, Stdout: entry.Stdout, Stderr: entry.Stderr, CacheHit: true}, nil
			}
		}
	}

	res, err := e.execDirect(ctx, realArgv)
	if err != nil || res.ExitCode != 0 || e.Store == nil {
		return res, err
	}

	entry, err := e.captureBuildFiles(ctx, w, res)
	if err != nil {
		var iie *wrapper.InternalInconsistencyError
		if asInternalInconsistency(err, &iie) {
			clog.Errorf(ctx, "not caching: %v", err)
			return res, nil
		}
		clog.Warningf(ctx, "failed to capture build files, not caching: %v", err)
		return res, nil
	}

	if err := e.Store.Store(ctx, key, entry); err != nil {
		clog.Warningf(ctx, "failed to store cache entry: %v", err)
	}
	return res, nil
}

func asInternalInconsistency(err error, target **wrapper.InternalInconsistencyError) bool {
	iie, ok := err.(*wrapper.InternalInconsistencyError)
	if ok {
		*target = iie
	}
	return ok
}

func (e *Engine) execDirect(ctx context.Context, argv []string) (Result, error) {
	res, err := procexec.Run(ctx, argv, procexec.Options{})
	if err != nil {
		return Result{}, fmt.Errorf("cache: direct exec: %w", err)
	}
	return Result{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}, nil
}

// materialize writes every file in entry to disk. When caps declares
// wrapper.HardLinks and e.Store exposes an ObjectLocator, it tries a hard
// link from the store's content-addressed copy first, falling back to a
// plain write on any failure (object missing, cross-device link, or a
// Store that doesn't implement ObjectLocator at all).
func (e *Engine) materialize(entry *Entry, caps wrapper.Capabilities) error {
	locator, _ := e.Store.(ObjectLocator)
	for _, f := range entry.Files {
		if caps.Has(wrapper.HardLinks) && locator != nil {
			if objPath, ok := locator.ObjectPath(digest.SumString(string(f.Content))); ok {
				if err := e.FS.LinkOrCopyFile(objPath, f.Path); err == nil {
					continue
				}
			}
		}
		if err := e.FS.WriteFile(f.Path, f.Content, 0o644); err != nil {
			return fmt.Errorf("cache: materializing %q: %w", f.Path, err)
		}
	}
	return nil
}

func (e *Engine) captureBuildFiles(ctx context.Context, w wrapper.Wrapper, res Result) (*Entry, error) {
	expected, err := w.BuildFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache: build files: %w", err)
	}
	entry := &Entry{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	for name, ef := range expected {
		if !e.FS.Exists(ef.Path) {
			if ef.Required {
				return nil, &wrapper.InternalInconsistencyError{Reason: fmt.Sprintf("expected output %q (%s) is missing after a successful compile", ef.Path, name)}
			}
			continue
		}
		content, err := e.FS.ReadFile(ef.Path)
		if err != nil {
			return nil, fmt.Errorf("cache: reading build output %q: %w", ef.Path, err)
		}
		entry.Files = append(entry.Files, File{Path: ef.Path, Required: ef.Required, Content: content})
	}
	return entry, nil
}

// TieredStore layers a fast local Store in front of a shared remote one:
// Lookup checks Local first and only consults Remote on a local miss,
// populating Local from the remote hit so the next lookup on this machine
// is local; Store writes through to both so other machines can see it too.
// Remote is optional; a nil Remote makes TieredStore behave exactly like
// Local alone.
type TieredStore struct {
	Local  Store
	Remote Store
}

// Lookup implements Store.
func (t *TieredStore) Lookup(ctx context.Context, key fingerprint.Key) (*Entry, bool, error) {
	if entry, hit, err := t.Local.Lookup(ctx, key); err != nil {
		clog.Warningf(ctx, "tieredstore: local lookup failed: %v", err)
	} else if hit {
		return entry, true, nil
	}
	if t.Remote == nil {
		return nil, false, nil
	}
	entry, hit, err := t.Remote.Lookup(ctx, key)
	if err != nil || !hit {
		return nil, false, err
	}
	if err := t.Local.Store(ctx, key, entry); err != nil {
		clog.Warningf(ctx, "tieredstore: populating local from remote hit failed: %v", err)
	}
	return entry, true, nil
}

// ObjectPath implements ObjectLocator by delegating to Local, if Local
// itself implements it; TieredStore keeps no object storage of its own.
func (t *TieredStore) ObjectPath(contentDigest string) (string, bool) {
	if loc, ok := t.Local.(ObjectLocator); ok {
		return loc.ObjectPath(contentDigest)
	}
	return "", false
}

// Store implements Store.
func (t *TieredStore) Store(ctx context.Context, key fingerprint.Key, entry *Entry) error {
	if err := t.Local.Store(ctx, key, entry); err != nil {
		return fmt.Errorf("tieredstore: local: %w", err)
	}
	if t.Remote == nil {
		return nil
	}
	if err := t.Remote.Store(ctx, key, entry); err != nil {
		clog.Warningf(ctx, "tieredstore: remote store failed (local already has the entry): %v", err)
	}
	return nil
}

// EncodeEntry and DecodeEntry are the wire format localstore and
// remotestore persist: a small fixed header per file followed by its raw
// bytes, so a backend can compress the whole blob without needing to know
// its internal shape.
func EncodeEntry(entry *Entry) []byte {
	var buf bytes.Buffer
	writeUvarint(&buf, uint64(entry.ExitCode))
	writeBytes(&buf, entry.Stdout)
	writeBytes(&buf, entry.Stderr)
	writeUvarint(&buf, uint64(len(entry.Files)))
	for _, f := range entry.Files {
		writeBytes(&buf, []byte(f.Path))
		if f.Required {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		writeBytes(&buf, f.Content)
	}
	return buf.Bytes()
}

func DecodeEntry(b []byte) (*Entry, error) {
	r := bytes.NewReader(b)
	exitCode, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	stdout, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	stderr, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	n, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	entry := &Entry{ExitCode: int(exitCode), Stdout: stdout, Stderr: stderr}
	for i := uint64(0); i < n; i++ {
		path, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		required, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		content, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		entry.Files = append(entry.Files, File{Path: string(path), Required: required != 0, Content: content})
	}
	return entry, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

func readUvarint(r io.ByteReader) (uint64, error) {
	return binary.ReadUvarint(r)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
