// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package localstore implements cache.Store as a content-addressed blob
// directory on disk, grounded on the teacher's build/cachestore.CacheStore
// shape and on the directory-cache-with-mtime-eviction pattern used by
// size-limited source caches elsewhere in the retrieved example pack.
// Blobs are zstd-compressed before being written, and evicted oldest-mtime
// first once the directory exceeds its configured size budget.
package localstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"

	"go.chromium.org/infra/build/buildcache/cache"
	"go.chromium.org/infra/build/buildcache/digest"
	"go.chromium.org/infra/build/buildcache/fingerprint"
	"go.chromium.org/infra/build/buildcache/fsx"
	"go.chromium.org/infra/build/buildcache/o11y/clog"
)

// Store is a cache.Store backed by a directory of zstd-compressed blobs,
// one per fingerprint key, evicted oldest-first once MaxBytes is exceeded.
type Store struct {
	FS       fsx.FS
	Dir      string
	MaxBytes int64
}

// New constructs a Store rooted at dir.
func New(fs fsx.FS, dir string, maxBytes int64) *Store {
	return &Store{FS: fs, Dir: dir, MaxBytes: maxBytes}
}

func (s *Store) blobPath(key fingerprint.Key) string {
	k := string(key)
	return filepath.Join(s.Dir, k[:2], k+".zst")
}

// objectDir is the content-addressed object store backing ObjectPath,
// separate from the per-fingerprint blob directory since one file's
// content is shared by every entry that happens to produce it.
const objectDir = "objects"

func (s *Store) objectPath(contentDigest string) string {
	return filepath.Join(s.Dir, objectDir, contentDigest[:2], contentDigest)
}

// ObjectPath implements cache.ObjectLocator.
func (s *Store) ObjectPath(contentDigest string) (string, bool) {
	path := s.objectPath(contentDigest)
	return path, s.FS.Exists(path)
}

// Lookup reads and decompresses the blob for key, if present.
func (s *Store) Lookup(ctx context.Context, key fingerprint.Key) (*cache.Entry, bool, error) {
	path := s.blobPath(key)
	if !s.FS.Exists(path) {
		return nil, false, nil
	}
	compressed, err := s.FS.ReadFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("localstore: reading %q: %w", path, err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, false, fmt.Errorf("localstore: building decompressor: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, false, fmt.Errorf("localstore: decompressing %q: %w", path, err)
	}
	entry, err := cache.DecodeEntry(raw)
	if err != nil {
		return nil, false, fmt.Errorf("localstore: decoding %q: %w", path, err)
	}
	return entry, true, nil
}

// Store compresses and writes entry's blob, then evicts the oldest blobs
// if the directory now exceeds MaxBytes. It also writes each output file's
// content once to the content-addressed object store ObjectPath reads
// from; those objects are not themselves tracked against MaxBytes; they
// are small relative to the blobs and dedupe across entries that produce
// byte-identical output.
func (s *Store) Store(ctx context.Context, key fingerprint.Key, entry *cache.Entry) error {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("localstore: building compressor: %w", err)
	}
	defer enc.Close()
	compressed := enc.EncodeAll(cache.EncodeEntry(entry), nil)

	path := s.blobPath(key)
	if err := s.FS.WriteFile(path, compressed, 0o644); err != nil {
		return fmt.Errorf("localstore: writing %q: %w", path, err)
	}

	for _, f := range entry.Files {
		objPath := s.objectPath(digest.SumString(string(f.Content)))
		if s.FS.Exists(objPath) {
			continue
		}
		if err := s.FS.WriteFile(objPath, f.Content, 0o644); err != nil {
			clog.FromContext(ctx).Warningf("localstore: writing object %q: %v", objPath, err)
		}
	}

	if s.MaxBytes > 0 {
		if err := s.evict(ctx); err != nil {
			clog.FromContext(ctx).Warningf("localstore: eviction failed: %v", err)
		}
	}
	return nil
}

type blobInfo struct {
	path    string
	size    int64
	modTime time.Time
}

// evict removes the oldest-mtime blobs until the directory's total size is
// at or below MaxBytes.
func (s *Store) evict(ctx context.Context) error {
	var blobs []blobInfo
	var total int64

	paths, err := s.FS.WalkDir(s.Dir, fsx.IncludeExtension(".zst"))
	if err != nil {
		return err
	}
	for _, p := range paths {
		info, err := s.FS.Afero.Stat(p)
		if err != nil {
			continue
		}
		blobs = append(blobs, blobInfo{path: p, size: info.Size(), modTime: info.ModTime()})
		total += info.Size()
	}

	if total <= s.MaxBytes {
		return nil
	}

	sort.Slice(blobs, func(i, j int) bool { return blobs[i].modTime.Before(blobs[j].modTime) })

	for _, b := range blobs {
		if total <= s.MaxBytes {
			break
		}
		if err := s.FS.Afero.Remove(b.path); err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("localstore: evicting %q: %w", b.path, err)
			}
			continue
		}
		total -= b.size
		clog.FromContext(ctx).Infof("localstore: evicted %q (%d bytes)", b.path, b.size)
	}
	return nil
}
