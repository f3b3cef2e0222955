// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package digest implements the hasher consumed by the fingerprint and
// program-ID computations: a stable digest over a stream of byte chunks and
// named-file contents. Content is hashed deterministically — by size and
// bytes only, never by mtime, owner, or other filesystem metadata, so two
// checkouts of identical source produce identical fingerprints.
package digest

import (
	"encoding/binary"
	"encoding/hex"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

// Hasher accumulates a stable digest over successive Append/AppendFile
// calls. It is not safe for concurrent use; each wrapper invocation builds
// its own Hasher.
type Hasher struct {
	h *xxhash.Digest
}

// New returns a fresh Hasher.
func New() *Hasher {
	return &Hasher{h: xxhash.New()}
}

// Append appends a named chunk of content to the digest. A length prefix
// precedes the bytes so that Append("a") followed by Append("bc") never
// collides with Append("ab") followed by Append("c").
func (h *Hasher) Append(b []byte) *Hasher {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(b)))
	h.h.Write(lenBuf[:])
	h.h.Write(b)
	return h
}

// AppendString is a convenience wrapper around Append.
func (h *Hasher) AppendString(s string) *Hasher {
	return h.Append([]byte(s))
}

// AppendFile appends the deterministic content of the file at path: its
// size followed by its bytes, read start to finish. It does not consult
// mtime, permission bits, or any other attribute.
func (h *Hasher) AppendFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(info.Size()))
	h.h.Write(lenBuf[:])
	if _, err := io.Copy(h.h, f); err != nil {
		return err
	}
	return nil
}

// Final returns the accumulated digest as a lowercase hex string. Calling
// Final does not reset the hasher; further Append calls continue to extend
// the same running digest, mirroring the teacher's incremental-digest
// style (see reapi/digest in the retrieved pack).
func (h *Hasher) Final() string {
	var sumBuf [8]byte
	binary.BigEndian.PutUint64(sumBuf[:], h.h.Sum64())
	return hex.EncodeToString(sumBuf[:])
}

// SumString is a one-shot convenience for hashing a single string.
func SumString(s string) string {
	return New().AppendString(s).Final()
}
