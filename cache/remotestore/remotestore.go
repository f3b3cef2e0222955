// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package remotestore implements cache.Store as a gRPC client speaking a
// REAPI-flavored ContentAddressableStorage/ActionCache subset, grounded on
// the teacher's reapi package and the bazelbuild/remote-apis proto
// definitions, so a build farm's workers can share one cache instead of
// each keeping its own localstore directory.
//
// buildcache's fingerprint already plays the role REAPI's action digest
// plays: a key derived from the compiler identity, the relevant arguments
// and environment, and the input file contents, stable across equivalent
// invocations. There is no Action proto to hash, so the action digest is
// derived directly from the fingerprint key rather than from a marshaled
// Action message. The entry itself (exit code, stdout, stderr, captured
// output files) is encoded with cache.EncodeEntry, compressed, uploaded to
// CAS as a single blob addressed by its own content hash, and referenced
// from the ActionResult stored under the action digest.
package remotestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	rpb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"go.chromium.org/infra/build/buildcache/cache"
	"go.chromium.org/infra/build/buildcache/fingerprint"
	"go.chromium.org/infra/build/buildcache/o11y/clog"
)

// blobOutputPath is the logical OutputFile path under which the whole
// encoded-and-compressed cache.Entry is stored in CAS. buildcache has no
// use for REAPI's per-file OutputFiles shape (it already has its own
// cache.Entry.Files encoding), so a single synthetic entry is enough.
const blobOutputPath = "buildcache-entry.bin"

// Store is a cache.Store backed by a REAPI ActionCache/CAS pair.
type Store struct {
	Instance string

	conn *grpc.ClientConn
	ac   rpb.ActionCacheClient
	cas  rpb.ContentAddressableStorageClient
}

// Dial connects to addr (host:port) and returns a Store scoped to instance.
// When insecureTransport is false, creds must be non-nil (e.g. from
// credentials.NewTLS); buildcache itself never constructs TLS material, it
// only threads through what buildcachecfg and the auth package produced.
// callCreds, if non-nil, is attached as per-RPC credentials (e.g. an OAuth
// bearer token from auth.Cred.PerRPCCredentials) alongside the transport
// credentials; it is meaningless, and ignored, in insecure mode.
func Dial(ctx context.Context, addr, instance string, insecureTransport bool, creds credentials.TransportCredentials, callCreds credentials.PerRPCCredentials) (*Store, error) {
	var dopts []grpc.DialOption
	if insecureTransport {
		dopts = append(dopts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		if creds == nil {
			return nil, fmt.Errorf("remotestore: TLS credentials required when not in insecure mode")
		}
		dopts = append(dopts, grpc.WithTransportCredentials(creds))
		if callCreds != nil {
			dopts = append(dopts, grpc.WithPerRPCCredentials(callCreds))
		}
	}
	conn, err := grpc.NewClient(addr, dopts...)
	if err != nil {
		return nil, fmt.Errorf("remotestore: dialing %q: %w", addr, err)
	}
	return &Store{
		Instance: instance,
		conn:     conn,
		ac:       rpb.NewActionCacheClient(conn),
		cas:      rpb.NewContentAddressableStorageClient(conn),
	}, nil
}

// Close releases the underlying gRPC connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) actionDigest(key fingerprint.Key) *rpb.Digest {
	b := []byte("buildcache-action:" + string(key))
	sum := sha256.Sum256(b)
	return &rpb.Digest{Hash: hex.EncodeToString(sum[:]), SizeBytes: int64(len(b))}
}

func blobDigest(b []byte) *rpb.Digest {
	sum := sha256.Sum256(b)
	return &rpb.Digest{Hash: hex.EncodeToString(sum[:]), SizeBytes: int64(len(b))}
}

// Lookup asks the ActionCache for key's action digest, and if present,
// fetches and decodes the entry blob it points at from CAS.
func (s *Store) Lookup(ctx context.Context, key fingerprint.Key) (*cache.Entry, bool, error) {
	ad := s.actionDigest(key)
	resp, err := s.ac.GetActionResult(ctx, &rpb.GetActionResultRequest{
		InstanceName: s.Instance,
		ActionDigest: ad,
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("remotestore: GetActionResult: %w", err)
	}

	d, err := outputDigest(resp)
	if err != nil {
		return nil, false, err
	}
	compressed, err := s.readBlob(ctx, d)
	if err != nil {
		return nil, false, fmt.Errorf("remotestore: reading entry blob: %w", err)
	}
	raw, err := decompress(compressed)
	if err != nil {
		return nil, false, fmt.Errorf("remotestore: decompressing entry blob: %w", err)
	}
	entry, err := cache.DecodeEntry(raw)
	if err != nil {
		return nil, false, fmt.Errorf("remotestore: decoding entry: %w", err)
	}
	return entry, true, nil
}

// Store compresses and uploads entry's blob to CAS, then publishes an
// ActionResult referencing it under key's action digest.
func (s *Store) Store(ctx context.Context, key fingerprint.Key, entry *cache.Entry) error {
	raw := cache.EncodeEntry(entry)
	compressed, err := compress(raw)
	if err != nil {
		return fmt.Errorf("remotestore: compressing entry blob: %w", err)
	}
	d := blobDigest(compressed)

	if _, err := s.cas.BatchUpdateBlobs(ctx, &rpb.BatchUpdateBlobsRequest{
		InstanceName: s.Instance,
		Requests: []*rpb.BatchUpdateBlobsRequest_Request{
			{Digest: d, Data: compressed},
		},
	}); err != nil {
		return fmt.Errorf("remotestore: BatchUpdateBlobs: %w", err)
	}

	ad := s.actionDigest(key)
	_, err = s.ac.UpdateActionResult(ctx, &rpb.UpdateActionResultRequest{
		InstanceName: s.Instance,
		ActionDigest: ad,
		ActionResult: &rpb.ActionResult{
			ExitCode: int32(entry.ExitCode),
			OutputFiles: []*rpb.OutputFile{
				{Path: blobOutputPath, Digest: d},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("remotestore: UpdateActionResult: %w", err)
	}
	clog.Infof(ctx, "remotestore: stored %s (%d bytes compressed)", key, len(compressed))
	return nil
}

func outputDigest(ar *rpb.ActionResult) (*rpb.Digest, error) {
	for _, f := range ar.GetOutputFiles() {
		if f.GetPath() == blobOutputPath {
			return f.GetDigest(), nil
		}
	}
	return nil, fmt.Errorf("remotestore: action result has no %q output file", blobOutputPath)
}

// readBlob fetches a single blob via BatchReadBlobs. Unlike the teacher's
// reapi.Client, remotestore has no ByteStream fallback for blobs above the
// batch-RPC size threshold: buildcache entries are compiler artifacts, not
// the multi-gigabyte build outputs siso handles, so the simpler always-batch
// path is sufficient here.
func (s *Store) readBlob(ctx context.Context, d *rpb.Digest) ([]byte, error) {
	if d.GetSizeBytes() == 0 {
		return nil, nil
	}
	resp, err := s.cas.BatchReadBlobs(ctx, &rpb.BatchReadBlobsRequest{
		InstanceName: s.Instance,
		Digests:      []*rpb.Digest{d},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Responses) != 1 {
		return nil, fmt.Errorf("unexpected response count %d", len(resp.Responses))
	}
	r := resp.Responses[0]
	if r.GetStatus().GetCode() != int32(codes.OK) {
		return nil, fmt.Errorf("blob read status %v", r.GetStatus())
	}
	return r.GetData(), nil
}

func compress(b []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(b, nil), nil
}

func decompress(b []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(b, nil)
}
