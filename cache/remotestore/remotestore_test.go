// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package remotestore_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"sync"
	"testing"

	rpb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/go-cmp/cmp"
	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"go.chromium.org/infra/build/buildcache/cache"
	"go.chromium.org/infra/build/buildcache/cache/remotestore"
	"go.chromium.org/infra/build/buildcache/fingerprint"
)

// fakeREAPI is a minimal in-memory ActionCache + CAS good enough to exercise
// remotestore's Lookup/Store round trip; it does not implement the full
// REAPI surface (no FindMissingBlobs, no ByteStream), matching what
// remotestore itself actually calls.
type fakeREAPI struct {
	rpb.UnimplementedActionCacheServer
	rpb.UnimplementedContentAddressableStorageServer

	mu      sync.Mutex
	results map[string]*rpb.ActionResult
	blobs   map[string][]byte
}

func newFakeREAPI() *fakeREAPI {
	return &fakeREAPI{
		results: map[string]*rpb.ActionResult{},
		blobs:   map[string][]byte{},
	}
}

func (f *fakeREAPI) GetActionResult(ctx context.Context, req *rpb.GetActionResultRequest) (*rpb.ActionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ar, ok := f.results[req.ActionDigest.GetHash()]
	if !ok {
		return nil, status.Error(codes.NotFound, "not found")
	}
	return ar, nil
}

func (f *fakeREAPI) UpdateActionResult(ctx context.Context, req *rpb.UpdateActionResultRequest) (*rpb.ActionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[req.ActionDigest.GetHash()] = req.ActionResult
	return req.ActionResult, nil
}

func (f *fakeREAPI) BatchUpdateBlobs(ctx context.Context, req *rpb.BatchUpdateBlobsRequest) (*rpb.BatchUpdateBlobsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := &rpb.BatchUpdateBlobsResponse{}
	for _, r := range req.Requests {
		f.blobs[r.Digest.GetHash()] = r.Data
		resp.Responses = append(resp.Responses, &rpb.BatchUpdateBlobsResponse_Response{
			Digest: r.Digest,
			Status: &statusOK,
		})
	}
	return resp, nil
}

func (f *fakeREAPI) BatchReadBlobs(ctx context.Context, req *rpb.BatchReadBlobsRequest) (*rpb.BatchReadBlobsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := &rpb.BatchReadBlobsResponse{}
	for _, d := range req.Digests {
		b, ok := f.blobs[d.Hash]
		if !ok {
			resp.Responses = append(resp.Responses, &rpb.BatchReadBlobsResponse_Response{
				Digest: d,
				Status: &statusNotFound,
			})
			continue
		}
		resp.Responses = append(resp.Responses, &rpb.BatchReadBlobsResponse_Response{
			Digest: d,
			Data:   b,
			Status: &statusOK,
		})
	}
	return resp, nil
}

var statusOK = spb.Status{Code: int32(codes.OK)}
var statusNotFound = spb.Status{Code: int32(codes.NotFound)}

func startServer(t *testing.T, fake *fakeREAPI) string {
	t.Helper()
	lis, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := grpc.NewServer()
	rpb.RegisterActionCacheServer(srv, fake)
	rpb.RegisterContentAddressableStorageServer(srv, fake)
	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func TestStoreAndLookupRoundTrip(t *testing.T) {
	fake := newFakeREAPI()
	addr := startServer(t, fake)
	ctx := context.Background()

	store, err := remotestore.Dial(ctx, addr, "instances/default", true, nil, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer store.Close()

	key := fingerprint.Key("deadbeef")
	entry := &cache.Entry{
		ExitCode: 0,
		Stdout:   []byte("built ok\n"),
		Files: []cache.File{
			{Path: "a.o", Required: true, Content: []byte{1, 2, 3, 4}},
		},
	}

	if _, hit, err := store.Lookup(ctx, key); err != nil || hit {
		t.Fatalf("Lookup() before Store = (hit=%v, err=%v), want (false, nil)", hit, err)
	}

	if err := store.Store(ctx, key, entry); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	got, hit, err := store.Lookup(ctx, key)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if !hit {
		t.Fatal("Lookup() hit = false, want true")
	}
	if diff := cmp.Diff(entry, got); diff != "" {
		t.Errorf("Lookup() entry mismatch (-want +got):\n%s", diff)
	}
}

func TestActionDigestIsStablePerKey(t *testing.T) {
	// Same key must always resolve to the same action digest so a second
	// process's Lookup finds what the first process's Store wrote. This is
	// verified indirectly: storing under one key and looking it up under a
	// recomputed Key with the same string value must hit.
	fake := newFakeREAPI()
	addr := startServer(t, fake)
	ctx := context.Background()
	store, err := remotestore.Dial(ctx, addr, "instances/default", true, nil, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer store.Close()

	key := fingerprint.Key(hex.EncodeToString(sha256.New().Sum(nil)))
	entry := &cache.Entry{ExitCode: 0}
	if err := store.Store(ctx, key, entry); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	recomputed := fingerprint.Key(string(key))
	if _, hit, err := store.Lookup(ctx, recomputed); err != nil || !hit {
		t.Fatalf("Lookup(recomputed key) = (hit=%v, err=%v), want (true, nil)", hit, err)
	}
}
