// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package auth provides gRPC credentials for buildcache's remote cache
// backend, adapted from the teacher's auth package. The teacher's fuller
// auth/cred/cred.go additionally logs in via go.chromium.org/luci/auth and
// luci/hardcoded/chromeinfra, which hardcode Chrome infra's own OAuth
// client and scopes; buildcache talks to an arbitrary operator-configured
// REAPI endpoint, not Chrome infra's backend, so it mints plain
// application-default credentials instead of running that login flow.
package auth

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/oauth"
)

// cacheScope is requested when minting application-default tokens for the
// remote cache backend.
const cacheScope = "https://www.googleapis.com/auth/cloud-platform"

// Cred holds a refreshable token and its derived gRPC per-RPC credentials.
type Cred struct {
	Email string

	rpcCredentials credentials.PerRPCCredentials
	tokenSource    oauth2.TokenSource
}

// NewCred mints application-default credentials scoped to the remote cache
// backend (see golang.org/x/oauth2/google.DefaultTokenSource), e.g. from
// `gcloud auth application-default login` or a service account attached to
// the current environment. It fails if none are available.
func NewCred(ctx context.Context) (Cred, error) {
	ts, err := google.DefaultTokenSource(ctx, cacheScope)
	if err != nil {
		return Cred{}, fmt.Errorf("auth: no application-default credentials: %w", err)
	}
	tok, err := ts.Token()
	if err != nil {
		return Cred{}, fmt.Errorf("auth: minting token: %w", err)
	}
	email, _ := tok.Extra("email").(string)
	log.Infof("authenticated to remote cache as %q", email)

	ts = oauth2.ReuseTokenSource(tok, ts)
	return Cred{
		Email: email,
		rpcCredentials: oauth.TokenSource{
			TokenSource: ts,
		},
		tokenSource: ts,
	}, nil
}

// PerRPCCredentials returns the gRPC per-RPC credentials carrying the
// bearer token, for use alongside TLS transport credentials in
// remotestore.Dial.
func (c Cred) PerRPCCredentials() credentials.PerRPCCredentials {
	return c.rpcCredentials
}
