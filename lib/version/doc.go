// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build version information for the
// middleware binaries.
//
// Four package-level variables are injected at build time via
// -ldflags -X:
//
//   - [GitCommit] -- short git SHA of the build
//   - [GitDirty] -- "true" if there were uncommitted changes
//   - [BuildTime] -- UTC timestamp of the build
//   - [Version] -- product version string (set manually for releases)
//
// For example:
//
//	go build -ldflags "-X github.com/bureau-foundation/middlewared/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// [APIVersion] is the newest API version the dispatcher serves; older
// versions are reached through per-method adapters.
package version
