// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds key material outside the Go heap.
//
// A [Buffer] is an anonymous mmap region excluded from core dumps and,
// where RLIMIT_MEMLOCK allows, locked against swap. Close zeroes and
// unmaps it. The middleware keeps two long-lived secrets in Buffers:
// the age identity that seals secret datastore columns and the
// ed25519 seed that signs authentication tokens.
package secret
