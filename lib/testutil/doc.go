// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for middlewared
// packages.
//
// [RequireReceive], [RequireSend] and [RequireClosed] wrap the
// select-with-timeout pattern so individual tests never call
// time.After directly. These are the only real wall-clock waits in the
// test suite; everything else runs against clock.Fake.
//
// [SocketDir] returns a short directory under /tmp for UNIX sockets,
// whose paths are limited to 108 bytes.
//
// All helpers call t.Fatalf on failure.
package testutil
