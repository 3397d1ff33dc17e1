// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides entrypoint helpers for the middlewared
// binaries: the exit code table and fatal error reporting to stderr
// before the structured logger exists.
//
// Exit codes: 0 success, 1 runtime failure, 2 usage error, 64 invalid
// configuration, 74 failure opening the database or a listener.
package process
