// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package apierror defines the error categories that cross the
// JSON-RPC boundary and their stable errno values.
//
// Handlers return ordinary Go errors. The dispatcher converts them
// with [From]: an *Error anywhere in the chain keeps its category,
// [ValidationErrors] become a Validation error with per-attribute
// entries, and anything else is Internal. Internal errors carry the
// captured stack and are shown to callers only when the session is
// allowed to see private detail.
package apierror
