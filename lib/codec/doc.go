// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the two serialization formats middlewared uses.
//
// JSON is the wire format for every client message and for JSON
// columns in the datastore. [DecodeStrict] rejects unknown fields and
// trailing data, and keeps numbers as json.Number so that integer
// parameters survive decoding into any-typed values without turning
// into float64.
//
// CBOR (Core Deterministic Encoding) is the format of signed payloads
// such as authentication tokens, where the bytes covered by a
// signature must be reproducible from the logical value.
package codec
