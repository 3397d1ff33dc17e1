// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed encrypts secret datastore columns at rest.
//
// A [Sealer] holds one age X25519 identity, read from the pwenc secret
// file (created on first start). Sealed values are stored as
// "age:" followed by base64 ciphertext, so a column can tell sealed
// values from legacy plaintext.
package sealed
