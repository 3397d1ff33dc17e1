// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth resolves callers to credentials and decides what they
// may do.
//
// Roles are named bundles of other roles. A RoleManager records which
// roles grant each method (verb CALL) and each event topic (verb
// SUBSCRIBE), and turns a set of role names into an Allowlist. The
// FULL_ADMIN role expands to the wildcard allowlist.
//
// A Credential is immutable. Dropping privileges, as the readonly
// shadow does, produces a new Credential with the _WRITE roles removed;
// sessions swap credentials by pointer.
//
// Three kinds of secret authenticate a caller:
//
//   - local account passwords, stored as bcrypt hashes
//   - API keys of the form "<id>-<secret>", verified against
//     SCRAM-SHA-512 material derived with PBKDF2
//   - tokens: CBOR claims signed with Ed25519, minted by an
//     authenticated session and revoked when it logs out
//
// Trusted UNIX socket peers with uid 0 receive a full-admin credential
// without presenting a secret.
package auth
