// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch holds the method registry and runs calls under
// each method's contract.
//
// Plugins register typed handlers with [Register] during startup. A
// call then goes through, in order: method lookup, version adaptation
// of the arguments for sessions pinned to an older API version,
// binding and validation into the handler's argument struct,
// authentication and allowlist authorization, and finally execution.
// Short methods run on the caller's goroutine, blocking methods on the
// shared [workerpool.Pool], and methods with [JobOptions] are handed
// to the [jobs.Manager], in which case the call returns the job id.
//
// Results pass through [model.Dump]. Fields tagged `secret:"true"` are
// redacted unless the caller's credential may see secrets of the
// method (see [auth.Credential.ExposeSecrets]), and then adapted back
// to the session's pinned version.
//
// Every error leaving Call is an *apierror.Error. Handler panics are
// recovered into Internal errors carrying the stack.
package dispatch
