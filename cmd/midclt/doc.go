// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Midclt calls middlewared API methods from the shell. It embeds the
// core: the database and key material are opened in-process and the
// call runs against the same dispatcher the daemon serves, so it
// works while the daemon is stopped.
//
// Usage:
//
//	midclt [flags] call METHOD [ARG...]
//	midclt [flags] methods
//
// Each ARG is JSON (comments and trailing commas allowed); an ARG that
// does not parse as JSON is passed as a string. Calls run as root
// unless --user names an account, whose password is then prompted
// for. With --job, job methods are waited on and their result printed
// instead of the job id.
//
// Exit codes: 0 success, 1 failed call, 2 usage error, 64 invalid
// configuration, 74 failure opening the database.
package main
