// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"github.com/bureau-foundation/middlewared/lib/auth"
	"github.com/bureau-foundation/middlewared/lib/jobs"
)

// Call is the context of one invocation, passed to handlers.
type Call struct {
	Dispatcher *Dispatcher
	Method     *Method

	// Session is the calling session, nil for internal calls.
	Session *auth.Session

	// Credential is the session's credential at dispatch time. It is
	// nil for internal calls and for anonymous callers of no-auth
	// methods.
	Credential *auth.Credential

	// Job is the job the handler runs in, nil for inline methods.
	Job *jobs.Job
}

// Internal reports whether the call came from inside the daemon.
func (c *Call) Internal() bool { return c.Session == nil }

// ExposeSecrets reports whether the caller may see secret fields of
// the method's results in clear.
func (c *Call) ExposeSecrets() bool {
	if c.Internal() {
		return true
	}
	return c.Credential.ExposeSecrets(c.Dispatcher.roles.RolesForMethod(c.Method.Name))
}

// Username returns the caller's username, or "" for internal and
// anonymous calls.
func (c *Call) Username() string {
	if c.Credential == nil {
		return ""
	}
	return c.Credential.Username()
}

// RemoteAddr returns the caller's remote address, or "" for internal
// calls.
func (c *Call) RemoteAddr() string {
	if c.Session == nil {
		return ""
	}
	return c.Session.Origin().RemoteAddr
}
