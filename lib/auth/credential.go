// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"slices"
	"strings"
)

// Kind names how a credential was established.
type Kind string

const (
	KindUnixSocket Kind = "UNIX_SOCKET"
	KindPassword   Kind = "LOGIN_PASSWORD"
	KindAPIKey     Kind = "API_KEY"
	KindToken      Kind = "TOKEN"
)

// Credential is an authenticated identity with its allowlist. It is
// never modified after construction.
type Credential struct {
	kind      Kind
	username  string
	uid       int
	roles     []string
	allowlist *Allowlist
	readonly  bool

	// scope further narrows a token credential.
	scope *Allowlist

	apiKeyID int64
	tokenID  string
}

// NewCredential builds a credential granting roles.
func NewCredential(manager *RoleManager, kind Kind, username string, uid int, roles []string) *Credential {
	roles = slices.Clone(roles)
	slices.Sort(roles)
	return &Credential{
		kind:      kind,
		username:  username,
		uid:       uid,
		roles:     roles,
		allowlist: manager.Allowlist(roles),
	}
}

func (c *Credential) Kind() Kind               { return c.kind }
func (c *Credential) Username() string         { return c.username }
func (c *Credential) UID() int                 { return c.uid }
func (c *Credential) Roles() []string          { return slices.Clone(c.roles) }
func (c *Credential) Readonly() bool           { return c.readonly }
func (c *Credential) Allowlist() *Allowlist    { return c.allowlist }
func (c *Credential) APIKeyID() int64          { return c.apiKeyID }
func (c *Credential) TokenID() string          { return c.tokenID }
func (c *Credential) FullAdmin() bool          { return c.allowlist.FullAdmin() && c.scope == nil }
func (c *Credential) Scope() *Allowlist        { return c.scope }
func (c *Credential) HasRole(role string) bool { return slices.Contains(c.roles, role) }

// Authorize reports whether the credential grants verb on resource.
func (c *Credential) Authorize(verb, resource string) bool {
	if c == nil || !c.allowlist.Authorize(verb, resource) {
		return false
	}
	return c.scope == nil || c.scope.Authorize(verb, resource)
}

// UserSession reports whether the credential stands for an
// interactive user: any kind but an API key, without a token scope.
// Only user sessions may skip the allowlist on methods that opt out
// of authorization.
func (c *Credential) UserSession() bool {
	return c != nil && c.kind != KindAPIKey && c.scope == nil
}

// WithReadonly returns a copy restricted to the non-_WRITE roles of c.
// Calling it on a readonly credential returns c.
func (c *Credential) WithReadonly(manager *RoleManager) *Credential {
	if c.readonly {
		return c
	}
	derived := *c
	derived.roles = manager.ReadonlyRoles(c.roles)
	derived.allowlist = manager.Allowlist(derived.roles)
	derived.readonly = true
	return &derived
}

// withScope returns a copy that is further limited to scope.
func (c *Credential) withScope(scope []Entry) *Credential {
	if len(scope) == 0 {
		return c
	}
	derived := *c
	derived.scope = NewAllowlist(scope)
	return &derived
}

// ExposeSecrets reports whether results of a method granted to
// methodRoles may carry secret fields in clear. Readonly credentials
// always see redacted output; others need full admin or a _WRITE role
// of the method.
func (c *Credential) ExposeSecrets(methodRoles []string) bool {
	if c == nil || c.readonly {
		return false
	}
	if c.FullAdmin() {
		return true
	}
	for _, role := range methodRoles {
		if strings.HasSuffix(role, "_WRITE") && c.HasRole(role) {
			return true
		}
	}
	return false
}

// Dump is the public description of the credential used in job
// records and session listings.
func (c *Credential) Dump() map[string]any {
	if c == nil {
		return nil
	}
	data := map[string]any{"username": c.username}
	if c.apiKeyID != 0 {
		data["api_key"] = map[string]any{"id": c.apiKeyID}
	}
	return map[string]any{
		"type": string(c.kind),
		"data": data,
	}
}
