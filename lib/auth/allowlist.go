// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"path"
	"strings"
)

// Entry is one allowlist grant: a verb on a resource. Either may be
// "*", and the resource may be a glob such as "pool.*".
type Entry struct {
	Method   string `json:"method"`
	Resource string `json:"resource"`
}

// FullAdminEntry grants everything.
var FullAdminEntry = Entry{Method: VerbAny, Resource: "*"}

// Allowlist is an immutable set of grants.
type Allowlist struct {
	entries   []Entry
	fullAdmin bool
	exact     map[string]map[string]bool
	patterns  map[string][]string
}

// NewAllowlist indexes entries.
func NewAllowlist(entries []Entry) *Allowlist {
	allowlist := &Allowlist{
		entries:  entries,
		exact:    make(map[string]map[string]bool),
		patterns: make(map[string][]string),
	}
	for _, entry := range entries {
		if entry == FullAdminEntry {
			allowlist.fullAdmin = true
		}
		if strings.ContainsAny(entry.Resource, "*?[") {
			allowlist.patterns[entry.Method] = append(allowlist.patterns[entry.Method], entry.Resource)
			continue
		}
		if allowlist.exact[entry.Method] == nil {
			allowlist.exact[entry.Method] = make(map[string]bool)
		}
		allowlist.exact[entry.Method][entry.Resource] = true
	}
	return allowlist
}

// Authorize reports whether the allowlist grants verb on resource.
func (a *Allowlist) Authorize(verb, resource string) bool {
	if a == nil {
		return false
	}
	return a.authorize(VerbAny, resource) || a.authorize(verb, resource)
}

func (a *Allowlist) authorize(verb, resource string) bool {
	if a.exact[verb][resource] {
		return true
	}
	for _, pattern := range a.patterns[verb] {
		if matchResource(pattern, resource) {
			return true
		}
	}
	return false
}

// FullAdmin reports whether the allowlist holds the wildcard grant.
func (a *Allowlist) FullAdmin() bool { return a != nil && a.fullAdmin }

// Entries returns the grants in insertion order.
func (a *Allowlist) Entries() []Entry {
	if a == nil {
		return nil
	}
	return a.entries
}

// matchResource matches a dotted resource name against a glob. "*"
// matches any run of characters, dots included. Malformed patterns
// never match.
func matchResource(pattern, resource string) bool {
	if pattern == "*" {
		return true
	}
	// Resource names contain no slashes, so path.Match's "*" spans
	// dotted segments.
	matched, err := path.Match(pattern, resource)
	return err == nil && matched
}
