// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

// Role names referenced by the core.
const (
	FullAdmin     = "FULL_ADMIN"
	ReadonlyAdmin = "READONLY_ADMIN"
)

// Verbs of allowlist entries.
const (
	VerbCall      = "CALL"
	VerbSubscribe = "SUBSCRIBE"
	VerbAny       = "*"
)

// Role is a named bundle of other roles.
type Role struct {
	Includes []string

	// FullAdmin roles expand to every role and to the wildcard
	// allowlist.
	FullAdmin bool

	// Builtin roles may be assigned to privileges directly.
	Builtin bool
}

// DefaultRoles returns the role table of the core plugins.
func DefaultRoles() map[string]Role {
	roles := map[string]Role{
		FullAdmin: {FullAdmin: true, Builtin: true},

		"ACCOUNT_READ":  {Builtin: true},
		"ACCOUNT_WRITE": {Includes: []string{"ACCOUNT_READ"}, Builtin: true},

		"API_KEY_READ":  {Builtin: true},
		"API_KEY_WRITE": {Includes: []string{"API_KEY_READ"}, Builtin: true},

		"AUTH_SESSIONS_READ":  {Builtin: true},
		"AUTH_SESSIONS_WRITE": {Includes: []string{"AUTH_SESSIONS_READ"}, Builtin: true},

		"PRIVILEGE_READ":  {Builtin: true},
		"PRIVILEGE_WRITE": {Includes: []string{"PRIVILEGE_READ"}, Builtin: true},

		"SERVICE_READ":  {Builtin: true},
		"SERVICE_WRITE": {Includes: []string{"SERVICE_READ"}, Builtin: true},

		"ALERT_LIST_READ":  {Builtin: true},
		"ALERT_LIST_WRITE": {Includes: []string{"ALERT_LIST_READ"}, Builtin: true},
		"ALERT_READ":       {Builtin: true},
		"ALERT_WRITE":      {Includes: []string{"ALERT_LIST_WRITE", "ALERT_READ"}, Builtin: true},

		"SYSTEM_CRON_READ":  {Builtin: true},
		"SYSTEM_CRON_WRITE": {Includes: []string{"SYSTEM_CRON_READ"}, Builtin: true},

		"SYSTEM_GENERAL_READ":  {Builtin: true},
		"SYSTEM_GENERAL_WRITE": {Includes: []string{"SYSTEM_GENERAL_READ"}, Builtin: true},

		"SSH_READ":  {Builtin: true},
		"SSH_WRITE": {Includes: []string{"SSH_READ"}, Builtin: true},

		"POOL_SCRUB_READ":  {Builtin: true},
		"POOL_SCRUB_WRITE": {Includes: []string{"POOL_SCRUB_READ"}, Builtin: true},
	}
	var reads []string
	for name := range roles {
		if strings.HasSuffix(name, "_READ") {
			reads = append(reads, name)
		}
	}
	slices.Sort(reads)
	roles[ReadonlyAdmin] = Role{Includes: reads}
	return roles
}

// Resources whose names end with one of these suffixes modify state and
// may never be granted to a _READ role.
var writeSuffixes = []string{".create", ".do_create", ".update", ".do_update", ".delete", ".do_delete"}

type resources struct {
	verb   string
	byName map[string][]string
	byRole map[string][]Entry
}

func newResources(verb string) *resources {
	return &resources{verb: verb, byName: make(map[string][]string), byRole: make(map[string][]Entry)}
}

// RoleManager maps roles to the methods and events they grant.
type RoleManager struct {
	roles map[string]Role

	mu      sync.RWMutex
	methods *resources
	events  *resources
}

// NewRoleManager creates a RoleManager over roles.
func NewRoleManager(roles map[string]Role) *RoleManager {
	return &RoleManager{
		roles:   roles,
		methods: newResources(VerbCall),
		events:  newResources(VerbSubscribe),
	}
}

// Exists reports whether role is defined.
func (m *RoleManager) Exists(role string) bool {
	_, ok := m.roles[role]
	return ok
}

// Roles returns every role name, sorted.
func (m *RoleManager) Roles() []string {
	return slices.Sorted(maps.Keys(m.roles))
}

// RegisterMethod records that roles grant CALL on method.
func (m *RoleManager) RegisterMethod(method string, roles []string) error {
	return m.register(m.methods, method, roles)
}

// RegisterEvent records that roles grant SUBSCRIBE on topic.
func (m *RoleManager) RegisterEvent(topic string, roles []string) error {
	return m.register(m.events, topic, roles)
}

func (m *RoleManager) register(table *resources, name string, roles []string) error {
	for _, role := range roles {
		if !m.Exists(role) {
			return fmt.Errorf("auth: %s: invalid role %q", name, role)
		}
		if strings.HasSuffix(role, "_READ") && hasWriteSuffix(name) {
			return fmt.Errorf("auth: %s: resource may not be granted to %s", name, role)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := table.byName[name]; exists {
		return fmt.Errorf("auth: %s is already registered", name)
	}
	table.byName[name] = slices.Clone(roles)
	for _, role := range roles {
		table.byRole[role] = append(table.byRole[role], Entry{Method: table.verb, Resource: name})
	}
	return nil
}

func hasWriteSuffix(name string) bool {
	for _, suffix := range writeSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// Expand returns roles together with every role they include,
// transitively and sorted. FULL_ADMIN expands to all roles. Unknown
// names are dropped.
func (m *RoleManager) Expand(roles []string) []string {
	expanded := make(map[string]bool)
	var visit func(string)
	visit = func(name string) {
		role, ok := m.roles[name]
		if !ok || expanded[name] {
			return
		}
		if role.FullAdmin {
			for other := range m.roles {
				expanded[other] = true
			}
			return
		}
		expanded[name] = true
		for _, included := range role.Includes {
			visit(included)
		}
	}
	for _, name := range roles {
		visit(name)
	}
	return slices.Sorted(maps.Keys(expanded))
}

// Allowlist returns the allowlist granted by roles.
func (m *RoleManager) Allowlist(roles []string) *Allowlist {
	for _, name := range roles {
		if m.roles[name].FullAdmin {
			return NewAllowlist([]Entry{FullAdminEntry})
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var entries []Entry
	for _, name := range m.Expand(roles) {
		entries = append(entries, m.methods.byRole[name]...)
		entries = append(entries, m.events.byRole[name]...)
	}
	return NewAllowlist(entries)
}

// RolesForMethod returns every role granting CALL on method, including
// roles that grant it through inclusion.
func (m *RoleManager) RolesForMethod(method string) []string {
	return m.rolesFor(m.methods, method)
}

// RolesForEvent returns every role granting SUBSCRIBE on topic.
func (m *RoleManager) RolesForEvent(topic string) []string {
	return m.rolesFor(m.events, topic)
}

func (m *RoleManager) rolesFor(table *resources, name string) []string {
	m.mu.RLock()
	granted := make(map[string]bool)
	for _, role := range table.byName[name] {
		granted[role] = true
	}
	m.mu.RUnlock()

	for changed := true; changed; {
		changed = false
		for roleName, role := range m.roles {
			if granted[roleName] {
				continue
			}
			for _, included := range role.Includes {
				if granted[included] {
					granted[roleName] = true
					changed = true
					break
				}
			}
		}
	}
	return slices.Sorted(maps.Keys(granted))
}

// ReadonlyRoles drops every _WRITE and full-admin role from the
// expansion of roles. A full admin keeps READONLY_ADMIN.
func (m *RoleManager) ReadonlyRoles(roles []string) []string {
	var kept []string
	for _, name := range m.Expand(roles) {
		if strings.HasSuffix(name, "_WRITE") || m.roles[name].FullAdmin {
			continue
		}
		kept = append(kept, name)
	}
	return kept
}
