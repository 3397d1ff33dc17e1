// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package privilege maps local groups to roles and lets a session drop
// to a read-only view of its own credential.
package privilege

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/middlewared/internal/core"
	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/dispatch"
)

// Privilege grants roles to the members of local groups.
type Privilege struct {
	ID          int64    `json:"id"`
	BuiltinName *string  `json:"builtin_name"`
	Name        string   `json:"name"`
	LocalGroups []int64  `json:"local_groups"`
	Roles       []string `json:"roles"`
	WebShell    bool     `json:"web_shell"`
}

type privilegeCreate struct {
	Name        string   `json:"name" validate:"nonempty,max=200"`
	LocalGroups []int64  `json:"local_groups" default:"[]"`
	Roles       []string `json:"roles" default:"[]"`
	WebShell    bool     `json:"web_shell"`
}

type privilegeUpdate struct {
	Name        *string   `json:"name,omitempty" validate:"omitempty,nonempty,max=200"`
	LocalGroups *[]int64  `json:"local_groups,omitempty"`
	Roles       *[]string `json:"roles,omitempty"`
	WebShell    *bool     `json:"web_shell,omitempty"`
}

// Plugin registers the privilege namespace.
type Plugin struct {
	core    *core.Core
	service *core.CRUDService[Privilege, privilegeCreate, privilegeUpdate]
}

// New returns the privilege plugin.
func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "privilege" }

func (p *Plugin) Register(c *core.Core) error {
	p.core = c
	p.service = &core.CRUDService[Privilege, privilegeCreate, privilegeUpdate]{
		Namespace:  "privilege",
		Table:      core.PrivilegesTable,
		RolePrefix: "PRIVILEGE",
		Hooks:      p,
	}
	if err := p.service.Register(c); err != nil {
		return err
	}
	return dispatch.Register(c.Dispatcher, dispatch.Method{
		Name:        "privilege.become_readonly",
		Description: "Replace the session's credential with its read-only counterpart",
		NoAuthz:     true,
	}, p.becomeReadonly)
}

func (p *Plugin) becomeReadonly(_ context.Context, call *dispatch.Call, _ dispatch.Args) (bool, error) {
	if call.Session == nil || call.Credential == nil {
		return false, apierror.Call(apierror.EINVAL, "Only authenticated client sessions can become read-only")
	}
	call.Session.SetCredential(call.Credential.WithReadonly(p.core.Roles))
	return true, nil
}

func (p *Plugin) checkRoles(schema string, roles []string) error {
	var errs apierror.ValidationErrors
	for i, role := range roles {
		if !p.core.Roles.Exists(role) {
			errs.Add(fmt.Sprintf("%s.roles.%d", schema, i), fmt.Sprintf("Unknown role %s", role))
		}
	}
	return errs.Err()
}

func (p *Plugin) DoCreate(ctx context.Context, _ *dispatch.Call, data privilegeCreate) (int64, error) {
	if err := p.checkRoles("privilege_create", data.Roles); err != nil {
		return 0, err
	}
	return p.service.Insert(ctx, data)
}

func (p *Plugin) DoUpdate(ctx context.Context, _ *dispatch.Call, old Privilege, data privilegeUpdate) error {
	if old.BuiltinName != nil && data.Name != nil && *data.Name != old.Name {
		return apierror.Validation("privilege_update.name", "Built-in privileges cannot be renamed")
	}
	if data.Roles != nil {
		if err := p.checkRoles("privilege_update", *data.Roles); err != nil {
			return err
		}
	}
	return p.service.Write(ctx, old.ID, data)
}

func (p *Plugin) DoDelete(ctx context.Context, _ *dispatch.Call, old Privilege) error {
	if old.BuiltinName != nil {
		return apierror.Call(apierror.EINVAL, "Built-in privilege %s cannot be deleted", old.Name)
	}
	return p.service.Remove(ctx, old.ID)
}

var _ core.CRUDHooks[Privilege, privilegeCreate, privilegeUpdate] = (*Plugin)(nil)
