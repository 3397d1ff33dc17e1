// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package user manages local accounts.
package user

import (
	"context"

	"github.com/bureau-foundation/middlewared/internal/core"
	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/auth"
	"github.com/bureau-foundation/middlewared/lib/dispatch"
	"github.com/bureau-foundation/middlewared/lib/filter"
)

// FirstUID is the lowest uid handed out to accounts created without
// one.
const FirstUID = 3000

// PasswordCost is the bcrypt cost of stored password hashes.
var PasswordCost = 0

// User is a local account as returned by user.query.
type User struct {
	ID                   int64    `json:"id"`
	UID                  int64    `json:"uid"`
	Username             string   `json:"username"`
	Unixhash             string   `json:"unixhash" secret:"true"`
	FullName             string   `json:"full_name"`
	Email                *string  `json:"email"`
	Home                 string   `json:"home"`
	Shell                string   `json:"shell"`
	Locked               bool     `json:"locked"`
	PasswordDisabled     bool     `json:"password_disabled"`
	Builtin              bool     `json:"builtin"`
	Groups               []int64  `json:"groups"`
	SudoCommands         []string `json:"sudo_commands"`
	SudoCommandsNopasswd []string `json:"sudo_commands_nopasswd"`

	// Roles are granted through the privileges of Groups.
	Roles []string `json:"roles"`
}

type userCreate struct {
	UID                  *int64   `json:"uid,omitempty" validate:"omitempty,min=1000,max=2147483647"`
	Username             string   `json:"username" validate:"username,max=32"`
	Password             string   `json:"password" validate:"nonempty" secret:"true"`
	FullName             string   `json:"full_name" validate:"max=120"`
	Email                *string  `json:"email,omitempty" validate:"omitempty,email"`
	Home                 string   `json:"home" default:"\"/var/empty\"" validate:"startswith=/"`
	Shell                string   `json:"shell" default:"\"/usr/bin/zsh\""`
	Locked               bool     `json:"locked"`
	PasswordDisabled     bool     `json:"password_disabled"`
	Groups               []int64  `json:"groups" default:"[]"`
	SudoCommands         []string `json:"sudo_commands" default:"[]"`
	SudoCommandsNopasswd []string `json:"sudo_commands_nopasswd" default:"[]"`
}

type userUpdate struct {
	Username             *string   `json:"username,omitempty" validate:"omitempty,username,max=32"`
	Password             *string   `json:"password,omitempty" validate:"omitempty,nonempty" secret:"true"`
	FullName             *string   `json:"full_name,omitempty" validate:"omitempty,max=120"`
	Email                *string   `json:"email,omitempty" validate:"omitempty,email"`
	Home                 *string   `json:"home,omitempty" validate:"omitempty,startswith=/"`
	Shell                *string   `json:"shell,omitempty"`
	Locked               *bool     `json:"locked,omitempty"`
	PasswordDisabled     *bool     `json:"password_disabled,omitempty"`
	Groups               *[]int64  `json:"groups,omitempty"`
	SudoCommands         *[]string `json:"sudo_commands,omitempty"`
	SudoCommandsNopasswd *[]string `json:"sudo_commands_nopasswd,omitempty"`
}

// record is the stored form of an account.
type record struct {
	UID                  int64    `json:"uid"`
	Username             string   `json:"username"`
	Unixhash             string   `json:"unixhash"`
	FullName             string   `json:"full_name"`
	Email                *string  `json:"email"`
	Home                 string   `json:"home"`
	Shell                string   `json:"shell"`
	Locked               bool     `json:"locked"`
	PasswordDisabled     bool     `json:"password_disabled"`
	Groups               []int64  `json:"groups"`
	SudoCommands         []string `json:"sudo_commands"`
	SudoCommandsNopasswd []string `json:"sudo_commands_nopasswd"`
}

// Plugin registers the user namespace.
type Plugin struct {
	core    *core.Core
	service *core.CRUDService[User, userCreate, userUpdate]
}

// New returns the user plugin.
func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "user" }

func (p *Plugin) Register(c *core.Core) error {
	p.core = c
	p.service = &core.CRUDService[User, userCreate, userUpdate]{
		Namespace:      "user",
		Table:          core.UsersTable,
		Prefix:         core.UsersPrefix,
		RolePrefix:     "ACCOUNT",
		Hooks:          p,
		Extend:         p.extend,
		Version:        SudoVersion,
		CreateAdapters: []dispatch.Adapter{sudoAdapter(0)},
		UpdateAdapters: []dispatch.Adapter{sudoAdapter(1)},
	}
	return p.service.Register(c)
}

func (p *Plugin) extend(ctx context.Context, entry *User) error {
	roles, err := core.RolesForGroups(ctx, p.core.Store, entry.Groups)
	if err != nil {
		return err
	}
	if roles == nil {
		roles = []string{}
	}
	entry.Roles = roles
	return nil
}

// exists reports whether another account already uses field = value.
func (p *Plugin) exists(ctx context.Context, field string, value any, except int64) (bool, error) {
	result, err := p.core.Store.Query(ctx, core.UsersTable,
		[]any{[]any{field, "=", value}, []any{"id", "!=", except}},
		filter.Options{Prefix: core.UsersPrefix, Count: true})
	if err != nil {
		return false, err
	}
	count, _ := result.(int)
	return count > 0, nil
}

func (p *Plugin) nextUID(ctx context.Context) (int64, error) {
	entries, err := p.service.Entries(ctx)
	if err != nil {
		return 0, err
	}
	next := int64(FirstUID)
	for _, entry := range entries {
		if entry.UID >= next {
			next = entry.UID + 1
		}
	}
	return next, nil
}

func (p *Plugin) DoCreate(ctx context.Context, _ *dispatch.Call, data userCreate) (int64, error) {
	var errs apierror.ValidationErrors
	taken, err := p.exists(ctx, "username", data.Username, 0)
	if err != nil {
		return 0, err
	}
	if taken {
		errs.Add("user_create.username", "A user with this username already exists", apierror.EEXIST)
	}
	uid := int64(0)
	if data.UID != nil {
		uid = *data.UID
		taken, err := p.exists(ctx, "uid", uid, 0)
		if err != nil {
			return 0, err
		}
		if taken {
			errs.Add("user_create.uid", "This uid is already in use", apierror.EEXIST)
		}
	}
	if err := errs.Err(); err != nil {
		return 0, err
	}
	if uid == 0 {
		if uid, err = p.nextUID(ctx); err != nil {
			return 0, err
		}
	}
	hash, err := auth.HashPassword(data.Password, PasswordCost)
	if err != nil {
		return 0, err
	}
	return p.service.Insert(ctx, record{
		UID:                  uid,
		Username:             data.Username,
		Unixhash:             hash,
		FullName:             data.FullName,
		Email:                data.Email,
		Home:                 data.Home,
		Shell:                data.Shell,
		Locked:               data.Locked,
		PasswordDisabled:     data.PasswordDisabled,
		Groups:               data.Groups,
		SudoCommands:         data.SudoCommands,
		SudoCommandsNopasswd: data.SudoCommandsNopasswd,
	})
}

func (p *Plugin) DoUpdate(ctx context.Context, _ *dispatch.Call, old User, data userUpdate) error {
	if data.Username != nil && *data.Username != old.Username {
		if old.Builtin {
			return apierror.Validation("user_update.username", "Built-in users cannot be renamed")
		}
		taken, err := p.exists(ctx, "username", *data.Username, old.ID)
		if err != nil {
			return err
		}
		if taken {
			var errs apierror.ValidationErrors
			errs.Add("user_update.username", "A user with this username already exists", apierror.EEXIST)
			return errs
		}
	}
	row, err := core.Row(data)
	if err != nil {
		return err
	}
	delete(row, "password")
	if data.Password != nil {
		hash, err := auth.HashPassword(*data.Password, PasswordCost)
		if err != nil {
			return err
		}
		row["unixhash"] = hash
	}
	return p.service.Write(ctx, old.ID, row)
}

func (p *Plugin) DoDelete(ctx context.Context, _ *dispatch.Call, old User) error {
	if old.Builtin {
		return apierror.Call(apierror.EINVAL, "Built-in user %s cannot be deleted", old.Username)
	}
	return p.service.Remove(ctx, old.ID)
}

var _ core.CRUDHooks[User, userCreate, userUpdate] = (*Plugin)(nil)
