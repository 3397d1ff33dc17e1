// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package apikey manages API keys. The plaintext key is returned by
// api_key.create only; the datastore keeps its verifier, sealed.
package apikey

import (
	"context"
	"strconv"
	"strings"

	"github.com/bureau-foundation/middlewared/internal/core"
	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/auth"
	"github.com/bureau-foundation/middlewared/lib/dispatch"
	"github.com/bureau-foundation/middlewared/lib/filter"
)

// APIKey is a key as returned by api_key.query.
type APIKey struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Username  string `json:"username"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
	Revoked   bool   `json:"revoked"`
}

// Created is the result of api_key.create.
type Created struct {
	APIKey
	Key string `json:"key" secret:"true"`
}

type keyCreate struct {
	Name      string `json:"name" validate:"nonempty,max=200"`
	Username  string `json:"username" validate:"username"`
	ExpiresAt int64  `json:"expires_at" validate:"min=0"`
}

type keyUpdate struct {
	Name      *string `json:"name,omitempty" validate:"omitempty,nonempty,max=200"`
	ExpiresAt *int64  `json:"expires_at,omitempty" validate:"omitempty,min=0"`
}

type record struct {
	Name      string `json:"name"`
	Username  string `json:"username"`
	Key       string `json:"key"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// Plugin registers the api_key namespace.
type Plugin struct {
	// KeyIterations is the PBKDF2 work factor of new keys.
	KeyIterations int

	core    *core.Core
	service *core.CRUDService[APIKey, keyCreate, keyUpdate]
}

// New returns the api_key plugin.
func New() *Plugin { return &Plugin{KeyIterations: auth.DefaultKeyIterations} }

func (p *Plugin) Name() string { return "api_key" }

func (p *Plugin) Register(c *core.Core) error {
	p.core = c
	p.service = &core.CRUDService[APIKey, keyCreate, keyUpdate]{
		Namespace:  "api_key",
		Table:      core.APIKeysTable,
		RolePrefix: "API_KEY",
		Hooks:      p,
		SkipCreate: true,
		Extend: func(_ context.Context, key *APIKey) error {
			key.Revoked = key.ExpiresAt == auth.RevokedExpiry
			return nil
		},
	}
	if err := p.service.Register(c); err != nil {
		return err
	}
	if err := dispatch.Register(c.Dispatcher, dispatch.Method{
		Name:        "api_key.create",
		Description: "Create an API key. The key is shown once.",
		Roles:       []string{"API_KEY_WRITE"},
		ArgNames:    []string{"api_key_create"},
	}, p.create); err != nil {
		return err
	}
	return dispatch.Register(c.Dispatcher, dispatch.Method{
		Name:        "api_key.revoke",
		Description: "Revoke an API key",
		Roles:       []string{"API_KEY_WRITE"},
	}, p.revoke)
}

func (p *Plugin) create(ctx context.Context, call *dispatch.Call, args core.CreateArgs[keyCreate]) (Created, error) {
	key, id, err := p.insert(ctx, args.Data)
	if err != nil {
		return Created{}, err
	}
	entry, err := p.service.Get(ctx, id)
	if err != nil {
		return Created{}, err
	}
	return Created{APIKey: entry, Key: key}, nil
}

// generate returns a fresh secret and its stored verifier.
func (p *Plugin) generate() (string, string, error) {
	// The id prefix is added once the row exists.
	key, material, err := auth.GenerateAPIKey(1, p.KeyIterations)
	if err != nil {
		return "", "", err
	}
	_, secret, _ := strings.Cut(key, "-")
	return secret, material.String(), nil
}

func (p *Plugin) insert(ctx context.Context, data keyCreate) (string, int64, error) {
	owner, err := p.core.Store.Query(ctx, core.UsersTable, []any{[]any{"username", "=", data.Username}}, filter.Options{Prefix: core.UsersPrefix, Count: true})
	if err != nil {
		return "", 0, err
	}
	if count, _ := owner.(int); count == 0 {
		return "", 0, apierror.Validation("api_key_create.username", "User does not exist")
	}
	secret, verifier, err := p.generate()
	if err != nil {
		return "", 0, err
	}
	id, err := p.service.Insert(ctx, record{
		Name:      data.Name,
		Username:  data.Username,
		Key:       verifier,
		CreatedAt: p.core.Clock().Now().Unix(),
		ExpiresAt: data.ExpiresAt,
	})
	if err != nil {
		return "", 0, err
	}
	return strconv.FormatInt(id, 10) + "-" + secret, id, nil
}

func (p *Plugin) revoke(ctx context.Context, _ *dispatch.Call, args core.IDArgs) (bool, error) {
	if _, err := p.service.Get(ctx, args.ID); err != nil {
		return false, err
	}
	if err := p.service.Write(ctx, args.ID, map[string]any{"expires_at": auth.RevokedExpiry}); err != nil {
		return false, err
	}
	p.core.Logger("api_key").Info("API key revoked", "id", args.ID)
	return true, nil
}

func (p *Plugin) DoCreate(ctx context.Context, _ *dispatch.Call, data keyCreate) (int64, error) {
	_, id, err := p.insert(ctx, data)
	return id, err
}

// DoUpdate renames the key or changes its expiry.
func (p *Plugin) DoUpdate(ctx context.Context, _ *dispatch.Call, old APIKey, data keyUpdate) error {
	row := map[string]any{}
	if data.Name != nil {
		row["name"] = *data.Name
	}
	if data.ExpiresAt != nil {
		if old.Revoked {
			return apierror.Validation("api_key_update.expires_at", "Revoked keys cannot be reinstated")
		}
		row["expires_at"] = *data.ExpiresAt
	}
	return p.service.Write(ctx, old.ID, row)
}

func (p *Plugin) DoDelete(ctx context.Context, _ *dispatch.Call, old APIKey) error {
	return p.service.Remove(ctx, old.ID)
}

var _ core.CRUDHooks[APIKey, keyCreate, keyUpdate] = (*Plugin)(nil)
