// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/bureau-foundation/middlewared/lib/auth"
	"github.com/bureau-foundation/middlewared/lib/datastore"
	"github.com/bureau-foundation/middlewared/lib/filter"
)

// Datastore tables read by the authenticator.
const (
	UsersTable      = "account.bsdusers"
	UsersPrefix     = "bsdusr_"
	PrivilegesTable = "account.privilege"
	APIKeysTable    = "api_key"
)

// storeAccounts resolves accounts from the local user and privilege
// tables. An account's roles are the roles of every privilege whose
// local groups intersect the account's groups.
type storeAccounts struct {
	store *datastore.Store
}

type userRecord struct {
	UID              int64   `json:"uid"`
	Username         string  `json:"username"`
	Unixhash         string  `json:"unixhash"`
	Locked           bool    `json:"locked"`
	PasswordDisabled bool    `json:"password_disabled"`
	Groups           []int64 `json:"groups"`
}

type privilegeRecord struct {
	LocalGroups []int64  `json:"local_groups"`
	Roles       []string `json:"roles"`
}

type apiKeyRecord struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Key       string `json:"key"`
	ExpiresAt int64  `json:"expires_at"`
}

func (a *storeAccounts) LookupUser(ctx context.Context, username string) (*auth.Account, error) {
	user, err := queryOne[userRecord](ctx, a.store, UsersTable, UsersPrefix, []any{[]any{"username", "=", username}})
	if err != nil || user == nil {
		return nil, err
	}
	roles, err := RolesForGroups(ctx, a.store, user.Groups)
	if err != nil {
		return nil, err
	}
	return &auth.Account{
		Username:         user.Username,
		UID:              int(user.UID),
		PasswordHash:     user.Unixhash,
		Locked:           user.Locked,
		PasswordDisabled: user.PasswordDisabled,
		Roles:            roles,
	}, nil
}

func (a *storeAccounts) LookupAPIKey(ctx context.Context, id int64) (*auth.APIKey, error) {
	key, err := queryOne[apiKeyRecord](ctx, a.store, APIKeysTable, "", []any{[]any{"id", "=", id}})
	if err != nil || key == nil {
		return nil, err
	}
	return &auth.APIKey{ID: key.ID, Username: key.Username, KeyHash: key.Key, ExpiresAt: key.ExpiresAt}, nil
}

// RolesForGroups returns the sorted roles granted to members of gids.
func RolesForGroups(ctx context.Context, store *datastore.Store, gids []int64) ([]string, error) {
	result, err := store.Query(ctx, PrivilegesTable, nil, filter.Options{})
	if err != nil {
		return nil, err
	}
	var roles []string
	for _, row := range result.([]map[string]any) {
		privilege, err := Decode[privilegeRecord](row)
		if err != nil {
			return nil, err
		}
		if !slices.ContainsFunc(privilege.LocalGroups, func(gid int64) bool { return slices.Contains(gids, gid) }) {
			continue
		}
		for _, role := range privilege.Roles {
			if !slices.Contains(roles, role) {
				roles = append(roles, role)
			}
		}
	}
	slices.Sort(roles)
	return roles, nil
}

// queryOne returns the single row matching filters, or nil.
func queryOne[E any](ctx context.Context, store *datastore.Store, table, prefix string, filters []any) (*E, error) {
	result, err := store.Query(ctx, table, filters, filter.Options{Prefix: prefix})
	if err != nil {
		return nil, err
	}
	rows := result.([]map[string]any)
	if len(rows) == 0 {
		return nil, nil
	}
	entry, err := Decode[E](rows[0])
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Decode converts a generic row into E through its JSON form.
func Decode[E any](row any) (E, error) {
	var entry E
	encoded, err := json.Marshal(row)
	if err != nil {
		return entry, fmt.Errorf("core: encoding row: %w", err)
	}
	if err := json.Unmarshal(encoded, &entry); err != nil {
		return entry, fmt.Errorf("core: decoding %T: %w", entry, err)
	}
	return entry, nil
}
