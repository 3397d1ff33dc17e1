// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package privilege_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/bureau-foundation/middlewared/internal/core/coretest"
	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/auth"
	"github.com/bureau-foundation/middlewared/plugins/privilege"
)

func TestPrivilegeGrantsRolesToGroupMembers(t *testing.T) {
	h := coretest.New(t, privilege.New())
	admin := h.Session(t, auth.FullAdmin)
	h.AddUser(t, "auditor", "s3cret", 1500, 1000)

	_, err := h.Call(t, admin, "privilege.create", map[string]any{
		"name":         "Auditors",
		"local_groups": []int{1000},
		"roles":        []string{"NO_SUCH_ROLE"},
	})
	var validation apierror.ValidationErrors
	if !errors.As(err, &validation) || validation[0].Attribute != "privilege_create.roles.0" {
		t.Fatalf("unknown role err = %v", err)
	}

	h.MustCall(t, admin, "privilege.create", map[string]any{
		"name":         "Auditors",
		"local_groups": []int{1000},
		"roles":        []string{"ACCOUNT_READ"},
	})
	credential, err := h.Core.Authenticator.Password(t.Context(), "auditor", "s3cret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !slices.Equal(credential.Roles(), []string{"ACCOUNT_READ"}) {
		t.Errorf("roles = %v, want [ACCOUNT_READ]", credential.Roles())
	}
	if credential.FullAdmin() {
		t.Error("auditor is a full admin")
	}
}

func TestBuiltinPrivilegesAreProtected(t *testing.T) {
	h := coretest.New(t, privilege.New())
	admin := h.Session(t, auth.FullAdmin)

	_, err := h.Call(t, admin, "privilege.delete", 1)
	coretest.RequireError(t, err, apierror.KindCall, apierror.EINVAL)

	_, err = h.Call(t, admin, "privilege.update", 2, map[string]any{"name": "Renamed"})
	var validation apierror.ValidationErrors
	if !errors.As(err, &validation) || validation[0].Attribute != "privilege_update.name" {
		t.Fatalf("rename err = %v", err)
	}
}

func TestBecomeReadonly(t *testing.T) {
	h := coretest.New(t, privilege.New())
	session := h.Session(t, auth.FullAdmin)

	h.MustCall(t, session, "privilege.become_readonly")
	credential := session.Credential()
	if !credential.Readonly() || credential.FullAdmin() {
		t.Fatalf("credential readonly=%v full_admin=%v, want a read-only non-admin", credential.Readonly(), credential.FullAdmin())
	}
	if credential.Authorize(auth.VerbCall, "privilege.create") {
		t.Error("read-only credential may call privilege.create")
	}
	if !credential.Authorize(auth.VerbCall, "privilege.query") {
		t.Error("read-only credential may not call privilege.query")
	}

	_, err := h.Call(t, h.Session(t), "privilege.become_readonly")
	coretest.RequireError(t, err, apierror.KindNotAuthenticated, apierror.ENOTAUTHENTICATED)
}
