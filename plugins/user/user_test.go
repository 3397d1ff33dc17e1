// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package user_test

import (
	"encoding/json"
	"errors"
	"strconv"
	"testing"

	"github.com/bureau-foundation/middlewared/internal/core/coretest"
	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/auth"
	"github.com/bureau-foundation/middlewared/lib/model"
	"github.com/bureau-foundation/middlewared/plugins/privilege"
	"github.com/bureau-foundation/middlewared/plugins/user"
)

func init() {
	user.PasswordCost = 4
}

func TestCreateValidation(t *testing.T) {
	h := coretest.New(t, user.New())
	admin := h.Session(t, auth.FullAdmin)

	_, err := h.Call(t, admin, "user.create", map[string]any{"username": "a b", "password": ""})
	var validation apierror.ValidationErrors
	if !errors.As(err, &validation) {
		t.Fatalf("err = %v, want validation errors", err)
	}
	got := map[string]string{}
	for _, item := range validation {
		got[item.Attribute] = item.Message
	}
	want := map[string]string{
		"user_create.username": "invalid character",
		"user_create.password": "empty",
	}
	if len(got) != len(want) || got["user_create.username"] != want["user_create.username"] || got["user_create.password"] != want["user_create.password"] {
		t.Fatalf("validation errors = %v, want %v", got, want)
	}

	rows := coretest.Rows(t, h.MustCall(t, admin, "user.query", []any{[]any{"username", "=", "a b"}}))
	if len(rows) != 0 {
		t.Fatalf("rejected user was stored: %v", rows)
	}
}

func TestCreateAndUpdate(t *testing.T) {
	h := coretest.New(t, user.New())
	admin := h.Session(t, auth.FullAdmin)

	created := coretest.Object(t, h.MustCall(t, admin, "user.create", map[string]any{
		"username": "alice",
		"password": "correct horse",
		"groups":   []int{544},
	}))
	if created["username"] != "alice" || created["home"] != "/var/empty" {
		t.Fatalf("created = %v", created)
	}
	if uid, _ := created["uid"].(json.Number); uid.String() != strconv.Itoa(user.FirstUID) {
		t.Errorf("uid = %v, want %d", created["uid"], user.FirstUID)
	}
	roles, _ := created["roles"].([]any)
	if len(roles) != 1 || roles[0] != auth.FullAdmin {
		t.Errorf("roles = %v, want [%s]", created["roles"], auth.FullAdmin)
	}

	credential, err := h.Core.Authenticator.Password(t.Context(), "alice", "correct horse")
	if err != nil || !credential.FullAdmin() {
		t.Fatalf("password login after create: %v", err)
	}

	_, err = h.Call(t, admin, "user.create", map[string]any{"username": "alice", "password": "x"})
	var validation apierror.ValidationErrors
	if !errors.As(err, &validation) || validation[0].Attribute != "user_create.username" || validation[0].Errno != apierror.EEXIST {
		t.Fatalf("duplicate create err = %v", err)
	}

	id := created["id"]
	updated := coretest.Object(t, h.MustCall(t, admin, "user.update", id, map[string]any{"full_name": "Alice", "password": "battery staple"}))
	if updated["full_name"] != "Alice" || updated["username"] != "alice" {
		t.Fatalf("updated = %v", updated)
	}
	if _, err := h.Core.Authenticator.Password(t.Context(), "alice", "correct horse"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Errorf("old password still accepted: %v", err)
	}
	if _, err := h.Core.Authenticator.Password(t.Context(), "alice", "battery staple"); err != nil {
		t.Errorf("new password rejected: %v", err)
	}

	if result := h.MustCall(t, admin, "user.delete", id); result != true {
		t.Fatalf("delete = %v", result)
	}
	_, err = h.Call(t, admin, "user.get_instance", id)
	coretest.RequireError(t, err, apierror.KindInstanceNotFound, apierror.ENOENT)
}

func TestBuiltinUsersCannotBeDeleted(t *testing.T) {
	h := coretest.New(t, user.New())
	_, err := h.Call(t, h.Session(t, auth.FullAdmin), "user.delete", 1)
	coretest.RequireError(t, err, apierror.KindCall, apierror.EINVAL)
}

func TestReadonlySessionSeesRedactedHashes(t *testing.T) {
	h := coretest.New(t, user.New(), privilege.New())
	admin := h.Session(t, auth.FullAdmin)

	root := coretest.Object(t, h.MustCall(t, admin, "user.query", []any{[]any{"username", "=", "root"}}, map[string]any{"get": true}))
	if root["unixhash"] != "*" {
		t.Fatalf("full admin unixhash = %v, want the stored value", root["unixhash"])
	}

	h.MustCall(t, admin, "privilege.become_readonly")
	root = coretest.Object(t, h.MustCall(t, admin, "user.query", []any{[]any{"username", "=", "root"}}, map[string]any{"get": true}))
	if root["unixhash"] != model.Redacted {
		t.Fatalf("readonly unixhash = %v, want %q", root["unixhash"], model.Redacted)
	}

	_, err := h.Call(t, admin, "user.update", 1, map[string]any{"full_name": "changed"})
	coretest.RequireError(t, err, apierror.KindPermissionDenied, apierror.EACCES)
}

func TestLegacySudoFields(t *testing.T) {
	h := coretest.New(t, user.New())
	admin := h.Session(t, auth.FullAdmin)
	admin.SetVersion("v25.04.2")

	created := coretest.Object(t, h.MustCall(t, admin, "user.create", map[string]any{
		"username":      "operator",
		"password":      "secret",
		"sudo":          true,
		"sudo_nopasswd": true,
	}))
	if created["sudo"] != true || created["sudo_nopasswd"] != true {
		t.Fatalf("legacy result = %v", created)
	}
	if _, ok := created["sudo_commands_nopasswd"]; ok {
		t.Errorf("legacy result carries sudo_commands_nopasswd: %v", created)
	}

	current := h.Session(t, auth.FullAdmin)
	stored := coretest.Object(t, h.MustCall(t, current, "user.get_instance", created["id"]))
	nopasswd, _ := stored["sudo_commands_nopasswd"].([]any)
	if len(nopasswd) != 1 || nopasswd[0] != "ALL" {
		t.Fatalf("sudo_commands_nopasswd = %v, want [ALL]", stored["sudo_commands_nopasswd"])
	}
}
