// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"slices"
	"testing"
)

func testRoleManager(t *testing.T) *RoleManager {
	t.Helper()
	manager := NewRoleManager(DefaultRoles())
	for method, roles := range map[string][]string{
		"user.query":      {"ACCOUNT_READ"},
		"user.create":     {"ACCOUNT_WRITE"},
		"user.update":     {"ACCOUNT_WRITE"},
		"service.restart": {"SERVICE_WRITE"},
		"pool.scrub":      {"POOL_SCRUB_WRITE"},
		"alert.list":      {"ALERT_LIST_READ"},
	} {
		if err := manager.RegisterMethod(method, roles); err != nil {
			t.Fatalf("RegisterMethod(%s): %v", method, err)
		}
	}
	if err := manager.RegisterEvent("alert.list", []string{"ALERT_LIST_READ"}); err != nil {
		t.Fatal(err)
	}
	return manager
}

func TestRegisterRejections(t *testing.T) {
	manager := testRoleManager(t)
	if err := manager.RegisterMethod("user.query", []string{"ACCOUNT_READ"}); err == nil {
		t.Error("duplicate registration accepted")
	}
	if err := manager.RegisterMethod("disk.query", []string{"NO_SUCH_ROLE"}); err == nil {
		t.Error("unknown role accepted")
	}
	if err := manager.RegisterMethod("cronjob.delete", []string{"SYSTEM_CRON_READ"}); err == nil {
		t.Error("write method granted to a _READ role")
	}
}

func TestExpand(t *testing.T) {
	manager := testRoleManager(t)
	got := manager.Expand([]string{"ALERT_WRITE"})
	want := []string{"ALERT_LIST_READ", "ALERT_LIST_WRITE", "ALERT_READ", "ALERT_WRITE"}
	if !slices.Equal(got, want) {
		t.Fatalf("Expand(ALERT_WRITE) = %v, want %v", got, want)
	}
	if all := manager.Expand([]string{FullAdmin}); len(all) != len(DefaultRoles()) {
		t.Fatalf("FULL_ADMIN expanded to %d roles, want %d", len(all), len(DefaultRoles()))
	}
	if got := manager.Expand([]string{"BOGUS"}); len(got) != 0 {
		t.Fatalf("unknown role expanded to %v", got)
	}
}

func TestAllowlistFromRoles(t *testing.T) {
	manager := testRoleManager(t)

	writer := manager.Allowlist([]string{"ACCOUNT_WRITE"})
	for _, method := range []string{"user.query", "user.create", "user.update"} {
		if !writer.Authorize(VerbCall, method) {
			t.Errorf("ACCOUNT_WRITE denied %s", method)
		}
	}
	if writer.Authorize(VerbCall, "service.restart") {
		t.Error("ACCOUNT_WRITE granted service.restart")
	}
	if writer.Authorize(VerbSubscribe, "user.query") {
		t.Error("CALL grant leaked into SUBSCRIBE")
	}

	reader := manager.Allowlist([]string{"ALERT_LIST_READ"})
	if !reader.Authorize(VerbSubscribe, "alert.list") || !reader.Authorize(VerbCall, "alert.list") {
		t.Error("ALERT_LIST_READ denied alert.list")
	}

	admin := manager.Allowlist([]string{FullAdmin})
	if !admin.FullAdmin() || !admin.Authorize(VerbCall, "anything.at_all") {
		t.Error("FULL_ADMIN is not the wildcard allowlist")
	}
}

func TestAllowlistPatterns(t *testing.T) {
	allowlist := NewAllowlist([]Entry{
		{Method: VerbCall, Resource: "pool.*"},
		{Method: VerbAny, Resource: "core.ping"},
		{Method: VerbSubscribe, Resource: "[bad"},
	})
	tests := []struct {
		verb, resource string
		want           bool
	}{
		{VerbCall, "pool.scrub", true},
		{VerbCall, "pool.dataset.query", true},
		{VerbSubscribe, "pool.scrub", false},
		{VerbCall, "core.ping", true},
		{VerbSubscribe, "core.ping", true},
		{VerbCall, "poolx", false},
		{VerbSubscribe, "[bad", false},
	}
	for _, test := range tests {
		if got := allowlist.Authorize(test.verb, test.resource); got != test.want {
			t.Errorf("Authorize(%s, %s) = %v, want %v", test.verb, test.resource, got, test.want)
		}
	}
	var empty *Allowlist
	if empty.Authorize(VerbCall, "core.ping") {
		t.Error("nil allowlist granted access")
	}
}

func TestRolesForMethod(t *testing.T) {
	manager := testRoleManager(t)
	got := manager.RolesForMethod("user.query")
	want := []string{"ACCOUNT_READ", "ACCOUNT_WRITE", ReadonlyAdmin}
	if !slices.Equal(got, want) {
		t.Fatalf("RolesForMethod(user.query) = %v, want %v", got, want)
	}
}

func TestReadonlyCredential(t *testing.T) {
	manager := testRoleManager(t)
	admin := NewCredential(manager, KindPassword, "root", 0, []string{FullAdmin})
	readonly := admin.WithReadonly(manager)

	if admin.Readonly() || !readonly.Readonly() {
		t.Fatal("WithReadonly modified the original or did not mark the copy")
	}
	if !admin.Authorize(VerbCall, "user.update") {
		t.Fatal("original credential lost write access")
	}
	if readonly.Authorize(VerbCall, "user.update") {
		t.Error("readonly credential may call user.update")
	}
	if !readonly.Authorize(VerbCall, "user.query") {
		t.Error("readonly credential may not call user.query")
	}
	if readonly.WithReadonly(manager) != readonly {
		t.Error("WithReadonly on a readonly credential made another copy")
	}

	methodRoles := manager.RolesForMethod("user.query")
	if !admin.ExposeSecrets(methodRoles) {
		t.Error("full admin does not see secrets")
	}
	if readonly.ExposeSecrets(methodRoles) {
		t.Error("readonly credential sees secrets")
	}
	reader := NewCredential(manager, KindPassword, "auditor", 1001, []string{"ACCOUNT_READ"})
	if reader.ExposeSecrets(methodRoles) {
		t.Error("ACCOUNT_READ sees secrets")
	}
	writer := NewCredential(manager, KindPassword, "helpdesk", 1002, []string{"ACCOUNT_WRITE"})
	if !writer.ExposeSecrets(methodRoles) {
		t.Error("ACCOUNT_WRITE does not see secrets")
	}
}

func TestUserSession(t *testing.T) {
	manager := testRoleManager(t)
	password := NewCredential(manager, KindPassword, "alice", 1000, []string{"ACCOUNT_READ"})
	token := NewCredential(manager, KindToken, "alice", 1000, []string{"ACCOUNT_READ"})
	key := NewCredential(manager, KindAPIKey, "alice", 1000, []string{FullAdmin})
	scoped := token.withScope([]Entry{{Method: VerbCall, Resource: "core.ping"}})

	for _, test := range []struct {
		name       string
		credential *Credential
		want       bool
	}{
		{"password", password, true},
		{"token", token, true},
		{"readonly", password.WithReadonly(manager), true},
		{"api key", key, false},
		{"scoped token", scoped, false},
		{"none", nil, false},
	} {
		if got := test.credential.UserSession(); got != test.want {
			t.Errorf("%s: UserSession = %v, want %v", test.name, got, test.want)
		}
	}
}
