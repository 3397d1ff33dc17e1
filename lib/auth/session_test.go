// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"testing"
	"time"

	"github.com/bureau-foundation/middlewared/lib/clock"
)

func TestRegistryLifecycle(t *testing.T) {
	registry := NewRegistry(clock.Fake(epoch), 0)
	terminated := 0
	session := registry.Open(Origin{Transport: "websocket", RemoteAddr: "192.0.2.7:51234"}, func() { terminated++ })
	if session.Origin().IP() != "192.0.2.7" {
		t.Fatalf("IP = %q", session.Origin().IP())
	}

	var order []string
	session.OnClose(func() { order = append(order, "first") })
	session.OnClose(func() { order = append(order, "second") })

	if err := registry.Terminate(session.ID()); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if terminated != 1 || session.Authenticated() {
		t.Fatalf("terminated=%d authenticated=%v", terminated, session.Authenticated())
	}
	if len(order) != 2 || order[0] != "second" || order[1] != "first" {
		t.Fatalf("close hooks ran as %v, want reverse registration order", order)
	}
	if _, ok := registry.Get(session.ID()); ok {
		t.Fatal("terminated session still registered")
	}
	if err := registry.Terminate(session.ID()); err == nil {
		t.Fatal("second Terminate succeeded")
	}

	late := false
	session.OnClose(func() { late = true })
	if !late {
		t.Fatal("hook registered after close did not run")
	}
}

func TestRegistryIdleExpiry(t *testing.T) {
	fake := clock.Fake(epoch)
	registry := NewRegistry(fake, 10*time.Minute)
	manager := testRoleManager(t)

	idle := registry.Open(Origin{Transport: "websocket"}, nil)
	idle.SetCredential(NewCredential(manager, KindPassword, "root", 0, []string{FullAdmin}))
	active := registry.Open(Origin{Transport: "websocket"}, nil)
	active.SetCredential(NewCredential(manager, KindPassword, "root", 0, []string{FullAdmin}))
	local := registry.Open(Origin{Transport: "unix"}, nil)
	local.SetCredential(NewCredential(manager, KindUnixSocket, "root", 0, []string{FullAdmin}))

	fake.Advance(9 * time.Minute)
	active.Touch()
	fake.Advance(time.Minute)

	if expired := registry.ExpireIdle(); expired != 1 {
		t.Fatalf("ExpireIdle = %d, want 1", expired)
	}
	if _, ok := registry.Get(idle.ID()); ok {
		t.Error("idle password session survived")
	}
	if _, ok := registry.Get(active.ID()); !ok {
		t.Error("active session expired")
	}
	if _, ok := registry.Get(local.ID()); !ok {
		t.Error("unix socket session expired")
	}
	if sessions := registry.List(); len(sessions) != 2 {
		t.Fatalf("List returned %d sessions, want 2", len(sessions))
	}
}
