// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service_test

import (
	"slices"
	"testing"

	"github.com/bureau-foundation/middlewared/internal/core/coretest"
	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/servicectl"
	"github.com/bureau-foundation/middlewared/plugins/service"
)

func TestStartAndQuery(t *testing.T) {
	h := coretest.New(t, service.New())
	admin := h.Session(t, "SERVICE_WRITE")

	if result := h.MustCall(t, admin, "service.start", "cron"); result != true {
		t.Fatalf("start = %v, want true", result)
	}
	cron := coretest.Object(t, h.MustCall(t, admin, "service.query", []any{[]any{"service", "=", "cron"}}, map[string]any{"get": true}))
	if cron["state"] != servicectl.StateRunning || cron["enable"] != true {
		t.Fatalf("cron = %v", cron)
	}
	if result := h.MustCall(t, admin, "service.started", "cron"); result != true {
		t.Errorf("started = %v", result)
	}

	// ssh has a row but no plugin driving it.
	ssh := coretest.Object(t, h.MustCall(t, admin, "service.query", []any{[]any{"service", "=", "ssh"}}, map[string]any{"get": true}))
	if ssh["state"] != servicectl.StateUnknown {
		t.Errorf("ssh state = %v, want %s", ssh["state"], servicectl.StateUnknown)
	}
}

func TestFailedStart(t *testing.T) {
	h := coretest.New(t, service.New())
	admin := h.Session(t, "SERVICE_WRITE")
	h.Supervisor.FailStart("cron", "cron: bad crontab")

	if result := h.MustCall(t, admin, "service.start", "cron"); result != false {
		t.Fatalf("silent start = %v, want false", result)
	}
	_, err := h.Call(t, admin, "service.start", "cron", map[string]any{"silent": false})
	failure := coretest.RequireError(t, err, apierror.KindCall, apierror.ESERVICESTARTFAILURE)
	extra, _ := failure.Extra.(map[string]any)
	if extra["journal"] != "cron: bad crontab" {
		t.Errorf("extra = %v, want the journal", failure.Extra)
	}
}

func TestUpdateEnable(t *testing.T) {
	h := coretest.New(t, service.New())
	admin := h.Session(t, "SERVICE_WRITE")

	updated := coretest.Object(t, h.MustCall(t, admin, "service.update", "cron", map[string]any{"enable": false}))
	if updated["enable"] != false {
		t.Fatalf("updated = %v", updated)
	}
	if !slices.Contains(h.Supervisor.Actions(), "disable cron") {
		t.Errorf("actions = %v, want disable cron", h.Supervisor.Actions())
	}
	if result := h.MustCall(t, admin, "service.started_or_enabled", "cron"); result != false {
		t.Errorf("started_or_enabled = %v, want false", result)
	}

	_, err := h.Call(t, admin, "service.update", "nfs", map[string]any{"enable": true})
	coretest.RequireError(t, err, apierror.KindInstanceNotFound, apierror.ENOENT)
}

func TestReadRoleCannotAct(t *testing.T) {
	h := coretest.New(t, service.New())
	_, err := h.Call(t, h.Session(t, "SERVICE_READ"), "service.restart", "cron")
	coretest.RequireError(t, err, apierror.KindPermissionDenied, apierror.EACCES)
	if actions := h.Supervisor.Actions(); len(actions) != 0 {
		t.Errorf("actions = %v, want none", actions)
	}
}

func TestReloadAndStop(t *testing.T) {
	h := coretest.New(t, service.New())
	admin := h.Session(t, "SERVICE_WRITE")

	h.MustCall(t, admin, "service.start", "cron")
	if result := h.MustCall(t, admin, "service.reload", "cron"); result != true {
		t.Fatalf("reload = %v, want true", result)
	}
	if result := h.MustCall(t, admin, "service.stop", "cron"); result != true {
		t.Fatalf("stop = %v, want true", result)
	}
	if result := h.MustCall(t, admin, "service.started", "cron"); result != false {
		t.Errorf("started after stop = %v", result)
	}

	actions := h.Supervisor.Actions()
	reload, stop := slices.Index(actions, "reload cron"), slices.Index(actions, "stop cron")
	if reload < 0 || stop < reload {
		t.Errorf("supervisor actions = %v, want reload before stop", actions)
	}
}
