// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testapi_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/bureau-foundation/middlewared/internal/core/coretest"
	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/events"
	"github.com/bureau-foundation/middlewared/lib/jobs"
	"github.com/bureau-foundation/middlewared/lib/testutil"
	"github.com/bureau-foundation/middlewared/plugins/testapi"
)

type jobEvent struct {
	kind    string
	state   any
	percent any
	result  any
}

func TestEchoJobLifecycle(t *testing.T) {
	h := coretest.New(t, testapi.New())
	received := make(chan jobEvent, 32)
	subscription, err := h.Core.Bus.Subscribe(events.SubscribeRequest{
		Pattern: jobs.Topic,
		Deliver: func(event events.Event) {
			fields := event.Fields.(map[string]any)
			progress := fields["progress"].(map[string]any)
			received <- jobEvent{kind: event.Kind, state: fields["state"], percent: progress["percent"], result: fields["result"]}
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer subscription.Close()

	id := h.MustCall(t, h.Root(t), "test.echo_job", map[string]any{"delay": 0.2, "value": 42})
	result, err := h.Wait(t, id)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if fmt.Sprint(result) != "42" {
		t.Fatalf("result = %v, want 42", result)
	}

	first := testutil.RequireReceive(t, received, 5*time.Second, "added event")
	if first.kind != events.Added || first.state != "WAITING" {
		t.Fatalf("first event = %+v, want ADDED WAITING", first)
	}
	second := testutil.RequireReceive(t, received, 5*time.Second, "running event")
	if second.kind != events.Changed || second.state != "RUNNING" {
		t.Fatalf("second event = %+v, want CHANGED RUNNING", second)
	}
	var sawComplete bool
	for {
		event := testutil.RequireReceive(t, received, 5*time.Second, "progress or final event")
		if event.kind != events.Changed {
			t.Fatalf("event = %+v, want CHANGED", event)
		}
		if event.state == "SUCCESS" {
			if !sawComplete {
				t.Error("SUCCESS arrived before progress reached 100")
			}
			if fmt.Sprint(event.result) != "42" {
				t.Errorf("final result = %v, want 42", event.result)
			}
			break
		}
		if event.state != "RUNNING" {
			t.Fatalf("event = %+v, want RUNNING progress", event)
		}
		sawComplete = sawComplete || event.percent == float64(100)
	}
}

func TestEchoJobIsPrivate(t *testing.T) {
	h := coretest.New(t, testapi.New())
	_, err := h.Call(t, h.Session(t, "READONLY_ADMIN"), "test.echo_job", map[string]any{"value": 1})
	coretest.RequireError(t, err, apierror.KindPermissionDenied, apierror.EACCES)
}

func TestEchoJobAbort(t *testing.T) {
	h := coretest.New(t, testapi.New())
	id := h.MustCall(t, h.Root(t), "test.echo_job", map[string]any{"delay": 60, "value": "never"})
	job, err := h.Core.Jobs.Get(id.(int64))
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for job.State() != jobs.Running {
		if time.Now().After(deadline) {
			t.Fatalf("job state = %s, want RUNNING", job.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := h.Core.Jobs.Abort(job.ID()); err != nil {
		t.Fatal(err)
	}
	testutil.RequireClosed(t, job.Done(), 5*time.Second, "aborted job")
	if job.State() != jobs.Aborted {
		t.Errorf("state = %s, want ABORTED", job.State())
	}
}
