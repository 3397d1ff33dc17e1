// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coreapi_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"testing"

	"github.com/bureau-foundation/middlewared/internal/core/coretest"
	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/jobs"
	"github.com/bureau-foundation/middlewared/plugins/coreapi"
	"github.com/bureau-foundation/middlewared/plugins/pool"
	"github.com/bureau-foundation/middlewared/plugins/testapi"
)

func harness(t *testing.T) *coretest.Harness {
	t.Helper()
	return coretest.New(t, coreapi.New(), testapi.New())
}

func TestPing(t *testing.T) {
	h := harness(t)
	if result := h.MustCall(t, h.Session(t, "READONLY_ADMIN"), "core.ping"); result != "pong" {
		t.Errorf("core.ping = %v", result)
	}
	_, err := h.Call(t, h.Session(t), "core.ping")
	coretest.RequireError(t, err, apierror.KindNotAuthenticated, apierror.ENOTAUTHENTICATED)
}

func TestJobsAreVisibleToCallersOfTheirMethod(t *testing.T) {
	h := harness(t)
	root := h.Root(t)
	readonly := h.Session(t, "READONLY_ADMIN")
	id := h.MustCall(t, root, "test.echo_job", map[string]any{"value": "done"})
	if _, err := h.Wait(t, id); err != nil {
		t.Fatal(err)
	}

	if rows := coretest.Rows(t, h.MustCall(t, root, "core.get_jobs")); len(rows) != 1 {
		t.Errorf("root sees %d jobs, want 1", len(rows))
	}
	if rows := coretest.Rows(t, h.MustCall(t, readonly, "core.get_jobs")); len(rows) != 0 {
		t.Errorf("read-only admin sees %d jobs of a private method", len(rows))
	}

	_, err := h.Call(t, readonly, "core.job_wait", id)
	coretest.RequireError(t, err, apierror.KindInstanceNotFound, apierror.ENOENT)
	if result := h.MustCall(t, root, "core.job_wait", id); fmt.Sprint(result) != "done" {
		t.Errorf("core.job_wait = %v, want done", result)
	}
	_, err = h.Call(t, root, "core.job_wait", 999)
	coretest.RequireError(t, err, apierror.KindInstanceNotFound, apierror.ENOENT)
}

func TestJobAbort(t *testing.T) {
	h := harness(t)
	root := h.Root(t)
	id := h.MustCall(t, root, "test.echo_job", map[string]any{"delay": 60})
	h.MustCall(t, root, "core.job_abort", id)
	if _, err := h.Wait(t, id); err == nil {
		t.Fatal("aborted job succeeded")
	}
	job, err := h.Core.Jobs.Get(id.(int64))
	if err != nil {
		t.Fatal(err)
	}
	if state := job.State(); state != jobs.Aborted {
		t.Errorf("state = %s, want ABORTED", state)
	}
}

func TestUpdateConfig(t *testing.T) {
	h := harness(t)
	root := h.Root(t)
	updated := coretest.Object(t, h.MustCall(t, root, "core.update_config", map[string]any{"log_level": "DEBUG"}))
	if logging, _ := updated["logging"].(map[string]any); logging["level"] != "debug" {
		t.Errorf("logging after update = %v", updated["logging"])
	}

	_, err := h.Call(t, root, "core.update_config", map[string]any{"log_level": "loud"})
	var validation apierror.ValidationErrors
	if !errors.As(err, &validation) || len(validation) != 1 || validation[0].Attribute != "core_update_config.log_level" {
		t.Fatalf("err = %v, want a core_update_config.log_level validation error", err)
	}

	_, err = h.Call(t, h.Session(t, "READONLY_ADMIN"), "core.update_config", map[string]any{"log_level": "info"})
	coretest.RequireError(t, err, apierror.KindPermissionDenied, apierror.EACCES)
}

func methodNames(t *testing.T, result any) []string {
	t.Helper()
	var names []string
	for _, info := range coretest.Rows(t, result) {
		names = append(names, info["name"].(string))
	}
	return names
}

func TestGetMethodsHidesPrivateMethods(t *testing.T) {
	h := harness(t)
	readonly := methodNames(t, h.MustCall(t, h.Session(t, "READONLY_ADMIN"), "core.get_methods"))
	if !slices.Contains(readonly, "core.ping") || slices.Contains(readonly, "test.echo_job") {
		t.Errorf("read-only admin methods = %v", readonly)
	}
	if root := methodNames(t, h.MustCall(t, h.Root(t), "core.get_methods")); !slices.Contains(root, "test.echo_job") {
		t.Errorf("root methods = %v, want the private test.echo_job", root)
	}
}

func TestDownloadNeedsOutputMethod(t *testing.T) {
	h := harness(t)
	root := h.Root(t)
	_, err := h.Call(t, root, "core.download", "core.ping", []any{}, "ping.txt")
	coretest.RequireError(t, err, apierror.KindCall, apierror.EINVAL)
	_, err = h.Call(t, root, "core.download", "nothing.here", []any{}, "")
	coretest.RequireError(t, err, apierror.KindCall, apierror.ENOMETHOD)
}

type loggingScrubber struct{}

func (loggingScrubber) Scrub(_ context.Context, name string, logs io.Writer, _ func(float64)) error {
	_, err := io.WriteString(logs, "scrubbed "+name+"\n")
	return err
}

func TestJobDownloadLogs(t *testing.T) {
	scrub := pool.New()
	scrub.Scrubber = loggingScrubber{}
	h := coretest.New(t, coreapi.New(), testapi.New(), scrub)
	root := h.Root(t)

	id := h.MustCall(t, root, "pool.scrub", "tank")
	if _, err := h.Wait(t, id); err != nil {
		t.Fatal(err)
	}
	url, ok := h.MustCall(t, root, "core.job_download_logs", id).(string)
	if !ok {
		t.Fatalf("core.job_download_logs returned %T", url)
	}
	token, found := strings.CutPrefix(url, "/_download/")
	if !found {
		t.Fatalf("url = %q", url)
	}
	claims, err := h.Core.Authenticator.VerifyDownload(token)
	if err != nil {
		t.Fatalf("VerifyDownload: %v", err)
	}
	if claims.JobID != id.(int64) || !claims.Logs || claims.Filename != "pool.scrub.log" {
		t.Errorf("claims = %+v", claims)
	}

	// A job without logs, and a job the caller cannot see.
	echo := h.MustCall(t, root, "test.echo_job", map[string]any{"value": 1})
	if _, err := h.Wait(t, echo); err != nil {
		t.Fatal(err)
	}
	_, err = h.Call(t, root, "core.job_download_logs", echo)
	coretest.RequireError(t, err, apierror.KindInstanceNotFound, apierror.ENOENT)
	_, err = h.Call(t, h.Session(t, "READONLY_ADMIN"), "core.job_download_logs", id)
	coretest.RequireError(t, err, apierror.KindInstanceNotFound, apierror.ENOENT)
}

func TestConfigNeedsGeneralRead(t *testing.T) {
	h := harness(t)
	config := coretest.Object(t, h.MustCall(t, h.Session(t, "READONLY_ADMIN"), "core.config"))
	for _, section := range []string{"paths", "listen", "jobs", "events", "auth", "transport", "workers", "logging"} {
		if _, ok := config[section].(map[string]any); !ok {
			t.Errorf("core.config has no %s section: %v", section, config[section])
		}
	}
	_, err := h.Call(t, h.Session(t, "POOL_SCRUB_WRITE"), "core.config")
	coretest.RequireError(t, err, apierror.KindPermissionDenied, apierror.EACCES)
}
