// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"testing"

	"github.com/bureau-foundation/middlewared/internal/core/coretest"
	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/process"
	"github.com/bureau-foundation/middlewared/plugins/coreapi"
	"github.com/bureau-foundation/middlewared/plugins/testapi"
)

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{
		`{"name": "tank", /* pool */ "force": true,}`,
		"42",
		"tank",
		`["a", "b",]`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(params.Positional) != 4 {
		t.Fatalf("positional = %d, want 4", len(params.Positional))
	}
	var object map[string]any
	if err := json.Unmarshal(params.Positional[0], &object); err != nil || object["name"] != "tank" || object["force"] != true {
		t.Errorf("object argument = %s (%v)", params.Positional[0], err)
	}
	if string(params.Positional[1]) != "42" {
		t.Errorf("number argument = %s", params.Positional[1])
	}
	if string(params.Positional[2]) != `"tank"` {
		t.Errorf("bare word argument = %s, want a JSON string", params.Positional[2])
	}
	var list []string
	if err := json.Unmarshal(params.Positional[3], &list); err != nil || len(list) != 2 {
		t.Errorf("list argument = %s (%v)", params.Positional[3], err)
	}
}

func TestWriteResult(t *testing.T) {
	var buffer bytes.Buffer
	if err := writeResult(&buffer, "pong", "json", false); err != nil || buffer.String() != "pong\n" {
		t.Errorf("string result = %q (%v)", buffer.String(), err)
	}
	buffer.Reset()
	if err := writeResult(&buffer, map[string]any{"name": "tank"}, "yaml", false); err != nil || buffer.String() != "name: tank\n" {
		t.Errorf("yaml result = %q (%v)", buffer.String(), err)
	}
	buffer.Reset()
	if err := writeResult(&buffer, map[string]any{"name": "tank"}, "json", true); err != nil || buffer.String() != "{\n  \"name\": \"tank\"\n}\n" {
		t.Errorf("pretty result = %q (%v)", buffer.String(), err)
	}
	if code := process.ExitCode(writeResult(&buffer, 1, "xml", false)); code != process.ExitUsage {
		t.Errorf("unknown format exit code = %d", code)
	}
}

func TestCall(t *testing.T) {
	h := coretest.New(t, coreapi.New(), testapi.New())
	ctx := context.Background()
	root := h.Root(t)

	var out, progress bytes.Buffer
	if err := call(ctx, h.Core, root, "core.ping", nil, options{format: "json"}, &out, &progress, false); err != nil {
		t.Fatal(err)
	}
	if out.String() != "pong\n" {
		t.Errorf("core.ping printed %q", out.String())
	}

	out.Reset()
	if err := call(ctx, h.Core, root, "test.echo_job", []string{`{"value": "hello"}`}, options{format: "json", waitJob: true}, &out, &progress, false); err != nil {
		t.Fatal(err)
	}
	if out.String() != "hello\n" {
		t.Errorf("waited job printed %q, want its result", out.String())
	}

	out.Reset()
	if err := call(ctx, h.Core, root, "test.echo_job", []string{`{"value": 1}`}, options{format: "json"}, &out, &progress, false); err != nil {
		t.Fatal(err)
	}
	id, err := strconv.ParseInt(strings.TrimSpace(out.String()), 10, 64)
	if err != nil {
		t.Fatalf("job call printed %q, want the job id", out.String())
	}
	if _, err := h.Wait(t, id); err != nil {
		t.Fatal(err)
	}

	err = call(ctx, h.Core, root, "nothing.here", nil, options{format: "json"}, &out, &progress, false)
	coretest.RequireError(t, err, apierror.KindCall, apierror.ENOMETHOD)
	if code := process.ExitCode(err); code != process.ExitFailure {
		t.Errorf("failed call exit code = %d, want %d", code, process.ExitFailure)
	}
}

func TestRunUsageErrors(t *testing.T) {
	for _, args := range [][]string{
		{},
		{"frobnicate"},
		{"call"},
		{"methods", "extra"},
		{"--no-such-flag", "methods"},
	} {
		if code := process.ExitCode(run(args)); code != process.ExitUsage {
			t.Errorf("run(%q) exit code = %d, want %d", args, code, process.ExitUsage)
		}
	}
}
