// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package etcapi_test

import (
	"testing"

	"github.com/bureau-foundation/middlewared/internal/core/coretest"
	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/testutil"
	"github.com/bureau-foundation/middlewared/plugins/etcapi"
	"github.com/bureau-foundation/middlewared/plugins/ssh"
)

func TestGenerateWritesOnlyWhenChanged(t *testing.T) {
	h := coretest.New(t, etcapi.New(), ssh.New())
	root := h.Root(t)

	first := coretest.Rows(t, h.MustCall(t, root, "etc.generate", "ssh"))
	if len(first) != 1 || first[0]["status"] != "CHANGED" {
		t.Fatalf("first generation = %v, want one CHANGED file", first)
	}
	if content := testutil.ReadFile(t, h.Core.Etc.Path(ssh.ConfigPath)); content == "" {
		t.Fatal("sshd_config is empty")
	}
	second := coretest.Rows(t, h.MustCall(t, root, "etc.generate", "ssh"))
	if len(second) != 0 {
		t.Errorf("second generation = %v, want no changes", second)
	}
}

func TestGenerateCheckpoint(t *testing.T) {
	h := coretest.New(t, etcapi.New(), ssh.New())
	root := h.Root(t)

	result := coretest.Object(t, h.MustCall(t, root, "etc.generate_checkpoint", "initial"))
	if _, ok := result["ssh"]; !ok {
		t.Errorf("initial checkpoint = %v, want the ssh group", result)
	}
	if post := coretest.Object(t, h.MustCall(t, root, "etc.generate_checkpoint", "post_init")); len(post) != 0 {
		t.Errorf("post_init checkpoint = %v, want nothing", post)
	}

	_, err := h.Call(t, root, "etc.generate_checkpoint", "reboot")
	coretest.RequireError(t, err, apierror.KindCall, apierror.EINVAL)
	_, err = h.Call(t, root, "etc.generate", "missing")
	coretest.RequireError(t, err, apierror.KindInstanceNotFound, apierror.ENOENT)
}

func TestGenerateIsPrivate(t *testing.T) {
	h := coretest.New(t, etcapi.New(), ssh.New())
	_, err := h.Call(t, h.Session(t, "SSH_WRITE"), "etc.generate", "ssh")
	coretest.RequireError(t, err, apierror.KindPermissionDenied, apierror.EACCES)
}
