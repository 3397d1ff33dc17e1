// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package configapi_test

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/bureau-foundation/middlewared/internal/core/coretest"
	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/jobs"
	"github.com/bureau-foundation/middlewared/plugins/configapi"
	"github.com/bureau-foundation/middlewared/plugins/coreapi"
)

// download starts config.save through core.download and returns the
// streamed bytes once the job has finished.
func download(t *testing.T, h *coretest.Harness, options map[string]any, filename string) []byte {
	t.Helper()
	result := h.MustCall(t, h.Root(t), "core.download", "config.save", []any{options}, filename)
	pair, ok := result.([]any)
	if !ok || len(pair) != 2 {
		t.Fatalf("core.download = %#v, want [id, url]", result)
	}
	id, err := pair[0].(json.Number).Int64()
	if err != nil {
		t.Fatal(err)
	}
	if url, _ := pair[1].(string); !strings.HasPrefix(url, "/_download/") {
		t.Errorf("url = %q", pair[1])
	}
	job, err := h.Core.Jobs.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(job.OutputReader())
	if err != nil {
		t.Fatalf("reading download: %v", err)
	}
	if _, err := h.Wait(t, id); err != nil {
		t.Fatalf("config.save: %v", err)
	}
	if state := job.State(); state != jobs.Success {
		t.Errorf("state = %s, want SUCCESS", state)
	}
	return data
}

func TestSaveStreamsDatabase(t *testing.T) {
	h := coretest.New(t, coreapi.New(), configapi.New())
	data := download(t, h, map[string]any{}, "freenas-v1.db")
	if !bytes.HasPrefix(data, []byte("SQLite format 3\x00")) {
		t.Fatalf("download is not a SQLite database: %q", data[:min(len(data), 16)])
	}
}

func TestSaveWithSecretSeed(t *testing.T) {
	h := coretest.New(t, coreapi.New(), configapi.New())
	data := download(t, h, map[string]any{"secretseed": true}, "config.tar")

	want, err := os.ReadFile(h.Config.Paths.PwencSecret)
	if err != nil {
		t.Fatal(err)
	}
	archive := tar.NewReader(bytes.NewReader(data))
	var names []string
	for {
		header, err := archive.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("reading archive: %v", err)
		}
		names = append(names, header.Name)
		content, err := io.ReadAll(archive)
		if err != nil {
			t.Fatal(err)
		}
		switch header.Name {
		case configapi.DatabaseMember:
			if !bytes.HasPrefix(content, []byte("SQLite format 3\x00")) {
				t.Errorf("%s is not a SQLite database", header.Name)
			}
		case configapi.SecretMember:
			if !bytes.Equal(content, want) {
				t.Errorf("%s differs from the secret on disk", header.Name)
			}
		}
	}
	if len(names) != 2 || names[0] != configapi.DatabaseMember || names[1] != configapi.SecretMember {
		t.Errorf("archive members = %v", names)
	}
}

func TestSaveRequiresRole(t *testing.T) {
	h := coretest.New(t, coreapi.New(), configapi.New())
	_, err := h.Call(t, h.Session(t, "READONLY_ADMIN"), "config.save", map[string]any{})
	coretest.RequireError(t, err, apierror.KindPermissionDenied, apierror.EACCES)
}
