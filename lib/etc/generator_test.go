// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package etc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/testutil"
)

type fakeCaller struct {
	results map[string]any
	calls   []string
}

func (c *fakeCaller) CallInternal(_ context.Context, name string, args ...any) (any, error) {
	c.calls = append(c.calls, name)
	result, ok := c.results[name]
	if !ok {
		return nil, apierror.NoMethod(name)
	}
	return result, nil
}

func newGenerator(t *testing.T, caller Caller) (*Generator, string) {
	t.Helper()
	root := t.TempDir()
	generator := New(Config{
		Root:         root,
		DefaultOwner: Owner{UID: os.Getuid(), GID: os.Getgid()},
		Caller:       caller,
	})
	return generator, root
}

func mustRegister(t *testing.T, generator *Generator, group Group) {
	t.Helper()
	if err := generator.Register(group); err != nil {
		t.Fatalf("Register(%s): %v", group.Name, err)
	}
}

func generate(t *testing.T, generator *Generator, name string) []FileResult {
	t.Helper()
	results, err := generator.Generate(context.Background(), name, "")
	if err != nil {
		t.Fatalf("Generate(%s): %v", name, err)
	}
	return results
}

func TestGenerateWritesOnlyChanges(t *testing.T) {
	caller := &fakeCaller{results: map[string]any{"ssh.config": map[string]any{"port": 22}}}
	generator, root := newGenerator(t, caller)
	mustRegister(t, generator, Group{
		Name:    "ssh",
		Context: []ContextCall{{Method: "ssh.config"}},
		Entries: []Entry{{
			Path:     "ssh/sshd_config",
			Renderer: MustTemplate("sshd_config", "Port {{ index .Values \"ssh.config\" \"port\" }}\n"),
		}},
	})

	results := generate(t, generator, "ssh")
	path := filepath.Join(root, "ssh", "sshd_config")
	if len(results) != 1 {
		t.Fatalf("results = %+v, want one file", results)
	}
	if results[0].Path != path || results[0].Status != StatusChanged || !slices.Equal(results[0].Changes, []string{ChangeContents}) {
		t.Errorf("result = %+v", results[0])
	}
	if len(results[0].Checksum) != 64 {
		t.Errorf("checksum = %q, want 32-byte hex digest", results[0].Checksum)
	}
	if got := testutil.ReadFile(t, path); got != "Port 22\n" {
		t.Errorf("content = %q", got)
	}
	before, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if before.Mode().Perm() != DefaultMode {
		t.Errorf("mode = %v, want %v", before.Mode().Perm(), DefaultMode)
	}

	if results := generate(t, generator, "ssh"); len(results) != 0 {
		t.Errorf("second generation reported %+v, want nothing", results)
	}
	after, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if !os.SameFile(before, after) {
		t.Error("unchanged file was replaced")
	}

	caller.results["ssh.config"] = map[string]any{"port": 2222}
	results = generate(t, generator, "ssh")
	if len(results) != 1 || testutil.ReadFile(t, path) != "Port 2222\n" {
		t.Errorf("after config change: results %+v, content %q", results, testutil.ReadFile(t, path))
	}
	if len(caller.calls) != 3 {
		t.Errorf("context calls = %v, want one per generation", caller.calls)
	}
}

func TestModeIsRepaired(t *testing.T) {
	generator, root := newGenerator(t, nil)
	mustRegister(t, generator, Group{
		Name: "motd",
		Entries: []Entry{{
			Path:     "motd",
			Mode:     0o640,
			Renderer: MustTemplate("motd", "welcome\n"),
		}},
	})
	generate(t, generator, "motd")
	path := filepath.Join(root, "motd")
	if err := os.Chmod(path, 0o666); err != nil {
		t.Fatal(err)
	}

	results := generate(t, generator, "motd")
	if len(results) != 1 || !slices.Equal(results[0].Changes, []string{ChangePerms}) {
		t.Fatalf("results = %+v, want a PERMS repair", results)
	}
	if results[0].Checksum != "" {
		t.Errorf("metadata repair reported checksum %q", results[0].Checksum)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o640 {
		t.Errorf("mode = %v, want 0640", info.Mode().Perm())
	}
}

func TestFileShouldNotExist(t *testing.T) {
	enabled := true
	generator, root := newGenerator(t, nil)
	mustRegister(t, generator, Group{
		Name: "nut",
		Entries: []Entry{{
			Path: "avahi/services/nut.service",
			Renderer: RenderFunc(func(context.Context, *RenderContext) ([]byte, error) {
				if !enabled {
					return nil, ErrFileShouldNotExist
				}
				return []byte("<service/>\n"), nil
			}),
		}},
	})
	generate(t, generator, "nut")
	path := filepath.Join(root, "avahi", "services", "nut.service")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file not written: %v", err)
	}

	enabled = false
	results := generate(t, generator, "nut")
	if len(results) != 1 || results[0].Status != StatusRemoved {
		t.Fatalf("results = %+v, want REMOVED", results)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("file still exists: %v", err)
	}
	if results := generate(t, generator, "nut"); len(results) != 0 {
		t.Errorf("removing an absent file reported %+v", results)
	}
}

func TestTemplateAbsent(t *testing.T) {
	generator, root := newGenerator(t, nil)
	mustRegister(t, generator, Group{
		Name:    "exports",
		Entries: []Entry{{Path: "exports", Renderer: MustTemplate("exports", "{{ absent }}")}},
	})
	testutil.WriteFile(t, filepath.Join(root, "exports"), "stale\n", 0o644)
	results := generate(t, generator, "exports")
	if len(results) != 1 || results[0].Status != StatusRemoved {
		t.Fatalf("results = %+v, want REMOVED", results)
	}
}

func TestCheckpoints(t *testing.T) {
	generator, root := newGenerator(t, nil)
	mustRegister(t, generator, Group{
		Name: "system",
		Entries: []Entry{
			{Path: "hosts", Renderer: MustTemplate("hosts", "127.0.0.1 localhost\n")},
			{Path: "grub", Checkpoint: CheckpointPostInit, Renderer: MustTemplate("grub", "GRUB\n")},
			{Path: "libvirt", Checkpoint: CheckpointNone, Renderer: MustTemplate("libvirt", "virt\n")},
		},
	})

	results, err := generator.GenerateCheckpoint(context.Background(), CheckpointPostInit)
	if err != nil {
		t.Fatalf("GenerateCheckpoint: %v", err)
	}
	if len(results["system"]) != 1 || results["system"][0].Path != filepath.Join(root, "grub") {
		t.Fatalf("post_init results = %+v", results)
	}
	for _, name := range []string{"hosts", "libvirt"} {
		if _, err := os.Stat(filepath.Join(root, name)); !os.IsNotExist(err) {
			t.Errorf("%s rendered at post_init", name)
		}
	}

	generator.GenerateCheckpoint(context.Background(), CheckpointInitial)
	if _, err := os.Stat(filepath.Join(root, "libvirt")); !os.IsNotExist(err) {
		t.Error("CheckpointNone entry rendered by a checkpoint")
	}
	if results := generate(t, generator, "system"); len(results) != 1 || results[0].Path != filepath.Join(root, "libvirt") {
		t.Errorf("explicit generate = %+v, want only libvirt", results)
	}

	_, err = generator.GenerateCheckpoint(context.Background(), "reboot")
	var apiErr *apierror.Error
	if !errors.As(err, &apiErr) || apiErr.Errno != apierror.EINVAL {
		t.Errorf("unknown checkpoint error = %v, want EINVAL", err)
	}
}

func TestRenderFailureSkipsEntry(t *testing.T) {
	generator, root := newGenerator(t, nil)
	mustRegister(t, generator, Group{
		Name: "mixed",
		Entries: []Entry{
			{Path: "broken", Renderer: RenderFunc(func(context.Context, *RenderContext) ([]byte, error) {
				return nil, errors.New("renderer exploded")
			})},
			{Path: "fine", Renderer: MustTemplate("fine", "ok\n")},
		},
	})
	results := generate(t, generator, "mixed")
	if len(results) != 1 || results[0].Path != filepath.Join(root, "fine") {
		t.Errorf("results = %+v, want only the working entry", results)
	}
}

func TestJSONTemplate(t *testing.T) {
	renderer, err := JSONTemplate("daemon.json", `{
	// generated
	"hosts": [{{ range $i, $h := .Values.hosts }}"{{ $h }}",{{ end }}],
}`)
	if err != nil {
		t.Fatal(err)
	}
	content, err := renderer.Render(context.Background(), &RenderContext{Values: map[string]any{"hosts": []string{"a", "b"}}})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := "{\n    \"hosts\": [\n        \"a\",\n        \"b\"\n    ]\n}\n"
	if string(content) != want {
		t.Errorf("content = %q, want %q", content, want)
	}

	broken, _ := JSONTemplate("broken.json", `{"a": }`)
	if _, err := broken.Render(context.Background(), &RenderContext{}); err == nil {
		t.Error("invalid JSON output accepted")
	}
}

func TestRegisterRejectsInvalidGroups(t *testing.T) {
	generator, _ := newGenerator(t, nil)
	renderer := MustTemplate("x", "x")
	cases := map[string]Group{
		"absolute":   {Name: "a", Entries: []Entry{{Path: "/etc/passwd", Renderer: renderer}}},
		"escape":     {Name: "b", Entries: []Entry{{Path: "../passwd", Renderer: renderer}}},
		"renderer":   {Name: "c", Entries: []Entry{{Path: "c"}}},
		"checkpoint": {Name: "d", Entries: []Entry{{Path: "d", Renderer: renderer, Checkpoint: "never"}}},
		"unnamed":    {Entries: []Entry{{Path: "e", Renderer: renderer}}},
	}
	for name, group := range cases {
		if err := generator.Register(group); err == nil {
			t.Errorf("%s: Register succeeded", name)
		}
	}
	mustRegister(t, generator, Group{Name: "ok", Entries: []Entry{{Path: "ok", Renderer: renderer}}})
	if err := generator.Register(Group{Name: "ok"}); err == nil {
		t.Error("duplicate group accepted")
	}
}

func TestContextCallsRequireCaller(t *testing.T) {
	generator, _ := newGenerator(t, nil)
	mustRegister(t, generator, Group{
		Name:    "smb",
		Context: []ContextCall{{Method: "smb.config"}},
		Entries: []Entry{{Path: "smb.conf", Renderer: MustTemplate("smb", "")}},
	})
	if _, err := generator.Generate(context.Background(), "smb", ""); err == nil {
		t.Error("Generate without a caller succeeded")
	}
	if _, err := generator.Generate(context.Background(), "missing", ""); err == nil {
		t.Error("Generate of an unknown group succeeded")
	}
}
