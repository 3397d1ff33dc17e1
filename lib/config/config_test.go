// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/middlewared/lib/testutil"
)

func TestDefaultIsValidAfterExpansion(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil): %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Paths.JobLogs != "/var/db/system/jobs" {
		t.Errorf("job_logs = %q, want /var/db/system/jobs", cfg.Paths.JobLogs)
	}
	if cfg.Environment != Production {
		t.Errorf("environment = %s, want production", cfg.Environment)
	}
	if cfg.Transport.AnonymousFrameLimit != 64*1024 || cfg.Transport.AuthenticatedFrameLimit != 2*1024*1024 {
		t.Errorf("frame limits = %d/%d", cfg.Transport.AnonymousFrameLimit, cfg.Transport.AuthenticatedFrameLimit)
	}
}

func TestLoadRequiresVariable(t *testing.T) {
	t.Setenv(EnvironmentVariable, "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when MIDDLEWARED_CONFIG is unset")
	}
	if !strings.Contains(err.Error(), EnvironmentVariable) {
		t.Errorf("error %q does not name %s", err, EnvironmentVariable)
	}
}

func TestLoadFromVariable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "middlewared.yaml")
	testutil.WriteFile(t, path, `
environment: staging
paths:
  root: /srv/mw
  database: /srv/mw/config.db
jobs:
  max_retained: 50
  abort_grace: 5s
  ttl:
    pool.scrub.run: 2h
auth:
  token_ttl: 1m30s
`, 0o644)
	t.Setenv(EnvironmentVariable, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment != Staging {
		t.Errorf("environment = %s, want staging", cfg.Environment)
	}
	if cfg.Paths.Database != "/srv/mw/config.db" {
		t.Errorf("database = %q", cfg.Paths.Database)
	}
	if cfg.Paths.JobLogs != "/srv/mw/jobs" {
		t.Errorf("job_logs = %q, want root-relative default", cfg.Paths.JobLogs)
	}
	if cfg.Jobs.MaxRetained != 50 || cfg.Jobs.AbortGrace != 5*time.Second {
		t.Errorf("jobs = %+v", cfg.Jobs)
	}
	if cfg.Jobs.TTL["pool.scrub.run"] != 2*time.Hour {
		t.Errorf("ttl = %v", cfg.Jobs.TTL)
	}
	if cfg.Auth.TokenTTL != 90*time.Second {
		t.Errorf("token_ttl = %v", cfg.Auth.TokenTTL)
	}
	// Untouched sections keep their defaults.
	if cfg.Events.QueueSize != 256 {
		t.Errorf("events.queue_size = %d, want default 256", cfg.Events.QueueSize)
	}
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want ErrNotExist", err)
	}
}

func TestEnvironmentSection(t *testing.T) {
	data := []byte(`
environment: development
logging:
  level: info
  format: json
development:
  environment: production
  logging:
    level: debug
    format: text
  listen:
    http: 127.0.0.1:0
production:
  logging:
    level: error
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Environment != Development {
		t.Errorf("environment = %s; a section must not switch environments", cfg.Environment)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("logging = %+v, want development section applied", cfg.Logging)
	}
	if cfg.Listen.HTTP != "127.0.0.1:0" {
		t.Errorf("listen.http = %q", cfg.Listen.HTTP)
	}
	if cfg.Listen.UnixSocket != "/var/run/middleware/middlewared.sock" {
		t.Errorf("listen.unix_socket = %q, want default kept", cfg.Listen.UnixSocket)
	}
}

func TestVariableExpansion(t *testing.T) {
	t.Setenv("MW_TEST_RUN", "/tmp/mw-run")
	cfg, err := Parse([]byte(`
paths:
  root: /srv
  run: ${MW_TEST_RUN}
  etc: ${MW_TEST_UNSET:-/srv/etc}
  token_key: ${MIDDLEWARED_ROOT}/token.key
listen:
  unix_socket: ${MW_TEST_RUN}/middlewared.sock
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	tests := map[string][2]string{
		"run":         {cfg.Paths.Run, "/tmp/mw-run"},
		"etc":         {cfg.Paths.Etc, "/srv/etc"},
		"token_key":   {cfg.Paths.TokenKey, "/srv/token.key"},
		"unix_socket": {cfg.Listen.UnixSocket, "/tmp/mw-run/middlewared.sock"},
	}
	for name, pair := range tests {
		if pair[0] != pair[1] {
			t.Errorf("%s = %q, want %q", name, pair[0], pair[1])
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for name, data := range map[string]string{
		"syntax":   "paths: [",
		"duration": "jobs:\n  abort_grace: soon\n",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(data)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"environment", func(c *Config) { c.Environment = "qa" }, "environment"},
		{"relative path", func(c *Config) { c.Paths.Database = "config.db" }, "paths.database must be absolute"},
		{"missing path", func(c *Config) { c.Paths.TokenKey = "" }, "paths.token_key is required"},
		{"no listener", func(c *Config) { c.Listen = ListenConfig{} }, "listen.http"},
		{"retention", func(c *Config) { c.Jobs.MaxRetained = 0 }, "jobs.max_retained"},
		{"ttl", func(c *Config) { c.Jobs.TTL = map[string]time.Duration{"a.b": 0} }, "jobs.ttl.a.b"},
		{"overflow", func(c *Config) { c.Events.Overflow = "block" }, "events.overflow"},
		{"rate limit", func(c *Config) { c.Auth.RateLimitMaxCalls = 0 }, "rate limit"},
		{"frame limits", func(c *Config) { c.Transport.AuthenticatedFrameLimit = 1024 }, "frame limits"},
		{"workers", func(c *Config) { c.Workers.Size = -1 }, "workers.size"},
		{"level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg, err := Parse(nil)
			if err != nil {
				t.Fatal(err)
			}
			test.modify(cfg)
			err = cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("error %v does not wrap ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), test.want) {
				t.Errorf("error %q does not mention %q", err, test.want)
			}
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg, _ := Parse(nil)
	cfg.Jobs.MaxRetained = 0
	cfg.Logging.Format = "xml"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"jobs.max_retained", "logging.format"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestSlogLevel(t *testing.T) {
	level, err := LoggingConfig{Level: "warn"}.SlogLevel()
	if err != nil || level != slog.LevelWarn {
		t.Fatalf("SlogLevel(warn) = %v, %v", level, err)
	}
	if _, err := (LoggingConfig{Level: ""}).SlogLevel(); err == nil {
		t.Fatal("empty level accepted")
	}
}

func TestEnsurePaths(t *testing.T) {
	root := t.TempDir()
	cfg, err := Parse([]byte("paths:\n  root: " + root + "\n  database: " + root + "/data/config.db\n  run: " + root + "/run\n"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths: %v", err)
	}
	for _, dir := range []string{root + "/jobs", root + "/run", root + "/data"} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("%s not created: %v", dir, err)
		}
	}
}

func TestFind(t *testing.T) {
	t.Setenv(EnvironmentVariable, "")
	cfg, err := Find("")
	if err != nil {
		t.Fatalf("Find without a file: %v", err)
	}
	if cfg.Environment != Production {
		t.Errorf("environment = %s, want the production default", cfg.Environment)
	}

	path := filepath.Join(t.TempDir(), "middlewared.yaml")
	testutil.WriteFile(t, path, "logging:\n  level: loud\n", 0o644)
	t.Setenv(EnvironmentVariable, path)
	if _, err := Find(""); !errors.Is(err, ErrInvalid) {
		t.Errorf("Find with an invalid file = %v, want ErrInvalid", err)
	}
	if _, err := Find(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, ErrInvalid) {
		t.Errorf("Find with a missing file = %v, want ErrInvalid", err)
	}
}
