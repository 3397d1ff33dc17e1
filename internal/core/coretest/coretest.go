// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package coretest builds a complete core in a temporary directory for
// plugin tests. The database is bootstrapped from the embedded schema
// and services run against an in-memory supervisor.
package coretest

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/middlewared/internal/core"
	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/auth"
	"github.com/bureau-foundation/middlewared/lib/config"
	"github.com/bureau-foundation/middlewared/lib/model"
	"github.com/bureau-foundation/middlewared/lib/testutil"
)

// Harness is a running core with its plugins registered.
type Harness struct {
	Core       *core.Core
	Config     *config.Config
	Supervisor *Supervisor
}

// New builds a core under t.TempDir, registers plugins and closes the
// core when the test ends. Start is not called.
func New(t *testing.T, plugins ...core.Plugin) *Harness {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Environment = config.Development
	cfg.Paths = config.PathsConfig{
		Root:        root,
		Database:    filepath.Join(root, "middlewared.db"),
		JobLogs:     filepath.Join(root, "jobs"),
		Etc:         filepath.Join(root, "etc"),
		Run:         filepath.Join(root, "run"),
		PwencSecret: filepath.Join(root, "pwenc_secret"),
		TokenKey:    filepath.Join(root, "token.key"),
	}
	cfg.Listen = config.ListenConfig{UnixSocket: filepath.Join(testutil.SocketDir(t), "middlewared.sock")}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test configuration: %v", err)
	}

	supervisor := NewSupervisor()
	c, err := core.New(core.Config{Daemon: cfg, Bootstrap: true, Supervisor: supervisor})
	if err != nil {
		t.Fatalf("core.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.Close(ctx); err != nil {
			t.Errorf("closing core: %v", err)
		}
	})
	if err := c.Register(plugins...); err != nil {
		t.Fatalf("registering plugins: %v", err)
	}
	return &Harness{Core: c, Config: cfg, Supervisor: supervisor}
}

// Session opens a WebSocket session. With roles it is logged in as
// "tester" holding them; without it is anonymous.
func (h *Harness) Session(t *testing.T, roles ...string) *auth.Session {
	t.Helper()
	session := h.Core.Sessions.Open(auth.Origin{Transport: "websocket", RemoteAddr: "192.0.2.10:40000", PeerUID: -1}, nil)
	t.Cleanup(func() { h.Core.Sessions.Close(session) })
	if len(roles) > 0 {
		session.SetCredential(auth.NewCredential(h.Core.Roles, auth.KindPassword, "tester", 1000, roles))
	}
	return session
}

// Root opens a session authenticated as a local root peer.
func (h *Harness) Root(t *testing.T) *auth.Session {
	t.Helper()
	session := h.Core.Sessions.Open(auth.Origin{Transport: "unix", PeerUID: 0}, nil)
	t.Cleanup(func() { h.Core.Sessions.Close(session) })
	session.SetCredential(h.Core.Authenticator.UnixSocket(0))
	return session
}

// Call runs method for session with positional args.
func (h *Harness) Call(t *testing.T, session *auth.Session, method string, args ...any) (any, error) {
	t.Helper()
	return h.Core.Dispatcher.Call(context.Background(), session, method, Params(t, args...))
}

// MustCall is Call for calls expected to succeed.
func (h *Harness) MustCall(t *testing.T, session *auth.Session, method string, args ...any) any {
	t.Helper()
	result, err := h.Call(t, session, method, args...)
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	return result
}

// Wait waits for the job whose id a job method returned and returns
// its raw result.
func (h *Harness) Wait(t *testing.T, id any) (any, error) {
	t.Helper()
	jobID, ok := id.(int64)
	if !ok {
		t.Fatalf("job id = %v (%T), want int64", id, id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.Core.Jobs.Wait(ctx, jobID)
}

// AddUser inserts a local account with password in groups and returns
// its id.
func (h *Harness) AddUser(t *testing.T, username, password string, uid int64, groups ...int64) int64 {
	t.Helper()
	hash, err := auth.HashPassword(password, 4)
	if err != nil {
		t.Fatal(err)
	}
	if groups == nil {
		groups = []int64{}
	}
	id, err := h.Core.Store.Insert(context.Background(), core.UsersTable, map[string]any{
		"uid":      uid,
		"username": username,
		"unixhash": hash,
		"home":     "/var/empty",
		"shell":    "/usr/sbin/nologin",
		"groups":   groups,
	}, core.UsersPrefix)
	if err != nil {
		t.Fatalf("inserting user %s: %v", username, err)
	}
	return id
}

// Params encodes values as positional parameters.
func Params(t *testing.T, values ...any) model.Params {
	t.Helper()
	positional := make([]json.RawMessage, len(values))
	for i, value := range values {
		encoded, err := json.Marshal(value)
		if err != nil {
			t.Fatalf("encoding argument %d: %v", i, err)
		}
		positional[i] = encoded
	}
	return model.Params{Positional: positional}
}

// RequireError fails the test unless err is an *apierror.Error of
// kind and errno.
func RequireError(t *testing.T, err error, kind apierror.Kind, errno int) *apierror.Error {
	t.Helper()
	var apiErr *apierror.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v (%T), want *apierror.Error", err, err)
	}
	if apiErr.Kind != kind || apiErr.Errno != errno {
		t.Fatalf("err = %s/%s (%v), want %s/%s", apiErr.Kind, apierror.ErrnoName(apiErr.Errno), apiErr, kind, apierror.ErrnoName(errno))
	}
	return apiErr
}

// Rows converts a query result to its generic rows.
func Rows(t *testing.T, result any) []map[string]any {
	t.Helper()
	switch rows := result.(type) {
	case []map[string]any:
		return rows
	case []any:
		converted := make([]map[string]any, len(rows))
		for i, row := range rows {
			object, ok := row.(map[string]any)
			if !ok {
				t.Fatalf("row %d = %T, want object", i, row)
			}
			converted[i] = object
		}
		return converted
	}
	t.Fatalf("result = %T, want rows", result)
	return nil
}

// Object converts a single-entry result to its generic form.
func Object(t *testing.T, result any) map[string]any {
	t.Helper()
	object, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("result = %T, want object", result)
	}
	return object
}

// Supervisor keeps unit state in memory and records every action.
type Supervisor struct {
	mu        sync.Mutex
	actions   []string
	active    map[string]bool
	failStart map[string]bool
	journal   string
}

// NewSupervisor returns a Supervisor with every unit stopped.
func NewSupervisor() *Supervisor {
	return &Supervisor{active: make(map[string]bool), failStart: make(map[string]bool)}
}

// FailStart makes unit exit immediately after start, leaving journal
// as its log.
func (s *Supervisor) FailStart(unit, journal string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStart[unit] = true
	s.journal = journal
}

// SetActive forces the running state of unit.
func (s *Supervisor) SetActive(unit string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[unit] = active
}

// Actions returns the recorded "<verb> <unit>" actions.
func (s *Supervisor) Actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.actions)
}

func (s *Supervisor) record(verb, unit string, active bool, set bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, verb+" "+unit)
	if set {
		s.active[unit] = active && !s.failStart[unit]
	}
}

func (s *Supervisor) Start(_ context.Context, unit string) error {
	s.record("start", unit, true, true)
	return nil
}

func (s *Supervisor) Stop(_ context.Context, unit string) error {
	s.record("stop", unit, false, true)
	return nil
}

func (s *Supervisor) Restart(_ context.Context, unit string) error {
	s.record("restart", unit, true, true)
	return nil
}

func (s *Supervisor) Reload(_ context.Context, unit string) error {
	s.record("reload", unit, false, false)
	return nil
}

func (s *Supervisor) CanReload(context.Context, string) (bool, error) { return true, nil }

func (s *Supervisor) Active(_ context.Context, unit string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[unit], nil
}

func (s *Supervisor) Enable(_ context.Context, unit string) error {
	s.record("enable", unit, false, false)
	return nil
}

func (s *Supervisor) Disable(_ context.Context, unit string) error {
	s.record("disable", unit, false, false)
	return nil
}

func (s *Supervisor) Journal(context.Context, string, time.Time, int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.journal, nil
}
