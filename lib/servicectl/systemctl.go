// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package servicectl

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bureau-foundation/middlewared/lib/subprocess"
)

// Supervisor controls units of the init system.
type Supervisor interface {
	Start(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
	Restart(ctx context.Context, unit string) error
	Reload(ctx context.Context, unit string) error
	CanReload(ctx context.Context, unit string) (bool, error)
	Active(ctx context.Context, unit string) (bool, error)
	Enable(ctx context.Context, unit string) error
	Disable(ctx context.Context, unit string) error

	// Journal returns up to lines of log output of unit written at or
	// after since.
	Journal(ctx context.Context, unit string, since time.Time, lines int) (string, error)
}

// DefaultUnitTimeout bounds one systemctl invocation.
const DefaultUnitTimeout = 120 * time.Second

// Systemctl drives systemd through systemctl and journalctl.
type Systemctl struct {
	// SystemctlPath defaults to "systemctl".
	SystemctlPath string

	// JournalctlPath defaults to "journalctl".
	JournalctlPath string

	// Timeout defaults to DefaultUnitTimeout.
	Timeout time.Duration
}

func (s *Systemctl) run(ctx context.Context, args ...string) (*subprocess.Result, error) {
	path := s.SystemctlPath
	if path == "" {
		path = "systemctl"
	}
	return s.exec(ctx, path, args)
}

func (s *Systemctl) exec(ctx context.Context, path string, args []string) (*subprocess.Result, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultUnitTimeout
	}
	return subprocess.Run(ctx, subprocess.Command{Path: path, Args: args, Timeout: timeout})
}

func (s *Systemctl) verb(ctx context.Context, verb, unit string) error {
	if _, err := s.run(ctx, verb, unit); err != nil {
		return fmt.Errorf("servicectl: %s %s: %w", verb, unit, err)
	}
	return nil
}

func (s *Systemctl) Start(ctx context.Context, unit string) error {
	return s.verb(ctx, "start", unit)
}

func (s *Systemctl) Stop(ctx context.Context, unit string) error {
	return s.verb(ctx, "stop", unit)
}

func (s *Systemctl) Restart(ctx context.Context, unit string) error {
	return s.verb(ctx, "restart", unit)
}

func (s *Systemctl) Reload(ctx context.Context, unit string) error {
	return s.verb(ctx, "reload", unit)
}

func (s *Systemctl) Enable(ctx context.Context, unit string) error {
	return s.verb(ctx, "enable", unit)
}

func (s *Systemctl) Disable(ctx context.Context, unit string) error {
	return s.verb(ctx, "disable", unit)
}

func (s *Systemctl) CanReload(ctx context.Context, unit string) (bool, error) {
	result, err := s.run(ctx, "show", "--property=CanReload", "--value", unit)
	if err != nil {
		return false, fmt.Errorf("servicectl: show %s: %w", unit, err)
	}
	return strings.TrimSpace(string(result.Stdout)) == "yes", nil
}

// Active runs "systemctl is-active", which exits non-zero for any
// state other than active.
func (s *Systemctl) Active(ctx context.Context, unit string) (bool, error) {
	_, err := s.run(ctx, "is-active", "--quiet", unit)
	var exitErr *subprocess.ExitError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &exitErr):
		return false, nil
	default:
		return false, fmt.Errorf("servicectl: is-active %s: %w", unit, err)
	}
}

func (s *Systemctl) Journal(ctx context.Context, unit string, since time.Time, lines int) (string, error) {
	path := s.JournalctlPath
	if path == "" {
		path = "journalctl"
	}
	args := []string{
		"--unit", unit,
		"--since", "@" + strconv.FormatInt(since.Unix(), 10),
		"--lines", strconv.Itoa(lines),
		"--output", "cat",
		"--no-pager",
	}
	result, err := s.exec(ctx, path, args)
	if err != nil {
		return "", fmt.Errorf("servicectl: journal of %s: %w", unit, err)
	}
	return strings.TrimRight(string(result.Stdout), "\n"), nil
}
