// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package subprocess runs child processes under a mandatory timeout.
//
// Every child runs in its own process group. When the timeout expires
// the whole group receives SIGTERM, then SIGKILL once the grace period
// has passed, and Run returns an [apierror.KindTimeout] error with
// errno ETIMEDOUT. Cancellation of the caller's context (a job abort)
// terminates the group the same way but returns the context error.
package subprocess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/middlewared/lib/apierror"
)

// DefaultGrace is the delay between SIGTERM and SIGKILL.
const DefaultGrace = 5 * time.Second

// DefaultOutputLimit bounds captured stdout and stderr, each.
const DefaultOutputLimit = 4 << 20

// ErrNoTimeout is returned when a Command does not declare a timeout.
var ErrNoTimeout = errors.New("subprocess: a timeout is required")

// Command describes one child process.
type Command struct {
	// Path is the executable, resolved through PATH when it has no
	// slash.
	Path string
	Args []string

	// Env entries are appended to the daemon's environment.
	Env []string
	Dir string

	Stdin io.Reader

	// Stdout, when set, receives the child's standard output instead
	// of Result.Stdout. Used to stream into job logs.
	Stdout io.Writer

	// Stderr, when set, receives standard error instead of
	// Result.Stderr.
	Stderr io.Writer

	// Timeout is required.
	Timeout time.Duration

	// Grace defaults to DefaultGrace.
	Grace time.Duration

	// OutputLimit defaults to DefaultOutputLimit. Output past the
	// limit is discarded and Result.Truncated is set.
	OutputLimit int
}

// Result is the outcome of a child that ran to exit.
type Result struct {
	ExitCode  int
	Stdout    []byte
	Stderr    []byte
	Truncated bool
	Duration  time.Duration
}

// ExitError reports a non-zero exit status.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	message := fmt.Sprintf("%s exited with status %d", e.Command, e.ExitCode)
	if e.Stderr != "" {
		message += ": " + e.Stderr
	}
	return message
}

// Run starts the command and waits for it. A non-zero exit returns
// both the Result and an *ExitError.
func Run(ctx context.Context, command Command) (*Result, error) {
	if command.Timeout <= 0 {
		return nil, ErrNoTimeout
	}
	grace := command.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	limit := command.OutputLimit
	if limit <= 0 {
		limit = DefaultOutputLimit
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, command.Timeout)
	defer cancel()

	cmd := exec.CommandContext(timeoutCtx, command.Path, command.Args...)
	cmd.Dir = command.Dir
	cmd.Stdin = command.Stdin
	if len(command.Env) > 0 {
		cmd.Env = append(os.Environ(), command.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout := &limitedBuffer{limit: limit}
	stderr := &limitedBuffer{limit: limit}
	cmd.Stdout = stdout
	if command.Stdout != nil {
		cmd.Stdout = command.Stdout
	}
	cmd.Stderr = stderr
	if command.Stderr != nil {
		cmd.Stderr = command.Stderr
	}

	var escalation *time.Timer
	cmd.Cancel = func() error {
		group := -cmd.Process.Pid
		if err := unix.Kill(group, unix.SIGTERM); err != nil {
			return unix.Kill(group, unix.SIGKILL)
		}
		escalation = time.AfterFunc(grace, func() {
			unix.Kill(group, unix.SIGKILL)
		})
		return nil
	}
	// Descendants holding the output pipes must not outlive the
	// escalation by much.
	cmd.WaitDelay = grace + time.Second

	started := time.Now()
	err := cmd.Run()
	if escalation != nil {
		escalation.Stop()
	}
	result := &Result{
		ExitCode:  -1,
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Truncated: stdout.truncated || stderr.truncated,
		Duration:  time.Since(started),
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case ctx.Err() != nil:
		return result, fmt.Errorf("subprocess: %s: %w", command.Path, ctx.Err())
	case errors.Is(timeoutCtx.Err(), context.DeadlineExceeded):
		return result, apierror.Timeout("%s timed out after %s", command.Path, command.Timeout)
	case err == nil:
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return result, &ExitError{
			Command:  command.Path,
			ExitCode: result.ExitCode,
			Stderr:   strings.TrimSpace(string(result.Stderr)),
		}
	}
	return result, fmt.Errorf("subprocess: running %s: %w", command.Path, err)
}

// limitedBuffer keeps the first limit bytes written to it.
type limitedBuffer struct {
	buffer    bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(data []byte) (int, error) {
	room := b.limit - b.buffer.Len()
	if room < len(data) {
		b.truncated = true
		if room > 0 {
			b.buffer.Write(data[:room])
		}
		return len(data), nil
	}
	return b.buffer.Write(data)
}

func (b *limitedBuffer) Bytes() []byte { return b.buffer.Bytes() }
