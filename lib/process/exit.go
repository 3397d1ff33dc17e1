// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"os"

	"github.com/bureau-foundation/middlewared/lib/config"
)

// Exit codes of the middlewared binaries.
const (
	ExitOK = 0

	// ExitFailure is a runtime failure after startup.
	ExitFailure = 1

	// ExitUsage is a command-line error.
	ExitUsage = 2

	// ExitConfig is an invalid configuration file.
	ExitConfig = 64

	// ExitIO is a failure opening the database or a listener.
	ExitIO = 74
)

// UsageError marks a command-line error.
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string { return e.Err.Error() }
func (e *UsageError) Unwrap() error { return e.Err }

// Usage wraps a formatted message as a [UsageError].
func Usage(format string, args ...any) error {
	return &UsageError{Err: fmt.Errorf(format, args...)}
}

// IOError marks a failure to acquire a resource at startup.
type IOError struct {
	Err error
}

func (e *IOError) Error() string { return e.Err.Error() }
func (e *IOError) Unwrap() error { return e.Err }

// ExitCode maps an error returned by run() to the process exit code.
func ExitCode(err error) int {
	var usage *UsageError
	var io *IOError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &usage):
		return ExitUsage
	case errors.Is(err, config.ErrInvalid):
		return ExitConfig
	case errors.As(err, &io):
		return ExitIO
	}
	return ExitFailure
}

// Fatal writes "error: err" to stderr and exits with the code
// [ExitCode] selects. Use it in main() for errors from run(), where
// the structured logger may not be initialized.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(ExitCode(err))
}
