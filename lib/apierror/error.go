// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package apierror

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
)

// Kind is an error category. The string value is the wire "type".
type Kind string

const (
	KindValidation              Kind = "VALIDATION"
	KindPermissionDenied        Kind = "PERMISSION_DENIED"
	KindNotAuthenticated        Kind = "NOT_AUTHENTICATED"
	KindInstanceNotFound        Kind = "INSTANCE_NOT_FOUND"
	KindCall                    Kind = "CALL"
	KindTimeout                 Kind = "TIMEOUT"
	KindInternal                Kind = "INTERNAL"
	KindAlertCheckerUnavailable Kind = "ALERT_CHECKER_UNAVAILABLE"
)

// Error is a categorized error as seen by API clients.
type Error struct {
	Kind   Kind
	Errno  int
	Reason string

	// Extra is structured detail. For validation errors it holds the
	// per-attribute entries.
	Extra any

	// Stack is set on Internal errors recovered from handlers.
	Stack string

	// Cause is the wrapped error, if any. Never sent to clients.
	Cause error
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("[%s] %s", ErrnoName(e.Errno), e.Kind)
	}
	if name := ErrnoName(e.Errno); name != "" {
		return fmt.Sprintf("[%s] %s", name, e.Reason)
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error with the same Kind and Errno, so that
// sentinel-style comparisons work with errors.Is.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind && other.Errno == e.Errno
}

// Call returns a domain error with its own errno.
func Call(errno int, format string, args ...any) *Error {
	return &Error{Kind: KindCall, Errno: errno, Reason: fmt.Sprintf(format, args...)}
}

// CallExtra returns a domain error carrying structured extra detail.
func CallExtra(errno int, extra any, format string, args ...any) *Error {
	err := Call(errno, format, args...)
	err.Extra = extra
	return err
}

func PermissionDenied(errno int, reason string) *Error {
	return &Error{Kind: KindPermissionDenied, Errno: errno, Reason: reason}
}

func NotAuthenticated() *Error {
	return &Error{Kind: KindNotAuthenticated, Errno: ENOTAUTHENTICATED, Reason: "Not authenticated"}
}

func NotAuthorized() *Error {
	return PermissionDenied(EACCES, "Not authorized")
}

func RateLimited() *Error {
	return PermissionDenied(EAGAIN, "Rate Limit Exceeded")
}

func NoMethod(name string) *Error {
	return &Error{Kind: KindCall, Errno: ENOMETHOD, Reason: fmt.Sprintf("Method %q not found", name)}
}

// NotFound reports a missing row or entity.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindInstanceNotFound, Errno: ENOENT, Reason: fmt.Sprintf(format, args...)}
}

func Timeout(format string, args ...any) *Error {
	return &Error{Kind: KindTimeout, Errno: ETIMEDOUT, Reason: fmt.Sprintf(format, args...)}
}

// CheckerUnavailable is returned by alert sources that cannot decide
// right now. The alert runtime keeps the previous state.
func CheckerUnavailable(reason string) *Error {
	return &Error{Kind: KindAlertCheckerUnavailable, Errno: EALERTCHECKERUNAVAILABLE, Reason: reason}
}

// Internal wraps an unexpected error with the current goroutine's
// stack.
func Internal(cause error) *Error {
	return &Error{
		Kind:   KindInternal,
		Errno:  EFAULT,
		Reason: cause.Error(),
		Stack:  string(debug.Stack()),
		Cause:  cause,
	}
}

// FromPanic converts a recovered panic value into an Internal error.
func FromPanic(recovered any, stack []byte) *Error {
	cause, ok := recovered.(error)
	if !ok {
		cause = fmt.Errorf("panic: %v", recovered)
	}
	return &Error{
		Kind:   KindInternal,
		Errno:  EFAULT,
		Reason: cause.Error(),
		Stack:  string(stack),
		Cause:  cause,
	}
}

// From classifies err. Nil stays nil.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	var validation ValidationErrors
	if errors.As(err, &validation) {
		return validation.AsError()
	}
	return Internal(err)
}

// Wire is the JSON form of an error in a result message.
type Wire struct {
	Errno  int    `json:"errno"`
	Type   Kind   `json:"type"`
	Reason string `json:"reason"`
	Extra  any    `json:"extra"`
	Trace  *Trace `json:"trace,omitempty"`
}

// Trace is attached to Internal errors for sessions that may see
// private detail.
type Trace struct {
	Class     string `json:"class"`
	Formatted string `json:"formatted"`
}

// ToWire renders e for a client. Internal errors are opaque unless
// private is true, and then carry the cause's message without an errno
// prefix.
func (e *Error) ToWire(private bool) Wire {
	wire := Wire{Errno: e.Errno, Type: e.Kind, Reason: e.Error(), Extra: e.Extra}
	if wire.Extra == nil {
		wire.Extra = []any{}
	}
	if e.Kind == KindInternal {
		if !private {
			wire.Reason = "Internal error"
			return wire
		}
		wire.Reason = e.Reason
		wire.Trace = &Trace{Class: fmt.Sprintf("%T", e.Cause), Formatted: e.Stack}
	}
	return wire
}

// Short returns a one-line reason suitable for public job records.
func (e *Error) Short() string {
	line, _, _ := strings.Cut(e.Error(), "\n")
	return line
}
