// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package apierror

import (
	"fmt"
	"strings"
)

// ValidationItem is one failed attribute.
type ValidationItem struct {
	Attribute string `json:"attribute"`
	Message   string `json:"message"`
	Errno     int    `json:"errno"`
}

// ValidationErrors aggregates failed attributes. The zero value is
// empty and usable; handlers add business-rule failures and return
// the value from Err.
type ValidationErrors []ValidationItem

// Add records a failure. Errno defaults to EINVAL.
func (v *ValidationErrors) Add(attribute, message string, errno ...int) {
	code := EINVAL
	if len(errno) > 0 {
		code = errno[0]
	}
	*v = append(*v, ValidationItem{Attribute: attribute, Message: message, Errno: code})
}

// Extend appends other's items with attributes prefixed by schema.
func (v *ValidationErrors) Extend(schema string, other ValidationErrors) {
	for _, item := range other {
		if schema != "" {
			item.Attribute = schema + "." + item.Attribute
		}
		*v = append(*v, item)
	}
}

// Err returns v as an error, or nil when empty.
func (v ValidationErrors) Err() error {
	if len(v) == 0 {
		return nil
	}
	return v
}

func (v ValidationErrors) Error() string {
	lines := make([]string, 0, len(v))
	for _, item := range v {
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", ErrnoName(item.Errno), item.Attribute, item.Message))
	}
	return strings.Join(lines, "\n")
}

// AsError wraps v in a Validation *Error with the items as extra.
func (v ValidationErrors) AsError() *Error {
	extra := make([][]any, 0, len(v))
	for _, item := range v {
		extra = append(extra, []any{item.Attribute, item.Message, item.Errno})
	}
	errno := EINVAL
	if len(v) > 0 {
		errno = v[0].Errno
	}
	return &Error{Kind: KindValidation, Errno: errno, Reason: v.Error(), Extra: extra, Cause: v}
}

// Validation is shorthand for a single-item validation error.
func Validation(attribute, message string) error {
	var errs ValidationErrors
	errs.Add(attribute, message)
	return errs
}
