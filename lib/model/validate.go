// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/bureau-foundation/middlewared/lib/apierror"
)

var (
	validate *validator.Validate

	messagesMu sync.RWMutex
	messages   = map[string]string{
		"required": "Field required",
		"nonempty": "empty",
		"username": "invalid character",
		"email":    "Not a valid E-Mail address",
		"hostname": "Invalid hostname",
		"ip":       "Not a valid IP address",
		"uuid":     "Not a valid UUID",
	}
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9_.-]*\$?$`)

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		switch name {
		case "-":
			return ""
		case "":
			return field.Name
		}
		return name
	})
	mustRegister("nonempty", func(level validator.FieldLevel) bool {
		field := level.Field()
		switch field.Kind() {
		case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
			return field.Len() > 0
		}
		return true
	})
	mustRegister("username", func(level validator.FieldLevel) bool {
		return usernamePattern.MatchString(level.Field().String())
	})
}

func mustRegister(tag string, check validator.Func) {
	if err := validate.RegisterValidation(tag, check); err != nil {
		panic("model: registering validation " + tag + ": " + err.Error())
	}
}

// RegisterValidation adds a custom rule and the message reported when
// it fails. Call during startup, before any Bind.
func RegisterValidation(tag, message string, check func(value reflect.Value) bool) error {
	if err := validate.RegisterValidation(tag, func(level validator.FieldLevel) bool {
		return check(level.Field())
	}); err != nil {
		return fmt.Errorf("model: registering validation %q: %w", tag, err)
	}
	messagesMu.Lock()
	messages[tag] = message
	messagesMu.Unlock()
	return nil
}

// Validate runs struct rules on v (a struct or pointer to struct) and
// returns apierror.ValidationErrors for every failed field.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("model: validating %T: %w", v, err)
	}
	root := reflect.Indirect(reflect.ValueOf(v)).Type().Name()
	var errs apierror.ValidationErrors
	for _, fieldErr := range fieldErrs {
		errs.Add(attributePath(root, fieldErr.Namespace()), message(fieldErr))
	}
	return errs
}

// attributePath strips the root struct type from a validator
// namespace. The type name of a generic instantiation carries its
// type arguments' import paths, dots included.
func attributePath(root, namespace string) string {
	if rest, found := strings.CutPrefix(namespace, root+"."); found {
		return rest
	}
	if i := strings.LastIndex(namespace, "]."); i >= 0 {
		return namespace[i+2:]
	}
	_, rest, found := strings.Cut(namespace, ".")
	if !found {
		return namespace
	}
	return rest
}

func message(fieldErr validator.FieldError) string {
	messagesMu.RLock()
	fixed, ok := messages[fieldErr.Tag()]
	messagesMu.RUnlock()
	if ok {
		return fixed
	}
	param := fieldErr.Param()
	isText := fieldErr.Kind() == reflect.String
	switch fieldErr.Tag() {
	case "min", "gte":
		if isText {
			return fmt.Sprintf("Should have at least %s characters", param)
		}
		return fmt.Sprintf("Should be greater than or equal to %s", param)
	case "max", "lte":
		if isText {
			return fmt.Sprintf("Should have at most %s characters", param)
		}
		return fmt.Sprintf("Should be less than or equal to %s", param)
	case "gt":
		return fmt.Sprintf("Should be greater than %s", param)
	case "lt":
		return fmt.Sprintf("Should be less than %s", param)
	case "oneof":
		return fmt.Sprintf("Should be one of: %s", strings.Join(strings.Fields(param), ", "))
	}
	return fmt.Sprintf("Failed %q validation", fieldErr.Tag())
}
