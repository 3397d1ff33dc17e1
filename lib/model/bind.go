// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/codec"
)

// Params are the raw parameters of one call.
type Params struct {
	Positional []json.RawMessage
	Named      map[string]json.RawMessage
}

// BindOptions adjust binding for one method.
type BindOptions struct {
	// ForwardCompatible accepts and ignores unknown object keys and
	// unknown named parameters.
	ForwardCompatible bool

	// Names, when set, replaces the JSON names of the parameters, in
	// order. Generic argument structs use it to report schema names
	// such as "user_create" in validation errors.
	Names []string
}

// Bind decodes params into target, which must be a pointer to an
// argument struct.
func Bind(target any, params Params, options BindOptions) error {
	value := reflect.ValueOf(target)
	if value.Kind() != reflect.Pointer || value.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("model: Bind target must be a pointer to struct, got %T", target)
	}
	structValue := value.Elem()
	fields := ParamFields(structValue.Type())

	if len(params.Positional) > len(fields) {
		return apierror.Validation("params", fmt.Sprintf("Too many arguments (expected %d, got %d)", len(fields), len(params.Positional)))
	}

	names := make([]string, len(fields))
	for i, field := range fields {
		names[i] = field.Name
		if i < len(options.Names) && options.Names[i] != "" {
			names[i] = options.Names[i]
		}
	}

	var errs apierror.ValidationErrors
	known := make(map[string]bool, len(fields))
	for _, name := range names {
		known[name] = true
	}
	for name := range params.Named {
		if !known[name] && !options.ForwardCompatible {
			errs.Add(name, "Unexpected named parameter")
		}
	}
	if len(errs) > 0 {
		return errs
	}

	for i, field := range fields {
		raw, present, err := pick(names[i], i, params)
		if err != nil {
			return err
		}
		target := structValue.FieldByIndex(field.Index)
		if !present {
			if field.Default != "" {
				if err := json.Unmarshal([]byte(field.Default), target.Addr().Interface()); err != nil {
					return fmt.Errorf("model: default for %s: %w", field.Name, err)
				}
			}
			continue
		}
		if err := decodeParam(raw, target, options.ForwardCompatible); err != nil {
			return typeError(names[i], err)
		}
		if err := applyDefaults(target, raw); err != nil {
			return fmt.Errorf("model: defaults for %s: %w", field.Name, err)
		}
	}

	err := Validate(target)
	if len(options.Names) == 0 {
		return err
	}
	return renameAttributes(err, fields, names)
}

// renameAttributes rewrites the leading path segment of validation
// items from the field's JSON name to its parameter name.
func renameAttributes(err error, fields []Field, names []string) error {
	var items apierror.ValidationErrors
	if !errors.As(err, &items) {
		return err
	}
	renamed := make(apierror.ValidationErrors, len(items))
	for i, item := range items {
		head, rest, nested := strings.Cut(item.Attribute, ".")
		for j, field := range fields {
			if field.Name == head {
				head = names[j]
				break
			}
		}
		if nested {
			item.Attribute = head + "." + rest
		} else {
			item.Attribute = head
		}
		renamed[i] = item
	}
	return renamed
}

// pick chooses the raw value for parameter i. Named binding wins; when
// both forms are present they must agree.
func pick(name string, index int, params Params) (json.RawMessage, bool, error) {
	named, hasNamed := params.Named[name]
	var positional json.RawMessage
	hasPositional := index < len(params.Positional)
	if hasPositional {
		positional = params.Positional[index]
	}
	if hasNamed && hasPositional {
		var left, right any
		if err := codec.DecodeLoose(named, &left); err != nil {
			return nil, false, typeError(name, err)
		}
		if err := codec.DecodeLoose(positional, &right); err != nil {
			return nil, false, typeError(name, err)
		}
		if !reflect.DeepEqual(left, right) {
			return nil, false, apierror.Validation(name, "Named and positional values differ")
		}
	}
	if hasNamed {
		return named, true, nil
	}
	return positional, hasPositional, nil
}

func decodeParam(raw json.RawMessage, target reflect.Value, forwardCompatible bool) error {
	if forwardCompatible {
		return codec.DecodeLoose(raw, target.Addr().Interface())
	}
	return codec.DecodeStrict(raw, target.Addr().Interface())
}

// typeError converts a JSON decoding failure into a single-item
// validation error.
func typeError(name string, err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		attribute := name
		if typeErr.Field != "" {
			attribute = name + "." + typeErr.Field
		}
		return apierror.Validation(attribute, fmt.Sprintf("Input should be a valid %s", jsonKind(typeErr.Type)))
	}
	message := err.Error()
	if field, ok := strings.CutPrefix(message, "json: unknown field "); ok {
		return apierror.Validation(name+"."+strings.Trim(field, `"`), "Extra inputs are not permitted")
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return apierror.Validation(name, "Invalid JSON")
	}
	return apierror.Validation(name, message)
}

func jsonKind(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.String:
		return "string"
	case reflect.Slice, reflect.Array:
		return "list"
	case reflect.Map, reflect.Struct:
		return "dictionary"
	case reflect.Pointer:
		return jsonKind(t.Elem())
	}
	return t.String()
}

// applyDefaults fills `default` tags of nested struct fields whose key
// is absent from raw.
func applyDefaults(target reflect.Value, raw json.RawMessage) error {
	if target.Kind() == reflect.Pointer {
		if target.IsNil() {
			return nil
		}
		target = target.Elem()
	}
	if target.Kind() != reflect.Struct {
		return nil
	}
	var object map[string]json.RawMessage
	if err := json.Unmarshal(raw, &object); err != nil {
		return nil
	}
	for _, field := range objectFields(target.Type()) {
		fieldValue := target.FieldByIndex(field.Index)
		sub, present := object[field.Name]
		if !present {
			if field.Default != "" {
				if err := json.Unmarshal([]byte(field.Default), fieldValue.Addr().Interface()); err != nil {
					return fmt.Errorf("%s: %w", field.Name, err)
				}
			}
			continue
		}
		if err := applyDefaults(fieldValue, sub); err != nil {
			return fmt.Errorf("%s: %w", field.Name, err)
		}
	}
	return nil
}
