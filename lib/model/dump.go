// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"reflect"

	"github.com/bureau-foundation/middlewared/lib/codec"
)

// Redacted replaces secret values in redacted output.
const Redacted = "********"

// Dump converts v to its generic JSON form. When exposeSecrets is
// false, non-null values of fields tagged `secret:"true"` are
// replaced with Redacted.
func Dump(v any, exposeSecrets bool) (any, error) {
	generic, err := codec.Normalize(v)
	if err != nil {
		return nil, err
	}
	if exposeSecrets || v == nil {
		return generic, nil
	}
	return redact(reflect.TypeOf(v), generic), nil
}

// HasSecrets reports whether t contains any secret field at any
// depth.
func HasSecrets(t reflect.Type) bool {
	return hasSecrets(t, map[reflect.Type]bool{})
}

func hasSecrets(t reflect.Type, seen map[reflect.Type]bool) bool {
	if t == nil {
		return false
	}
	for t.Kind() == reflect.Pointer || t.Kind() == reflect.Slice || t.Kind() == reflect.Array || t.Kind() == reflect.Map {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct || seen[t] {
		return false
	}
	seen[t] = true
	for _, field := range objectFields(t) {
		if field.Secret || hasSecrets(field.Type, seen) {
			return true
		}
	}
	return false
}

func redact(t reflect.Type, generic any) any {
	if t == nil || generic == nil {
		return generic
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Struct:
		object, ok := generic.(map[string]any)
		if !ok {
			return generic
		}
		for _, field := range objectFields(t) {
			value, present := object[field.Name]
			if !present || value == nil {
				continue
			}
			if field.Secret {
				object[field.Name] = Redacted
				continue
			}
			object[field.Name] = redact(field.Type, value)
		}
		return object
	case reflect.Slice, reflect.Array:
		list, ok := generic.([]any)
		if !ok {
			return generic
		}
		for i := range list {
			list[i] = redact(t.Elem(), list[i])
		}
		return list
	case reflect.Map:
		object, ok := generic.(map[string]any)
		if !ok {
			return generic
		}
		for key, value := range object {
			object[key] = redact(t.Elem(), value)
		}
		return object
	}
	return generic
}
