// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"reflect"
	"strings"
	"sync"
)

// Field describes one exported struct field as seen in JSON.
type Field struct {
	Name    string
	Index   []int
	Type    reflect.Type
	Default string
	Secret  bool
}

var fieldCache sync.Map // reflect.Type -> []Field

// ParamFields returns the parameters of an argument struct in
// declaration order.
func ParamFields(t reflect.Type) []Field {
	return objectFields(t)
}

// ParamNames returns the JSON names of an argument struct's
// parameters.
func ParamNames(t reflect.Type) []string {
	fields := ParamFields(t)
	names := make([]string, len(fields))
	for i, field := range fields {
		names[i] = field.Name
	}
	return names
}

func objectFields(t reflect.Type) []Field {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if cached, ok := fieldCache.Load(t); ok {
		return cached.([]Field)
	}
	fields := collectFields(t, nil)
	fieldCache.Store(t, fields)
	return fields
}

func collectFields(t reflect.Type, prefix []int) []Field {
	var fields []Field
	for i := 0; i < t.NumField(); i++ {
		structField := t.Field(i)
		index := append(append([]int(nil), prefix...), i)
		tag := structField.Tag.Get("json")
		name, _, _ := strings.Cut(tag, ",")
		if name == "-" {
			continue
		}
		if structField.Anonymous && name == "" && structField.Type.Kind() == reflect.Struct {
			fields = append(fields, collectFields(structField.Type, index)...)
			continue
		}
		if !structField.IsExported() {
			continue
		}
		if name == "" {
			name = structField.Name
		}
		fields = append(fields, Field{
			Name:    name,
			Index:   index,
			Type:    structField.Type,
			Default: structField.Tag.Get("default"),
			Secret:  structField.Tag.Get("secret") == "true",
		})
	}
	return fields
}
