// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package filter

import (
	"encoding/json"
	"reflect"
	"strings"
)

// SplitPath splits a dotted field name. A backslash escapes the next
// dot.
func SplitPath(field string) []string {
	if !strings.Contains(field, `\`) {
		return strings.Split(field, ".")
	}
	var parts []string
	var current strings.Builder
	for i := 0; i < len(field); i++ {
		switch {
		case field[i] == '\\' && i+1 < len(field) && field[i+1] == '.':
			current.WriteByte('.')
			i++
		case field[i] == '.':
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteByte(field[i])
		}
	}
	return append(parts, current.String())
}

// Lookup returns the value at a dotted path and whether it exists.
// Wildcard segments are not expanded.
func Lookup(row map[string]any, field string) (any, bool) {
	if value, ok := row[field]; ok {
		return value, true
	}
	var current any = row
	for _, segment := range SplitPath(field) {
		object, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = object[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// resolve returns every value the path reaches; more than one when the
// path contains "*".
func resolve(row map[string]any, field string, path []string) []any {
	if value, ok := row[field]; ok {
		return []any{value}
	}
	return walk(row, path)
}

func walk(current any, path []string) []any {
	if len(path) == 0 {
		return []any{current}
	}
	segment := path[0]
	if segment == "*" {
		list, ok := current.([]any)
		if !ok {
			return nil
		}
		var results []any
		for _, element := range list {
			results = append(results, walk(element, path[1:])...)
		}
		return results
	}
	object, ok := current.(map[string]any)
	if !ok {
		return nil
	}
	next, ok := object[segment]
	if !ok {
		return nil
	}
	return walk(next, path[1:])
}

func number(value any) (float64, bool) {
	switch typed := value.(type) {
	case int:
		return float64(typed), true
	case int8:
		return float64(typed), true
	case int16:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case uint:
		return float64(typed), true
	case uint8:
		return float64(typed), true
	case uint16:
		return float64(typed), true
	case uint32:
		return float64(typed), true
	case uint64:
		return float64(typed), true
	case float32:
		return float64(typed), true
	case float64:
		return typed, true
	case json.Number:
		parsed, err := typed.Float64()
		return parsed, err == nil
	}
	return 0, false
}

func equal(left, right any) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	if l, ok := number(left); ok {
		r, ok := number(right)
		return ok && l == r
	}
	switch l := left.(type) {
	case string:
		r, ok := right.(string)
		return ok && l == r
	case bool:
		r, ok := right.(bool)
		return ok && l == r
	}
	return reflect.DeepEqual(left, right)
}

// compare orders two values of the same family. ok is false when the
// values are not comparable.
func compare(left, right any) (order int, ok bool) {
	if l, isNumber := number(left); isNumber {
		r, rightNumber := number(right)
		if !rightNumber {
			return 0, false
		}
		switch {
		case l < r:
			return -1, true
		case l > r:
			return 1, true
		}
		return 0, true
	}
	switch l := left.(type) {
	case string:
		r, isString := right.(string)
		if !isString {
			return 0, false
		}
		return strings.Compare(l, r), true
	case bool:
		r, isBool := right.(bool)
		if !isBool {
			return 0, false
		}
		switch {
		case l == r:
			return 0, true
		case !l:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

// typeRank orders values of different families for sorting.
func typeRank(value any) int {
	if value == nil {
		return 0
	}
	if _, ok := number(value); ok {
		return 2
	}
	switch value.(type) {
	case bool:
		return 1
	case string:
		return 3
	}
	return 4
}

func sortCompare(left, right any) int {
	if order, ok := compare(left, right); ok {
		return order
	}
	return typeRank(left) - typeRank(right)
}
