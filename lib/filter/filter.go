// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package filter

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bureau-foundation/middlewared/lib/apierror"
)

// MaxDepth bounds nesting of boolean groups.
const MaxDepth = 3

// Expr is a compiled filter.
type Expr interface {
	Match(row map[string]any) bool
}

// MatchAll matches every row.
var MatchAll Expr = andExpr(nil)

type andExpr []Expr

func (a andExpr) Match(row map[string]any) bool {
	for _, expr := range a {
		if !expr.Match(row) {
			return false
		}
	}
	return true
}

type orExpr []Expr

func (o orExpr) Match(row map[string]any) bool {
	for _, expr := range o {
		if expr.Match(row) {
			return true
		}
	}
	return false
}

type comparison struct {
	field     string
	path      []string
	op        string
	caseFold  bool
	value     any
	pattern   *regexp.Regexp
	timestamp *time.Time
}

var operators = map[string]bool{
	"=": true, "!=": true, ">": true, ">=": true, "<": true, "<=": true,
	"~": true, "in": true, "nin": true, "rin": true, "rnin": true,
	"^": true, "!^": true, "$": true, "!$": true,
}

var caseFoldable = map[string]bool{
	"=": true, "!=": true, "^": true, "!^": true, "$": true, "!$": true,
	"in": true, "nin": true, "rin": true, "rnin": true,
}

// Compile parses a JSON-decoded filter list.
func Compile(filters []any) (Expr, error) {
	return compileList(filters, 0)
}

func compileList(filters []any, depth int) (andExpr, error) {
	expr := make(andExpr, 0, len(filters))
	for _, entry := range filters {
		compiled, err := compileEntry(entry, depth)
		if err != nil {
			return nil, err
		}
		expr = append(expr, compiled)
	}
	return expr, nil
}

func compileEntry(entry any, depth int) (Expr, error) {
	list, ok := entry.([]any)
	if !ok {
		return nil, invalid("Filter must be a list: %v", entry)
	}
	switch len(list) {
	case 3:
		if _, nested := list[0].([]any); !nested {
			return compileComparison(list)
		}
	case 2:
		if conjunction, ok := list[0].(string); ok {
			return compileGroup(conjunction, list[1], depth)
		}
	}
	// A bare list of filters inside an OR group is an implicit AND.
	if depth == 0 {
		return nil, invalid("Invalid filter %v", entry)
	}
	return compileList(list, depth)
}

func compileGroup(conjunction string, operand any, depth int) (Expr, error) {
	if conjunction != "OR" && conjunction != "AND" {
		return nil, invalid("Invalid conjunction: %s", conjunction)
	}
	if depth+1 > MaxDepth {
		return nil, invalid("query-filters max recursion depth exceeded")
	}
	members, ok := operand.([]any)
	if !ok {
		return nil, invalid("%s operand must be a list", conjunction)
	}
	compiled := make([]Expr, 0, len(members))
	for _, member := range members {
		expr, err := compileEntry(member, depth+1)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, expr)
	}
	if conjunction == "AND" {
		return andExpr(compiled), nil
	}
	return orExpr(compiled), nil
}

func compileComparison(list []any) (Expr, error) {
	field, ok := list[0].(string)
	if !ok {
		return nil, invalid("Filter field must be a string: %v", list[0])
	}
	opName, ok := list[1].(string)
	if !ok {
		return nil, invalid("Filter operator must be a string: %v", list[1])
	}

	cmp := &comparison{field: field, path: SplitPath(field), value: list[2]}
	if strings.HasPrefix(opName, "C") && caseFoldable[opName[1:]] {
		cmp.caseFold = true
		opName = opName[1:]
	}
	if !operators[opName] {
		return nil, invalid("Invalid operation: %s", list[1])
	}
	cmp.op = opName

	if last := cmp.path[len(cmp.path)-1]; last == "$date" {
		return compileTimestamp(cmp)
	}

	if cmp.op == "~" {
		source, ok := cmp.value.(string)
		if !ok {
			return nil, invalid("Regular expression must be a string: %v", cmp.value)
		}
		pattern, err := regexp.Compile(source)
		if err != nil {
			return nil, invalid("Invalid regular expression %q: %v", source, err)
		}
		cmp.pattern = pattern
	}
	if cmp.caseFold {
		cmp.value = fold(cmp.value)
	}
	return cmp, nil
}

func compileTimestamp(cmp *comparison) (Expr, error) {
	switch cmp.op {
	case "=", "!=", ">", ">=", "<", "<=":
	default:
		return nil, invalid("%s: invalid timestamp operation.", cmp.field)
	}
	text, ok := cmp.value.(string)
	if !ok {
		return nil, invalid("%s: must be an ISO-8601 formatted timestamp string", cmp.field)
	}
	parsed, err := time.Parse(time.RFC3339Nano, text)
	if err != nil {
		return nil, invalid("%s: must be an ISO-8601 formatted timestamp string", cmp.field)
	}
	cmp.timestamp = &parsed
	return cmp, nil
}

func (c *comparison) Match(row map[string]any) bool {
	for _, candidate := range resolve(row, c.field, c.path) {
		if c.matchValue(candidate) {
			return true
		}
	}
	return false
}

func (c *comparison) matchValue(field any) bool {
	if c.timestamp != nil {
		return c.matchTimestamp(field)
	}
	if c.caseFold {
		field = fold(field)
	}
	if field == nil {
		switch c.op {
		case "=":
			return c.value == nil
		case "!=":
			return c.value != nil
		case "in":
			return contains(c.value, nil)
		case "nin":
			list, ok := c.value.([]any)
			return ok && !contains(list, nil)
		}
		return false
	}

	switch c.op {
	case "=":
		return equal(field, c.value)
	case "!=":
		return !equal(field, c.value)
	case ">":
		order, ok := compare(field, c.value)
		return ok && order > 0
	case ">=":
		order, ok := compare(field, c.value)
		return ok && order >= 0
	case "<":
		order, ok := compare(field, c.value)
		return ok && order < 0
	case "<=":
		order, ok := compare(field, c.value)
		return ok && order <= 0
	case "~":
		text, ok := field.(string)
		return ok && c.pattern.MatchString(text)
	case "in":
		return contains(c.value, field)
	case "nin":
		return !contains(c.value, field)
	case "rin":
		return contains(field, c.value)
	case "rnin":
		return !contains(field, c.value)
	case "^", "!^", "$", "!$":
		text, ok := field.(string)
		prefix, valueOK := c.value.(string)
		if !ok || !valueOK {
			return false
		}
		switch c.op {
		case "^":
			return strings.HasPrefix(text, prefix)
		case "!^":
			return !strings.HasPrefix(text, prefix)
		case "$":
			return strings.HasSuffix(text, prefix)
		default:
			return !strings.HasSuffix(text, prefix)
		}
	}
	return false
}

func (c *comparison) matchTimestamp(field any) bool {
	var when time.Time
	switch value := field.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, value)
		if err != nil {
			return false
		}
		when = parsed
	default:
		milliseconds, ok := number(value)
		if !ok {
			return false
		}
		when = time.UnixMilli(int64(milliseconds))
	}
	switch c.op {
	case "=":
		return when.Equal(*c.timestamp)
	case "!=":
		return !when.Equal(*c.timestamp)
	case ">":
		return when.After(*c.timestamp)
	case ">=":
		return !when.Before(*c.timestamp)
	case "<":
		return when.Before(*c.timestamp)
	default:
		return !when.After(*c.timestamp)
	}
}

// contains reports whether collection holds value. A string
// collection tests for a substring.
func contains(collection, value any) bool {
	switch typed := collection.(type) {
	case []any:
		for _, element := range typed {
			if equal(element, value) {
				return true
			}
		}
	case []string:
		for _, element := range typed {
			if equal(element, value) {
				return true
			}
		}
	case string:
		needle, ok := value.(string)
		return ok && strings.Contains(typed, needle)
	}
	return false
}

func fold(value any) any {
	switch typed := value.(type) {
	case string:
		return strings.ToLower(typed)
	case []any:
		folded := make([]any, len(typed))
		for i, element := range typed {
			folded[i] = fold(element)
		}
		return folded
	}
	return value
}

func invalid(format string, args ...any) error {
	return apierror.Validation("query-filters", fmt.Sprintf(format, args...))
}
