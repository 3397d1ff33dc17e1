// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package filter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bureau-foundation/middlewared/lib/apierror"
)

// ColumnFunc maps a filter field to a quoted SQL column reference.
// ok is false for fields the table does not have.
type ColumnFunc func(field string) (column string, ok bool)

// CompileSQL translates filters into a parameterized WHERE expression.
// Only =, !=, <, <=, >, >=, in, nin, ^ and $ with AND/OR groups are
// expressible; anything else fails with EINVAL. An empty filter list
// yields "1".
func CompileSQL(filters []any, columns ColumnFunc) (string, []any, error) {
	compiler := sqlCompiler{columns: columns}
	clause, err := compiler.list(filters, " AND ", 0)
	if err != nil {
		return "", nil, err
	}
	return clause, compiler.args, nil
}

type sqlCompiler struct {
	columns ColumnFunc
	args    []any
}

func (s *sqlCompiler) list(filters []any, joiner string, depth int) (string, error) {
	if len(filters) == 0 {
		if joiner == " OR " {
			return "0", nil
		}
		return "1", nil
	}
	parts := make([]string, 0, len(filters))
	for _, entry := range filters {
		part, err := s.entry(entry, depth)
		if err != nil {
			return "", err
		}
		parts = append(parts, part)
	}
	return "(" + strings.Join(parts, joiner) + ")", nil
}

func (s *sqlCompiler) entry(entry any, depth int) (string, error) {
	list, ok := entry.([]any)
	if !ok {
		return "", invalid("Filter must be a list: %v", entry)
	}
	if len(list) == 2 {
		if conjunction, ok := list[0].(string); ok {
			if conjunction != "OR" && conjunction != "AND" {
				return "", invalid("Invalid conjunction: %s", conjunction)
			}
			if depth+1 > MaxDepth {
				return "", invalid("query-filters max recursion depth exceeded")
			}
			members, ok := list[1].([]any)
			if !ok {
				return "", invalid("%s operand must be a list", conjunction)
			}
			return s.list(members, " "+conjunction+" ", depth+1)
		}
	}
	if len(list) == 3 {
		if _, nested := list[0].([]any); !nested {
			return s.comparison(list)
		}
	}
	if depth == 0 {
		return "", invalid("Invalid filter %v", entry)
	}
	return s.list(list, " AND ", depth)
}

func (s *sqlCompiler) comparison(list []any) (string, error) {
	field, ok := list[0].(string)
	if !ok {
		return "", invalid("Filter field must be a string: %v", list[0])
	}
	op, _ := list[1].(string)
	column, ok := s.columns(field)
	if !ok {
		return "", invalid("Unknown column: %s", field)
	}
	value := list[2]

	switch op {
	case "=":
		if value == nil {
			return column + " IS NULL", nil
		}
		return column + " = " + s.bind(value), nil
	case "!=":
		if value == nil {
			return column + " IS NOT NULL", nil
		}
		return "(" + column + " IS NULL OR " + column + " != " + s.bind(value) + ")", nil
	case ">", ">=", "<", "<=":
		return column + " " + op + " " + s.bind(value), nil
	case "in", "nin":
		members, ok := value.([]any)
		if !ok {
			return "", invalid("%s operand must be a list", op)
		}
		if len(members) == 0 {
			if op == "in" {
				return "0", nil
			}
			return "1", nil
		}
		placeholders := make([]string, len(members))
		for i, member := range members {
			placeholders[i] = s.bind(member)
		}
		clause := column + " IN (" + strings.Join(placeholders, ", ") + ")"
		if op == "nin" {
			return "(" + column + " IS NULL OR NOT " + clause + ")", nil
		}
		return clause, nil
	case "^", "$":
		text, ok := value.(string)
		if !ok {
			return "", invalid("%s operand must be a string", op)
		}
		escaped := escapeLike(text)
		if op == "^" {
			escaped += "%"
		} else {
			escaped = "%" + escaped
		}
		return column + " LIKE " + s.bind(escaped) + ` ESCAPE '\'`, nil
	}
	return "", &apierror.Error{
		Kind:   apierror.KindValidation,
		Errno:  apierror.EINVAL,
		Reason: fmt.Sprintf("Operator %q cannot be evaluated in SQL", op),
	}
}

func (s *sqlCompiler) bind(value any) string {
	s.args = append(s.args, SQLValue(value))
	return "?"
}

// SQLValue converts a JSON-decoded value into a type SQLite binds
// natively.
func SQLValue(value any) any {
	switch typed := value.(type) {
	case json.Number:
		if integer, err := typed.Int64(); err == nil {
			return integer
		}
		float, _ := typed.Float64()
		return float
	case bool:
		if typed {
			return int64(1)
		}
		return int64(0)
	case int:
		return int64(typed)
	}
	return value
}

func escapeLike(text string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(text)
}
