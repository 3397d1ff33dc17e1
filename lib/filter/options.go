// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package filter

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/codec"
)

// Options are query options. Unknown keys are rejected when decoding.
type Options struct {
	OrderBy         []string       `json:"order_by,omitempty"`
	Select          []any          `json:"select,omitempty"`
	Limit           int            `json:"limit,omitempty"`
	Offset          int            `json:"offset,omitempty"`
	Count           bool           `json:"count,omitempty"`
	Get             bool           `json:"get,omitempty"`
	ForceSQLFilters bool           `json:"force_sql_filters,omitempty"`
	Prefix          string         `json:"prefix,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// ParseOptions decodes and validates options. Empty input and JSON
// null yield the zero Options.
func ParseOptions(data json.RawMessage) (Options, error) {
	var options Options
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return options, nil
	}
	if err := codec.DecodeStrict(data, &options); err != nil {
		return options, apierror.Validation("query-options", err.Error())
	}
	return options, options.Validate()
}

// ParseFilters decodes a JSON filter list. Empty input and JSON null
// yield an empty list.
func ParseFilters(data json.RawMessage) ([]any, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var filters []any
	if err := codec.DecodeStrict(data, &filters); err != nil {
		return nil, apierror.Validation("query-filters", err.Error())
	}
	return filters, nil
}

// Validate checks option values.
func (o Options) Validate() error {
	var errs apierror.ValidationErrors
	if o.Limit < 0 {
		errs.Add("query-options.limit", "must be non-negative")
	}
	if o.Offset < 0 {
		errs.Add("query-options.offset", "must be non-negative")
	}
	if _, err := o.selections(); err != nil {
		errs.Add("query-options.select", err.Error())
	}
	for _, key := range o.OrderBy {
		if _, err := parseOrder(key); err != nil {
			errs.Add("query-options.order_by", err.Error())
		}
	}
	return errs.Err()
}

// RawResult reports whether extra.raw_result was requested.
func (o Options) RawResult() bool {
	raw, _ := o.Extra["raw_result"].(bool)
	return raw
}

type selection struct {
	field string
	alias string
}

func (o Options) selections() ([]selection, error) {
	selections := make([]selection, 0, len(o.Select))
	for _, entry := range o.Select {
		switch typed := entry.(type) {
		case string:
			selections = append(selections, selection{field: typed})
		case []any:
			if len(typed) != 2 {
				return nil, fmt.Errorf("select as list may only contain two parameters")
			}
			field, ok := typed[0].(string)
			if !ok {
				return nil, fmt.Errorf("first item must be a string")
			}
			alias, ok := typed[1].(string)
			if !ok {
				return nil, fmt.Errorf("second item must be a string")
			}
			selections = append(selections, selection{field: field, alias: alias})
		default:
			return nil, fmt.Errorf("select entries must be strings or [field, alias] pairs")
		}
	}
	return selections, nil
}

type ordering struct {
	field      string
	descending bool
	nulls      int // -1 first, 1 last, 0 natural
}

func parseOrder(key string) (ordering, error) {
	var order ordering
	switch {
	case strings.HasPrefix(key, "nulls_first:"):
		order.nulls = -1
		key = strings.TrimPrefix(key, "nulls_first:")
	case strings.HasPrefix(key, "nulls_last:"):
		order.nulls = 1
		key = strings.TrimPrefix(key, "nulls_last:")
	}
	if strings.HasPrefix(key, "-") {
		order.descending = true
		key = key[1:]
	}
	if key == "" {
		return order, fmt.Errorf("empty order_by field")
	}
	order.field = key
	return order, nil
}

// Apply filters rows and applies options. The result is []map[string]any,
// a single map when Get is set, or an int when Count is set.
func Apply(rows []map[string]any, filters []any, options Options) (any, error) {
	expr, err := Compile(filters)
	if err != nil {
		return nil, err
	}
	matched := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		if expr.Match(row) {
			matched = append(matched, row)
		}
	}
	return Finish(matched, options)
}

// Finish applies everything except filtering to rows that already
// matched.
func Finish(rows []map[string]any, options Options) (any, error) {
	if options.Count {
		return len(rows), nil
	}
	if err := Sort(rows, options.OrderBy); err != nil {
		return nil, err
	}
	if options.Offset > 0 {
		if options.Offset >= len(rows) {
			rows = rows[:0]
		} else {
			rows = rows[options.Offset:]
		}
	}
	if options.Limit > 0 && options.Limit < len(rows) {
		rows = rows[:options.Limit]
	}
	if len(options.Select) > 0 {
		selections, err := options.selections()
		if err != nil {
			return nil, apierror.Validation("query-options.select", err.Error())
		}
		projected := make([]map[string]any, len(rows))
		for i, row := range rows {
			projected[i] = project(row, selections)
		}
		rows = projected
	}
	if options.Get {
		switch len(rows) {
		case 0:
			return nil, apierror.NotFound("No matching entry")
		case 1:
			return rows[0], nil
		default:
			return nil, apierror.Call(apierror.EEXIST, "Query matched %d entries, expected one", len(rows))
		}
	}
	return rows, nil
}

// Sort orders rows in place by order_by keys.
func Sort(rows []map[string]any, orderBy []string) error {
	if len(orderBy) == 0 {
		return nil
	}
	orders := make([]ordering, 0, len(orderBy))
	for _, key := range orderBy {
		order, err := parseOrder(key)
		if err != nil {
			return apierror.Validation("query-options.order_by", err.Error())
		}
		orders = append(orders, order)
	}
	slices.SortStableFunc(rows, func(a, b map[string]any) int {
		for _, order := range orders {
			left, _ := Lookup(a, order.field)
			right, _ := Lookup(b, order.field)
			if result := compareForSort(left, right, order); result != 0 {
				return result
			}
		}
		return 0
	})
	return nil
}

func compareForSort(left, right any, order ordering) int {
	if order.nulls != 0 && (left == nil) != (right == nil) {
		if left == nil {
			return order.nulls
		}
		return -order.nulls
	}
	result := sortCompare(left, right)
	if order.descending {
		return -result
	}
	return result
}

func project(row map[string]any, selections []selection) map[string]any {
	projected := make(map[string]any, len(selections))
	for _, sel := range selections {
		value, _ := Lookup(row, sel.field)
		if sel.alias != "" {
			projected[sel.alias] = value
			continue
		}
		if _, literal := row[sel.field]; literal {
			projected[sel.field] = value
			continue
		}
		path := SplitPath(sel.field)
		target := projected
		for _, segment := range path[:len(path)-1] {
			next, ok := target[segment].(map[string]any)
			if !ok {
				next = map[string]any{}
				target[segment] = next
			}
			target = next
		}
		target[path[len(path)-1]] = value
	}
	return projected
}
