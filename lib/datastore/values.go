// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package datastore

import (
	"encoding/json"
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"

	"github.com/bureau-foundation/middlewared/lib/codec"
	"github.com/bureau-foundation/middlewared/lib/filter"
)

// decodeRow reads the current row of stmt into a map keyed by column
// name with prefix stripped.
func (s *Store) decodeRow(stmt *sqlite.Stmt, table *tableInfo, prefix string) map[string]any {
	row := make(map[string]any, stmt.ColumnCount())
	for i := 0; i < stmt.ColumnCount(); i++ {
		name := stmt.ColumnName(i)
		col, known := table.columns[name]
		var value any
		switch stmt.ColumnType(i) {
		case sqlite.TypeNull:
			value = nil
		case sqlite.TypeInteger:
			integer := stmt.ColumnInt64(i)
			if known && col.kind == kindBoolean {
				value = integer != 0
			} else {
				value = integer
			}
		case sqlite.TypeFloat:
			value = stmt.ColumnFloat(i)
		case sqlite.TypeBlob:
			data := make([]byte, stmt.ColumnLen(i))
			stmt.ColumnBytes(i, data)
			value = data
		default:
			text := stmt.ColumnText(i)
			if known && col.secret {
				value = s.unseal(table.name, name, text)
				if plaintext, ok := value.(string); ok && col.kind == kindJSON {
					value = decodeJSON(plaintext)
				}
			} else if known && col.kind == kindJSON {
				value = decodeJSON(text)
			} else if known && col.kind == kindBoolean {
				value = text == "1" || strings.EqualFold(text, "true")
			} else {
				value = text
			}
		}
		row[stripPrefix(name, prefix)] = value
	}
	return row
}

func decodeJSON(text string) any {
	if text == "" {
		return nil
	}
	var decoded any
	if err := codec.DecodeLoose([]byte(text), &decoded); err != nil {
		return text
	}
	return decoded
}

func (s *Store) unseal(table, columnName, text string) any {
	if text == "" || s.sealer == nil {
		return text
	}
	plaintext, err := s.sealer.Unseal(text)
	if err != nil {
		s.logger.Warn("secret column could not be unsealed",
			"table", table,
			"column", columnName,
			"error", err,
		)
		return nil
	}
	return string(plaintext)
}

func stripPrefix(name, prefix string) string {
	if prefix != "" && strings.HasPrefix(name, prefix) {
		return name[len(prefix):]
	}
	return name
}

// encodeValue converts a client value into a bindable SQLite value for
// col.
func (s *Store) encodeValue(col column, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	var encoded any
	switch col.kind {
	case kindJSON:
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("datastore: encoding %s: %w", col.name, err)
		}
		encoded = string(data)
	case kindBoolean:
		truth, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("datastore: column %s expects a boolean, got %T", col.name, value)
		}
		if truth {
			encoded = int64(1)
		} else {
			encoded = int64(0)
		}
	default:
		switch typed := value.(type) {
		case map[string]any, []any:
			data, err := json.Marshal(typed)
			if err != nil {
				return nil, fmt.Errorf("datastore: encoding %s: %w", col.name, err)
			}
			encoded = string(data)
		default:
			encoded = filter.SQLValue(typed)
		}
	}
	if col.secret {
		if s.sealer == nil {
			return nil, fmt.Errorf("datastore: column %s is secret but no sealer is configured", col.name)
		}
		sealedValue, err := s.sealer.Seal([]byte(fmt.Sprint(encoded)))
		if err != nil {
			return nil, err
		}
		return sealedValue, nil
	}
	return encoded, nil
}
