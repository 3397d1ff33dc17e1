// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package datastore

import (
	"context"
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/middlewared/lib/apierror"
)

type columnKind int

const (
	kindText columnKind = iota
	kindInteger
	kindReal
	kindBoolean
	kindJSON
	kindBlob
)

type column struct {
	name   string
	kind   columnKind
	secret bool
}

type tableInfo struct {
	name       string
	primaryKey string
	columns    map[string]column
	order      []string
}

// SQLName maps a logical table name to its SQLite name.
func SQLName(table string) string {
	return strings.ReplaceAll(table, ".", "_")
}

func quote(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func kindOf(declared string) columnKind {
	declared = strings.ToUpper(declared)
	switch {
	case strings.Contains(declared, "BOOL"):
		return kindBoolean
	case strings.Contains(declared, "JSON"):
		return kindJSON
	case strings.Contains(declared, "INT"):
		return kindInteger
	case strings.Contains(declared, "REAL"), strings.Contains(declared, "FLOA"), strings.Contains(declared, "DOUB"):
		return kindReal
	case strings.Contains(declared, "BLOB"):
		return kindBlob
	}
	return kindText
}

// table returns cached column metadata, loading it once per table.
func (s *Store) table(ctx context.Context, name string) (*tableInfo, error) {
	s.tablesMu.RLock()
	info, ok := s.tables[name]
	s.tablesMu.RUnlock()
	if ok {
		return info, nil
	}

	loaded, err, _ := s.tableLoads.Do(name, func() (any, error) {
		conn, err := s.takeReader(ctx)
		if err != nil {
			return nil, err
		}
		defer s.readers.Put(conn)
		info, err := loadTableInfo(conn, name, s.secrets[name])
		if err != nil {
			return nil, err
		}
		s.tablesMu.Lock()
		s.tables[name] = info
		s.tablesMu.Unlock()
		return info, nil
	})
	if err != nil {
		return nil, err
	}
	return loaded.(*tableInfo), nil
}

func loadTableInfo(conn *sqlite.Conn, name string, secretColumns []string) (*tableInfo, error) {
	info := &tableInfo{name: SQLName(name), columns: map[string]column{}}
	secret := make(map[string]bool, len(secretColumns))
	for _, columnName := range secretColumns {
		secret[columnName] = true
	}
	err := sqlitex.ExecuteTransient(conn, "SELECT name, type, pk FROM pragma_table_info(?)", &sqlitex.ExecOptions{
		Args: []any{info.name},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			columnName := stmt.ColumnText(0)
			info.columns[columnName] = column{
				name:   columnName,
				kind:   kindOf(stmt.ColumnText(1)),
				secret: secret[columnName],
			}
			info.order = append(info.order, columnName)
			if stmt.ColumnInt(2) == 1 && info.primaryKey == "" {
				info.primaryKey = columnName
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("datastore: reading schema of %s: %w", name, err)
	}
	if len(info.columns) == 0 {
		return nil, apierror.Call(apierror.ENOENT, "Table %s does not exist", name)
	}
	if info.primaryKey == "" {
		info.primaryKey = "id"
	}
	return info, nil
}

// columnFor resolves a client field name under prefix to a column.
func (t *tableInfo) columnFor(field, prefix string) (column, bool) {
	if prefix != "" {
		if c, ok := t.columns[prefix+field]; ok {
			return c, true
		}
	}
	c, ok := t.columns[field]
	return c, ok
}
