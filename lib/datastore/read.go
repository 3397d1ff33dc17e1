// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package datastore

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/filter"
)

// Query returns rows of table matching filters, shaped by options:
// []map[string]any, a single map when options.Get is set, or an int
// when options.Count is set.
func (s *Store) Query(ctx context.Context, table string, filters []any, options filter.Options) (any, error) {
	info, err := s.table(ctx, table)
	if err != nil {
		return nil, err
	}

	query := "SELECT * FROM " + quote(info.name)
	var args []any
	inProcess := filters
	if options.ForceSQLFilters && len(filters) > 0 {
		where, whereArgs, err := filter.CompileSQL(filters, func(field string) (string, bool) {
			col, ok := info.columnFor(field, options.Prefix)
			if !ok || col.secret {
				return "", false
			}
			return quote(col.name), true
		})
		if err != nil {
			return nil, err
		}
		query += " WHERE " + where
		args = whereArgs
		inProcess = nil
	}
	query += " ORDER BY " + quote(info.primaryKey)

	expr, err := filter.Compile(inProcess)
	if err != nil {
		return nil, err
	}

	conn, err := s.takeReader(ctx)
	if err != nil {
		return nil, err
	}
	defer s.readers.Put(conn)

	var rows []map[string]any
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			row := s.decodeRow(stmt, info, options.Prefix)
			if expr.Match(row) {
				rows = append(rows, row)
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("datastore: querying %s: %w", table, err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return filter.Finish(rows, options)
}

// Get returns the row of table with primary key id.
func (s *Store) Get(ctx context.Context, table string, id int64, prefix string) (map[string]any, error) {
	info, err := s.table(ctx, table)
	if err != nil {
		return nil, err
	}
	conn, err := s.takeReader(ctx)
	if err != nil {
		return nil, err
	}
	defer s.readers.Put(conn)
	row, err := s.readRow(conn, info, id, prefix)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, apierror.NotFound("%s entry with id %d does not exist", table, id)
	}
	return row, nil
}

// Config returns the single row of a configuration table.
func (s *Store) Config(ctx context.Context, table string, prefix string) (map[string]any, error) {
	result, err := s.Query(ctx, table, nil, filter.Options{Prefix: prefix, OrderBy: []string{"id"}, Limit: 1})
	if err != nil {
		return nil, err
	}
	rows := result.([]map[string]any)
	if len(rows) == 0 {
		return nil, apierror.NotFound("%s has no configuration row", table)
	}
	return rows[0], nil
}

func (s *Store) readRow(conn *sqlite.Conn, info *tableInfo, id int64, prefix string) (map[string]any, error) {
	var row map[string]any
	err := sqlitex.Execute(conn,
		"SELECT * FROM "+quote(info.name)+" WHERE "+quote(info.primaryKey)+" = ?",
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				row = s.decodeRow(stmt, info, prefix)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("datastore: reading %s id %d: %w", info.name, id, err)
	}
	return row, nil
}
