// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package datastore

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/middlewared/lib/apierror"
)

// Insert adds row to table and returns the new primary key. Keys of
// row are client field names; prefix is prepended where the table has
// the prefixed column.
func (s *Store) Insert(ctx context.Context, table string, row map[string]any, prefix string) (int64, error) {
	info, err := s.table(ctx, table)
	if err != nil {
		return 0, err
	}
	columns, values, err := s.bindRow(info, row, prefix)
	if err != nil {
		return 0, err
	}

	change, err := s.submit(ctx, "insert", func(conn *sqlite.Conn) (*Change, error) {
		var statement string
		if len(columns) == 0 {
			statement = "INSERT INTO " + quote(info.name) + " DEFAULT VALUES"
		} else {
			placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
			statement = "INSERT INTO " + quote(info.name) + " (" + strings.Join(columns, ", ") + ") VALUES (" + placeholders + ")"
		}
		if err := sqlitex.Execute(conn, statement, &sqlitex.ExecOptions{Args: values}); err != nil {
			return nil, translateConstraint(table, err)
		}
		id := conn.LastInsertRowID()
		stored, err := s.readRow(conn, info, id, prefix)
		if err != nil {
			return nil, err
		}
		return &Change{Table: table, Operation: "insert", ID: id, Row: stored}, nil
	})
	if err != nil {
		return 0, err
	}
	return change.ID, nil
}

// Update changes the given fields of the row with primary key id.
func (s *Store) Update(ctx context.Context, table string, id int64, row map[string]any, prefix string) error {
	info, err := s.table(ctx, table)
	if err != nil {
		return err
	}
	columns, values, err := s.bindRow(info, row, prefix)
	if err != nil {
		return err
	}

	_, err = s.submit(ctx, "update", func(conn *sqlite.Conn) (*Change, error) {
		if len(columns) > 0 {
			assignments := make([]string, len(columns))
			for i, name := range columns {
				assignments[i] = name + " = ?"
			}
			statement := "UPDATE " + quote(info.name) + " SET " + strings.Join(assignments, ", ") + " WHERE " + quote(info.primaryKey) + " = ?"
			if err := sqlitex.Execute(conn, statement, &sqlitex.ExecOptions{Args: append(values, id)}); err != nil {
				return nil, translateConstraint(table, err)
			}
		}
		stored, err := s.readRow(conn, info, id, prefix)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			return nil, apierror.NotFound("%s entry with id %d does not exist", table, id)
		}
		return &Change{Table: table, Operation: "update", ID: id, Row: stored}, nil
	})
	return err
}

// Delete removes the row with primary key id.
func (s *Store) Delete(ctx context.Context, table string, id int64) error {
	info, err := s.table(ctx, table)
	if err != nil {
		return err
	}
	_, err = s.submit(ctx, "delete", func(conn *sqlite.Conn) (*Change, error) {
		statement := "DELETE FROM " + quote(info.name) + " WHERE " + quote(info.primaryKey) + " = ?"
		if err := sqlitex.Execute(conn, statement, &sqlitex.ExecOptions{Args: []any{id}}); err != nil {
			return nil, translateConstraint(table, err)
		}
		if conn.Changes() == 0 {
			return nil, apierror.NotFound("%s entry with id %d does not exist", table, id)
		}
		return &Change{Table: table, Operation: "delete", ID: id, Row: map[string]any{info.primaryKey: id}}, nil
	})
	return err
}

// bindRow resolves client fields to quoted column names and encoded
// values, in sorted field order for stable statements.
func (s *Store) bindRow(info *tableInfo, row map[string]any, prefix string) ([]string, []any, error) {
	fields := make([]string, 0, len(row))
	for field := range row {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	columns := make([]string, 0, len(fields))
	values := make([]any, 0, len(fields))
	for _, field := range fields {
		col, ok := info.columnFor(field, prefix)
		if !ok {
			return nil, nil, apierror.Call(apierror.EINVAL, "%s has no column %q", info.name, field)
		}
		if col.name == info.primaryKey {
			continue
		}
		value, err := s.encodeValue(col, row[field])
		if err != nil {
			return nil, nil, err
		}
		columns = append(columns, quote(col.name))
		values = append(values, value)
	}
	return columns, values, nil
}

func translateConstraint(table string, err error) error {
	switch sqlite.ErrCode(err) {
	case sqlite.ResultConstraintUnique, sqlite.ResultConstraintPrimaryKey:
		return apierror.Call(apierror.EEXIST, "%s: %v", table, err)
	case sqlite.ResultConstraintForeignKey:
		return apierror.Call(apierror.EINVAL, "%s: %v", table, err)
	}
	return fmt.Errorf("datastore: writing %s: %w", table, err)
}
