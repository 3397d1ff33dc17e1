// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package datastore

import (
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
	"PRAGMA cache_size=-8192",
	"PRAGMA temp_store=MEMORY",
}

func prepareConn(conn *sqlite.Conn, readOnly bool) error {
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("datastore: %s: %w", pragma, err)
		}
	}
	if readOnly {
		if err := sqlitex.ExecuteTransient(conn, "PRAGMA query_only=ON", nil); err != nil {
			return fmt.Errorf("datastore: query_only: %w", err)
		}
	}
	return nil
}

func openReaders(path string, size int) (*sqlitex.Pool, error) {
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: size,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConn(conn, true)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("datastore: opening read pool on %s: %w", path, err)
	}
	return pool, nil
}

func openWriter(path string) (*sqlite.Conn, error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite|sqlite.OpenCreate|sqlite.OpenWAL|sqlite.OpenURI)
	if err != nil {
		return nil, fmt.Errorf("datastore: opening writer on %s: %w", path, err)
	}
	if err := prepareConn(conn, false); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}
