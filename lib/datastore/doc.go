// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package datastore is the middleware's SQLite configuration database.
//
// One goroutine owns the only writable connection and applies writes
// in arrival order, each in its own savepoint. Reads take a
// connection from a WAL-mode pool and run concurrently with the
// writer. A write is acknowledged only after commit, so a query issued
// after Insert/Update/Delete returns observes the new state.
//
// Logical table names use dots ("account.bsdusers") and map to SQLite
// tables with underscores ("account_bsdusers"). Column decltypes drive
// value conversion: BOOLEAN reads as bool, JSON as the decoded value.
// Columns listed in Config.Secrets are sealed with lib/sealed on write
// and opened on read.
//
// After every committed write the store calls Config.OnChange with
// the table, operation ("insert", "update", "delete") and row. The
// core republishes these as datastore.<table>.<op> events.
package datastore
