// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package filter implements the query grammar shared by datastore
// queries, event subscriptions and list endpoints.
//
// A filter list is a JSON array whose entries are either comparisons
// or boolean groups:
//
//	[["username", "=", "root"], ["OR", [["uid", "<", 1000], ["builtin", "=", true]]]]
//
// Entries in the top-level list are ANDed. Field names are dotted
// paths into nested objects; "*" fans out over list elements and a
// backslash escapes a literal dot. A row key equal to the whole field
// name wins over traversal. A field that is absent never matches.
// A field that is null matches only equality and membership tests
// against null, plus "!=" against anything non-null.
//
// [Compile] turns a filter list into an [Expr] evaluated in process.
// [CompileSQL] pushes the SQL-expressible subset into a WHERE clause.
// [Options] carries order_by, select, limit, offset, count and get,
// and [Apply] evaluates filters and options over decoded rows.
package filter
