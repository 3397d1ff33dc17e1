// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package etc renders managed configuration files.
//
// Files are organized in named groups ("ssh", "nfsd", ...). A group
// lists its entries and, optionally, the method calls whose results
// every renderer of the group receives as context. Generating a group
// renders each entry and writes it with [writeIfChanged]: content goes
// to a temporary file in the destination directory, is fsynced and
// renamed into place, and the directory is fsynced. A file whose
// content, mode and ownership already match is not touched, so
// services watching their configuration see no spurious changes.
//
// Generation is always explicit. Nothing in the daemon renders a
// group as a side effect of a datastore write; callers that change
// configuration call Generate and then reload the affected service.
package etc
