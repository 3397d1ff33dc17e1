// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package core

import _ "embed"

// Schema creates the tables of the built-in plugins. It is applied
// when Config.Bootstrap is set.
//
//go:embed schema.sql
var Schema string
