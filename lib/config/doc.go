// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the middlewared configuration file.
//
// The file is YAML and is named by the --config flag or the
// MIDDLEWARED_CONFIG environment variable. Values not present in the
// file keep the appliance defaults of [Default]. The file may contain
// development, staging and production sections holding any subset of
// the top-level keys; the section matching the environment is applied
// over the base values.
//
// Path fields expand ${VAR} and ${VAR:-default}; ${MIDDLEWARED_ROOT}
// refers to paths.root. No other environment variable overrides a
// configured value.
//
// [Config.Validate] reports every problem at once; each wraps
// [ErrInvalid], which the daemon maps to exit code 64.
package config
