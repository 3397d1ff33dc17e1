// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Middlewared is the management daemon. It opens the configuration
// database, registers the built-in plugins, writes the initial
// configuration files and serves the JSON-RPC API on the UNIX socket
// and the HTTP listener until SIGINT or SIGTERM.
//
// Usage:
//
//	middlewared [--config PATH] [--bootstrap=false]
//
// The configuration file is --config, else $MIDDLEWARED_CONFIG, else
// the built-in appliance defaults. Exit codes follow lib/process.
package main
