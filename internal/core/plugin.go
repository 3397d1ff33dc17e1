// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package core

import "context"

// Plugin is a service module hosted by the core. Register adds its
// methods, topics, etc groups, services and periodic tasks. It runs
// before any listener accepts connections.
type Plugin interface {
	Name() string
	Register(c *Core) error
}

// Starter is implemented by plugins with work to do once every plugin
// is registered and the initial configuration files are written, such
// as loading their schedule from the datastore.
type Starter interface {
	Start(ctx context.Context) error
}
