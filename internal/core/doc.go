// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package core assembles the middleware runtime.
//
// [New] opens the datastore and the key material named by the daemon
// configuration and wires the runtime components into a [Core]: event
// bus, job manager, worker pool, role manager, rate limiter,
// dispatcher, authenticator, session registry, etc generator, service
// controller, scheduler and transport. Every component is reachable
// through an exported field, so plugins and tests use the same handles.
//
// Plugins ([Plugin]) register methods, topics, etc groups, services
// and periodic tasks in [Core.Register]. [Core.Start] then writes the
// initial configuration files and runs each [Starter]; [Core.Run]
// serves the listeners and the scheduler until its context ends.
//
// [CRUDService] and [ConfigService] are the generic skeletons of
// table-backed plugins: they register the query, get_instance,
// create, update and delete methods (or config and update) over a
// datastore table and delegate writes to [CRUDHooks].
package core
