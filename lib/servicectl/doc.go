// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package servicectl is the facade over the init system.
//
// A [Controller] knows each logical service's units and the etc groups
// its configuration is rendered from. Start, restart and reload render
// those groups first, act on the units through a [Supervisor], and then
// check the result: a service that is not running afterwards (or still
// running after stop) fails with errno ESERVICESTARTFAILURE and the
// unit's journal output since the action began. Reload falls back to
// restart for units without a reload verb.
//
// [Systemctl] is the systemd Supervisor; it shells out to systemctl
// and journalctl through lib/subprocess.
package servicectl
