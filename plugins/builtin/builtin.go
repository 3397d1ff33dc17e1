// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package builtin lists the plugins every daemon hosts.
package builtin

import (
	"github.com/bureau-foundation/middlewared/internal/core"
	"github.com/bureau-foundation/middlewared/plugins/alert"
	"github.com/bureau-foundation/middlewared/plugins/apikey"
	"github.com/bureau-foundation/middlewared/plugins/authapi"
	"github.com/bureau-foundation/middlewared/plugins/configapi"
	"github.com/bureau-foundation/middlewared/plugins/coreapi"
	"github.com/bureau-foundation/middlewared/plugins/cronjob"
	"github.com/bureau-foundation/middlewared/plugins/etcapi"
	"github.com/bureau-foundation/middlewared/plugins/pool"
	"github.com/bureau-foundation/middlewared/plugins/privilege"
	"github.com/bureau-foundation/middlewared/plugins/service"
	"github.com/bureau-foundation/middlewared/plugins/ssh"
	"github.com/bureau-foundation/middlewared/plugins/testapi"
	"github.com/bureau-foundation/middlewared/plugins/user"
)

// All returns fresh instances of the built-in plugins in registration
// order.
func All() []core.Plugin {
	return []core.Plugin{
		coreapi.New(),
		authapi.New(),
		privilege.New(),
		user.New(),
		apikey.New(),
		configapi.New(),
		etcapi.New(),
		service.New(),
		ssh.New(),
		alert.New(),
		cronjob.New(),
		pool.New(),
		testapi.New(),
	}
}
