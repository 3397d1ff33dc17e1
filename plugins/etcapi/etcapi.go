// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package etcapi exposes the configuration file generator to other
// plugins and to local administrators.
package etcapi

import (
	"context"

	"github.com/bureau-foundation/middlewared/internal/core"
	"github.com/bureau-foundation/middlewared/lib/dispatch"
	"github.com/bureau-foundation/middlewared/lib/etc"
)

type generateArgs struct {
	Name       string `json:"name" validate:"nonempty"`
	Checkpoint string `json:"checkpoint"`
}

type checkpointArgs struct {
	Checkpoint string `json:"checkpoint" validate:"nonempty"`
}

// Plugin registers the etc namespace.
type Plugin struct {
	core *core.Core
}

// New returns the etc plugin.
func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "etc" }

func (p *Plugin) Register(c *core.Core) error {
	p.core = c
	if err := dispatch.Register(c.Dispatcher, dispatch.Method{
		Name:        "etc.generate",
		Description: "Render the files of one group, optionally limited to a checkpoint",
		Private:     true,
		Blocking:    true,
	}, p.generate); err != nil {
		return err
	}
	return dispatch.Register(c.Dispatcher, dispatch.Method{
		Name:        "etc.generate_checkpoint",
		Description: "Render every group's files of a checkpoint",
		Private:     true,
		Blocking:    true,
	}, p.generateCheckpoint)
}

func (p *Plugin) generate(ctx context.Context, _ *dispatch.Call, args generateArgs) ([]etc.FileResult, error) {
	return p.core.Etc.Generate(ctx, args.Name, args.Checkpoint)
}

func (p *Plugin) generateCheckpoint(ctx context.Context, _ *dispatch.Call, args checkpointArgs) (map[string][]etc.FileResult, error) {
	return p.core.Etc.GenerateCheckpoint(ctx, args.Checkpoint)
}
