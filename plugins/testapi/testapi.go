// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testapi provides the private test namespace, methods that
// exercise the job machinery end to end.
package testapi

import (
	"context"
	"time"

	"github.com/bureau-foundation/middlewared/internal/core"
	"github.com/bureau-foundation/middlewared/lib/dispatch"
)

// EchoOptions are the arguments of test.echo_job.
type EchoOptions struct {
	// Delay is in seconds.
	Delay float64 `json:"delay" validate:"min=0,max=3600"`
	Value any     `json:"value"`
}

type echoArgs struct {
	Options EchoOptions `json:"options"`
}

// Plugin registers the test namespace.
type Plugin struct {
	core *core.Core
}

// New returns the test plugin.
func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "test" }

func (p *Plugin) Register(c *core.Core) error {
	p.core = c
	return dispatch.Register(c.Dispatcher, dispatch.Method{
		Name:        "test.echo_job",
		Description: "Sleep for delay seconds, reporting progress, then return value",
		Private:     true,
		Job: &dispatch.JobOptions{
			Abortable: true,
			Description: dispatch.Describe(func(args echoArgs) string {
				return "Echoing after " + time.Duration(args.Options.Delay*float64(time.Second)).String()
			}),
		},
	}, p.echo)
}

func (p *Plugin) echo(ctx context.Context, call *dispatch.Call, args echoArgs) (any, error) {
	call.Job.SetProgress(0, "Waiting", nil)
	if delay := time.Duration(args.Options.Delay * float64(time.Second)); delay > 0 {
		select {
		case <-p.core.Clock().After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call.Job.SetProgress(100, "Done", nil)
	return args.Options.Value, nil
}
