// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pool runs storage pool maintenance jobs. Scrubs of one pool
// are serialized by the lock key pool_scrub_<name>.
package pool

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/bureau-foundation/middlewared/internal/core"
	"github.com/bureau-foundation/middlewared/lib/dispatch"
	"github.com/bureau-foundation/middlewared/lib/subprocess"
)

// ScrubTimeout bounds one zpool scrub.
const ScrubTimeout = 48 * time.Hour

// Scrubber scrubs a pool, reporting progress as it goes.
type Scrubber interface {
	Scrub(ctx context.Context, pool string, logs io.Writer, progress func(percent float64)) error
}

// Zpool scrubs with the zpool command and waits for completion.
type Zpool struct {
	// Path defaults to "zpool".
	Path string
}

func (z Zpool) Scrub(ctx context.Context, pool string, logs io.Writer, _ func(float64)) error {
	path := z.Path
	if path == "" {
		path = "zpool"
	}
	_, err := subprocess.Run(ctx, subprocess.Command{
		Path:    path,
		Args:    []string{"scrub", "-w", pool},
		Stdout:  logs,
		Stderr:  logs,
		Timeout: ScrubTimeout,
	})
	return err
}

type scrubArgs struct {
	Name string `json:"name" validate:"nonempty"`
}

// LockKey is the job lock of scrubs of pool.
func LockKey(pool string) string { return "pool_scrub_" + pool }

// Plugin registers the pool namespace.
type Plugin struct {
	// Scrubber defaults to Zpool.
	Scrubber Scrubber

	core *core.Core
}

// New returns the pool plugin.
func New() *Plugin { return &Plugin{Scrubber: Zpool{}} }

func (p *Plugin) Name() string { return "pool" }

func (p *Plugin) Register(c *core.Core) error {
	p.core = c
	if p.Scrubber == nil {
		p.Scrubber = Zpool{}
	}
	return dispatch.Register(c.Dispatcher, dispatch.Method{
		Name:        "pool.scrub",
		Description: "Scrub a pool and wait for the scrub to finish",
		Roles:       []string{"POOL_SCRUB_WRITE"},
		Job: &dispatch.JobOptions{
			Abortable: true,
			Logs:      true,
			Locks: dispatch.Locks(func(args scrubArgs) []string {
				return []string{LockKey(args.Name)}
			}),
			Description: dispatch.Describe(func(args scrubArgs) string {
				return fmt.Sprintf("Scrubbing pool %s", args.Name)
			}),
		},
	}, p.scrub)
}

func (p *Plugin) scrub(ctx context.Context, call *dispatch.Call, args scrubArgs) (bool, error) {
	logger := p.core.Logger("pool")
	call.Job.SetProgress(0, "Scrub started", nil)
	start := p.core.Clock().Now()
	err := p.Scrubber.Scrub(ctx, args.Name, call.Job.Logs(), func(percent float64) {
		call.Job.SetProgress(percent, "", nil)
	})
	if err != nil {
		logger.Warn("pool scrub failed", "pool", args.Name, "job_id", call.Job.ID(), "error", err)
		return false, err
	}
	logger.Info("pool scrub finished", "pool", args.Name, "job_id", call.Job.ID(), "duration", p.core.Clock().Now().Sub(start))
	call.Job.SetProgress(100, "Scrub finished", nil)
	return true, nil
}
