// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"
	"time"

	"github.com/bureau-foundation/middlewared/lib/scheduler"
)

// HousekeepingInterval is how often retention and expiry run.
const HousekeepingInterval = time.Minute

// addHousekeeping schedules the periodic cleanup of in-memory tables.
func (c *Core) addHousekeeping() error {
	tasks := []scheduler.Task{
		{Name: "jobs.sweep", Run: func(context.Context) error {
			c.Jobs.Sweep()
			return nil
		}},
		{Name: "ratelimit.sweep", Run: func(context.Context) error {
			if removed := c.RateLimit.Sweep(); removed > 0 {
				c.logger.Debug("rate limit entries expired", "count", removed)
			}
			return nil
		}},
		{Name: "auth.token_cleanup", Run: func(context.Context) error {
			if removed := c.Signer.Cleanup(); removed > 0 {
				c.logger.Debug("expired token revocations removed", "count", removed)
			}
			return nil
		}},
		{Name: "auth.idle_sessions", Run: func(context.Context) error {
			if expired := c.Sessions.ExpireIdle(); expired > 0 {
				c.logger.Info("idle sessions terminated", "count", expired)
			}
			return nil
		}},
	}
	for _, task := range tasks {
		task.Group = "core.housekeeping"
		task.Interval = HousekeepingInterval
		if err := c.Scheduler.Add(task); err != nil {
			return err
		}
	}
	return nil
}
