// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the time source injected into every middlewared
// component that schedules work: job progress coalescing, abort grace
// periods, rate-limit windows, token expiry, retention and the
// scheduler's minute tick.
//
// Production code holds a Clock field initialized with Real(). Tests
// substitute Fake(start) and move time explicitly with Advance, using
// WaitForTimers to synchronize with goroutines that register timers:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	manager := jobs.NewManager(jobs.Config{Clock: fake})
//	fake.WaitForTimers(1)
//	fake.Advance(250 * time.Millisecond)
package clock
