// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package jobs runs long method invocations asynchronously and tracks
// their state.
//
// A job moves WAITING → RUNNING → {SUCCESS, FAILED, ABORTED} and never
// backwards. A WAITING job starts only when every lock key it declares
// is free; keys are acquired all at once and released together on the
// terminal transition. Jobs waiting on the same key start in submission
// order.
//
// Every transition is published on the core.get_jobs topic. Progress
// updates are coalesced to at most one event per ProgressInterval; any
// pending progress is flushed before the terminal event so subscribers
// see the final percentage before the state change.
//
// On the terminal transition the manager closes the job's log, closes
// its pipes, releases its locks, records the finish time and only then
// publishes the terminal event. A log tail that observes the terminal
// event has therefore already seen end of file.
package jobs
