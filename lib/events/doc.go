// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package events is the middleware event bus.
//
// Topics are registered by name; a name ending in ".*" registers a
// family (every "datastore.<table>.<op>" falls under "datastore.*").
// A subscriber names a topic, a family, or "*" and may attach a filter
// list evaluated against each event's fields.
//
// Publishing never blocks. Each subscription has a bounded queue
// drained by its own goroutine that calls the subscriber's Deliver
// function. When a queue overflows, the subscription is removed from
// the bus; events already queued are still delivered, followed by one
// terminal event with Dropped set.
//
// Topics may register a Snapshot. A new subscriber receives the
// snapshot as its first events, enqueued under the same lock that
// orders publishes, so no change published after subscription can
// overtake it.
//
// [Subscription.Close] is synchronous: once it returns, Deliver is
// not called again. It must not be called from inside Deliver; use
// [Subscription.Cancel] there.
package events
