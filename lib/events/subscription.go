// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/middlewared/lib/filter"
)

// Subscription is one consumer of a topic pattern.
type Subscription struct {
	id      string
	bus     *Bus
	pattern string
	filter  filter.Expr
	access  func(Event) bool
	deliver func(Event)

	// mu guards queue sends against close.
	mu         sync.Mutex
	queue      chan Event
	closed     bool
	overflowed bool

	startOnce sync.Once
	start     chan struct{}

	// deliverMu is held for each Deliver call; Close takes it to wait
	// out an in-flight delivery.
	deliverMu sync.Mutex
	stopped   atomic.Bool

	done chan struct{}
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Pattern returns the subscribed topic pattern.
func (s *Subscription) Pattern() string { return s.pattern }

// Done is closed when the delivery goroutine exits.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Start releases a paused subscription. Idempotent.
func (s *Subscription) Start() {
	s.startOnce.Do(func() { close(s.start) })
}

func (s *Subscription) wants(event Event) bool {
	if !s.matches(event.Topic) {
		return false
	}
	if s.access != nil && !s.access(event) {
		return false
	}
	if s.filter == nil {
		return true
	}
	fields, ok := event.Fields.(map[string]any)
	if !ok {
		return true
	}
	return s.filter.Match(fields)
}

func (s *Subscription) matches(topic string) bool {
	switch {
	case s.pattern == "*":
		return true
	case strings.HasSuffix(s.pattern, "*"):
		return strings.HasPrefix(topic, strings.TrimSuffix(s.pattern, "*"))
	}
	return topic == s.pattern
}

// enqueue adds event without blocking. Returns false on overflow,
// after closing the queue.
func (s *Subscription) enqueue(event Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.queue <- event:
		return true
	default:
		s.overflowed = true
		s.closed = true
		close(s.queue)
		return false
	}
}

func (s *Subscription) run() {
	defer close(s.done)
	<-s.start
	for event := range s.queue {
		if !s.call(event) {
			return
		}
	}
	s.mu.Lock()
	overflowed := s.overflowed
	s.mu.Unlock()
	if overflowed {
		s.call(Event{Topic: s.pattern, Dropped: true})
	}
}

func (s *Subscription) call(event Event) bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.stopped.Load() {
		return false
	}
	s.deliver(event)
	return true
}

// Cancel stops the subscription without waiting for an in-flight
// delivery. Safe to call from Deliver.
func (s *Subscription) Cancel() {
	s.stopped.Store(true)
	s.bus.remove(s)
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	s.Start()
}

// Close stops the subscription. After Close returns, Deliver is not
// called again.
func (s *Subscription) Close() {
	s.Cancel()
	s.deliverMu.Lock()
	s.deliverMu.Unlock()
}
