// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a Clock whose time moves only when Advance is called.
// Safe for concurrent use. AfterFunc callbacks run synchronously inside
// Advance, so they must not call Advance themselves.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*pendingEvent
	changed *sync.Cond
	nextSeq uint64
}

type pendingEvent struct {
	at       time.Time
	seq      uint64
	channel  chan time.Time
	callback func()
	period   time.Duration
	done     bool
}

// Fake returns a FakeClock reading start.
func Fake(start time.Time) *FakeClock {
	fake := &FakeClock{now: start}
	fake.changed = sync.NewCond(&fake.mu)
	return fake
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	channel := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		channel <- c.now
		return channel
	}
	c.addLocked(&pendingEvent{at: c.now.Add(d), channel: channel})
	return channel
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}
	c.mu.Lock()
	event := &pendingEvent{at: c.now.Add(d), callback: f}
	c.addLocked(event)
	c.mu.Unlock()
	return &Timer{stop: func() bool { return c.cancel(event) }}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker period")
	}
	channel := make(chan time.Time, 1)
	c.mu.Lock()
	event := &pendingEvent{at: c.now.Add(d), channel: channel, period: d}
	c.addLocked(event)
	c.mu.Unlock()
	return &Ticker{C: channel, stop: func() { c.cancel(event) }}
}

func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// Advance moves time forward by d, firing every timer, ticker and
// sleeper whose deadline is reached, in deadline order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		event := c.popDueLocked(target)
		if event == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		if event.at.After(c.now) {
			c.now = event.at
		}
		fireAt := c.now
		if event.period > 0 {
			event.at = event.at.Add(event.period)
			c.addLocked(event)
		} else {
			event.done = true
		}
		c.mu.Unlock()

		switch {
		case event.callback != nil:
			event.callback()
		case event.channel != nil:
			select {
			case event.channel <- fireAt:
			default:
			}
		}
	}
}

// WaitForTimers blocks until at least n timers, tickers or sleepers
// are pending.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.changed.Wait()
	}
}

// PendingCount reports the number of pending timers, tickers and
// sleepers.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *FakeClock) addLocked(event *pendingEvent) {
	c.nextSeq++
	event.seq = c.nextSeq
	c.pending = append(c.pending, event)
	sort.SliceStable(c.pending, func(i, j int) bool {
		if c.pending[i].at.Equal(c.pending[j].at) {
			return c.pending[i].seq < c.pending[j].seq
		}
		return c.pending[i].at.Before(c.pending[j].at)
	})
	c.changed.Broadcast()
}

func (c *FakeClock) popDueLocked(target time.Time) *pendingEvent {
	if len(c.pending) == 0 || c.pending[0].at.After(target) {
		return nil
	}
	event := c.pending[0]
	c.pending = c.pending[1:]
	return event
}

func (c *FakeClock) cancel(event *pendingEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, candidate := range c.pending {
		if candidate == event {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			c.changed.Broadcast()
			return true
		}
	}
	return false
}
