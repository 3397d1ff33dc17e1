// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit gates anonymous calls to rate-limited methods by
// (method, remote address).
//
// Each key counts its calls in a fixed window of Interval starting at
// the key's first call; the count is cleared once the window has
// passed. The cache holds at most MaxEntries keys. While it is full
// every anonymous call is refused, so a flood of spoofed origins
// cannot evict the counters of the addresses it hides among. Sweep
// drops keys whose window has passed.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/clock"
	"github.com/bureau-foundation/middlewared/lib/metrics"
)

// Defaults applied by New.
const (
	DefaultInterval   = 60 * time.Second
	DefaultMaxCalls   = 10
	DefaultMaxEntries = 100
)

// Config configures a Limiter.
type Config struct {
	// Interval is the window over which MaxCalls calls are admitted.
	Interval time.Duration

	MaxCalls int

	// MaxEntries bounds the number of tracked keys.
	MaxEntries int

	Clock clock.Clock

	Logger *slog.Logger
}

type entry struct {
	count       int
	windowStart time.Time
}

// Limiter is the rate limit cache.
type Limiter struct {
	interval   time.Duration
	maxCalls   int
	maxEntries int
	clock      clock.Clock
	logger     *slog.Logger

	// fullWarning throttles the saturation warning to one a minute.
	fullWarning rate.Sometimes

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a Limiter, filling unset fields with defaults.
func New(cfg Config) *Limiter {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxCalls <= 0 {
		cfg.MaxCalls = DefaultMaxCalls
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Limiter{
		interval:    cfg.Interval,
		maxCalls:    cfg.MaxCalls,
		maxEntries:  cfg.MaxEntries,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		fullWarning: rate.Sometimes{Interval: time.Minute},
		entries:     make(map[string]*entry),
	}
}

func key(method, address string) string {
	return method + "|" + address
}

// Allow admits or refuses one call of method from address. An empty
// address (internal callers) is never limited. The returned error is
// a PermissionDenied EAGAIN.
func (l *Limiter) Allow(method, address string) error {
	if address == "" {
		return nil
	}
	now := l.clock.Now()
	k := key(method, address)

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) >= l.maxEntries {
		l.fullWarning.Do(func() {
			l.logger.Warn("rate limit cache full, refusing anonymous calls", "entries", len(l.entries))
		})
		return l.refuse(method)
	}
	current, ok := l.entries[k]
	if !ok || now.Sub(current.windowStart) >= l.interval {
		current = &entry{windowStart: now}
		l.entries[k] = current
	}
	if current.count >= l.maxCalls {
		return l.refuse(method)
	}
	current.count++
	return nil
}

func (l *Limiter) refuse(method string) error {
	metrics.RateLimited.WithLabelValues(method).Inc()
	return apierror.RateLimited()
}

// Full reports whether the cache holds MaxEntries keys.
func (l *Limiter) Full() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries) >= l.maxEntries
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Sweep removes keys whose window has passed and returns how many
// were removed. Their next call would start a fresh window anyway.
func (l *Limiter) Sweep() int {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for k, current := range l.entries {
		if now.Sub(current.windowStart) >= l.interval {
			delete(l.entries, k)
			removed++
		}
	}
	return removed
}
