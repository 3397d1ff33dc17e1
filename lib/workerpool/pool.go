// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package workerpool bounds blocking work offloaded from method
// handlers: synchronous syscalls, subprocess waits and libraries
// without context support.
//
// The bound defaults to max(21, NumCPU+4) plus one buffer slot, so a
// single waiting caller never observes a saturated pool when the
// regular workers are all busy.
package workerpool

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/bureau-foundation/middlewared/lib/metrics"
)

// DefaultSize returns max(21, NumCPU+4).
func DefaultSize() int {
	return max(21, runtime.NumCPU()+4)
}

// Pool runs functions on bounded goroutines.
type Pool struct {
	size int
	sem  *semaphore.Weighted
	busy atomic.Int64
}

// New returns a pool of size workers plus one buffer slot. A
// non-positive size selects DefaultSize.
func New(size int) *Pool {
	if size <= 0 {
		size = DefaultSize()
	}
	return &Pool{size: size, sem: semaphore.NewWeighted(int64(size + 1))}
}

// Size returns the number of regular workers.
func (p *Pool) Size() int { return p.size }

// Busy returns the number of running functions.
func (p *Pool) Busy() int { return int(p.busy.Load()) }

// Idle reports whether a regular worker is free, not counting the
// buffer slot.
func (p *Pool) Idle() bool { return p.Busy() < p.size }

// Run executes fn on a pool goroutine and waits for it. If ctx ends
// first, Run returns ctx.Err() while fn keeps its slot until it
// returns. A panic in fn is returned as an error.
func Run[T any](ctx context.Context, p *Pool, fn func() (T, error)) (T, error) {
	var zero T
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return zero, err
	}
	p.busy.Add(1)
	metrics.WorkersBusy.Inc()

	result := make(chan outcome[T], 1)
	go func() {
		var out outcome[T]
		func() {
			defer func() {
				if recovered := recover(); recovered != nil {
					out.err = &PanicError{Value: recovered, Stack: debug.Stack()}
				}
			}()
			out.value, out.err = fn()
		}()
		p.busy.Add(-1)
		metrics.WorkersBusy.Dec()
		p.sem.Release(1)
		result <- out
	}()

	select {
	case out := <-result:
		return out.value, out.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

type outcome[T any] struct {
	value T
	err   error
}

// PanicError carries a panic recovered from pool work.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("workerpool: panic: %v", e.Value)
}
