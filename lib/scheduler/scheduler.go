// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package scheduler fires periodic tasks on a per-minute tick.
//
// A task is due either when its cron [Schedule] matches the tick's
// minute or when its Interval has elapsed since it last ran. Ticks
// fall on minute boundaries of the scheduler's clock, so a task set
// for "*/5 * * * *" runs at :00, :05, ... regardless of when the daemon
// started. Due tasks run concurrently; a task whose previous run has
// not returned is skipped for that tick. Tasks normally submit a job
// under their own lock key, which keeps overruns from stacking even
// across restarts of the scheduler.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/middlewared/lib/clock"
	"github.com/bureau-foundation/middlewared/lib/metrics"
)

// Task is one periodic unit of work. Exactly one of Schedule and
// Interval is set.
type Task struct {
	// Name is unique within the scheduler.
	Name string

	// Group lets a plugin replace all of its tasks at once (see
	// SetGroup).
	Group string

	Schedule *Schedule
	Interval time.Duration

	Run func(ctx context.Context) error
}

// Config holds the parameters for New.
type Config struct {
	Clock clock.Clock

	// Location is the time zone cron schedules are evaluated in.
	// Defaults to time.Local.
	Location *time.Location

	Logger *slog.Logger
}

// Scheduler runs registered tasks. Tasks may be added and removed
// while it runs.
type Scheduler struct {
	clock    clock.Clock
	location *time.Location
	logger   *slog.Logger

	mu    sync.Mutex
	tasks map[string]*taskState
	runs  sync.WaitGroup
}

type taskState struct {
	task    Task
	lastRun time.Time
	running bool
}

// New returns an empty Scheduler.
func New(cfg Config) *Scheduler {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	location := cfg.Location
	if location == nil {
		location = time.Local
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{clock: clk, location: location, logger: logger, tasks: map[string]*taskState{}}
}

func validate(task Task) error {
	if task.Name == "" || task.Run == nil {
		return errors.New("scheduler: task needs a name and a Run function")
	}
	if (task.Schedule == nil) == (task.Interval <= 0) {
		return fmt.Errorf("scheduler: task %s needs exactly one of Schedule and Interval", task.Name)
	}
	return nil
}

// Add registers a task. Interval tasks first run one Interval after
// they are added.
func (s *Scheduler) Add(task Task) error {
	if err := validate(task); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.Name]; exists {
		return fmt.Errorf("scheduler: task %s already registered", task.Name)
	}
	s.tasks[task.Name] = &taskState{task: task, lastRun: s.clock.Now()}
	return nil
}

// Remove unregisters a task. A run in progress is not interrupted.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, name)
}

// SetGroup replaces every task of group with tasks. Tasks keep their
// run state when their name survives the replacement.
func (s *Scheduler) SetGroup(group string, tasks []Task) error {
	for i := range tasks {
		tasks[i].Group = group
		if err := validate(tasks[i]); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range tasks {
		if existing, exists := s.tasks[task.Name]; exists && existing.task.Group != group {
			return fmt.Errorf("scheduler: task %s already registered outside group %s", task.Name, group)
		}
	}
	previous := map[string]*taskState{}
	for name, state := range s.tasks {
		if state.task.Group == group {
			previous[name] = state
			delete(s.tasks, name)
		}
	}
	for _, task := range tasks {
		state := &taskState{task: task, lastRun: s.clock.Now()}
		if old, ok := previous[task.Name]; ok {
			state.lastRun, state.running = old.lastRun, old.running
		}
		s.tasks[task.Name] = state
	}
	return nil
}

// Names returns the registered task names, sorted.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Run ticks at every minute boundary until ctx is cancelled, then
// waits for running tasks to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started")
	defer s.runs.Wait()
	for {
		now := s.clock.Now()
		next := now.Truncate(time.Minute).Add(time.Minute)
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return nil
		case <-s.clock.After(next.Sub(now)):
		}
		s.Tick(ctx, next)
	}
}

// Wait blocks until the tasks started so far have returned.
func (s *Scheduler) Wait() { s.runs.Wait() }

// Tick starts every task due at now. Run calls it once per minute;
// it is exported for callers that drive the scheduler themselves.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	local := now.In(s.location)
	s.mu.Lock()
	var due []*taskState
	for _, state := range s.tasks {
		if !s.isDue(state, local) {
			continue
		}
		if state.running {
			s.logger.Warn("periodic task still running, skipping", "task", state.task.Name)
			metrics.SchedulerRuns.WithLabelValues(state.task.Name, "skipped").Inc()
			continue
		}
		state.running = true
		state.lastRun = now
		due = append(due, state)
	}
	s.mu.Unlock()

	for _, state := range due {
		s.runs.Add(1)
		go s.run(ctx, state)
	}
}

func (s *Scheduler) isDue(state *taskState, now time.Time) bool {
	if state.task.Schedule != nil {
		return state.task.Schedule.Matches(now)
	}
	return now.Sub(state.lastRun) >= state.task.Interval
}

func (s *Scheduler) run(ctx context.Context, state *taskState) {
	defer s.runs.Done()
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("periodic task panicked", "task", state.task.Name, "panic", recovered)
			metrics.SchedulerRuns.WithLabelValues(state.task.Name, "failure").Inc()
		}
		s.mu.Lock()
		state.running = false
		s.mu.Unlock()
	}()

	if err := state.task.Run(ctx); err != nil {
		s.logger.Error("periodic task failed", "task", state.task.Name, "error", err)
		metrics.SchedulerRuns.WithLabelValues(state.task.Name, "failure").Inc()
		return
	}
	metrics.SchedulerRuns.WithLabelValues(state.task.Name, "success").Inc()
}
