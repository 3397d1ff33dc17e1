// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/clock"
	"github.com/bureau-foundation/middlewared/lib/events"
	"github.com/bureau-foundation/middlewared/lib/filter"
	"github.com/bureau-foundation/middlewared/lib/metrics"
)

// Topic is the event topic carrying job records.
const Topic = "core.get_jobs"

const (
	addedKind   = events.Added
	changedKind = events.Changed
	removedKind = events.Removed
)

// Defaults for zero Config fields.
const (
	DefaultMaxRetained      = 1000
	DefaultAbortGrace       = 30 * time.Second
	DefaultProgressInterval = 250 * time.Millisecond
	DefaultUnreadGrace      = 60 * time.Second
	DefaultLogQueueDepth    = 1024
)

var errNotAbortable = apierror.Call(apierror.EBUSY, "Job is not abortable")

// Publisher receives job events. *events.Bus satisfies it.
type Publisher interface {
	Publish(topic, kind string, id any, fields any)
}

// Config configures a Manager.
type Config struct {
	Clock     clock.Clock
	Logger    *slog.Logger
	Publisher Publisher

	// LogDir holds <id>.log files. Empty disables job logs.
	LogDir string

	// LogQueueDepth is the number of pending writes a log buffers
	// before dropping.
	LogQueueDepth int

	// LogRotateSize compresses finished logs larger than this many
	// bytes. Zero disables rotation.
	LogRotateSize int64

	// MaxRetained caps the job table. Finished jobs are evicted oldest
	// first once it is exceeded.
	MaxRetained int

	// DefaultTTL removes finished jobs this long after they finish.
	// Zero keeps them until the cap forces eviction.
	DefaultTTL time.Duration

	// MethodTTL overrides the retention of finished jobs per method.
	// It takes precedence over Definition.TTL.
	MethodTTL map[string]time.Duration

	// AbortGrace is how long an aborted RUNNING job has to return
	// before it is forced to ABORTED.
	AbortGrace time.Duration

	// ProgressInterval is the minimum spacing of coalesced progress
	// events.
	ProgressInterval time.Duration

	// UnreadGrace protects finished jobs nobody has read yet from cap
	// eviction for this long.
	UnreadGrace time.Duration
}

// Request describes one job submission.
type Request struct {
	Definition *Definition

	// Arguments is the redacted argument list stored in the job
	// record.
	Arguments any

	// Locks are the exclusive lock keys the job needs.
	Locks []string

	Description string
	Credentials *Credentials

	// Session is the submitting session. BindToSession aborts the job
	// when that session closes.
	Session       string
	BindToSession bool

	// Run, when set, replaces Definition.Run for this job. The
	// dispatcher uses it to close over the bound arguments.
	Run RunFunc
}

// Manager owns the job table.
type Manager struct {
	clock            clock.Clock
	logger           *slog.Logger
	publisher        Publisher
	logDir           string
	logQueueDepth    int
	logRotateSize    int64
	maxRetained      int
	defaultTTL       time.Duration
	methodTTL        map[string]time.Duration
	abortGrace       time.Duration
	progressInterval time.Duration
	unreadGrace      time.Duration

	// recordsMu guards records, the last published form of each job.
	// It is never held while calling the publisher, so the bus may
	// read it from inside its own lock.
	recordsMu sync.Mutex
	records   map[int64]map[string]any

	mu      sync.Mutex
	closed  bool
	nextID  int64
	jobs    map[int64]*Job
	order   []*Job
	waiting []*Job
	held    map[string]*Job
}

// NewManager creates an empty Manager.
func NewManager(cfg Config) *Manager {
	manager := &Manager{
		clock:            cfg.Clock,
		logger:           cfg.Logger,
		publisher:        cfg.Publisher,
		logDir:           cfg.LogDir,
		logQueueDepth:    cfg.LogQueueDepth,
		logRotateSize:    cfg.LogRotateSize,
		maxRetained:      cfg.MaxRetained,
		defaultTTL:       cfg.DefaultTTL,
		methodTTL:        cfg.MethodTTL,
		abortGrace:       cfg.AbortGrace,
		progressInterval: cfg.ProgressInterval,
		unreadGrace:      cfg.UnreadGrace,
		jobs:             make(map[int64]*Job),
		held:             make(map[string]*Job),
		records:          make(map[int64]map[string]any),
	}
	if manager.clock == nil {
		manager.clock = clock.Real()
	}
	if manager.logger == nil {
		manager.logger = slog.New(slog.DiscardHandler)
	}
	if manager.logQueueDepth <= 0 {
		manager.logQueueDepth = DefaultLogQueueDepth
	}
	if manager.maxRetained <= 0 {
		manager.maxRetained = DefaultMaxRetained
	}
	if manager.abortGrace <= 0 {
		manager.abortGrace = DefaultAbortGrace
	}
	if manager.progressInterval <= 0 {
		manager.progressInterval = DefaultProgressInterval
	}
	if manager.unreadGrace <= 0 {
		manager.unreadGrace = DefaultUnreadGrace
	}
	return manager
}

// Submit creates a WAITING job and starts it at once when its locks
// are free.
func (m *Manager) Submit(request Request) (*Job, error) {
	definition := request.Definition
	if definition == nil {
		return nil, errors.New("jobs: submit without a definition")
	}
	run := request.Run
	if run == nil {
		run = definition.Run
	}
	if run == nil {
		return nil, errors.New("jobs: submit without a run function")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, apierror.Call(apierror.EBUSY, "Job manager is shutting down")
	}
	if err := m.checkQueueLimitLocked(definition, request.Locks); err != nil {
		return nil, err
	}

	m.nextID++
	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		manager:       m,
		id:            m.nextID,
		definition:    definition,
		run:           run,
		arguments:     request.Arguments,
		locks:         slices.Compact(slices.Sorted(slices.Values(request.Locks))),
		credentials:   request.Credentials,
		session:       request.Session,
		bindToSession: request.BindToSession,
		timeStarted:   m.clock.Now(),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		state:         Waiting,
		description:   request.Description,
	}
	if definition.Logs && m.logDir != "" {
		writer, err := openLog(m.logDir, job.id, m.logQueueDepth)
		if err != nil {
			cancel()
			return nil, apierror.Internal(err)
		}
		job.logs = writer
		job.logsPath = writer.path
	}
	if definition.Input {
		job.input = newPipe()
	}
	if definition.Output {
		job.output = newPipe()
	}

	m.jobs[job.id] = job
	m.order = append(m.order, job)
	m.waiting = append(m.waiting, job)
	metrics.JobTransitions.WithLabelValues(definition.Method, string(Waiting)).Inc()
	metrics.JobsActive.WithLabelValues(string(Waiting)).Inc()

	job.mu.Lock()
	job.publishLocked(addedKind)
	job.mu.Unlock()

	m.logger.Debug("job submitted", "job", job.id, "method", definition.Method, "locks", job.locks)
	m.scheduleLocked()
	m.evictLocked()
	return job, nil
}

func (m *Manager) checkQueueLimitLocked(definition *Definition, locks []string) error {
	if definition.LockQueueSize == nil {
		return nil
	}
	limit := *definition.LockQueueSize
	for _, key := range locks {
		queued := 0
		for _, waiting := range m.waiting {
			if slices.Contains(waiting.locks, key) {
				queued++
			}
		}
		if limit == 0 && (m.held[key] != nil || queued > 0) || limit > 0 && queued >= limit {
			return apierror.Call(apierror.EBUSY, "This job is already being performed")
		}
	}
	return nil
}

// scheduleLocked starts every waiting job whose locks are free. A job
// that cannot start reserves its keys for the rest of the pass so that
// later submissions do not overtake it.
func (m *Manager) scheduleLocked() {
	reserved := make(map[string]bool)
	remaining := m.waiting[:0:0]
	for _, job := range m.waiting {
		free := true
		for _, key := range job.locks {
			if m.held[key] != nil || reserved[key] {
				free = false
				break
			}
		}
		if !free {
			for _, key := range job.locks {
				reserved[key] = true
			}
			remaining = append(remaining, job)
			continue
		}
		for _, key := range job.locks {
			m.held[key] = job
		}
		m.startLocked(job)
	}
	m.waiting = remaining
}

func (m *Manager) startLocked(job *Job) {
	job.mu.Lock()
	job.state = Running
	job.publishLocked(changedKind)
	job.mu.Unlock()

	metrics.JobTransitions.WithLabelValues(job.definition.Method, string(Running)).Inc()
	metrics.JobsActive.WithLabelValues(string(Waiting)).Dec()
	metrics.JobsActive.WithLabelValues(string(Running)).Inc()
	go m.run(job)
}

func (m *Manager) run(job *Job) {
	result, err := m.invoke(job)
	m.finish(job, result, err)
}

func (m *Manager) invoke(job *Job) (result any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = apierror.FromPanic(recovered, debug.Stack())
		}
	}()
	return job.run(job.ctx, job)
}

// finish performs the terminal transition exactly once. Later calls,
// such as a method returning after its forced abort, are ignored.
func (m *Manager) finish(job *Job, result any, runErr error) {
	job.mu.Lock()
	if job.finishing {
		job.mu.Unlock()
		return
	}
	job.finishing = true
	if job.graceTimer != nil {
		job.graceTimer.Stop()
		job.graceTimer = nil
	}
	previous := job.state
	aborted := job.abortRequested
	job.flushProgressLocked()
	job.mu.Unlock()

	logsPath, logsExcerpt := m.closeLogs(job)
	job.closePipes()

	state := Success
	var jobErr *apierror.Error
	switch {
	case aborted:
		state = Aborted
		jobErr = ErrAborted
	case runErr != nil:
		state = Failed
		jobErr = apierror.From(runErr)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range job.locks {
		if m.held[key] == job {
			delete(m.held, key)
		}
	}

	job.mu.Lock()
	if job.logs != nil {
		job.logsPath = logsPath
		job.logsExcerpt = &logsExcerpt
	}
	job.state = state
	job.timeFinished = m.clock.Now()
	job.err = jobErr
	if state == Success {
		job.result = result
		if job.progress.Percent == nil || *job.progress.Percent != 100 {
			complete := 100.0
			job.progress.Percent = &complete
		}
	}
	job.publishLocked(changedKind)
	job.mu.Unlock()

	metrics.JobTransitions.WithLabelValues(job.definition.Method, string(state)).Inc()
	metrics.JobsActive.WithLabelValues(string(previous)).Dec()
	if jobErr != nil && state == Failed {
		m.logger.Info("job failed", "job", job.id, "method", job.definition.Method, "error", jobErr)
	}

	if job.definition.Transient {
		m.removeLocked(job)
	}
	job.cancel()
	m.scheduleLocked()
	m.evictLocked()
	close(job.done)
}

func (m *Manager) closeLogs(job *Job) (string, string) {
	if job.logs == nil {
		return "", ""
	}
	path := job.logs.path
	if err := job.logs.close(); err != nil {
		m.logger.Warn("closing job log", "job", job.id, "error", err)
	}
	excerpt := logExcerpt(path)
	rotated, err := rotateLog(path, m.logRotateSize)
	if err != nil {
		m.logger.Warn("rotating job log", "job", job.id, "error", err)
	}
	return rotated, excerpt
}

// Get returns the job with id.
func (m *Manager) Get(id int64) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, apierror.NotFound("Job %d does not exist", id)
	}
	return job, nil
}

// Wait blocks until the job finishes and returns its raw result.
func (m *Manager) Wait(ctx context.Context, id int64) (any, error) {
	job, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-job.done:
		return job.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Abort stops a job. A WAITING job becomes ABORTED at once. A RUNNING
// job has its context cancelled and is forced to ABORTED if it has not
// returned within the abort grace. Aborting a finished job does
// nothing.
func (m *Manager) Abort(id int64) error {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return apierror.NotFound("Job %d does not exist", id)
	}

	job.mu.Lock()
	switch job.state {
	case Waiting:
		job.abortRequested = true
		job.mu.Unlock()
		m.waiting = slices.DeleteFunc(m.waiting, func(candidate *Job) bool { return candidate == job })
		m.mu.Unlock()
		m.finish(job, nil, nil)
		return nil

	case Running:
		defer m.mu.Unlock()
		defer job.mu.Unlock()
		if job.finishing || job.abortRequested {
			return nil
		}
		if !job.definition.Abortable {
			return errNotAbortable
		}
		job.abortRequested = true
		job.cancel()
		job.graceTimer = m.clock.AfterFunc(m.abortGrace, func() {
			m.logger.Warn("job ignored abort, forcing termination", "job", job.id, "method", job.definition.Method)
			m.finish(job, nil, nil)
		})
		m.logger.Info("job abort requested", "job", job.id, "method", job.definition.Method)
		return nil

	default:
		job.mu.Unlock()
		m.mu.Unlock()
		return nil
	}
}

// SessionClosed handles a disconnect: input pipes fed by the session
// are closed with an error and jobs bound to it are aborted.
func (m *Manager) SessionClosed(session string) {
	if session == "" {
		return
	}
	m.mu.Lock()
	var affected []*Job
	for _, job := range m.order {
		if job.session == session {
			affected = append(affected, job)
		}
	}
	m.mu.Unlock()

	cause := fmt.Errorf("jobs: session %s closed", session)
	for _, job := range affected {
		if job.State().Terminal() {
			continue
		}
		if job.input != nil {
			job.CloseInput(cause)
		}
		if job.bindToSession {
			if err := m.Abort(job.id); err != nil {
				m.logger.Debug("abort of session-bound job failed", "job", job.id, "error", err)
			}
		}
	}
}

// QueryRequest selects jobs for Query.
type QueryRequest struct {
	Filters []any
	Options filter.Options

	// Visible hides jobs the caller may not read. Nil shows all.
	Visible func(*Job) bool

	// Private adds stack traces of internal errors.
	Private bool
}

// Query returns job records filtered and shaped by the query options.
// Results are redacted unless the options carry extra.raw_result.
func (m *Manager) Query(request QueryRequest) (any, error) {
	m.mu.Lock()
	snapshot := slices.Clone(m.order)
	m.mu.Unlock()

	raw := request.Options.RawResult()
	rows := make([]map[string]any, 0, len(snapshot))
	for _, job := range snapshot {
		if request.Visible != nil && !request.Visible(job) {
			continue
		}
		job.mu.Lock()
		if job.state.Terminal() {
			job.read = true
		}
		rows = append(rows, job.encodeLocked(raw, request.Private))
		job.mu.Unlock()
	}
	return filter.Apply(rows, request.Filters, request.Options)
}

// Snapshot returns ADDED events for every non-transient job, for
// replay to new core.get_jobs subscribers. It only reads published
// records and is safe to call with the event bus locked.
func (m *Manager) Snapshot() []events.Event {
	m.recordsMu.Lock()
	defer m.recordsMu.Unlock()
	ids := slices.Sorted(maps.Keys(m.records))
	replay := make([]events.Event, 0, len(ids))
	for _, id := range ids {
		replay = append(replay, events.Event{Topic: Topic, Kind: addedKind, ID: id, Fields: m.records[id]})
	}
	return replay
}

func (m *Manager) storeRecord(id int64, record map[string]any) {
	m.recordsMu.Lock()
	defer m.recordsMu.Unlock()
	if record == nil {
		delete(m.records, id)
		return
	}
	m.records[id] = record
}

// DownloadLogs opens the log of a job. Logs of running jobs can be read
// while they grow.
func (m *Manager) DownloadLogs(id int64) (io.ReadCloser, error) {
	job, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	path := job.LogsPath()
	if path == "" {
		return nil, apierror.NotFound("Job %d has no logs", id)
	}
	reader, err := OpenLog(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, apierror.NotFound("Logs of job %d were removed", id)
	}
	return reader, err
}

// Sweep evicts finished jobs past their TTL and enforces the cap.
func (m *Manager) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked()
}

func (m *Manager) evictLocked() {
	now := m.clock.Now()
	var expired []*Job
	for _, job := range m.order {
		ttl := job.definition.TTL
		if override, ok := m.methodTTL[job.definition.Method]; ok {
			ttl = override
		}
		if ttl <= 0 {
			ttl = m.defaultTTL
		}
		job.mu.Lock()
		if ttl > 0 && job.state.Terminal() && now.Sub(job.timeFinished) >= ttl {
			expired = append(expired, job)
		}
		job.mu.Unlock()
	}
	for _, job := range expired {
		m.evictJobLocked(job)
	}

	excess := len(m.order) - m.maxRetained
	if excess <= 0 {
		return
	}
	var victims []*Job
	for _, job := range m.order {
		if len(victims) == excess {
			break
		}
		job.mu.Lock()
		evictable := job.state.Terminal() &&
			(job.read || now.Sub(job.timeFinished) >= m.unreadGrace)
		job.mu.Unlock()
		if evictable {
			victims = append(victims, job)
		}
	}
	for _, job := range victims {
		m.evictJobLocked(job)
	}
}

func (m *Manager) evictJobLocked(job *Job) {
	m.removeLocked(job)
	job.mu.Lock()
	path := job.logsPath
	job.publishLocked(removedKind)
	job.mu.Unlock()
	if path != "" {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("removing job log", "job", job.id, "error", err)
		}
	}
}

func (m *Manager) removeLocked(job *Job) {
	delete(m.jobs, job.id)
	m.order = slices.DeleteFunc(m.order, func(candidate *Job) bool { return candidate == job })
}

// Shutdown refuses new submissions, aborts every unfinished job and
// waits for them to finish or for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	pending := slices.Clone(m.order)
	m.mu.Unlock()

	for _, job := range pending {
		err := m.Abort(job.id)
		if errors.Is(err, errNotAbortable) {
			// The process is going away; signal the method anyway.
			job.cancel()
		} else if err != nil {
			m.logger.Debug("abort during shutdown failed", "job", job.id, "error", err)
		}
	}
	for _, job := range pending {
		select {
		case <-job.done:
		case <-ctx.Done():
			return fmt.Errorf("jobs: shutdown: %w", ctx.Err())
		}
	}
	return nil
}
