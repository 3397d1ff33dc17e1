// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package jobs

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"time"

	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/clock"
	"github.com/bureau-foundation/middlewared/lib/model"
)

// State is a job lifecycle state.
type State string

const (
	Waiting State = "WAITING"
	Running State = "RUNNING"
	Success State = "SUCCESS"
	Failed  State = "FAILED"
	Aborted State = "ABORTED"
)

// Terminal reports whether s is SUCCESS, FAILED or ABORTED.
func (s State) Terminal() bool {
	return s == Success || s == Failed || s == Aborted
}

// Progress is the last progress report of a job.
type Progress struct {
	Percent     *float64 `json:"percent"`
	Description string   `json:"description"`
	Extra       any      `json:"extra"`
}

// Credentials identifies the submitter in the job record.
type Credentials struct {
	Type     string
	Username string
}

// RunFunc is the body of a job method. ctx is cancelled when the job
// is aborted.
type RunFunc func(ctx context.Context, job *Job) (any, error)

// Definition describes how a method runs as a job. One Definition is
// shared by every job of the method.
type Definition struct {
	Method string
	Run    RunFunc

	// Abortable permits abort of a RUNNING job. WAITING jobs can
	// always be aborted.
	Abortable bool

	// Transient jobs publish no events and leave the table when they
	// finish.
	Transient bool

	// Logs gives each job an on-disk log.
	Logs bool

	// Input and Output give each job a byte pipe fed and drained
	// through the upload and download side channels.
	Input  bool
	Output bool

	// LockQueueSize, when set, bounds how many jobs may wait on each
	// lock key. Zero rejects the submit whenever the key is taken.
	LockQueueSize *int

	// TTL overrides the manager's retention for finished jobs of this
	// method.
	TTL time.Duration

	// DumpResult renders a result for job records. exposeSecrets is
	// false for redacted query output. Nil means model.Dump.
	DumpResult func(result any, exposeSecrets bool) (any, error)
}

// QueueSize returns a pointer to n, for Definition.LockQueueSize.
func QueueSize(n int) *int { return &n }

// ErrAborted is the error of an ABORTED job.
var ErrAborted = apierror.Call(apierror.ECANCELED, "Job aborted")

// Job is one asynchronous method invocation.
type Job struct {
	manager    *Manager
	id         int64
	definition *Definition
	run        RunFunc

	arguments     any
	locks         []string
	credentials   *Credentials
	session       string
	bindToSession bool
	timeStarted   time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	input  *pipe
	output *pipe
	logs   *logWriter

	mu             sync.Mutex
	state          State
	description    string
	progress       Progress
	progressTimer  *clock.Timer
	lastPublish    time.Time
	result         any
	err            *apierror.Error
	timeFinished   time.Time
	logsPath       string
	logsExcerpt    *string
	abortRequested bool
	graceTimer     *clock.Timer
	finishing      bool
	read           bool
}

// ID returns the job id.
func (j *Job) ID() int64 { return j.id }

// Method returns the name of the method the job runs.
func (j *Job) Method() string { return j.definition.Method }

// Definition returns the method's job definition.
func (j *Job) Definition() *Definition { return j.definition }

// Session returns the id of the session that submitted the job, or ""
// for internal submissions.
func (j *Job) Session() string { return j.session }

// Credentials returns the submitter, or nil for internal submissions.
func (j *Job) Credentials() *Credentials { return j.credentials }

// State returns the current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Done is closed after the terminal event has been published.
func (j *Job) Done() <-chan struct{} { return j.done }

// Result returns the raw result or the error of a finished job.
func (j *Job) Result() (any, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.read = true
	if j.state == Success {
		return j.result, nil
	}
	if j.err != nil {
		return nil, j.err
	}
	return nil, apierror.Call(apierror.EBUSY, "Job %d has not finished", j.id)
}

// SetProgress records progress. percent is clamped to [0, 100] and
// rounded down. An empty description keeps the previous one.
func (j *Job) SetProgress(percent float64, description string, extra any) {
	percent = math.Floor(math.Max(0, math.Min(100, percent)))
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.finishing {
		return
	}
	j.progress.Percent = &percent
	if description != "" {
		j.progress.Description = description
	}
	j.progress.Extra = extra
	j.progressChangedLocked()
}

// SetDescription replaces the job's description.
func (j *Job) SetDescription(description string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.finishing {
		return
	}
	j.description = description
	j.progressChangedLocked()
}

// Logs returns the job's log writer. Writes never block; bytes the
// writer cannot keep up with are dropped and the log is marked
// truncated. Jobs without logs get io.Discard.
func (j *Job) Logs() io.Writer {
	if j.logs == nil {
		return io.Discard
	}
	return j.logs
}

// LogsPath returns the current log path, or "" when the job has no
// log.
func (j *Job) LogsPath() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.logsPath
}

// Input returns the read side of the input pipe, or nil. Reads block
// until an upload supplies data.
func (j *Job) Input() io.Reader {
	if j.input == nil {
		return nil
	}
	return j.input.reader
}

// Output returns the write side of the output pipe, or io.Discard.
func (j *Job) Output() io.Writer {
	if j.output == nil {
		return io.Discard
	}
	return j.output.writer
}

// HasInput reports whether the job declares an input pipe.
func (j *Job) HasInput() bool { return j.input != nil }

// HasOutput reports whether the job declares an output pipe.
func (j *Job) HasOutput() bool { return j.output != nil }

// Upload copies source into the input pipe and closes it. A failed
// copy closes the pipe with the error, which aborts the job.
func (j *Job) Upload(source io.Reader) error {
	if j.input == nil {
		return apierror.Call(apierror.EINVAL, "Job %d does not accept input", j.id)
	}
	if _, err := io.Copy(j.input.writer, source); err != nil {
		j.CloseInput(err)
		return err
	}
	return j.input.writer.Close()
}

// CloseInput closes the writing side of the input pipe. A non-nil
// cause is a cancel signal: the job sees cause from its next read and
// is aborted.
func (j *Job) CloseInput(cause error) {
	if j.input == nil {
		return
	}
	if cause == nil {
		j.input.writer.Close()
		return
	}
	j.input.writer.CloseWithError(cause)
	if err := j.manager.Abort(j.id); err != nil && !errors.Is(err, errNotAbortable) {
		j.manager.logger.Debug("abort on input close failed", "job", j.id, "error", err)
	}
}

// OutputReader returns the read side of the output pipe, or nil.
func (j *Job) OutputReader() io.Reader {
	if j.output == nil {
		return nil
	}
	return j.output.reader
}

func (j *Job) progressChangedLocked() {
	if j.state != Running || j.progressTimer != nil {
		return
	}
	interval := j.manager.progressInterval
	elapsed := j.manager.clock.Now().Sub(j.lastPublish)
	if elapsed >= interval {
		j.publishLocked(changedKind)
		return
	}
	j.progressTimer = j.manager.clock.AfterFunc(interval-elapsed, j.flushProgress)
}

func (j *Job) flushProgress() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.progressTimer == nil {
		return
	}
	j.progressTimer = nil
	j.publishLocked(changedKind)
}

// flushProgressLocked publishes any coalesced update immediately.
func (j *Job) flushProgressLocked() {
	if j.progressTimer == nil {
		return
	}
	j.progressTimer.Stop()
	j.progressTimer = nil
	j.publishLocked(changedKind)
}

func (j *Job) publishLocked(kind string) {
	j.lastPublish = j.manager.clock.Now()
	if j.definition.Transient {
		return
	}
	record := j.encodeLocked(false, false)
	if kind == removedKind {
		j.manager.storeRecord(j.id, nil)
	} else {
		j.manager.storeRecord(j.id, record)
	}
	if j.manager.publisher != nil {
		j.manager.publisher.Publish(Topic, kind, j.id, record)
	}
}

// encodeLocked renders the job record. rawResult selects the
// unredacted result; private adds stack traces of internal errors.
func (j *Job) encodeLocked(rawResult, private bool) map[string]any {
	var result, resultEncodingError any
	if j.state == Success {
		dump := j.definition.DumpResult
		if dump == nil {
			dump = model.Dump
		}
		rendered, err := dump(j.result, rawResult)
		if err != nil {
			resultEncodingError = err.Error()
		} else {
			result = rendered
		}
	}

	var errorText, exception, excInfo any
	if j.err != nil {
		errorText = j.err.Short()
		if private && j.err.Stack != "" {
			exception = j.err.Stack
		}
		var errno any
		if j.err.Errno != 0 {
			errno = j.err.Errno
		}
		excInfo = map[string]any{
			"repr":  j.err.Error(),
			"type":  string(j.err.Kind),
			"errno": errno,
			"extra": j.err.Extra,
		}
	}

	var credentials any
	if j.credentials != nil {
		credentials = map[string]any{
			"type": j.credentials.Type,
			"data": map[string]any{"username": j.credentials.Username},
		}
	}

	var logsPath, logsExcerpt any
	if j.logsPath != "" {
		logsPath = j.logsPath
	}
	if j.logsExcerpt != nil {
		logsExcerpt = *j.logsExcerpt
	}

	var percent any
	if j.progress.Percent != nil {
		percent = *j.progress.Percent
	}

	var description any
	if j.description != "" {
		description = j.description
	}

	return map[string]any{
		"id":           j.id,
		"method":       j.definition.Method,
		"arguments":    j.arguments,
		"transient":    j.definition.Transient,
		"description":  description,
		"abortable":    j.definition.Abortable,
		"logs_path":    logsPath,
		"logs_excerpt": logsExcerpt,
		"progress": map[string]any{
			"percent":     percent,
			"description": j.progress.Description,
			"extra":       j.progress.Extra,
		},
		"result":                result,
		"result_encoding_error": resultEncodingError,
		"error":                 errorText,
		"exception":             exception,
		"exc_info":              excInfo,
		"state":                 string(j.state),
		"time_started":          dateValue(j.timeStarted),
		"time_finished":         dateValue(j.timeFinished),
		"credentials":           credentials,
	}
}

// dateValue renders t the way the filter language compares
// timestamps, as {"$date": milliseconds}.
func dateValue(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return map[string]any{"$date": t.UnixMilli()}
}
