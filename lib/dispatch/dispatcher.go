// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/auth"
	"github.com/bureau-foundation/middlewared/lib/clock"
	"github.com/bureau-foundation/middlewared/lib/jobs"
	"github.com/bureau-foundation/middlewared/lib/metrics"
	"github.com/bureau-foundation/middlewared/lib/model"
	"github.com/bureau-foundation/middlewared/lib/ratelimit"
	"github.com/bureau-foundation/middlewared/lib/workerpool"
)

// Config configures a Dispatcher.
type Config struct {
	Roles *auth.RoleManager
	Jobs  *jobs.Manager

	// Workers runs Blocking handlers. Nil runs them inline.
	Workers *workerpool.Pool

	// RateLimit gates anonymous calls of no-auth methods. Nil disables
	// rate limiting.
	RateLimit *ratelimit.Limiter

	// RateLimitPenalty is the upper bound of the random delay added
	// before a rate-limited call is refused.
	RateLimitPenalty time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Dispatcher is the method registry.
type Dispatcher struct {
	roles     *auth.RoleManager
	jobs      *jobs.Manager
	workers   *workerpool.Pool
	rateLimit *ratelimit.Limiter
	penalty   time.Duration
	clock     clock.Clock
	logger    *slog.Logger

	mu      sync.RWMutex
	methods map[string]*Method
}

// New creates an empty Dispatcher.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		roles:     cfg.Roles,
		jobs:      cfg.Jobs,
		workers:   cfg.Workers,
		rateLimit: cfg.RateLimit,
		penalty:   cfg.RateLimitPenalty,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		methods:   make(map[string]*Method),
	}
	if d.roles == nil {
		d.roles = auth.NewRoleManager(auth.DefaultRoles())
	}
	if d.clock == nil {
		d.clock = clock.Real()
	}
	if d.logger == nil {
		d.logger = slog.New(slog.DiscardHandler)
	}
	return d
}

// Roles returns the role manager methods register their roles with.
func (d *Dispatcher) Roles() *auth.RoleManager { return d.roles }

// Jobs returns the job manager.
func (d *Dispatcher) Jobs() *jobs.Manager { return d.jobs }

func (d *Dispatcher) register(method *Method) error {
	if err := method.check(); err != nil {
		return err
	}
	if method.Job != nil && d.jobs == nil {
		return fmt.Errorf("dispatch: %s: job method registered without a job manager", method.Name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.methods[method.Name]; exists {
		return fmt.Errorf("dispatch: method %s is already registered", method.Name)
	}
	if len(method.Roles) > 0 {
		if err := d.roles.RegisterMethod(method.Name, method.Roles); err != nil {
			return fmt.Errorf("dispatch: %w", err)
		}
	}
	if options := method.Job; options != nil {
		method.definition = &jobs.Definition{
			Method:        method.Name,
			Abortable:     options.Abortable,
			Transient:     options.Transient,
			Logs:          options.Logs,
			Input:         options.Input,
			Output:        options.Output,
			LockQueueSize: options.LockQueueSize,
			TTL:           options.TTL,
			DumpResult:    model.Dump,
		}
	}
	d.methods[method.Name] = method
	return nil
}

// Lookup returns the registered method called name.
func (d *Dispatcher) Lookup(name string) (*Method, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	method, ok := d.methods[name]
	return method, ok
}

// Methods describes the registered methods sorted by name. Private
// methods are included only when includePrivate is set.
func (d *Dispatcher) Methods(includePrivate bool) []Info {
	d.mu.RLock()
	infos := make([]Info, 0, len(d.methods))
	for _, method := range d.methods {
		if method.public() || includePrivate {
			infos = append(infos, method.info())
		}
	}
	d.mu.RUnlock()
	slices.SortFunc(infos, func(a, b Info) int { return strings.Compare(a.Name, b.Name) })
	return infos
}

// Private reports whether errors sent to session may carry internal
// detail such as stack traces.
func Private(session *auth.Session) bool {
	if session == nil {
		return true
	}
	credential := session.Credential()
	return credential != nil && credential.FullAdmin()
}

// Call runs method name for session with the given parameters. The
// result is in generic JSON form, redacted and adapted for the
// session. Job methods return the job id. Every returned error is an
// *apierror.Error.
func (d *Dispatcher) Call(ctx context.Context, session *auth.Session, name string, params model.Params) (any, error) {
	method, ok := d.Lookup(name)
	if !ok {
		return nil, apierror.NoMethod(name)
	}
	if session != nil {
		session.Touch()
	}
	start := d.clock.Now()
	result, err := d.call(ctx, session, method, params)
	return result, d.finish(method, session, start, err)
}

func (d *Dispatcher) call(ctx context.Context, session *auth.Session, method *Method, params model.Params) (any, error) {
	var credential *auth.Credential
	var version string
	if session != nil {
		credential = session.Credential()
		version = session.Version()
	}

	adapters := method.adaptersFor(version)
	params, err := adaptParams(adapters, params)
	if err != nil {
		return nil, apierror.Validation("params", err.Error())
	}
	args, err := method.bind(params)
	if err != nil {
		return nil, err
	}
	if err := d.authorize(ctx, session, credential, method); err != nil {
		return nil, err
	}

	call := &Call{Dispatcher: d, Method: method, Session: session, Credential: credential}
	if method.Job != nil {
		job, err := d.submit(call, args)
		if err != nil {
			return nil, err
		}
		return job.ID(), nil
	}

	raw, err := d.execute(ctx, call, args)
	if err != nil {
		return nil, err
	}
	result, err := model.Dump(raw, call.ExposeSecrets())
	if err != nil {
		return nil, fmt.Errorf("dispatch: serializing %s result: %w", method.Name, err)
	}
	return adaptResult(adapters, result)
}

func (d *Dispatcher) authorize(ctx context.Context, session *auth.Session, credential *auth.Credential, method *Method) error {
	if session == nil {
		return nil
	}
	if method.NoAuth {
		if credential != nil || method.NoRateLimit || d.rateLimit == nil {
			return nil
		}
		if err := d.rateLimit.Allow(method.Name, session.Origin().IP()); err != nil {
			d.penalize(ctx)
			return err
		}
		return nil
	}
	if credential == nil {
		return apierror.NotAuthenticated()
	}
	if method.NoAuthz && credential.UserSession() {
		return nil
	}
	if credential.Authorize(auth.VerbCall, method.Name) {
		return nil
	}
	return apierror.NotAuthorized()
}

// penalize sleeps a random delay below the configured penalty.
func (d *Dispatcher) penalize(ctx context.Context) {
	if d.penalty <= 0 {
		return
	}
	select {
	case <-d.clock.After(rand.N(d.penalty)):
	case <-ctx.Done():
	}
}

// execute runs the handler, on the worker pool when it blocks.
func (d *Dispatcher) execute(ctx context.Context, call *Call, args any) (any, error) {
	run := func() (result any, err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = apierror.FromPanic(recovered, debug.Stack())
			}
		}()
		return call.Method.run(ctx, call, args)
	}
	if call.Method.Blocking && d.workers != nil {
		return workerpool.Run(ctx, d.workers, run)
	}
	return run()
}

func (d *Dispatcher) submit(call *Call, args any) (*jobs.Job, error) {
	options := call.Method.Job
	arguments, err := argumentList(call.Method, args)
	if err != nil {
		return nil, err
	}
	request := jobs.Request{
		Definition:    call.Method.definition,
		Arguments:     arguments,
		BindToSession: options.BindToSession,
		Run: func(ctx context.Context, job *jobs.Job) (any, error) {
			jobCall := *call
			jobCall.Job = job
			return d.execute(ctx, &jobCall, args)
		},
	}
	if options.Locks != nil {
		request.Locks = options.Locks(args)
	}
	if options.Description != nil {
		request.Description = options.Description(args)
	}
	if call.Session != nil {
		request.Session = call.Session.ID()
	}
	if call.Credential != nil {
		request.Credentials = &jobs.Credentials{
			Type:     string(call.Credential.Kind()),
			Username: call.Credential.Username(),
		}
	}
	return d.jobs.Submit(request)
}

// argumentList renders bound arguments as the positional list stored
// in job records, with secret fields redacted.
func argumentList(method *Method, args any) ([]any, error) {
	dumped, err := model.Dump(args, false)
	if err != nil {
		return nil, fmt.Errorf("dispatch: encoding %s arguments: %w", method.Name, err)
	}
	object, _ := dumped.(map[string]any)
	names := model.ParamNames(method.argsType)
	list := make([]any, len(names))
	for i, name := range names {
		list[i] = object[name]
	}
	return list, nil
}

// finish records metrics and logs for one call and converts err to an
// *apierror.Error.
func (d *Dispatcher) finish(method *Method, session *auth.Session, start time.Time, err error) error {
	metrics.MethodDuration.WithLabelValues(method.Name).Observe(d.clock.Now().Sub(start).Seconds())
	if err == nil {
		metrics.MethodCalls.WithLabelValues(method.Name, "success").Inc()
		return nil
	}
	apiErr := apierror.From(err)
	metrics.MethodCalls.WithLabelValues(method.Name, string(apiErr.Kind)).Inc()
	switch apiErr.Kind {
	case apierror.KindInternal:
		d.logger.Error("method call failed",
			"method", method.Name,
			"error", apiErr.Reason,
			"stack", apiErr.Stack,
		)
	case apierror.KindPermissionDenied, apierror.KindNotAuthenticated:
		attrs := []any{"method", method.Name, "error", apiErr.Reason}
		if session != nil {
			attrs = append(attrs, "remote_addr", session.Origin().RemoteAddr)
		}
		d.logger.Info("method call refused", attrs...)
	default:
		d.logger.Debug("method call returned error", "method", method.Name, "error", apiErr)
	}
	return apiErr
}

// encodeArgs turns Go values into positional parameters.
func encodeArgs(args []any) (model.Params, error) {
	positional := make([]json.RawMessage, len(args))
	for i, arg := range args {
		encoded, err := json.Marshal(arg)
		if err != nil {
			return model.Params{}, fmt.Errorf("dispatch: encoding argument %d: %w", i, err)
		}
		positional[i] = encoded
	}
	return model.Params{Positional: positional}, nil
}

// CallInternal runs method name on behalf of the daemon itself: no
// authentication, no redaction and no version adaptation. Inline
// methods return the handler's result as is. Job methods are submitted
// and waited for, and return the job's raw result.
func (d *Dispatcher) CallInternal(ctx context.Context, name string, args ...any) (any, error) {
	method, ok := d.Lookup(name)
	if !ok {
		return nil, apierror.NoMethod(name)
	}
	params, err := encodeArgs(args)
	if err != nil {
		return nil, err
	}
	bound, err := method.bind(params)
	if err != nil {
		return nil, apierror.From(err)
	}
	call := &Call{Dispatcher: d, Method: method}
	if method.Job != nil {
		job, err := d.submit(call, bound)
		if err != nil {
			return nil, apierror.From(err)
		}
		return d.jobs.Wait(ctx, job.ID())
	}
	result, err := d.execute(ctx, call, bound)
	if err != nil {
		return nil, apierror.From(err)
	}
	return result, nil
}

// Submit starts job method name on behalf of the daemon and returns
// the job without waiting for it.
func (d *Dispatcher) Submit(ctx context.Context, name string, args ...any) (*jobs.Job, error) {
	method, ok := d.Lookup(name)
	if !ok {
		return nil, apierror.NoMethod(name)
	}
	if method.Job == nil {
		return nil, apierror.Call(apierror.EINVAL, "Method %s is not a job", name)
	}
	params, err := encodeArgs(args)
	if err != nil {
		return nil, err
	}
	bound, err := method.bind(params)
	if err != nil {
		return nil, apierror.From(err)
	}
	return d.submit(&Call{Dispatcher: d, Method: method}, bound)
}

// CallInto is CallInternal for callers that want a typed result. The
// result is converted through its JSON form when it is not already an
// R.
func CallInto[R any](ctx context.Context, d *Dispatcher, name string, args ...any) (R, error) {
	var typed R
	result, err := d.CallInternal(ctx, name, args...)
	if err != nil {
		return typed, err
	}
	if direct, ok := result.(R); ok {
		return direct, nil
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return typed, fmt.Errorf("dispatch: %s result: %w", name, err)
	}
	if err := json.Unmarshal(encoded, &typed); err != nil {
		return typed, fmt.Errorf("dispatch: %s result: %w", name, err)
	}
	return typed, nil
}

// Uploadable reports whether method name is a job with an input pipe.
func (d *Dispatcher) Uploadable(name string) bool {
	method, ok := d.Lookup(name)
	return ok && method.Job != nil && method.Job.Input
}
