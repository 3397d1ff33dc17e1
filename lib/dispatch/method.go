// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"time"

	"github.com/bureau-foundation/middlewared/lib/jobs"
	"github.com/bureau-foundation/middlewared/lib/model"
	"github.com/bureau-foundation/middlewared/lib/version"
)

// Method declares one callable operation.
type Method struct {
	// Name is the full dotted name, unique across the process.
	Name        string
	Description string

	// Roles grant CALL on the method. Public methods need at least
	// one.
	Roles []string

	// NoAuth admits anonymous callers. Such methods are rate limited
	// per remote address unless NoRateLimit is set.
	NoAuth      bool
	NoRateLimit bool

	// NoAuthz admits any authenticated user session without an
	// allowlist check. API keys and scoped tokens are still checked.
	NoAuthz bool

	// Private methods are hidden from introspection and callable only
	// internally or by full admins.
	Private bool

	// Blocking handlers run on the worker pool.
	Blocking bool

	// Job, when set, runs the method as a job.
	Job *JobOptions

	// Version is the API version that introduced the current argument
	// and result shapes. Adapters convert from and to older shapes.
	Version  string
	Adapters []Adapter

	// ForwardCompatible accepts unknown object keys and named
	// parameters instead of rejecting them.
	ForwardCompatible bool

	// ArgNames overrides the parameter names taken from the argument
	// struct's JSON tags, in order.
	ArgNames []string

	argsType   reflect.Type
	resultType reflect.Type
	secrets    bool
	bind       func(params model.Params) (any, error)
	run        func(ctx context.Context, call *Call, args any) (any, error)
	definition *jobs.Definition
}

// JobOptions describe a method that runs as a job.
type JobOptions struct {
	// Locks returns the lock keys for the bound arguments.
	Locks func(args any) []string

	// Description returns the initial job description.
	Description func(args any) string

	Abortable bool
	Transient bool
	Logs      bool
	Input     bool
	Output    bool

	// BindToSession aborts the job when the submitting session closes.
	BindToSession bool

	LockQueueSize *int
	TTL           time.Duration
}

// Args is the argument struct of a method without parameters.
type Args struct{}

// Handler is a typed method implementation.
type Handler[A, R any] func(ctx context.Context, call *Call, args A) (R, error)

// Locks adapts a typed lock function to JobOptions.Locks.
func Locks[A any](f func(args A) []string) func(any) []string {
	return func(args any) []string { return f(args.(A)) }
}

// Describe adapts a typed description function to
// JobOptions.Description.
func Describe[A any](f func(args A) string) func(any) string {
	return func(args any) string { return f(args.(A)) }
}

// Register adds a typed handler to the registry. A is the argument
// struct whose exported fields, in declaration order, are the
// positional parameters.
func Register[A, R any](r *Dispatcher, method Method, handler Handler[A, R]) error {
	argsType := reflect.TypeFor[A]()
	if argsType.Kind() != reflect.Struct {
		return fmt.Errorf("dispatch: %s: argument type %s is not a struct", method.Name, argsType)
	}
	method.argsType = argsType
	method.resultType = reflect.TypeFor[R]()
	method.secrets = model.HasSecrets(method.resultType)
	options := model.BindOptions{ForwardCompatible: method.ForwardCompatible, Names: method.ArgNames}
	method.bind = func(params model.Params) (any, error) {
		var args A
		if err := model.Bind(&args, params, options); err != nil {
			return nil, err
		}
		return args, nil
	}
	method.run = func(ctx context.Context, call *Call, args any) (any, error) {
		return handler(ctx, call, args.(A))
	}
	return r.register(&method)
}

// MustRegister is Register for startup code, where a registration
// error is a programming error.
func MustRegister[A, R any](r *Dispatcher, method Method, handler Handler[A, R]) {
	if err := Register(r, method, handler); err != nil {
		panic(err)
	}
}

func (m *Method) check() error {
	if m.Name == "" {
		return errors.New("dispatch: method name is required")
	}
	if m.NoAuth && m.NoAuthz {
		return fmt.Errorf("dispatch: %s: authentication and authorization may not both be disabled", m.Name)
	}
	if m.Private && len(m.Roles) > 0 {
		return fmt.Errorf("dispatch: %s: private methods may not declare roles", m.Name)
	}
	if !m.Private && !m.NoAuth && !m.NoAuthz && len(m.Roles) == 0 {
		return fmt.Errorf("dispatch: %s: public method declares no roles", m.Name)
	}
	for i, adapter := range m.Adapters {
		if adapter.Version == "" {
			return fmt.Errorf("dispatch: %s: adapter %d has no version", m.Name, i)
		}
		if m.Version != "" && version.Compare(adapter.Version, m.Version) >= 0 {
			return fmt.Errorf("dispatch: %s: adapter version %s is not older than %s", m.Name, adapter.Version, m.Version)
		}
	}
	m.Adapters = slices.Clone(m.Adapters)
	slices.SortFunc(m.Adapters, func(a, b Adapter) int { return version.Compare(a.Version, b.Version) })
	return nil
}

// public reports whether the method is listed by introspection.
func (m *Method) public() bool { return !m.Private }

// Info describes a method for core.get_methods.
type Info struct {
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	Roles          []string `json:"roles"`
	Job            bool     `json:"job"`
	Private        bool     `json:"private"`
	NoAuthRequired bool     `json:"no_auth_required"`
	Version        string   `json:"version"`
	Arguments      []string `json:"arguments"`
	Downloadable   bool     `json:"downloadable"`
	Uploadable     bool     `json:"uploadable"`
}

func (m *Method) info() Info {
	info := Info{
		Name:           m.Name,
		Description:    m.Description,
		Roles:          slices.Clone(m.Roles),
		Job:            m.Job != nil,
		Private:        m.Private,
		NoAuthRequired: m.NoAuth,
		Version:        m.Version,
		Arguments:      model.ParamNames(m.argsType),
	}
	for i, name := range m.ArgNames {
		if i < len(info.Arguments) && name != "" {
			info.Arguments[i] = name
		}
	}
	if info.Roles == nil {
		info.Roles = []string{}
	}
	if m.Job != nil {
		info.Downloadable = m.Job.Output
		info.Uploadable = m.Job.Input
	}
	return info
}
