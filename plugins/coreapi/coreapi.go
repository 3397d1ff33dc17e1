// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package coreapi provides the core.* methods: job inspection and
// control, downloads, method introspection and the daemon
// configuration.
package coreapi

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bureau-foundation/middlewared/internal/core"
	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/auth"
	"github.com/bureau-foundation/middlewared/lib/dispatch"
	"github.com/bureau-foundation/middlewared/lib/jobs"
	"github.com/bureau-foundation/middlewared/lib/model"
)

// DownloadTokenTTL bounds how long a download URL stays valid.
const DownloadTokenTTL = 5 * time.Minute

// Plugin registers the core namespace.
type Plugin struct {
	core *core.Core
}

// New returns the core plugin.
func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "core" }

type jobIDArgs struct {
	ID int64 `json:"id"`
}

type downloadLogsArgs struct {
	ID       int64  `json:"id"`
	Filename string `json:"filename"`
}

type downloadArgs struct {
	Method   string            `json:"method" validate:"nonempty"`
	Args     []json.RawMessage `json:"args"`
	Filename string            `json:"filename"`
}

type configUpdate struct {
	LogLevel string `json:"log_level" validate:"omitempty,oneof=debug info warn error DEBUG INFO WARN ERROR"`
}

type updateConfigArgs struct {
	Data configUpdate `json:"data"`
}

func (p *Plugin) Register(c *core.Core) error {
	p.core = c
	d := c.Dispatcher
	if err := dispatch.Register(d, dispatch.Method{
		Name:        "core.ping",
		Description: "Return \"pong\"",
		NoAuthz:     true,
	}, func(context.Context, *dispatch.Call, dispatch.Args) (string, error) {
		return "pong", nil
	}); err != nil {
		return err
	}
	if err := dispatch.Register(d, dispatch.Method{
		Name:        "core.get_jobs",
		Description: "Query the jobs the caller may see",
		NoAuthz:     true,
	}, p.getJobs); err != nil {
		return err
	}
	if err := dispatch.Register(d, dispatch.Method{
		Name:        "core.job_wait",
		Description: "Wait for a job and return its result",
		NoAuthz:     true,
	}, p.jobWait); err != nil {
		return err
	}
	if err := dispatch.Register(d, dispatch.Method{
		Name:        "core.job_abort",
		Description: "Abort a job",
		NoAuthz:     true,
	}, p.jobAbort); err != nil {
		return err
	}
	if err := dispatch.Register(d, dispatch.Method{
		Name:        "core.job_download_logs",
		Description: "Return a download URL for the logs of a job",
		NoAuthz:     true,
	}, p.jobDownloadLogs); err != nil {
		return err
	}
	if err := dispatch.Register(d, dispatch.Method{
		Name:        "core.download",
		Description: "Start a job with an output pipe and return its id and download URL",
		NoAuthz:     true,
	}, p.download); err != nil {
		return err
	}
	if err := dispatch.Register(d, dispatch.Method{
		Name:        "core.get_methods",
		Description: "Describe the registered methods",
		NoAuthz:     true,
	}, func(_ context.Context, call *dispatch.Call, _ dispatch.Args) ([]dispatch.Info, error) {
		return call.Dispatcher.Methods(dispatch.Private(call.Session)), nil
	}); err != nil {
		return err
	}
	if err := dispatch.Register(d, dispatch.Method{
		Name:        "core.config",
		Description: "Return the daemon configuration",
		Roles:       []string{"SYSTEM_GENERAL_READ"},
	}, func(context.Context, *dispatch.Call, dispatch.Args) (map[string]any, error) {
		return c.ConfigDump(), nil
	}); err != nil {
		return err
	}
	return dispatch.Register(d, dispatch.Method{
		Name:        "core.update_config",
		Description: "Change runtime settings of the daemon",
		Roles:       []string{"SYSTEM_GENERAL_WRITE"},
		ArgNames:    []string{"core_update_config"},
	}, p.updateConfig)
}

// visible reports whether the caller may read job: internal callers and
// full admins see every job, others the jobs of methods they may call.
func visible(call *dispatch.Call, job *jobs.Job) bool {
	if call.Internal() {
		return true
	}
	credential := call.Credential
	if credential == nil {
		return false
	}
	return credential.FullAdmin() || credential.Authorize(auth.VerbCall, job.Method())
}

// lookup returns a job the caller may see. Jobs of other methods are
// reported as missing.
func (p *Plugin) lookup(call *dispatch.Call, id int64) (*jobs.Job, error) {
	job, err := p.core.Jobs.Get(id)
	if err != nil {
		return nil, err
	}
	if !visible(call, job) {
		return nil, apierror.NotFound("Job %d does not exist", id)
	}
	return job, nil
}

func (p *Plugin) getJobs(_ context.Context, call *dispatch.Call, args core.QueryArgs) (any, error) {
	return p.core.Jobs.Query(jobs.QueryRequest{
		Filters: args.Filters,
		Options: args.Options,
		Visible: func(job *jobs.Job) bool { return visible(call, job) },
		Private: dispatch.Private(call.Session),
	})
}

// jobWait returns the result redacted as the job's own method would
// have returned it to the caller.
func (p *Plugin) jobWait(ctx context.Context, call *dispatch.Call, args jobIDArgs) (any, error) {
	job, err := p.lookup(call, args.ID)
	if err != nil {
		return nil, err
	}
	result, err := p.core.Jobs.Wait(ctx, job.ID())
	if err != nil {
		return nil, err
	}
	expose := call.Internal()
	if !expose {
		expose = call.Credential.ExposeSecrets(p.core.Roles.RolesForMethod(job.Method()))
	}
	return model.Dump(result, expose)
}

func (p *Plugin) jobAbort(_ context.Context, call *dispatch.Call, args jobIDArgs) (any, error) {
	job, err := p.lookup(call, args.ID)
	if err != nil {
		return nil, err
	}
	return nil, p.core.Jobs.Abort(job.ID())
}

func (p *Plugin) jobDownloadLogs(_ context.Context, call *dispatch.Call, args downloadLogsArgs) (string, error) {
	job, err := p.lookup(call, args.ID)
	if err != nil {
		return "", err
	}
	if job.LogsPath() == "" {
		return "", apierror.NotFound("Job %d has no logs", job.ID())
	}
	filename := args.Filename
	if filename == "" {
		filename = job.Method() + ".log"
	}
	if call.Credential == nil {
		return "", apierror.Call(apierror.EINVAL, "Downloads need a client session")
	}
	token, err := p.core.Authenticator.MintDownloadToken(call.Credential, sessionID(call), job.ID(), filename, true, DownloadTokenTTL)
	if err != nil {
		return "", err
	}
	return "/_download/" + token, nil
}

// download calls a job method with an output pipe as the caller and
// returns [job_id, url].
func (p *Plugin) download(ctx context.Context, call *dispatch.Call, args downloadArgs) ([]any, error) {
	method, ok := call.Dispatcher.Lookup(args.Method)
	if !ok {
		return nil, apierror.NoMethod(args.Method)
	}
	if method.Job == nil || !method.Job.Output {
		return nil, apierror.Call(apierror.EINVAL, "%s does not produce a download", args.Method)
	}
	if call.Internal() {
		return nil, apierror.Call(apierror.EINVAL, "Downloads need a client session")
	}
	result, err := call.Dispatcher.Call(ctx, call.Session, args.Method, model.Params{Positional: args.Args})
	if err != nil {
		return nil, err
	}
	id, ok := result.(int64)
	if !ok {
		return nil, apierror.Internal(fmt.Errorf("coreapi: %s returned %T, not a job id", args.Method, result))
	}
	token, err := p.core.Authenticator.MintDownloadToken(call.Credential, sessionID(call), id, args.Filename, false, DownloadTokenTTL)
	if err != nil {
		return nil, err
	}
	return []any{id, "/_download/" + token}, nil
}

func (p *Plugin) updateConfig(_ context.Context, _ *dispatch.Call, args updateConfigArgs) (map[string]any, error) {
	if args.Data.LogLevel != "" {
		if err := p.core.SetLogLevel(args.Data.LogLevel); err != nil {
			return nil, apierror.Validation("core_update_config.log_level", err.Error())
		}
	}
	return p.core.ConfigDump(), nil
}

func sessionID(call *dispatch.Call) string {
	if call.Session == nil {
		return ""
	}
	return call.Session.ID()
}
