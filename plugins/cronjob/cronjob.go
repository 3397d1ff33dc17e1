// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cronjob runs user-defined commands on cron schedules. Each
// enabled entry is a scheduler task that submits cronjob.run under the
// lock key cronjob:<id>, so a slow command never overlaps itself.
package cronjob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/bureau-foundation/middlewared/internal/core"
	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/dispatch"
	"github.com/bureau-foundation/middlewared/lib/filter"
	"github.com/bureau-foundation/middlewared/lib/jobs"
	"github.com/bureau-foundation/middlewared/lib/scheduler"
	"github.com/bureau-foundation/middlewared/lib/subprocess"
)

const (
	Table  = "tasks.cronjob"
	Prefix = "cron_"

	// RunTimeout bounds one execution of a command.
	RunTimeout = 24 * time.Hour

	schedulerGroup = "cronjob"
)

// Schedule is a five-field cron schedule.
type Schedule struct {
	Minute string `json:"minute" default:"\"00\""`
	Hour   string `json:"hour" default:"\"*\""`
	Dom    string `json:"dom" default:"\"*\""`
	Month  string `json:"month" default:"\"*\""`
	Dow    string `json:"dow" default:"\"*\""`
}

func (s Schedule) parse() (scheduler.Schedule, error) {
	return scheduler.ParseFields(s.Minute, s.Hour, s.Dom, s.Month, s.Dow)
}

// CronJob is a scheduled command.
type CronJob struct {
	ID          int64             `json:"id"`
	Schedule    Schedule          `json:"schedule"`
	User        string            `json:"user"`
	Command     string            `json:"command"`
	Description string            `json:"description"`
	Enabled     bool              `json:"enabled"`
	Stdout      bool              `json:"stdout"`
	Stderr      bool              `json:"stderr"`
	Environment map[string]string `json:"environment"`
}

type cronCreate struct {
	Schedule    Schedule          `json:"schedule" default:"{\"minute\": \"00\", \"hour\": \"*\", \"dom\": \"*\", \"month\": \"*\", \"dow\": \"*\"}"`
	User        string            `json:"user" validate:"nonempty"`
	Command     string            `json:"command" validate:"nonempty"`
	Description string            `json:"description" validate:"max=200"`
	Enabled     bool              `json:"enabled" default:"true"`
	Stdout      bool              `json:"stdout" default:"true"`
	Stderr      bool              `json:"stderr"`
	Environment map[string]string `json:"environment" default:"{}"`
}

type scheduleUpdate struct {
	Minute *string `json:"minute,omitempty"`
	Hour   *string `json:"hour,omitempty"`
	Dom    *string `json:"dom,omitempty"`
	Month  *string `json:"month,omitempty"`
	Dow    *string `json:"dow,omitempty"`
}

type cronUpdate struct {
	Schedule    *scheduleUpdate    `json:"schedule,omitempty"`
	User        *string            `json:"user,omitempty" validate:"omitempty,nonempty"`
	Command     *string            `json:"command,omitempty" validate:"omitempty,nonempty"`
	Description *string            `json:"description,omitempty" validate:"omitempty,max=200"`
	Enabled     *bool              `json:"enabled,omitempty"`
	Stdout      *bool              `json:"stdout,omitempty"`
	Stderr      *bool              `json:"stderr,omitempty"`
	Environment *map[string]string `json:"environment,omitempty"`
}

// record is the stored form of an entry.
type record struct {
	Minute      string            `json:"minute"`
	Hour        string            `json:"hour"`
	Daymonth    string            `json:"daymonth"`
	Month       string            `json:"month"`
	Dayweek     string            `json:"dayweek"`
	User        string            `json:"user"`
	Command     string            `json:"command"`
	Description string            `json:"description"`
	Enabled     bool              `json:"enabled"`
	Stdout      bool              `json:"stdout"`
	Stderr      bool              `json:"stderr"`
	Environment map[string]string `json:"environment"`
}

func toRecord(job CronJob) record {
	environment := job.Environment
	if environment == nil {
		environment = map[string]string{}
	}
	return record{
		Minute:      job.Schedule.Minute,
		Hour:        job.Schedule.Hour,
		Daymonth:    job.Schedule.Dom,
		Month:       job.Schedule.Month,
		Dayweek:     job.Schedule.Dow,
		User:        job.User,
		Command:     job.Command,
		Description: job.Description,
		Enabled:     job.Enabled,
		Stdout:      job.Stdout,
		Stderr:      job.Stderr,
		Environment: environment,
	}
}

// reshape nests the stored schedule columns.
func reshape(row map[string]any) map[string]any {
	shaped := maps.Clone(row)
	shaped["schedule"] = map[string]any{
		"minute": row["minute"],
		"hour":   row["hour"],
		"dom":    row["daymonth"],
		"month":  row["month"],
		"dow":    row["dayweek"],
	}
	for _, column := range []string{"minute", "hour", "daymonth", "dayweek"} {
		delete(shaped, column)
	}
	return shaped
}

type runArgs struct {
	ID           int64 `json:"id"`
	SkipDisabled bool  `json:"skip_disabled"`
}

// Plugin registers the cronjob namespace.
type Plugin struct {
	// Command returns the executable and arguments that run command
	// as user. Defaults to Sudo.
	Command func(user, command string) (string, []string)

	core    *core.Core
	service *core.CRUDService[CronJob, cronCreate, cronUpdate]
}

// Sudo runs command through the shell of user.
func Sudo(user, command string) (string, []string) {
	return "sudo", []string{"-H", "-u", user, "/bin/sh", "-c", command}
}

// New returns the cronjob plugin.
func New() *Plugin { return &Plugin{Command: Sudo} }

func (p *Plugin) Name() string { return "cronjob" }

func (p *Plugin) Register(c *core.Core) error {
	p.core = c
	if p.Command == nil {
		p.Command = Sudo
	}
	p.service = &core.CRUDService[CronJob, cronCreate, cronUpdate]{
		Namespace:  "cronjob",
		Table:      Table,
		Prefix:     Prefix,
		RolePrefix: "SYSTEM_CRON",
		Hooks:      p,
		Reshape:    reshape,
	}
	if err := p.service.Register(c); err != nil {
		return err
	}
	return dispatch.Register(c.Dispatcher, dispatch.Method{
		Name:        "cronjob.run",
		Description: "Run a cron job now",
		Roles:       []string{"SYSTEM_CRON_WRITE"},
		Job: &dispatch.JobOptions{
			Abortable:     true,
			Logs:          true,
			LockQueueSize: jobs.QueueSize(1),
			Locks: dispatch.Locks(func(args runArgs) []string {
				return []string{"cronjob:" + strconv.FormatInt(args.ID, 10)}
			}),
		},
	}, p.run)
}

// Start schedules the enabled entries.
func (p *Plugin) Start(ctx context.Context) error {
	return p.reschedule(ctx)
}

func (p *Plugin) reschedule(ctx context.Context) error {
	entries, err := p.service.Entries(ctx)
	if err != nil {
		return err
	}
	var tasks []scheduler.Task
	for _, entry := range entries {
		if !entry.Enabled {
			continue
		}
		schedule, err := entry.Schedule.parse()
		if err != nil {
			p.core.Logger("cronjob").Warn("skipping cron job with invalid schedule", "id", entry.ID, "error", err)
			continue
		}
		id := entry.ID
		tasks = append(tasks, scheduler.Task{
			Name:     "cronjob." + strconv.FormatInt(id, 10),
			Schedule: &schedule,
			Run: func(ctx context.Context) error {
				_, err := p.core.Dispatcher.CallInternal(ctx, "cronjob.run", id, true)
				if errors.Is(err, apierror.Call(apierror.EBUSY, "")) {
					return nil
				}
				return err
			},
		})
	}
	return p.core.Scheduler.SetGroup(schedulerGroup, tasks)
}

func (p *Plugin) validate(ctx context.Context, schema string, job CronJob) error {
	var errs apierror.ValidationErrors
	if _, err := job.Schedule.parse(); err != nil {
		errs.Add(schema+".schedule", err.Error())
	}
	result, err := p.core.Store.Query(ctx, core.UsersTable,
		[]any{[]any{"username", "=", job.User}},
		filter.Options{Prefix: core.UsersPrefix, Count: true})
	if err != nil {
		return err
	}
	if count, _ := result.(int); count == 0 {
		errs.Add(schema+".user", "User "+job.User+" does not exist", apierror.ENOENT)
	}
	return errs.Err()
}

func (p *Plugin) DoCreate(ctx context.Context, _ *dispatch.Call, data cronCreate) (int64, error) {
	job := CronJob{
		Schedule:    data.Schedule,
		User:        data.User,
		Command:     data.Command,
		Description: data.Description,
		Enabled:     data.Enabled,
		Stdout:      data.Stdout,
		Stderr:      data.Stderr,
		Environment: data.Environment,
	}
	if err := p.validate(ctx, "cronjob_create", job); err != nil {
		return 0, err
	}
	id, err := p.service.Insert(ctx, toRecord(job))
	if err != nil {
		return 0, err
	}
	return id, p.reschedule(ctx)
}

func (p *Plugin) DoUpdate(ctx context.Context, _ *dispatch.Call, old CronJob, data cronUpdate) error {
	updated, err := core.Merge(old, data)
	if err != nil {
		return err
	}
	if data.Environment != nil {
		updated.Environment = *data.Environment
	}
	if err := p.validate(ctx, "cronjob_update", updated); err != nil {
		return err
	}
	if err := p.service.Write(ctx, old.ID, toRecord(updated)); err != nil {
		return err
	}
	return p.reschedule(ctx)
}

func (p *Plugin) DoDelete(ctx context.Context, _ *dispatch.Call, old CronJob) error {
	if err := p.service.Remove(ctx, old.ID); err != nil {
		return err
	}
	return p.reschedule(ctx)
}

func (p *Plugin) run(ctx context.Context, call *dispatch.Call, args runArgs) (any, error) {
	entry, err := p.service.Get(ctx, args.ID)
	if err != nil {
		return nil, err
	}
	if !entry.Enabled && args.SkipDisabled {
		return nil, nil
	}
	call.Job.SetDescription(fmt.Sprintf("Running cron job %d", entry.ID))

	logs := call.Job.Logs()
	command := subprocess.Command{Timeout: RunTimeout, Stdout: io.Discard, Stderr: io.Discard}
	command.Path, command.Args = p.Command(entry.User, entry.Command)
	if entry.Stdout {
		command.Stdout = logs
	}
	if entry.Stderr {
		command.Stderr = logs
	}
	for _, name := range slices.Sorted(maps.Keys(entry.Environment)) {
		command.Env = append(command.Env, name+"="+entry.Environment[name])
	}

	logger := p.core.Logger("cronjob")
	result, err := subprocess.Run(ctx, command)
	var exit *subprocess.ExitError
	if errors.As(err, &exit) {
		logger.Warn("cron job failed", "id", entry.ID, "job_id", call.Job.ID(), "exit_code", exit.ExitCode)
		return nil, apierror.Call(apierror.EFAULT, "Cron job %d exited with status %d", entry.ID, exit.ExitCode)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("cron job finished", "id", entry.ID, "job_id", call.Job.ID(), "duration", result.Duration)
	return nil, nil
}

var _ core.CRUDHooks[CronJob, cronCreate, cronUpdate] = (*Plugin)(nil)
