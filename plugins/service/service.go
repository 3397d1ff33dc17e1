// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service exposes the service facade: the enable flags stored
// in the datastore and the live state of the units behind them.
package service

import (
	"context"
	"log/slog"

	"github.com/bureau-foundation/middlewared/internal/core"
	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/dispatch"
	"github.com/bureau-foundation/middlewared/lib/events"
	"github.com/bureau-foundation/middlewared/lib/filter"
	"github.com/bureau-foundation/middlewared/lib/servicectl"
)

const (
	// Table holds one row per known service.
	Table  = "services.services"
	Prefix = "srv_"

	// Topic carries state changes caused by service actions.
	Topic = "service.query"
)

// Service is one row of service.query.
type Service struct {
	ID      int64  `json:"id"`
	Service string `json:"service"`
	Enable  bool   `json:"enable"`
	State   string `json:"state"`
}

type serviceUpdate struct {
	Enable *bool `json:"enable,omitempty"`
}

type updateArgs struct {
	Service string        `json:"id_or_name" validate:"nonempty"`
	Data    serviceUpdate `json:"service_update"`
}

// ActionOptions adjust start, stop, restart and reload.
type ActionOptions struct {
	// Silent reports failures as a false result instead of an error.
	Silent bool `json:"silent" default:"true"`
}

type actionArgs struct {
	Service string        `json:"service" validate:"nonempty"`
	Options ActionOptions `json:"options" default:"{\"silent\": true}"`
}

type nameArgs struct {
	Service string `json:"service" validate:"nonempty"`
}

// Plugin registers the service namespace and the services owned by
// the core itself.
type Plugin struct {
	core   *core.Core
	logger *slog.Logger
}

// New returns the service plugin.
func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "service" }

func (p *Plugin) Register(c *core.Core) error {
	p.core = c
	p.logger = c.Logger("service")
	if err := c.Services.Register(servicectl.Service{Name: "cron", Units: []string{"cron"}}); err != nil {
		return err
	}
	if err := c.Bus.Register(events.Topic{Name: Topic, Description: "Service state changes"}); err != nil {
		return err
	}
	if err := c.Roles.RegisterEvent(Topic, []string{"SERVICE_READ"}); err != nil {
		return err
	}

	d := c.Dispatcher
	if err := dispatch.Register(d, dispatch.Method{
		Name:        "service.query",
		Description: "Query services with their live state",
		Roles:       []string{"SERVICE_READ"},
		Blocking:    true,
	}, p.query); err != nil {
		return err
	}
	if err := dispatch.Register(d, dispatch.Method{
		Name:        "service.update",
		Description: "Enable or disable a service at boot",
		Roles:       []string{"SERVICE_WRITE"},
		Blocking:    true,
	}, p.update); err != nil {
		return err
	}
	actions := []struct {
		verb string
		run  func(ctx context.Context, name string) error
	}{
		{"start", c.Services.Start},
		{"stop", c.Services.Stop},
		{"restart", c.Services.Restart},
		{"reload", c.Services.Reload},
	}
	for _, action := range actions {
		if err := dispatch.Register(d, dispatch.Method{
			Name:        "service." + action.verb,
			Description: "Render the configuration of a service and " + action.verb + " it",
			Roles:       []string{"SERVICE_WRITE"},
			Blocking:    true,
		}, p.action(action.verb, action.run)); err != nil {
			return err
		}
	}
	if err := dispatch.Register(d, dispatch.Method{
		Name:        "service.started",
		Description: "Report whether a service is running",
		Roles:       []string{"SERVICE_READ"},
		Blocking:    true,
	}, func(ctx context.Context, _ *dispatch.Call, args nameArgs) (bool, error) {
		return c.Services.Started(ctx, args.Service)
	}); err != nil {
		return err
	}
	return dispatch.Register(d, dispatch.Method{
		Name:        "service.started_or_enabled",
		Description: "Report whether a service is running or enabled at boot",
		Roles:       []string{"SERVICE_READ"},
		Blocking:    true,
	}, p.startedOrEnabled)
}

func (p *Plugin) entries(ctx context.Context, filters []any) ([]Service, error) {
	result, err := p.core.Store.Query(ctx, Table, filters, filter.Options{Prefix: Prefix})
	if err != nil {
		return nil, err
	}
	rows := result.([]map[string]any)
	services := make([]Service, 0, len(rows))
	for _, row := range rows {
		entry, err := core.Decode[Service](row)
		if err != nil {
			return nil, err
		}
		entry.State = servicectl.StateUnknown
		if _, known := p.core.Services.Lookup(entry.Service); known {
			entry.State = p.core.Services.State(ctx, entry.Service)
		}
		services = append(services, entry)
	}
	return services, nil
}

func (p *Plugin) lookup(ctx context.Context, name string) (Service, error) {
	services, err := p.entries(ctx, []any{[]any{"service", "=", name}})
	if err != nil {
		return Service{}, err
	}
	if len(services) == 0 {
		return Service{}, apierror.NotFound("Service %s not found", name)
	}
	return services[0], nil
}

func (p *Plugin) query(ctx context.Context, _ *dispatch.Call, args core.QueryArgs) (any, error) {
	services, err := p.entries(ctx, nil)
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]any, len(services))
	for i, entry := range services {
		if rows[i], err = core.Row(entry); err != nil {
			return nil, err
		}
	}
	return filter.Apply(rows, args.Filters, args.Options)
}

func (p *Plugin) update(ctx context.Context, _ *dispatch.Call, args updateArgs) (Service, error) {
	entry, err := p.lookup(ctx, args.Service)
	if err != nil {
		return entry, err
	}
	if args.Data.Enable == nil || *args.Data.Enable == entry.Enable {
		return entry, nil
	}
	if _, known := p.core.Services.Lookup(entry.Service); known {
		if *args.Data.Enable {
			err = p.core.Services.Enable(ctx, entry.Service)
		} else {
			err = p.core.Services.Disable(ctx, entry.Service)
		}
		if err != nil {
			return entry, err
		}
	}
	if err := p.core.Store.Update(ctx, Table, entry.ID, map[string]any{"enable": *args.Data.Enable}, Prefix); err != nil {
		return entry, err
	}
	return p.lookup(ctx, entry.Service)
}

func (p *Plugin) action(verb string, run func(ctx context.Context, name string) error) dispatch.Handler[actionArgs, bool] {
	return func(ctx context.Context, _ *dispatch.Call, args actionArgs) (bool, error) {
		if _, known := p.core.Services.Lookup(args.Service); !known {
			return false, apierror.NotFound("Service %s not found", args.Service)
		}
		err := run(ctx, args.Service)
		p.publish(ctx, args.Service)
		if err == nil {
			return true, nil
		}
		if args.Options.Silent {
			p.logger.Warn("service action failed", "service", args.Service, "verb", verb, "error", err)
			return false, nil
		}
		return false, err
	}
}

// publish announces the state of name after an action.
func (p *Plugin) publish(ctx context.Context, name string) {
	entry, err := p.lookup(ctx, name)
	if err != nil {
		return
	}
	row, err := core.Row(entry)
	if err != nil {
		return
	}
	p.core.Bus.Publish(Topic, events.Changed, entry.ID, row)
}

func (p *Plugin) startedOrEnabled(ctx context.Context, _ *dispatch.Call, args nameArgs) (bool, error) {
	entry, err := p.lookup(ctx, args.Service)
	if err != nil {
		return false, err
	}
	return entry.Enable || entry.State == servicectl.StateRunning, nil
}
