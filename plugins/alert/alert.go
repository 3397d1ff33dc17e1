// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package alert keeps the deduplicated alert table. Alerts are raised
// either by sources, checks run periodically through
// alert.process_source, or as one-shot alerts created and deleted by
// other plugins. Every change is published on the alert.list topic.
package alert

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/middlewared/internal/core"
	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/dispatch"
	"github.com/bureau-foundation/middlewared/lib/events"
	"github.com/bureau-foundation/middlewared/lib/filter"
	"github.com/bureau-foundation/middlewared/lib/jobs"
	"github.com/bureau-foundation/middlewared/lib/scheduler"
)

const (
	// Table holds every raised alert.
	Table = "system.alert"

	// Topic carries alert additions, changes and removals.
	Topic = "alert.list"

	schedulerGroup = "alert.sources"
)

// Alert is one raised alert.
type Alert struct {
	ID             int64     `json:"id"`
	UUID           string    `json:"uuid"`
	Source         string    `json:"source"`
	Klass          string    `json:"klass"`
	Key            string    `json:"key"`
	Args           any       `json:"args"`
	Text           string    `json:"text"`
	Datetime       time.Time `json:"datetime"`
	LastOccurrence time.Time `json:"last_occurrence"`
	Dismissed      bool      `json:"dismissed"`

	Level    Level  `json:"level"`
	Category string `json:"category"`
	Title    string `json:"title"`
	OneShot  bool   `json:"one_shot"`
}

type uuidArgs struct {
	UUID string `json:"uuid" validate:"nonempty"`
}

type oneshotCreateArgs struct {
	Klass string `json:"klass" validate:"nonempty"`
	Args  any    `json:"args"`
}

type oneshotDeleteArgs struct {
	Klass string `json:"klass" validate:"nonempty"`
	Query any    `json:"query"`
}

type processSourceArgs struct {
	Name string `json:"name" validate:"nonempty"`
}

// Plugin registers the alert namespace.
type Plugin struct {
	core *core.Core

	// mu serializes writes to the alert table.
	mu sync.Mutex

	registry sync.RWMutex
	classes  map[string]*Class
	sources  map[string]*Source
}

// New returns the alert plugin with its built-in classes and sources.
func New() *Plugin {
	p := &Plugin{classes: map[string]*Class{}, sources: map[string]*Source{}}
	for _, class := range builtinClasses {
		if err := p.AddClass(class); err != nil {
			panic(err)
		}
	}
	return p
}

func (p *Plugin) Name() string { return "alert" }

// AddClass registers an alert class.
func (p *Plugin) AddClass(class Class) error {
	if err := class.compile(); err != nil {
		return err
	}
	p.registry.Lock()
	defer p.registry.Unlock()
	if _, exists := p.classes[class.Name]; exists {
		return fmt.Errorf("alert: class %s already registered", class.Name)
	}
	p.classes[class.Name] = &class
	return nil
}

func (p *Plugin) class(name string) (*Class, bool) {
	p.registry.RLock()
	defer p.registry.RUnlock()
	class, ok := p.classes[name]
	return class, ok
}

func (p *Plugin) Register(c *core.Core) error {
	p.core = c
	if err := p.AddSource(servicesSource(c)); err != nil {
		return err
	}
	if err := c.Bus.Register(events.Topic{Name: Topic, Description: "Alert changes"}); err != nil {
		return err
	}
	if err := c.Roles.RegisterEvent(Topic, []string{"ALERT_LIST_READ"}); err != nil {
		return err
	}

	d := c.Dispatcher
	if err := dispatch.Register(d, dispatch.Method{
		Name:        "alert.list",
		Description: "List raised alerts",
		Roles:       []string{"ALERT_LIST_READ"},
		Blocking:    true,
	}, p.list); err != nil {
		return err
	}
	if err := dispatch.Register(d, dispatch.Method{
		Name:        "alert.dismiss",
		Description: "Dismiss an alert",
		Roles:       []string{"ALERT_LIST_WRITE"},
		Blocking:    true,
	}, func(ctx context.Context, _ *dispatch.Call, args uuidArgs) (any, error) {
		return nil, p.setDismissed(ctx, args.UUID, true)
	}); err != nil {
		return err
	}
	if err := dispatch.Register(d, dispatch.Method{
		Name:        "alert.restore",
		Description: "Restore a dismissed alert",
		Roles:       []string{"ALERT_LIST_WRITE"},
		Blocking:    true,
	}, func(ctx context.Context, _ *dispatch.Call, args uuidArgs) (any, error) {
		return nil, p.setDismissed(ctx, args.UUID, false)
	}); err != nil {
		return err
	}
	if err := dispatch.Register(d, dispatch.Method{
		Name:        "alert.oneshot_create",
		Description: "Raise a one-shot alert, or refresh it if already raised",
		Private:     true,
		Blocking:    true,
	}, p.oneshotCreate); err != nil {
		return err
	}
	if err := dispatch.Register(d, dispatch.Method{
		Name:        "alert.oneshot_delete",
		Description: "Clear one-shot alerts of a class, all or those matching query",
		Private:     true,
		Blocking:    true,
	}, p.oneshotDelete); err != nil {
		return err
	}
	return dispatch.Register(d, dispatch.Method{
		Name:        "alert.process_source",
		Description: "Run an alert source and reconcile its alerts",
		Private:     true,
		Job: &dispatch.JobOptions{
			LockQueueSize: jobs.QueueSize(0),
			Locks: dispatch.Locks(func(args processSourceArgs) []string {
				return []string{"alert_source:" + args.Name}
			}),
		},
	}, p.processSource)
}

// Start schedules every source.
func (p *Plugin) Start(context.Context) error {
	p.registry.RLock()
	tasks := make([]scheduler.Task, 0, len(p.sources))
	for _, source := range p.sources {
		name := source.Name
		tasks = append(tasks, scheduler.Task{
			Name:     "alert.source." + name,
			Interval: source.Interval,
			Run: func(ctx context.Context) error {
				_, err := p.core.Dispatcher.CallInternal(ctx, "alert.process_source", name)
				if errors.Is(err, apierror.Call(apierror.EBUSY, "")) {
					return nil
				}
				return err
			},
		})
	}
	p.registry.RUnlock()
	return p.core.Scheduler.SetGroup(schedulerGroup, tasks)
}

func (p *Plugin) list(ctx context.Context, _ *dispatch.Call, _ dispatch.Args) ([]Alert, error) {
	return p.query(ctx, nil)
}

func (p *Plugin) query(ctx context.Context, filters []any) ([]Alert, error) {
	result, err := p.core.Store.Query(ctx, Table, filters, filter.Options{})
	if err != nil {
		return nil, err
	}
	rows := result.([]map[string]any)
	alerts := make([]Alert, 0, len(rows))
	for _, row := range rows {
		alert, err := core.Decode[Alert](row)
		if err != nil {
			return nil, err
		}
		if class, ok := p.class(alert.Klass); ok {
			alert.Level = class.Level
			alert.Category = class.Category
			alert.Title = class.Title
			alert.OneShot = class.OneShot
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

func (p *Plugin) setDismissed(ctx context.Context, id string, dismissed bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	alerts, err := p.query(ctx, []any{[]any{"uuid", "=", id}})
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		return apierror.NotFound("Alert %s not found", id)
	}
	alert := alerts[0]
	if alert.Dismissed == dismissed {
		return nil
	}
	if err := p.core.Store.Update(ctx, Table, alert.ID, map[string]any{"dismissed": dismissed}, ""); err != nil {
		return err
	}
	alert.Dismissed = dismissed
	p.publish(events.Changed, alert)
	return nil
}

func (p *Plugin) oneshotCreate(ctx context.Context, _ *dispatch.Call, args oneshotCreateArgs) (any, error) {
	class, ok := p.class(args.Klass)
	if !ok || !class.OneShot {
		return nil, apierror.Call(apierror.EINVAL, "%s is not a one-shot alert class", args.Klass)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	existing, err := p.query(ctx, []any{[]any{"source", "=", ""}, []any{"klass", "=", class.Name}})
	if err != nil {
		return nil, err
	}
	return nil, p.raise(ctx, existing, "", class, args.Args)
}

func (p *Plugin) oneshotDelete(ctx context.Context, _ *dispatch.Call, args oneshotDeleteArgs) (any, error) {
	class, ok := p.class(args.Klass)
	if !ok || !class.OneShot {
		return nil, apierror.Call(apierror.EINVAL, "%s is not a one-shot alert class", args.Klass)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	existing, err := p.query(ctx, []any{[]any{"source", "=", ""}, []any{"klass", "=", class.Name}})
	if err != nil {
		return nil, err
	}
	for _, alert := range existing {
		if args.Query != nil && alert.Key != class.key(args.Query) {
			continue
		}
		if err := p.remove(ctx, alert); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (p *Plugin) processSource(ctx context.Context, _ *dispatch.Call, args processSourceArgs) (any, error) {
	p.registry.RLock()
	source, ok := p.sources[args.Name]
	p.registry.RUnlock()
	if !ok {
		return nil, apierror.NotFound("Alert source %s not found", args.Name)
	}
	logger := p.core.Logger("alert")

	raised, err := source.Check(ctx)
	if err != nil {
		var apiErr *apierror.Error
		if errors.As(err, &apiErr) && apiErr.Kind == apierror.KindAlertCheckerUnavailable {
			logger.Debug("alert source unavailable, keeping previous alerts", "source", source.Name, "reason", apiErr.Reason)
			return nil, nil
		}
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	existing, err := p.query(ctx, []any{[]any{"source", "=", source.Name}})
	if err != nil {
		return nil, err
	}
	var kept []string
	for _, item := range raised {
		class, ok := p.class(item.Klass)
		if !ok {
			logger.Warn("alert source raised an unknown class", "source", source.Name, "klass", item.Klass)
			continue
		}
		if err := p.raise(ctx, existing, source.Name, class, item.Args); err != nil {
			return nil, err
		}
		kept = append(kept, class.Name+"\x00"+class.key(item.Args))
	}
	for _, alert := range existing {
		if slices.Contains(kept, alert.Klass+"\x00"+alert.Key) {
			continue
		}
		if err := p.remove(ctx, alert); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// raise inserts the alert of class with args, or refreshes the
// matching one among existing. Callers hold p.mu.
func (p *Plugin) raise(ctx context.Context, existing []Alert, source string, class *Class, args any) error {
	key := class.key(args)
	now := p.core.Clock().Now().UTC()
	text := class.format(args)

	index := slices.IndexFunc(existing, func(alert Alert) bool {
		return alert.Klass == class.Name && alert.Key == key
	})
	if index >= 0 {
		alert := existing[index]
		if err := p.core.Store.Update(ctx, Table, alert.ID, map[string]any{
			"args":            args,
			"text":            text,
			"last_occurrence": now.Format(time.RFC3339Nano),
		}, ""); err != nil {
			return err
		}
		alert.Args, alert.Text, alert.LastOccurrence = args, text, now
		p.publish(events.Changed, alert)
		return nil
	}

	alert := Alert{
		UUID:           uuid.NewString(),
		Source:         source,
		Klass:          class.Name,
		Key:            key,
		Args:           args,
		Text:           text,
		Datetime:       now,
		LastOccurrence: now,
		Level:          class.Level,
		Category:       class.Category,
		Title:          class.Title,
		OneShot:        class.OneShot,
	}
	id, err := p.core.Store.Insert(ctx, Table, map[string]any{
		"uuid":            alert.UUID,
		"source":          source,
		"klass":           class.Name,
		"key":             key,
		"args":            args,
		"text":            text,
		"datetime":        now.Format(time.RFC3339Nano),
		"last_occurrence": now.Format(time.RFC3339Nano),
		"dismissed":       false,
	}, "")
	if err != nil {
		return err
	}
	alert.ID = id
	p.core.Logger("alert").Info("alert raised", "klass", class.Name, "source", source, "uuid", alert.UUID)
	p.publish(events.Added, alert)
	return nil
}

func (p *Plugin) remove(ctx context.Context, alert Alert) error {
	if err := p.core.Store.Delete(ctx, Table, alert.ID); err != nil {
		return err
	}
	p.core.Logger("alert").Info("alert cleared", "klass", alert.Klass, "source", alert.Source, "uuid", alert.UUID)
	p.publish(events.Removed, alert)
	return nil
}

func (p *Plugin) publish(kind string, alert Alert) {
	fields, err := core.Row(alert)
	if err != nil {
		p.core.Logger("alert").Error("encoding alert event failed", "uuid", alert.UUID, "error", err)
		return
	}
	p.core.Bus.Publish(Topic, kind, alert.UUID, fields)
}
