// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package servicectl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/clock"
	"github.com/bureau-foundation/middlewared/lib/etc"
	"github.com/bureau-foundation/middlewared/lib/metrics"
)

// Live states reported by State.
const (
	StateRunning = "RUNNING"
	StateStopped = "STOPPED"
	StateUnknown = "UNKNOWN"
)

// DefaultJournalLines is the journal tail attached to failures.
const DefaultJournalLines = 20

// Service is one logical service: the units it controls and the etc
// groups its configuration lives in.
type Service struct {
	Name string

	// Units are started in order and stopped in reverse order. The
	// first unit decides whether the service is running.
	Units []string

	// EtcGroups are rendered before start, restart and reload.
	EtcGroups []string

	// NoReload forces reload to restart even when the unit supports
	// reloading.
	NoReload bool
}

// Config holds the parameters for New. Supervisor is required.
type Config struct {
	Supervisor Supervisor

	// Generator renders EtcGroups. Required when any service declares
	// groups.
	Generator *etc.Generator

	Clock        clock.Clock
	JournalLines int
	Logger       *slog.Logger
}

// Controller is the service facade. Actions on one service are
// serialized.
type Controller struct {
	supervisor   Supervisor
	generator    *etc.Generator
	clock        clock.Clock
	journalLines int
	logger       *slog.Logger

	mu       sync.RWMutex
	services map[string]*registeredService
}

type registeredService struct {
	service Service
	lock    sync.Mutex
}

// New returns a Controller with no services.
func New(cfg Config) *Controller {
	if cfg.Supervisor == nil {
		panic("servicectl: Supervisor is required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	lines := cfg.JournalLines
	if lines <= 0 {
		lines = DefaultJournalLines
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Controller{
		supervisor:   cfg.Supervisor,
		generator:    cfg.Generator,
		clock:        clk,
		journalLines: lines,
		logger:       logger,
		services:     map[string]*registeredService{},
	}
}

// Register adds a service.
func (c *Controller) Register(service Service) error {
	if service.Name == "" || len(service.Units) == 0 {
		return fmt.Errorf("servicectl: service %q needs a name and at least one unit", service.Name)
	}
	if len(service.EtcGroups) > 0 && c.generator == nil {
		return fmt.Errorf("servicectl: service %s renders etc groups but no generator is configured", service.Name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.services[service.Name]; exists {
		return fmt.Errorf("servicectl: service %s already registered", service.Name)
	}
	c.services[service.Name] = &registeredService{service: service}
	return nil
}

// Names returns the registered service names, sorted.
func (c *Controller) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Lookup returns the declaration of service name.
func (c *Controller) Lookup(name string) (Service, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	registered, ok := c.services[name]
	if !ok {
		return Service{}, false
	}
	return registered.service, true
}

func (c *Controller) lookup(name string) (*registeredService, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	registered, ok := c.services[name]
	if !ok {
		return nil, apierror.NotFound("Service %s not found", name)
	}
	return registered, nil
}

// Start renders the service's configuration, starts its units and
// verifies it is running. A failure carries the journal of the attempt.
func (c *Controller) Start(ctx context.Context, name string) error {
	return c.action(ctx, name, "start", func(service *Service, since time.Time) error {
		if err := c.render(ctx, service); err != nil {
			return err
		}
		for _, unit := range service.Units {
			if err := c.supervisor.Start(ctx, unit); err != nil {
				return c.failure(ctx, service, unit, since, "start", err)
			}
		}
		return c.expectRunning(ctx, service, since, "start", true)
	})
}

// Stop stops the units in reverse order and verifies the service is no
// longer running.
func (c *Controller) Stop(ctx context.Context, name string) error {
	return c.action(ctx, name, "stop", func(service *Service, since time.Time) error {
		for _, unit := range slices.Backward(service.Units) {
			if err := c.supervisor.Stop(ctx, unit); err != nil {
				return c.failure(ctx, service, unit, since, "stop", err)
			}
		}
		return c.expectRunning(ctx, service, since, "stop", false)
	})
}

// Restart renders the configuration and restarts every unit.
func (c *Controller) Restart(ctx context.Context, name string) error {
	return c.action(ctx, name, "restart", func(service *Service, since time.Time) error {
		if err := c.render(ctx, service); err != nil {
			return err
		}
		return c.restart(ctx, service, since)
	})
}

// Reload renders the configuration and reloads the units. Units that
// cannot reload, and services declared NoReload, are restarted.
func (c *Controller) Reload(ctx context.Context, name string) error {
	return c.action(ctx, name, "reload", func(service *Service, since time.Time) error {
		if err := c.render(ctx, service); err != nil {
			return err
		}
		if service.NoReload {
			return c.restart(ctx, service, since)
		}
		for _, unit := range service.Units {
			reloadable, err := c.supervisor.CanReload(ctx, unit)
			if err != nil {
				return err
			}
			if !reloadable {
				c.logger.Debug("unit cannot reload, restarting", "service", service.Name, "unit", unit)
				err = c.supervisor.Restart(ctx, unit)
			} else {
				err = c.supervisor.Reload(ctx, unit)
			}
			if err != nil {
				return c.failure(ctx, service, unit, since, "reload", err)
			}
		}
		return c.expectRunning(ctx, service, since, "reload", true)
	})
}

func (c *Controller) restart(ctx context.Context, service *Service, since time.Time) error {
	for _, unit := range service.Units {
		if err := c.supervisor.Restart(ctx, unit); err != nil {
			return c.failure(ctx, service, unit, since, "restart", err)
		}
	}
	return c.expectRunning(ctx, service, since, "restart", true)
}

// Started reports whether the service's first unit is active.
func (c *Controller) Started(ctx context.Context, name string) (bool, error) {
	registered, err := c.lookup(name)
	if err != nil {
		return false, err
	}
	return c.supervisor.Active(ctx, registered.service.Units[0])
}

// State is Started as a display state. Errors yield StateUnknown.
func (c *Controller) State(ctx context.Context, name string) string {
	running, err := c.Started(ctx, name)
	switch {
	case err != nil:
		c.logger.Warn("service state unavailable", "service", name, "error", err)
		return StateUnknown
	case running:
		return StateRunning
	default:
		return StateStopped
	}
}

// Enable marks every unit to start at boot.
func (c *Controller) Enable(ctx context.Context, name string) error {
	return c.action(ctx, name, "enable", func(service *Service, _ time.Time) error {
		for _, unit := range service.Units {
			if err := c.supervisor.Enable(ctx, unit); err != nil {
				return err
			}
		}
		return nil
	})
}

// Disable clears the start-at-boot mark of every unit.
func (c *Controller) Disable(ctx context.Context, name string) error {
	return c.action(ctx, name, "disable", func(service *Service, _ time.Time) error {
		for _, unit := range service.Units {
			if err := c.supervisor.Disable(ctx, unit); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Controller) action(ctx context.Context, name, verb string, run func(service *Service, since time.Time) error) error {
	registered, err := c.lookup(name)
	if err != nil {
		return err
	}
	registered.lock.Lock()
	defer registered.lock.Unlock()

	// The journal has one-second resolution.
	since := c.clock.Now().Truncate(time.Second)
	err = run(&registered.service, since)
	result := "success"
	if err != nil {
		result = "failure"
		c.logger.Error("service action failed", "service", name, "verb", verb, "error", err)
	} else {
		c.logger.Info("service action", "service", name, "verb", verb)
	}
	metrics.ServiceActions.WithLabelValues(name, verb, result).Inc()
	return err
}

func (c *Controller) render(ctx context.Context, service *Service) error {
	for _, group := range service.EtcGroups {
		if _, err := c.generator.Generate(ctx, group, ""); err != nil {
			return fmt.Errorf("servicectl: rendering %s for %s: %w", group, service.Name, err)
		}
	}
	return nil
}

func (c *Controller) expectRunning(ctx context.Context, service *Service, since time.Time, verb string, want bool) error {
	unit := service.Units[0]
	running, err := c.supervisor.Active(ctx, unit)
	if err != nil {
		return err
	}
	if running == want {
		return nil
	}
	if want {
		return c.failure(ctx, service, unit, since, verb, errors.New("service not running after "+verb))
	}
	return c.failure(ctx, service, unit, since, verb, errors.New("service still running after "+verb))
}

// failure builds the error for a failed action, with the unit's
// journal since the action began as the reason when there is any.
func (c *Controller) failure(ctx context.Context, service *Service, unit string, since time.Time, verb string, cause error) error {
	journal, err := c.supervisor.Journal(ctx, unit, since, c.journalLines)
	if err != nil {
		c.logger.Warn("reading journal failed", "unit", unit, "error", err)
		journal = ""
	}
	reason := cause.Error()
	if journal != "" {
		reason = journal
	}
	return &apierror.Error{
		Kind:   apierror.KindCall,
		Errno:  apierror.ESERVICESTARTFAILURE,
		Reason: fmt.Sprintf("%s: %s failed: %s", service.Name, verb, reason),
		Extra:  map[string]any{"service": service.Name, "unit": unit, "verb": verb, "journal": journal},
		Cause:  cause,
	}
}
