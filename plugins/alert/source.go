// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/bureau-foundation/middlewared/internal/core"
	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/filter"
	"github.com/bureau-foundation/middlewared/lib/servicectl"
	"github.com/bureau-foundation/middlewared/plugins/service"
)

// Raised is an alert a source reports as currently present.
type Raised struct {
	Klass string
	Args  any
}

// Source is a periodic check. Each run reports the complete set of
// its alerts: alerts it no longer reports are cleared. A source that
// cannot decide returns apierror.CheckerUnavailable and its previous
// alerts stay as they are.
type Source struct {
	Name     string
	Interval time.Duration
	Check    func(ctx context.Context) ([]Raised, error)
}

// AddSource registers a source. Sources added after Start are
// scheduled by the next Start.
func (p *Plugin) AddSource(source Source) error {
	if source.Name == "" || source.Check == nil || source.Interval <= 0 {
		return fmt.Errorf("alert: source %q needs a name, a check and an interval", source.Name)
	}
	p.registry.Lock()
	defer p.registry.Unlock()
	if _, exists := p.sources[source.Name]; exists {
		return fmt.Errorf("alert: source %s already registered", source.Name)
	}
	p.sources[source.Name] = &source
	return nil
}

// servicesSource reports enabled services whose units are not
// running.
func servicesSource(c *core.Core) Source {
	return Source{
		Name:     "Services",
		Interval: 5 * time.Minute,
		Check: func(ctx context.Context) ([]Raised, error) {
			result, err := c.Store.Query(ctx, service.Table, []any{[]any{"enable", "=", true}}, filter.Options{Prefix: service.Prefix})
			if err != nil {
				return nil, err
			}
			var raised []Raised
			for _, row := range result.([]map[string]any) {
				name, _ := row["service"].(string)
				if _, known := c.Services.Lookup(name); !known {
					continue
				}
				switch c.Services.State(ctx, name) {
				case servicectl.StateRunning:
				case servicectl.StateUnknown:
					return nil, apierror.CheckerUnavailable("state of service " + name + " is unknown")
				default:
					raised = append(raised, Raised{Klass: "ServiceNotRunning", Args: map[string]any{"service": name}})
				}
			}
			return raised, nil
		},
	}
}
