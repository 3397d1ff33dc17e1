// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/middlewared/lib/auth"
	"github.com/bureau-foundation/middlewared/lib/clock"
	"github.com/bureau-foundation/middlewared/lib/config"
	"github.com/bureau-foundation/middlewared/lib/datastore"
	"github.com/bureau-foundation/middlewared/lib/dispatch"
	"github.com/bureau-foundation/middlewared/lib/etc"
	"github.com/bureau-foundation/middlewared/lib/events"
	"github.com/bureau-foundation/middlewared/lib/jobs"
	"github.com/bureau-foundation/middlewared/lib/process"
	"github.com/bureau-foundation/middlewared/lib/ratelimit"
	"github.com/bureau-foundation/middlewared/lib/scheduler"
	"github.com/bureau-foundation/middlewared/lib/sealed"
	"github.com/bureau-foundation/middlewared/lib/servicectl"
	"github.com/bureau-foundation/middlewared/lib/transport"
	"github.com/bureau-foundation/middlewared/lib/workerpool"
)

// ConfigTopic carries the daemon configuration. New subscribers
// receive the current configuration first.
const ConfigTopic = "core.config"

// DatastoreTopics is the private topic family of committed datastore
// writes, "datastore.<table>".
const DatastoreTopics = "datastore.*"

// secretColumns are sealed at rest, per logical table.
var secretColumns = map[string][]string{
	"api_key": {"key"},
}

// Config holds the parameters for New. Daemon is required.
type Config struct {
	Daemon *config.Config

	// Bootstrap applies Schema to the database before serving.
	Bootstrap bool

	// Supervisor drives the init system. Defaults to systemctl.
	Supervisor servicectl.Supervisor

	Clock  clock.Clock
	Logger *slog.Logger

	// Level is the handler level of Logger. When set, the configured
	// level is applied to it and core.update_config can change it.
	Level *slog.LevelVar
}

// Core owns every runtime component and hosts the plugins.
type Core struct {
	Store         *datastore.Store
	Sealer        *sealed.Sealer
	Bus           *events.Bus
	Jobs          *jobs.Manager
	Workers       *workerpool.Pool
	Roles         *auth.RoleManager
	Signer        *auth.Signer
	Authenticator *auth.Authenticator
	Sessions      *auth.Registry
	RateLimit     *ratelimit.Limiter
	Dispatcher    *dispatch.Dispatcher
	Etc           *etc.Generator
	Services      *servicectl.Controller
	Scheduler     *scheduler.Scheduler
	Transport     *transport.Server

	clock  clock.Clock
	logger *slog.Logger
	level  *slog.LevelVar

	mu      sync.RWMutex
	config  *config.Config
	plugins []Plugin
}

// New opens the datastore and key material and builds every runtime
// component. Plugins are added with Register.
func New(cfg Config) (*Core, error) {
	if cfg.Daemon == nil {
		return nil, errors.New("core: Daemon configuration is required")
	}
	daemon := cfg.Daemon
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Level != nil {
		level, err := daemon.Logging.SlogLevel()
		if err != nil {
			return nil, err
		}
		cfg.Level.Set(level)
	}
	if err := daemon.EnsurePaths(); err != nil {
		return nil, &process.IOError{Err: err}
	}

	c := &Core{clock: clk, logger: logger, level: cfg.Level, config: daemon}

	sealer, err := sealed.Open(daemon.Paths.PwencSecret)
	if err != nil {
		return nil, &process.IOError{Err: fmt.Errorf("core: %w", err)}
	}
	c.Sealer = sealer

	storeConfig := datastore.Config{
		Path:    daemon.Paths.Database,
		Sealer:  sealer,
		Secrets: secretColumns,
		Logger:  logger.With("component", "datastore"),
	}
	if cfg.Bootstrap {
		storeConfig.Bootstrap = Schema
	}
	store, err := datastore.Open(storeConfig)
	if err != nil {
		sealer.Close()
		return nil, &process.IOError{Err: err}
	}
	c.Store = store

	c.Bus = events.New(events.Config{
		QueueSize: daemon.Events.QueueSize,
		Logger:    logger.With("component", "events"),
	})
	if err := c.Bus.Register(events.Topic{
		Name:        DatastoreTopics,
		Description: "Committed datastore writes",
		Private:     true,
	}); err != nil {
		return nil, c.abort(err)
	}
	store.SetOnChange(c.publishChange)

	c.Workers = workerpool.New(daemon.Workers.Size)
	c.Jobs = jobs.NewManager(jobs.Config{
		Clock:            clk,
		Logger:           logger.With("component", "jobs"),
		Publisher:        c.Bus,
		LogDir:           daemon.Paths.JobLogs,
		LogQueueDepth:    daemon.Jobs.LogQueueDepth,
		LogRotateSize:    daemon.Jobs.LogRotateSize,
		MaxRetained:      daemon.Jobs.MaxRetained,
		MethodTTL:        daemon.Jobs.TTL,
		AbortGrace:       daemon.Jobs.AbortGrace,
		ProgressInterval: daemon.Jobs.ProgressInterval,
	})
	if err := c.Bus.Register(events.Topic{
		Name:        jobs.Topic,
		Description: "Job state changes",
		Snapshot:    c.Jobs.Snapshot,
	}); err != nil {
		return nil, c.abort(err)
	}
	if err := c.Bus.Register(events.Topic{
		Name:        ConfigTopic,
		Description: "Daemon configuration",
		Snapshot: func() []events.Event {
			return []events.Event{{Topic: ConfigTopic, Kind: events.Changed, ID: "config", Fields: c.ConfigDump()}}
		},
	}); err != nil {
		return nil, c.abort(err)
	}

	c.Roles = auth.NewRoleManager(auth.DefaultRoles())
	if err := c.Roles.RegisterEvent(ConfigTopic, []string{"SYSTEM_GENERAL_READ"}); err != nil {
		return nil, c.abort(err)
	}
	c.RateLimit = ratelimit.New(ratelimit.Config{
		Interval:   daemon.Auth.RateLimitInterval,
		MaxCalls:   daemon.Auth.RateLimitMaxCalls,
		MaxEntries: daemon.Auth.RateLimitMaxEntries,
		Clock:      clk,
		Logger:     logger.With("component", "ratelimit"),
	})
	c.Dispatcher = dispatch.New(dispatch.Config{
		Roles:     c.Roles,
		Jobs:      c.Jobs,
		Workers:   c.Workers,
		RateLimit: c.RateLimit,
		Clock:     clk,
		Logger:    logger.With("component", "dispatch"),
	})

	signer, err := auth.LoadSigner(daemon.Paths.TokenKey, clk)
	if err != nil {
		return nil, c.abort(&process.IOError{Err: err})
	}
	c.Signer = signer
	c.Authenticator = auth.NewAuthenticator(auth.AuthenticatorConfig{
		Roles:    c.Roles,
		Accounts: &storeAccounts{store: store},
		Signer:   signer,
		Clock:    clk,
		Logger:   logger.With("component", "auth"),
	})
	c.Sessions = auth.NewRegistry(clk, daemon.Auth.SessionIdleTimeout)

	c.Etc = etc.New(etc.Config{
		Root:         daemon.Paths.Etc,
		DefaultOwner: etc.Owner{UID: os.Getuid(), GID: os.Getgid()},
		Caller:       c.Dispatcher,
		Logger:       logger.With("component", "etc"),
	})
	supervisor := cfg.Supervisor
	if supervisor == nil {
		supervisor = &servicectl.Systemctl{}
	}
	c.Services = servicectl.New(servicectl.Config{
		Supervisor: supervisor,
		Generator:  c.Etc,
		Clock:      clk,
		Logger:     logger.With("component", "servicectl"),
	})
	c.Scheduler = scheduler.New(scheduler.Config{
		Clock:  clk,
		Logger: logger.With("component", "scheduler"),
	})

	c.Transport = transport.New(transport.Config{
		Dispatcher:              c.Dispatcher,
		Sessions:                c.Sessions,
		Authenticator:           c.Authenticator,
		Bus:                     c.Bus,
		Jobs:                    c.Jobs,
		AnonymousFrameLimit:     daemon.Transport.AnonymousFrameLimit,
		AuthenticatedFrameLimit: daemon.Transport.AuthenticatedFrameLimit,
		MaxInFlight:             daemon.Transport.MaxInFlight,
		SubscriptionAccess:      subscriptionAccess,
		Logger:                  logger.With("component", "transport"),
	})

	if err := c.addHousekeeping(); err != nil {
		return nil, c.abort(err)
	}
	return c, nil
}

// abort releases what New opened so far.
func (c *Core) abort(err error) error {
	if c.Store != nil {
		c.Store.Close()
	}
	if c.Sealer != nil {
		c.Sealer.Close()
	}
	return err
}

// publishChange forwards a committed write to the datastore topic
// family. Rows of tables with secret columns are reduced to their id.
func (c *Core) publishChange(change datastore.Change) {
	var kind string
	switch change.Operation {
	case "insert":
		kind = events.Added
	case "update":
		kind = events.Changed
	case "delete":
		kind = events.Removed
	default:
		return
	}
	fields := change.Row
	if _, secret := secretColumns[change.Table]; secret || kind == events.Removed {
		fields = map[string]any{"id": change.ID}
	}
	c.Bus.Publish("datastore."+change.Table, kind, change.ID, fields)
}

// subscriptionAccess shows a job event only to callers allowed to call
// the job's method.
func subscriptionAccess(session *auth.Session, topic string) func(events.Event) bool {
	if topic != jobs.Topic {
		return nil
	}
	return func(event events.Event) bool {
		credential := session.Credential()
		if credential == nil {
			return false
		}
		if credential.FullAdmin() {
			return true
		}
		fields, ok := event.Fields.(map[string]any)
		if !ok {
			return false
		}
		method, _ := fields["method"].(string)
		return credential.Authorize(auth.VerbCall, method)
	}
}

// Register registers plugins in order. A failing plugin stops
// registration.
func (c *Core) Register(plugins ...Plugin) error {
	for _, plugin := range plugins {
		if err := plugin.Register(c); err != nil {
			return fmt.Errorf("core: registering plugin %s: %w", plugin.Name(), err)
		}
		c.mu.Lock()
		c.plugins = append(c.plugins, plugin)
		c.mu.Unlock()
		c.logger.Debug("plugin registered", "plugin", plugin.Name())
	}
	return nil
}

// Start writes the configuration files of the initial checkpoint,
// starts the plugins and then writes the post_init checkpoint.
func (c *Core) Start(ctx context.Context) error {
	if _, err := c.Etc.GenerateCheckpoint(ctx, etc.CheckpointInitial); err != nil {
		c.logger.Error("initial etc generation failed", "error", err)
	}
	c.mu.RLock()
	plugins := append([]Plugin(nil), c.plugins...)
	c.mu.RUnlock()
	for _, plugin := range plugins {
		starter, ok := plugin.(Starter)
		if !ok {
			continue
		}
		if err := starter.Start(ctx); err != nil {
			return fmt.Errorf("core: starting plugin %s: %w", plugin.Name(), err)
		}
	}
	if _, err := c.Etc.GenerateCheckpoint(ctx, etc.CheckpointPostInit); err != nil {
		c.logger.Error("post_init etc generation failed", "error", err)
	}
	c.logger.Info("core started", "plugins", len(plugins), "methods", len(c.Dispatcher.Methods(true)))
	return nil
}

// Run serves the UNIX socket and the HTTP listener and runs the
// scheduler until ctx is cancelled or one of them fails.
func (c *Core) Run(ctx context.Context) error {
	daemon := c.Settings()
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return c.Scheduler.Run(groupCtx) })
	if daemon.Listen.UnixSocket != "" {
		group.Go(func() error {
			if err := os.MkdirAll(filepath.Dir(daemon.Listen.UnixSocket), 0o755); err != nil {
				return &process.IOError{Err: fmt.Errorf("core: creating socket directory: %w", err)}
			}
			return c.Transport.ServeUnix(groupCtx, daemon.Listen.UnixSocket, nil)
		})
	}
	if daemon.Listen.HTTP != "" {
		group.Go(func() error { return c.Transport.ServeHTTP(groupCtx, daemon.Listen.HTTP, nil) })
	}
	return group.Wait()
}

// Close stops the job manager and closes the datastore and key
// material. Jobs still running when ctx ends are abandoned.
func (c *Core) Close(ctx context.Context) error {
	var errs []error
	if err := c.Jobs.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("core: shutting down jobs: %w", err))
	}
	c.Scheduler.Wait()
	if err := c.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Sealer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("core: closing sealer: %w", err))
	}
	return errors.Join(errs...)
}

// Clock returns the core's clock.
func (c *Core) Clock() clock.Clock { return c.clock }

// Logger returns a logger for a plugin.
func (c *Core) Logger(plugin string) *slog.Logger {
	return c.logger.With("plugin", plugin)
}

// Settings returns a copy of the daemon configuration.
func (c *Core) Settings() config.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return *c.config
}

// ConfigDump renders the configuration in its file form, one map per
// section.
func (c *Core) ConfigDump() map[string]any {
	settings := c.Settings()
	dump := map[string]any{"environment": string(settings.Environment)}
	sections := map[string]any{
		"paths":     settings.Paths,
		"listen":    settings.Listen,
		"jobs":      settings.Jobs,
		"events":    settings.Events,
		"auth":      settings.Auth,
		"transport": settings.Transport,
		"workers":   settings.Workers,
		"logging":   settings.Logging,
	}
	for name, section := range sections {
		encoded, err := yaml.Marshal(section)
		if err != nil {
			c.logger.Error("encoding configuration section failed", "section", name, "error", err)
			continue
		}
		var generic map[string]any
		if err := yaml.Unmarshal(encoded, &generic); err != nil {
			c.logger.Error("decoding configuration section failed", "section", name, "error", err)
			continue
		}
		if generic == nil {
			generic = map[string]any{}
		}
		dump[name] = generic
	}
	return dump
}

// SetLogLevel changes the daemon log level and announces the new
// configuration on ConfigTopic.
func (c *Core) SetLogLevel(level string) error {
	parsed, err := config.LoggingConfig{Level: level}.SlogLevel()
	if err != nil {
		return err
	}
	c.mu.Lock()
	updated := *c.config
	updated.Logging.Level = strings.ToLower(level)
	c.config = &updated
	c.mu.Unlock()
	if c.level != nil {
		c.level.Set(parsed)
	}
	c.logger.Info("log level changed", "level", parsed.String())
	c.Bus.Publish(ConfigTopic, events.Changed, "config", c.ConfigDump())
	return nil
}
