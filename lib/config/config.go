// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the variable Load reads the file path
// from.
const EnvironmentVariable = "MIDDLEWARED_CONFIG"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid configuration")

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the daemon configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	Paths     PathsConfig     `yaml:"paths"`
	Listen    ListenConfig    `yaml:"listen"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Events    EventsConfig    `yaml:"events"`
	Auth      AuthConfig      `yaml:"auth"`
	Transport TransportConfig `yaml:"transport"`
	Workers   WorkersConfig   `yaml:"workers"`
	Logging   LoggingConfig   `yaml:"logging"`

	// Per-environment sections hold any subset of the keys above and
	// are decoded over the base values when Environment matches.
	Development yaml.Node `yaml:"development,omitempty"`
	Staging     yaml.Node `yaml:"staging,omitempty"`
	Production  yaml.Node `yaml:"production,omitempty"`
}

// PathsConfig configures file locations.
type PathsConfig struct {
	// Root is the base for the other paths; ${MIDDLEWARED_ROOT}
	// expands to it.
	Root string `yaml:"root"`

	// Database is the SQLite configuration database.
	Database string `yaml:"database"`

	// JobLogs holds <job_id>.log files.
	JobLogs string `yaml:"job_logs"`

	// Etc is the root generated configuration files are written under.
	Etc string `yaml:"etc"`

	// Run holds the UNIX socket and other runtime files.
	Run string `yaml:"run"`

	// PwencSecret is the age identity sealing secret columns.
	PwencSecret string `yaml:"pwenc_secret"`

	// TokenKey is the ed25519 seed signing authentication tokens. A
	// missing file is created.
	TokenKey string `yaml:"token_key"`
}

// ListenConfig configures the listeners.
type ListenConfig struct {
	// HTTP is the TCP address of the WebSocket and side-channel
	// listener. Empty disables it.
	HTTP string `yaml:"http"`

	UnixSocket string `yaml:"unix_socket"`
}

// JobsConfig configures the job manager.
type JobsConfig struct {
	MaxRetained      int           `yaml:"max_retained"`
	AbortGrace       time.Duration `yaml:"abort_grace"`
	ProgressInterval time.Duration `yaml:"progress_interval"`

	// LogRotateSize is the size in bytes above which a finished job's
	// log is compressed.
	LogRotateSize int64 `yaml:"log_rotate_size"`

	LogQueueDepth int `yaml:"log_queue_depth"`

	// TTL overrides the retention of finished jobs per method.
	TTL map[string]time.Duration `yaml:"ttl"`
}

// EventsConfig configures the event bus.
type EventsConfig struct {
	QueueSize int `yaml:"queue_size"`

	// Overflow is the policy for a full subscriber queue. Only "drop"
	// (drop the subscriber) is supported.
	Overflow string `yaml:"overflow"`
}

// AuthConfig configures authentication.
type AuthConfig struct {
	RateLimitInterval   time.Duration `yaml:"rate_limit_interval"`
	RateLimitMaxCalls   int           `yaml:"rate_limit_max_calls"`
	RateLimitMaxEntries int           `yaml:"rate_limit_max_entries"`
	TokenTTL            time.Duration `yaml:"token_ttl"`

	// SessionIdleTimeout closes idle password and token sessions.
	// Zero disables it.
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
}

// TransportConfig configures frame limits.
type TransportConfig struct {
	AnonymousFrameLimit     int64 `yaml:"anonymous_frame_limit"`
	AuthenticatedFrameLimit int64 `yaml:"authenticated_frame_limit"`
	MaxInFlight             int   `yaml:"max_in_flight"`
}

// WorkersConfig configures the blocking-offload pool.
type WorkersConfig struct {
	// Size of zero selects max(21, cpus+4).
	Size int `yaml:"size"`
}

// LoggingConfig configures the daemon logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is json or text.
	Format string `yaml:"format"`
}

// SlogLevel parses Level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("config: logging.level: %w", err)
	}
	return level, nil
}

// Default returns the configuration of an appliance install. Files
// override any subset of it.
func Default() *Config {
	return &Config{
		Environment: Production,
		Paths: PathsConfig{
			Root:        "/var/db/system",
			Database:    "/data/freenas-v1.db",
			JobLogs:     "${MIDDLEWARED_ROOT}/jobs",
			Etc:         "/etc",
			Run:         "/var/run/middleware",
			PwencSecret: "/data/pwenc_secret",
			TokenKey:    "/data/middlewared_token.key",
		},
		Listen: ListenConfig{
			HTTP:       "127.0.0.1:6000",
			UnixSocket: "/var/run/middleware/middlewared.sock",
		},
		Jobs: JobsConfig{
			MaxRetained:      1000,
			AbortGrace:       30 * time.Second,
			ProgressInterval: 250 * time.Millisecond,
			LogRotateSize:    1 << 20,
			LogQueueDepth:    256,
		},
		Events: EventsConfig{
			QueueSize: 256,
			Overflow:  "drop",
		},
		Auth: AuthConfig{
			RateLimitInterval:   60 * time.Second,
			RateLimitMaxCalls:   10,
			RateLimitMaxEntries: 100,
			TokenTTL:            10 * time.Minute,
			SessionIdleTimeout:  0,
		},
		Transport: TransportConfig{
			AnonymousFrameLimit:     64 * 1024,
			AuthenticatedFrameLimit: 2 * 1024 * 1024,
			MaxInFlight:             64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads the file named by MIDDLEWARED_CONFIG. It fails when the
// variable is unset.
func Load() (*Config, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		return nil, fmt.Errorf("config: %s is not set; set it to the path of middlewared.yaml or pass --config", EnvironmentVariable)
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path over Default, applies the
// section of the selected environment and expands path variables. It
// does not validate.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse is LoadFile for configuration already in memory.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.applyEnvironmentOverrides(); err != nil {
		return nil, err
	}
	cfg.expandVariables()
	return cfg, nil
}

// Find returns the validated configuration of a binary: the file at
// path when set, else the file named by MIDDLEWARED_CONFIG, else the
// defaults. Every failure wraps ErrInvalid.
func Find(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvironmentVariable)
	}
	var cfg *Config
	var err error
	if path == "" {
		cfg, err = Parse(nil)
	} else {
		cfg, err = LoadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() error {
	var section *yaml.Node
	switch c.Environment {
	case Development:
		section = &c.Development
	case Staging:
		section = &c.Staging
	case Production:
		section = &c.Production
	default:
		return nil
	}
	if section.Kind == 0 {
		return nil
	}
	environment := c.Environment
	if err := section.Decode(c); err != nil {
		return fmt.Errorf("config: %s section: %w", environment, err)
	}
	// A section cannot switch to another environment.
	c.Environment = environment
	return nil
}

var variablePattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVariables expands ${VAR} and ${VAR:-default} in paths.
// MIDDLEWARED_ROOT is Paths.Root; other names come from the process
// environment.
func (c *Config) expandVariables() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}
	c.Paths.Root = expand(c.Paths.Root, vars)
	vars["MIDDLEWARED_ROOT"] = c.Paths.Root

	for _, field := range []*string{
		&c.Paths.Database, &c.Paths.JobLogs, &c.Paths.Etc, &c.Paths.Run,
		&c.Paths.PwencSecret, &c.Paths.TokenKey, &c.Listen.UnixSocket,
	} {
		*field = expand(*field, vars)
	}
}

func expand(s string, vars map[string]string) string {
	return variablePattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := variablePattern.FindStringSubmatch(match)
		name, fallback := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return fallback
	})
}

// Validate checks the configuration. Every failure wraps ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if !slices.Contains([]Environment{Development, Staging, Production}, c.Environment) {
		invalid("environment %q is not development, staging or production", c.Environment)
	}
	for name, value := range map[string]string{
		"paths.database":     c.Paths.Database,
		"paths.job_logs":     c.Paths.JobLogs,
		"paths.etc":          c.Paths.Etc,
		"paths.run":          c.Paths.Run,
		"paths.pwenc_secret": c.Paths.PwencSecret,
		"paths.token_key":    c.Paths.TokenKey,
	} {
		if value == "" {
			invalid("%s is required", name)
		} else if !filepath.IsAbs(value) {
			invalid("%s must be absolute, got %q", name, value)
		}
	}
	if c.Listen.HTTP == "" && c.Listen.UnixSocket == "" {
		invalid("at least one of listen.http and listen.unix_socket is required")
	}

	if c.Jobs.MaxRetained <= 0 {
		invalid("jobs.max_retained must be positive")
	}
	if c.Jobs.AbortGrace <= 0 || c.Jobs.ProgressInterval <= 0 {
		invalid("jobs.abort_grace and jobs.progress_interval must be positive")
	}
	for method, ttl := range c.Jobs.TTL {
		if ttl <= 0 {
			invalid("jobs.ttl.%s must be positive", method)
		}
	}
	if c.Events.QueueSize <= 0 {
		invalid("events.queue_size must be positive")
	}
	if c.Events.Overflow != "drop" {
		invalid("events.overflow %q is not supported; only \"drop\" is", c.Events.Overflow)
	}
	if c.Auth.RateLimitInterval <= 0 || c.Auth.RateLimitMaxCalls <= 0 || c.Auth.RateLimitMaxEntries <= 0 {
		invalid("auth rate limit settings must be positive")
	}
	if c.Auth.TokenTTL <= 0 {
		invalid("auth.token_ttl must be positive")
	}
	if c.Auth.SessionIdleTimeout < 0 {
		invalid("auth.session_idle_timeout must not be negative")
	}
	if c.Transport.AnonymousFrameLimit <= 0 || c.Transport.AuthenticatedFrameLimit < c.Transport.AnonymousFrameLimit {
		invalid("transport frame limits must be positive and the authenticated limit at least the anonymous one")
	}
	if c.Workers.Size < 0 {
		invalid("workers.size must not be negative")
	}
	if _, err := c.Logging.SlogLevel(); err != nil {
		invalid("logging.level %q is not debug, info, warn or error", c.Logging.Level)
	}
	if format := strings.ToLower(c.Logging.Format); format != "json" && format != "text" {
		invalid("logging.format %q is not json or text", c.Logging.Format)
	}

	return errors.Join(errs...)
}

// EnsurePaths creates the directories the daemon writes into.
func (c *Config) EnsurePaths() error {
	for _, dir := range []string{c.Paths.JobLogs, c.Paths.Run, filepath.Dir(c.Paths.Database)} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: creating %s: %w", dir, err)
		}
	}
	return nil
}
