// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/middlewared/internal/core"
	"github.com/bureau-foundation/middlewared/lib/config"
	"github.com/bureau-foundation/middlewared/lib/process"
	"github.com/bureau-foundation/middlewared/lib/version"
	"github.com/bureau-foundation/middlewared/plugins/builtin"
)

// shutdownTimeout bounds how long running jobs get to finish on exit.
const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

func run(args []string) error {
	var (
		configPath  string
		bootstrap   bool
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("middlewared", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "configuration file (default $"+config.EnvironmentVariable+")")
	flagSet.BoolVar(&bootstrap, "bootstrap", true, "create missing tables and builtin rows before serving")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return process.Usage("%v", err)
	}
	if flagSet.NArg() > 0 {
		return process.Usage("unexpected argument: %s", flagSet.Arg(0))
	}
	if showVersion {
		fmt.Printf("middlewared %s\n", version.Full())
		return nil
	}

	cfg, err := config.Find(configPath)
	if err != nil {
		return err
	}
	level := new(slog.LevelVar)
	logger := newLogger(os.Stderr, cfg.Logging.Format, level)
	slog.SetDefault(logger)

	c, err := core.New(core.Config{
		Daemon:    cfg,
		Bootstrap: bootstrap,
		Logger:    logger,
		Level:     level,
	})
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := c.Close(ctx); err != nil {
			logger.Error("shutdown incomplete", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.Register(builtin.All()...); err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		return err
	}
	logger.Info("middlewared serving",
		"version", version.Info(),
		"environment", cfg.Environment,
		"unix_socket", cfg.Listen.UnixSocket,
		"http", cfg.Listen.HTTP,
	)
	err = c.Run(ctx)
	if ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)) {
		logger.Info("middlewared stopping", "reason", context.Cause(ctx))
		return nil
	}
	return err
}

// newLogger builds the daemon logger in the configured format. Its
// level follows level.
func newLogger(w io.Writer, format string, level *slog.LevelVar) *slog.Logger {
	options := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, options))
	}
	return slog.New(slog.NewJSONHandler(w, options))
}
