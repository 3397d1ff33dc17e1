// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/middlewared/internal/core"
	"github.com/bureau-foundation/middlewared/lib/auth"
	"github.com/bureau-foundation/middlewared/lib/config"
	"github.com/bureau-foundation/middlewared/lib/events"
	"github.com/bureau-foundation/middlewared/lib/jobs"
	"github.com/bureau-foundation/middlewared/lib/model"
	"github.com/bureau-foundation/middlewared/lib/process"
	"github.com/bureau-foundation/middlewared/lib/version"
	"github.com/bureau-foundation/middlewared/plugins/builtin"
)

const closeTimeout = 10 * time.Second

// options are the global flags.
type options struct {
	configPath string
	user       string
	waitJob    bool
	format     string
	verbose    bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

func run(args []string) error {
	var opts options
	var showVersion bool
	flagSet := pflag.NewFlagSet("midclt", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", "", "configuration file (default $"+config.EnvironmentVariable+")")
	flagSet.StringVarP(&opts.user, "user", "u", "", "call as this account instead of root (prompts for its password)")
	flagSet.BoolVarP(&opts.waitJob, "job", "j", false, "wait for job methods and print their result")
	flagSet.StringVarP(&opts.format, "output", "o", "json", "result format: json or yaml")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "log the embedded core to stderr")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.SetInterspersed(false)
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return process.Usage("%v", err)
	}
	if showVersion {
		fmt.Printf("midclt %s\n", version.Info())
		return nil
	}
	if flagSet.NArg() == 0 {
		return process.Usage("a command is required: call or methods")
	}
	command, rest := flagSet.Arg(0), flagSet.Args()[1:]
	switch command {
	case "call":
		if len(rest) == 0 {
			return process.Usage("call needs a method name")
		}
	case "methods":
		if len(rest) != 0 {
			return process.Usage("methods takes no arguments")
		}
	default:
		return process.Usage("unknown command %q", command)
	}

	cfg, err := config.Find(opts.configPath)
	if err != nil {
		return err
	}
	logger := slog.New(slog.DiscardHandler)
	if opts.verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	c, err := core.New(core.Config{Daemon: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := c.Close(ctx); err != nil {
			logger.Error("closing core failed", "error", err)
		}
	}()
	if err := c.Register(builtin.All()...); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, err := openSession(ctx, c, opts.user, os.Stdin, os.Stderr)
	if err != nil {
		return err
	}
	defer c.Sessions.Close(session)

	pretty := term.IsTerminal(int(os.Stdout.Fd()))
	if command == "methods" {
		return listMethods(c, session, os.Stdout, opts.format, pretty)
	}
	return call(ctx, c, session, rest[0], rest[1:], opts, os.Stdout, os.Stderr, pretty)
}

// openSession returns a session logged in as root, or as user after a
// password check.
func openSession(ctx context.Context, c *core.Core, user string, stdin *os.File, prompt io.Writer) (*auth.Session, error) {
	session := c.Sessions.Open(auth.Origin{Transport: "unix", PeerUID: os.Getuid()}, nil)
	if user == "" {
		session.SetCredential(c.Authenticator.UnixSocket(0))
		return session, nil
	}
	password, err := readPassword(stdin, prompt, user)
	if err != nil {
		c.Sessions.Close(session)
		return nil, err
	}
	credential, err := c.Authenticator.Password(ctx, user, password)
	if err != nil {
		c.Sessions.Close(session)
		return nil, err
	}
	session.SetCredential(credential)
	return session, nil
}

// readPassword prompts on a terminal without echo, or reads one line
// from a pipe.
func readPassword(stdin *os.File, prompt io.Writer, user string) (string, error) {
	fd := int(stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprintf(prompt, "Password for %s: ", user)
		password, err := term.ReadPassword(fd)
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(password), nil
	}
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func listMethods(c *core.Core, session *auth.Session, w io.Writer, format string, pretty bool) error {
	result, err := c.Dispatcher.Call(context.Background(), session, "core.get_methods", model.Params{})
	if err != nil {
		return err
	}
	return writeResult(w, result, format, pretty)
}

// call runs method and prints its result. With opts.waitJob a job id
// result is replaced by the job's result, and progress goes to
// progress.
func call(ctx context.Context, c *core.Core, session *auth.Session, method string, args []string, opts options, w, progress io.Writer, pretty bool) error {
	params, err := parseParams(args)
	if err != nil {
		return err
	}
	result, err := c.Dispatcher.Call(ctx, session, method, params)
	if err != nil {
		return err
	}
	id, isJob := result.(int64)
	if !isJob || !opts.waitJob {
		return writeResult(w, result, opts.format, pretty)
	}

	subscription, err := c.Bus.Subscribe(events.SubscribeRequest{
		Pattern: jobs.Topic,
		Filters: []any{[]any{"id", "=", id}},
		Deliver: func(event events.Event) { reportProgress(progress, event) },
	})
	if err != nil {
		return err
	}
	defer subscription.Close()

	result, err = c.Dispatcher.Call(ctx, session, "core.job_wait", model.Params{
		Positional: []json.RawMessage{json.RawMessage(strconv.FormatInt(id, 10))},
	})
	if err != nil {
		return err
	}
	return writeResult(w, result, opts.format, pretty)
}

// reportProgress writes "[percent%] description" for job events that
// carry a description.
func reportProgress(w io.Writer, event events.Event) {
	fields, ok := event.Fields.(map[string]any)
	if !ok {
		return
	}
	progress, _ := fields["progress"].(map[string]any)
	description, _ := progress["description"].(string)
	if description == "" {
		return
	}
	fmt.Fprintf(w, "[%v%%] %s\n", progress["percent"], description)
}
