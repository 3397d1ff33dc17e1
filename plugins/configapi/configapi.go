// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package configapi exports the system configuration database.
package configapi

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bureau-foundation/middlewared/internal/core"
	"github.com/bureau-foundation/middlewared/lib/dispatch"
)

// Names of the members of a configuration archive.
const (
	DatabaseMember = "freenas-v1.db"
	SecretMember   = "pwenc_secret"
)

type saveOptions struct {
	SecretSeed bool `json:"secretseed"`
}

type saveArgs struct {
	Options saveOptions `json:"options"`
}

// Plugin registers the config namespace.
type Plugin struct {
	core *core.Core
}

// New returns the config plugin.
func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "config" }

func (p *Plugin) Register(c *core.Core) error {
	p.core = c
	return dispatch.Register(c.Dispatcher, dispatch.Method{
		Name:        "config.save",
		Description: "Stream a copy of the configuration database, optionally archived with the secret seed",
		Roles:       []string{"SYSTEM_GENERAL_WRITE"},
		Job: &dispatch.JobOptions{
			Output: true,
			Locks: dispatch.Locks(func(saveArgs) []string {
				return []string{"config.save"}
			}),
		},
	}, p.save)
}

func (p *Plugin) save(ctx context.Context, call *dispatch.Call, args saveArgs) (any, error) {
	directory, err := os.MkdirTemp("", "config-save-")
	if err != nil {
		return nil, fmt.Errorf("configapi: creating staging directory: %w", err)
	}
	defer os.RemoveAll(directory)

	call.Job.SetProgress(10, "Copying database", nil)
	snapshot := filepath.Join(directory, DatabaseMember)
	if err := p.core.Store.Snapshot(ctx, snapshot); err != nil {
		return nil, err
	}

	call.Job.SetProgress(50, "Sending configuration", nil)
	if args.Options.SecretSeed {
		members := []string{snapshot, p.core.Settings().Paths.PwencSecret}
		if err := writeArchive(call.Job.Output(), members, []string{DatabaseMember, SecretMember}); err != nil {
			return nil, err
		}
	} else if err := copyFile(call.Job.Output(), snapshot); err != nil {
		return nil, err
	}
	p.core.Logger("config").Info("configuration saved", "job_id", call.Job.ID(), "secretseed", args.Options.SecretSeed)
	call.Job.SetProgress(100, "Configuration sent", nil)
	return nil, nil
}

func copyFile(w io.Writer, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("configapi: %w", err)
	}
	defer file.Close()
	if _, err := io.Copy(w, file); err != nil {
		return fmt.Errorf("configapi: sending %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeArchive writes a tar of paths, stored under names.
func writeArchive(w io.Writer, paths, names []string) error {
	archive := tar.NewWriter(w)
	for i, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("configapi: %w", err)
		}
		header := &tar.Header{
			Name:    names[i],
			Mode:    0o600,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		if err := archive.WriteHeader(header); err != nil {
			return fmt.Errorf("configapi: writing %s header: %w", names[i], err)
		}
		if err := copyFile(archive, path); err != nil {
			return err
		}
	}
	if err := archive.Close(); err != nil {
		return fmt.Errorf("configapi: finishing archive: %w", err)
	}
	return nil
}
