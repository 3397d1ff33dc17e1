// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package etc

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/metrics"
)

// Caller runs the context calls of a group. The dispatcher implements
// it.
type Caller interface {
	CallInternal(ctx context.Context, name string, args ...any) (any, error)
}

// Status of a reported file.
const (
	StatusChanged = "CHANGED"
	StatusRemoved = "REMOVED"
)

// FileResult reports one file the generator changed or removed.
type FileResult struct {
	Path    string   `json:"path"`
	Status  string   `json:"status"`
	Changes []string `json:"changes"`

	// Checksum is the BLAKE3 digest of the written content, empty for
	// removed files and metadata-only repairs.
	Checksum string `json:"checksum,omitempty"`
}

// Config holds the parameters for New.
type Config struct {
	// Root is the directory entry paths are relative to. Defaults to
	// "/etc".
	Root string

	// DefaultOwner applies to entries without an Owner. The zero
	// value is root:root.
	DefaultOwner Owner

	Caller Caller
	Logger *slog.Logger
}

// Generator renders registered groups. Generations of one group are
// serialized; different groups render concurrently.
type Generator struct {
	root         string
	defaultOwner Owner
	caller       Caller
	logger       *slog.Logger

	mu     sync.RWMutex
	groups map[string]*registeredGroup
}

type registeredGroup struct {
	group Group
	lock  sync.Mutex
}

// New returns a Generator with no groups.
func New(cfg Config) *Generator {
	root := cfg.Root
	if root == "" {
		root = "/etc"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Generator{
		root:         root,
		defaultOwner: cfg.DefaultOwner,
		caller:       cfg.Caller,
		logger:       logger,
		groups:       map[string]*registeredGroup{},
	}
}

// SetCaller sets the context-call runner. The core sets it once the
// dispatcher exists.
func (g *Generator) SetCaller(caller Caller) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.caller = caller
}

// Register adds a group. Names are unique and entry paths must be
// relative and stay below the root.
func (g *Generator) Register(group Group) error {
	if group.Name == "" {
		return errors.New("etc: group name is required")
	}
	for i := range group.Entries {
		entry := &group.Entries[i]
		clean := filepath.Clean(entry.Path)
		if entry.Path == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			return fmt.Errorf("etc: group %s: invalid entry path %q", group.Name, entry.Path)
		}
		if entry.Renderer == nil {
			return fmt.Errorf("etc: group %s: entry %s has no renderer", group.Name, entry.Path)
		}
		entry.Path = clean
		if entry.Mode == 0 {
			entry.Mode = DefaultMode
		}
		if entry.Checkpoint == "" {
			entry.Checkpoint = CheckpointInitial
		}
		if entry.Checkpoint != CheckpointNone && !slices.Contains(Checkpoints, entry.Checkpoint) {
			return fmt.Errorf("etc: group %s: entry %s: unknown checkpoint %q", group.Name, entry.Path, entry.Checkpoint)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.groups[group.Name]; exists {
		return fmt.Errorf("etc: group %s already registered", group.Name)
	}
	g.groups[group.Name] = &registeredGroup{group: group}
	return nil
}

// Groups returns the registered group names, sorted.
func (g *Generator) Groups() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.groups))
	for name := range g.groups {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Path returns the absolute path of an entry path.
func (g *Generator) Path(entryPath string) string {
	return filepath.Join(g.root, entryPath)
}

// Generate renders group name and reports the files it changed or
// removed. With a non-empty checkpoint only the entries of that
// checkpoint are rendered. A failing renderer is logged and skipped;
// the rest of the group is still written.
func (g *Generator) Generate(ctx context.Context, name string, checkpoint string) ([]FileResult, error) {
	g.mu.RLock()
	registered, ok := g.groups[name]
	caller := g.caller
	g.mu.RUnlock()
	if !ok {
		return nil, apierror.NotFound("etc group %s not found", name)
	}

	registered.lock.Lock()
	defer registered.lock.Unlock()

	group := &registered.group
	values, err := g.gatherContext(ctx, caller, group)
	if err != nil {
		return nil, err
	}

	results := []FileResult{}
	for i := range group.Entries {
		entry := &group.Entries[i]
		if checkpoint != "" && entry.Checkpoint != checkpoint {
			continue
		}
		result, err := g.generateEntry(ctx, group.Name, entry, values)
		if err != nil {
			g.logger.Error("rendering configuration file failed",
				"group", group.Name, "path", entry.Path, "error", err)
			continue
		}
		if result != nil {
			results = append(results, *result)
		}
	}
	return results, nil
}

// GenerateCheckpoint renders the entries of checkpoint in every group.
// A failing group is logged and does not stop the others.
func (g *Generator) GenerateCheckpoint(ctx context.Context, checkpoint string) (map[string][]FileResult, error) {
	if !slices.Contains(Checkpoints, checkpoint) {
		return nil, apierror.Call(apierror.EINVAL, "%q not recognised", checkpoint)
	}
	results := map[string][]FileResult{}
	for _, name := range g.Groups() {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		files, err := g.Generate(ctx, name, checkpoint)
		if err != nil {
			g.logger.Error("generating group failed", "group", name, "checkpoint", checkpoint, "error", err)
			continue
		}
		if len(files) > 0 {
			results[name] = files
		}
	}
	return results, nil
}

func (g *Generator) gatherContext(ctx context.Context, caller Caller, group *Group) (map[string]any, error) {
	values := make(map[string]any, len(group.Context))
	if len(group.Context) == 0 {
		return values, nil
	}
	if caller == nil {
		return nil, fmt.Errorf("etc: group %s needs context calls but no caller is configured", group.Name)
	}
	for _, call := range group.Context {
		result, err := caller.CallInternal(ctx, call.Method, call.Args...)
		if err != nil {
			return nil, fmt.Errorf("etc: group %s: context %s: %w", group.Name, call.Method, err)
		}
		values[call.key()] = result
	}
	return values, nil
}

func (g *Generator) generateEntry(ctx context.Context, groupName string, entry *Entry, values map[string]any) (*FileResult, error) {
	path := g.Path(entry.Path)
	content, err := entry.Renderer.Render(ctx, &RenderContext{Group: groupName, Entry: entry, Values: values})
	if errors.Is(err, ErrFileShouldNotExist) {
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("etc: removing %s: %w", path, err)
		}
		g.logger.Debug("configuration file removed", "group", groupName, "path", path)
		metrics.EtcChanges.WithLabelValues(groupName, StatusRemoved).Inc()
		return &FileResult{Path: path, Status: StatusRemoved, Changes: []string{ChangeContents}}, nil
	}
	if err != nil {
		return nil, err
	}

	owner := g.defaultOwner
	if entry.Owner != nil {
		owner = *entry.Owner
	}
	changes, err := writeIfChanged(path, content, entry.Mode, owner)
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return nil, nil
	}
	for _, change := range changes {
		metrics.EtcChanges.WithLabelValues(groupName, change).Inc()
	}
	if slices.ContainsFunc(changes, func(change string) bool { return change != ChangeContents }) {
		g.logger.Error("unexpected changes were made to a configuration file",
			"group", groupName, "path", path, "changes", changes)
	}

	result := &FileResult{Path: path, Status: StatusChanged, Changes: changes}
	if changes[0] == ChangeContents {
		digest := blake3.Sum256(content)
		result.Checksum = hex.EncodeToString(digest[:])
	}
	return result, nil
}
