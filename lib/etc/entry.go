// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package etc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/tidwall/jsonc"
)

// ErrFileShouldNotExist is returned by a renderer when its file must
// be absent in the current configuration. The generator removes it.
var ErrFileShouldNotExist = errors.New("etc: file should not exist")

// Checkpoints at which groups are rendered in bulk.
const (
	CheckpointInitial          = "initial"
	CheckpointPreInterfaceSync = "pre_interface_sync"
	CheckpointInterfaceSync    = "interface_sync"
	CheckpointPostInit         = "post_init"
	CheckpointPoolImport       = "pool_import"

	// CheckpointNone excludes an entry from every checkpoint. It is
	// rendered only by an explicit Generate of its group.
	CheckpointNone = "none"
)

// Checkpoints lists the recognised checkpoints in boot order.
var Checkpoints = []string{
	CheckpointInitial,
	CheckpointPreInterfaceSync,
	CheckpointInterfaceSync,
	CheckpointPostInit,
	CheckpointPoolImport,
}

// DefaultMode is the mode of entries that declare none.
const DefaultMode os.FileMode = 0o644

// Owner is a numeric file owner.
type Owner struct {
	UID int
	GID int
}

// Entry is one managed file.
type Entry struct {
	// Path is relative to the generator root.
	Path     string
	Renderer Renderer

	// Mode defaults to DefaultMode.
	Mode os.FileMode

	// Owner defaults to the generator's DefaultOwner.
	Owner *Owner

	// Checkpoint defaults to CheckpointInitial.
	Checkpoint string
}

// ContextCall is a method whose result renderers of a group receive.
type ContextCall struct {
	Method string
	Args   []any

	// Prefix distinguishes two calls of the same method. The result
	// is stored under "<Prefix>.<Method>", or Method alone.
	Prefix string
}

func (c ContextCall) key() string {
	if c.Prefix != "" {
		return c.Prefix + "." + c.Method
	}
	return c.Method
}

// Group is a named set of entries rendered together.
type Group struct {
	Name    string
	Entries []Entry
	Context []ContextCall
}

// RenderContext is the input of one renderer invocation.
type RenderContext struct {
	Group string
	Entry *Entry

	// Values holds the results of the group's context calls.
	Values map[string]any
}

// Renderer produces the content of one file. Renderers must be pure
// functions of their context.
type Renderer interface {
	Render(ctx context.Context, rc *RenderContext) ([]byte, error)
}

// RenderFunc adapts a function to Renderer.
type RenderFunc func(ctx context.Context, rc *RenderContext) ([]byte, error)

func (f RenderFunc) Render(ctx context.Context, rc *RenderContext) ([]byte, error) {
	return f(ctx, rc)
}

// templateFuncs are available to every template renderer.
var templateFuncs = template.FuncMap{
	"join": func(separator string, items []any) string {
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = fmt.Sprint(item)
		}
		return strings.Join(parts, separator)
	},
	"json": func(v any) (string, error) {
		data, err := json.Marshal(v)
		return string(data), err
	},
	"default": func(fallback, v any) any {
		if v == nil || v == "" {
			return fallback
		}
		return v
	},
	"absent": func() (string, error) {
		return "", ErrFileShouldNotExist
	},
}

type templateRenderer struct {
	template *template.Template
	jsonc    bool
}

// Template parses a text/template renderer. The template executes
// with the RenderContext as dot. Calling {{absent}} removes the file.
func Template(name, text string) (Renderer, error) {
	parsed, err := template.New(name).Funcs(templateFuncs).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("etc: parsing template %s: %w", name, err)
	}
	return &templateRenderer{template: parsed}, nil
}

// MustTemplate is Template for package-level renderers.
func MustTemplate(name, text string) Renderer {
	renderer, err := Template(name, text)
	if err != nil {
		panic(err)
	}
	return renderer
}

// JSONTemplate is Template for JSON files. The template may produce
// comments and trailing commas; the output is normalized to indented
// strict JSON and rejected if it does not parse.
func JSONTemplate(name, text string) (Renderer, error) {
	renderer, err := Template(name, text)
	if err != nil {
		return nil, err
	}
	renderer.(*templateRenderer).jsonc = true
	return renderer, nil
}

func (r *templateRenderer) Render(_ context.Context, rc *RenderContext) ([]byte, error) {
	var buffer bytes.Buffer
	if err := r.template.Execute(&buffer, rc); err != nil {
		if errors.Is(err, ErrFileShouldNotExist) {
			return nil, ErrFileShouldNotExist
		}
		return nil, fmt.Errorf("etc: executing template %s: %w", r.template.Name(), err)
	}
	if !r.jsonc {
		return buffer.Bytes(), nil
	}
	strict := jsonc.ToJSON(buffer.Bytes())
	var indented bytes.Buffer
	if err := json.Indent(&indented, strict, "", "    "); err != nil {
		return nil, fmt.Errorf("etc: template %s produced invalid JSON: %w", r.template.Name(), err)
	}
	indented.WriteByte('\n')
	return indented.Bytes(), nil
}
