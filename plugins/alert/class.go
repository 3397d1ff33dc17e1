// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"
)

// Level is the severity of an alert class.
type Level string

const (
	Info     Level = "INFO"
	Notice   Level = "NOTICE"
	Warning  Level = "WARNING"
	Error    Level = "ERROR"
	Critical Level = "CRITICAL"
)

// Class describes a kind of alert. Text is a text/template executed
// with the alert's arguments as dot.
type Class struct {
	Name     string
	Category string
	Level    Level
	Title    string
	Text     string

	// OneShot alerts are raised and cleared by explicit calls
	// (alert.oneshot_create and alert.oneshot_delete) rather than by
	// a source.
	OneShot bool

	// Key identifies one alert of the class among its arguments.
	// Defaults to the JSON encoding of the arguments, so that equal
	// arguments raise the same alert.
	Key func(args any) string

	text *template.Template
}

func (c *Class) compile() error {
	if c.Name == "" {
		return fmt.Errorf("alert: class name is required")
	}
	parsed, err := template.New(c.Name).Option("missingkey=zero").Parse(c.Text)
	if err != nil {
		return fmt.Errorf("alert: class %s: %w", c.Name, err)
	}
	c.text = parsed
	return nil
}

func (c *Class) key(args any) string {
	if c.Key != nil {
		return c.Key(args)
	}
	return argumentsKey(args)
}

func (c *Class) format(args any) string {
	var buffer bytes.Buffer
	if err := c.text.Execute(&buffer, args); err != nil {
		return c.Title
	}
	return buffer.String()
}

// argumentsKey encodes args with map keys sorted.
func argumentsKey(args any) string {
	if args == nil {
		return ""
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprint(args)
	}
	return string(encoded)
}

// singleton keys every alert of a class alike, so raising it again
// refreshes the one existing alert.
func singleton(any) string { return "" }

// Classes registered by the plugin itself.
var builtinClasses = []Class{
	{
		Name:     "AdminSessionActive",
		Category: "SYSTEM",
		Level:    Notice,
		Title:    "Administrator Session Active",
		Text:     "A full administrator session for {{.username}} was opened from {{if .remote_addr}}{{.remote_addr}}{{else}}the local socket{{end}}.",
		OneShot:  true,
		Key:      singleton,
	},
	{
		Name:     "ServiceNotRunning",
		Category: "SYSTEM",
		Level:    Error,
		Title:    "Service Not Running",
		Text:     "Service {{.service}} is enabled but not running.",
	},
}
