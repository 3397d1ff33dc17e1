// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/middlewared/lib/process"
)

// writeResult prints v as JSON, indented when pretty, or as YAML.
// Strings print bare in JSON mode.
func writeResult(w io.Writer, v any, format string, pretty bool) error {
	switch format {
	case "yaml":
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(v); err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}
		return encoder.Close()
	case "json", "":
		if text, ok := v.(string); ok {
			_, err := fmt.Fprintln(w, text)
			return err
		}
		encoder := json.NewEncoder(w)
		if pretty {
			encoder.SetIndent("", "  ")
		}
		return encoder.Encode(v)
	}
	return process.Usage("unknown output format %q (want json or yaml)", format)
}
