// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/middlewared/lib/model"
)

// parseParams converts command-line arguments into positional
// parameters.
func parseParams(args []string) (model.Params, error) {
	positional := make([]json.RawMessage, len(args))
	for i, arg := range args {
		stripped := jsonc.ToJSON([]byte(strings.TrimSpace(arg)))
		if len(stripped) > 0 && json.Valid(stripped) {
			positional[i] = json.RawMessage(stripped)
			continue
		}
		encoded, err := json.Marshal(arg)
		if err != nil {
			return model.Params{}, err
		}
		positional[i] = encoded
	}
	return model.Params{Positional: positional}, nil
}
