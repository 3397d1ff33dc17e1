// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package user

import (
	"slices"

	"github.com/bureau-foundation/middlewared/lib/dispatch"
)

// SudoVersion introduced sudo_commands and sudo_commands_nopasswd.
// Older clients send and receive the sudo and sudo_nopasswd booleans.
const SudoVersion = "v25.10.0"

// sudoAdapter converts the payload at position index of user.create or
// user.update from the boolean sudo fields.
func sudoAdapter(index int) dispatch.Adapter {
	return dispatch.Adapter{
		Version: "v25.04.2",
		FromPrevious: func(params []any) ([]any, error) {
			if index >= len(params) {
				return params, nil
			}
			data, ok := params[index].(map[string]any)
			if !ok {
				return params, nil
			}
			adapted := make([]any, len(params))
			copy(adapted, params)
			adapted[index] = sudoFromBooleans(data)
			return adapted, nil
		},
		ToPrevious: func(result any) (any, error) {
			entry, ok := result.(map[string]any)
			if !ok {
				return result, nil
			}
			return sudoToBooleans(entry), nil
		},
	}
}

// sudoFromBooleans moves the old commands list to whichever new list
// the booleans select. Enabling sudo without commands means ALL.
func sudoFromBooleans(data map[string]any) map[string]any {
	sudo, hasSudo := data["sudo"].(bool)
	nopasswd, _ := data["sudo_nopasswd"].(bool)
	converted := make(map[string]any, len(data))
	for key, value := range data {
		if key != "sudo" && key != "sudo_nopasswd" {
			converted[key] = value
		}
	}
	if !hasSudo {
		return converted
	}
	commands, _ := data["sudo_commands"].([]any)
	if len(commands) == 0 {
		commands = []any{"ALL"}
	}
	converted["sudo_commands"] = []any{}
	converted["sudo_commands_nopasswd"] = []any{}
	switch {
	case sudo && nopasswd:
		converted["sudo_commands_nopasswd"] = commands
	case sudo:
		converted["sudo_commands"] = commands
	}
	return converted
}

func sudoToBooleans(entry map[string]any) map[string]any {
	converted := make(map[string]any, len(entry)+1)
	for key, value := range entry {
		if key != "sudo_commands_nopasswd" {
			converted[key] = value
		}
	}
	commands, _ := entry["sudo_commands"].([]any)
	nopasswd, _ := entry["sudo_commands_nopasswd"].([]any)
	if len(nopasswd) > 0 {
		commands = nopasswd
	}
	converted["sudo"] = len(commands) > 0
	converted["sudo_nopasswd"] = len(nopasswd) > 0
	if slices.Equal(commands, []any{"ALL"}) {
		commands = []any{}
	}
	if commands == nil {
		commands = []any{}
	}
	converted["sudo_commands"] = commands
	return converted
}
