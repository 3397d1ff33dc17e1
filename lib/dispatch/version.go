// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/middlewared/lib/codec"
	"github.com/bureau-foundation/middlewared/lib/model"
	"github.com/bureau-foundation/middlewared/lib/version"
)

// Adapter converts between the current shape of a method and the
// shape it had in an older API version.
type Adapter struct {
	// Version is the newest API version that still used the old
	// shape. Sessions pinned at or before it are adapted.
	Version string

	// FromPrevious rewrites old-shape positional arguments, in their
	// generic JSON form, into the next shape. Nil leaves them as is.
	FromPrevious func(params []any) ([]any, error)

	// ToPrevious rewrites a result in its generic JSON form back into
	// the old shape. Nil leaves it as is.
	ToPrevious func(result any) (any, error)
}

// adaptersFor returns the adapters that apply to a session pinned at
// an API version, oldest first. An empty version is the current one.
func (m *Method) adaptersFor(pinned string) []Adapter {
	if pinned == "" {
		return nil
	}
	var applicable []Adapter
	for _, adapter := range m.Adapters {
		if version.Compare(pinned, adapter.Version) <= 0 {
			applicable = append(applicable, adapter)
		}
	}
	return applicable
}

// adaptParams runs FromPrevious oldest first over the positional
// parameters. Named parameters are not adapted.
func adaptParams(adapters []Adapter, params model.Params) (model.Params, error) {
	if len(adapters) == 0 || len(params.Positional) == 0 {
		return params, nil
	}
	generic := make([]any, len(params.Positional))
	for i, raw := range params.Positional {
		if err := codec.DecodeLoose(raw, &generic[i]); err != nil {
			return params, fmt.Errorf("params.%d: %w", i, err)
		}
	}
	for _, adapter := range adapters {
		if adapter.FromPrevious == nil {
			continue
		}
		adapted, err := adapter.FromPrevious(generic)
		if err != nil {
			return params, err
		}
		generic = adapted
	}
	positional := make([]json.RawMessage, len(generic))
	for i, value := range generic {
		encoded, err := json.Marshal(value)
		if err != nil {
			return params, fmt.Errorf("params.%d: %w", i, err)
		}
		positional[i] = encoded
	}
	return model.Params{Positional: positional, Named: params.Named}, nil
}

// adaptResult runs ToPrevious newest first.
func adaptResult(adapters []Adapter, result any) (any, error) {
	for i := len(adapters) - 1; i >= 0; i-- {
		if adapters[i].ToPrevious == nil {
			continue
		}
		adapted, err := adapters[i].ToPrevious(result)
		if err != nil {
			return nil, err
		}
		result = adapted
	}
	return result, nil
}
