// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"testing"

	"github.com/bureau-foundation/middlewared/lib/config"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"plain", errors.New("boom"), ExitFailure},
		{"usage", Usage("unknown flag %q", "--x"), ExitUsage},
		{"wrapped usage", fmt.Errorf("parsing: %w", Usage("bad")), ExitUsage},
		{"config", fmt.Errorf("loading: %w", errors.Join(fmt.Errorf("%w: x", config.ErrInvalid))), ExitConfig},
		{"io", &IOError{Err: errors.New("database locked")}, ExitIO},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := ExitCode(test.err); got != test.want {
				t.Errorf("ExitCode(%v) = %d, want %d", test.err, got, test.want)
			}
		})
	}
}
