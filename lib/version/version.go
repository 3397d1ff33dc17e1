// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// Build metadata, set with -ldflags -X.
var (
	GitCommit = "unknown"
	GitDirty  = "false"
	BuildTime = "unknown"

	// Version is the product release.
	Version = "25.10.0-dev"
)

// APIVersion is the newest JSON-RPC API version. Sessions that pin no
// version speak it.
const APIVersion = "v25.10.0"

// Info returns "<version> (<commit>[-dirty], <build time>)".
func Info() string {
	commit := GitCommit
	if GitDirty == "true" {
		commit += "-dirty"
	}
	return fmt.Sprintf("%s (%s, %s)", Version, commit, BuildTime)
}

// Full is Info followed by the API version, toolchain and platform.
func Full() string {
	return fmt.Sprintf("%s\n  API: %s\n  Go: %s\n  Platform: %s/%s",
		Info(), APIVersion, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Compare orders API versions such as "v25.04.1". Components compare
// numerically; a missing component counts as zero and non-numeric
// components compare as strings.
func Compare(a, b string) int {
	left := strings.Split(strings.TrimPrefix(a, "v"), ".")
	right := strings.Split(strings.TrimPrefix(b, "v"), ".")
	for i := range max(len(left), len(right)) {
		l, r := component(left, i), component(right, i)
		ln, lerr := strconv.Atoi(l)
		rn, rerr := strconv.Atoi(r)
		if lerr == nil && rerr == nil {
			if ln != rn {
				if ln < rn {
					return -1
				}
				return 1
			}
			continue
		}
		if c := strings.Compare(l, r); c != 0 {
			return c
		}
	}
	return 0
}

func component(parts []string, i int) string {
	if i >= len(parts) || parts[i] == "" {
		return "0"
	}
	return parts[i]
}

// Supported reports whether a client may pin api: a "v"-prefixed
// version no newer than APIVersion.
func Supported(api string) bool {
	return strings.HasPrefix(api, "v") && len(api) > 1 && Compare(api, APIVersion) <= 0
}
