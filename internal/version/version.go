// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package version exposes the build version stamped by the Go linker.
package version

// version is populated by the Go linker.
var version string

// Parse returns the stamped version, or "dev" for unofficial builds.
func Parse() string {
	if version == "" {
		return "dev"
	}
	return version
}
