// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package pipeline

import "strings"

// OverrideHeader is the request header carrying per-request hook overrides.
// Recognized case-insensitively.
const OverrideHeader = "x-ccproxy-hooks"

// OverrideMode is the per-hook override parsed from the override header.
type OverrideMode int

const (
	// OverrideNormal applies the hook's own guard.
	OverrideNormal OverrideMode = iota
	// OverrideForceRun runs the hook regardless of its guard.
	OverrideForceRun
	// OverrideForceSkip skips the hook regardless of its guard.
	OverrideForceSkip
)

// OverrideSet maps hook names to override modes. Absent names are normal.
type OverrideSet map[string]OverrideMode

// Get returns the override for the hook, defaulting to OverrideNormal.
func (s OverrideSet) Get(name string) OverrideMode {
	return s[name]
}

// ParseOverrides parses the override header value. Each comma-separated token
// is "+name" (force-run), "-name" (force-skip), or a bare name (explicit
// normal). An empty value yields an empty set.
func ParseOverrides(value string) OverrideSet {
	set := make(OverrideSet)
	for _, token := range strings.Split(value, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		switch token[0] {
		case '+':
			if name := token[1:]; name != "" {
				set[name] = OverrideForceRun
			}
		case '-':
			if name := token[1:]; name != "" {
				set[name] = OverrideForceSkip
			}
		default:
			set[token] = OverrideNormal
		}
	}
	return set
}
