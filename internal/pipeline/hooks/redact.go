// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package hooks

import (
	"regexp"
	"strings"
)

const maxCapturedHeaderLen = 200

var (
	bearerSKPrefix = regexp.MustCompile(`^Bearer sk-[A-Za-z]+-`)
	bearerPrefix   = regexp.MustCompile(`^Bearer `)
	skPrefix       = regexp.MustCompile(`^sk-[A-Za-z]+-`)
)

// RedactHeader redacts a captured header value by name. Authorization and
// x-api-key keep a recognizable prefix plus the last four characters; cookies
// are fully redacted; everything else is truncated.
func RedactHeader(name, value string) string {
	switch strings.ToLower(name) {
	case "authorization":
		return redactSecret(value, bearerSKPrefix, bearerPrefix, skPrefix)
	case "x-api-key":
		return redactSecret(value, skPrefix)
	case "cookie":
		return "[REDACTED]"
	default:
		if len(value) > maxCapturedHeaderLen {
			return value[:maxCapturedHeaderLen]
		}
		return value
	}
}

// redactSecret keeps the longest prefix matched by any of the given patterns,
// then "...", then the last four characters when the value is long enough to
// not expose itself through them.
func redactSecret(value string, patterns ...*regexp.Regexp) string {
	prefix := ""
	for _, p := range patterns {
		if m := p.FindString(value); len(m) > len(prefix) {
			prefix = m
		}
	}
	if len(value) > 8 {
		return prefix + "..." + value[len(value)-4:]
	}
	return prefix + "..."
}
