// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package anthropic holds the wire-protocol constants and helpers shared by
// the pipeline hooks and the MITM addon for Anthropic-family upstreams.
package anthropic

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Identity is the system-message preamble Anthropic requires on
// OAuth-authenticated Claude Code requests.
const Identity = "You are Claude Code, Anthropic's official CLI for Claude."

// Version is the anthropic-version header value.
const Version = "2023-06-01"

// OAuthBetas are the betas required on every OAuth-authenticated request.
var OAuthBetas = []string{
	"oauth-2025-04-20",
	"claude-code-20250219",
	"interleaved-thinking-2025-05-14",
}

// ClaudeCodeBetas are the betas required for Claude Code traffic, a superset
// of OAuthBetas.
var ClaudeCodeBetas = []string{
	"oauth-2025-04-20",
	"claude-code-20250219",
	"interleaved-thinking-2025-05-14",
	"fine-grained-tool-streaming-2025-05-14",
}

// familyHosts are hostname substrings of upstreams speaking Anthropic's wire
// protocol.
var familyHosts = []string{"anthropic.com", "z.ai"}

// IsFamilyHost reports whether the host belongs to an Anthropic-family upstream.
func IsFamilyHost(host string) bool {
	host = strings.ToLower(host)
	for _, h := range familyHosts {
		if strings.Contains(host, h) {
			return true
		}
	}
	return false
}

// MergeBetas merges the required betas with any existing anthropic-beta value,
// deduplicating while keeping the required betas first in their given order.
func MergeBetas(required []string, existing string) string {
	seen := make(map[string]struct{}, len(required))
	merged := make([]string, 0, len(required))
	for _, b := range required {
		if _, ok := seen[b]; !ok {
			seen[b] = struct{}{}
			merged = append(merged, b)
		}
	}
	for _, b := range strings.Split(existing, ",") {
		b = strings.TrimSpace(b)
		if b == "" {
			continue
		}
		if _, ok := seen[b]; !ok {
			seen[b] = struct{}{}
			merged = append(merged, b)
		}
	}
	return strings.Join(merged, ",")
}

// InjectIdentity prepends the Claude Code identity to a system prompt value,
// which is either a string or a list of typed blocks. It returns the new value
// and whether anything changed.
func InjectIdentity(system any) (any, bool) {
	switch v := system.(type) {
	case nil:
		return Identity, true
	case string:
		if strings.Contains(v, Identity) {
			return v, false
		}
		if v == "" {
			return Identity, true
		}
		return Identity + "\n\n" + v, true
	case []any:
		for _, b := range v {
			if block, ok := b.(map[string]any); ok {
				if text, _ := block["text"].(string); strings.Contains(text, Identity) {
					return v, false
				}
			}
		}
		block := map[string]any{"type": "text", "text": Identity}
		return append([]any{block}, v...), true
	}
	return system, false
}

// InjectIdentityIntoBody injects the identity into the system field of a raw
// JSON request body, mirroring InjectIdentity. Returns the new body and
// whether it changed.
func InjectIdentityIntoBody(body []byte) ([]byte, bool) {
	system := gjson.GetBytes(body, "system")
	switch {
	case !system.Exists():
		out, err := sjson.SetBytes(body, "system", Identity)
		if err != nil {
			return body, false
		}
		return out, true
	case system.Type == gjson.String:
		next, changed := InjectIdentity(system.String())
		if !changed {
			return body, false
		}
		out, err := sjson.SetBytes(body, "system", next)
		if err != nil {
			return body, false
		}
		return out, true
	case system.IsArray():
		blocks := system.Array()
		for _, block := range blocks {
			if strings.Contains(block.Get("text").String(), Identity) {
				return body, false
			}
		}
		rebuilt := make([]any, 0, len(blocks)+1)
		rebuilt = append(rebuilt, map[string]any{"type": "text", "text": Identity})
		for _, b := range blocks {
			rebuilt = append(rebuilt, b.Value())
		}
		out, err := sjson.SetBytes(body, "system", rebuilt)
		if err != nil {
			return body, false
		}
		return out, true
	}
	return body, false
}
