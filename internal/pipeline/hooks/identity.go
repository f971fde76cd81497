// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package hooks

import (
	"strings"

	"github.com/yduwcui/ccproxy/internal/anthropic"
	"github.com/yduwcui/ccproxy/internal/pipeline"
)

// newInjectIdentity prepends the Claude Code identity to the system prompt.
// Anthropic validates OAuth-authenticated requests against it, so the hook
// only fires when the request will reach an Anthropic-family host with a
// bearer token.
func newInjectIdentity(_ *Deps) *pipeline.HookSpec {
	return &pipeline.HookSpec{
		Name:   NameInjectIdentity,
		Reads:  []string{pipeline.MetaModelConfig, "authorization", "provider_specific_header"},
		Writes: []string{"system"},
		Guard: func(c *pipeline.Context) bool {
			mc := c.ModelConfig()
			if mc == nil || !anthropic.IsFamilyHost(mc.LiteLLMParams.APIBase) {
				return false
			}
			auth := c.AuthHeader()
			if eh, ok := c.ProviderHeaders["extra_headers"].(map[string]any); ok {
				if a, _ := eh["authorization"].(string); a != "" {
					auth = a
				}
			}
			return strings.HasPrefix(auth, "Bearer ")
		},
		Handler: func(c *pipeline.Context, _ map[string]any) error {
			if next, changed := anthropic.InjectIdentity(c.System); changed {
				c.System = next
			}
			return nil
		},
	}
}
