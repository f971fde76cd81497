// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package hooks

import (
	"github.com/yduwcui/ccproxy/internal/anthropic"
	"github.com/yduwcui/ccproxy/internal/pipeline"
)

// newAddBetaHeaders merges the Claude Code beta flags into anthropic-beta and
// pins anthropic-version for Anthropic-family destinations authenticated with
// an OAuth token.
func newAddBetaHeaders(_ *Deps) *pipeline.HookSpec {
	return &pipeline.HookSpec{
		Name:   NameAddBetaHeaders,
		Reads:  []string{pipeline.MetaModelConfig, "provider_specific_header"},
		Writes: []string{"anthropic-beta", "anthropic-version", "provider_specific_header"},
		Guard: func(c *pipeline.Context) bool {
			mc := c.ModelConfig()
			if mc == nil || !anthropic.IsFamilyHost(mc.LiteLLMParams.APIBase) {
				return false
			}
			// Models keyed by their own API key use key auth; betas are an
			// OAuth concern.
			return mc.LiteLLMParams.APIKey == ""
		},
		Handler: func(c *pipeline.Context, _ map[string]any) error {
			eh := c.ExtraHeaders()
			existing, _ := eh["anthropic-beta"].(string)
			if existing == "" {
				existing = c.Header("anthropic-beta")
			}
			eh["anthropic-beta"] = anthropic.MergeBetas(anthropic.ClaudeCodeBetas, existing)
			if v, _ := eh["anthropic-version"].(string); v == "" {
				eh["anthropic-version"] = anthropic.Version
			}
			return nil
		},
	}
}
