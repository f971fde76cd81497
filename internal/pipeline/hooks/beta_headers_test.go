// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package hooks

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yduwcui/ccproxy/internal/anthropic"
)

func TestAddBetaHeaders_MergesClaudeCodeBetas(t *testing.T) {
	spec := newAddBetaHeaders(testDeps(t, nil, nil, nil))

	c := contextFor(map[string]any{"model": "m"})
	mc := anthropicModel()
	c.SetModelConfig(&mc)

	require.True(t, spec.Guard(c))
	require.NoError(t, spec.Handler(c, nil))

	eh := c.ProviderHeaders["extra_headers"].(map[string]any)
	merged := eh["anthropic-beta"].(string)
	for _, beta := range anthropic.ClaudeCodeBetas {
		require.Contains(t, strings.Split(merged, ","), beta)
	}
	require.Equal(t, anthropic.Version, eh["anthropic-version"])
}

func TestAddBetaHeaders_KeepsInboundBetas(t *testing.T) {
	spec := newAddBetaHeaders(testDeps(t, nil, nil, nil))

	c := contextFor(map[string]any{
		"model": "m",
		"proxy_server_request": map[string]any{
			"headers": map[string]any{"anthropic-beta": "custom-beta-2099"},
		},
	})
	mc := anthropicModel()
	c.SetModelConfig(&mc)

	require.NoError(t, spec.Handler(c, nil))
	merged := c.ProviderHeaders["extra_headers"].(map[string]any)["anthropic-beta"].(string)
	parts := strings.Split(merged, ",")
	require.Contains(t, parts, "custom-beta-2099")
	// Required betas come first, client extras keep their relative position after.
	require.Equal(t, anthropic.ClaudeCodeBetas[0], parts[0])
}

func TestAddBetaHeaders_PreservesExplicitVersion(t *testing.T) {
	spec := newAddBetaHeaders(testDeps(t, nil, nil, nil))

	c := contextFor(map[string]any{"model": "m"})
	mc := anthropicModel()
	c.SetModelConfig(&mc)
	c.ExtraHeaders()["anthropic-version"] = "2024-01-01"

	require.NoError(t, spec.Handler(c, nil))
	require.Equal(t, "2024-01-01", c.ExtraHeaders()["anthropic-version"])
}

func TestAddBetaHeaders_Guard(t *testing.T) {
	spec := newAddBetaHeaders(testDeps(t, nil, nil, nil))

	// Not routed.
	require.False(t, spec.Guard(contextFor(map[string]any{"model": "m"})))

	// Non-Anthropic destination.
	c := contextFor(map[string]any{"model": "m"})
	mc := anthropicModel()
	mc.LiteLLMParams.APIBase = "https://api.openai.com"
	c.SetModelConfig(&mc)
	require.False(t, spec.Guard(c))

	// Key-authenticated model.
	c = contextFor(map[string]any{"model": "m"})
	mc = anthropicModel()
	mc.LiteLLMParams.APIKey = "sk-own-key"
	c.SetModelConfig(&mc)
	require.False(t, spec.Guard(c))
}
