// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package hooks

import (
	"log/slog"
	"strings"

	"github.com/yduwcui/ccproxy/internal/pipeline"
	"github.com/yduwcui/ccproxy/internal/routing"
)

// SentinelPrefix marks an inbound bearer token as a placeholder naming the
// provider whose cached OAuth token should be substituted.
const SentinelPrefix = "sk-ant-oat-ccproxy-"

// newForwardOAuth rewrites the upstream authentication of a request: sentinel
// bearer tokens are swapped for cached provider tokens, missing credentials
// fall back to the cache, and the result lands in the provider extra headers
// the host framework forwards upstream.
func newForwardOAuth(deps *Deps) *pipeline.HookSpec {
	return &pipeline.HookSpec{
		Name:  NameForwardOAuth,
		Reads: []string{pipeline.MetaLiteLLMModel, pipeline.MetaModelConfig, "authorization"},
		Writes: []string{
			"authorization", "x-api-key", "api_key", "provider_specific_header",
		},
		Guard: func(c *pipeline.Context) bool {
			if c.ModelConfig() == nil && c.LiteLLMModel() == "" {
				return false
			}
			if c.AuthHeader() != "" {
				return true
			}
			provider := resolveProvider(deps, c)
			return provider != "" && deps.Credentials.OAuthToken(provider) != ""
		},
		Handler: func(c *pipeline.Context, _ map[string]any) error {
			mc := c.ModelConfig()
			if mc != nil && mc.LiteLLMParams.APIKey != "" {
				// The model carries its own API key; the framework uses it as-is.
				return nil
			}

			provider := resolveProvider(deps, c)
			auth := c.AuthHeader()

			// Sentinel substitution: the suffix names the provider. A sentinel
			// that resolves to nothing clears the header rather than leaking
			// the literal sentinel upstream.
			bare := strings.TrimPrefix(auth, "Bearer ")
			if suffix, ok := strings.CutPrefix(bare, SentinelPrefix); ok {
				if token := deps.Credentials.OAuthToken(suffix); token != "" {
					auth = "Bearer " + token
					provider = suffix
				} else {
					deps.Logger.Warn("sentinel names an unconfigured provider",
						slog.String("provider", suffix))
					auth = ""
				}
			}

			if auth == "" && provider != "" {
				if token := deps.Credentials.OAuthToken(provider); token != "" {
					auth = token
				}
			}
			if auth == "" {
				return nil
			}
			if !strings.HasPrefix(auth, "Bearer ") {
				auth = "Bearer " + auth
			}

			if provider == "" {
				provider = "custom"
			}
			// custom_llm_provider is required by the framework whenever
			// extra_headers is set.
			c.ProviderHeaders["custom_llm_provider"] = provider
			eh := c.ExtraHeaders()
			eh["authorization"] = auth
			// Anthropic rejects requests that present both credentials.
			eh["x-api-key"] = ""

			c.APIKey = strings.TrimPrefix(auth, "Bearer ")
			if _, ok := c.Metadata["model_group"]; !ok {
				group := c.Model
				if group == "" {
					group = "default"
				}
				c.Metadata["model_group"] = group
			}

			if ua := deps.Credentials.OAuthUserAgent(provider); ua != "" {
				eh["user-agent"] = ua
			}
			return nil
		},
	}
}

// resolveProvider determines the upstream provider of a request, in priority
// order: the explicit custom_llm_provider of the model config, a destination
// match against the configured sources, the provider prefix of the model name,
// and finally model-name heuristics.
func resolveProvider(deps *Deps, c *pipeline.Context) string {
	mc := c.ModelConfig()
	if mc != nil && mc.LiteLLMParams.CustomLLMProvider != "" {
		return mc.LiteLLMParams.CustomLLMProvider
	}
	if mc != nil {
		if p := deps.Credentials.ProviderForDestination(mc.LiteLLMParams.APIBase); p != "" {
			return p
		}
	}
	model := c.LiteLLMModel()
	if model == "" {
		model = c.Model
	}
	return DetectProvider(model, apiBase(mc))
}

func apiBase(mc *routing.ModelConfig) string {
	if mc == nil {
		return ""
	}
	return mc.LiteLLMParams.APIBase
}

// DetectProvider mirrors the framework's provider detection: an explicit
// "provider/model" prefix wins, then the api_base hostname, then well-known
// model-name fragments.
func DetectProvider(model, apiBase string) string {
	if prefix, _, ok := strings.Cut(model, "/"); ok && prefix != "" {
		switch prefix {
		case "anthropic", "openai", "gemini", "vertex_ai", "azure", "bedrock":
			return prefix
		}
	}
	base := strings.ToLower(apiBase)
	switch {
	case strings.Contains(base, "anthropic.com"):
		return "anthropic"
	case strings.Contains(base, "googleapis.com"):
		return "gemini"
	case strings.Contains(base, "openai.com"):
		return "openai"
	}
	name := strings.ToLower(model)
	switch {
	case strings.Contains(name, "claude"):
		return "anthropic"
	case strings.Contains(name, "gemini"), strings.Contains(name, "palm"):
		return "gemini"
	case strings.Contains(name, "gpt"):
		return "openai"
	}
	return ""
}
