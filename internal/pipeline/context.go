// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package pipeline implements the transformation pipeline: a DAG-ordered hook
// executor operating on a per-request Context, with per-hook guards, an
// override header, and error isolation.
package pipeline

import (
	"strings"

	"github.com/google/uuid"

	"github.com/yduwcui/ccproxy/internal/routing"
)

// Well-known metadata keys managed by the built-in hooks.
const (
	// MetaModelName is the classification label.
	MetaModelName = "ccproxy_model_name"
	// MetaAliasModel is the model name the client originally requested.
	MetaAliasModel = "ccproxy_alias_model"
	// MetaLiteLLMModel is the resolved upstream model name.
	MetaLiteLLMModel = "ccproxy_litellm_model"
	// MetaModelConfig is the resolved *routing.ModelConfig.
	MetaModelConfig = "ccproxy_model_config"
	// MetaIsPassthrough marks requests forwarded with the client's own model.
	MetaIsPassthrough = "ccproxy_is_passthrough"
	// MetaIsHealthCheck marks health-check probes injected by the host framework.
	MetaIsHealthCheck = "ccproxy_is_health_check"
	// MetaRetryCount bounds the 401 refresh-retry cycle to a single attempt.
	MetaRetryCount = "_ccproxy_401_retry_count"
)

// Context carries the mutable state of one request through every hook. It is
// owned by a single goroutine for the lifetime of the request.
type Context struct {
	// Model is the model name the request currently targets.
	Model string
	// Messages is the ordered message list. Opaque to the pipeline itself.
	Messages []any
	// System is the system prompt: a string or a list of typed blocks.
	System any
	// Metadata is the free-form request metadata mapping.
	Metadata map[string]any
	// Headers are the visible inbound headers, keys lowercased.
	Headers map[string]string
	// RawHeaders are the sensitive inbound headers in their original form,
	// keys lowercased. Lookups here take precedence over Headers for auth.
	RawHeaders map[string]string
	// ProviderHeaders is the provider_specific_header mapping forwarded to the
	// upstream call.
	ProviderHeaders map[string]any
	// CallID is the stable request UUID assigned by the host framework.
	CallID string
	// APIKey is the credential the host framework will use upstream.
	APIKey string

	// raw preserves request-data fields the Context does not model.
	raw map[string]any
}

// FromRequestData constructs a Context from the host framework's request-data
// mapping. The mapping itself is not mutated.
func FromRequestData(data map[string]any) *Context {
	c := &Context{raw: data}
	c.Model, _ = data["model"].(string)
	c.Messages, _ = data["messages"].([]any)
	c.System = data["system"]
	if md, ok := data["metadata"].(map[string]any); ok {
		c.Metadata = md
	} else {
		c.Metadata = make(map[string]any)
	}
	c.Headers = lowercaseHeaders(nestedMap(data, "proxy_server_request", "headers"))
	c.RawHeaders = lowercaseHeaders(nestedMap(data, "secret_fields", "raw_headers"))
	if psh, ok := data["provider_specific_header"].(map[string]any); ok {
		c.ProviderHeaders = psh
	} else {
		c.ProviderHeaders = make(map[string]any)
	}
	if id, _ := data["litellm_call_id"].(string); id != "" {
		c.CallID = id
	} else {
		c.CallID = uuid.NewString()
	}
	c.APIKey, _ = data["api_key"].(string)
	return c
}

// ToRequestData converts the Context back to the shared request-data mapping,
// preserving every field the pipeline does not manage.
func (c *Context) ToRequestData() map[string]any {
	data := make(map[string]any, len(c.raw)+4)
	for k, v := range c.raw {
		data[k] = v
	}
	data["model"] = c.Model
	if c.Messages != nil {
		data["messages"] = c.Messages
	}
	if c.System != nil {
		data["system"] = c.System
	}
	data["metadata"] = c.Metadata
	data["litellm_call_id"] = c.CallID
	if len(c.ProviderHeaders) > 0 {
		data["provider_specific_header"] = c.ProviderHeaders
	}
	if c.APIKey != "" {
		data["api_key"] = c.APIKey
	}
	return data
}

// Clone returns a copy that shares no mutable top-level state with the
// original. Nested message and system values are shared; hooks replace those
// wholesale instead of editing them in place.
func (c *Context) Clone() *Context {
	clone := *c
	clone.Messages = append([]any(nil), c.Messages...)
	clone.Metadata = copyMap(c.Metadata)
	if tm, ok := c.Metadata["trace_metadata"].(map[string]any); ok {
		clone.Metadata["trace_metadata"] = copyMap(tm)
	}
	clone.Headers = copyStringMap(c.Headers)
	clone.RawHeaders = copyStringMap(c.RawHeaders)
	clone.ProviderHeaders = copyMap(c.ProviderHeaders)
	if eh, ok := c.ProviderHeaders["extra_headers"].(map[string]any); ok {
		clone.ProviderHeaders["extra_headers"] = copyMap(eh)
	}
	return &clone
}

// Header returns the visible header value for the given name, case-insensitively.
func (c *Context) Header(name string) string {
	return c.Headers[strings.ToLower(name)]
}

// AuthHeader returns the inbound authorization header, preferring the raw
// (unredacted) form over the visible one.
func (c *Context) AuthHeader() string {
	if v := c.RawHeaders["authorization"]; v != "" {
		return v
	}
	return c.Headers["authorization"]
}

// ExtraHeaders returns the provider extra_headers mapping, creating it if needed.
func (c *Context) ExtraHeaders() map[string]any {
	if eh, ok := c.ProviderHeaders["extra_headers"].(map[string]any); ok {
		return eh
	}
	eh := make(map[string]any)
	c.ProviderHeaders["extra_headers"] = eh
	return eh
}

// Label returns the classification label, or "".
func (c *Context) Label() string {
	s, _ := c.Metadata[MetaModelName].(string)
	return s
}

// SetLabel records the classification label.
func (c *Context) SetLabel(label string) { c.Metadata[MetaModelName] = label }

// AliasModel returns the originally requested model name, or "".
func (c *Context) AliasModel() string {
	s, _ := c.Metadata[MetaAliasModel].(string)
	return s
}

// SetAliasModel records the originally requested model name.
func (c *Context) SetAliasModel(model string) { c.Metadata[MetaAliasModel] = model }

// LiteLLMModel returns the resolved upstream model name, or "".
func (c *Context) LiteLLMModel() string {
	s, _ := c.Metadata[MetaLiteLLMModel].(string)
	return s
}

// SetLiteLLMModel records the resolved upstream model name.
func (c *Context) SetLiteLLMModel(model string) { c.Metadata[MetaLiteLLMModel] = model }

// ModelConfig returns the resolved routing entry, or nil.
func (c *Context) ModelConfig() *routing.ModelConfig {
	mc, _ := c.Metadata[MetaModelConfig].(*routing.ModelConfig)
	return mc
}

// SetModelConfig records the resolved routing entry.
func (c *Context) SetModelConfig(mc *routing.ModelConfig) { c.Metadata[MetaModelConfig] = mc }

// IsPassthrough reports whether the request keeps its client-requested model.
func (c *Context) IsPassthrough() bool {
	b, _ := c.Metadata[MetaIsPassthrough].(bool)
	return b
}

// SetPassthrough records the passthrough flag.
func (c *Context) SetPassthrough(v bool) { c.Metadata[MetaIsPassthrough] = v }

// IsHealthCheck reports whether the request is a health-check probe.
func (c *Context) IsHealthCheck() bool {
	b, _ := c.Metadata[MetaIsHealthCheck].(bool)
	return b
}

// SetHealthCheck records the health-check flag.
func (c *Context) SetHealthCheck(v bool) { c.Metadata[MetaIsHealthCheck] = v }

// RequestData exposes the raw request-data mapping for read-only rule
// evaluation and body inspection.
func (c *Context) RequestData() map[string]any { return c.raw }

func nestedMap(data map[string]any, keys ...string) map[string]any {
	current := data
	for _, key := range keys {
		next, ok := current[key].(map[string]any)
		if !ok {
			return nil
		}
		current = next
	}
	return current
}

// lowercaseHeaders flattens a header mapping to lowercase string keys.
// Non-string values are dropped.
func lowercaseHeaders(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[strings.ToLower(k)] = s
		}
	}
	return out
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyStringMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
