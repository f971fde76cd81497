// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package hooks provides the built-in pipeline hook set: classification,
// model routing, session extraction, header capture, OAuth forwarding, beta
// headers, and Claude Code identity injection.
package hooks

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/yduwcui/ccproxy/configapi"
	"github.com/yduwcui/ccproxy/internal/classifier"
	"github.com/yduwcui/ccproxy/internal/credentials"
	"github.com/yduwcui/ccproxy/internal/pipeline"
	"github.com/yduwcui/ccproxy/internal/requeststore"
	"github.com/yduwcui/ccproxy/internal/routing"
)

// Built-in hook names.
const (
	NameRuleEvaluator    = "rule_evaluator"
	NameModelRouter      = "model_router"
	NameExtractSessionID = "extract_session_id"
	NameCaptureHeaders   = "capture_headers"
	NameForwardOAuth     = "forward_oauth"
	NameAddBetaHeaders   = "add_beta_headers"
	NameInjectIdentity   = "inject_claude_code_identity"
)

// Deps are the collaborators the built-in hooks operate on.
type Deps struct {
	Classifier  *classifier.Classifier
	Table       *routing.Table
	Credentials *credentials.Store
	Requests    *requeststore.Store
	Logger      *slog.Logger
	// Passthrough mirrors the default_model_passthrough config option.
	Passthrough bool
}

// BuildSpecs resolves the configured hook list into HookSpecs. An empty config
// enables the full built-in set in canonical order. Unknown hook names are
// startup errors.
func BuildSpecs(deps *Deps, configs []configapi.HookConfig) ([]*pipeline.HookSpec, error) {
	factories := map[string]func(*Deps) *pipeline.HookSpec{
		NameRuleEvaluator:    newRuleEvaluator,
		NameModelRouter:      newModelRouter,
		NameExtractSessionID: newExtractSessionID,
		NameCaptureHeaders:   newCaptureHeaders,
		NameForwardOAuth:     newForwardOAuth,
		NameAddBetaHeaders:   newAddBetaHeaders,
		NameInjectIdentity:   newInjectIdentity,
	}

	if len(configs) == 0 {
		order := []string{
			NameRuleEvaluator, NameModelRouter, NameExtractSessionID,
			NameCaptureHeaders, NameForwardOAuth, NameAddBetaHeaders, NameInjectIdentity,
		}
		specs := make([]*pipeline.HookSpec, 0, len(order))
		for _, name := range order {
			specs = append(specs, factories[name](deps))
		}
		return specs, nil
	}

	reg := pipeline.NewRegistry()
	for i := range configs {
		name := configs[i].Hook
		// Dotted paths from older configs keep only the last segment.
		if j := strings.LastIndex(name, "."); j >= 0 {
			name = name[j+1:]
		}
		factory, ok := factories[name]
		if !ok {
			return nil, fmt.Errorf("hooks[%d]: unknown hook %q", i, configs[i].Hook)
		}
		spec := factory(deps)
		if len(configs[i].Params) > 0 {
			spec.Params = configs[i].Params
		}
		if err := reg.Register(spec); err != nil {
			return nil, fmt.Errorf("hooks[%d]: %w", i, err)
		}
	}
	return reg.Specs(), nil
}

// proxyServerRequest returns the nested proxy_server_request mapping, or nil.
func proxyServerRequest(c *pipeline.Context) map[string]any {
	psr, _ := c.RequestData()["proxy_server_request"].(map[string]any)
	return psr
}

// traceMetadata returns the trace_metadata mapping inside the request
// metadata, creating it if needed.
func traceMetadata(c *pipeline.Context) map[string]any {
	if tm, ok := c.Metadata["trace_metadata"].(map[string]any); ok {
		return tm
	}
	tm := make(map[string]any)
	c.Metadata["trace_metadata"] = tm
	return tm
}
