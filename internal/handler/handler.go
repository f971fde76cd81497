// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package handler adapts the host framework's callback surface to the
// transformation pipeline: pre_call runs the pipeline, post_call_failure
// performs the single 401 refresh-retry.
package handler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/yduwcui/ccproxy/internal/anthropic"
	"github.com/yduwcui/ccproxy/internal/credentials"
	"github.com/yduwcui/ccproxy/internal/pipeline"
	"github.com/yduwcui/ccproxy/internal/pipeline/hooks"
	"github.com/yduwcui/ccproxy/internal/routing"
)

// UpstreamCallFunc performs the actual upstream LLM call for a prepared
// request-data mapping. The server injects its HTTP client here; tests inject
// fakes.
type UpstreamCallFunc func(ctx context.Context, data map[string]any) (map[string]any, error)

// UpstreamError is an upstream call failure carrying the HTTP status.
type UpstreamError struct {
	StatusCode int
	Message    string
}

// Error implements error.
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Message)
}

// Status is the best-effort record of the most recent request, for status UIs.
type Status struct {
	Time        time.Time
	Model       string
	Label       string
	Passthrough bool
	Error       string
}

// Handler is the front-end bridging inbound requests to the pipeline.
type Handler struct {
	pipe     *pipeline.Pipeline
	creds    *credentials.Store
	upstream UpstreamCallFunc
	logger   *slog.Logger

	// refreshCtx bounds the background refresh loop's lifetime.
	refreshCtx context.Context

	lastStatus atomic.Pointer[Status]
}

// New creates a Handler. refreshCtx is the process lifetime context the
// background OAuth refresh loop is bound to.
func New(refreshCtx context.Context, pipe *pipeline.Pipeline, creds *credentials.Store, upstream UpstreamCallFunc, logger *slog.Logger) *Handler {
	return &Handler{
		pipe:       pipe,
		creds:      creds,
		upstream:   upstream,
		logger:     logger,
		refreshCtx: refreshCtx,
	}
}

// PreCall prepares a request for the upstream call: it starts the background
// refresh loop (idempotent), flags and pre-authenticates health checks, and
// runs the pipeline.
func (h *Handler) PreCall(data map[string]any, authInfo map[string]any) (map[string]any, error) {
	h.creds.StartRefreshLoop(h.refreshCtx)

	if isHealthCheck(data) {
		md, _ := data["metadata"].(map[string]any)
		if md == nil {
			md = make(map[string]any)
			data["metadata"] = md
		}
		md[pipeline.MetaIsHealthCheck] = true
		h.injectHealthCheckAuth(data)
	}

	out, err := h.pipe.Execute(data, authInfo)
	h.recordStatus(out, err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PostCallFailure handles an upstream failure. For a 401 it refreshes the
// provider token once and retries; a successful retry returns the retry
// response and true. Everything else returns nil,false so the original error
// propagates.
func (h *Handler) PostCallFailure(ctx context.Context, data map[string]any, callErr error, _ map[string]any) (map[string]any, bool) {
	if !isAuthError(callErr) {
		return nil, false
	}
	md, _ := data["metadata"].(map[string]any)
	if retryCount(md) >= 1 {
		return nil, false
	}

	provider := providerFromRequestData(h.creds, data)
	if provider == "" || !h.creds.HasSource(provider) {
		return nil, false
	}
	token := h.creds.Refresh(ctx, provider)
	if token == "" {
		return nil, false
	}

	retry := retryRequest(data, token)
	h.logger.Info("retrying after 401 with refreshed token",
		slog.String("provider", provider))
	resp, err := h.upstream(ctx, retry)
	if err != nil {
		h.logger.Warn("401 retry failed",
			slog.String("provider", provider), slog.String("error", err.Error()))
		return nil, false
	}
	return resp, true
}

// LastStatus returns the most recent request status, or nil.
func (h *Handler) LastStatus() *Status { return h.lastStatus.Load() }

func (h *Handler) recordStatus(data map[string]any, err error) {
	st := &Status{Time: time.Now()}
	if err != nil {
		st.Error = err.Error()
	}
	if data != nil {
		st.Model, _ = data["model"].(string)
		if md, ok := data["metadata"].(map[string]any); ok {
			st.Label, _ = md[pipeline.MetaModelName].(string)
			st.Passthrough, _ = md[pipeline.MetaIsPassthrough].(bool)
		}
	}
	h.lastStatus.Store(st)
}

// injectHealthCheckAuth authenticates a health-check probe before the pipeline
// runs, since the host framework validates credentials ahead of hook dispatch.
func (h *Handler) injectHealthCheckAuth(data map[string]any) {
	model, _ := data["model"].(string)
	apiBase, _ := data["api_base"].(string)

	provider := h.creds.ProviderForDestination(apiBase)
	if provider == "" {
		provider = hooks.DetectProvider(model, apiBase)
	}
	if provider == "" {
		return
	}
	token := h.creds.OAuthToken(provider)
	if token == "" {
		return
	}

	data["api_key"] = token
	data["max_tokens"] = 1

	if provider != "anthropic" && !anthropic.IsFamilyHost(apiBase) {
		return
	}
	psh, _ := data["provider_specific_header"].(map[string]any)
	if psh == nil {
		psh = make(map[string]any)
		data["provider_specific_header"] = psh
	}
	psh["custom_llm_provider"] = provider
	eh, _ := psh["extra_headers"].(map[string]any)
	if eh == nil {
		eh = make(map[string]any)
		psh["extra_headers"] = eh
	}
	eh["authorization"] = "Bearer " + token
	eh["x-api-key"] = ""
	eh["anthropic-beta"] = anthropic.MergeBetas(anthropic.ClaudeCodeBetas, "")
	eh["anthropic-version"] = anthropic.Version
	if next, changed := anthropic.InjectIdentity(data["system"]); changed {
		data["system"] = next
	}
}

// isHealthCheck reports whether the host framework marked this request as a
// health-check probe.
func isHealthCheck(data map[string]any) bool {
	if md, ok := data["metadata"].(map[string]any); ok {
		if b, _ := md["health_check"].(bool); b {
			return true
		}
	}
	b, _ := data["health_check"].(bool)
	return b
}

// isAuthError reports whether the upstream failure is an authentication error
// worth a refresh-retry.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	if ue, ok := err.(*UpstreamError); ok && ue.StatusCode == 401 {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "authentication")
}

// retryCount reads the 401 retry counter, tolerating the numeric types JSON
// decoding produces.
func retryCount(md map[string]any) int {
	switch n := md[pipeline.MetaRetryCount].(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

// providerFromRequestData resolves the provider of an already-routed request:
// the resolved model config wins, then destination matching, then model-name
// heuristics.
func providerFromRequestData(creds *credentials.Store, data map[string]any) string {
	md, _ := data["metadata"].(map[string]any)
	if mc, ok := md[pipeline.MetaModelConfig].(*routing.ModelConfig); ok && mc != nil {
		if mc.LiteLLMParams.CustomLLMProvider != "" {
			return mc.LiteLLMParams.CustomLLMProvider
		}
		if p := creds.ProviderForDestination(mc.LiteLLMParams.APIBase); p != "" {
			return p
		}
		return hooks.DetectProvider(mc.LiteLLMParams.Model, mc.LiteLLMParams.APIBase)
	}
	model, _ := data["model"].(string)
	apiBase, _ := data["api_base"].(string)
	if p := creds.ProviderForDestination(apiBase); p != "" {
		return p
	}
	return hooks.DetectProvider(model, apiBase)
}

// retryRequest builds the single-retry copy of a failed request with the
// refreshed token in place.
func retryRequest(data map[string]any, token string) map[string]any {
	retry := make(map[string]any, len(data))
	for k, v := range data {
		retry[k] = v
	}

	md := make(map[string]any)
	if orig, ok := data["metadata"].(map[string]any); ok {
		for k, v := range orig {
			md[k] = v
		}
	}
	md[pipeline.MetaRetryCount] = 1
	retry["metadata"] = md

	psh := make(map[string]any)
	if orig, ok := data["provider_specific_header"].(map[string]any); ok {
		for k, v := range orig {
			psh[k] = v
		}
	}
	eh := make(map[string]any)
	if orig, ok := psh["extra_headers"].(map[string]any); ok {
		for k, v := range orig {
			eh[k] = v
		}
	}
	eh["authorization"] = "Bearer " + token
	eh["x-api-key"] = ""
	psh["extra_headers"] = eh
	retry["provider_specific_header"] = psh
	retry["api_key"] = token
	return retry
}
