// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package server is the thin HTTP front door: it wraps inbound requests in
// the framework envelope, runs the handler front-end, performs the upstream
// call, and relays the response.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/yduwcui/ccproxy/internal/handler"
	"github.com/yduwcui/ccproxy/internal/metrics"
	"github.com/yduwcui/ccproxy/internal/pipeline"
	"github.com/yduwcui/ccproxy/internal/routing"
)

// defaultUpstream is the destination for requests whose routing produced no
// explicit api_base.
const defaultUpstream = "https://api.anthropic.com"

// upstreamTimeout bounds one upstream call, generous for long generations.
const upstreamTimeout = 600 * time.Second

// Server dispatches inbound LLM requests through the handler front-end.
type Server struct {
	handler Handler
	metrics *metrics.Metrics
	logger  *slog.Logger
	client  *http.Client
}

// Handler is the callback surface the server drives. Satisfied by
// *handler.Handler; narrowed to an interface so tests can fake it.
type Handler interface {
	PreCall(data map[string]any, authInfo map[string]any) (map[string]any, error)
	PostCallFailure(ctx context.Context, data map[string]any, callErr error, authInfo map[string]any) (map[string]any, bool)
}

// New creates a Server.
func New(h Handler, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		handler: h,
		metrics: m,
		logger:  logger,
		client:  &http.Client{Timeout: upstreamTimeout},
	}
}

// Mux returns the proxy listener's mux.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/messages", s.handleProxy)
	mux.HandleFunc("/v1/chat/completions", s.handleProxy)
	return mux
}

// Upstream exposes the upstream call for injection into the handler's retry
// path.
func (s *Server) Upstream(ctx context.Context, data map[string]any) (map[string]any, error) {
	return s.callUpstream(ctx, data)
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		writeError(w, http.StatusBadRequest, "request body is not valid JSON")
		return
	}

	data := envelope(r, body, raw)
	out, err := s.handler.PreCall(data, nil)
	if err != nil {
		s.logger.Warn("request rejected", slog.String("error", err.Error()))
		s.record(r.Context(), out, http.StatusBadGateway, start)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	resp, err := s.callUpstream(r.Context(), out)
	if err != nil {
		retry, ok := s.handler.PostCallFailure(r.Context(), out, err, nil)
		if s.metrics != nil && isAuthStatus(err) {
			s.metrics.RecordAuthRetry(r.Context(), providerOf(out), ok)
		}
		if ok {
			resp = retry
		} else {
			status := http.StatusBadGateway
			var ue *handler.UpstreamError
			if errors.As(err, &ue) {
				status = ue.StatusCode
			}
			s.record(r.Context(), out, status, start)
			writeError(w, status, err.Error())
			return
		}
	}

	status, header, respBody := splitResponse(resp)
	s.record(r.Context(), out, status, start)
	for name, value := range header {
		w.Header().Set(name, value)
	}
	w.WriteHeader(status)
	_, _ = w.Write(respBody)
}

// callUpstream performs the HTTP call described by a prepared request-data
// mapping and wraps the response in the framework envelope.
func (s *Server) callUpstream(ctx context.Context, data map[string]any) (map[string]any, error) {
	mc, _ := metadataOf(data)[pipeline.MetaModelConfig].(*routing.ModelConfig)
	base := defaultUpstream
	if mc != nil && mc.LiteLLMParams.APIBase != "" {
		base = mc.LiteLLMParams.APIBase
	}
	url := strings.TrimSuffix(base, "/") + "/v1/messages"

	payload, err := json.Marshal(upstreamPayload(data))
	if err != nil {
		return nil, fmt.Errorf("marshal upstream payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	applyProviderHeaders(req, data)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream call: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &handler.UpstreamError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	header := make(map[string]string)
	for name := range resp.Header {
		header[name] = resp.Header.Get(name)
	}
	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     header,
		"body":        respBody,
	}, nil
}

func (s *Server) record(ctx context.Context, data map[string]any, status int, start time.Time) {
	if s.metrics == nil {
		return
	}
	md := metadataOf(data)
	label, _ := md[pipeline.MetaModelName].(string)
	s.metrics.RecordRequest(ctx, label, providerOf(data), status, time.Since(start))
}

func providerOf(data map[string]any) string {
	psh, _ := data["provider_specific_header"].(map[string]any)
	provider, _ := psh["custom_llm_provider"].(string)
	return provider
}

// isAuthStatus reports whether the upstream failure was a 401, which is what
// triggers the handler's refresh-retry.
func isAuthStatus(err error) bool {
	var ue *handler.UpstreamError
	return errors.As(err, &ue) && ue.StatusCode == http.StatusUnauthorized
}

// envelope wraps an inbound HTTP request in the framework's request-data
// shape, including the raw-header secret fields.
func envelope(r *http.Request, body map[string]any, raw []byte) map[string]any {
	headers := make(map[string]any, len(r.Header))
	for name := range r.Header {
		headers[strings.ToLower(name)] = r.Header.Get(name)
	}
	data := make(map[string]any, len(body)+2)
	for k, v := range body {
		data[k] = v
	}
	data["proxy_server_request"] = map[string]any{
		"method":  r.Method,
		"url":     r.URL.String(),
		"headers": headers,
		"body":    raw,
	}
	data["secret_fields"] = map[string]any{
		"raw_headers": map[string]any{
			"authorization": r.Header.Get("Authorization"),
			"x-api-key":     r.Header.Get("X-Api-Key"),
		},
	}
	return data
}

// upstreamPayload strips the envelope-internal fields, leaving the body the
// upstream API expects.
func upstreamPayload(data map[string]any) map[string]any {
	payload := make(map[string]any, len(data))
	for k, v := range data {
		switch k {
		case "proxy_server_request", "secret_fields", "metadata",
			"provider_specific_header", "api_key", "api_base",
			"litellm_call_id", "health_check":
			continue
		}
		payload[k] = v
	}
	return payload
}

// applyProviderHeaders copies the prepared auth headers onto the outbound
// request.
func applyProviderHeaders(req *http.Request, data map[string]any) {
	psh, _ := data["provider_specific_header"].(map[string]any)
	eh, _ := psh["extra_headers"].(map[string]any)
	for name, v := range eh {
		value, _ := v.(string)
		if value == "" {
			req.Header.Del(name)
			continue
		}
		req.Header.Set(name, value)
	}
	if req.Header.Get("Authorization") == "" && req.Header.Get("X-Api-Key") == "" {
		if key, _ := data["api_key"].(string); key != "" {
			req.Header.Set("X-Api-Key", key)
		}
	}
}

func metadataOf(data map[string]any) map[string]any {
	md, _ := data["metadata"].(map[string]any)
	return md
}

// splitResponse unpacks the upstream response envelope.
func splitResponse(resp map[string]any) (int, map[string]string, []byte) {
	status, _ := resp["status_code"].(int)
	if status == 0 {
		status = http.StatusOK
	}
	header, _ := resp["headers"].(map[string]string)
	body, _ := resp["body"].([]byte)
	return status, header, body
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"type": "proxy_error", "message": msg},
	})
}
