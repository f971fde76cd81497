// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package mitm implements the capture addon: OAuth header repair for
// Anthropic-bound flows, traffic classification, and asynchronous trace
// persistence through a TraceStore.
package mitm

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/yduwcui/ccproxy/configapi"
	"github.com/yduwcui/ccproxy/internal/anthropic"
)

// anthropicAPIHost is the host whose flows get OAuth header repair.
const anthropicAPIHost = "api.anthropic.com"

// persistTimeout bounds one storage write.
const persistTimeout = 10 * time.Second

// Flow is the mutable state of one proxied exchange as it moves through the
// addon hooks.
type Flow struct {
	ID     string
	Start  time.Time
	Method string
	URL    string
	Host   string
	Path   string
	Header http.Header
	Body   []byte

	StatusCode int
	RespHeader http.Header
	RespBody   []byte

	trace *Trace
}

// NewFlow starts a flow for an inbound request. The body slice is owned by the
// flow afterwards.
func NewFlow(r *http.Request, body []byte) *Flow {
	return &Flow{
		ID:     uuid.NewString(),
		Start:  time.Now(),
		Method: r.Method,
		URL:    r.URL.String(),
		Host:   r.Host,
		Path:   r.URL.Path,
		Header: r.Header,
		Body:   body,
	}
}

// Addon repairs OAuth headers and captures traces. Header repair always runs;
// capture requires a store.
type Addon struct {
	store  TraceStore
	cfg    configapi.MITMConfig
	logger *slog.Logger

	// jobs serializes storage writes so a flow's create precedes its complete.
	jobs   chan func()
	closed chan struct{}
	once   sync.Once
}

// NewAddon creates an Addon. store may be nil, in which case only header
// repair runs.
func NewAddon(store TraceStore, cfg configapi.MITMConfig, logger *slog.Logger) *Addon {
	a := &Addon{
		store:  store,
		cfg:    cfg,
		logger: logger,
		jobs:   make(chan func(), 256),
		closed: make(chan struct{}),
	}
	go a.worker()
	return a
}

// Close stops the persistence worker after draining queued writes.
func (a *Addon) Close() {
	a.once.Do(func() {
		close(a.jobs)
		<-a.closed
	})
}

func (a *Addon) worker() {
	defer close(a.closed)
	for job := range a.jobs {
		job()
	}
}

// HandleRequest runs the request-side hooks: header repair first,
// unconditionally, then trace creation when a store is present.
func (a *Addon) HandleRequest(f *Flow) {
	a.RepairOAuthHeaders(f)

	if a.store == nil || a.hostExcluded(f.Host) {
		return
	}
	t := &Trace{
		TraceID:            f.ID,
		Kind:               a.Classify(f.Host, f.Path),
		Method:             f.Method,
		URL:                f.URL,
		Host:               f.Host,
		Path:               f.Path,
		RequestHeaders:     headersJSON(f.Header),
		RequestBodySize:    len(f.Body),
		RequestContentType: f.Header.Get("Content-Type"),
		StartTime:          f.Start,
	}
	if a.cfg.BodiesEnabled() {
		t.RequestBody = truncate(f.Body, a.cfg.MaxBodySize)
	}
	f.trace = t
	a.enqueue(func(ctx context.Context) error { return a.store.CreateTrace(ctx, t) })
}

// HandleResponse completes the flow's trace with the response.
func (a *Addon) HandleResponse(f *Flow) {
	t := f.trace
	if t == nil {
		return
	}
	now := time.Now()
	t.StatusCode = f.StatusCode
	t.ResponseHeaders = headersJSON(f.RespHeader)
	t.ResponseBodySize = len(f.RespBody)
	t.ResponseContentType = f.RespHeader.Get("Content-Type")
	if a.cfg.BodiesEnabled() {
		t.ResponseBody = truncate(f.RespBody, a.cfg.MaxBodySize)
	}
	t.EndTime = now
	t.DurationMS = now.Sub(f.Start).Milliseconds()
	a.enqueue(func(ctx context.Context) error { return a.store.CompleteTrace(ctx, t) })
}

// HandleError completes the flow's trace for a flow that produced no response.
func (a *Addon) HandleError(f *Flow, err error) {
	t := f.trace
	if t == nil {
		return
	}
	now := time.Now()
	t.StatusCode = 0
	t.ErrorMessage = err.Error()
	t.EndTime = now
	t.DurationMS = now.Sub(f.Start).Milliseconds()
	a.enqueue(func(ctx context.Context) error { return a.store.CompleteTrace(ctx, t) })
}

// enqueue hands a storage write to the worker. A full queue drops the write;
// capture is best-effort and must never block the live request.
func (a *Addon) enqueue(write func(context.Context) error) {
	job := func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := write(ctx); err != nil {
			a.logger.Warn("trace persistence failed", slog.String("error", err.Error()))
		}
	}
	select {
	case a.jobs <- job:
	default:
		a.logger.Warn("trace queue full, dropping write")
	}
}

// RepairOAuthHeaders fixes up OAuth-authenticated Anthropic flows: removes the
// conflicting x-api-key, merges the required betas, and injects the Claude
// Code identity into the body's system field. Runs before and independent of
// any storage.
func (a *Addon) RepairOAuthHeaders(f *Flow) {
	if !strings.Contains(f.Host, anthropicAPIHost) {
		return
	}
	if !strings.HasPrefix(f.Header.Get("Authorization"), "Bearer ") {
		return
	}
	f.Header.Del("X-Api-Key")
	f.Header.Set("Anthropic-Beta",
		anthropic.MergeBetas(anthropic.OAuthBetas, f.Header.Get("Anthropic-Beta")))

	if len(f.Body) == 0 || !gjson.GetBytes(f.Body, "messages").Exists() {
		return
	}
	repaired, changed := anthropic.InjectIdentityIntoBody(f.Body)
	if !changed {
		return
	}
	f.Body = repaired
	f.Header.Set("Content-Length", strconv.Itoa(len(repaired)))
}

// Classify buckets a flow by destination: configured LLM hosts, MCP servers,
// loopback tooling, or plain web traffic.
func (a *Addon) Classify(host, path string) string {
	h := strings.ToLower(host)
	for _, llm := range a.cfg.LLMHosts {
		if llm != "" && strings.Contains(h, strings.ToLower(llm)) {
			return KindLLM
		}
	}
	if strings.Contains(h, "mcp") || strings.Contains(strings.ToLower(path), "mcp") {
		return KindMCP
	}
	bare := h
	if i := strings.LastIndex(bare, ":"); i >= 0 {
		bare = bare[:i]
	}
	if bare == "localhost" || bare == "127.0.0.1" || bare == "::1" {
		return KindOther
	}
	return KindWeb
}

func (a *Addon) hostExcluded(host string) bool {
	h := strings.ToLower(host)
	for _, ex := range a.cfg.ExcludedHosts {
		if ex != "" && strings.Contains(h, strings.ToLower(ex)) {
			return true
		}
	}
	return false
}

// headersJSON flattens headers to a JSON object of first values.
func headersJSON(h http.Header) string {
	if len(h) == 0 {
		return "{}"
	}
	flat := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) > 0 {
			flat[name] = values[0]
		}
	}
	raw, err := json.Marshal(flat)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func truncate(body []byte, max int) []byte {
	if max > 0 && len(body) > max {
		return body[:max]
	}
	return body
}
