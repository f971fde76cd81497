// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package mitm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yduwcui/ccproxy/configapi"
	"github.com/yduwcui/ccproxy/internal/anthropic"
)

type memStore struct {
	mu      sync.Mutex
	created []Trace
	done    []Trace
	err     error
}

func (m *memStore) CreateTrace(_ context.Context, t *Trace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.created = append(m.created, *t)
	return nil
}

func (m *memStore) CompleteTrace(_ context.Context, t *Trace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.done = append(m.done, *t)
	return nil
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newFlow(t *testing.T, method, url string, header http.Header, body []byte) *Flow {
	t.Helper()
	r := httptest.NewRequest(method, url, nil)
	for name, values := range header {
		for _, v := range values {
			r.Header.Add(name, v)
		}
	}
	return NewFlow(r, body)
}

func TestRepairOAuthHeaders_BearerAnthropicFlow(t *testing.T) {
	a := NewAddon(nil, configapi.MITMConfig{}, testLogger())
	defer a.Close()

	body := []byte(`{"messages":[{"role":"user","content":"hi"}],"system":"be helpful"}`)
	f := newFlow(t, http.MethodPost, "https://api.anthropic.com/v1/messages", http.Header{
		"Authorization":  []string{"Bearer sk-ant-oat01-tok"},
		"X-Api-Key":      []string{"sk-ant-api03-stale"},
		"Anthropic-Beta": []string{"custom-beta-2099"},
	}, body)

	a.HandleRequest(f)

	require.Empty(t, f.Header.Get("X-Api-Key"))
	betas := strings.Split(f.Header.Get("Anthropic-Beta"), ",")
	require.Equal(t, anthropic.OAuthBetas, betas[:len(anthropic.OAuthBetas)])
	require.Contains(t, betas, "custom-beta-2099")

	require.Contains(t, string(f.Body), anthropic.Identity)
	require.Equal(t, strconv.Itoa(len(f.Body)), f.Header.Get("Content-Length"))
}

func TestRepairOAuthHeaders_SkipsNonBearer(t *testing.T) {
	a := NewAddon(nil, configapi.MITMConfig{}, testLogger())
	defer a.Close()

	f := newFlow(t, http.MethodPost, "https://api.anthropic.com/v1/messages", http.Header{
		"X-Api-Key": []string{"sk-ant-api03-key"},
	}, []byte(`{"messages":[]}`))
	a.HandleRequest(f)

	require.Equal(t, "sk-ant-api03-key", f.Header.Get("X-Api-Key"))
	require.Empty(t, f.Header.Get("Anthropic-Beta"))
}

func TestRepairOAuthHeaders_SkipsOtherHosts(t *testing.T) {
	a := NewAddon(nil, configapi.MITMConfig{}, testLogger())
	defer a.Close()

	f := newFlow(t, http.MethodPost, "https://api.openai.com/v1/chat/completions", http.Header{
		"Authorization": []string{"Bearer tok"},
		"X-Api-Key":     []string{"keep-me"},
	}, nil)
	a.HandleRequest(f)

	require.Equal(t, "keep-me", f.Header.Get("X-Api-Key"))
}

func TestRepairOAuthHeaders_NoMessagesLeavesBody(t *testing.T) {
	a := NewAddon(nil, configapi.MITMConfig{}, testLogger())
	defer a.Close()

	body := []byte(`{"query":"not an llm call"}`)
	f := newFlow(t, http.MethodPost, "https://api.anthropic.com/v1/other", http.Header{
		"Authorization": []string{"Bearer tok"},
	}, body)
	a.HandleRequest(f)

	require.Equal(t, body, f.Body)
}

func TestHandleRequest_CapturesTrace(t *testing.T) {
	store := &memStore{}
	a := NewAddon(store, configapi.MITMConfig{LLMHosts: []string{"anthropic.com"}}, testLogger())

	body := []byte(`{"messages":[]}`)
	f := newFlow(t, http.MethodPost, "https://api.anthropic.com/v1/messages", http.Header{
		"Content-Type": []string{"application/json"},
	}, body)
	a.HandleRequest(f)

	f.StatusCode = 200
	f.RespHeader = http.Header{"Content-Type": []string{"application/json"}}
	f.RespBody = []byte(`{"id":"msg_1"}`)
	a.HandleResponse(f)
	a.Close()

	require.Len(t, store.created, 1)
	created := store.created[0]
	require.Equal(t, f.ID, created.TraceID)
	require.Equal(t, KindLLM, created.Kind)
	require.Equal(t, http.MethodPost, created.Method)
	require.Equal(t, "api.anthropic.com", created.Host)
	require.Equal(t, "/v1/messages", created.Path)
	require.Equal(t, len(body), created.RequestBodySize)
	require.Equal(t, body, created.RequestBody)
	require.Contains(t, created.RequestHeaders, "Content-Type")

	require.Len(t, store.done, 1)
	done := store.done[0]
	require.Equal(t, f.ID, done.TraceID)
	require.Equal(t, 200, done.StatusCode)
	require.Equal(t, []byte(`{"id":"msg_1"}`), done.ResponseBody)
	require.GreaterOrEqual(t, done.DurationMS, int64(0))
	require.False(t, done.EndTime.IsZero())
}

func TestHandleError_CompletesWithZeroStatus(t *testing.T) {
	store := &memStore{}
	a := NewAddon(store, configapi.MITMConfig{}, testLogger())

	f := newFlow(t, http.MethodGet, "https://example.com/page", nil, nil)
	a.HandleRequest(f)
	a.HandleError(f, errors.New("connection reset"))
	a.Close()

	require.Len(t, store.done, 1)
	require.Equal(t, 0, store.done[0].StatusCode)
	require.Equal(t, "connection reset", store.done[0].ErrorMessage)
}

func TestHandleRequest_BodyTruncation(t *testing.T) {
	store := &memStore{}
	a := NewAddon(store, configapi.MITMConfig{MaxBodySize: 8}, testLogger())

	body := []byte(strings.Repeat("x", 100))
	f := newFlow(t, http.MethodPost, "https://example.com/upload", nil, body)
	a.HandleRequest(f)
	a.Close()

	require.Len(t, store.created, 1)
	require.Len(t, store.created[0].RequestBody, 8)
	require.Equal(t, 100, store.created[0].RequestBodySize)
}

func TestHandleRequest_BodiesDisabled(t *testing.T) {
	store := &memStore{}
	off := false
	a := NewAddon(store, configapi.MITMConfig{CaptureBodies: &off}, testLogger())

	f := newFlow(t, http.MethodPost, "https://example.com/upload", nil, []byte("secret"))
	a.HandleRequest(f)
	a.Close()

	require.Len(t, store.created, 1)
	require.Empty(t, store.created[0].RequestBody)
	require.Equal(t, 6, store.created[0].RequestBodySize)
}

func TestHandleRequest_ExcludedHost(t *testing.T) {
	store := &memStore{}
	a := NewAddon(store, configapi.MITMConfig{ExcludedHosts: []string{"internal.corp"}}, testLogger())

	f := newFlow(t, http.MethodGet, "https://vault.internal.corp/secrets", nil, nil)
	a.HandleRequest(f)
	a.HandleResponse(f)
	a.Close()

	require.Empty(t, store.created)
	require.Empty(t, store.done)
}

func TestHandleRequest_NilStoreStillRepairs(t *testing.T) {
	a := NewAddon(nil, configapi.MITMConfig{}, testLogger())
	defer a.Close()

	f := newFlow(t, http.MethodPost, "https://api.anthropic.com/v1/messages", http.Header{
		"Authorization": []string{"Bearer tok"},
		"X-Api-Key":     []string{"stale"},
	}, nil)
	a.HandleRequest(f)

	require.Empty(t, f.Header.Get("X-Api-Key"))
	require.Nil(t, f.trace)
}

func TestClassify(t *testing.T) {
	a := NewAddon(nil, configapi.MITMConfig{LLMHosts: []string{"anthropic.com", "openai.com"}}, testLogger())
	defer a.Close()

	tests := []struct {
		name string
		host string
		path string
		want string
	}{
		{name: "configured llm host", host: "api.anthropic.com", path: "/v1/messages", want: KindLLM},
		{name: "llm host case-insensitive", host: "API.OpenAI.com", path: "/", want: KindLLM},
		{name: "mcp in host", host: "mcp.example.com", path: "/", want: KindMCP},
		{name: "mcp in path", host: "example.com", path: "/mcp/tools", want: KindMCP},
		{name: "loopback", host: "localhost:8080", path: "/", want: KindOther},
		{name: "loopback v4", host: "127.0.0.1:9000", path: "/", want: KindOther},
		{name: "plain web", host: "example.com", path: "/page", want: KindWeb},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, a.Classify(tc.host, tc.path))
		})
	}
}

func TestAddon_CreatePrecedesComplete(t *testing.T) {
	store := &memStore{}
	a := NewAddon(store, configapi.MITMConfig{}, testLogger())

	for i := 0; i < 20; i++ {
		f := newFlow(t, http.MethodGet, "https://example.com/", nil, nil)
		a.HandleRequest(f)
		f.StatusCode = 200
		a.HandleResponse(f)
	}
	a.Close()

	require.Len(t, store.created, 20)
	require.Len(t, store.done, 20)
	seen := make(map[string]bool, 20)
	for _, c := range store.created {
		seen[c.TraceID] = true
	}
	for _, d := range store.done {
		require.True(t, seen[d.TraceID])
	}
}
