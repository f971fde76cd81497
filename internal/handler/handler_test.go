// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yduwcui/ccproxy/configapi"
	"github.com/yduwcui/ccproxy/internal/anthropic"
	"github.com/yduwcui/ccproxy/internal/classifier"
	"github.com/yduwcui/ccproxy/internal/credentials"
	"github.com/yduwcui/ccproxy/internal/pipeline"
	"github.com/yduwcui/ccproxy/internal/pipeline/hooks"
	"github.com/yduwcui/ccproxy/internal/requeststore"
	"github.com/yduwcui/ccproxy/internal/routing"
)

type fakeUpstream struct {
	calls []map[string]any
	resp  map[string]any
	err   error
}

func (f *fakeUpstream) call(_ context.Context, data map[string]any) (map[string]any, error) {
	f.calls = append(f.calls, data)
	return f.resp, f.err
}

// newTestHandler wires a Handler with a real pipeline and a credential store
// backed by a rewritable token file. Returns the handler, the fake upstream,
// and the token file path.
func newTestHandler(t *testing.T, models []routing.ModelConfig) (*Handler, *fakeUpstream, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tokenPath := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(tokenPath, []byte("sk-ant-oat01-old"), 0o600))
	creds := credentials.NewStore(&configapi.Config{
		OATSources: map[string]configapi.OAuthSource{
			"anthropic": {File: tokenPath, Destinations: []string{"anthropic.com"}},
		},
	}, logger)
	require.NoError(t, creds.LoadAll(context.Background()))

	table, err := routing.NewTable(context.Background(), &routing.StaticLister{Models: models}, logger)
	require.NoError(t, err)
	cls, err := classifier.New(nil, logger)
	require.NoError(t, err)
	specs, err := hooks.BuildSpecs(&hooks.Deps{
		Classifier:  cls,
		Table:       table,
		Credentials: creds,
		Requests:    requeststore.New(0),
		Logger:      logger,
		Passthrough: true,
	}, nil)
	require.NoError(t, err)
	pipe, err := pipeline.New(specs, logger)
	require.NoError(t, err)

	up := &fakeUpstream{resp: map[string]any{"status_code": 200}}
	h := New(context.Background(), pipe, creds, up.call, logger)
	return h, up, tokenPath
}

func anthropicEntry() routing.ModelConfig {
	return routing.ModelConfig{
		ModelName: "default",
		LiteLLMParams: routing.LiteLLMParams{
			Model:   "anthropic/claude-sonnet-4",
			APIBase: "https://api.anthropic.com",
		},
	}
}

func TestPreCall_RunsPipeline(t *testing.T) {
	h, _, _ := newTestHandler(t, []routing.ModelConfig{anthropicEntry()})

	out, err := h.PreCall(map[string]any{"model": "claude-sonnet-4"}, nil)
	require.NoError(t, err)
	require.Equal(t, "anthropic/claude-sonnet-4", out["model"])

	st := h.LastStatus()
	require.NotNil(t, st)
	require.Equal(t, "anthropic/claude-sonnet-4", st.Model)
	require.Empty(t, st.Error)
}

func TestPreCall_HealthCheckGetsCredentials(t *testing.T) {
	h, _, _ := newTestHandler(t, nil)

	data := map[string]any{
		"model":        "claude-sonnet-4",
		"api_base":     "https://api.anthropic.com",
		"health_check": true,
	}
	out, err := h.PreCall(data, nil)
	require.NoError(t, err)

	require.Equal(t, "sk-ant-oat01-old", out["api_key"])
	require.Equal(t, 1, out["max_tokens"])
	psh := out["provider_specific_header"].(map[string]any)
	require.Equal(t, "anthropic", psh["custom_llm_provider"])
	eh := psh["extra_headers"].(map[string]any)
	require.Equal(t, "Bearer sk-ant-oat01-old", eh["authorization"])
	require.Equal(t, "", eh["x-api-key"])
	require.Equal(t, anthropic.Version, eh["anthropic-version"])
	require.Equal(t, anthropic.Identity, out["system"])

	md := out["metadata"].(map[string]any)
	require.Equal(t, true, md[pipeline.MetaIsHealthCheck])
}

func TestPostCallFailure_RefreshesAndRetries(t *testing.T) {
	h, up, tokenPath := newTestHandler(t, []routing.ModelConfig{anthropicEntry()})
	up.resp = map[string]any{"status_code": 200, "body": []byte(`{"id":"msg_1"}`)}

	out, err := h.PreCall(map[string]any{"model": "claude-sonnet-4"}, nil)
	require.NoError(t, err)

	// The refresh re-reads the source, which now yields a new token.
	require.NoError(t, os.WriteFile(tokenPath, []byte("sk-ant-oat01-new"), 0o600))

	resp, handled := h.PostCallFailure(context.Background(), out,
		&UpstreamError{StatusCode: 401, Message: "token expired"}, nil)
	require.True(t, handled)
	require.Equal(t, up.resp, resp)

	require.Len(t, up.calls, 1)
	retry := up.calls[0]
	require.Equal(t, "sk-ant-oat01-new", retry["api_key"])
	eh := retry["provider_specific_header"].(map[string]any)["extra_headers"].(map[string]any)
	require.Equal(t, "Bearer sk-ant-oat01-new", eh["authorization"])
	require.Equal(t, "", eh["x-api-key"])
	require.Equal(t, 1, retry["metadata"].(map[string]any)[pipeline.MetaRetryCount])

	// The original mapping is untouched.
	require.NotContains(t, out["metadata"].(map[string]any), pipeline.MetaRetryCount)
}

func TestPostCallFailure_NonAuthErrorPropagates(t *testing.T) {
	h, up, _ := newTestHandler(t, []routing.ModelConfig{anthropicEntry()})

	resp, handled := h.PostCallFailure(context.Background(),
		map[string]any{"model": "m"}, errors.New("upstream returned 500: boom"), nil)
	require.False(t, handled)
	require.Nil(t, resp)
	require.Empty(t, up.calls)
}

func TestPostCallFailure_OnlyRetriesOnce(t *testing.T) {
	h, up, _ := newTestHandler(t, []routing.ModelConfig{anthropicEntry()})

	data := map[string]any{
		"model":    "anthropic/claude-sonnet-4",
		"api_base": "https://api.anthropic.com",
		"metadata": map[string]any{pipeline.MetaRetryCount: float64(1)},
	}
	resp, handled := h.PostCallFailure(context.Background(), data,
		&UpstreamError{StatusCode: 401}, nil)
	require.False(t, handled)
	require.Nil(t, resp)
	require.Empty(t, up.calls)
}

func TestPostCallFailure_UnknownProviderGivesUp(t *testing.T) {
	h, up, _ := newTestHandler(t, nil)

	resp, handled := h.PostCallFailure(context.Background(),
		map[string]any{"model": "mystery-model"},
		&UpstreamError{StatusCode: 401}, nil)
	require.False(t, handled)
	require.Nil(t, resp)
	require.Empty(t, up.calls)
}

func TestPostCallFailure_MessageBasedAuthDetection(t *testing.T) {
	h, up, tokenPath := newTestHandler(t, []routing.ModelConfig{anthropicEntry()})
	require.NoError(t, os.WriteFile(tokenPath, []byte("sk-ant-oat01-new"), 0o600))

	data := map[string]any{
		"model":    "anthropic/claude-sonnet-4",
		"api_base": "https://api.anthropic.com",
	}
	_, handled := h.PostCallFailure(context.Background(), data,
		errors.New("AuthenticationError: invalid bearer token"), nil)
	require.True(t, handled)
	require.Len(t, up.calls, 1)
}

func TestPostCallFailure_RetryCallFailurePropagatesOriginal(t *testing.T) {
	h, up, _ := newTestHandler(t, []routing.ModelConfig{anthropicEntry()})
	up.err = errors.New("connection refused")
	up.resp = nil

	data := map[string]any{
		"model":    "anthropic/claude-sonnet-4",
		"api_base": "https://api.anthropic.com",
	}
	resp, handled := h.PostCallFailure(context.Background(), data,
		&UpstreamError{StatusCode: 401}, nil)
	require.False(t, handled)
	require.Nil(t, resp)
	require.Len(t, up.calls, 1)
}

func TestIsAuthError(t *testing.T) {
	require.True(t, isAuthError(&UpstreamError{StatusCode: 401}))
	require.False(t, isAuthError(&UpstreamError{StatusCode: 429}))
	require.True(t, isAuthError(errors.New("Unauthorized")))
	require.True(t, isAuthError(errors.New("status 401 from upstream")))
	require.False(t, isAuthError(errors.New("rate limited")))
	require.False(t, isAuthError(nil))
}
