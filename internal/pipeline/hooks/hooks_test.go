// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package hooks

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yduwcui/ccproxy/configapi"
	"github.com/yduwcui/ccproxy/internal/classifier"
	"github.com/yduwcui/ccproxy/internal/credentials"
	"github.com/yduwcui/ccproxy/internal/pipeline"
	"github.com/yduwcui/ccproxy/internal/requeststore"
	"github.com/yduwcui/ccproxy/internal/routing"
)

// testDeps builds a Deps with real collaborators: the given routing entries,
// classification rules, and a credential store fed from temp token files.
func testDeps(t *testing.T, models []routing.ModelConfig, rules []configapi.RuleConfig, tokens map[string]configapi.OAuthSource) *Deps {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	table, err := routing.NewTable(context.Background(), &routing.StaticLister{Models: models}, logger)
	require.NoError(t, err)

	cls, err := classifier.New(rules, logger)
	require.NoError(t, err)

	creds := credentials.NewStore(&configapi.Config{OATSources: tokens}, logger)
	if len(tokens) > 0 {
		require.NoError(t, creds.LoadAll(context.Background()))
	}

	return &Deps{
		Classifier:  cls,
		Table:       table,
		Credentials: creds,
		Requests:    requeststore.New(0),
		Logger:      logger,
		Passthrough: true,
	}
}

func tokenSource(t *testing.T, token string, destinations ...string) configapi.OAuthSource {
	t.Helper()
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte(token), 0o600))
	return configapi.OAuthSource{File: path, Destinations: destinations}
}

func contextFor(data map[string]any) *pipeline.Context {
	return pipeline.FromRequestData(data)
}

func TestBuildSpecs_EmptyConfigEnablesFullSet(t *testing.T) {
	deps := testDeps(t, nil, nil, nil)
	specs, err := BuildSpecs(deps, nil)
	require.NoError(t, err)

	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	require.Equal(t, []string{
		NameRuleEvaluator, NameModelRouter, NameExtractSessionID,
		NameCaptureHeaders, NameForwardOAuth, NameAddBetaHeaders, NameInjectIdentity,
	}, names)
}

func TestBuildSpecs_ConfiguredSubset(t *testing.T) {
	deps := testDeps(t, nil, nil, nil)
	specs, err := BuildSpecs(deps, []configapi.HookConfig{
		{Hook: "rule_evaluator"},
		{Hook: "ccproxy.hooks.model_router"}, // dotted path keeps the last segment
	})
	require.NoError(t, err)
	require.Len(t, specs, 2)
	require.Equal(t, NameRuleEvaluator, specs[0].Name)
	require.Equal(t, NameModelRouter, specs[1].Name)
}

func TestBuildSpecs_UnknownHook(t *testing.T) {
	deps := testDeps(t, nil, nil, nil)
	_, err := BuildSpecs(deps, []configapi.HookConfig{{Hook: "no_such_hook"}})
	require.ErrorContains(t, err, "unknown hook")
}

func TestBuildSpecs_DuplicateHook(t *testing.T) {
	deps := testDeps(t, nil, nil, nil)
	_, err := BuildSpecs(deps, []configapi.HookConfig{
		{Hook: "rule_evaluator"},
		{Hook: "rule_evaluator"},
	})
	require.Error(t, err)
}

func TestBuildSpecs_ParamsOverride(t *testing.T) {
	deps := testDeps(t, nil, nil, nil)
	specs, err := BuildSpecs(deps, []configapi.HookConfig{
		{Hook: "capture_headers", Params: map[string]any{"verbose": true}},
	})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"verbose": true}, specs[0].Params)
}

func TestBuiltinSet_FormsAValidDAG(t *testing.T) {
	deps := testDeps(t, nil, nil, nil)
	specs, err := BuildSpecs(deps, nil)
	require.NoError(t, err)

	dag, err := pipeline.BuildDAG(specs)
	require.NoError(t, err)

	pos := map[string]int{}
	for i, s := range dag.ExecutionOrder() {
		pos[s.Name] = i
	}
	require.Less(t, pos[NameRuleEvaluator], pos[NameModelRouter])
	require.Less(t, pos[NameModelRouter], pos[NameForwardOAuth])
	require.Less(t, pos[NameForwardOAuth], pos[NameInjectIdentity],
		"identity injection must observe the forwarded authorization")
}
