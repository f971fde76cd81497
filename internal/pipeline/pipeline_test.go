// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package pipeline

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPipeline_HooksSeePriorWrites(t *testing.T) {
	writer := &HookSpec{
		Name:   "writer",
		Writes: []string{MetaModelName},
		Handler: func(c *Context, _ map[string]any) error {
			c.SetLabel("background")
			return nil
		},
	}
	reader := &HookSpec{
		Name:  "reader",
		Reads: []string{MetaModelName},
		Handler: func(c *Context, _ map[string]any) error {
			c.Model = "routed-" + c.Label()
			return nil
		},
	}
	// Declared reader-first; the DAG must still run writer first.
	p, err := New([]*HookSpec{reader, writer}, testLogger())
	require.NoError(t, err)

	out, err := p.Execute(map[string]any{"model": "m"}, nil)
	require.NoError(t, err)
	require.Equal(t, "routed-background", out["model"])
}

func TestPipeline_HookFailureIsIsolated(t *testing.T) {
	failing := &HookSpec{
		Name:   "failing",
		Writes: []string{"k"},
		Handler: func(c *Context, _ map[string]any) error {
			c.Model = "half-mutated"
			c.Metadata["partial"] = true
			return fmt.Errorf("boom")
		},
	}
	after := &HookSpec{
		Name: "after",
		Handler: func(c *Context, _ map[string]any) error {
			c.Metadata["after_ran"] = true
			return nil
		},
	}
	p, err := New([]*HookSpec{failing, after}, testLogger())
	require.NoError(t, err)

	out, err := p.Execute(map[string]any{"model": "original"}, nil)
	require.NoError(t, err)
	// The failing hook's partial writes are rolled back.
	require.Equal(t, "original", out["model"])
	md := out["metadata"].(map[string]any)
	require.NotContains(t, md, "partial")
	require.Equal(t, true, md["after_ran"])
}

func TestPipeline_PanicIsIsolated(t *testing.T) {
	panicking := &HookSpec{
		Name: "panicking",
		Handler: func(c *Context, _ map[string]any) error {
			c.Model = "mutated"
			panic("unexpected")
		},
	}
	p, err := New([]*HookSpec{panicking}, testLogger())
	require.NoError(t, err)

	out, err := p.Execute(map[string]any{"model": "original"}, nil)
	require.NoError(t, err)
	require.Equal(t, "original", out["model"])
}

func TestPipeline_FatalErrorAborts(t *testing.T) {
	fatal := &HookSpec{
		Name: "router",
		Handler: func(*Context, map[string]any) error {
			return &FatalError{Err: errors.New("no route")}
		},
	}
	p, err := New([]*HookSpec{fatal}, testLogger())
	require.NoError(t, err)

	out, err := p.Execute(map[string]any{"model": "m"}, nil)
	require.Nil(t, out)
	require.ErrorContains(t, err, "no route")
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
}

func TestPipeline_OverrideHeader(t *testing.T) {
	ran := map[string]bool{}
	guarded := &HookSpec{
		Name:  "guarded",
		Guard: func(*Context) bool { return false },
		Handler: func(*Context, map[string]any) error {
			ran["guarded"] = true
			return nil
		},
	}
	normal := &HookSpec{
		Name: "normal",
		Handler: func(*Context, map[string]any) error {
			ran["normal"] = true
			return nil
		},
	}
	p, err := New([]*HookSpec{guarded, normal}, testLogger())
	require.NoError(t, err)

	data := map[string]any{
		"model": "m",
		"proxy_server_request": map[string]any{
			"headers": map[string]any{"x-ccproxy-hooks": "+guarded,-normal"},
		},
	}
	_, err = p.Execute(data, nil)
	require.NoError(t, err)
	require.True(t, ran["guarded"], "force-run must bypass the guard")
	require.False(t, ran["normal"], "force-skip must suppress the hook")
}

func TestPipeline_GuardSkips(t *testing.T) {
	ran := false
	guarded := &HookSpec{
		Name:  "guarded",
		Guard: func(*Context) bool { return false },
		Handler: func(*Context, map[string]any) error {
			ran = true
			return nil
		},
	}
	p, err := New([]*HookSpec{guarded}, testLogger())
	require.NoError(t, err)
	_, err = p.Execute(map[string]any{"model": "m"}, nil)
	require.NoError(t, err)
	require.False(t, ran)
}

func TestPipeline_AuthInfoReachesParams(t *testing.T) {
	var got map[string]any
	h := &HookSpec{
		Name: "inspect",
		Handler: func(_ *Context, params map[string]any) error {
			got = params
			return nil
		},
	}
	p, err := New([]*HookSpec{h}, testLogger())
	require.NoError(t, err)
	_, err = p.Execute(map[string]any{"model": "m"}, map[string]any{"user": "u1"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"user": "u1"}, got["auth_info"])
}
