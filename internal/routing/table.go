// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package routing resolves classification labels to upstream model
// configurations backed by the host framework's model list.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ModelConfig is one entry of the routing table: a label plus the parameters
// the host framework needs to reach the upstream model.
type ModelConfig struct {
	// ModelName is the routing label, e.g. "default" or "background".
	ModelName string `json:"model_name" yaml:"model_name"`
	// LiteLLMParams holds the upstream call parameters.
	LiteLLMParams LiteLLMParams `json:"litellm_params" yaml:"litellm_params"`
}

// LiteLLMParams are the upstream call parameters of a routing entry.
type LiteLLMParams struct {
	// Model is the upstream model name.
	Model string `json:"model" yaml:"model"`
	// APIBase is the upstream base URL. Optional.
	APIBase string `json:"api_base,omitempty" yaml:"api_base"`
	// APIKey is a per-model API key. When set, OAuth forwarding is skipped.
	APIKey string `json:"api_key,omitempty" yaml:"api_key"`
	// CustomLLMProvider pins the provider instead of detecting it.
	CustomLLMProvider string `json:"custom_llm_provider,omitempty" yaml:"custom_llm_provider"`
}

// ModelLister is the host framework's config provider for the model list.
type ModelLister interface {
	ListModels(ctx context.Context) ([]ModelConfig, error)
}

// ErrNoRoute is returned when a label resolves to nothing even after a reload
// and no default fallback applies.
var ErrNoRoute = fmt.Errorf("no routing entry")

// Table maps labels to model configurations. Reads are lock-free after the
// initial load; Reload swaps the whole map atomically so readers see either
// the old map or the new one, never a partial mix.
type Table struct {
	models atomic.Pointer[map[string]*ModelConfig]

	reloadMu sync.Mutex
	lister   ModelLister
	logger   *slog.Logger
}

// NewTable creates a Table and performs the initial load.
func NewTable(ctx context.Context, lister ModelLister, logger *slog.Logger) (*Table, error) {
	t := &Table{lister: lister, logger: logger}
	if err := t.Reload(ctx); err != nil {
		return nil, fmt.Errorf("initial model load: %w", err)
	}
	return t, nil
}

// ModelForLabel returns the configuration for the given label, or nil when the
// table has no entry for it.
func (t *Table) ModelForLabel(label string) *ModelConfig {
	m := t.models.Load()
	if m == nil {
		return nil
	}
	return (*m)[label]
}

// Labels returns the set of known labels. Mainly for diagnostics.
func (t *Table) Labels() []string {
	m := t.models.Load()
	if m == nil {
		return nil
	}
	labels := make([]string, 0, len(*m))
	for label := range *m {
		labels = append(labels, label)
	}
	return labels
}

// Reload refetches the full model list from the config provider and atomically
// replaces the internal map.
func (t *Table) Reload(ctx context.Context) error {
	t.reloadMu.Lock()
	defer t.reloadMu.Unlock()

	models, err := t.lister.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	next := make(map[string]*ModelConfig, len(models))
	for i := range models {
		m := models[i]
		next[m.ModelName] = &m
	}
	t.models.Store(&next)
	t.logger.Info("routing table reloaded", slog.Int("entries", len(next)))
	return nil
}
