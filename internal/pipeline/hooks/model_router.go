// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package hooks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/yduwcui/ccproxy/internal/classifier"
	"github.com/yduwcui/ccproxy/internal/pipeline"
)

// newModelRouter resolves the classification label to an upstream model
// configuration, reloading the routing table once on a miss. An unresolvable
// label with neither a default entry nor passthrough is a fatal routing error.
func newModelRouter(deps *Deps) *pipeline.HookSpec {
	return &pipeline.HookSpec{
		Name:  NameModelRouter,
		Reads: []string{pipeline.MetaModelName, pipeline.MetaAliasModel},
		Writes: []string{
			"model", pipeline.MetaLiteLLMModel, pipeline.MetaModelConfig, pipeline.MetaIsPassthrough,
		},
		Guard: func(c *pipeline.Context) bool {
			return c.Label() != "" || c.IsHealthCheck()
		},
		Handler: func(c *pipeline.Context, _ map[string]any) error {
			if c.IsHealthCheck() {
				// Health checks always pass through with the requested model.
				c.SetPassthrough(true)
				return nil
			}

			label := c.Label()
			if label == classifier.DefaultLabel && deps.Passthrough && deps.Table.ModelForLabel(classifier.DefaultLabel) == nil {
				// No default entry configured: the request keeps its own model.
				// The original model is still looked up so downstream hooks can
				// match the upstream destination.
				original := c.AliasModel()
				if original == "" {
					original = c.Model
				}
				if mc := deps.Table.ModelForLabel(original); mc != nil {
					c.SetModelConfig(mc)
				}
				c.SetLiteLLMModel(c.Model)
				c.SetPassthrough(true)
				deps.Logger.Debug("passthrough routing", slog.String("model", c.Model))
				return nil
			}

			cfg := deps.Table.ModelForLabel(label)
			if cfg == nil {
				// One-shot retry after a reload, in case the model list changed
				// underneath us.
				if err := deps.Table.Reload(context.Background()); err != nil {
					deps.Logger.Warn("routing table reload failed", slog.String("error", err.Error()))
				}
				cfg = deps.Table.ModelForLabel(label)
			}
			if cfg == nil {
				if dflt := deps.Table.ModelForLabel(classifier.DefaultLabel); dflt != nil {
					cfg = dflt
				} else if deps.Passthrough {
					c.SetLiteLLMModel(c.Model)
					c.SetPassthrough(true)
					return nil
				} else {
					return &pipeline.FatalError{Err: fmt.Errorf(
						"no model configured for label %q and no default entry exists", label)}
				}
			}

			c.Model = cfg.LiteLLMParams.Model
			c.SetLiteLLMModel(cfg.LiteLLMParams.Model)
			c.SetModelConfig(cfg)
			c.SetPassthrough(false)
			deps.Logger.Debug("request routed",
				slog.String("label", label), slog.String("model", c.Model))
			return nil
		},
	}
}
