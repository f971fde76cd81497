// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package hooks

import (
	"log/slog"

	"github.com/yduwcui/ccproxy/internal/pipeline"
)

// newRuleEvaluator classifies the request against the configured rule set and
// records the resulting label alongside the originally requested model.
func newRuleEvaluator(deps *Deps) *pipeline.HookSpec {
	return &pipeline.HookSpec{
		Name:   NameRuleEvaluator,
		Writes: []string{pipeline.MetaModelName, pipeline.MetaAliasModel},
		Guard: func(c *pipeline.Context) bool {
			return !c.IsHealthCheck()
		},
		Handler: func(c *pipeline.Context, _ map[string]any) error {
			c.SetAliasModel(c.Model)
			label := deps.Classifier.Classify(c.RequestData())
			c.SetLabel(label)
			deps.Logger.Debug("request classified",
				slog.String("label", label), slog.String("model", c.Model))
			return nil
		},
	}
}
