// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package classifier

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/yduwcui/ccproxy/configapi"
)

// DefaultLabel is returned when no rule matches a request.
const DefaultLabel = "default"

// labeledRule pairs a routing label with the rule that produces it.
type labeledRule struct {
	label string
	rule  Rule
}

// Classifier evaluates an ordered rule set, first match wins. The rule set is
// swapped atomically on config reload.
type Classifier struct {
	rules  atomic.Pointer[[]labeledRule]
	logger *slog.Logger
}

// New builds a Classifier from the configured rule list. Unknown rule kinds and
// invalid parameters are construction errors, which are fatal at startup.
func New(configs []configapi.RuleConfig, logger *slog.Logger) (*Classifier, error) {
	c := &Classifier{logger: logger}
	if err := c.ReplaceRules(configs); err != nil {
		return nil, err
	}
	return c, nil
}

// ReplaceRules rebuilds the rule set from a new config and swaps it in. On
// error the previous rules stay in effect.
func (c *Classifier) ReplaceRules(configs []configapi.RuleConfig) error {
	rules := make([]labeledRule, 0, len(configs))
	for i := range configs {
		rule, err := buildRule(&configs[i])
		if err != nil {
			return fmt.Errorf("rules[%d] (%s): %w", i, configs[i].Name, err)
		}
		rules = append(rules, labeledRule{label: configs[i].Name, rule: rule})
	}
	c.rules.Store(&rules)
	return nil
}

// Classify returns the label of the first matching rule, or DefaultLabel when
// none match. Rule evaluation errors are logged and treated as non-matches.
func (c *Classifier) Classify(req map[string]any) string {
	for _, lr := range *c.rules.Load() {
		matched, err := lr.rule.Evaluate(req)
		if err != nil {
			c.logger.Warn("rule evaluation failed",
				slog.String("label", lr.label), slog.String("error", err.Error()))
			continue
		}
		if matched {
			return lr.label
		}
	}
	return DefaultLabel
}

// buildRule constructs a rule from its configured kind and parameters.
// Dotted-path kinds keep only the last segment, so configs written for the
// dynamic-loading original keep working.
func buildRule(cfg *configapi.RuleConfig) (Rule, error) {
	kind := cfg.Rule
	if i := strings.LastIndex(kind, "."); i >= 0 {
		kind = kind[i+1:]
	}
	switch kind {
	case "ThinkingRule":
		return ThinkingRule{}, nil
	case "MatchModelRule":
		substr, err := stringParam(cfg.Params, "substr", "model")
		if err != nil {
			return nil, err
		}
		return NewMatchModelRule(substr)
	case "MatchToolRule":
		name, err := stringParam(cfg.Params, "name", "tool")
		if err != nil {
			return nil, err
		}
		return NewMatchToolRule(name)
	case "TokenCountRule":
		threshold, err := intParam(cfg.Params, "threshold")
		if err != nil {
			return nil, err
		}
		return NewTokenCountRule(threshold)
	default:
		return nil, fmt.Errorf("unknown rule kind %q", cfg.Rule)
	}
}

// stringParam extracts a string from positional or keyword parameters.
func stringParam(params []any, keys ...string) (string, error) {
	for _, p := range params {
		switch v := p.(type) {
		case string:
			return v, nil
		case map[string]any:
			for _, key := range keys {
				if s, ok := v[key].(string); ok {
					return s, nil
				}
			}
		}
	}
	return "", fmt.Errorf("missing required string parameter (one of %s)", strings.Join(keys, ", "))
}

// intParam extracts an integer from positional or keyword parameters.
func intParam(params []any, keys ...string) (int, error) {
	asInt := func(v any) (int, bool) {
		switch n := v.(type) {
		case int:
			return n, true
		case int64:
			return int(n), true
		case float64:
			return int(n), true
		}
		return 0, false
	}
	for _, p := range params {
		if n, ok := asInt(p); ok {
			return n, nil
		}
		if m, ok := p.(map[string]any); ok {
			for _, key := range keys {
				if n, ok := asInt(m[key]); ok {
					return n, nil
				}
			}
		}
	}
	return 0, fmt.Errorf("missing required integer parameter (one of %s)", strings.Join(keys, ", "))
}
