// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package classifier implements the rule-based request classification engine.
//
// A classifier holds an ordered list of (label, rule) pairs; the first rule
// that matches a request decides its routing label. All rules are stateless
// after construction.
package classifier

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Rule decides whether a request matches. The request is the raw request-data
// mapping as received from the host framework.
type Rule interface {
	Evaluate(req map[string]any) (bool, error)
}

// ThinkingRule matches requests that carry a "thinking" field, regardless of
// its value.
type ThinkingRule struct{}

// Evaluate implements [Rule.Evaluate].
func (ThinkingRule) Evaluate(req map[string]any) (bool, error) {
	_, ok := req["thinking"]
	return ok, nil
}

// MatchModelRule matches when the requested model name contains the configured
// substring, case-insensitively.
type MatchModelRule struct {
	substr string
}

// NewMatchModelRule creates a MatchModelRule for the given needle.
func NewMatchModelRule(substr string) (*MatchModelRule, error) {
	if substr == "" {
		return nil, fmt.Errorf("MatchModelRule requires a non-empty substring")
	}
	return &MatchModelRule{substr: strings.ToLower(substr)}, nil
}

// Evaluate implements [Rule.Evaluate].
func (r *MatchModelRule) Evaluate(req map[string]any) (bool, error) {
	model, _ := req["model"].(string)
	return strings.Contains(strings.ToLower(model), r.substr), nil
}

// MatchToolRule matches when any tool in the request's tool list has the
// configured name. The name comparison is exact.
type MatchToolRule struct {
	name string
}

// NewMatchToolRule creates a MatchToolRule for the given tool name.
func NewMatchToolRule(name string) (*MatchToolRule, error) {
	if name == "" {
		return nil, fmt.Errorf("MatchToolRule requires a non-empty tool name")
	}
	return &MatchToolRule{name: name}, nil
}

// Evaluate implements [Rule.Evaluate].
func (r *MatchToolRule) Evaluate(req map[string]any) (bool, error) {
	tools, _ := req["tools"].([]any)
	for _, t := range tools {
		tool, ok := t.(map[string]any)
		if !ok {
			continue
		}
		if name, _ := tool["name"].(string); name == r.name {
			return true, nil
		}
	}
	return false, nil
}

// TokenCountRule matches when the approximate token count of the combined
// textual content of all messages is at least the configured threshold.
type TokenCountRule struct {
	threshold int
}

// NewTokenCountRule creates a TokenCountRule with the given threshold.
func NewTokenCountRule(threshold int) (*TokenCountRule, error) {
	if threshold < 0 {
		return nil, fmt.Errorf("TokenCountRule threshold must be non-negative, got %d", threshold)
	}
	return &TokenCountRule{threshold: threshold}, nil
}

// Evaluate implements [Rule.Evaluate].
func (r *TokenCountRule) Evaluate(req map[string]any) (bool, error) {
	messages, _ := req["messages"].([]any)
	var total int
	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		total += countTokens(contentText(msg["content"]))
	}
	return total >= r.threshold, nil
}

// contentText flattens a message content value into its textual parts.
// Content is either a plain string or a list of typed blocks with a "text" field.
func contentText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var sb strings.Builder
		for _, b := range v {
			if block, ok := b.(map[string]any); ok {
				if text, ok := block["text"].(string); ok {
					sb.WriteString(text)
				}
			}
		}
		return sb.String()
	}
	return ""
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// countTokens approximates the token count of text. It uses the cl100k_base
// tiktoken encoding when available and falls back to a bytes/4 estimate, which
// keeps the count monotonic in text length either way.
func countTokens(text string) int {
	if text == "" {
		return 0
	}
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return len(text)/4 + 1
}
