// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package configapi provides the configuration for the ccproxy request pipeline.
//
// This is a public package so that the pipeline can be testable without depending
// on the launcher as well as it can be used outside the ccproxy daemon itself.
//
// The configuration must be decoupled from the host proxy framework's types so it
// can be tested and iterated without a running upstream dispatcher.
package configapi

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultConfig is the default configuration that can be used as a
// fallback when the configuration is not explicitly provided.
const DefaultConfig = `
ccproxy:
  default_model_passthrough: true
`

const (
	// DefaultOAuthTTLSeconds is how long a loaded OAuth token is considered fresh.
	DefaultOAuthTTLSeconds = 28800
	// DefaultOAuthRefreshBuffer is the fraction of the TTL subtracted before a
	// token counts as expired, so refresh happens ahead of actual expiry.
	DefaultOAuthRefreshBuffer = 0.1
	// DefaultMITMPort is the default listen port for the MITM capture addon.
	DefaultMITMPort = 8081
	// DefaultListenPort is the default listen port for the main HTTP listener.
	DefaultListenPort = 4000
)

// Root is the top-level YAML document wrapping the ccproxy section.
type Root struct {
	CCProxy Config `yaml:"ccproxy"`
}

// Config is the configuration for the ccproxy request pipeline.
type Config struct {
	// Debug enables debug logging.
	Debug bool `yaml:"debug"`
	// DefaultModelPassthrough controls what happens to requests that match no
	// classification rule and have no "default" routing entry: when true they
	// keep the client-requested model. Defaults to true.
	DefaultModelPassthrough *bool `yaml:"default_model_passthrough"`
	// OATSources maps a provider name to the source of its OAuth token.
	OATSources map[string]OAuthSource `yaml:"oat_sources"`
	// OAuthTTLSeconds is the cache lifetime of a loaded token in seconds.
	OAuthTTLSeconds int `yaml:"oauth_ttl"`
	// OAuthRefreshBuffer is the fraction of the TTL to refresh ahead of expiry.
	OAuthRefreshBuffer float64 `yaml:"oauth_refresh_buffer"`
	// Hooks is the ordered list of pipeline hooks to enable.
	Hooks []HookConfig `yaml:"hooks"`
	// Rules is the ordered list of classification rules, first match wins.
	Rules []RuleConfig `yaml:"rules"`
	// MITM configures the capture addon.
	MITM MITMConfig `yaml:"mitm"`
}

// PassthroughEnabled resolves the DefaultModelPassthrough option with its default.
func (c *Config) PassthroughEnabled() bool {
	return c.DefaultModelPassthrough == nil || *c.DefaultModelPassthrough
}

// OAuthSource describes where an OAuth token for one provider comes from.
// Exactly one of Command or File must be set.
type OAuthSource struct {
	// Command is a shell command whose stdout is the token.
	Command string `yaml:"command"`
	// File is a path to a file whose trimmed content is the token.
	File string `yaml:"file"`
	// UserAgent is an optional User-Agent to send with requests using this token.
	UserAgent string `yaml:"user_agent"`
	// Destinations is a list of hostname substrings used to resolve the
	// provider owning an upstream URL.
	Destinations []string `yaml:"destinations"`
}

// UnmarshalYAML accepts both the extended mapping form and the simple string
// form, where the string is the shell command.
func (s *OAuthSource) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var cmd string
		if err := value.Decode(&cmd); err != nil {
			return err
		}
		s.Command = cmd
		return nil
	}
	type plain OAuthSource
	return value.Decode((*plain)(s))
}

// Validate checks the command/file exclusivity invariant.
func (s *OAuthSource) Validate() error {
	switch {
	case s.Command == "" && s.File == "":
		return fmt.Errorf("oauth source requires one of command or file")
	case s.Command != "" && s.File != "":
		return fmt.Errorf("oauth source must set only one of command or file")
	}
	return nil
}

// HookConfig selects a pipeline hook by name, optionally with parameters.
type HookConfig struct {
	// Hook is the hook name. Dotted paths are accepted for compatibility with
	// older configs; only the last segment is significant.
	Hook string `yaml:"hook"`
	// Params is passed to the hook handler on every execution.
	Params map[string]any `yaml:"params"`
}

// UnmarshalYAML accepts both the mapping form and the simple string form.
func (h *HookConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var name string
		if err := value.Decode(&name); err != nil {
			return err
		}
		h.Hook = name
		return nil
	}
	type plain HookConfig
	return value.Decode((*plain)(h))
}

// RuleConfig selects a classification rule by kind with its label and parameters.
type RuleConfig struct {
	// Name is the routing label produced when the rule matches.
	Name string `yaml:"name"`
	// Rule is the rule kind. Dotted paths are accepted; only the last segment
	// is significant.
	Rule string `yaml:"rule"`
	// Params is a list of positional parameters or single-key mappings.
	Params []any `yaml:"params"`
}

// MITMConfig configures the capture addon.
type MITMConfig struct {
	Enabled bool `yaml:"enabled"`
	// Port is the MITM listen port. Defaults to DefaultMITMPort.
	Port int `yaml:"port"`
	// MaxBodySize caps captured bodies in bytes. Zero means unlimited.
	MaxBodySize int `yaml:"max_body_size"`
	// CaptureBodies toggles body capture. Defaults to true.
	CaptureBodies *bool `yaml:"capture_bodies"`
	// ExcludedHosts are never captured.
	ExcludedHosts []string `yaml:"excluded_hosts"`
	// LLMHosts classify a flow as LLM traffic when the host matches.
	LLMHosts []string `yaml:"llm_hosts"`
	Debug    bool     `yaml:"debug"`
	// DatabaseURL locates the trace store. Empty disables persistence.
	DatabaseURL string `yaml:"database_url"`
}

// BodiesEnabled resolves the CaptureBodies option with its default.
func (m *MITMConfig) BodiesEnabled() bool {
	return m.CaptureBodies == nil || *m.CaptureBodies
}

// Validate checks invariants that make the configuration unusable at startup.
func (c *Config) Validate() error {
	for provider, src := range c.OATSources {
		if err := src.Validate(); err != nil {
			return fmt.Errorf("oat_sources[%s]: %w", provider, err)
		}
	}
	for i := range c.Rules {
		if c.Rules[i].Name == "" {
			return fmt.Errorf("rules[%d]: missing name", i)
		}
		if c.Rules[i].Rule == "" {
			return fmt.Errorf("rules[%d]: missing rule kind", i)
		}
	}
	for i := range c.Hooks {
		if c.Hooks[i].Hook == "" {
			return fmt.Errorf("hooks[%d]: missing hook name", i)
		}
	}
	return nil
}

// UnmarshalConfigYaml reads the file at the given path and unmarshals it into a Config struct.
func UnmarshalConfigYaml(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var root Root
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return nil, err
	}
	if err := root.CCProxy.Validate(); err != nil {
		return nil, err
	}
	return &root.CCProxy, nil
}

// MustLoadDefaultConfig loads the default configuration.
// This panics if the configuration fails to be loaded.
func MustLoadDefaultConfig() *Config {
	var root Root
	if err := yaml.Unmarshal([]byte(DefaultConfig), &root); err != nil {
		panic(err)
	}
	return &root.CCProxy
}
