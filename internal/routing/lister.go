// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package routing

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileLister reads the model list from a YAML file in the host framework's
// format:
//
//	model_list:
//	  - model_name: default
//	    litellm_params:
//	      model: anthropic/claude-sonnet-4
//	      api_base: https://api.anthropic.com
//
// The file is re-read on every ListModels call so Reload picks up edits.
type FileLister struct {
	Path string
}

type modelListFile struct {
	ModelList []ModelConfig `yaml:"model_list"`
}

// ListModels implements ModelLister.
func (f *FileLister) ListModels(_ context.Context) ([]ModelConfig, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read model list %s: %w", f.Path, err)
	}
	var file modelListFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse model list %s: %w", f.Path, err)
	}
	return file.ModelList, nil
}

// StaticLister serves a fixed model list. For tests and embedded setups.
type StaticLister struct {
	Models []ModelConfig
	// Err, when set, fails every ListModels call.
	Err error
}

// ListModels implements ModelLister.
func (s *StaticLister) ListModels(context.Context) ([]ModelConfig, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Models, nil
}
