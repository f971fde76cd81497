// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// FatalError aborts the pipeline and surfaces to the client instead of being
// isolated like ordinary hook failures. The model router uses it for
// unrecoverable routing errors.
type FatalError struct {
	Err error
}

// Error implements error.
func (e *FatalError) Error() string { return e.Err.Error() }

// Unwrap exposes the wrapped error.
func (e *FatalError) Unwrap() error { return e.Err }

// Pipeline executes hooks in DAG order against a per-request Context.
type Pipeline struct {
	order  []*HookSpec
	groups [][]string
	logger *slog.Logger
}

// New builds a Pipeline from the given hooks. Cycles are fatal; dangling
// reads/writes are logged as warnings.
func New(specs []*HookSpec, logger *slog.Logger) (*Pipeline, error) {
	dag, err := BuildDAG(specs)
	if err != nil {
		return nil, err
	}
	for _, w := range dag.Warnings() {
		logger.Warn("hook graph validation", slog.String("finding", w))
	}
	return &Pipeline{order: dag.ExecutionOrder(), groups: dag.ParallelGroups(), logger: logger}, nil
}

// ExecutionOrder returns the hook names in execution order. For diagnostics.
func (p *Pipeline) ExecutionOrder() []string {
	names := make([]string, len(p.order))
	for i, spec := range p.order {
		names[i] = spec.Name
	}
	return names
}

// Execute runs every hook against the request data and returns the mutated
// data. Hook and guard failures are isolated: the hook is skipped and the
// context passed on unchanged. A FatalError from a hook aborts the pipeline.
func (p *Pipeline) Execute(data map[string]any, authInfo map[string]any) (map[string]any, error) {
	c := FromRequestData(data)
	overrides := ParseOverrides(c.Header(OverrideHeader))

	for _, spec := range p.order {
		mode := overrides.Get(spec.Name)
		if mode == OverrideForceSkip {
			p.logger.Debug("hook skipped by override", slog.String("hook", spec.Name))
			continue
		}
		if mode != OverrideForceRun && !p.guardAllows(spec, c) {
			continue
		}

		params := mergeParams(spec.Params, authInfo)
		snapshot := c.Clone()
		start := time.Now()
		err := runHook(spec, c, params)
		if err != nil {
			var fatal *FatalError
			if errors.As(err, &fatal) {
				return nil, fatal
			}
			p.logger.Warn("hook failed, continuing with unchanged context",
				slog.String("hook", spec.Name),
				slog.String("error_type", fmt.Sprintf("%T", err)),
				slog.String("error", err.Error()))
			*c = *snapshot
			continue
		}
		p.logger.Debug("hook executed",
			slog.String("hook", spec.Name),
			slog.Duration("duration", time.Since(start)))
	}
	return c.ToRequestData(), nil
}

// guardAllows evaluates the hook's guard, treating a panic as false.
func (p *Pipeline) guardAllows(spec *HookSpec, c *Context) (allowed bool) {
	if spec.Guard == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("hook guard panicked, skipping hook",
				slog.String("hook", spec.Name), slog.Any("panic", r))
			allowed = false
		}
	}()
	return spec.Guard(c)
}

// runHook executes the handler, converting a panic into an error so it can be
// isolated like any other failure.
func runHook(spec *HookSpec, c *Context, params map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panicked: %v", r)
		}
	}()
	return spec.Handler(c, params)
}

// mergeParams merges the hook's configured params with per-request extras.
func mergeParams(params map[string]any, authInfo map[string]any) map[string]any {
	merged := make(map[string]any, len(params)+1)
	for k, v := range params {
		merged[k] = v
	}
	if authInfo != nil {
		merged["auth_info"] = authInfo
	}
	return merged
}
