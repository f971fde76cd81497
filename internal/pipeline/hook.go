// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package pipeline

import (
	"fmt"
)

// HandlerFunc transforms the Context in place. Params is the hook's configured
// parameter mapping merged with per-request extras.
type HandlerFunc func(c *Context, params map[string]any) error

// GuardFunc decides whether the hook runs for this request. A nil guard always
// runs.
type GuardFunc func(c *Context) bool

// HookSpec declares one pipeline hook: its handler, guard, and the metadata
// keys it reads and writes. Reads/writes drive the execution-order DAG.
type HookSpec struct {
	// Name is unique within a registry.
	Name string
	// Handler must be deterministic given its inputs. Idempotency is not required.
	Handler HandlerFunc
	// Guard is evaluated before the handler unless overridden per request.
	Guard GuardFunc
	// Reads are the keys the handler consumes.
	Reads []string
	// Writes are the keys the handler produces.
	Writes []string
	// Params is the configured parameter mapping passed to every execution.
	Params map[string]any
}

// Registry holds the hooks available to a pipeline. Populated at startup,
// read-only thereafter.
type Registry struct {
	specs  []*HookSpec
	byName map[string]*HookSpec
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*HookSpec)}
}

// Register adds a hook. Two specs with the same name are considered equal, so
// a duplicate registration is an error.
func (r *Registry) Register(spec *HookSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("hook spec requires a name")
	}
	if _, ok := r.byName[spec.Name]; ok {
		return fmt.Errorf("hook %q already registered", spec.Name)
	}
	r.byName[spec.Name] = spec
	r.specs = append(r.specs, spec)
	return nil
}

// Get returns the hook with the given name, or nil.
func (r *Registry) Get(name string) *HookSpec {
	return r.byName[name]
}

// Specs returns the registered hooks in registration order.
func (r *Registry) Specs() []*HookSpec {
	return r.specs
}
