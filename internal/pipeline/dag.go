// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package pipeline

import (
	"fmt"
	"sort"
	"strings"
)

// DAG is the dependency graph derived from hook reads/writes declarations.
// Hook B depends on hook A iff A writes a key B reads.
type DAG struct {
	order    []*HookSpec
	groups   [][]string
	warnings []string
}

// ExecutionOrder returns the hooks in topological order. Stable for the same
// input.
func (d *DAG) ExecutionOrder() []*HookSpec { return d.order }

// ParallelGroups returns successive ready-sets from Kahn's algorithm. This is
// informational; the executor runs strictly sequentially.
func (d *DAG) ParallelGroups() [][]string { return d.groups }

// Warnings returns non-fatal validation findings: declared reads nothing
// writes, and declared writes nothing reads.
func (d *DAG) Warnings() []string { return d.warnings }

// BuildDAG derives the dependency graph from the given hooks. A cycle is a
// configuration error naming the participating hooks.
func BuildDAG(specs []*HookSpec) (*DAG, error) {
	writers := make(map[string][]int)
	readers := make(map[string][]int)
	for i, spec := range specs {
		for _, key := range spec.Writes {
			writers[key] = append(writers[key], i)
		}
		for _, key := range spec.Reads {
			readers[key] = append(readers[key], i)
		}
	}

	// edges[a][b] means a must run before b.
	edges := make([]map[int]struct{}, len(specs))
	indegree := make([]int, len(specs))
	for i := range edges {
		edges[i] = make(map[int]struct{})
	}
	for i, spec := range specs {
		for _, key := range spec.Reads {
			for _, w := range writers[key] {
				if w == i {
					continue
				}
				if _, ok := edges[w][i]; !ok {
					edges[w][i] = struct{}{}
					indegree[i]++
				}
			}
		}
	}

	d := &DAG{}
	for key, rs := range readers {
		if len(writers[key]) == 0 {
			d.warnings = append(d.warnings,
				fmt.Sprintf("key %q is read by %s but no hook writes it", key, hookNames(specs, rs)))
		}
	}
	for key, ws := range writers {
		if len(readers[key]) == 0 {
			d.warnings = append(d.warnings,
				fmt.Sprintf("key %q is written by %s but no hook reads it", key, hookNames(specs, ws)))
		}
	}
	sort.Strings(d.warnings)

	// Kahn peeling: each iteration's ready-set is one parallel group, taken in
	// input order so the result is deterministic.
	done := make([]bool, len(specs))
	remaining := len(specs)
	for remaining > 0 {
		var group []int
		for i := range specs {
			if !done[i] && indegree[i] == 0 {
				group = append(group, i)
			}
		}
		if len(group) == 0 {
			var cycle []string
			for i, spec := range specs {
				if !done[i] {
					cycle = append(cycle, spec.Name)
				}
			}
			return nil, fmt.Errorf("hook dependency cycle involving: %s", strings.Join(cycle, ", "))
		}
		names := make([]string, 0, len(group))
		for _, i := range group {
			done[i] = true
			remaining--
			names = append(names, specs[i].Name)
			d.order = append(d.order, specs[i])
			for succ := range edges[i] {
				indegree[succ]--
			}
		}
		d.groups = append(d.groups, names)
	}
	return d, nil
}

func hookNames(specs []*HookSpec, indexes []int) string {
	names := make([]string, 0, len(indexes))
	for _, i := range indexes {
		names = append(names, specs[i].Name)
	}
	return strings.Join(names, ", ")
}
