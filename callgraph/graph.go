// Copyright 2025 Michael J. Fromberger. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package callgraph persists forward and reverse call graphs keyed by
// the analyzed project and the exact dependency surface used to build
// them. Entries are validated structurally when read: a stored graph
// whose forward and reverse maps are not exact transposes is discarded
// and reported as a miss.
package callgraph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/creachadair/mds/mapset"
)

// scopeMarker is the leading scope qualifier stripped when normalizing
// method identifiers.
const scopeMarker = "global::"

// NormalizeMethod returns the normalized form of a method identifier:
// the leading scope marker is trimmed and the result is case-folded.
// Two identifiers denote the same method exactly when their normalized
// forms are byte-equal.
func NormalizeMethod(id string) string {
	return strings.ToLower(strings.TrimPrefix(id, scopeMarker))
}

// A Graph maps a method identifier to the set of methods it directly
// calls, as a sorted slice. Method identifiers are stored normalized.
type Graph map[string][]string

// Normalize returns a copy of g with every identifier normalized,
// duplicate edges removed, and adjacency lists sorted.
func (g Graph) Normalize() Graph {
	out := make(Graph, len(g))
	for from, targets := range g {
		var set mapset.Set[string]
		for _, to := range targets {
			set.Add(NormalizeMethod(to))
		}
		list := set.Slice()
		sort.Strings(list)
		out[NormalizeMethod(from)] = list
	}
	return out
}

// Transpose returns the reversal of g: each edge a → b becomes b → a.
// Nodes of g with no incoming edges do not appear as keys of the
// transpose.
func (g Graph) Transpose() Graph {
	var sets = make(map[string]mapset.Set[string])
	for from, targets := range g {
		for _, to := range targets {
			set := sets[to]
			set.Add(from)
			sets[to] = set
		}
	}
	out := make(Graph, len(sets))
	for node, callers := range sets {
		list := callers.Slice()
		sort.Strings(list)
		out[node] = list
	}
	return out
}

// NumEdges reports the number of edges in g.
func (g Graph) NumEdges() int {
	var n int
	for _, targets := range g {
		n += len(targets)
	}
	return n
}

// nodes returns the set of all method identifiers appearing in g as a
// source or a target.
func (g Graph) nodes() mapset.Set[string] {
	var out mapset.Set[string]
	for from, targets := range g {
		out.Add(from)
		for _, to := range targets {
			out.Add(to)
		}
	}
	return out
}

// ErrInvalidGraph is reported by Validate for a forward/reverse pair
// that is not structurally consistent.
var ErrInvalidGraph = errors.New("invalid call graph")

// Validate checks that reverse is the exact transpose of forward and
// that every identifier referenced by an edge has a node entry in one
// of the maps. Both graphs must already be normalized.
func Validate(forward, reverse Graph) error {
	want := forward.Transpose()
	if len(want) != len(reverse) {
		return fmt.Errorf("%w: reverse has %d nodes, want %d", ErrInvalidGraph, len(reverse), len(want))
	}
	for node, callers := range want {
		got, ok := reverse[node]
		if !ok {
			return fmt.Errorf("%w: missing reverse node %q", ErrInvalidGraph, node)
		}
		if len(got) != len(callers) {
			return fmt.Errorf("%w: node %q has %d callers, want %d", ErrInvalidGraph, node, len(got), len(callers))
		}
		for i, caller := range callers {
			if got[i] != caller {
				return fmt.Errorf("%w: node %q caller %q, want %q", ErrInvalidGraph, node, got[i], caller)
			}
		}
	}
	// Every edge endpoint must resolve to a node entry somewhere.
	known := forward.nodes()
	for node, callers := range reverse {
		known.Add(node)
		known.Add(callers...)
	}
	for _, node := range known.Slice() {
		if _, ok := forward[node]; ok {
			continue
		}
		if _, ok := reverse[node]; ok {
			continue
		}
		return fmt.Errorf("%w: dangling method %q", ErrInvalidGraph, node)
	}
	return nil
}

// An Entry is one cached call-graph computation.
type Entry struct {
	ProjectPath      string            `json:"project_path"`
	CompilerVersion  string            `json:"compiler_version"`
	DependencyHashes map[string]string `json:"dependency_hashes"`
	CallGraph        Graph             `json:"call_graph"`
	ReverseCallGraph Graph             `json:"reverse_call_graph"`
	BuildTime        time.Duration     `json:"build_time_nanos"`
	CreatedAt        time.Time         `json:"created_at"`
}

// Stats summarizes the shape of a stored call graph.
type Stats struct {
	TotalMethods  int
	TotalEdges    int
	AverageFanOut float64
	MaxFanOut     int
	GraphDensity  float64
}

// Statistics computes summary statistics for the forward graph of e.
func Statistics(e *Entry) Stats {
	nodes := e.CallGraph.nodes()
	var stats Stats
	stats.TotalMethods = nodes.Len()
	stats.TotalEdges = e.CallGraph.NumEdges()
	for _, targets := range e.CallGraph {
		if len(targets) > stats.MaxFanOut {
			stats.MaxFanOut = len(targets)
		}
	}
	if stats.TotalMethods > 0 {
		stats.AverageFanOut = float64(stats.TotalEdges) / float64(stats.TotalMethods)
	}
	if stats.TotalMethods > 1 {
		stats.GraphDensity = float64(stats.TotalEdges) /
			float64(stats.TotalMethods*(stats.TotalMethods-1))
	}
	return stats
}
