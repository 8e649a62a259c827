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

package callgraph_test

import (
	"context"
	"testing"
	"time"

	"github.com/creachadair/stash/blobstore"
	"github.com/creachadair/stash/callgraph"
	"github.com/creachadair/stash/kvcache"
	"github.com/google/go-cmp/cmp"
)

func newCache(t *testing.T) (*callgraph.Cache, *kvcache.Cache) {
	t.Helper()
	s, err := blobstore.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	kv := kvcache.New(s, nil)
	return callgraph.NewCache(kv, "compiler-4.8", nil), kv
}

func TestNormalizeMethod(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"global::App.Main()", "app.main()"},
		{"App.Main()", "app.main()"},
		{"APP.MAIN()", "app.main()"},
		{"lib.helper(int, string)", "lib.helper(int, string)"},
	}
	for _, tc := range tests {
		if got := callgraph.NormalizeMethod(tc.input); got != tc.want {
			t.Errorf("NormalizeMethod(%q): got %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestTranspose(t *testing.T) {
	g := callgraph.Graph{
		"a": {"b", "c"},
		"b": {"c"},
		"c": nil,
	}
	want := callgraph.Graph{
		"b": {"a"},
		"c": {"a", "b"},
	}
	if diff := cmp.Diff(want, g.Transpose()); diff != "" {
		t.Errorf("Transpose (-want, +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	forward := callgraph.Graph{"a": {"b"}, "b": nil}
	if err := callgraph.Validate(forward, forward.Transpose()); err != nil {
		t.Errorf("Valid pair rejected: %v", err)
	}
	if err := callgraph.Validate(forward, callgraph.Graph{}); err == nil {
		t.Error("Empty reverse accepted for non-empty forward")
	}
	if err := callgraph.Validate(forward, callgraph.Graph{"b": {"c"}}); err == nil {
		t.Error("Wrong caller accepted")
	}
}

func TestRoundTrip(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()

	forward := callgraph.Graph{
		"global::App.Main()": {"Lib.Helper()", "Lib.Query()"},
		"Lib.Helper()":       {"Lib.Query()"},
		"Lib.Query()":        nil,
	}
	assemblies := map[string]string{"lib.dll": "abc123", "core.dll": "def456"}
	if err := c.Store(ctx, "/proj/app.csproj", assemblies, forward, forward.Transpose(), 1500*time.Millisecond); err != nil {
		t.Fatalf("Store: %v", err)
	}

	entry, err := c.Get(ctx, "/proj/app.csproj", assemblies)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry == nil {
		t.Fatal("Get: entry missing")
	}
	if entry.BuildTime != 1500*time.Millisecond {
		t.Errorf("BuildTime: got %v, want 1.5s", entry.BuildTime)
	}

	// Identifiers come back normalized.
	if _, ok := entry.CallGraph["app.main()"]; !ok {
		t.Errorf("Normalized root missing from stored graph: %v", entry.CallGraph)
	}

	stats := callgraph.Statistics(entry)
	if stats.TotalMethods != 3 || stats.TotalEdges != 3 {
		t.Errorf("Statistics: methods=%d edges=%d, want 3/3", stats.TotalMethods, stats.TotalEdges)
	}
	if stats.MaxFanOut != 2 {
		t.Errorf("MaxFanOut: got %d, want 2", stats.MaxFanOut)
	}
}

func TestAssemblyOrderIndependence(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()

	forward := callgraph.Graph{"a": {"b"}, "b": nil}
	if err := c.Store(ctx, "/proj/app.csproj",
		map[string]string{"x.dll": "1", "y.dll": "2"},
		forward, forward.Transpose(), time.Second); err != nil {
		t.Fatalf("Store: %v", err)
	}
	// The same assemblies presented in a different map are the same key.
	entry, err := c.Get(ctx, "/proj/app.csproj", map[string]string{"y.dll": "2", "x.dll": "1"})
	if err != nil || entry == nil {
		t.Errorf("Get with reordered assemblies: (%v, %v)", entry, err)
	}
	// A changed hash is a different key.
	entry, err = c.Get(ctx, "/proj/app.csproj", map[string]string{"y.dll": "2", "x.dll": "CHANGED"})
	if err != nil || entry != nil {
		t.Errorf("Get with changed hash: (%v, %v), want miss", entry, err)
	}
}

func TestTransposeRejection(t *testing.T) {
	c, kv := newCache(t)
	ctx := context.Background()

	// A stored pair whose reverse is empty must be rejected on read,
	// deleted, and counted as an invalidation.
	assemblies := map[string]string{"lib.dll": "abc"}
	if err := c.Store(ctx, "/proj/bad.csproj", assemblies,
		callgraph.Graph{"a": {"b"}}, callgraph.Graph{}, time.Second); err != nil {
		t.Fatalf("Store: %v", err)
	}

	before, err := kv.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	entry, err := c.Get(ctx, "/proj/bad.csproj", assemblies)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry != nil {
		t.Fatal("Invalid entry returned from Get")
	}
	after, err := kv.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if after.Invalidations != before.Invalidations+1 {
		t.Errorf("Invalidations: got %d, want %d", after.Invalidations, before.Invalidations+1)
	}
	if after.Entries != 0 {
		t.Errorf("Entry survives rejection: %d entries", after.Entries)
	}
}

func TestInvalidateProject(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()

	forward := callgraph.Graph{"a": {"b"}, "b": nil}
	reverse := forward.Transpose()
	for _, assemblies := range []map[string]string{
		{"x.dll": "1"},
		{"x.dll": "2"},
		{"y.dll": "3"},
	} {
		if err := c.Store(ctx, "/proj/app.csproj", assemblies, forward, reverse, time.Second); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}
	if err := c.Store(ctx, "/proj/other.csproj", map[string]string{"x.dll": "1"}, forward, reverse, time.Second); err != nil {
		t.Fatalf("Store: %v", err)
	}

	n, err := c.Invalidate(ctx, "/proj/app.csproj")
	if err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if n != 3 {
		t.Errorf("Invalidate removed %d entries, want 3", n)
	}
	if entry, err := c.Get(ctx, "/proj/other.csproj", map[string]string{"x.dll": "1"}); err != nil || entry == nil {
		t.Errorf("Unrelated project lost: (%v, %v)", entry, err)
	}
}
