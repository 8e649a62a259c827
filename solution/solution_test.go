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

package solution_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creachadair/stash/solution"
	"github.com/creachadair/taskgroup"
	"github.com/google/go-cmp/cmp"
)

// openTest opens a coordinator with watching off, suitable for tests
// that drive DetectChanges explicitly.
func openTest(t *testing.T, root string) *solution.Coordinator {
	t.Helper()
	c, err := solution.Open(solution.Config{
		CacheRoot:    root,
		SolutionPath: "/src/app.sln",
		FileWatch:    solution.WatchOff,
	})
	if err != nil {
		t.Fatalf("Open coordinator: %v", err)
	}
	t.Cleanup(func() {
		if err := c.Close(context.Background()); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return c
}

func TestConfigErrors(t *testing.T) {
	for _, cfg := range []solution.Config{
		{},
		{CacheRoot: "x"},
		{SolutionPath: "y"},
		{CacheRoot: "x", SolutionPath: "y", MaxBytes: -1},
	} {
		if _, err := solution.Open(cfg); !errors.Is(err, solution.ErrConfig) {
			t.Errorf("Open(%+v): got %v, want ErrConfig", cfg, err)
		}
	}
}

func TestBasicRoundTrip(t *testing.T) {
	c := openTest(t, t.TempDir())
	ctx := context.Background()

	if err := c.Set(ctx, solution.BytesTag, "k1", []byte("hello"), nil); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := c.Get(ctx, solution.BytesTag, "k1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v, err=%v", ok, err)
	}
	if !bytes.Equal(got.([]byte), []byte("hello")) {
		t.Errorf("Get: got %q, want hello", got)
	}

	stats, err := c.Cache().Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Hits != 1 || stats.Misses != 0 || stats.Stores != 1 {
		t.Errorf("Stats: hit=%d miss=%d store=%d, want 1/0/1",
			stats.Hits, stats.Misses, stats.Stores)
	}
}

func TestGetOrSetCachesValue(t *testing.T) {
	c := openTest(t, t.TempDir())
	ctx := context.Background()

	var calls atomic.Int32
	loader := func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("computed"), nil
	}
	v1, err := solution.GetOrSet(ctx, c, solution.BytesTag, "k", loader, nil)
	if err != nil {
		t.Fatalf("GetOrSet: %v", err)
	}
	// The second call must not invoke any loader at all.
	v2, err := solution.GetOrSet(ctx, c, solution.BytesTag, "k", func(context.Context) ([]byte, error) {
		t.Error("Loader invoked on a warm key")
		return nil, errors.New("unreachable")
	}, nil)
	if err != nil {
		t.Fatalf("GetOrSet warm: %v", err)
	}
	if !bytes.Equal(v1, v2) || calls.Load() != 1 {
		t.Errorf("Values %q/%q, calls=%d", v1, v2, calls.Load())
	}
}

func TestDependencyInvalidation(t *testing.T) {
	c := openTest(t, t.TempDir())
	ctx := context.Background()

	dep := filepath.Join(t.TempDir(), "d1")
	if err := os.WriteFile(dep, []byte("a"), 0600); err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int32
	load := func(value string) func(context.Context) ([]byte, error) {
		return func(context.Context) ([]byte, error) {
			calls.Add(1)
			return []byte(value), nil
		}
	}

	v, err := solution.GetOrSet(ctx, c, solution.BytesTag, "k2", load("X"), []string{dep})
	if err != nil || string(v) != "X" {
		t.Fatalf("GetOrSet: (%q, %v)", v, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("Loader calls: %d, want 1", calls.Load())
	}

	// Overwrite the dependency; the scan must classify it as modified
	// and invalidate the entry.
	time.Sleep(5 * time.Millisecond) // ensure a new mtime
	if err := os.WriteFile(dep, []byte("b"), 0600); err != nil {
		t.Fatal(err)
	}
	cs, err := c.DetectChanges(ctx)
	if err != nil {
		t.Fatalf("DetectChanges: %v", err)
	}
	if diff := cmp.Diff([]string{dep}, cs.Modified); diff != "" {
		t.Errorf("Modified (-want, +got):\n%s", diff)
	}
	if len(cs.AffectedEntries) != 1 {
		t.Errorf("AffectedEntries: %d, want 1", len(cs.AffectedEntries))
	}

	v, err = solution.GetOrSet(ctx, c, solution.BytesTag, "k2", load("Y"), []string{dep})
	if err != nil || string(v) != "Y" {
		t.Fatalf("GetOrSet after change: (%q, %v)", v, err)
	}
	if calls.Load() != 2 {
		t.Errorf("Loader calls: %d, want 2", calls.Load())
	}
}

func TestTouchDoesNotInvalidate(t *testing.T) {
	c := openTest(t, t.TempDir())
	ctx := context.Background()

	dep := filepath.Join(t.TempDir(), "touched")
	if err := os.WriteFile(dep, []byte("stable content"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := solution.GetOrSet(ctx, c, solution.BytesTag, "k", func(context.Context) ([]byte, error) {
		return []byte("v"), nil
	}, []string{dep}); err != nil {
		t.Fatalf("GetOrSet: %v", err)
	}

	// Rewrite identical content: mtime moves, the content hash does not.
	time.Sleep(5 * time.Millisecond)
	if err := os.WriteFile(dep, []byte("stable content"), 0600); err != nil {
		t.Fatal(err)
	}
	cs, err := c.DetectChanges(ctx)
	if err != nil {
		t.Fatalf("DetectChanges: %v", err)
	}
	if !cs.Empty() {
		t.Errorf("Touch reported as change: %+v", cs)
	}
	if _, ok, _ := c.Get(ctx, solution.BytesTag, "k"); !ok {
		t.Error("Entry lost after touch-only change")
	}
}

func TestDeletedDependency(t *testing.T) {
	c := openTest(t, t.TempDir())
	ctx := context.Background()

	dep := filepath.Join(t.TempDir(), "doomed")
	if err := os.WriteFile(dep, []byte("content"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := solution.GetOrSet(ctx, c, solution.BytesTag, "k", func(context.Context) ([]byte, error) {
		return []byte("v"), nil
	}, []string{dep}); err != nil {
		t.Fatalf("GetOrSet: %v", err)
	}

	if err := os.Remove(dep); err != nil {
		t.Fatal(err)
	}
	cs, err := c.DetectChanges(ctx)
	if err != nil {
		t.Fatalf("DetectChanges: %v", err)
	}
	if diff := cmp.Diff([]string{dep}, cs.Deleted); diff != "" {
		t.Errorf("Deleted (-want, +got):\n%s", diff)
	}
	if _, ok, _ := c.Get(ctx, solution.BytesTag, "k"); ok {
		t.Error("Entry survives deleted dependency")
	}
}

func TestInvalidateDependentsOf(t *testing.T) {
	c := openTest(t, t.TempDir())
	ctx := context.Background()

	shared := filepath.Join(t.TempDir(), "shared.cs")
	if err := os.WriteFile(shared, []byte("class C {}"), 0600); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"a", "b", "c"} {
		if err := c.Set(ctx, solution.BytesTag, key, []byte("v-"+key), []string{shared}); err != nil {
			t.Fatalf("Set %q: %v", key, err)
		}
	}
	if err := c.Set(ctx, solution.BytesTag, "unrelated", []byte("keep"), nil); err != nil {
		t.Fatalf("Set unrelated: %v", err)
	}

	n, err := c.InvalidateDependentsOf(ctx, shared)
	if err != nil {
		t.Fatalf("InvalidateDependentsOf: %v", err)
	}
	if n != 3 {
		t.Errorf("Invalidated %d entries, want 3", n)
	}
	for _, key := range []string{"a", "b", "c"} {
		if _, ok, _ := c.Get(ctx, solution.BytesTag, key); ok {
			t.Errorf("Entry %q survives", key)
		}
	}
	if _, ok, _ := c.Get(ctx, solution.BytesTag, "unrelated"); !ok {
		t.Error("Unrelated entry lost")
	}
}

func TestSingleFlightConcurrency(t *testing.T) {
	c := openTest(t, t.TempDir())
	ctx := context.Background()

	var calls atomic.Int32
	loader := func(context.Context) ([]byte, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return []byte("Z"), nil
	}

	const numCallers = 50
	results := make([][]byte, numCallers)
	g := taskgroup.New(nil)
	for i := range numCallers {
		g.Go(func() error {
			v, err := solution.GetOrSet(ctx, c, solution.BytesTag, "k5", loader, nil)
			results[i] = v
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("GetOrSet: %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("Loader ran %d times, want 1", n)
	}
	for i, v := range results {
		if string(v) != "Z" {
			t.Errorf("Caller %d: got %q, want Z", i, v)
		}
	}
}

func TestIndexPersistence(t *testing.T) {
	root := t.TempDir()
	dep := filepath.Join(t.TempDir(), "dep")
	if err := os.WriteFile(dep, []byte("one"), 0600); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	c1, err := solution.Open(solution.Config{
		CacheRoot: root, SolutionPath: "/src/app.sln", FileWatch: solution.WatchOff,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := c1.Set(ctx, solution.BytesTag, "k", []byte("v"), []string{dep}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c1.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A new coordinator over the same root sees the entry, and its
	// reloaded dependency index still fans out invalidations.
	c2, err := solution.Open(solution.Config{
		CacheRoot: root, SolutionPath: "/src/app.sln", FileWatch: solution.WatchOff,
	})
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer c2.Close(ctx)

	if _, ok, _ := c2.Get(ctx, solution.BytesTag, "k"); !ok {
		t.Fatal("Entry lost across restart")
	}
	time.Sleep(5 * time.Millisecond)
	if err := os.WriteFile(dep, []byte("two!"), 0600); err != nil {
		t.Fatal(err)
	}
	cs, err := c2.DetectChanges(ctx)
	if err != nil {
		t.Fatalf("DetectChanges: %v", err)
	}
	if len(cs.Modified) != 1 || len(cs.AffectedEntries) != 1 {
		t.Errorf("ChangeSet after restart: %+v", cs)
	}
	if _, ok, _ := c2.Get(ctx, solution.BytesTag, "k"); ok {
		t.Error("Entry survives dependency change after restart")
	}
}

func TestOverwriteAcrossRestart(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	open := func() *solution.Coordinator {
		c, err := solution.Open(solution.Config{
			CacheRoot: root, SolutionPath: "/src/app.sln", FileWatch: solution.WatchOff,
		})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		return c
	}

	// Each instance starts with a cold memory layer, so the value read
	// by the last one must have been replaced on disk.
	c1 := open()
	if err := c1.Set(ctx, solution.BytesTag, "k", []byte("first"), nil); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c1.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	c2 := open()
	if err := c2.Set(ctx, solution.BytesTag, "k", []byte("second"), nil); err != nil {
		t.Fatalf("Overwrite: %v", err)
	}
	if err := c2.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	c3 := open()
	defer c3.Close(ctx)
	got, ok, err := c3.Get(ctx, solution.BytesTag, "k")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v, err=%v", ok, err)
	}
	if !bytes.Equal(got.([]byte), []byte("second")) {
		t.Errorf("Get after restart: got %q, want second", got)
	}
}

func TestDeepEditDetected(t *testing.T) {
	c := openTest(t, t.TempDir())
	ctx := context.Background()

	// A same-length edit far past the start of the file must still be
	// classified as a modification, so the signature hash has to cover
	// the whole content.
	body := bytes.Repeat([]byte("0123456789abcdef"), 8192) // 128 KiB
	dep := filepath.Join(t.TempDir(), "large.cs")
	if err := os.WriteFile(dep, body, 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := solution.GetOrSet(ctx, c, solution.BytesTag, "k", func(context.Context) ([]byte, error) {
		return []byte("v"), nil
	}, []string{dep}); err != nil {
		t.Fatalf("GetOrSet: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	edited := bytes.Clone(body)
	edited[len(edited)-1] = 'X'
	if err := os.WriteFile(dep, edited, 0600); err != nil {
		t.Fatal(err)
	}

	cs, err := c.DetectChanges(ctx)
	if err != nil {
		t.Fatalf("DetectChanges: %v", err)
	}
	if len(cs.Modified) != 1 {
		t.Errorf("Modified: %v, want the deep-edited file", cs.Modified)
	}
	if _, ok, _ := c.Get(ctx, solution.BytesTag, "k"); ok {
		t.Error("Entry survives a deep edit of its dependency")
	}
}

func TestCorruptIndexRebuilds(t *testing.T) {
	root := t.TempDir()
	idx := filepath.Join(root, "index", "dependencies.idx")
	if err := os.MkdirAll(filepath.Dir(idx), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(idx, []byte("VERSION 999\nnonsense\n"), 0600); err != nil {
		t.Fatal(err)
	}
	c := openTest(t, root)
	// The coordinator must come up with an empty, usable index.
	if err := c.Set(context.Background(), solution.BytesTag, "k", []byte("v"), nil); err != nil {
		t.Errorf("Set after rebuild: %v", err)
	}
}

func TestNativeWatcher(t *testing.T) {
	depDir := t.TempDir()
	dep := filepath.Join(depDir, "watched")
	if err := os.WriteFile(dep, []byte("original"), 0600); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	c, err := solution.Open(solution.Config{
		CacheRoot:    t.TempDir(),
		SolutionPath: "/src/app.sln",
		FileWatch:    solution.WatchNative,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close(ctx)

	if err := c.Set(ctx, solution.BytesTag, "k", []byte("v"), []string{dep}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := os.WriteFile(dep, []byte("changed content"), 0600); err != nil {
		t.Fatal(err)
	}

	// The watcher consumer picks the change up asynchronously.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok, _ := c.Get(ctx, solution.BytesTag, "k"); !ok {
			return // invalidated as expected
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("Watcher did not invalidate the entry")
}
