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
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/creachadair/stash/callgraph"
	"github.com/creachadair/stash/project"
	"github.com/creachadair/stash/solution"
)

func TestAttachCaches(t *testing.T) {
	c := openTest(t, t.TempDir())
	ctx := context.Background()

	pc := project.NewCache(c.Cache(), nil, nil)
	cg := callgraph.NewCache(c.Cache(), "compiler-4.8", nil)
	solution.AttachCaches(c, pc, cg)

	// Lay out a minimal project.
	dir := t.TempDir()
	projPath := filepath.Join(dir, "app.csproj")
	srcPath := filepath.Join(dir, "Main.cs")
	if err := os.WriteFile(projPath, []byte("<Project><TargetFramework>net8.0</TargetFramework></Project>"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(srcPath, []byte("class Main {}"), 0600); err != nil {
		t.Fatal(err)
	}

	entry, err := pc.Create(projPath, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := pc.Store(ctx, entry); err != nil {
		t.Fatalf("Store project: %v", err)
	}
	forward := callgraph.Graph{"a": {"b"}, "b": nil}
	if err := cg.Store(ctx, projPath, map[string]string{"lib.dll": "h1"},
		forward, forward.Transpose(), time.Second); err != nil {
		t.Fatalf("Store graph: %v", err)
	}

	// Register the project file with the coordinator so changes to it
	// are scanned.
	if err := c.Set(ctx, solution.BytesTag, "proj-meta", []byte("x"), entry.DependencyFiles()); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Changing the project file fans out into both layered caches.
	time.Sleep(5 * time.Millisecond)
	if err := os.WriteFile(projPath, []byte("<Project><TargetFramework>net9.0</TargetFramework></Project>"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := c.DetectChanges(ctx); err != nil {
		t.Fatalf("DetectChanges: %v", err)
	}

	if got, err := pc.GetCached(ctx, projPath, "net8.0"); err != nil || got != nil {
		t.Errorf("Project entry survives: (%v, %v)", got, err)
	}
	if got, err := cg.Get(ctx, projPath, map[string]string{"lib.dll": "h1"}); err != nil || got != nil {
		t.Errorf("Call-graph entry survives: (%v, %v)", got, err)
	}
}
