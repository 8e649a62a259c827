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

package project_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/creachadair/stash/blobstore"
	"github.com/creachadair/stash/kvcache"
	"github.com/creachadair/stash/project"
	"github.com/google/go-cmp/cmp"
)

const projectFile = `<Project Sdk="Microsoft.NET.Sdk">
  <PropertyGroup>
    <TargetFramework>net8.0</TargetFramework>
  </PropertyGroup>
  <ItemGroup>
    <PackageReference Include="Newtonsoft.Json" Version="13.0.1" />
    <ProjectReference Include="../lib/lib.csproj" />
  </ItemGroup>
</Project>
`

// writeProject lays out a small project tree and returns the project
// file path.
func writeProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	dirs := []string{
		filepath.Join(root, "app"),
		filepath.Join(root, "app", "impl"),
		filepath.Join(root, "app", "bin"), // excluded from scanning
		filepath.Join(root, "lib"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			t.Fatal(err)
		}
	}
	files := map[string]string{
		"app/app.csproj":   projectFile,
		"app/Program.cs":   "class Program { static void Main() {} }",
		"app/impl/Util.cs": "class Util {}",
		"app/bin/Gen.cs":   "should never be scanned",
		"app/readme.txt":   "not a source file",
		"lib/lib.csproj":   "<Project />",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(root, filepath.FromSlash(name)), []byte(content), 0600); err != nil {
			t.Fatal(err)
		}
	}
	return filepath.Join(root, "app", "app.csproj")
}

func TestScan(t *testing.T) {
	path := writeProject(t)
	entry, err := project.Scan(path, "", nil)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if entry.TargetFramework != "net8.0" {
		t.Errorf("Framework: got %q, want net8.0", entry.TargetFramework)
	}

	var sources []string
	for _, src := range entry.SourceFiles {
		sources = append(sources, src.Path)
	}
	if diff := cmp.Diff([]string{"Program.cs", "impl/Util.cs"}, sources); diff != "" {
		t.Errorf("Source files (-want, +got):\n%s", diff)
	}

	var refs []string
	for _, ref := range entry.ReferencedAssemblies {
		refs = append(refs, ref.ID+":"+ref.Hash)
	}
	if len(refs) != 2 {
		t.Fatalf("References: got %v, want 2 entries", refs)
	}
	if entry.ReferencedAssemblies[0].ID != "../lib/lib.csproj" ||
		entry.ReferencedAssemblies[0].Hash == project.UnresolvedHash {
		t.Errorf("Project reference not resolved: %+v", entry.ReferencedAssemblies[0])
	}
	if entry.ReferencedAssemblies[1].Hash != project.UnresolvedHash {
		t.Errorf("Package reference unexpectedly resolved: %+v", entry.ReferencedAssemblies[1])
	}
}

func TestContentHashStability(t *testing.T) {
	path := writeProject(t)

	e1, err := project.Scan(path, "", nil)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	e2, err := project.Scan(path, "", nil)
	if err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if e1.ContentHash != e2.ContentHash {
		t.Errorf("Hash unstable: %q vs %q", e1.ContentHash, e2.ContentHash)
	}

	// A file outside the source set does not move the hash.
	if err := os.WriteFile(filepath.Join(filepath.Dir(path), "notes.txt"), []byte("unrelated"), 0600); err != nil {
		t.Fatal(err)
	}
	e3, err := project.Scan(path, "", nil)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if e3.ContentHash != e1.ContentHash {
		t.Error("Hash moved for a non-source change")
	}

	// Editing a source file moves the hash.
	if err := os.WriteFile(filepath.Join(filepath.Dir(path), "Program.cs"), []byte("class Program { /* edited */ }"), 0600); err != nil {
		t.Fatal(err)
	}
	e4, err := project.Scan(path, "", nil)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if e4.ContentHash == e1.ContentHash {
		t.Error("Hash did not move for a source edit")
	}
}

func newCache(t *testing.T) *project.Cache {
	t.Helper()
	s, err := blobstore.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	return project.NewCache(kvcache.New(s, nil), nil, nil)
}

func TestCacheRoundTrip(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()
	path := writeProject(t)

	entry, err := c.Create(path, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := c.Store(ctx, entry); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := c.Get(ctx, path, "net8.0")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get: entry missing")
	}
	if got.ContentHash != entry.ContentHash {
		t.Errorf("ContentHash: got %q, want %q", got.ContentHash, entry.ContentHash)
	}

	// Modifying a source file turns Get into a miss, while the stale
	// entry remains stored until the next Store.
	if err := os.WriteFile(filepath.Join(filepath.Dir(path), "Program.cs"), []byte("class Program { /* new */ }"), 0600); err != nil {
		t.Fatal(err)
	}
	if got, err := c.Get(ctx, path, "net8.0"); err != nil || got != nil {
		t.Errorf("Get after edit: got (%v, %v), want miss", got, err)
	}
	if got, err := c.GetCached(ctx, path, "net8.0"); err != nil || got == nil {
		t.Errorf("GetCached after edit: got (%v, %v), want stale entry", got, err)
	}
}

func TestInvalidate(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()
	path := writeProject(t)

	entry, err := c.Create(path, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := c.Store(ctx, entry); err != nil {
		t.Fatalf("Store: %v", err)
	}
	n, err := c.Invalidate(ctx, path)
	if err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if n != 1 {
		t.Errorf("Invalidate removed %d, want 1", n)
	}
	if got, err := c.GetCached(ctx, path, "net8.0"); err != nil || got != nil {
		t.Errorf("GetCached after invalidate: got (%v, %v), want miss", got, err)
	}
}

func TestDependencyFiles(t *testing.T) {
	path := writeProject(t)
	entry, err := project.Scan(path, "", nil)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	deps := entry.DependencyFiles()
	want := []string{
		path,
		filepath.Join(filepath.Dir(path), "Program.cs"),
		filepath.Join(filepath.Dir(path), "impl", "Util.cs"),
	}
	if diff := cmp.Diff(want, deps); diff != "" {
		t.Errorf("DependencyFiles (-want, +got):\n%s", diff)
	}
}
