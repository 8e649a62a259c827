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

package callgraph

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/creachadair/stash/blobstore"
	"github.com/creachadair/stash/kvcache"
	"go.uber.org/zap"
)

// TypeTag is the kvcache type tag for call-graph entries.
const TypeTag = "callgraph"

// SchemaVersion is the serialization schema of stored entries.
const SchemaVersion = 1

// A Cache persists call-graph entries through a [kvcache.Cache].
// Entries are keyed by the project path, the sorted set of referenced
// assembly hashes, and the compiler version, so a change to any input
// produces a different address and the stale entry ages out.
type Cache struct {
	kv       *kvcache.Cache
	compiler string
	log      *zap.Logger
}

// NewCache constructs a call-graph cache over kv for the given
// compiler version, registering its value codec with kv. Graph
// payloads compress well and tend to be large, so the codec requests
// gzip regardless of the store's default policy.
func NewCache(kv *kvcache.Cache, compilerVersion string, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	codec := kvcache.JSONCodec[*Entry](TypeTag, SchemaVersion)
	codec.Algorithm = blobstore.AlgoGzip
	kv.Register(codec)
	return &Cache{kv: kv, compiler: compilerVersion, log: logger}
}

// key constructs the logical key for a project and dependency surface.
// Assembly identifiers are sorted, so reference order never changes
// the key.
func (c *Cache) key(projectPath string, assemblies map[string]string) string {
	ids := make([]string, 0, len(assemblies))
	for id := range assemblies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids)+2)
	parts = append(parts, filepath.Clean(projectPath), c.compiler)
	for _, id := range ids {
		parts = append(parts, id+"="+assemblies[id])
	}
	return strings.Join(parts, "\x1f")
}

// keyProject recovers the project path from a logical key.
func keyProject(logicalKey string) string {
	project, _, _ := strings.Cut(logicalKey, "\x1f")
	return project
}

// Store persists a call-graph computation. The graphs are normalized
// before storage but not validated; validation happens on read, so a
// structurally inconsistent pair is discarded at its first use.
func (c *Cache) Store(ctx context.Context, projectPath string, assemblies map[string]string, forward, reverse Graph, buildTime time.Duration) error {
	entry := &Entry{
		ProjectPath:      filepath.Clean(projectPath),
		CompilerVersion:  c.compiler,
		DependencyHashes: assemblies,
		CallGraph:        forward.Normalize(),
		ReverseCallGraph: reverse.Normalize(),
		BuildTime:        buildTime,
		CreatedAt:        time.Now().UTC(),
	}
	return c.kv.Set(ctx, TypeTag, c.key(projectPath, assemblies), entry)
}

// Get returns the entry stored for (projectPath, assemblies), or nil
// if there is none. An entry that fails structural validation is
// deleted and reported as a miss.
func (c *Cache) Get(ctx context.Context, projectPath string, assemblies map[string]string) (*Entry, error) {
	key := c.key(projectPath, assemblies)
	entry, ok, err := kvcache.Get[*Entry](ctx, c.kv, TypeTag, key)
	if err != nil || !ok {
		return nil, err
	}
	if verr := Validate(entry.CallGraph, entry.ReverseCallGraph); verr != nil {
		if _, err := c.kv.Invalidate(ctx, TypeTag, key); err != nil {
			return nil, err
		}
		c.log.Warn("Discarded structurally invalid call graph",
			zap.String("project", entry.ProjectPath), zap.Error(verr))
		return nil, nil
	}
	return entry, nil
}

// Invalidate removes every stored entry for projectPath, regardless of
// its assembly set, and returns the number removed.
func (c *Cache) Invalidate(ctx context.Context, projectPath string) (int, error) {
	want := filepath.Clean(projectPath)
	return c.kv.InvalidateMatching(ctx, func(e *blobstore.Entry) bool {
		return e.TypeTag == TypeTag && keyProject(e.LogicalKey) == want
	})
}

// InvalidateByAssembly removes every stored entry whose dependency set
// names the given assembly identifier, and returns the number removed.
func (c *Cache) InvalidateByAssembly(ctx context.Context, assemblyID string) (int, error) {
	marker := "\x1f" + assemblyID + "="
	return c.kv.InvalidateMatching(ctx, func(e *blobstore.Entry) bool {
		return e.TypeTag == TypeTag && strings.Contains(e.LogicalKey, marker)
	})
}
