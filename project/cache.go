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

package project

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/creachadair/stash/blobstore"
	"github.com/creachadair/stash/kvcache"
	"go.uber.org/zap"
)

// TypeTag is the kvcache type tag for project entries.
const TypeTag = "project"

// SchemaVersion is the serialization schema of stored entries.
const SchemaVersion = 1

// A Cache persists project entries through a [kvcache.Cache], keyed by
// the normalized project path and target framework.
type Cache struct {
	kv   *kvcache.Cache
	opts *ScanOptions
	log  *zap.Logger
}

// NewCache constructs a project cache over kv, registering its value
// codec with kv.
func NewCache(kv *kvcache.Cache, opts *ScanOptions, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	kv.Register(kvcache.JSONCodec[*Entry](TypeTag, SchemaVersion))
	return &Cache{kv: kv, opts: opts, log: logger}
}

func cacheKey(projectPath, framework string) string {
	return filepath.Clean(projectPath) + "\x1f" + framework
}

// keyProject recovers the project path from a logical key.
func keyProject(logicalKey string) string {
	project, _, _ := strings.Cut(logicalKey, "\x1f")
	return project
}

// Create scans projectPath and returns a fresh entry without storing
// it. If framework is empty it is inferred from the project file.
func (c *Cache) Create(projectPath, framework string) (*Entry, error) {
	return Scan(projectPath, framework, c.opts)
}

// Store persists entry under its project path and framework, replacing
// any prior entry for that key.
func (c *Cache) Store(ctx context.Context, entry *Entry) error {
	return c.kv.Set(ctx, TypeTag, cacheKey(entry.ProjectPath, entry.TargetFramework), entry)
}

// Get returns the entry stored for (projectPath, framework) if the
// current on-disk inputs still hash to its content hash. A stale entry
// is left in place (it is replaced by the next Store) and reported as
// a miss.
func (c *Cache) Get(ctx context.Context, projectPath, framework string) (*Entry, error) {
	entry, err := c.GetCached(ctx, projectPath, framework)
	if err != nil || entry == nil {
		return nil, err
	}
	current, err := Scan(projectPath, entry.TargetFramework, c.opts)
	if err != nil {
		// The inputs are no longer readable, so the entry cannot be
		// validated against them.
		return nil, nil
	}
	if current.ContentHash != entry.ContentHash {
		c.log.Debug("Project content hash changed",
			zap.String("project", entry.ProjectPath),
			zap.String("framework", entry.TargetFramework))
		return nil, nil
	}
	return entry, nil
}

// GetCached returns the stored entry for (projectPath, framework)
// without revalidating its inputs. Callers that already hold a fresh
// change scan use this to skip the re-hash.
func (c *Cache) GetCached(ctx context.Context, projectPath, framework string) (*Entry, error) {
	entry, ok, err := kvcache.Get[*Entry](ctx, c.kv, TypeTag, cacheKey(projectPath, framework))
	if err != nil || !ok {
		return nil, err
	}
	return entry, nil
}

// Invalidate removes every stored entry for projectPath, across all
// frameworks, and returns the number removed.
func (c *Cache) Invalidate(ctx context.Context, projectPath string) (int, error) {
	want := filepath.Clean(projectPath)
	return c.kv.InvalidateMatching(ctx, func(e *blobstore.Entry) bool {
		return e.TypeTag == TypeTag && keyProject(e.LogicalKey) == want
	})
}
