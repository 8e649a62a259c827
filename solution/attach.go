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

package solution

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/creachadair/stash/callgraph"
	"github.com/creachadair/stash/project"
)

// projectFileExts are the filename extensions treated as project files
// for invalidation fan-out.
var projectFileExts = map[string]bool{
	".csproj": true, ".vbproj": true, ".fsproj": true, ".proj": true,
}

// assemblyExts are the filename extensions treated as assemblies.
var assemblyExts = map[string]bool{".dll": true, ".exe": true}

// AttachCaches wires the project and call-graph caches into the
// coordinator's change scans: when a project file changes, both caches
// drop their entries for that project; when an assembly changes, the
// call-graph cache drops every entry built against it. Either cache
// may be nil.
func AttachCaches(c *Coordinator, pc *project.Cache, cg *callgraph.Cache) {
	c.AddChangeHook(func(ctx context.Context, path string) error {
		ext := strings.ToLower(filepath.Ext(path))
		switch {
		case projectFileExts[ext]:
			if pc != nil {
				if _, err := pc.Invalidate(ctx, path); err != nil {
					return err
				}
			}
			if cg != nil {
				if _, err := cg.Invalidate(ctx, path); err != nil {
					return err
				}
			}
		case assemblyExts[ext]:
			if cg != nil {
				if _, err := cg.InvalidateByAssembly(ctx, filepath.Base(path)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
