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

// Package project caches compiled metadata about a project: its source
// file set, referenced assemblies, and target framework. An entry is
// fully determined by its content hash; two entries with equal hashes
// are interchangeable, and the hash is the sole invalidation signal.
package project

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/creachadair/stash/fingerprint"
)

// UnresolvedHash is recorded for a referenced assembly whose content
// could not be located and hashed.
const UnresolvedHash = "unresolved"

// UnknownFramework is recorded when no target framework is declared in
// the project file and none was supplied by the caller.
const UnknownFramework = "unknown"

// A SourceFile is one source file of a project, identified by its
// slash-separated path relative to the project directory.
type SourceFile struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
}

// An AssemblyRef is one assembly referenced by a project.
type AssemblyRef struct {
	ID   string `json:"id"`
	Hash string `json:"hash"` // UnresolvedHash when not resolvable
}

// An Entry is the cached metadata for one project and framework.
type Entry struct {
	ProjectPath          string                  `json:"project_path"`
	TargetFramework      string                  `json:"target_framework"`
	SourceFiles          []SourceFile            `json:"source_files"`
	ReferencedAssemblies []AssemblyRef           `json:"referenced_assemblies"`
	ContentHash          fingerprint.Fingerprint `json:"content_hash"`
	CreatedAt            time.Time               `json:"created_at"`
}

// DependencyFiles returns the absolute paths whose modification should
// invalidate e: the project file and every enumerated source file.
func (e *Entry) DependencyFiles() []string {
	root := filepath.Dir(e.ProjectPath)
	out := make([]string, 0, len(e.SourceFiles)+1)
	out = append(out, e.ProjectPath)
	for _, src := range e.SourceFiles {
		out = append(out, filepath.Join(root, filepath.FromSlash(src.Path)))
	}
	return out
}

// ScanOptions control project scanning. A nil *ScanOptions uses the
// defaults described on the fields.
type ScanOptions struct {
	// SourceExtensions are the filename extensions (with dot) counted as
	// source files. Default: .cs only.
	SourceExtensions []string
}

func (o *ScanOptions) extensions() []string {
	if o == nil || len(o.SourceExtensions) == 0 {
		return []string{".cs"}
	}
	return o.SourceExtensions
}

// Directories excluded from source enumeration. Build outputs churn
// constantly and never feed the analyzers.
var skipDirs = map[string]bool{"bin": true, "obj": true, ".git": true, ".vs": true}

var (
	frameworkRE = regexp.MustCompile(`<TargetFrameworks?>([^<;]+)`)
	referenceRE = regexp.MustCompile(`<(Reference|ProjectReference|PackageReference)\s+Include="([^"]+)"`)
)

// Scan reads the project file at projectPath and builds an Entry for
// it. If framework is empty, the target framework is inferred from the
// project file, falling back to UnknownFramework.
func Scan(projectPath, framework string, opts *ScanOptions) (*Entry, error) {
	clean := filepath.Clean(projectPath)
	projData, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("project file: %w", err)
	}
	if framework == "" {
		framework = inferFramework(projData)
	}
	root := filepath.Dir(clean)

	sources, err := scanSources(root, opts.extensions())
	if err != nil {
		return nil, err
	}
	refs := scanReferences(root, projData)

	entry := &Entry{
		ProjectPath:          clean,
		TargetFramework:      framework,
		SourceFiles:          sources,
		ReferencedAssemblies: refs,
		CreatedAt:            time.Now().UTC(),
	}
	entry.ContentHash = contentHash(entry)
	return entry, nil
}

// inferFramework returns the first declared target framework in a
// project file, or UnknownFramework.
func inferFramework(projData []byte) string {
	if m := frameworkRE.FindSubmatch(projData); m != nil {
		if fw := strings.TrimSpace(string(m[1])); fw != "" {
			return fw
		}
	}
	return UnknownFramework
}

// scanSources enumerates source files under root, ordered by relative
// path.
func scanSources(root string, exts []string) ([]SourceFile, error) {
	var out []SourceFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		ext := filepath.Ext(d.Name())
		var match bool
		for _, want := range exts {
			if strings.EqualFold(ext, want) {
				match = true
				break
			}
		}
		if !match {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, SourceFile{
			Path: filepath.ToSlash(rel),
			Hash: string(fingerprint.New("source", data)),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// scanReferences extracts assembly references from the project file,
// ordered by identifier. Reference and ProjectReference entries whose
// target file exists relative to root are hashed; package references
// and anything else are recorded unresolved.
func scanReferences(root string, projData []byte) []AssemblyRef {
	seen := make(map[string]bool)
	var out []AssemblyRef
	for _, m := range referenceRE.FindAllSubmatch(projData, -1) {
		kind, id := string(m[1]), string(m[2])
		if seen[id] {
			continue
		}
		seen[id] = true
		hash := UnresolvedHash
		if kind == "ProjectReference" || kind == "Reference" {
			target := filepath.Join(root, filepath.FromSlash(strings.ReplaceAll(id, `\`, "/")))
			if data, err := os.ReadFile(target); err == nil {
				hash = string(fingerprint.New("assembly", data))
			}
		}
		out = append(out, AssemblyRef{ID: id, Hash: hash})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// contentHash computes the deterministic hash over the entry's target
// framework, sorted source hashes, and sorted reference hashes. It is
// stable across machines given equal inputs.
func contentHash(e *Entry) fingerprint.Fingerprint {
	parts := make([]string, 0, 1+len(e.SourceFiles)+len(e.ReferencedAssemblies))
	parts = append(parts, e.TargetFramework)
	for _, src := range e.SourceFiles {
		parts = append(parts, src.Path+"\x1f"+src.Hash)
	}
	for _, ref := range e.ReferencedAssemblies {
		parts = append(parts, ref.ID+"\x1f"+ref.Hash)
	}
	return fingerprint.Text("project-content", parts...)
}
