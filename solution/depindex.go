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
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/creachadair/atomicfile"
	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/stash/fingerprint"
)

// indexVersion is the format version of the persisted dependency index
// and namespace files. Files with any other version are discarded and
// rebuilt.
const indexVersion = 1

// A signature records the last known state of one dependency file.
// Size and modification time act as a cheap filter; the full-content
// hash distinguishes a true modification from a touch.
type signature struct {
	exists bool
	size   int64
	mtime  int64 // unix nanoseconds
	hash64 uint64
}

// fileSignature computes the current signature of path. A missing file
// yields the zero signature with exists false.
func fileSignature(path string) (signature, error) {
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return signature{}, nil
	} else if err != nil {
		return signature{}, err
	}
	hash, err := contentHash64(path)
	if err != nil {
		return signature{}, err
	}
	return signature{exists: true, size: fi.Size(), mtime: fi.ModTime().UnixNano(), hash64: hash}, nil
}

// quickSignature stats path without hashing. The hash is left zero;
// callers compare it only after the cheap fields differ.
func quickSignature(path string) (signature, error) {
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return signature{}, nil
	} else if err != nil {
		return signature{}, err
	}
	return signature{exists: true, size: fi.Size(), mtime: fi.ModTime().UnixNano()}, nil
}

// contentHash64 hashes the entire content of path. Hashing the whole
// file is what makes touch detection sound: an edit anywhere in the
// file must move the hash, or a stale entry would survive its input.
func contentHash64(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return fingerprint.HashReader(f)
}

// A record tracks the dependency surface of one stored entry.
type record struct {
	fp   fingerprint.Fingerprint
	deps []string // absolute paths, sorted
	sigs map[string]signature
}

// A depIndex maps dependency files to the entries they invalidate.
// A reader-writer lock guards the maps: lookups take the read side,
// registration and change scans take the write side.
type depIndex struct {
	μ       sync.RWMutex
	entries map[fingerprint.Fingerprint]*record
	byPath  map[string]mapset.Set[fingerprint.Fingerprint]
}

func newDepIndex() *depIndex {
	return &depIndex{
		entries: make(map[fingerprint.Fingerprint]*record),
		byPath:  make(map[string]mapset.Set[fingerprint.Fingerprint]),
	}
}

// register installs or replaces the record for fp.
func (d *depIndex) register(fp fingerprint.Fingerprint, deps []string, sigs map[string]signature) {
	d.μ.Lock()
	defer d.μ.Unlock()
	d.dropLocked(fp)
	rec := &record{fp: fp, deps: deps, sigs: sigs}
	d.entries[fp] = rec
	for _, path := range deps {
		set := d.byPath[path]
		set.Add(fp)
		d.byPath[path] = set
	}
}

// drop removes the record for fp if present.
func (d *depIndex) drop(fp fingerprint.Fingerprint) {
	d.μ.Lock()
	defer d.μ.Unlock()
	d.dropLocked(fp)
}

func (d *depIndex) dropLocked(fp fingerprint.Fingerprint) {
	rec, ok := d.entries[fp]
	if !ok {
		return
	}
	delete(d.entries, fp)
	for _, path := range rec.deps {
		set := d.byPath[path]
		set.Remove(fp)
		if set.IsEmpty() {
			delete(d.byPath, path)
		} else {
			d.byPath[path] = set
		}
	}
}

// dependents returns the entries whose dependency set contains path.
func (d *depIndex) dependents(path string) []fingerprint.Fingerprint {
	d.μ.RLock()
	defer d.μ.RUnlock()
	return d.byPath[path].Slice()
}

// paths returns every registered dependency path.
func (d *depIndex) paths() []string {
	d.μ.RLock()
	defer d.μ.RUnlock()
	out := make([]string, 0, len(d.byPath))
	for path := range d.byPath {
		out = append(out, path)
	}
	return out
}

// lastKnown returns the recorded signature of path and whether any
// entry still depends on it. When several entries share the path they
// share the same recorded signature; any record's copy serves.
func (d *depIndex) lastKnown(path string) (signature, bool) {
	d.μ.RLock()
	defer d.μ.RUnlock()
	for _, fp := range d.byPath[path].Slice() {
		if rec, ok := d.entries[fp]; ok {
			sig, ok := rec.sigs[path]
			return sig, ok
		}
	}
	return signature{}, false
}

// updateSignature refreshes the recorded signature of path in every
// record depending on it. Used for touch-only changes, which must not
// re-trigger the content comparison on the next scan.
func (d *depIndex) updateSignature(path string, sig signature) {
	d.μ.Lock()
	defer d.μ.Unlock()
	for _, fp := range d.byPath[path].Slice() {
		if rec, ok := d.entries[fp]; ok {
			rec.sigs[path] = sig
		}
	}
}

// has reports whether fp has a registered record.
func (d *depIndex) has(fp fingerprint.Fingerprint) bool {
	d.μ.RLock()
	defer d.μ.RUnlock()
	_, ok := d.entries[fp]
	return ok
}

// encode renders the index as a versioned textual record.
func (d *depIndex) encode() []byte {
	d.μ.RLock()
	defer d.μ.RUnlock()

	fps := make([]string, 0, len(d.entries))
	for fp := range d.entries {
		fps = append(fps, string(fp))
	}
	// Deterministic output keeps successive flushes byte-comparable.
	sort.Strings(fps)

	var sb strings.Builder
	fmt.Fprintf(&sb, "VERSION %d\n", indexVersion)
	for _, fp := range fps {
		rec := d.entries[fingerprint.Fingerprint(fp)]
		fmt.Fprintf(&sb, "entry %s\n", fp)
		for _, path := range rec.deps {
			sig := rec.sigs[path]
			exists := 0
			if sig.exists {
				exists = 1
			}
			fmt.Fprintf(&sb, "dep %s %d %d %d %s\n",
				strconv.Quote(path), exists, sig.size, sig.mtime,
				strconv.FormatUint(sig.hash64, 16))
		}
	}
	return []byte(sb.String())
}

// decodeDepIndex parses a persisted index. Any structural defect is an
// error; callers respond by rebuilding an empty index.
func decodeDepIndex(data []byte) (*depIndex, error) {
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 0 {
		return nil, fmt.Errorf("empty index")
	}
	version, ok := strings.CutPrefix(lines[0], "VERSION ")
	if !ok {
		return nil, fmt.Errorf("missing VERSION line")
	}
	if v, err := strconv.Atoi(version); err != nil || v != indexVersion {
		return nil, fmt.Errorf("unknown index version %q", version)
	}

	d := newDepIndex()
	var cur *record
	flush := func() {
		if cur != nil {
			d.register(cur.fp, cur.deps, cur.sigs)
		}
	}
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "entry "):
			flush()
			fp, err := fingerprint.Parse(strings.TrimPrefix(line, "entry "))
			if err != nil {
				return nil, err
			}
			cur = &record{fp: fp, sigs: make(map[string]signature)}
		case strings.HasPrefix(line, "dep "):
			if cur == nil {
				return nil, fmt.Errorf("dep line before entry")
			}
			fields := strings.Fields(strings.TrimPrefix(line, "dep "))
			if len(fields) != 5 {
				return nil, fmt.Errorf("malformed dep line %q", line)
			}
			path, err := strconv.Unquote(fields[0])
			if err != nil {
				return nil, err
			}
			exists, err1 := strconv.Atoi(fields[1])
			size, err2 := strconv.ParseInt(fields[2], 10, 64)
			mtime, err3 := strconv.ParseInt(fields[3], 10, 64)
			hash, err4 := strconv.ParseUint(fields[4], 16, 64)
			for _, err := range []error{err1, err2, err3, err4} {
				if err != nil {
					return nil, err
				}
			}
			cur.deps = append(cur.deps, path)
			cur.sigs[path] = signature{exists: exists == 1, size: size, mtime: mtime, hash64: hash}
		default:
			return nil, fmt.Errorf("unknown line %q", line)
		}
	}
	flush()
	return d, nil
}

// loadDepIndex reads the index at path. A missing file yields an empty
// index; an unreadable or unparseable file yields an empty index and
// reports the defect so the caller can log the rebuild.
func loadDepIndex(path string) (*depIndex, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return newDepIndex(), nil
	} else if err != nil {
		return newDepIndex(), err
	}
	d, derr := decodeDepIndex(data)
	if derr != nil {
		return newDepIndex(), derr
	}
	return d, nil
}

// save writes the index to path atomically.
func (d *depIndex) save(path string) error {
	return atomicfile.WriteData(path, d.encode(), 0600)
}
