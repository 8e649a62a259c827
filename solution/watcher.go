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
	"path/filepath"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/msync"
	"github.com/fsnotify/fsnotify"
)

// WatchMode selects how dependency files are monitored for changes.
type WatchMode int

const (
	// WatchNative uses operating-system change notifications, falling
	// back to WatchPoll if they are unavailable.
	WatchNative WatchMode = iota

	// WatchPoll scans the registered files on a fixed interval.
	WatchPoll

	// WatchOff disables monitoring; changes are detected only by
	// explicit calls to DetectChanges.
	WatchOff
)

// eventQueueCap bounds the number of distinct dirty paths buffered
// between watcher events and the scan that consumes them. Overflow
// degrades to a full scan rather than dropping changes.
const eventQueueCap = 1024

// An eventQueue coalesces watcher events by path. Producers push paths
// as events arrive; the single consumer drains the accumulated set.
type eventQueue struct {
	μ        sync.Mutex
	dirty    mapset.Set[string]
	overflow bool

	// The consumer waits on this flag for work.
	nempty *msync.Flag[any]
}

func newEventQueue() *eventQueue {
	return &eventQueue{nempty: msync.NewFlag[any]()}
}

// push records path as dirty. Pushes beyond the buffer capacity are
// coalesced into an overflow marker.
func (q *eventQueue) push(path string) {
	q.μ.Lock()
	if q.dirty.Len() >= eventQueueCap {
		q.overflow = true
	} else {
		q.dirty.Add(path)
	}
	q.μ.Unlock()
	q.nempty.Set(nil)
}

// drain removes and returns the accumulated paths and overflow state.
func (q *eventQueue) drain() (paths []string, overflow bool) {
	q.μ.Lock()
	defer q.μ.Unlock()
	paths = q.dirty.Slice()
	overflow = q.overflow
	q.dirty = nil
	q.overflow = false
	return paths, overflow
}

// ready returns the channel the consumer waits on for new work.
func (q *eventQueue) ready() <-chan any { return q.nempty.Ready() }

// A dirWatcher adapts fsnotify to per-file interest. Watches are
// installed on parent directories, since editors commonly replace
// files by rename and a watch on the file itself would be lost.
type dirWatcher struct {
	w *fsnotify.Watcher

	μ     sync.Mutex
	dirs  map[string]int     // watched directory refcounts
	files mapset.Set[string] // registered file paths
}

func newDirWatcher() (*dirWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &dirWatcher{w: w, dirs: make(map[string]int)}, nil
}

// watchFile registers interest in path.
func (d *dirWatcher) watchFile(path string) error {
	d.μ.Lock()
	defer d.μ.Unlock()
	if d.files.Has(path) {
		return nil
	}
	dir := filepath.Dir(path)
	if d.dirs[dir] == 0 {
		if err := d.w.Add(dir); err != nil {
			return err
		}
	}
	d.dirs[dir]++
	d.files.Add(path)
	return nil
}

// interested reports whether path is a registered file.
func (d *dirWatcher) interested(path string) bool {
	d.μ.Lock()
	defer d.μ.Unlock()
	return d.files.Has(path)
}

func (d *dirWatcher) events() <-chan fsnotify.Event { return d.w.Events }
func (d *dirWatcher) errors() <-chan error          { return d.w.Errors }
func (d *dirWatcher) close() error                  { return d.w.Close() }
