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

// Package solution implements the solution-scoped front door to the
// cache stack. A [Coordinator] namespaces entries by solution, tracks
// the dependency files of each stored entry, watches the file system,
// and invalidates entries precisely when their inputs change.
package solution

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/atomicfile"
	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/stash/blobstore"
	"github.com/creachadair/stash/fingerprint"
	"github.com/creachadair/stash/kvcache"
	"github.com/creachadair/taskgroup"
	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Defaults for the polling and maintenance intervals.
const (
	DefaultPollInterval        = 5 * time.Second
	DefaultMaintenanceInterval = 5 * time.Minute
)

// debounceInterval is how long the watcher consumer waits after the
// first event of a burst before scanning, so that a save-all in an
// editor coalesces into one pass.
const debounceInterval = 50 * time.Millisecond

// ErrConfig is wrapped by errors arising from an invalid [Config].
var ErrConfig = errors.New("invalid configuration")

// Config carries the settings for a [Coordinator].
type Config struct {
	// CacheRoot is the directory holding all persisted cache state.
	// Required.
	CacheRoot string

	// SolutionPath identifies the solution this coordinator serves.
	// Required. Entries stored through this coordinator are namespaced
	// by the fingerprint of this path.
	SolutionPath string

	// MaxBytes, MaxEntryAge, and Compression configure the underlying
	// blob store; zero values take the blobstore defaults.
	MaxBytes    int64
	MaxEntryAge time.Duration
	Compression blobstore.Level

	// MemoryBytes configures the kvcache read-through layer.
	MemoryBytes int64

	// EnableBackgroundMaintenance runs a maintenance pass every
	// MaintenanceInterval (default 5 minutes).
	EnableBackgroundMaintenance bool
	MaintenanceInterval         time.Duration

	// FileWatch selects the change monitoring mode; PollInterval applies
	// to WatchPoll (default 5 seconds).
	FileWatch    WatchMode
	PollInterval time.Duration

	// Logger, if set, receives lifecycle and invalidation events.
	Logger *zap.Logger

	// Registry, if set, receives the cache's Prometheus collectors.
	Registry *prometheus.Registry
}

func (c *Config) check() error {
	if c.CacheRoot == "" {
		return fmt.Errorf("%w: cache root is required", ErrConfig)
	}
	if c.SolutionPath == "" {
		return fmt.Errorf("%w: solution path is required", ErrConfig)
	}
	if c.MaxBytes < 0 || c.MaxEntryAge < 0 || c.PollInterval < 0 || c.MaintenanceInterval < 0 {
		return fmt.Errorf("%w: negative limit", ErrConfig)
	}
	return nil
}

func (c *Config) pollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return c.PollInterval
}

func (c *Config) maintenanceInterval() time.Duration {
	if c.MaintenanceInterval <= 0 {
		return DefaultMaintenanceInterval
	}
	return c.MaintenanceInterval
}

func (c *Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// BytesTag is the type tag of the built-in codec for raw byte values.
const BytesTag = "bytes"

// A Coordinator is the solution-scoped entry point to the cache stack.
// It is safe for concurrent use by multiple goroutines.
type Coordinator struct {
	kv    *kvcache.Cache
	index *depIndex
	log   *zap.Logger

	solutionFP fingerprint.Fingerprint
	indexPath  string
	nsPath     string

	// scanMu serializes change-detection passes, so that callers of
	// DetectChanges observe a post-invalidation view.
	scanMu sync.Mutex

	nsMu sync.Mutex
	ns   mapset.Set[fingerprint.Fingerprint]

	hookMu sync.Mutex
	hooks  []ChangeHook

	queue   *eventQueue
	watcher *dirWatcher // nil unless native watching is active

	stop    context.CancelFunc
	workers *taskgroup.Group
}

// Open initializes a Coordinator from cfg: it loads or rebuilds the
// dependency index and starts the change-detection and maintenance
// workers. The caller must Close the coordinator to flush its state.
func Open(cfg Config) (*Coordinator, error) {
	if err := cfg.check(); err != nil {
		return nil, err
	}
	log := cfg.logger()

	for _, dir := range []string{
		cfg.CacheRoot,
		filepath.Join(cfg.CacheRoot, "index"),
		filepath.Join(cfg.CacheRoot, "index", "solutions"),
	} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, err
		}
	}

	store, err := blobstore.Open(filepath.Join(cfg.CacheRoot, "blobs"), &blobstore.Options{
		MaxBytes:    cfg.MaxBytes,
		MaxEntryAge: cfg.MaxEntryAge,
		Level:       cfg.Compression,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}
	kv := kvcache.New(store, &kvcache.Options{
		MemoryBytes: cfg.MemoryBytes,
		Logger:      log,
		Registry:    cfg.Registry,
	})
	kv.Register(kvcache.Codec{
		TypeTag:       BytesTag,
		SchemaVersion: 1,
		Encode: func(v any) ([]byte, error) {
			b, ok := v.([]byte)
			if !ok {
				return nil, fmt.Errorf("bytes codec: cannot encode %T", v)
			}
			return b, nil
		},
		Decode: func(data []byte) (any, error) { return data, nil },
	})

	solutionFP := fingerprint.Text("solution", filepath.Clean(cfg.SolutionPath))
	c := &Coordinator{
		kv:         kv,
		log:        log,
		solutionFP: solutionFP,
		indexPath:  filepath.Join(cfg.CacheRoot, "index", "dependencies.idx"),
		nsPath:     filepath.Join(cfg.CacheRoot, "index", "solutions", string(solutionFP)+".ns"),
		queue:      newEventQueue(),
	}

	c.index, err = loadDepIndex(c.indexPath)
	if err != nil {
		log.Warn("Rebuilding dependency index", zap.Error(err))
	}
	if err := c.loadNamespace(); err != nil {
		log.Warn("Rebuilding solution namespace", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.stop = cancel
	c.workers = taskgroup.New(nil)

	switch cfg.FileWatch {
	case WatchNative:
		w, werr := newDirWatcher()
		if werr != nil {
			log.Warn("Native watching unavailable, falling back to polling", zap.Error(werr))
			c.startPoller(ctx, cfg.pollInterval())
			break
		}
		c.watcher = w
		for _, path := range c.index.paths() {
			if err := w.watchFile(path); err != nil {
				log.Warn("Watch failed", zap.String("path", path), zap.Error(err))
			}
		}
		c.workers.Go(func() error { return c.runEventPump(ctx) })
		c.workers.Go(func() error { return c.runScanConsumer(ctx) })
	case WatchPoll:
		c.startPoller(ctx, cfg.pollInterval())
	case WatchOff:
		// Changes are detected only on demand.
	}

	if cfg.EnableBackgroundMaintenance {
		interval := cfg.maintenanceInterval()
		c.workers.Go(func() error {
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
					if _, err := c.kv.Maintain(ctx); err != nil && ctx.Err() == nil {
						log.Warn("Background maintenance failed", zap.Error(err))
					}
				}
			}
		})
	}
	return c, nil
}

func (c *Coordinator) startPoller(ctx context.Context, interval time.Duration) {
	c.workers.Go(func() error {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				if _, err := c.DetectChanges(ctx); err != nil && ctx.Err() == nil {
					c.log.Warn("Change scan failed", zap.Error(err))
				}
			}
		}
	})
}

// runEventPump moves watcher notifications into the coalescing queue.
func (c *Coordinator) runEventPump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-c.watcher.events():
			if !ok {
				return nil
			}
			if !ev.Op.Has(fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename) {
				continue
			}
			if c.watcher.interested(ev.Name) {
				c.queue.push(ev.Name)
			}
		case err, ok := <-c.watcher.errors():
			if !ok {
				return nil
			}
			c.log.Warn("Watcher error", zap.Error(err))
		}
	}
}

// runScanConsumer drains the event queue and scans the dirty paths.
func (c *Coordinator) runScanConsumer(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.queue.ready():
		}
		// Let a burst of events settle before scanning once.
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(debounceInterval):
		}
		paths, overflow := c.queue.drain()
		var err error
		if overflow {
			_, err = c.DetectChanges(ctx)
		} else if len(paths) > 0 {
			_, err = c.scanPaths(ctx, paths)
		}
		if err != nil && ctx.Err() == nil {
			c.log.Warn("Change scan failed", zap.Error(err))
		}
	}
}

// Cache returns the kvcache the coordinator wraps, for registering
// value codecs and reading statistics.
func (c *Coordinator) Cache() *kvcache.Cache { return c.kv }

// nsKey maps a caller key into the solution namespace.
func (c *Coordinator) nsKey(key string) string {
	return string(c.solutionFP) + "\x1f" + key
}

// GetOrSet returns the value stored for (typeTag, key), computing it
// with loader on a miss. The loader runs at most once across
// concurrent callers for the same key. On store, deps are recorded as
// the entry's dependency set: modification or deletion of any of them
// invalidates the entry at the next change scan.
func (c *Coordinator) GetOrSet(ctx context.Context, typeTag, key string, loader func(context.Context) (any, error), deps []string) (any, error) {
	nskey := c.nsKey(key)
	value, err := c.kv.GetOrCompute(ctx, typeTag, nskey, loader)
	if err != nil {
		return nil, err
	}
	if err := c.ensureRegistered(typeTag, nskey, deps); err != nil {
		c.log.Warn("Dependency registration failed", zap.String("key", key), zap.Error(err))
	}
	return value, nil
}

// Set stores value under (typeTag, key) with the given dependency set.
func (c *Coordinator) Set(ctx context.Context, typeTag, key string, value any, deps []string) error {
	nskey := c.nsKey(key)
	if err := c.kv.Set(ctx, typeTag, nskey, value); err != nil {
		return err
	}
	return c.ensureRegistered(typeTag, nskey, deps)
}

// Get fetches the value stored under (typeTag, key).
func (c *Coordinator) Get(ctx context.Context, typeTag, key string) (any, bool, error) {
	return c.kv.Get(ctx, typeTag, c.nsKey(key))
}

// ensureRegistered records the dependency surface of the entry
// addressed by (typeTag, nskey) if it is not already indexed, and
// registers its files with the watcher.
func (c *Coordinator) ensureRegistered(typeTag, nskey string, deps []string) error {
	fp, err := c.kv.Key(typeTag, nskey)
	if err != nil {
		return err
	}
	c.nsMu.Lock()
	c.ns.Add(fp)
	c.nsMu.Unlock()

	if c.index.has(fp) {
		return nil
	}
	clean := make([]string, 0, len(deps))
	sigs := make(map[string]signature, len(deps))
	for _, dep := range deps {
		abs, err := filepath.Abs(dep)
		if err != nil {
			return err
		}
		// A path already indexed keeps its recorded signature, so every
		// record depending on it agrees and a change not yet scanned is
		// still detected.
		sig, known := c.index.lastKnown(abs)
		if !known {
			if sig, err = fileSignature(abs); err != nil {
				return err
			}
		}
		clean = append(clean, abs)
		sigs[abs] = sig
	}
	sortStringsUnique(&clean)
	c.index.register(fp, clean, sigs)

	if c.watcher != nil {
		for _, path := range clean {
			if err := c.watcher.watchFile(path); err != nil {
				c.log.Warn("Watch failed", zap.String("path", path), zap.Error(err))
			}
		}
	}
	return c.flush()
}

// Invalidate removes the entry for (typeTag, key) and its dependency
// record, and reports whether an entry was removed.
func (c *Coordinator) Invalidate(ctx context.Context, typeTag, key string) (bool, error) {
	nskey := c.nsKey(key)
	fp, err := c.kv.Key(typeTag, nskey)
	if err != nil {
		return false, err
	}
	removed, err := c.kv.Invalidate(ctx, typeTag, nskey)
	c.forget(fp)
	if ferr := c.flush(); ferr != nil && err == nil {
		err = ferr
	}
	return removed, err
}

// InvalidateDependentsOf removes every entry whose dependency set
// contains path and returns the number removed.
func (c *Coordinator) InvalidateDependentsOf(ctx context.Context, path string) (int, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return 0, err
	}
	fps := c.index.dependents(abs)
	for _, fp := range fps {
		if _, err := c.kv.InvalidateFingerprint(ctx, fp); err != nil {
			return 0, err
		}
		c.forget(fp)
	}
	if len(fps) > 0 {
		if err := c.flush(); err != nil {
			return len(fps), err
		}
	}
	return len(fps), nil
}

// forget drops fp from the dependency index and the namespace.
func (c *Coordinator) forget(fp fingerprint.Fingerprint) {
	c.index.drop(fp)
	c.nsMu.Lock()
	c.ns.Remove(fp)
	c.nsMu.Unlock()
}

// DetectChanges scans every registered dependency file, classifies
// changes, and invalidates the affected entries before returning.
func (c *Coordinator) DetectChanges(ctx context.Context) (ChangeSet, error) {
	return c.scanPaths(ctx, c.index.paths())
}

// scanPaths runs a change-detection pass over the given paths.
// Scans are serialized; within one pass, all invalidations are applied
// before the ChangeSet is returned. The scan is cancellable between
// files.
func (c *Coordinator) scanPaths(ctx context.Context, paths []string) (ChangeSet, error) {
	c.scanMu.Lock()
	defer c.scanMu.Unlock()

	var cs ChangeSet
	var touched bool
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return cs, err
		}
		old, known := c.index.lastKnown(path)
		if !known {
			continue // no longer registered
		}
		cur, err := quickSignature(path)
		if err != nil {
			return cs, err
		}
		switch {
		case old.exists && !cur.exists:
			cs.Deleted = append(cs.Deleted, path)
		case !old.exists && cur.exists:
			cs.Added = append(cs.Added, path)
			// Additions are reported but invalidate nothing: no stored
			// entry depended on the file's content.
			full, err := fileSignature(path)
			if err != nil {
				return cs, err
			}
			c.index.updateSignature(path, full)
			touched = true
		case old.size == cur.size && old.mtime == cur.mtime:
			// Unchanged by the cheap filter.
		default:
			// The cheap fields moved; the full-content hash decides
			// between a touch and a true modification.
			hash, err := contentHash64(path)
			if err != nil {
				if os.IsNotExist(err) {
					cs.Deleted = append(cs.Deleted, path)
					break
				}
				return cs, err
			}
			cur.hash64 = hash
			if hash == old.hash64 {
				c.index.updateSignature(path, cur)
				touched = true
			} else {
				cs.Modified = append(cs.Modified, path)
			}
		}
	}

	for _, path := range append(append([]string{}, cs.Modified...), cs.Deleted...) {
		for _, fp := range c.index.dependents(path) {
			if _, err := c.kv.InvalidateFingerprint(ctx, fp); err != nil {
				return cs, err
			}
			c.forget(fp)
			cs.AffectedEntries = append(cs.AffectedEntries, fp)
			touched = true
		}
		c.runHooks(ctx, path)
	}
	cs.normalize()

	if touched {
		if err := c.flush(); err != nil {
			return cs, err
		}
	}
	if !cs.Empty() {
		c.log.Info("Change scan",
			zap.Int("added", len(cs.Added)),
			zap.Int("modified", len(cs.Modified)),
			zap.Int("deleted", len(cs.Deleted)),
			zap.Int("invalidated", len(cs.AffectedEntries)))
	}
	return cs, nil
}

// A ChangeHook observes each modified or deleted dependency path
// during a change scan, after the dependency-indexed entries for that
// path have been invalidated. Layered caches use hooks to fan
// invalidations into their own keyspaces.
type ChangeHook func(ctx context.Context, path string) error

// AddChangeHook registers h to run during every change scan.
func (c *Coordinator) AddChangeHook(h ChangeHook) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.hooks = append(c.hooks, h)
}

// runHooks invokes the registered hooks for path. Hook failures are
// logged, not propagated: a hook cannot veto a scan.
func (c *Coordinator) runHooks(ctx context.Context, path string) {
	c.hookMu.Lock()
	hooks := c.hooks
	c.hookMu.Unlock()
	for _, h := range hooks {
		if err := h(ctx, path); err != nil {
			c.log.Warn("Change hook failed", zap.String("path", path), zap.Error(err))
		}
	}
}

// flush persists the dependency index and the namespace file.
func (c *Coordinator) flush() error {
	if err := c.index.save(c.indexPath); err != nil {
		return err
	}
	return c.saveNamespace()
}

// Close stops the watcher and background workers and flushes the
// dependency index. The coordinator must not be used after Close.
func (c *Coordinator) Close(ctx context.Context) error {
	c.stop()
	var werr error
	if c.watcher != nil {
		werr = c.watcher.close()
	}
	done := make(chan error, 1)
	go func() { done <- c.workers.Wait() }()
	select {
	case err := <-done:
		return errors.Join(werr, err, c.flush())
	case <-ctx.Done():
		return errors.Join(werr, ctx.Err(), c.flush())
	}
}

// loadNamespace reads the solution's namespace file.
func (c *Coordinator) loadNamespace() error {
	data, err := os.ReadFile(c.nsPath)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	lines := splitLines(string(data))
	if len(lines) == 0 || lines[0] != fmt.Sprintf("VERSION %d", indexVersion) {
		return fmt.Errorf("unknown namespace version")
	}
	c.nsMu.Lock()
	defer c.nsMu.Unlock()
	for _, line := range lines[1:] {
		fp, err := fingerprint.Parse(line)
		if err != nil {
			return err
		}
		c.ns.Add(fp)
	}
	return nil
}

// saveNamespace writes the solution's namespace file atomically.
func (c *Coordinator) saveNamespace() error {
	c.nsMu.Lock()
	fps := make([]string, 0, c.ns.Len())
	for _, fp := range c.ns.Slice() {
		fps = append(fps, string(fp))
	}
	c.nsMu.Unlock()
	sortStringsUnique(&fps)
	out := fmt.Sprintf("VERSION %d\n", indexVersion)
	for _, fp := range fps {
		out += fp + "\n"
	}
	return atomicfile.WriteData(c.nsPath, []byte(out), 0600)
}

// splitLines returns the non-empty lines of s.
func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// sortStringsUnique sorts *ss and removes duplicates.
func sortStringsUnique(ss *[]string) {
	sort.Strings(*ss)
	*ss = slices.Compact(*ss)
}
