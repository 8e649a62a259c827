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

// Package kvcache implements a typed key-value cache over a
// [blobstore.Store]. Values are serialized through a per-type codec
// registered by the producer, compressed by the blob store, and
// addressed by a fingerprint derived from the type tag, the codec
// schema version, and the logical key.
//
// Concurrent loads for the same key are single-flighted: only one
// loader runs, and every concurrent caller receives its result.
package kvcache

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/creachadair/mds/cache"
	"github.com/creachadair/msync/throttle"
	"github.com/creachadair/stash/blobstore"
	"github.com/creachadair/stash/fingerprint"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// DefaultMemoryBytes is the default capacity of the in-memory
// read-through layer.
const DefaultMemoryBytes = 8 << 20

// Options are settings for a [Cache]. A nil *Options provides defaults.
type Options struct {
	// MemoryBytes bounds the in-memory read-through layer. If zero,
	// DefaultMemoryBytes is used; if negative, the layer is disabled.
	MemoryBytes int64

	// Logger, if set, receives recovery and invalidation events.
	Logger *zap.Logger

	// Registry, if set, receives the cache's Prometheus collectors.
	Registry *prometheus.Registry
}

func (o *Options) memoryBytes() int64 {
	if o == nil || o.MemoryBytes == 0 {
		return DefaultMemoryBytes
	}
	return o.MemoryBytes
}

func (o *Options) logger() *zap.Logger {
	if o == nil || o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func (o *Options) registry() *prometheus.Registry {
	if o == nil {
		return nil
	}
	return o.Registry
}

// A Cache is a typed key-value layer over a blob store. It is safe for
// concurrent use by multiple goroutines.
type Cache struct {
	store   *blobstore.Store
	log     *zap.Logger
	metrics metricsSink

	mem *cache.Cache[string, []byte] // decompressed payloads, or nil

	flights throttle.Set[string, any]

	codecMu sync.RWMutex
	codecs  map[string]Codec

	hits          atomic.Int64
	misses        atomic.Int64
	stores        atomic.Int64
	invalidations atomic.Int64
	loadFailures  atomic.Int64
	storeFailures atomic.Int64
}

// New constructs a Cache over store.
func New(store *blobstore.Store, opts *Options) *Cache {
	c := &Cache{
		store:   store,
		log:     opts.logger(),
		metrics: newMetricsSink(opts.registry()),
		codecs:  make(map[string]Codec),
	}
	if n := opts.memoryBytes(); n > 0 {
		c.mem = cache.New(cache.LRU[string, []byte]().WithLimit(n).WithSize(cache.Length))
	}
	return c
}

// Store returns the underlying blob store.
func (c *Cache) Store() *blobstore.Store { return c.store }

// Register installs a codec for its type tag. Registering a tag twice
// replaces the previous codec; producers bump the schema version when
// the encoding changes, which transparently ages out old entries.
func (c *Cache) Register(codec Codec) {
	c.codecMu.Lock()
	defer c.codecMu.Unlock()
	c.codecs[codec.TypeTag] = codec
}

// codec returns the registered codec for tag.
func (c *Cache) codec(tag string) (Codec, bool) {
	c.codecMu.RLock()
	defer c.codecMu.RUnlock()
	codec, ok := c.codecs[tag]
	return codec, ok
}

// Key returns the blob fingerprint addressing (typeTag, key) under the
// codec currently registered for typeTag.
func (c *Cache) Key(typeTag, key string) (fingerprint.Fingerprint, error) {
	codec, ok := c.codec(typeTag)
	if !ok {
		return "", &UnknownTypeError{TypeTag: typeTag}
	}
	return keyFingerprint(codec, key), nil
}

func keyFingerprint(codec Codec, key string) fingerprint.Fingerprint {
	return fingerprint.Text("kv", codec.TypeTag, strconv.Itoa(codec.SchemaVersion), key)
}

// Get fetches and decodes the value stored for (typeTag, key). The
// second result reports whether a value was found. Corrupt or
// schema-stale entries are removed and reported as absent.
func (c *Cache) Get(ctx context.Context, typeTag, key string) (any, bool, error) {
	codec, ok := c.codec(typeTag)
	if !ok {
		return nil, false, &UnknownTypeError{TypeTag: typeTag}
	}
	data, ok, err := c.getBytes(ctx, codec, key)
	if err != nil || !ok {
		return nil, false, err
	}
	value, err := codec.Decode(data)
	if err != nil {
		// The payload round-tripped storage but does not decode: discard
		// it so the next load recomputes.
		fp := keyFingerprint(codec, key)
		c.store.Remove(ctx, fp)
		c.dropMemory(fp)
		c.invalidations.Add(1)
		c.metrics.invalidation()
		c.log.Warn("Discarded undecodable cache value",
			zap.String("typeTag", typeTag), zap.String("key", key), zap.Error(err))
		return nil, false, nil
	}
	return value, true, nil
}

// getBytes returns the decompressed payload for (codec, key), checking
// the memory layer first.
func (c *Cache) getBytes(ctx context.Context, codec Codec, key string) ([]byte, bool, error) {
	fp := keyFingerprint(codec, key)
	if c.mem != nil {
		if data, ok := c.mem.Get(string(fp)); ok {
			c.hit()
			return data, true, nil
		}
	}
	data, entry, err := c.store.Get(ctx, fp)
	switch {
	case blobstore.IsNotFound(err), blobstore.IsCorrupt(err):
		c.miss()
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}
	// The fingerprint embeds tag and schema version, but verify the
	// recorded metadata anyway in case of an address collision with a
	// foreign writer.
	if entry.TypeTag != codec.TypeTag || entry.SchemaVersion != codec.SchemaVersion {
		c.store.Remove(ctx, fp)
		c.invalidations.Add(1)
		c.metrics.invalidation()
		c.miss()
		return nil, false, nil
	}
	if c.mem != nil {
		c.mem.Put(string(fp), data)
	}
	c.hit()
	return data, true, nil
}

// Set encodes and stores value under (typeTag, key), replacing any
// existing value for that key.
func (c *Cache) Set(ctx context.Context, typeTag, key string, value any) error {
	codec, ok := c.codec(typeTag)
	if !ok {
		return &UnknownTypeError{TypeTag: typeTag}
	}
	data, err := codec.Encode(value)
	if err != nil {
		c.storeFailures.Add(1)
		return err
	}
	fp := keyFingerprint(codec, key)
	if _, err := c.store.Put(ctx, blobstore.PutOptions{
		Fingerprint:   fp,
		Data:          data,
		TypeTag:       codec.TypeTag,
		LogicalKey:    key,
		SchemaVersion: codec.SchemaVersion,
		Algorithm:     codec.Algorithm,
	}); err != nil {
		c.storeFailures.Add(1)
		return err
	}
	if c.mem != nil {
		c.mem.Put(string(fp), data)
	}
	c.stores.Add(1)
	c.metrics.store()
	return nil
}

// GetOrCompute returns the value stored for (typeTag, key), computing
// and storing it with loader on a miss. Concurrent calls for the same
// key share one loader execution; a loader failure propagates to every
// waiter and leaves no entry. If the computed value cannot be stored,
// the value is still returned and the failure is recorded in
// statistics.
func (c *Cache) GetOrCompute(ctx context.Context, typeTag, key string, loader func(context.Context) (any, error)) (any, error) {
	codec, ok := c.codec(typeTag)
	if !ok {
		return nil, &UnknownTypeError{TypeTag: typeTag}
	}
	fp := keyFingerprint(codec, key)
	return c.flights.Call(ctx, string(fp), func(ctx context.Context) (any, error) {
		if value, ok, err := c.Get(ctx, typeTag, key); err != nil {
			return nil, err
		} else if ok {
			return value, nil
		}
		value, err := loader(ctx)
		if err != nil {
			c.loadFailures.Add(1)
			return nil, err
		}
		// A loader that finished after the context ended does not count:
		// waiters get the context error and nothing is stored.
		if err := ctx.Err(); err != nil {
			c.loadFailures.Add(1)
			return nil, err
		}
		// Keep the freshly computed entry out of eviction until the
		// store completes.
		c.store.Pin(fp)
		defer c.store.Unpin(fp)
		if err := c.Set(ctx, typeTag, key, value); err != nil {
			c.log.Warn("Computed value could not be stored",
				zap.String("typeTag", typeTag), zap.String("key", key), zap.Error(err))
		}
		return value, nil
	})
}

// Invalidate removes the entry for (typeTag, key) and reports whether
// one was present.
func (c *Cache) Invalidate(ctx context.Context, typeTag, key string) (bool, error) {
	codec, ok := c.codec(typeTag)
	if !ok {
		return false, &UnknownTypeError{TypeTag: typeTag}
	}
	fp := keyFingerprint(codec, key)
	c.dropMemory(fp)
	removed, err := c.store.Remove(ctx, fp)
	if removed {
		c.invalidations.Add(1)
		c.metrics.invalidation()
	}
	return removed, err
}

// InvalidateFingerprint removes the entry addressed by fp directly.
func (c *Cache) InvalidateFingerprint(ctx context.Context, fp fingerprint.Fingerprint) (bool, error) {
	c.dropMemory(fp)
	removed, err := c.store.Remove(ctx, fp)
	if removed {
		c.invalidations.Add(1)
		c.metrics.invalidation()
	}
	return removed, err
}

// InvalidateMatching removes every entry whose metadata satisfies
// match, and returns the number removed.
func (c *Cache) InvalidateMatching(ctx context.Context, match func(*blobstore.Entry) bool) (int, error) {
	var victims []fingerprint.Fingerprint
	for entry, err := range c.store.List(ctx) {
		if err != nil {
			return 0, err
		}
		if match(entry) {
			victims = append(victims, entry.Fingerprint)
		}
	}
	for _, fp := range victims {
		c.dropMemory(fp)
		if _, err := c.store.Remove(ctx, fp); err != nil {
			return 0, err
		}
		c.invalidations.Add(1)
		c.metrics.invalidation()
	}
	return len(victims), nil
}

func (c *Cache) dropMemory(fp fingerprint.Fingerprint) {
	if c.mem != nil {
		c.mem.Remove(string(fp))
	}
}

// Maintain removes entries whose type tag is registered with a
// different schema version, then runs a blob store maintenance pass.
func (c *Cache) Maintain(ctx context.Context) (blobstore.Report, error) {
	stale, err := c.InvalidateMatching(ctx, func(e *blobstore.Entry) bool {
		codec, ok := c.codec(e.TypeTag)
		return ok && codec.SchemaVersion != e.SchemaVersion
	})
	if err != nil {
		return blobstore.Report{}, err
	}
	if stale > 0 {
		c.log.Info("Aged out schema-stale entries", zap.Int("count", stale))
	}
	return c.store.Maintain(ctx)
}

func (c *Cache) hit()  { c.hits.Add(1); c.metrics.hit() }
func (c *Cache) miss() { c.misses.Add(1); c.metrics.miss() }

// Stats is a point-in-time snapshot of cache counters. Counters are
// monotonic within a process lifetime and are not persisted.
type Stats struct {
	Hits          int64
	Misses        int64
	Stores        int64
	Invalidations int64
	LoadFailures  int64
	StoreFailures int64

	Entries           int64
	CompressedBytes   int64
	UncompressedBytes int64

	// CompressionRatio is compressed over uncompressed bytes, a fraction
	// in [0, 1] (1 when nothing is stored).
	CompressionRatio float64
}

// Stats returns a snapshot of the cache counters and sizes.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	n, err := c.store.Len(ctx)
	if err != nil {
		return Stats{}, err
	}
	compressed, uncompressed := c.store.TotalSize()
	ratio := 1.0
	if uncompressed > 0 {
		ratio = float64(compressed) / float64(uncompressed)
	}
	c.metrics.setCompressedBytes(compressed)
	return Stats{
		Hits:              c.hits.Load(),
		Misses:            c.misses.Load(),
		Stores:            c.stores.Load(),
		Invalidations:     c.invalidations.Load(),
		LoadFailures:      c.loadFailures.Load(),
		StoreFailures:     c.storeFailures.Load(),
		Entries:           n,
		CompressedBytes:   compressed,
		UncompressedBytes: uncompressed,
		CompressionRatio:  ratio,
	}, nil
}
