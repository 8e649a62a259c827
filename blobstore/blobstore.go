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

// Package blobstore implements persistent storage of opaque compressed
// byte payloads addressed by fingerprint. The store comprises a root
// directory with subdirectories keyed by a prefix of the fingerprint,
// similar to a Git local object store. Each entry is a payload file
// paired with a textual metadata sidecar.
//
// Payload and sidecar writes are atomic (write to a temporary file,
// then rename into place), so a reader sees either the old file or the
// new file, never torn bytes. An entry whose payload or metadata fails
// integrity on read is removed, and subsequent reads report the entry
// as not found.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/atomicfile"
	"github.com/creachadair/stash/fingerprint"
	"go.uber.org/zap"
)

// Filename extensions for the two files comprising an entry.
const (
	payloadExt  = ".bin"
	metadataExt = ".meta"
)

// Default resource limits, used when the corresponding Options fields
// are zero.
const (
	DefaultMaxBytes         = 100 << 20 // 100 MiB
	DefaultMaxEntryAge      = 30 * 24 * time.Hour
	DefaultMinCompressBytes = 256
)

// Options are settings for a [Store]. A nil *Options is ready for use
// and provides default values as described.
type Options struct {
	// MaxBytes is the compressed-size budget. Maintenance enforces it by
	// LRU eviction; Put rejects a payload larger than the whole budget but
	// does not evict on write. If zero, DefaultMaxBytes is used.
	MaxBytes int64

	// MaxEntryAge is the age beyond which entries are reaped during
	// maintenance. If zero, DefaultMaxEntryAge is used.
	MaxEntryAge time.Duration

	// Level selects the compression policy for new payloads.
	Level Level

	// MinCompressBytes is the payload size below which compression is not
	// attempted. If zero, DefaultMinCompressBytes is used.
	MinCompressBytes int

	// Logger, if set, receives maintenance and recovery events.
	// Nothing is logged on the read or write hot path.
	Logger *zap.Logger
}

func (o *Options) maxBytes() int64 {
	if o == nil || o.MaxBytes <= 0 {
		return DefaultMaxBytes
	}
	return o.MaxBytes
}

func (o *Options) maxEntryAge() time.Duration {
	if o == nil || o.MaxEntryAge <= 0 {
		return DefaultMaxEntryAge
	}
	return o.MaxEntryAge
}

func (o *Options) level() Level {
	if o == nil {
		return CompressDefault
	}
	return o.Level
}

func (o *Options) minCompressBytes() int {
	if o == nil || o.MinCompressBytes <= 0 {
		return DefaultMinCompressBytes
	}
	return o.MinCompressBytes
}

func (o *Options) logger() *zap.Logger {
	if o == nil || o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// A Store is a persistent fingerprint-addressed blob store. It is safe
// for concurrent use by multiple goroutines. Writes within the same
// shard are serialized by a per-shard lock; reads do not take locks
// and rely on the rename-into-place protocol.
type Store struct {
	dir      string
	maxBytes int64
	maxAge   time.Duration
	level    Level
	minComp  int
	log      *zap.Logger

	shards [numShards]sync.Mutex

	sizeMu       sync.Mutex
	compressed   int64
	uncompressed int64

	pinMu sync.Mutex
	pins  map[fingerprint.Fingerprint]int
}

const numShards = 256

// Open creates a Store rooted at dir, creating the directory if needed,
// and loads the size accounting from the entries already on disk.
func Open(dir string, opts *Options) (*Store, error) {
	clean := filepath.Clean(dir)
	if err := os.MkdirAll(clean, 0700); err != nil {
		return nil, err
	}
	s := &Store{
		dir:      clean,
		maxBytes: opts.maxBytes(),
		maxAge:   opts.maxEntryAge(),
		level:    opts.level(),
		minComp:  opts.minCompressBytes(),
		log:      opts.logger(),
		pins:     make(map[fingerprint.Fingerprint]int),
	}
	if err := s.reloadSizes(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir reports the root directory of s.
func (s *Store) Dir() string { return s.dir }

func (s *Store) payloadPath(fp fingerprint.Fingerprint) string {
	return filepath.Join(s.dir, fp.Shard(), string(fp)+payloadExt)
}

func (s *Store) metadataPath(fp fingerprint.Fingerprint) string {
	return filepath.Join(s.dir, fp.Shard(), string(fp)+metadataExt)
}

// shardLock returns the lock serializing writes to the shard of fp.
func (s *Store) shardLock(fp fingerprint.Fingerprint) *sync.Mutex {
	n, _ := strconv.ParseUint(fp.Shard(), 16, 8)
	return &s.shards[n]
}

// PutOptions are the arguments to the Put method of a [Store].
type PutOptions struct {
	Fingerprint fingerprint.Fingerprint
	Data        []byte // the uncompressed payload

	// TypeTag is an opaque producer-supplied tag recorded in metadata and
	// used by readers to route deserialization.
	TypeTag string

	// LogicalKey is the user-supplied key recorded in metadata. It is
	// informational at this layer; the fingerprint is the address.
	LogicalKey string

	// SchemaVersion is recorded in metadata for readers to check.
	SchemaVersion int

	// Algorithm, if not AlgoUnknown, overrides the store's compression
	// policy for this payload.
	Algorithm Compression

	// Extras are additional producer-specific metadata pairs.
	Extras map[string]string
}

// Put writes a payload under opts.Fingerprint, replacing any existing
// payload whose bytes differ. Writing a byte-identical payload under
// an existing fingerprint refreshes its access metadata without
// rewriting the payload, so repeated stores of the same value keep one
// payload and do not grow the store. Put reports [ErrQuotaExceeded]
// when the payload alone exceeds the size budget.
func (s *Store) Put(ctx context.Context, opts PutOptions) (*Entry, error) {
	if !opts.Fingerprint.Valid() {
		return nil, fmt.Errorf("put: %w: %q", fingerprint.ErrInvalid, opts.Fingerprint)
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}
	fp := opts.Fingerprint

	blob, algo, err := encodePayload(opts.Data, s.pickAlgorithm(opts))
	if err != nil {
		return nil, fmt.Errorf("put %s: %w", fp, err)
	}

	μ := s.shardLock(fp)
	μ.Lock()
	defer μ.Unlock()

	if old, err := readMetadataFile(s.metadataPath(fp)); err == nil {
		if _, serr := os.Stat(s.payloadPath(fp)); serr == nil && old.samePayload(blob) {
			// Identical bytes already stored: refresh, don't rewrite.
			now := time.Now().UTC()
			old.LastAccessedAt = now
			old.AccessCount++
			if err := s.writeMetadata(old); err != nil {
				return nil, err
			}
			return old, nil
		}
		// The stored value differs (or the payload is missing): clear it
		// so the rewrite below replaces it and the size tally stays
		// consistent.
		s.removeLocked(fp)
	}

	now := time.Now().UTC()
	entry := &Entry{
		Fingerprint:      fp,
		LogicalKey:       opts.LogicalKey,
		TypeTag:          opts.TypeTag,
		SchemaVersion:    opts.SchemaVersion,
		CreatedAt:        now,
		LastAccessedAt:   now,
		UncompressedSize: int64(len(opts.Data)),
		CompressedSize:   int64(len(blob)),
		AccessCount:      0,
		Algorithm:        algo,
		Extras:           opts.Extras,
	}
	entry.setChecksum(blob)

	if err := os.MkdirAll(filepath.Dir(s.payloadPath(fp)), 0700); err != nil {
		return nil, err
	}
	// Payload lands before metadata: a crash between the two leaves an
	// orphan payload that maintenance reaps.
	if err := atomicfile.WriteData(s.payloadPath(fp), blob, 0600); err != nil {
		return nil, err
	}
	if err := s.writeMetadata(entry); err != nil {
		os.Remove(s.payloadPath(fp))
		return nil, err
	}
	s.addSizes(entry.CompressedSize, entry.UncompressedSize)

	// A payload that exceeds the whole budget can never fit, even with
	// every other entry evicted. Anything smaller is allowed to land;
	// maintenance restores the budget by LRU eviction.
	if entry.CompressedSize > s.maxBytes {
		s.removeLocked(fp)
		return nil, QuotaExceeded(fp)
	}
	return entry, nil
}

// pickAlgorithm applies the store's compression policy to opts.
func (s *Store) pickAlgorithm(opts PutOptions) compressRequest {
	if opts.Algorithm != AlgoUnknown {
		return compressRequest{algo: opts.Algorithm, level: s.level}
	}
	if len(opts.Data) < s.minComp || s.level == CompressOff {
		return compressRequest{algo: AlgoNone}
	}
	return compressRequest{algo: AlgoDeflate, level: s.level}
}

// Get returns the decompressed payload and metadata for fp. If the
// entry is absent it reports [ErrNotFound]. If the payload or metadata
// fails integrity, the pair is removed and Get reports [ErrCorrupt];
// subsequent calls report [ErrNotFound].
func (s *Store) Get(ctx context.Context, fp fingerprint.Fingerprint) ([]byte, *Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	mdata, err := os.ReadFile(s.metadataPath(fp))
	if errors.Is(err, fs.ErrNotExist) {
		// A payload without metadata is an orphan; treat as absent.
		return nil, nil, NotFound(fp)
	} else if err != nil {
		// A read failure is not corruption; nothing is removed.
		return nil, nil, fmt.Errorf("get %s: %w", fp, err)
	}
	entry, err := parseMetadata(mdata)
	if err != nil {
		s.heal(fp, err)
		return nil, nil, Corrupt(fp, err)
	}

	blob, err := os.ReadFile(s.payloadPath(fp))
	if errors.Is(err, fs.ErrNotExist) {
		s.heal(fp, errors.New("payload missing"))
		return nil, nil, NotFound(fp)
	} else if err != nil {
		return nil, nil, fmt.Errorf("get %s: %w", fp, err)
	}

	if !entry.checkPayload(blob) {
		s.heal(fp, errors.New("payload checksum mismatch"))
		return nil, nil, Corrupt(fp, errors.New("payload checksum mismatch"))
	}
	data, err := decodePayload(blob, entry.Algorithm)
	if err != nil {
		s.heal(fp, err)
		return nil, nil, Corrupt(fp, err)
	}
	s.touch(entry)
	return data, entry, nil
}

// Stat returns the metadata for fp without reading the payload or
// updating access records.
func (s *Store) Stat(_ context.Context, fp fingerprint.Fingerprint) (*Entry, error) {
	mdata, err := os.ReadFile(s.metadataPath(fp))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, NotFound(fp)
	} else if err != nil {
		return nil, fmt.Errorf("stat %s: %w", fp, err)
	}
	entry, err := parseMetadata(mdata)
	if err != nil {
		return nil, Corrupt(fp, err)
	}
	return entry, nil
}

// touch refreshes the access metadata for entry, best effort. A failed
// touch does not affect the read that triggered it.
func (s *Store) touch(entry *Entry) {
	μ := s.shardLock(entry.Fingerprint)
	μ.Lock()
	defer μ.Unlock()
	cur, err := readMetadataFile(s.metadataPath(entry.Fingerprint))
	if err != nil {
		return
	}
	cur.LastAccessedAt = time.Now().UTC()
	cur.AccessCount++
	if err := s.writeMetadata(cur); err != nil {
		s.log.Warn("Access record update failed",
			zap.String("fingerprint", string(entry.Fingerprint)), zap.Error(err))
	}
	entry.LastAccessedAt = cur.LastAccessedAt
	entry.AccessCount = cur.AccessCount
}

// heal removes the files for a corrupt entry and logs the cause.
func (s *Store) heal(fp fingerprint.Fingerprint, cause error) {
	μ := s.shardLock(fp)
	μ.Lock()
	defer μ.Unlock()
	s.removeLocked(fp)
	s.log.Warn("Removed corrupt cache entry",
		zap.String("fingerprint", string(fp)), zap.Error(cause))
}

// Remove deletes the entry for fp and reports whether it was present.
func (s *Store) Remove(_ context.Context, fp fingerprint.Fingerprint) (bool, error) {
	μ := s.shardLock(fp)
	μ.Lock()
	defer μ.Unlock()
	return s.removeLocked(fp), nil
}

// removeLocked removes the files for fp and updates the size tally.
// The caller must hold the shard lock for fp.
func (s *Store) removeLocked(fp fingerprint.Fingerprint) bool {
	var present bool
	if entry, err := readMetadataFile(s.metadataPath(fp)); err == nil {
		s.addSizes(-entry.CompressedSize, -entry.UncompressedSize)
	}
	if err := os.Remove(s.metadataPath(fp)); err == nil {
		present = true
	}
	if err := os.Remove(s.payloadPath(fp)); err == nil {
		present = true
	}
	return present
}

// Pin excludes fp from eviction until a matching call to Unpin.
// Pins nest and are process-local.
func (s *Store) Pin(fp fingerprint.Fingerprint) {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	s.pins[fp]++
}

// Unpin releases a pin on fp.
func (s *Store) Unpin(fp fingerprint.Fingerprint) {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	if s.pins[fp] > 1 {
		s.pins[fp]--
	} else {
		delete(s.pins, fp)
	}
}

func (s *Store) pinned(fp fingerprint.Fingerprint) bool {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	return s.pins[fp] > 0
}

// List returns an iterator over the entries of the store in shard
// order. Entries whose metadata cannot be parsed are skipped; they are
// healed by maintenance.
func (s *Store) List(ctx context.Context) iter.Seq2[*Entry, error] {
	return func(yield func(*Entry, error) bool) {
		shards, err := listdir(s.dir)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, shard := range shards {
			if len(shard) != fingerprint.ShardLen {
				continue // not a shard directory
			}
			names, err := listdir(filepath.Join(s.dir, shard))
			if err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}
			for _, name := range names {
				if ctx.Err() != nil {
					yield(nil, ctx.Err())
					return
				}
				if _, ok := entryName(name); !ok {
					continue
				}
				entry, err := readMetadataFile(filepath.Join(s.dir, shard, name))
				if err != nil {
					continue
				}
				if !yield(entry, nil) {
					return
				}
			}
		}
	}
}

// entryName reports whether name is a metadata filename, and if so
// returns its fingerprint.
func entryName(name string) (fingerprint.Fingerprint, bool) {
	base, ok := strings.CutSuffix(name, metadataExt)
	if !ok {
		return "", false
	}
	fp, err := fingerprint.Parse(base)
	return fp, err == nil
}

// Len reports the number of intact entries in the store.
func (s *Store) Len(ctx context.Context) (int64, error) {
	var n int64
	for _, err := range s.List(ctx) {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

// TotalSize reports the total compressed and uncompressed sizes of the
// entries in the store.
func (s *Store) TotalSize() (compressed, uncompressed int64) {
	s.sizeMu.Lock()
	defer s.sizeMu.Unlock()
	return s.compressed, s.uncompressed
}

func (s *Store) addSizes(compressed, uncompressed int64) {
	s.sizeMu.Lock()
	defer s.sizeMu.Unlock()
	s.compressed += compressed
	s.uncompressed += uncompressed
	if s.compressed < 0 {
		s.compressed = 0
	}
	if s.uncompressed < 0 {
		s.uncompressed = 0
	}
}

func (s *Store) setSizes(compressed, uncompressed int64) {
	s.sizeMu.Lock()
	defer s.sizeMu.Unlock()
	s.compressed, s.uncompressed = compressed, uncompressed
}

// reloadSizes rebuilds the size tally from the entries on disk.
func (s *Store) reloadSizes(ctx context.Context) error {
	var compressed, uncompressed int64
	for entry, err := range s.List(ctx) {
		if err != nil {
			return err
		}
		compressed += entry.CompressedSize
		uncompressed += entry.UncompressedSize
	}
	s.setSizes(compressed, uncompressed)
	return nil
}

func (s *Store) writeMetadata(entry *Entry) error {
	return atomicfile.WriteData(s.metadataPath(entry.Fingerprint), entry.encode(), 0600)
}

func listdir(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	names, err := f.Readdirnames(-1)
	f.Close()
	sort.Strings(names)
	return names, err
}
