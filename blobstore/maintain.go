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

package blobstore

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/creachadair/stash/fingerprint"
	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
)

// A Report summarizes the effects of a maintenance pass.
type Report struct {
	Orphans        int   // payloads or sidecars removed without a partner
	Corrupt        int   // entries removed for failing metadata parse
	Expired        int   // entries removed for exceeding the age budget
	Evicted        int   // entries removed to meet the size budget
	ReclaimedBytes int64 // compressed bytes reclaimed
}

// candidate pairs a shard-relative scan result with its disposition.
type candidate struct {
	fp      fingerprint.Fingerprint
	entry   *Entry // nil for orphans and corrupt sidecars
	orphan  bool
	corrupt bool
}

// Maintain reaps orphan and corrupt files, deletes entries older than
// the age budget, evicts least-recently-used entries until the
// compressed total fits the size budget, and rebuilds the size tally.
// Pinned entries are not evicted. Maintain is cancellable between
// shards.
func (s *Store) Maintain(ctx context.Context) (Report, error) {
	var report Report

	ictx, cancel := context.WithCancel(ctx)
	defer cancel()
	g := taskgroup.New(cancel)

	var all []candidate
	coll := taskgroup.Gather(g.Go, func(c candidate) { all = append(all, c) })

	shards, err := listdir(s.dir)
	if err != nil {
		return report, err
	}
	for _, shard := range shards {
		if len(shard) != fingerprint.ShardLen {
			continue
		}
		coll.Report(func(emit func(candidate)) error {
			return s.scanShard(ictx, shard, emit)
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	cutoff := time.Now().Add(-s.maxAge)
	var live []*Entry
	for _, c := range all {
		switch {
		case c.orphan:
			s.removeFiles(c.fp)
			report.Orphans++
		case c.corrupt:
			s.removeFiles(c.fp)
			report.Corrupt++
		case c.entry.CreatedAt.Before(cutoff):
			report.ReclaimedBytes += c.entry.CompressedSize
			s.removeFiles(c.fp)
			report.Expired++
		default:
			live = append(live, c.entry)
		}
	}

	// Evict by ascending last access, fingerprint as tiebreak.
	sort.Slice(live, func(i, j int) bool {
		if !live[i].LastAccessedAt.Equal(live[j].LastAccessedAt) {
			return live[i].LastAccessedAt.Before(live[j].LastAccessedAt)
		}
		return live[i].Fingerprint < live[j].Fingerprint
	})
	var total int64
	for _, entry := range live {
		total += entry.CompressedSize
	}
	keep := live[:0]
	for _, entry := range live {
		if total > s.maxBytes && !s.pinned(entry.Fingerprint) {
			total -= entry.CompressedSize
			report.ReclaimedBytes += entry.CompressedSize
			s.removeFiles(entry.Fingerprint)
			report.Evicted++
			continue
		}
		keep = append(keep, entry)
	}

	var compressed, uncompressed int64
	for _, entry := range keep {
		compressed += entry.CompressedSize
		uncompressed += entry.UncompressedSize
	}
	s.setSizes(compressed, uncompressed)

	if report != (Report{}) {
		s.log.Info("Maintenance pass complete",
			zap.Int("orphans", report.Orphans),
			zap.Int("corrupt", report.Corrupt),
			zap.Int("expired", report.Expired),
			zap.Int("evicted", report.Evicted),
			zap.Int64("reclaimedBytes", report.ReclaimedBytes))
	}
	return report, nil
}

// scanShard emits one candidate per entry name present in shard.
func (s *Store) scanShard(ctx context.Context, shard string, emit func(candidate)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	names, err := listdir(filepath.Join(s.dir, shard))
	if err != nil {
		return err
	}
	seen := make(map[fingerprint.Fingerprint]bool)
	for _, name := range names {
		base := strings.TrimSuffix(strings.TrimSuffix(name, payloadExt), metadataExt)
		fp, err := fingerprint.Parse(base)
		if err != nil || seen[fp] {
			continue
		}
		seen[fp] = true

		_, perr := os.Stat(s.payloadPath(fp))
		entry, merr := readMetadataFile(s.metadataPath(fp))
		switch {
		case merr != nil && os.IsNotExist(merr):
			emit(candidate{fp: fp, orphan: true}) // payload without sidecar
		case merr != nil:
			emit(candidate{fp: fp, corrupt: true})
		case perr != nil:
			emit(candidate{fp: fp, orphan: true}) // sidecar without payload
		default:
			emit(candidate{fp: fp, entry: entry})
		}
	}
	return nil
}

// removeFiles deletes both files for fp under the shard lock.
func (s *Store) removeFiles(fp fingerprint.Fingerprint) {
	μ := s.shardLock(fp)
	μ.Lock()
	defer μ.Unlock()
	os.Remove(s.metadataPath(fp))
	os.Remove(s.payloadPath(fp))
}
