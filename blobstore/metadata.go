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
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/creachadair/stash/fingerprint"
)

// metadataVersion is the version tag written at the head of each
// sidecar record. Readers reject records with any other version.
const metadataVersion = 1

// checksumExtra is the reserved extras key under which the store
// records the checksum of the compressed payload.
const checksumExtra = "payload-xxh64"

// An Entry is the metadata record for one stored blob.
type Entry struct {
	Fingerprint      fingerprint.Fingerprint
	LogicalKey       string
	TypeTag          string
	SchemaVersion    int
	CreatedAt        time.Time
	LastAccessedAt   time.Time
	UncompressedSize int64
	CompressedSize   int64
	AccessCount      int64
	Algorithm        Compression
	Extras           map[string]string
}

// setChecksum records the checksum of the compressed payload in the
// entry's extras.
func (e *Entry) setChecksum(blob []byte) {
	if e.Extras == nil {
		e.Extras = make(map[string]string)
	}
	e.Extras[checksumExtra] = strconv.FormatUint(fingerprint.Hash64(blob), 16)
}

// checkPayload reports whether blob matches the entry's recorded size
// and checksum. An entry without a checksum is checked by size only.
func (e *Entry) checkPayload(blob []byte) bool {
	if int64(len(blob)) != e.CompressedSize {
		return false
	}
	want, ok := e.Extras[checksumExtra]
	if !ok {
		return true
	}
	return want == strconv.FormatUint(fingerprint.Hash64(blob), 16)
}

// samePayload reports whether blob is byte-identical to the payload
// recorded for e, by size and checksum. An entry with no recorded
// checksum is never considered identical, so a writer replaces it.
func (e *Entry) samePayload(blob []byte) bool {
	if int64(len(blob)) != e.CompressedSize {
		return false
	}
	want, ok := e.Extras[checksumExtra]
	return ok && want == strconv.FormatUint(fingerprint.Hash64(blob), 16)
}

// encode renders e as a versioned textual record.
func (e *Entry) encode() []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "VERSION %d\n", metadataVersion)
	fmt.Fprintf(&sb, "fingerprint %s\n", e.Fingerprint)
	fmt.Fprintf(&sb, "logical-key %s\n", strconv.Quote(e.LogicalKey))
	fmt.Fprintf(&sb, "type-tag %s\n", strconv.Quote(e.TypeTag))
	fmt.Fprintf(&sb, "schema-version %d\n", e.SchemaVersion)
	fmt.Fprintf(&sb, "created-at %s\n", e.CreatedAt.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&sb, "last-accessed-at %s\n", e.LastAccessedAt.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&sb, "uncompressed-size %d\n", e.UncompressedSize)
	fmt.Fprintf(&sb, "compressed-size %d\n", e.CompressedSize)
	fmt.Fprintf(&sb, "access-count %d\n", e.AccessCount)
	fmt.Fprintf(&sb, "compression %s\n", e.Algorithm.Tag())
	names := make([]string, 0, len(e.Extras))
	for name := range e.Extras {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&sb, "extra %s %s\n", name, strconv.Quote(e.Extras[name]))
	}
	return []byte(sb.String())
}

// parseMetadata decodes a sidecar record. Any structural defect,
// including an unknown version, missing required fields, or malformed
// values, is an error; callers treat such records as corrupt.
func parseMetadata(data []byte) (*Entry, error) {
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 0 {
		return nil, fmt.Errorf("empty metadata record")
	}
	version, ok := strings.CutPrefix(lines[0], "VERSION ")
	if !ok {
		return nil, fmt.Errorf("missing VERSION line")
	}
	if v, err := strconv.Atoi(version); err != nil || v != metadataVersion {
		return nil, fmt.Errorf("unknown metadata version %q", version)
	}

	entry := new(Entry)
	seen := make(map[string]bool)
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("malformed line %q", line)
		}
		var err error
		switch name {
		case "fingerprint":
			entry.Fingerprint, err = fingerprint.Parse(value)
		case "logical-key":
			entry.LogicalKey, err = strconv.Unquote(value)
		case "type-tag":
			entry.TypeTag, err = strconv.Unquote(value)
		case "schema-version":
			entry.SchemaVersion, err = strconv.Atoi(value)
		case "created-at":
			entry.CreatedAt, err = time.Parse(time.RFC3339Nano, value)
		case "last-accessed-at":
			entry.LastAccessedAt, err = time.Parse(time.RFC3339Nano, value)
		case "uncompressed-size":
			entry.UncompressedSize, err = strconv.ParseInt(value, 10, 64)
		case "compressed-size":
			entry.CompressedSize, err = strconv.ParseInt(value, 10, 64)
		case "access-count":
			entry.AccessCount, err = strconv.ParseInt(value, 10, 64)
		case "compression":
			entry.Algorithm, err = ParseCompression(value)
		case "extra":
			ename, evalue, eok := strings.Cut(value, " ")
			if !eok {
				return nil, fmt.Errorf("malformed extra %q", value)
			}
			unq, uerr := strconv.Unquote(evalue)
			if uerr != nil {
				return nil, fmt.Errorf("extra %q: %w", ename, uerr)
			}
			if entry.Extras == nil {
				entry.Extras = make(map[string]string)
			}
			entry.Extras[ename] = unq
			continue
		default:
			return nil, fmt.Errorf("unknown field %q", name)
		}
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		seen[name] = true
	}
	for _, req := range []string{
		"fingerprint", "logical-key", "type-tag", "schema-version",
		"created-at", "last-accessed-at",
		"uncompressed-size", "compressed-size", "access-count", "compression",
	} {
		if !seen[req] {
			return nil, fmt.Errorf("missing field %q", req)
		}
	}
	if entry.LastAccessedAt.Before(entry.CreatedAt) {
		return nil, fmt.Errorf("access time precedes creation")
	}
	if entry.CompressedSize < 0 || entry.UncompressedSize < 0 || entry.AccessCount < 0 {
		return nil, fmt.Errorf("negative size or count")
	}
	return entry, nil
}

// readMetadataFile reads and decodes the sidecar record at path.
func readMetadataFile(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseMetadata(data)
}
