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

// Package fingerprint computes the stable identifiers used to address
// stored blobs. A fingerprint is derived from a labeled tuple of byte
// strings by a SHA-256 digest truncated to 128 bits and rendered as
// lowercase hexadecimal, so it is safe to use directly in file and
// directory names.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Size is the number of digest bytes retained in a fingerprint.
const Size = 16

// StringLen is the length of the hexadecimal rendering of a fingerprint.
const StringLen = 2 * Size

// ShardLen is the number of leading hex digits used as a shard label.
const ShardLen = 2

// A Fingerprint is the address of a stored blob. The zero value is not
// a valid fingerprint.
type Fingerprint string

// New computes the fingerprint of the tuple (label, parts...). The
// label partitions the fingerprint space so that tuples hashed for
// different purposes cannot collide. Each part is framed by its length,
// so the digest is injective over the tuple structure.
func New(label string, parts ...[]byte) Fingerprint {
	h := sha256.New()
	writeFrame(h.Write, []byte(label))
	for _, part := range parts {
		writeFrame(h.Write, part)
	}
	sum := h.Sum(nil)
	return Fingerprint(hex.EncodeToString(sum[:Size]))
}

// Text computes the fingerprint of a tuple of strings. It is shorthand
// for New with each part converted to bytes.
func Text(label string, parts ...string) Fingerprint {
	bits := make([][]byte, len(parts))
	for i, p := range parts {
		bits[i] = []byte(p)
	}
	return New(label, bits...)
}

func writeFrame(w func([]byte) (int, error), data []byte) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(len(data)))
	w(buf[:])
	w(data)
}

// ErrInvalid is reported by Parse when its input is not the rendering
// of a fingerprint.
var ErrInvalid = errors.New("invalid fingerprint")

// Parse checks that s is the hexadecimal rendering of a fingerprint and
// returns it. If not, it reports ErrInvalid.
func Parse(s string) (Fingerprint, error) {
	if len(s) != StringLen {
		return "", fmt.Errorf("%w: length %d", ErrInvalid, len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if s != strings.ToLower(s) {
		return "", fmt.Errorf("%w: not lowercase", ErrInvalid)
	}
	return Fingerprint(s), nil
}

// String returns the hexadecimal rendering of f.
func (f Fingerprint) String() string { return string(f) }

// Valid reports whether f is a well-formed fingerprint.
func (f Fingerprint) Valid() bool { _, err := Parse(string(f)); return err == nil }

// Shard returns the shard label of f, its leading hex digits.
func (f Fingerprint) Shard() string { return string(f[:ShardLen]) }

// Path returns the relative path of the file for f under a store root,
// with the given filename extension (including the dot).
func (f Fingerprint) Path(ext string) string {
	return path.Join(f.Shard(), string(f)+ext)
}

// Hash64 returns a cheap 64-bit content hash of data, used for
// change-detection signatures and payload checksums where a
// cryptographic digest is not required. It is stable across processes
// and machines.
func Hash64(data []byte) uint64 { return xxhash.Sum64(data) }

// HashReader returns the Hash64 value of everything read from r.
func HashReader(r io.Reader) (uint64, error) {
	h := xxhash.New()
	_, err := io.Copy(h, r)
	return h.Sum64(), err
}
