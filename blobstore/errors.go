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
	"errors"

	"github.com/creachadair/stash/fingerprint"
)

var (
	// ErrNotFound is reported by Get, Stat, and Remove for a fingerprint
	// with no intact entry in the store.
	ErrNotFound = errors.New("entry not found")

	// ErrCorrupt is reported by Get when the payload or metadata for an
	// entry failed integrity. The offending entry is removed before the
	// error is reported, so a subsequent read reports ErrNotFound.
	ErrCorrupt = errors.New("entry corrupt")

	// ErrQuotaExceeded is reported by Put when the compressed size of the
	// payload alone exceeds the size budget. Put does not evict other
	// entries, and space held by pinned entries is not counted.
	ErrQuotaExceeded = errors.New("size budget exceeded")
)

// EntryError is the concrete type of errors involving a blob entry.
// The caller may type-assert to [*EntryError] to recover the
// fingerprint.
type EntryError struct {
	Err         error // the underlying error
	Fingerprint fingerprint.Fingerprint
}

// Error implements the error interface. The fingerprint is omitted
// from the string; callers that need it should unwrap.
func (e *EntryError) Error() string { return e.Err.Error() }

// Unwrap returns the underlying error from e.
func (e *EntryError) Unwrap() error { return e.Err }

// NotFound returns an ErrNotFound error for fp with concrete type
// [*EntryError].
func NotFound(fp fingerprint.Fingerprint) error {
	return &EntryError{Err: ErrNotFound, Fingerprint: fp}
}

// Corrupt returns an ErrCorrupt error for fp wrapping cause.
func Corrupt(fp fingerprint.Fingerprint, cause error) error {
	return &EntryError{Err: errors.Join(ErrCorrupt, cause), Fingerprint: fp}
}

// QuotaExceeded returns an ErrQuotaExceeded error for fp.
func QuotaExceeded(fp fingerprint.Fingerprint) error {
	return &EntryError{Err: ErrQuotaExceeded, Fingerprint: fp}
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsCorrupt reports whether err is or wraps ErrCorrupt.
func IsCorrupt(err error) bool { return errors.Is(err, ErrCorrupt) }
