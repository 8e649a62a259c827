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
	"sort"

	"github.com/creachadair/stash/fingerprint"
)

// A ChangeSet is the result of one change-detection pass over the
// registered dependency files. The three path sets are disjoint.
// Entries affected by modified or deleted paths are invalidated before
// the pass returns; added paths are reported but do not invalidate
// anything, since no stored entry can have depended on a file that did
// not exist when it was registered.
type ChangeSet struct {
	Added    []string
	Modified []string
	Deleted  []string

	// AffectedEntries are the entries invalidated by this pass.
	AffectedEntries []fingerprint.Fingerprint
}

// Empty reports whether the change set records no changes.
func (c ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Deleted) == 0
}

// normalize sorts the sets for deterministic reporting.
func (c *ChangeSet) normalize() {
	sort.Strings(c.Added)
	sort.Strings(c.Modified)
	sort.Strings(c.Deleted)
	sort.Slice(c.AffectedEntries, func(i, j int) bool {
		return c.AffectedEntries[i] < c.AffectedEntries[j]
	})
}
