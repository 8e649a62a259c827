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

package kvcache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/creachadair/stash/blobstore"
)

// A Codec describes how values of one type are serialized for storage.
// The producer registers the codec once per type tag; the tag and
// schema version are recorded in entry metadata and bound into the
// entry's fingerprint, so a version bump transparently ages out old
// entries.
type Codec struct {
	TypeTag       string
	SchemaVersion int

	Encode func(any) ([]byte, error)
	Decode func([]byte) (any, error)

	// Algorithm, if set, overrides the store's compression policy for
	// values of this type.
	Algorithm blobstore.Compression
}

// UnknownTypeError is reported by cache operations naming a type tag
// with no registered codec.
type UnknownTypeError struct {
	TypeTag string
}

func (u *UnknownTypeError) Error() string {
	return fmt.Sprintf("no codec registered for type %q", u.TypeTag)
}

// JSONCodec returns a Codec for values of type T encoded as JSON.
func JSONCodec[T any](typeTag string, schemaVersion int) Codec {
	return Codec{
		TypeTag:       typeTag,
		SchemaVersion: schemaVersion,
		Encode: func(value any) ([]byte, error) {
			v, ok := value.(T)
			if !ok {
				var zero T
				return nil, fmt.Errorf("type %q: encode %T, want %T", typeTag, value, zero)
			}
			return json.Marshal(v)
		},
		Decode: func(data []byte) (any, error) {
			var v T
			if err := json.Unmarshal(data, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	}
}

// Get is a typed wrapper for [Cache.Get].
func Get[T any](ctx context.Context, c *Cache, typeTag, key string) (T, bool, error) {
	var zero T
	value, ok, err := c.Get(ctx, typeTag, key)
	if err != nil || !ok {
		return zero, false, err
	}
	v, vok := value.(T)
	if !vok {
		return zero, false, fmt.Errorf("type %q: value is %T, want %T", typeTag, value, zero)
	}
	return v, true, nil
}

// GetOrCompute is a typed wrapper for [Cache.GetOrCompute].
func GetOrCompute[T any](ctx context.Context, c *Cache, typeTag, key string, loader func(context.Context) (T, error)) (T, error) {
	var zero T
	value, err := c.GetOrCompute(ctx, typeTag, key, func(ctx context.Context) (any, error) {
		return loader(ctx)
	})
	if err != nil {
		return zero, err
	}
	v, ok := value.(T)
	if !ok {
		return zero, fmt.Errorf("type %q: value is %T, want %T", typeTag, value, zero)
	}
	return v, nil
}
