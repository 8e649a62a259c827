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
	"context"
	"fmt"
)

// GetOrSet is a typed wrapper for [Coordinator.GetOrSet].
func GetOrSet[T any](ctx context.Context, c *Coordinator, typeTag, key string, loader func(context.Context) (T, error), deps []string) (T, error) {
	var zero T
	value, err := c.GetOrSet(ctx, typeTag, key, func(ctx context.Context) (any, error) {
		return loader(ctx)
	}, deps)
	if err != nil {
		return zero, err
	}
	v, ok := value.(T)
	if !ok {
		return zero, fmt.Errorf("type %q: value is %T, want %T", typeTag, value, zero)
	}
	return v, nil
}
