// Copyright 2025 KrakLabs
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
//
// SPDX-License-Identifier: Apache-2.0

package taint

import "strings"

// DefaultK is the access-path k-limit (spec §4.5.2): a path longer than
// k segments is truncated and the tail replaced with the "*" wildcard
// segment, trading precision for termination on deeply nested field
// chains.
const DefaultK = 5

// TruncatedSegment marks an access path that was cut off by k-limiting.
const TruncatedSegment = "*"

// AccessPath is a root variable plus the chain of field/index accesses
// taken from it (e.g. req.body.user.name -> ["req", "body", "user",
// "name"]). It is the unit the backward worklist propagates.
type AccessPath []string

// NewAccessPath builds a single-root path, as seeded from a sink's
// vulnerable argument.
func NewAccessPath(root string) AccessPath {
	if root == "" {
		return nil
	}
	return AccessPath{root}
}

// Extend appends a field segment, applying the k-limit: once the path
// reaches k segments it is truncated in place and further Extend calls
// are no-ops (the path is already at its terminal, imprecise form).
func (p AccessPath) Extend(segment string, k int) AccessPath {
	if p.Truncated() {
		return p
	}
	if len(p) >= k {
		return append(append(AccessPath{}, p...), TruncatedSegment)
	}
	return append(append(AccessPath{}, p...), segment)
}

// Truncated reports whether k-limiting has already cut this path.
func (p AccessPath) Truncated() bool {
	return len(p) > 0 && p[len(p)-1] == TruncatedSegment
}

// Root returns the path's leading identifier, or "" for an empty path.
func (p AccessPath) Root() string {
	if len(p) == 0 {
		return ""
	}
	return p[0]
}

// WithRoot returns a copy of p with its root identifier replaced,
// keeping every field segment after it — used when the backward walk
// substitutes a variable for the expression it was assigned from
// (x.field propagates to y.field once x := y is found).
func (p AccessPath) WithRoot(root string) AccessPath {
	out := make(AccessPath, len(p))
	copy(out, p)
	if len(out) == 0 {
		return AccessPath{root}
	}
	out[0] = root
	return out
}

// String renders the path dot-joined, the same form used as a map key
// for dedup and for the visited-set (spec §4.5.3: "access path
// normalized").
func (p AccessPath) String() string {
	return strings.Join(p, ".")
}

// Intersects reports whether two access paths can refer to overlapping
// memory: either is a prefix of the other, or either is truncated (a
// truncated path is conservatively assumed to cover everything rooted
// at its prefix). Used to match a sanitizer's covered access path
// against the propagating path (spec §9 Open Question 1).
func (p AccessPath) Intersects(other AccessPath) bool {
	if len(p) == 0 || len(other) == 0 {
		return false
	}
	n := len(p)
	if len(other) < n {
		n = len(other)
	}
	for i := 0; i < n; i++ {
		if p[i] == TruncatedSegment || other[i] == TruncatedSegment {
			return true
		}
		if p[i] != other[i] {
			return false
		}
	}
	return true
}
