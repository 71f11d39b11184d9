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

import "fmt"

// sanitizerIndex deduplicates sanitizer facts by (file, line, covered
// access path) — spec §9 Open Question 1 — then answers, for a given
// scope and line range, whether some sanitizer covers an access path
// before the worklist keeps propagating through it.
type sanitizerIndex struct {
	byScope map[string][]SanitizerFact
}

func newSanitizerIndex(facts []SanitizerFact) *sanitizerIndex {
	seen := make(map[string]struct{}, len(facts))
	idx := &sanitizerIndex{byScope: make(map[string][]SanitizerFact)}
	for _, f := range facts {
		key := fmt.Sprintf("%s|%d|%s", f.File, f.Line, f.CoveredAccessPath)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		scopeKey := f.File + "|" + f.Scope
		idx.byScope[scopeKey] = append(idx.byScope[scopeKey], f)
	}
	return idx
}

// covering returns the sanitizer facts in (file, scope) whose line
// falls in (assignLine, useLine] or on assignLine itself — the segment
// of code the backward walk just crossed, plus the defining statement
// at assignLine, since a sanitizer call is frequently the assignment's
// own right-hand side ("safe := shlex.quote(tainted)") rather than a
// separate prior statement — and whose covered access path intersects
// path.
func (idx *sanitizerIndex) covering(file, scope string, assignLine, useLine int, path AccessPath) []SanitizerFact {
	var out []SanitizerFact
	for _, f := range idx.byScope[file+"|"+scope] {
		if f.Line < assignLine || f.Line > useLine {
			continue
		}
		if f.CoveredAccessPath == "" || path.Intersects(NewAccessPath(f.CoveredAccessPath)) {
			out = append(out, f)
		}
	}
	return out
}

// exactlyAt reports whether a known sanitizer call sits at (file,
// scope, line) — used when the backward walk meets a `target :=
// sanitizeCall(...)` assignment, so the sanitizing callee is
// recognized even though it's the assignment's own right-hand side
// rather than a separate statement the access path merely passes
// through (spec §4.5.5).
func (idx *sanitizerIndex) exactlyAt(file, scope string, line int) bool {
	for _, f := range idx.byScope[file+"|"+scope] {
		if f.Line == line {
			return true
		}
	}
	return false
}
