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

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/theauditor/auditor/pkg/storage"
)

// findingsTable is the schema table findings write to (pkg/schema).
const findingsTable = "findings_consolidated"

var findingsColumns = []string{
	"id", "category", "severity", "source_file", "source_line", "source_access_path",
	"source_kind", "sink_file", "sink_line", "sink_kind", "vulnerable_argument_index",
	"provenance", "sanitizers_encountered", "confidence", "rule_id",
}

// Persist writes findings to the fact base's findings_consolidated
// table (spec §4.5.7: "findings ... are not in-memory structures...
// queryable by reports and other rules"). Provenance and
// sanitizers_encountered are stored as JSON arrays, matching the
// TEXT-columned schema.
func Persist(ctx context.Context, backend storage.Backend, findings []Finding) error {
	if len(findings) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(findings))
	for _, f := range findings {
		provenance, err := json.Marshal(provenanceJSON(f.Provenance))
		if err != nil {
			return fmt.Errorf("taint: marshal provenance: %w", err)
		}
		sanitizers, err := json.Marshal(f.SanitizersEncountered)
		if err != nil {
			return fmt.Errorf("taint: marshal sanitizers: %w", err)
		}
		rows = append(rows, []any{
			f.ID, f.Category, f.Severity,
			f.Source.File, f.Source.Line, pathOrRoot(f),
			f.Source.SourceKind,
			f.Sink.File, f.Sink.Line, f.Sink.SinkKind, f.Sink.ArgIndex,
			string(provenance), string(sanitizers), f.Confidence, nil,
		})
	}
	return backend.InsertRows(ctx, findingsTable, findingsColumns, rows)
}

func pathOrRoot(f Finding) string {
	if f.Source.RootIdent != "" {
		return f.Source.RootIdent
	}
	return ""
}

type provenanceHop struct {
	File        string `json:"file"`
	Line        int    `json:"line"`
	Description string `json:"description"`
	AccessPath  string `json:"access_path"`
}

func provenanceJSON(hops []Hop) []provenanceHop {
	out := make([]provenanceHop, len(hops))
	for i, h := range hops {
		out[i] = provenanceHop{File: h.File, Line: h.Line, Description: h.Description, AccessPath: h.AccessPath}
	}
	return out
}
