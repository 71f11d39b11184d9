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

// Package storage provides the fact base's typed, transactional
// interface (spec §4.3). The fact base is a literal SQLite file so that
// consumers outside the pipeline process can open it read-only and run
// arbitrary SQL against it (spec §6) — the reason this package is built
// on database/sql + modernc.org/sqlite rather than the embedded Datalog
// engine an earlier iteration of this lineage used (see DESIGN.md,
// "Central architectural decision: storage engine swap").
package storage

import "context"

// Backend is the storage layer's public contract. Every table access
// from outside this package goes through insert/replace/query — no
// consumer builds SQL directly against an undeclared table.
type Backend interface {
	// InsertRows appends rows to a declared table. table must be
	// present in the schema; an unknown table name is a programmer
	// error (fail loud, per spec §4.3).
	InsertRows(ctx context.Context, table string, columns []string, rows [][]any) error

	// ReplaceFileRows opens the transaction that atomically deletes
	// every row owned by file across all file-owned tables. Callers
	// insert the file's new rows through the returned Tx and commit it.
	ReplaceFileRows(ctx context.Context, file string) (Tx, error)

	// Query runs a read-only query and returns it fully materialized.
	Query(ctx context.Context, query string, args ...any) (QueryResult, error)

	// DeleteAll clears every row of a declared table. Used by the
	// orchestrator for tables that are not file-owned but are fully
	// recomputed on each run (call_graph_edges, import_graph_edges,
	// findings_consolidated, diagnostics) — ReplaceFileRows only
	// addresses the per-file granularity the file-owned tables need.
	DeleteAll(ctx context.Context, table string) error

	// UpdateCalleeResolved writes the cross-file resolver's
	// caller->callee bindings back onto the function_call_args rows the
	// extractor already wrote (spec §4.4 op 2), filling callee_resolved
	// for every argument row of the matched call site.
	UpdateCalleeResolved(ctx context.Context, updates []CalleeResolution) error

	// Close releases the underlying connection.
	Close() error
}

// CalleeResolution identifies one call site by the fields the extractor
// recorded (file, line, caller scope, callee name as written) and
// carries the scope the resolver bound it to.
type CalleeResolution struct {
	File        string
	Line        int
	CallerScope string
	CalleeName  string
	CalleeScope string
}

// Tx is a single file's replace-then-insert transaction.
type Tx interface {
	InsertRows(table string, columns []string, rows [][]any) error
	Commit() error
	Rollback() error
}

// QueryResult is a fully materialized query result.
type QueryResult struct {
	Headers []string
	Rows    [][]any
}
