// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package schema declares the fact base's tables as data, renders them
// to SQL DDL, and computes the digest that pins the schema contract
// (spec §4.3): a mismatch between a fact base's recorded digest and the
// digest of the schema a binary was built with is a fatal error.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Column describes one typed column of a table.
type Column struct {
	Name     string
	Type     string // SQLite storage class: TEXT, INTEGER, BOOLEAN, REAL
	NotNull  bool
	Nullable bool
}

// Index describes a non-unique index over one or more columns.
type Index struct {
	Name    string
	Columns []string
}

// Table is one declared table of the fact base.
type Table struct {
	Name    string
	Columns []Column
	Indices []Index
	// FileOwned marks tables whose rows are deleted and re-inserted as
	// a unit by replace_file_rows (spec §4.3): every per-file table
	// must carry a `file` column.
	FileOwned bool
}

// ColumnNames returns the column names in declaration order.
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// CreateTableSQL renders the table's CREATE TABLE statement.
func (t Table) CreateTableSQL() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", t.Name)
	for i, c := range t.Columns {
		constraint := ""
		if c.NotNull && !c.Nullable {
			constraint = " NOT NULL"
		}
		fmt.Fprintf(&b, "  %s %s%s", c.Name, c.Type, constraint)
		if i < len(t.Columns)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString(")")
	return b.String()
}

// CreateIndexSQL renders every declared index's CREATE INDEX statement.
func (t Table) CreateIndexSQL() []string {
	stmts := make([]string, 0, len(t.Indices))
	for _, idx := range t.Indices {
		stmts = append(stmts, fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			idx.Name, t.Name, strings.Join(idx.Columns, ", "),
		))
	}
	return stmts
}

// Definition is the complete, declared fact base schema. Every table
// the pipeline ever writes to must appear here; an unknown table name
// reaching the storage layer is a programmer error (spec §4.3).
type Definition struct {
	Tables []Table
}

// Table looks up a declared table by name.
func (d Definition) Table(name string) (Table, bool) {
	for _, t := range d.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// Digest computes the sha256 digest of the canonical rendering of every
// declared table, sorted by name so declaration order never perturbs
// the digest. Compared against schema_meta.schema_digest on open.
func (d Definition) Digest() string {
	tables := make([]Table, len(d.Tables))
	copy(tables, d.Tables)
	sort.Slice(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })

	h := sha256.New()
	for _, t := range tables {
		h.Write([]byte(t.Name))
		h.Write([]byte{0})
		for _, c := range t.Columns {
			h.Write([]byte(c.Name))
			h.Write([]byte(c.Type))
			if c.NotNull {
				h.Write([]byte{1})
			}
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Default is the fact base schema for TheAuditor, grounded on spec §3.
var Default = Definition{Tables: []Table{
	{
		Name:      "files",
		FileOwned: true,
		Columns: []Column{
			{Name: "file", Type: "TEXT", NotNull: true},
			{Name: "language", Type: "TEXT", NotNull: true},
			{Name: "sha256", Type: "TEXT", NotNull: true},
			{Name: "size_bytes", Type: "INTEGER", NotNull: true},
			{Name: "line_count", Type: "INTEGER", NotNull: true},
		},
		Indices: []Index{{Name: "idx_files_language", Columns: []string{"language"}}},
	},
	{
		Name:      "symbols",
		FileOwned: true,
		Columns: []Column{
			{Name: "file", Type: "TEXT", NotNull: true},
			{Name: "name", Type: "TEXT", NotNull: true},
			{Name: "type", Type: "TEXT", NotNull: true},
			{Name: "line", Type: "INTEGER", NotNull: true},
			{Name: "column", Type: "INTEGER", NotNull: true},
			{Name: "scope", Type: "TEXT", NotNull: true},
			{Name: "signature", Type: "TEXT"},
		},
		Indices: []Index{
			{Name: "idx_symbols_file_line", Columns: []string{"file", "line"}},
			{Name: "idx_symbols_scope", Columns: []string{"scope"}},
		},
	},
	{
		Name:      "imports",
		FileOwned: true,
		Columns: []Column{
			{Name: "file", Type: "TEXT", NotNull: true},
			{Name: "target", Type: "TEXT", NotNull: true},
			{Name: "resolved_path", Type: "TEXT"},
			{Name: "imported_names", Type: "TEXT"},
			{Name: "line", Type: "INTEGER", NotNull: true},
		},
		Indices: []Index{{Name: "idx_imports_file", Columns: []string{"file"}}},
	},
	{
		Name:      "function_call_args",
		FileOwned: true,
		Columns: []Column{
			{Name: "file", Type: "TEXT", NotNull: true},
			{Name: "caller_scope", Type: "TEXT", NotNull: true},
			{Name: "callee_name", Type: "TEXT", NotNull: true},
			{Name: "callee_resolved", Type: "TEXT"},
			{Name: "line", Type: "INTEGER", NotNull: true},
			{Name: "argument_index", Type: "INTEGER", NotNull: true},
			{Name: "argument_expression", Type: "TEXT"},
			{Name: "argument_kind", Type: "TEXT", NotNull: true},
		},
		Indices: []Index{
			{Name: "idx_calls_file_line", Columns: []string{"file", "line"}},
			{Name: "idx_calls_callee_name", Columns: []string{"callee_name"}},
		},
	},
	{
		Name:      "assignments",
		FileOwned: true,
		Columns: []Column{
			{Name: "file", Type: "TEXT", NotNull: true},
			{Name: "scope", Type: "TEXT", NotNull: true},
			{Name: "target_name", Type: "TEXT", NotNull: true},
			{Name: "rhs_expression", Type: "TEXT"},
			{Name: "rhs_kind", Type: "TEXT", NotNull: true},
			{Name: "rhs_refs", Type: "TEXT"},
			{Name: "line", Type: "INTEGER", NotNull: true},
		},
		Indices: []Index{{Name: "idx_assignments_file_line", Columns: []string{"file", "line"}}},
	},
	{
		Name:      "refs",
		FileOwned: true,
		Columns: []Column{
			{Name: "file", Type: "TEXT", NotNull: true},
			{Name: "scope", Type: "TEXT", NotNull: true},
			{Name: "referenced_name", Type: "TEXT", NotNull: true},
			{Name: "kind", Type: "TEXT", NotNull: true},
			{Name: "line", Type: "INTEGER", NotNull: true},
		},
		Indices: []Index{{Name: "idx_refs_referenced_name", Columns: []string{"referenced_name"}}},
	},
	{
		Name:      "routes",
		FileOwned: true,
		Columns: []Column{
			{Name: "file", Type: "TEXT", NotNull: true},
			{Name: "method", Type: "TEXT", NotNull: true},
			{Name: "path_pattern", Type: "TEXT", NotNull: true},
			{Name: "handler_symbol", Type: "TEXT", NotNull: true},
			{Name: "auth_decorators", Type: "TEXT"},
			{Name: "parameter_sources", Type: "TEXT"},
		},
		Indices: []Index{{Name: "idx_routes_file", Columns: []string{"file"}}},
	},
	{
		Name:      "validation_framework_usage",
		FileOwned: true,
		Columns: []Column{
			{Name: "file", Type: "TEXT", NotNull: true},
			{Name: "scope", Type: "TEXT", NotNull: true},
			{Name: "framework", Type: "TEXT", NotNull: true},
			{Name: "schema_symbol", Type: "TEXT"},
			{Name: "validated_fields", Type: "TEXT"},
			{Name: "line", Type: "INTEGER", NotNull: true},
			{Name: "is_sanitizer_boundary", Type: "BOOLEAN", NotNull: true},
		},
		Indices: []Index{{Name: "idx_validation_file", Columns: []string{"file"}}},
	},
	{
		Name:      "sql_queries",
		FileOwned: true,
		Columns: []Column{
			{Name: "file", Type: "TEXT", NotNull: true},
			{Name: "scope", Type: "TEXT", NotNull: true},
			{Name: "line", Type: "INTEGER", NotNull: true},
			{Name: "query_text", Type: "TEXT"},
			{Name: "query_kind", Type: "TEXT", NotNull: true},
			{Name: "command", Type: "TEXT"},
			{Name: "tables", Type: "TEXT"},
			{Name: "is_static", Type: "BOOLEAN", NotNull: true},
			{Name: "interpolated_expressions", Type: "TEXT"},
		},
		Indices: []Index{{Name: "idx_sql_queries_file", Columns: []string{"file"}}},
	},
	{
		Name:      "cfg_blocks",
		FileOwned: true,
		Columns: []Column{
			{Name: "block_id", Type: "TEXT", NotNull: true},
			{Name: "file", Type: "TEXT", NotNull: true},
			{Name: "scope", Type: "TEXT", NotNull: true},
			{Name: "start_line", Type: "INTEGER", NotNull: true},
			{Name: "end_line", Type: "INTEGER", NotNull: true},
			{Name: "kind", Type: "TEXT", NotNull: true},
		},
		Indices: []Index{
			{Name: "idx_cfg_blocks_scope", Columns: []string{"scope"}},
			{Name: "idx_cfg_blocks_file", Columns: []string{"file"}},
		},
	},
	{
		Name:      "cfg_edges",
		FileOwned: true,
		Columns: []Column{
			{Name: "from_block", Type: "TEXT", NotNull: true},
			{Name: "to_block", Type: "TEXT", NotNull: true},
			{Name: "label", Type: "TEXT", NotNull: true},
		},
		Indices: []Index{
			{Name: "idx_cfg_edges_from", Columns: []string{"from_block"}},
			{Name: "idx_cfg_edges_to", Columns: []string{"to_block"}},
		},
	},
	{
		Name:      "cfg_block_statements",
		FileOwned: true,
		Columns: []Column{
			{Name: "block_id", Type: "TEXT", NotNull: true},
			{Name: "statement_line", Type: "INTEGER", NotNull: true},
			{Name: "statement_kind", Type: "TEXT", NotNull: true},
			{Name: "statement_text", Type: "TEXT"},
		},
		Indices: []Index{{Name: "idx_cfg_stmts_block", Columns: []string{"block_id"}}},
	},
	{
		Name: "call_graph_edges",
		Columns: []Column{
			{Name: "caller_scope", Type: "TEXT", NotNull: true},
			{Name: "callee_scope", Type: "TEXT", NotNull: true},
			{Name: "call_site_file", Type: "TEXT", NotNull: true},
			{Name: "call_site_line", Type: "INTEGER", NotNull: true},
		},
		Indices: []Index{
			{Name: "idx_cge_caller", Columns: []string{"caller_scope"}},
			{Name: "idx_cge_callee", Columns: []string{"callee_scope"}},
		},
	},
	{
		Name: "import_graph_edges",
		Columns: []Column{
			{Name: "importer_file", Type: "TEXT", NotNull: true},
			{Name: "imported_file", Type: "TEXT", NotNull: true},
		},
		Indices: []Index{{Name: "idx_ige_importer", Columns: []string{"importer_file"}}},
	},
	{
		Name: "findings_consolidated",
		Columns: []Column{
			{Name: "id", Type: "TEXT", NotNull: true},
			{Name: "category", Type: "TEXT", NotNull: true},
			{Name: "severity", Type: "TEXT", NotNull: true},
			{Name: "source_file", Type: "TEXT", NotNull: true},
			{Name: "source_line", Type: "INTEGER", NotNull: true},
			{Name: "source_access_path", Type: "TEXT", NotNull: true},
			{Name: "source_kind", Type: "TEXT", NotNull: true},
			{Name: "sink_file", Type: "TEXT", NotNull: true},
			{Name: "sink_line", Type: "INTEGER", NotNull: true},
			{Name: "sink_kind", Type: "TEXT", NotNull: true},
			{Name: "vulnerable_argument_index", Type: "INTEGER", NotNull: true},
			{Name: "provenance", Type: "TEXT", NotNull: true},
			{Name: "sanitizers_encountered", Type: "TEXT"},
			{Name: "confidence", Type: "TEXT", NotNull: true},
			{Name: "rule_id", Type: "TEXT"},
		},
		Indices: []Index{{Name: "idx_findings_category", Columns: []string{"category"}}},
	},
	{
		Name: "diagnostics",
		Columns: []Column{
			{Name: "file", Type: "TEXT"},
			{Name: "stage", Type: "TEXT", NotNull: true},
			{Name: "kind", Type: "TEXT", NotNull: true},
			{Name: "message", Type: "TEXT", NotNull: true},
			{Name: "line", Type: "INTEGER"},
		},
		Indices: []Index{{Name: "idx_diagnostics_stage", Columns: []string{"stage"}}},
	},
	{
		Name: "schema_meta",
		Columns: []Column{
			{Name: "id", Type: "INTEGER", NotNull: true},
			{Name: "schema_digest", Type: "TEXT", NotNull: true},
			{Name: "pipeline_version", Type: "TEXT", NotNull: true},
		},
	},
}}
