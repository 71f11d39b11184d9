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

package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/theauditor/auditor/pkg/discovery"
	"github.com/theauditor/auditor/pkg/extract"
	"github.com/theauditor/auditor/pkg/metrics"
	"github.com/theauditor/auditor/pkg/resolve"
	"github.com/theauditor/auditor/pkg/storage"
)

// writeFileFacts stamps f.Path onto every row extract produced and
// writes them inside one ReplaceFileRows transaction — the atomicity
// spec §5 requires ("all of a file's rows... in a single
// transaction"). The files row itself travels through the same
// transaction since the files table is file-owned (one row per file).
func writeFileFacts(ctx context.Context, backend storage.Backend, f discovery.File, r extract.Result) error {
	tx, err := backend.ReplaceFileRows(ctx, f.Path)
	if err != nil {
		return fmt.Errorf("replace rows for %s: %w", f.Path, err)
	}
	defer tx.Rollback()

	insert := func(table string, columns []string, rows [][]any) error {
		if len(rows) == 0 {
			return nil
		}
		if err := tx.InsertRows(table, columns, rows); err != nil {
			return err
		}
		metrics.RecordRowsInserted(table, len(rows))
		return nil
	}

	if err := insert("files",
		[]string{"file", "language", "sha256", "size_bytes", "line_count"},
		[][]any{{f.Path, f.Language, f.SHA256, f.SizeBytes, f.LineCount}}); err != nil {
		return err
	}
	if err := insert("symbols",
		[]string{"file", "name", "type", "line", "column", "scope", "signature"},
		symbolRows(f.Path, r.Symbols)); err != nil {
		return err
	}
	if err := insert("imports",
		[]string{"file", "target", "resolved_path", "imported_names", "line"},
		importRows(f.Path, r.Imports)); err != nil {
		return err
	}
	if err := insert("function_call_args",
		[]string{"file", "caller_scope", "callee_name", "callee_resolved", "line",
			"argument_index", "argument_expression", "argument_kind"},
		callArgRows(f.Path, r.CallArgs)); err != nil {
		return err
	}
	if err := insert("assignments",
		[]string{"file", "scope", "target_name", "rhs_expression", "rhs_kind", "rhs_refs", "line"},
		assignmentRows(f.Path, r.Assignments)); err != nil {
		return err
	}
	if err := insert("refs",
		[]string{"file", "scope", "referenced_name", "kind", "line"},
		refRows(f.Path, r.Refs)); err != nil {
		return err
	}
	if err := insert("routes",
		[]string{"file", "method", "path_pattern", "handler_symbol", "auth_decorators", "parameter_sources"},
		routeRows(f.Path, r.Routes)); err != nil {
		return err
	}
	if err := insert("validation_framework_usage",
		[]string{"file", "scope", "framework", "schema_symbol", "validated_fields", "line", "is_sanitizer_boundary"},
		validationRows(f.Path, r.Validations)); err != nil {
		return err
	}
	if err := insert("sql_queries",
		[]string{"file", "scope", "line", "query_text", "query_kind", "command", "tables", "is_static", "interpolated_expressions"},
		sqlQueryRows(f.Path, r.SQLQueries)); err != nil {
		return err
	}
	if err := insert("cfg_blocks",
		[]string{"block_id", "file", "scope", "start_line", "end_line", "kind"},
		cfgBlockRows(f.Path, r.CFGBlocks)); err != nil {
		return err
	}
	if err := insert("cfg_edges",
		[]string{"from_block", "to_block", "label"},
		cfgEdgeRows(f.Path, r.CFGEdges)); err != nil {
		return err
	}
	if err := insert("cfg_block_statements",
		[]string{"block_id", "statement_line", "statement_kind", "statement_text"},
		cfgStmtRows(f.Path, r.CFGStmts)); err != nil {
		return err
	}

	return tx.Commit()
}

func symbolRows(file string, rows []extract.Symbol) [][]any {
	out := make([][]any, len(rows))
	for i, s := range rows {
		out[i] = []any{file, s.Name, s.Type, s.Line, s.Column, s.Scope, s.Signature}
	}
	return out
}

func importRows(file string, rows []extract.Import) [][]any {
	out := make([][]any, len(rows))
	for i, im := range rows {
		out[i] = []any{file, im.Target, im.ResolvedPath, im.ImportedNames, im.Line}
	}
	return out
}

func callArgRows(file string, rows []extract.CallArg) [][]any {
	out := make([][]any, len(rows))
	for i, c := range rows {
		out[i] = []any{file, c.CallerScope, c.CalleeName, c.CalleeResolved, c.Line, c.ArgumentIndex, c.ArgumentExpression, c.ArgumentKind}
	}
	return out
}

func assignmentRows(file string, rows []extract.Assignment) [][]any {
	out := make([][]any, len(rows))
	for i, a := range rows {
		out[i] = []any{file, a.Scope, a.TargetName, a.RHSExpression, a.RHSKind, a.RHSRefs, a.Line}
	}
	return out
}

func refRows(file string, rows []extract.Ref) [][]any {
	out := make([][]any, len(rows))
	for i, r := range rows {
		out[i] = []any{file, r.Scope, r.ReferencedName, r.Kind, r.Line}
	}
	return out
}

func routeRows(file string, rows []extract.Route) [][]any {
	out := make([][]any, len(rows))
	for i, rt := range rows {
		out[i] = []any{file, rt.Method, rt.PathPattern, rt.HandlerSymbol, rt.AuthDecorators, rt.ParameterSources}
	}
	return out
}

func validationRows(file string, rows []extract.Validation) [][]any {
	out := make([][]any, len(rows))
	for i, v := range rows {
		out[i] = []any{file, v.Scope, v.Framework, v.SchemaSymbol, v.ValidatedFields, v.Line, v.IsSanitizerBoundary}
	}
	return out
}

func sqlQueryRows(file string, rows []extract.SQLQuery) [][]any {
	out := make([][]any, len(rows))
	for i, q := range rows {
		out[i] = []any{file, q.Scope, q.Line, q.QueryText, q.QueryKind, q.Command, q.Tables, q.IsStatic, q.InterpolatedExpressions}
	}
	return out
}

func cfgBlockRows(file string, rows []extract.CFGBlock) [][]any {
	out := make([][]any, len(rows))
	for i, b := range rows {
		out[i] = []any{b.BlockID, file, b.Scope, b.StartLine, b.EndLine, b.Kind}
	}
	return out
}

func cfgEdgeRows(file string, rows []extract.CFGEdge) [][]any {
	out := make([][]any, len(rows))
	for i, e := range rows {
		out[i] = []any{e.FromBlock, e.ToBlock, e.Label}
	}
	return out
}

func cfgStmtRows(file string, rows []extract.CFGStatement) [][]any {
	out := make([][]any, len(rows))
	for i, s := range rows {
		out[i] = []any{s.BlockID, s.StatementLine, s.StatementKind, s.StatementText}
	}
	return out
}

// writeResolveResult writes the resolver's cross-file edges. These
// tables are not file-owned (an edge spans two files), so the caller
// clears them wholesale before this runs; see Run's DeleteAll calls.
func writeResolveResult(ctx context.Context, backend storage.Backend, r resolve.Result) error {
	if len(r.CallGraphEdges) > 0 {
		rows := make([][]any, len(r.CallGraphEdges))
		for i, e := range r.CallGraphEdges {
			rows[i] = []any{e.CallerScope, e.CalleeScope, e.CallSiteFile, e.CallSiteLine}
		}
		if err := backend.InsertRows(ctx, "call_graph_edges",
			[]string{"caller_scope", "callee_scope", "call_site_file", "call_site_line"}, rows); err != nil {
			return err
		}
	}
	if len(r.ImportGraphEdges) > 0 {
		rows := make([][]any, len(r.ImportGraphEdges))
		for i, e := range r.ImportGraphEdges {
			rows[i] = []any{e.ImporterFile, e.ImportedFile}
		}
		if err := backend.InsertRows(ctx, "import_graph_edges",
			[]string{"importer_file", "imported_file"}, rows); err != nil {
			return err
		}
	}
	if len(r.CalleeResolutions) > 0 {
		updates := make([]storage.CalleeResolution, len(r.CalleeResolutions))
		for i, u := range r.CalleeResolutions {
			updates[i] = storage.CalleeResolution{
				File: u.File, Line: u.Line, CallerScope: u.CallerScope,
				CalleeName: u.CalleeName, CalleeScope: u.CalleeScope,
			}
		}
		if err := backend.UpdateCalleeResolved(ctx, updates); err != nil {
			return err
		}
	}
	return nil
}

func writeDiagnostics(ctx context.Context, backend storage.Backend, diagnostics []diagnostic) error {
	if len(diagnostics) == 0 {
		return nil
	}
	rows := make([][]any, len(diagnostics))
	for i, d := range diagnostics {
		var line any
		if d.Line > 0 {
			line = d.Line
		}
		rows[i] = []any{d.File, d.Stage, d.Kind, d.Message, line}
	}
	return backend.InsertRows(ctx, "diagnostics", []string{"file", "stage", "kind", "message", "line"}, rows)
}

// loadFileHashes reads every file's recorded sha256 for --resume
// comparison (spec §7 Recovery).
func loadFileHashes(ctx context.Context, backend storage.Backend) (map[string]string, error) {
	result, err := backend.Query(ctx, `SELECT file, sha256 FROM files`)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(result.Rows))
	for _, row := range result.Rows {
		out[asStr(row[0])] = asStr(row[1])
	}
	return out, nil
}

// collectFileFacts assembles resolve.FileFacts for every file the
// resolver needs: files extracted this run come from freshly-written
// rows (read back for uniformity), files skipped under --resume come
// from rows a prior run already committed.
func collectFileFacts(ctx context.Context, backend storage.Backend, files []discovery.File, allowed func(string) bool) ([]resolve.FileFacts, error) {
	out := make([]resolve.FileFacts, 0, len(files))
	for _, f := range files {
		if f.Language == "error" || !allowed(f.Language) {
			continue
		}
		facts, err := loadFileFacts(ctx, backend, f.Path, f.Language)
		if err != nil {
			return nil, fmt.Errorf("load facts for %s: %w", f.Path, err)
		}
		out = append(out, facts)
	}
	return out, nil
}

// loadFileFacts reconstructs one file's resolve.FileFacts from the
// fact base — the only place that matters is what the resolver reads
// (symbols, imports, call args), regardless of whether this run wrote
// those rows moments ago or a prior run wrote them before --resume
// skipped re-extraction.
func loadFileFacts(ctx context.Context, backend storage.Backend, path, language string) (resolve.FileFacts, error) {
	facts := resolve.FileFacts{Path: path, Language: language}

	symResult, err := backend.Query(ctx, `SELECT name, type, line, column, scope, signature FROM symbols WHERE file = ?`, path)
	if err != nil {
		return facts, err
	}
	for _, row := range symResult.Rows {
		facts.Symbols = append(facts.Symbols, extract.Symbol{
			Name: asStr(row[0]), Type: asStr(row[1]), Line: asI(row[2]),
			Column: asI(row[3]), Scope: asStr(row[4]), Signature: asStr(row[5]),
		})
	}

	impResult, err := backend.Query(ctx, `SELECT target, resolved_path, imported_names, line FROM imports WHERE file = ?`, path)
	if err != nil {
		return facts, err
	}
	for _, row := range impResult.Rows {
		facts.Imports = append(facts.Imports, extract.Import{
			Target: asStr(row[0]), ResolvedPath: asStr(row[1]), ImportedNames: asStr(row[2]), Line: asI(row[3]),
		})
	}

	callResult, err := backend.Query(ctx, `SELECT caller_scope, callee_name, callee_resolved, line, argument_index,
	                                       argument_expression, argument_kind FROM function_call_args WHERE file = ?`, path)
	if err != nil {
		return facts, err
	}
	for _, row := range callResult.Rows {
		facts.CallArgs = append(facts.CallArgs, extract.CallArg{
			CallerScope: asStr(row[0]), CalleeName: asStr(row[1]), CalleeResolved: asStr(row[2]),
			Line: asI(row[3]), ArgumentIndex: asI(row[4]), ArgumentExpression: asStr(row[5]), ArgumentKind: asStr(row[6]),
		})
	}

	return facts, nil
}

func asStr(v any) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func asI(v any) int {
	switch t := v.(type) {
	case int64:
		return int(t)
	case int:
		return t
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(t))
		return n
	default:
		return 0
	}
}
