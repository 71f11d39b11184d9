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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/theauditor/auditor/pkg/storage"
)

func openTestBackend(t *testing.T) *storage.SQLiteBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "repo_index.db")
	b, err := storage.Open(storage.Config{Path: path, PipelineVersion: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

// testConfig builds a minimal, hand-written vocabulary instead of
// DefaultConfig: each scenario only needs one source and one sink, and
// a small config keeps the SQL each test reads off easy to follow.
func testConfig() Config {
	return Config{
		Sources: []SourceQuery{{
			Name: "req_body",
			SQL:  `SELECT file, line, scope, referenced_name FROM refs WHERE kind = 'source'`,
			Scan: func(row []any) (SourceFact, bool, error) {
				name := asString(row[3])
				return SourceFact{
					File: asString(row[0]), Line: asInt(row[1]), Scope: asString(row[2]),
					RootIdent: firstToken(name), SourceKind: name,
				}, true, nil
			},
		}},
		Sinks: []SinkQuery{{
			Name: "exec_sink",
			SQL: `SELECT file, line, caller_scope, argument_expression, argument_index
			      FROM function_call_args WHERE callee_name = 'exec.Command'`,
			Scan: func(row []any) (SinkFact, bool, error) {
				return SinkFact{
					File: asString(row[0]), Line: asInt(row[1]), Scope: asString(row[2]),
					SinkKind: "command_injection", ArgIndex: asInt(row[4]), ArgExpression: asString(row[3]),
				}, true, nil
			},
		}},
		Sanitizers: []SanitizerQuery{{
			Name: "escape",
			SQL: `SELECT file, line, caller_scope, argument_expression
			      FROM function_call_args WHERE callee_name = 'shlex.quote'`,
			Scan: func(row []any) (SanitizerFact, bool, error) {
				return SanitizerFact{
					File: asString(row[0]), Line: asInt(row[1]), Scope: asString(row[2]),
					CoveredAccessPath: firstToken(asString(row[3])),
				}, true, nil
			},
		}},
	}
}

func insertRef(t *testing.T, b *storage.SQLiteBackend, file, scope, name, kind string, line int) {
	t.Helper()
	require.NoError(t, b.InsertRows(context.Background(), "refs",
		[]string{"file", "scope", "referenced_name", "kind", "line"},
		[][]any{{file, scope, name, kind, line}}))
}

func insertAssignment(t *testing.T, b *storage.SQLiteBackend, file, scope, target, rhsKind, rhsExpr, rhsRefs string, line int) {
	t.Helper()
	require.NoError(t, b.InsertRows(context.Background(), "assignments",
		[]string{"file", "scope", "target_name", "rhs_expression", "rhs_kind", "rhs_refs", "line"},
		[][]any{{file, scope, target, rhsExpr, rhsKind, rhsRefs, line}}))
}

func insertCallArg(t *testing.T, b *storage.SQLiteBackend, file, callerScope, calleeName, calleeResolved string, line, argIndex int, argExpr, argKind string) {
	t.Helper()
	require.NoError(t, b.InsertRows(context.Background(), "function_call_args",
		[]string{"file", "caller_scope", "callee_name", "callee_resolved", "line", "argument_index", "argument_expression", "argument_kind"},
		[][]any{{file, callerScope, calleeName, calleeResolved, line, argIndex, argExpr, argKind}}))
}

func TestEngineFindsDirectSourceToSink(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	insertRef(t, b, "main.go", "handler", "req.body", "source", 5)
	insertCallArg(t, b, "main.go", "handler", "exec.Command", "", 6, 0, "req.body", "identifier")

	e, err := New(ctx, b, testConfig())
	require.NoError(t, err)

	findings, err := e.Run(ctx)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	require.Equal(t, "command_injection", findings[0].Category)
	require.Equal(t, ConfidenceHigh, findings[0].Confidence)
	require.True(t, findings[0].ForwardVerified)
}

func TestEngineBlocksExactlySanitizedPath(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	insertRef(t, b, "main.go", "handler", "req.body", "source", 5)
	insertCallArg(t, b, "main.go", "handler", "shlex.quote", "", 6, 0, "req.body", "identifier")
	insertAssignment(t, b, "main.go", "handler", "cmd", "call", "shlex.quote(req.body)", "req.body", 6)
	insertCallArg(t, b, "main.go", "handler", "exec.Command", "", 7, 0, "cmd", "identifier")

	e, err := New(ctx, b, testConfig())
	require.NoError(t, err)

	findings, err := e.Run(ctx)
	require.NoError(t, err)
	require.Empty(t, findings)
}

func TestEngineRecordsPartialSanitizerWithoutBlocking(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	insertRef(t, b, "main.go", "handler", "req", "source", 5)
	// A sanitizer call on the bare root "req" intersects the deeper
	// access path "req.body.field" (a coarser covering path), so it's
	// recorded as encountered, but it doesn't exactly match the path
	// being propagated, so it doesn't block (spec §4.5.5 / §9 Open
	// Question 1).
	insertCallArg(t, b, "main.go", "handler", "shlex.quote", "", 6, 0, "req", "identifier")
	insertAssignment(t, b, "main.go", "handler", "x", "member", "req.body.field", "req", 7)
	insertCallArg(t, b, "main.go", "handler", "exec.Command", "", 8, 0, "x", "identifier")

	e, err := New(ctx, b, testConfig())
	require.NoError(t, err)

	findings, err := e.Run(ctx)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	require.NotEmpty(t, findings[0].SanitizersEncountered)
	require.GreaterOrEqual(t, findings[0].SanitizerDistance, 0)
}

func TestEngineInterproceduralResolvedCallee(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	// Source lives inside the callee's own scope; the engine must
	// resolve the "cmd := buildCmd()" call into buildCmd's "return" ref
	// and keep looking for a source there, not in the caller.
	insertAssignment(t, b, "main.go", "handler", "cmd", "call", "buildCmd()", "", 6)
	insertCallArg(t, b, "main.go", "handler", "buildCmd", "buildCmd", 6, 0, "", "call")
	insertCallArg(t, b, "main.go", "handler", "exec.Command", "", 7, 0, "cmd", "identifier")

	insertRef(t, b, "main.go", "buildCmd", "req.body", "source", 9)
	insertRef(t, b, "main.go", "buildCmd", "req", "return", 10)

	e, err := New(ctx, b, testConfig())
	require.NoError(t, err)

	findings, err := e.Run(ctx)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	require.Equal(t, ConfidenceHigh, findings[0].Confidence)
}

func insertCallGraphEdge(t *testing.T, b *storage.SQLiteBackend, callerScope, calleeScope, callSiteFile string, callSiteLine int) {
	t.Helper()
	require.NoError(t, b.InsertRows(context.Background(), "call_graph_edges",
		[]string{"caller_scope", "callee_scope", "call_site_file", "call_site_line"},
		[][]any{{callerScope, calleeScope, callSiteFile, callSiteLine}}))
}

// TestEngineForwardVerifiesAcrossResolvedCall exercises the forward
// pass's call-graph BFS (spec §4.5.4): with the resolver's
// call_graph_edges row present, connecting the source's scope
// (buildCmd) to the sink's scope (handler), the candidate the backward
// pass found is confirmed forward.
func TestEngineForwardVerifiesAcrossResolvedCall(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	insertAssignment(t, b, "main.go", "handler", "cmd", "call", "buildCmd()", "", 6)
	insertCallArg(t, b, "main.go", "handler", "buildCmd", "buildCmd", 6, 0, "", "call")
	insertCallArg(t, b, "main.go", "handler", "exec.Command", "", 7, 0, "cmd", "identifier")
	insertCallGraphEdge(t, b, "handler", "buildCmd", "main.go", 6)

	insertRef(t, b, "main.go", "buildCmd", "req.body", "source", 9)
	insertRef(t, b, "main.go", "buildCmd", "req", "return", 10)

	e, err := New(ctx, b, testConfig())
	require.NoError(t, err)

	findings, err := e.Run(ctx)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	require.True(t, findings[0].ForwardVerified)
}

// TestEngineForwardUnverifiedWithoutCallGraphEdge is the same shape as
// TestEngineForwardVerifiesAcrossResolvedCall but without the
// call_graph_edges row: the backward pass still finds the candidate
// (it never consults call_graph_edges, only callee_resolved), but the
// forward BFS has no edge to confirm the path with, so the finding is
// reported "forward unverified" rather than dropped.
func TestEngineForwardUnverifiedWithoutCallGraphEdge(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	insertAssignment(t, b, "main.go", "handler", "cmd", "call", "buildCmd()", "", 6)
	insertCallArg(t, b, "main.go", "handler", "buildCmd", "buildCmd", 6, 0, "", "call")
	insertCallArg(t, b, "main.go", "handler", "exec.Command", "", 7, 0, "cmd", "identifier")

	insertRef(t, b, "main.go", "buildCmd", "req.body", "source", 9)
	insertRef(t, b, "main.go", "buildCmd", "req", "return", 10)

	e, err := New(ctx, b, testConfig())
	require.NoError(t, err)

	findings, err := e.Run(ctx)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	require.False(t, findings[0].ForwardVerified)
}

func TestEngineOpaqueCalleeDowngradesConfidence(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	insertRef(t, b, "main.go", "handler", "req.body", "source", 5)
	insertAssignment(t, b, "main.go", "handler", "cmd", "call", "fmt.Sprintf(req.body)", "", 6)
	insertCallArg(t, b, "main.go", "handler", "fmt.Sprintf", "", 6, 0, "req.body", "identifier")
	insertCallArg(t, b, "main.go", "handler", "exec.Command", "", 7, 0, "cmd", "identifier")

	e, err := New(ctx, b, testConfig())
	require.NoError(t, err)

	findings, err := e.Run(ctx)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	require.Equal(t, ConfidenceMedium, findings[0].Confidence)
}

func TestEngineKLimitingTruncatesAndDowngradesToLow(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	insertRef(t, b, "main.go", "handler", "req.body", "source", 2)
	// Chain a member-expression assignment deep enough to exceed
	// DefaultK (5) so the access path truncates to "*".
	insertAssignment(t, b, "main.go", "handler", "a", "member", "req.body.x.y.z.w.v", "req.body", 3)
	insertCallArg(t, b, "main.go", "handler", "exec.Command", "", 4, 0, "a", "identifier")

	e, err := New(ctx, b, testConfig())
	require.NoError(t, err)

	findings, err := e.Run(ctx)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	require.Equal(t, ConfidenceLow, findings[0].Confidence)
}

func TestEngineNoFindingWithoutSource(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	insertCallArg(t, b, "main.go", "handler", "exec.Command", "", 7, 0, "unrelatedVar", "identifier")

	e, err := New(ctx, b, testConfig())
	require.NoError(t, err)

	findings, err := e.Run(ctx)
	require.NoError(t, err)
	require.Empty(t, findings)
}

func TestDefaultConfigWiresUpWithoutError(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	insertRef(t, b, "main.go", "handler", "os.Getenv", "ref", 5)
	require.NoError(t, b.InsertRows(ctx, "sql_queries",
		[]string{"file", "scope", "line", "query_text", "query_kind", "command", "tables", "is_static", "interpolated_expressions"},
		[][]any{{"main.go", "handler", 6, "SELECT * FROM users WHERE id = ?", "select", "select", "users", false, "os.Getenv"}}))

	e, err := New(ctx, b, DefaultConfig())
	require.NoError(t, err)

	findings, err := e.Run(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, findings)

	require.NoError(t, Persist(ctx, b, findings))
	result, err := b.Query(ctx, "SELECT category FROM findings_consolidated")
	require.NoError(t, err)
	require.Len(t, result.Rows, len(findings))
}
