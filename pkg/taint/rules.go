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
	"fmt"

	"github.com/theauditor/auditor/pkg/storage"
)

// SourceFact is a single taint-originating fact read from the fact
// base: somewhere data enters the program from outside its control.
type SourceFact struct {
	File       string
	Line       int
	Scope      string
	RootIdent  string
	SourceKind string
}

// SinkFact is a place where tainted data would be dangerous.
type SinkFact struct {
	File          string
	Line          int
	Scope         string
	SinkKind      string
	ArgIndex      int
	ArgExpression string
}

// SanitizerFact is a function or framework boundary that neutralizes
// taint for the access path it covers.
type SanitizerFact struct {
	File              string
	Line              int
	Scope             string
	CoveredAccessPath string
}

// SourceQuery, SinkQuery and SanitizerQuery let a rule author supply
// taint vocabulary as plain SQL against the fact base, rather than as
// Go types the engine special-cases. This is the resolution of spec §9
// Open Question 2: a rule is an external consumer of the fact base,
// never a thing the core engine hardcodes — the engine only hardcodes
// the IFDS algorithm itself. DefaultConfig below supplies the built-in
// rule set TheAuditor ships with; additional rules compose by
// appending to Config.Sources/Sinks/Sanitizers.
//
// Scan receives one result row (same positional order as the SQL
// query's SELECT list) and returns ok=false to drop the row — used by
// the built-ins to filter a table scan down to a known-callee
// allowlist without building a dynamic SQL "IN (...)" clause.
type SourceQuery struct {
	Name string
	SQL  string
	Scan func(row []any) (fact SourceFact, ok bool, err error)
}

type SinkQuery struct {
	Name string
	SQL  string
	Scan func(row []any) (fact SinkFact, ok bool, err error)
}

type SanitizerQuery struct {
	Name string
	SQL  string
	Scan func(row []any) (fact SanitizerFact, ok bool, err error)
}

// Config is the full set of taint vocabulary the engine runs with.
type Config struct {
	Sources    []SourceQuery
	Sinks      []SinkQuery
	Sanitizers []SanitizerQuery
}

func asString(v any) string {
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

func asInt(v any) int {
	switch t := v.(type) {
	case int64:
		return int(t)
	case int:
		return t
	case float64:
		return int(t)
	default:
		return 0
	}
}

func loadSources(ctx context.Context, db storage.Backend, queries []SourceQuery) ([]SourceFact, error) {
	var out []SourceFact
	for _, q := range queries {
		result, err := db.Query(ctx, q.SQL)
		if err != nil {
			return nil, fmt.Errorf("source query %s: %w", q.Name, err)
		}
		for _, row := range result.Rows {
			f, ok, err := q.Scan(row)
			if err != nil {
				return nil, fmt.Errorf("source query %s: scan: %w", q.Name, err)
			}
			if ok {
				out = append(out, f)
			}
		}
	}
	return out, nil
}

func loadSinks(ctx context.Context, db storage.Backend, queries []SinkQuery) ([]SinkFact, error) {
	var out []SinkFact
	for _, q := range queries {
		result, err := db.Query(ctx, q.SQL)
		if err != nil {
			return nil, fmt.Errorf("sink query %s: %w", q.Name, err)
		}
		for _, row := range result.Rows {
			f, ok, err := q.Scan(row)
			if err != nil {
				return nil, fmt.Errorf("sink query %s: scan: %w", q.Name, err)
			}
			if ok {
				out = append(out, f)
			}
		}
	}
	return out, nil
}

func loadSanitizers(ctx context.Context, db storage.Backend, queries []SanitizerQuery) ([]SanitizerFact, error) {
	var out []SanitizerFact
	for _, q := range queries {
		result, err := db.Query(ctx, q.SQL)
		if err != nil {
			return nil, fmt.Errorf("sanitizer query %s: %w", q.Name, err)
		}
		for _, row := range result.Rows {
			f, ok, err := q.Scan(row)
			if err != nil {
				return nil, fmt.Errorf("sanitizer query %s: scan: %w", q.Name, err)
			}
			if ok {
				out = append(out, f)
			}
		}
	}
	return out, nil
}

// sourceIdentifiers is the built-in vocabulary of process-level
// sources that have no route or handler to be discovered from: the
// program's own environment and command line. Framework request
// objects (req.body, request.args, ...) are deliberately not listed
// here — spec §4.5.1 requires those be discovered structurally, per
// recognized route, from routes.parameter_sources (see the
// "route_parameters" SourceQuery below and
// pkg/extract/frameworks.go's routeFromCall), not matched as bare
// identifier strings against every reference in the repo. Grounded on
// gosec's Source{Package,Name} table
// (other_examples/39c162fd_securego-gosec__taint-taint.go.go) but
// keyed by bare reference name instead of an SSA type, since the fact
// base carries no type information.
var sourceIdentifiers = []string{
	"os.Getenv", "sys.argv", "os.environ",
}

// sinkCallees is the built-in vocabulary of dangerous call targets.
var sinkCallees = []string{
	"exec.Command", "os/exec.Command", "subprocess.call", "subprocess.Popen", "subprocess.run",
	"child_process.exec", "child_process.execSync", "os.system", "eval", "exec",
}

// sanitizerCallees is the built-in vocabulary of functions that
// neutralize taint when called on an access path.
var sanitizerCallees = []string{
	"html.EscapeString", "shlex.quote", "bleach.clean", "validator.escape",
	"filepath.Clean", "path.Clean", "strconv.Quote",
}

func inList(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// DefaultConfig returns the taint vocabulary TheAuditor ships with: SQL
// injection via non-static queries (sql_queries.is_static = 0, the
// extractor's own interpolation signal), command/eval injection via
// known dangerous callees, sources via recognized routes'
// parameter_sources plus known environment/command-line identifiers,
// and sanitizers via Validation Framework Usage rows plus
// known escaping functions.
func DefaultConfig() Config {
	return Config{
		Sinks: []SinkQuery{
			{
				Name: "sql_injection",
				SQL: `SELECT file, line, scope, interpolated_expressions
				      FROM sql_queries WHERE is_static = 0`,
				Scan: func(row []any) (SinkFact, bool, error) {
					f := SinkFact{
						File:     asString(row[0]),
						Line:     asInt(row[1]),
						Scope:    asString(row[2]),
						SinkKind: "sql_injection",
						ArgIndex: -1,
					}
					f.ArgExpression = firstToken(asString(row[3]))
					return f, true, nil
				},
			},
			{
				Name: "command_injection",
				SQL: `SELECT file, line, caller_scope, callee_name, argument_index, argument_expression
				      FROM function_call_args WHERE argument_index >= 0`,
				Scan: func(row []any) (SinkFact, bool, error) {
					callee := asString(row[3])
					if !inList(sinkCallees, callee) {
						return SinkFact{}, false, nil
					}
					return SinkFact{
						File:          asString(row[0]),
						Line:          asInt(row[1]),
						Scope:         asString(row[2]),
						SinkKind:      "command_injection",
						ArgIndex:      asInt(row[4]),
						ArgExpression: asString(row[5]),
					}, true, nil
				},
			},
		},
		Sources: []SourceQuery{
			{
				// Primary source-discovery path (spec §4.5.1): each
				// recognized route's parameter_sources column already
				// enumerates the request-derived access paths its
				// handler receives. The recursive CTE fans one
				// comma-joined routes row out into one result row per
				// access path so Scan stays a plain per-row mapper.
				// Line 0 marks the fact as available from the top of
				// the handler's scope, since a route parameter is
				// live before the handler's first statement runs.
				Name: "route_parameters",
				SQL: `WITH RECURSIVE split(file, handler_scope, rest, token) AS (
				        SELECT file, handler_symbol, parameter_sources || ',', ''
				        FROM routes WHERE COALESCE(parameter_sources, '') != ''
				        UNION ALL
				        SELECT file, handler_scope,
				               substr(rest, instr(rest, ',') + 1),
				               substr(rest, 1, instr(rest, ',') - 1)
				        FROM split WHERE rest != ''
				      )
				      SELECT file, handler_scope, token FROM split WHERE token != ''`,
				Scan: func(row []any) (SourceFact, bool, error) {
					token := asString(row[2])
					return SourceFact{
						File:       asString(row[0]),
						Line:       0,
						Scope:      asString(row[1]),
						RootIdent:  firstToken(token),
						SourceKind: token,
					}, true, nil
				},
			},
			{
				Name: "known_identifiers",
				SQL:  `SELECT file, line, scope, referenced_name FROM refs`,
				Scan: func(row []any) (SourceFact, bool, error) {
					name := asString(row[3])
					if !inList(sourceIdentifiers, name) {
						return SourceFact{}, false, nil
					}
					return SourceFact{
						File:       asString(row[0]),
						Line:       asInt(row[1]),
						Scope:      asString(row[2]),
						RootIdent:  firstToken(name),
						SourceKind: name,
					}, true, nil
				},
			},
		},
		Sanitizers: []SanitizerQuery{
			{
				Name: "validation_framework",
				SQL: `SELECT file, line, scope, COALESCE(validated_fields, '')
				      FROM validation_framework_usage WHERE is_sanitizer_boundary = 1`,
				Scan: func(row []any) (SanitizerFact, bool, error) {
					return SanitizerFact{
						File:              asString(row[0]),
						Line:              asInt(row[1]),
						Scope:             asString(row[2]),
						CoveredAccessPath: asString(row[3]),
					}, true, nil
				},
			},
			{
				Name: "known_escape_functions",
				SQL: `SELECT file, line, caller_scope, callee_name, argument_expression
				      FROM function_call_args WHERE argument_index = 0`,
				Scan: func(row []any) (SanitizerFact, bool, error) {
					callee := asString(row[3])
					if !inList(sanitizerCallees, callee) {
						return SanitizerFact{}, false, nil
					}
					return SanitizerFact{
						File:              asString(row[0]),
						Line:              asInt(row[1]),
						Scope:             asString(row[2]),
						CoveredAccessPath: firstToken(asString(row[4])),
					}, true, nil
				},
			},
		},
	}
}
