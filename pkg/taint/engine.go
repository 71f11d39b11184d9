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

// Package taint implements TheAuditor's interprocedural taint engine:
// a backward IFDS-style worklist over the fact base (instead of over
// SSA values, since the fact base has no SSA form), forward-verified
// and written back as rows in findings_consolidated.
//
// Vocabulary (Source, Sink, Sanitizer, Config, Analyzer-equivalent
// Engine, Result-equivalent Finding) and the cycle-safe recursive
// traversal shape are grounded on gosec's taint package
// (other_examples/39c162fd_securego-gosec__taint-taint.go.go), adapted
// from ssa.Value dispatch to access-path propagation over
// Assignments/CallArgs/Refs rows, since this engine has no SSA form to
// walk.
package taint

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/theauditor/auditor/pkg/storage"
)

// Confidence levels, spec §4.5.7.
const (
	ConfidenceHigh   = "HIGH"
	ConfidenceMedium = "MEDIUM"
	ConfidenceLow    = "LOW"
)

// Budget caps, spec §4.5.6: the worklist is bounded globally and per
// sink so a combinatorial call graph cannot run the engine forever.
const (
	globalEntryBudget = 1_000_000
	perSinkBudget      = 10_000
)

// perEntryWallCap is the adaptive-scheduling wall-time cap of spec
// §4.5.6: an entry (and everything it spawns for the same sink) that
// has run longer than this is suspended and re-queued at lower
// priority so other sinks can make progress.
const perEntryWallCap = 500 * time.Millisecond

// Hop is one step of the provenance chain from source to sink. Scope
// is the scope the hop's line belongs to (not serialized into
// findings_consolidated; it exists to let the forward verification
// pass in worklist.go re-walk the chain without re-deriving it).
type Hop struct {
	File        string
	Line        int
	Description string
	AccessPath  string
	Scope       string
}

// Finding is one engine-confirmed (source, sink) pair, spec §4.5.7.
type Finding struct {
	ID                    string
	Category              string
	Severity              string
	Source                SourceFact
	Sink                  SinkFact
	Provenance            []Hop
	SanitizersEncountered []string
	Confidence            string
	ForwardVerified       bool
	SanitizerDistance     int // CFG statements between first sanitizer and sink, -1 if none encountered
}

// assignmentRow and the row types after it mirror the subset of
// extract/resolve columns the backward walk needs, loaded once from the fact base at engine construction
// (spec §5: "built once... read-only after construction").
type assignmentRow struct {
	file, scope, target, rhsKind, rhsRefs, rhsExpr string
	line                                           int
}

type callArgRow struct {
	file, callerScope, calleeName, calleeResolved, argExpr, argKind string
	line, argIndex                                                  int
}

type refRow struct {
	file, scope, name, kind string
	line                    int
}

type callGraphRow struct {
	callerScope, calleeScope, callSiteFile string
	callSiteLine                           int
}

type cfgStmtRow struct {
	file, scope string
	line        int
}

// Engine holds the read-only fact-base snapshot and runs the backward
// worklist per sink.
type Engine struct {
	cfg Config

	assignmentsByScope map[string][]assignmentRow // key file|scope, ordered by line
	callArgsBySite     map[string][]callArgRow    // key file|scope|line
	callArgsByScope    map[string][]callArgRow    // key file|scope, for opaque-call sibling-arg propagation
	refsByScope        map[string][]refRow        // key file|scope
	callersByCallee    map[string][]callGraphRow  // key calleeScope
	paramsByScope      map[string][]string        // key file|scope, heuristic parameter names
	sanitizers         *sanitizerIndex
	sources            []SourceFact
	sinks              []SinkFact
	sourcesByRoot      map[string][]SourceFact // key file|scope|root
	cfgStmtsByScope    map[string][]cfgStmtRow // key file|scope, ordered by line
}

// New builds an Engine snapshot from the fact base. It performs the
// read pass described in spec §5: call-graph adjacency and scope
// indices are built once here and are read-only for the rest of the
// engine's life.
func New(ctx context.Context, db storage.Backend, cfg Config) (*Engine, error) {
	sources, err := loadSources(ctx, db, cfg.Sources)
	if err != nil {
		return nil, err
	}
	sanitizerFacts, err := loadSanitizers(ctx, db, cfg.Sanitizers)
	if err != nil {
		return nil, err
	}
	sinks, err := loadSinks(ctx, db, cfg.Sinks)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:                cfg,
		assignmentsByScope: make(map[string][]assignmentRow),
		callArgsBySite:     make(map[string][]callArgRow),
		callArgsByScope:    make(map[string][]callArgRow),
		refsByScope:        make(map[string][]refRow),
		callersByCallee:    make(map[string][]callGraphRow),
		paramsByScope:      make(map[string][]string),
		sources:            sources,
		sinks:              sinks,
		sourcesByRoot:      make(map[string][]SourceFact),
		cfgStmtsByScope:    make(map[string][]cfgStmtRow),
		sanitizers:         newSanitizerIndex(sanitizerFacts),
	}

	for _, s := range sources {
		key := s.File + "|" + s.Scope
		e.sourcesByRoot[key+"|"+s.RootIdent] = append(e.sourcesByRoot[key+"|"+s.RootIdent], s)
	}

	if err := e.loadAssignments(ctx, db); err != nil {
		return nil, err
	}
	if err := e.loadCallArgs(ctx, db); err != nil {
		return nil, err
	}
	if err := e.loadRefs(ctx, db); err != nil {
		return nil, err
	}
	if err := e.loadCallGraph(ctx, db); err != nil {
		return nil, err
	}
	if err := e.loadSymbols(ctx, db); err != nil {
		return nil, err
	}
	if err := e.loadCFGStatements(ctx, db); err != nil {
		return nil, err
	}

	for key, rows := range e.assignmentsByScope {
		sort.Slice(rows, func(i, j int) bool { return rows[i].line < rows[j].line })
		e.assignmentsByScope[key] = rows
	}
	for key, rows := range e.cfgStmtsByScope {
		sort.Slice(rows, func(i, j int) bool { return rows[i].line < rows[j].line })
		e.cfgStmtsByScope[key] = rows
	}

	return e, nil
}

func (e *Engine) loadAssignments(ctx context.Context, db storage.Backend) error {
	result, err := db.Query(ctx, `SELECT file, scope, target_name, rhs_kind, COALESCE(rhs_refs, ''),
	                              COALESCE(rhs_expression, ''), line FROM assignments`)
	if err != nil {
		return fmt.Errorf("taint: load assignments: %w", err)
	}
	for _, row := range result.Rows {
		a := assignmentRow{
			file:    asString(row[0]),
			scope:   asString(row[1]),
			target:  asString(row[2]),
			rhsKind: asString(row[3]),
			rhsRefs: asString(row[4]),
			rhsExpr: asString(row[5]),
			line:    asInt(row[6]),
		}
		key := a.file + "|" + a.scope
		e.assignmentsByScope[key] = append(e.assignmentsByScope[key], a)
	}
	return nil
}

func (e *Engine) loadCallArgs(ctx context.Context, db storage.Backend) error {
	result, err := db.Query(ctx, `SELECT file, caller_scope, callee_name, COALESCE(callee_resolved, ''),
	                              line, argument_index, COALESCE(argument_expression, ''), argument_kind
	                              FROM function_call_args`)
	if err != nil {
		return fmt.Errorf("taint: load call args: %w", err)
	}
	for _, row := range result.Rows {
		c := callArgRow{
			file:           asString(row[0]),
			callerScope:    asString(row[1]),
			calleeName:     asString(row[2]),
			calleeResolved: asString(row[3]),
			line:           asInt(row[4]),
			argIndex:       asInt(row[5]),
			argExpr:        asString(row[6]),
			argKind:        asString(row[7]),
		}
		scopeKey := c.file + "|" + c.callerScope
		e.callArgsByScope[scopeKey] = append(e.callArgsByScope[scopeKey], c)
		siteKey := fmt.Sprintf("%s|%d", scopeKey, c.line)
		e.callArgsBySite[siteKey] = append(e.callArgsBySite[siteKey], c)
	}
	return nil
}

func (e *Engine) loadRefs(ctx context.Context, db storage.Backend) error {
	result, err := db.Query(ctx, `SELECT file, scope, referenced_name, kind, line FROM refs`)
	if err != nil {
		return fmt.Errorf("taint: load refs: %w", err)
	}
	for _, row := range result.Rows {
		r := refRow{
			file: asString(row[0]), scope: asString(row[1]),
			name: asString(row[2]), kind: asString(row[3]), line: asInt(row[4]),
		}
		key := r.file + "|" + r.scope
		e.refsByScope[key] = append(e.refsByScope[key], r)
	}
	return nil
}

func (e *Engine) loadCallGraph(ctx context.Context, db storage.Backend) error {
	result, err := db.Query(ctx, `SELECT caller_scope, callee_scope, call_site_file, call_site_line FROM call_graph_edges`)
	if err != nil {
		return fmt.Errorf("taint: load call graph: %w", err)
	}
	for _, row := range result.Rows {
		c := callGraphRow{
			callerScope:  asString(row[0]),
			calleeScope:  asString(row[1]),
			callSiteFile: asString(row[2]),
			callSiteLine: asInt(row[3]),
		}
		e.callersByCallee[c.calleeScope] = append(e.callersByCallee[c.calleeScope], c)
	}
	return nil
}

func (e *Engine) loadSymbols(ctx context.Context, db storage.Backend) error {
	result, err := db.Query(ctx, `SELECT file, scope, COALESCE(signature, '') FROM symbols`)
	if err != nil {
		return fmt.Errorf("taint: load symbols: %w", err)
	}
	for _, row := range result.Rows {
		file, scope, sig := asString(row[0]), asString(row[1]), asString(row[2])
		key := file + "|" + scope
		e.paramsByScope[key] = paramsFromSignature(sig)
	}
	return nil
}

func (e *Engine) loadCFGStatements(ctx context.Context, db storage.Backend) error {
	result, err := db.Query(ctx, `SELECT cfg_blocks.file, cfg_blocks.scope, cfg_block_statements.statement_line
	                              FROM cfg_block_statements JOIN cfg_blocks ON cfg_blocks.block_id = cfg_block_statements.block_id`)
	if err != nil {
		return fmt.Errorf("taint: load cfg statements: %w", err)
	}
	for _, row := range result.Rows {
		s := cfgStmtRow{file: asString(row[0]), scope: asString(row[1]), line: asInt(row[2])}
		key := s.file + "|" + s.scope
		e.cfgStmtsByScope[key] = append(e.cfgStmtsByScope[key], s)
	}
	return nil
}

// paramsFromSignature extracts parameter names from a symbol's
// signature text. All three extractors put the parameter name before
// its type or type annotation ("a int", "a: number", a bare "a"), so a
// single heuristic — first token of each comma-separated segment
// inside the outermost parentheses — works across languages without a
// per-language grammar dependency. This is an approximation: it has no
// real type table to fall back on, which is why interprocedural
// parameter substitution built on top of it (stepAcrossCallers) drops
// confidence to MEDIUM whenever a parameter's position can't be matched.
func paramsFromSignature(sig string) []string {
	open := strings.IndexByte(sig, '(')
	if open < 0 {
		return nil
	}
	depth := 1
	i := open + 1
	start := i
	var segments []string
	for ; i < len(sig) && depth > 0; i++ {
		switch sig[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				segments = append(segments, sig[start:i])
			}
		case ',':
			if depth == 1 {
				segments = append(segments, sig[start:i])
				start = i + 1
			}
		}
	}
	var names []string
	for _, seg := range segments {
		tok := firstToken(strings.TrimSpace(seg))
		if tok != "" {
			names = append(names, tok)
		}
	}
	return names
}

// firstToken returns the leading identifier of a dotted or otherwise
// punctuated expression ("req.body.user" -> "req", "a: number" ->
// "a"), used to seed an access path root from raw extracted text.
func firstToken(expr string) string {
	expr = strings.TrimSpace(expr)
	isIdent := func(r byte) bool {
		return r == '_' || r == '$' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
	}
	start := -1
	for i := 0; i < len(expr); i++ {
		if isIdent(expr[i]) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			return expr[start:i]
		}
	}
	if start >= 0 {
		return expr[start:]
	}
	return ""
}

func paramIndex(params []string, name string) int {
	for i, p := range params {
		if p == name {
			return i
		}
	}
	return -1
}
