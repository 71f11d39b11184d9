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
	"crypto/sha256"
	"fmt"
	"strings"
	"time"
)

// candidate is a confirmed backward trace from a sink to a source,
// pending forward verification (spec §4.5.4).
type candidate struct {
	sink       SinkFact
	source     SourceFact
	hops       []Hop // in backward-discovery order: sink-ward hop first
	confidence string
	sanitizers []string
	accessPath AccessPath
}

// Run executes the backward IFDS worklist for every sink the engine
// was built with, forward-verifies each candidate (source, sink) pair,
// and returns the confirmed findings. Termination is guaranteed by the
// visited set (idempotent revisit, spec §4.5.3) and the budget caps
// (spec §4.5.6); findings are returned in worklist discovery order,
// which spec §5 notes is not semantically meaningful (the output set
// is independent of processing order).
func (e *Engine) Run(ctx context.Context) ([]Finding, error) {
	queue := newPriorityQueue()
	for _, sink := range e.sinks {
		queue.push(worklistEntry{
			sink:       sink,
			file:       sink.File,
			scope:      sink.Scope,
			accessPath: NewAccessPath(firstToken(sink.ArgExpression)),
			beforeLine: sink.Line,
			confidence: ConfidenceHigh,
			priority:   priorityNormal,
		})
	}

	visited := make(map[string]struct{})
	perSink := make(map[string]int)
	var candidates []candidate
	processed := 0

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		entry, ok := queue.pop()
		if !ok {
			break
		}
		if processed >= globalEntryBudget {
			break
		}
		sinkKey := fmt.Sprintf("%s|%d|%s", entry.sink.File, entry.sink.Line, entry.sink.SinkKind)
		if perSink[sinkKey] >= perSinkBudget {
			continue
		}

		key := entry.visitKey()
		if _, seen := visited[key]; seen {
			continue
		}
		visited[key] = struct{}{}
		processed++
		perSink[sinkKey]++

		if entry.started.IsZero() {
			entry.started = time.Now()
		}
		if time.Since(entry.started) > perEntryWallCap && entry.priority != priorityLow {
			entry.priority = priorityLow
			entry.suspended++
			queue.push(entry)
			continue
		}

		found, spawned := e.step(entry)
		for _, f := range found {
			candidates = append(candidates, f)
		}
		for _, s := range spawned {
			s.started = entry.started
			queue.push(s)
		}
	}

	var findings []Finding
	for _, c := range candidates {
		findings = append(findings, e.confirm(c))
	}
	return findings, nil
}

// step performs one backward hop for entry: it looks for a source
// match at the current (file, scope, root), then an assignment that
// substitutes the root, then (if neither applies) treats the root as
// a parameter and substitutes across the call graph into callers or
// across an opaque call's own arguments. It returns any candidates
// discovered at this hop and any further worklist entries to explore.
func (e *Engine) step(entry worklistEntry) ([]candidate, []worklistEntry) {
	root := entry.accessPath.Root()
	if root == "" {
		return nil, nil
	}
	scopeKey := entry.file + "|" + entry.scope

	if srcs := e.sourcesByRoot[scopeKey+"|"+root]; len(srcs) > 0 {
		best, ok := nearestBefore(srcs, entry.beforeLine)
		if ok {
			sanitized, encountered := e.sanitizedBetween(entry.file, entry.scope, best.Line, entry.beforeLine, entry.accessPath)
			if !sanitized {
				return []candidate{{
					sink:       entry.sink,
					source:     best,
					hops:       entry.hops,
					confidence: entry.confidence,
					sanitizers: dedupStrings(append(append([]string{}, entry.sanitizers...), encountered...)),
					accessPath: entry.accessPath,
				}}, nil
			}
		}
	}

	if assign, ok := nearestAssignment(e.assignmentsByScope[scopeKey], root, entry.beforeLine); ok {
		sanitized, encountered := e.sanitizedBetween(entry.file, entry.scope, assign.line, entry.beforeLine, entry.accessPath)
		if sanitized {
			return nil, nil
		}
		carriedSanitizers := append(append([]string{}, entry.sanitizers...), encountered...)

		hop := Hop{File: entry.file, Line: assign.line, AccessPath: entry.accessPath.String(),
			Description: fmt.Sprintf("%s = %s", assign.target, assign.rhsKind), Scope: entry.scope}
		hops := append(append([]Hop{}, entry.hops...), hop)

		if assign.rhsKind == "call" {
			// The assignment's own right-hand side is the call; if
			// that call is itself a known sanitizer, the assigned
			// value is clean and the walk stops here rather than
			// descending into the callee or its arguments.
			if e.sanitizers.exactlyAt(entry.file, entry.scope, assign.line) {
				return nil, nil
			}
			return nil, e.stepIntoCall(entry, assign, hops, carriedSanitizers)
		}

		refs := splitRefs(assign.rhsRefs)
		if len(refs) == 0 {
			return nil, nil
		}
		var next []worklistEntry
		for _, ref := range refs {
			substituted := substituteRoot(entry.accessPath, assign.rhsKind, assign.rhsExpr, ref)
			next = append(next, worklistEntry{
				sink:       entry.sink,
				file:       entry.file,
				scope:      entry.scope,
				accessPath: substituted,
				beforeLine: assign.line,
				confidence: entry.confidence,
				hops:       hops,
				sanitizers: carriedSanitizers,
				priority:   entry.priority,
			})
		}
		return nil, next
	}

	// Root wasn't assigned locally: treat it as a parameter and
	// substitute interprocedurally through the call graph.
	return nil, e.stepAcrossCallers(entry, root)
}

// stepIntoCall handles `target := callee(...)`: if the call resolves
// to a workset scope, propagate into that callee's return expressions
// (HIGH/unchanged confidence); otherwise the callee is opaque and the
// engine conservatively treats its own arguments as potential taint
// sources for its result, downgrading confidence to MEDIUM (spec
// §4.5.3's "opaque/conservative propagation for unresolved callees").
func (e *Engine) stepIntoCall(entry worklistEntry, assign assignmentRow, hops []Hop, carriedSanitizers []string) []worklistEntry {
	siteKey := fmt.Sprintf("%s|%s|%d", entry.file, entry.scope, assign.line)
	calls := e.callArgsBySite[siteKey]

	var calleeScope string
	for _, c := range calls {
		if c.calleeResolved != "" {
			calleeScope = c.calleeResolved
			break
		}
	}

	if calleeScope != "" {
		var next []worklistEntry
		for _, ref := range e.refsByScope[entry.file+"|"+calleeScope] {
			if ref.kind != "return" {
				continue
			}
			next = append(next, worklistEntry{
				sink:       entry.sink,
				file:       entry.file,
				scope:      calleeScope,
				accessPath: NewAccessPath(ref.name),
				beforeLine: ref.line,
				confidence: entry.confidence,
				hops:       hops,
				sanitizers: carriedSanitizers,
				priority:   entry.priority,
			})
		}
		return next
	}

	// Opaque call: fall back to the call's own argument expressions.
	var next []worklistEntry
	for _, c := range calls {
		root := firstToken(c.argExpr)
		if root == "" {
			continue
		}
		next = append(next, worklistEntry{
			sink:       entry.sink,
			file:       entry.file,
			scope:      entry.scope,
			accessPath: NewAccessPath(root),
			beforeLine: assign.line,
			confidence: ConfidenceMedium,
			hops:       hops,
			sanitizers: carriedSanitizers,
			priority:   entry.priority,
		})
	}
	return next
}

// stepAcrossCallers treats root as a parameter of entry.scope and
// substitutes it, at every call site that calls this scope, for the
// argument expression bound to that parameter position — spec §4.5.3's
// "summary-fact inter-procedural substitution". When the parameter
// position can't be matched exactly (a limitation of the
// signature-text heuristic in paramsFromSignature), every argument at
// the call site is propagated conservatively and confidence drops to
// MEDIUM.
func (e *Engine) stepAcrossCallers(entry worklistEntry, root string) []worklistEntry {
	callers := e.callersByCallee[entry.scope]
	if len(callers) == 0 {
		return nil
	}
	params := e.paramsByScope[entry.file+"|"+entry.scope]
	idx := paramIndex(params, root)

	var next []worklistEntry
	for _, edge := range callers {
		siteKey := fmt.Sprintf("%s|%s|%d", edge.callSiteFile, edge.callerScope, edge.callSiteLine)
		args := e.callArgsBySite[siteKey]

		confidence := entry.confidence
		var matched []callArgRow
		if idx >= 0 {
			for _, a := range args {
				if a.argIndex == idx {
					matched = append(matched, a)
				}
			}
		}
		if len(matched) == 0 {
			matched = args
			confidence = ConfidenceMedium
		}

		for _, a := range matched {
			newRoot := firstToken(a.argExpr)
			if newRoot == "" {
				continue
			}
			hop := Hop{File: edge.callSiteFile, Line: edge.callSiteLine, AccessPath: entry.accessPath.String(),
				Description: fmt.Sprintf("%s(%s)", entry.scope, a.argExpr), Scope: edge.callerScope}
			next = append(next, worklistEntry{
				sink:       entry.sink,
				file:       edge.callSiteFile,
				scope:      edge.callerScope,
				accessPath: entry.accessPath.WithRoot(newRoot),
				beforeLine: edge.callSiteLine,
				confidence: confidence,
				hops:       append(append([]Hop{}, entry.hops...), hop),
				sanitizers: entry.sanitizers,
				priority:   entry.priority,
			})
		}
	}
	return next
}

// sanitizedBetween reports whether an exact-covering sanitizer blocks
// propagation between two lines of the same scope, and also returns
// the names of any sanitizers encountered (including partial-coverage
// ones that don't block but are still recorded on the eventual
// finding, spec §4.5.5).
func (e *Engine) sanitizedBetween(file, scope string, fromLine, toLine int, path AccessPath) (blocked bool, encountered []string) {
	for _, s := range e.sanitizers.covering(file, scope, fromLine, toLine, path) {
		encountered = append(encountered, s.CoveredAccessPath)
		if s.CoveredAccessPath == path.String() {
			blocked = true
		}
	}
	return blocked, encountered
}

func nearestBefore(facts []SourceFact, beforeLine int) (SourceFact, bool) {
	var best SourceFact
	found := false
	for _, f := range facts {
		if f.Line <= beforeLine && (!found || f.Line > best.Line) {
			best = f
			found = true
		}
	}
	return best, found
}

func nearestAssignment(rows []assignmentRow, target string, beforeLine int) (assignmentRow, bool) {
	var best assignmentRow
	found := false
	for _, r := range rows {
		if r.target != target || r.line >= beforeLine {
			continue
		}
		if !found || r.line > best.line {
			best = r
			found = true
		}
	}
	return best, found
}

// substituteRoot replaces path's root with the expression it was
// assigned from. For a plain variable-to-variable assignment
// (rhsKind == "identifier") this is just a root swap. For a member
// expression ("x := req.body.user") it rebuilds the field chain from
// rhsExpr and re-applies path's remaining trailing segments on top of
// it, k-limiting as it grows (spec §4.5.2) — the one place the
// backward walk actually lengthens an access path rather than just
// relabeling its root.
func substituteRoot(path AccessPath, rhsKind, rhsExpr, fallbackRoot string) AccessPath {
	if rhsKind != "member" {
		return path.WithRoot(fallbackRoot)
	}
	segments := strings.Split(rhsExpr, ".")
	if len(segments) == 0 || segments[0] == "" {
		return path.WithRoot(fallbackRoot)
	}
	built := NewAccessPath(firstToken(segments[0]))
	for _, seg := range segments[1:] {
		built = built.Extend(strings.TrimSpace(seg), DefaultK)
	}
	for _, seg := range path[1:] {
		built = built.Extend(seg, DefaultK)
	}
	return built
}

func splitRefs(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// confirm runs the forward verification pass (spec §4.5.4) over a
// backward-discovered candidate: it re-walks the hop chain in forward
// order re-checking sanitizer coverage with a slice-backed queue
// (grounded on gosec's buildPath caller-chain BFS, adapted from
// caller-chain-only to full assignment/call/return edges), computes
// the sanitizer-distance annotation (spec §4.5.5), and assigns the
// output confidence (spec §4.5.7): LOW if the access path was
// truncated by k-limiting, the candidate's own confidence otherwise.
func (e *Engine) confirm(c candidate) Finding {
	forward := make([]Hop, len(c.hops))
	for i, h := range c.hops {
		forward[len(c.hops)-1-i] = h
	}

	verified, moreSanitizers := e.forwardVerify(c.source, c.sink, forward)
	sanitizers := dedupStrings(append(append([]string{}, c.sanitizers...), moreSanitizers...))

	confidence := c.confidence
	if c.accessPath.Truncated() {
		confidence = ConfidenceLow
	}

	distance := -1
	if len(sanitizers) > 0 {
		distance = e.sanitizerDistance(c.sink, c.hops)
	}

	id := findingID(c.source, c.sink)

	return Finding{
		ID:                    id,
		Category:              c.sink.SinkKind,
		Severity:              severityFor(c.sink.SinkKind),
		Source:                c.source,
		Sink:                  c.sink,
		Provenance:            forward,
		SanitizersEncountered: sanitizers,
		Confidence:            confidence,
		ForwardVerified:       verified,
		SanitizerDistance:     distance,
	}
}

// forwardVerify re-walks hops in source-to-sink order (spec §4.5.4):
// it re-checks sanitizer coverage across each same-scope span, which
// can surface a sanitizer the backward pass's nearest-preceding-only
// substitution skipped past, and confirms a call-graph path connects
// every scope the backward pass visited via a plain BFS (a
// slice-backed queue, grounded on gosec's buildPath caller-chain BFS).
// Returns false ("forward unverified") when no such path exists.
func (e *Engine) forwardVerify(source SourceFact, sink SinkFact, hops []Hop) (bool, []string) {
	var sanitizers []string

	prevFile, prevScope, prevLine := source.File, source.Scope, source.Line
	for _, h := range hops {
		if h.File == prevFile && h.Scope == prevScope {
			blocked, encountered := e.sanitizedBetween(h.File, h.Scope, prevLine, h.Line, NewAccessPath(firstToken(h.AccessPath)))
			sanitizers = append(sanitizers, encountered...)
			if blocked {
				return false, dedupStrings(sanitizers)
			}
		}
		prevFile, prevScope, prevLine = h.File, h.Scope, h.Line
	}

	if !e.scopesConnected(source.Scope, sink.Scope, hops) {
		return false, dedupStrings(sanitizers)
	}

	return true, dedupStrings(sanitizers)
}

// scopesConnected runs a plain BFS (slice-backed queue, no
// container/list) over the call graph restricted to the scopes the
// backward pass visited (source's scope, every hop's scope, and the
// sink's scope), reporting whether a path of calls connects source to
// sink. Each call edge is followed in both directions, since taint
// moves from caller to callee through arguments and from callee back
// to caller through return values. Same-scope source/sink are
// trivially connected.
func (e *Engine) scopesConnected(sourceScope, sinkScope string, hops []Hop) bool {
	if sourceScope == sinkScope {
		return true
	}

	allowed := map[string]bool{sourceScope: true, sinkScope: true}
	for _, h := range hops {
		if h.Scope != "" {
			allowed[h.Scope] = true
		}
	}

	adjacency := make(map[string][]string, len(allowed))
	for scope := range allowed {
		for _, edge := range e.callersByCallee[scope] {
			if !allowed[edge.callerScope] {
				continue
			}
			adjacency[edge.callerScope] = append(adjacency[edge.callerScope], scope)
			adjacency[scope] = append(adjacency[scope], edge.callerScope)
		}
	}

	queue := []string{sourceScope}
	visited := map[string]bool{sourceScope: true}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == sinkScope {
			return true
		}
		for _, next := range adjacency[cur] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// sanitizerDistance counts CFG statements between the first
// sanitizer-covered hop and the sink (spec §4.5.5).
func (e *Engine) sanitizerDistance(sink SinkFact, hops []Hop) int {
	if len(hops) == 0 {
		return 0
	}
	first := hops[len(hops)-1]
	stmts := e.cfgStmtsByScope[sink.File+"|"+sink.Scope]
	count := 0
	for _, s := range stmts {
		if s.line > first.Line && s.line <= sink.Line {
			count++
		}
	}
	return count
}

func severityFor(sinkKind string) string {
	switch sinkKind {
	case "sql_injection", "command_injection":
		return "HIGH"
	default:
		return "MEDIUM"
	}
}

func findingID(src SourceFact, sink SinkFact) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%s|%s:%d:%s",
		src.File, src.Line, src.RootIdent, sink.File, sink.Line, sink.SinkKind)))
	return fmt.Sprintf("%x", h[:8])
}

func dedupStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
