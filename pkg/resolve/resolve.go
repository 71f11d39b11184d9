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

// Package resolve turns the per-file facts the extractors produced
// into cross-file edges: which file's import statement points at
// which other file, and which call site's callee name binds to which
// function's scope. Resolution happens once, after every file in the
// workset has been extracted, because it needs the whole import/symbol
// universe to be built before any single call can be resolved.
package resolve

import (
	"runtime"
	"strings"
	"sync"

	"github.com/theauditor/auditor/pkg/extract"
)

// parallelThreshold: below this many unresolved calls, sequential
// processing avoids goroutine overhead; above it, a bounded worker
// pool pays for itself.
const parallelThreshold = 1000

// maxWorkers caps the resolution worker pool regardless of GOMAXPROCS.
const maxWorkers = 8

// FileFacts is one file's post-extraction state, as the orchestrator
// assembles it from pkg/discovery and pkg/extract before calling
// Resolve.
type FileFacts struct {
	Path     string
	Language string
	Symbols  []extract.Symbol
	Imports  []extract.Import
	CallArgs []extract.CallArg
}

// CallGraphEdge is one row for the call_graph_edges table.
type CallGraphEdge struct {
	CallerScope  string
	CalleeScope  string
	CallSiteFile string
	CallSiteLine int
}

// ImportGraphEdge is one row for the import_graph_edges table.
type ImportGraphEdge struct {
	ImporterFile string
	ImportedFile string
}

// CalleeResolution is one call site's resolved-callee write-back (spec
// §4.4 op 2): the resolver bound CalleeName, at (File, Line,
// CallerScope), to the target symbol's scope CalleeScope. The
// orchestrator applies this as an UPDATE onto the function_call_args
// rows the extractor already wrote, filling callee_resolved so the
// taint engine's resolved-callee path (§4.5.3) can trust it.
type CalleeResolution struct {
	File        string
	Line        int
	CallerScope string
	CalleeName  string
	CalleeScope string
}

// Result is the cross-file resolution's output: the edges to insert,
// plus the resolved-callee updates to apply back onto the CallArgs rows
// already written during extraction. Resolved import targets appear
// only as ImportGraphEdges; nothing is written back onto Imports rows.
type Result struct {
	CallGraphEdges    []CallGraphEdge
	ImportGraphEdges  []ImportGraphEdge
	CalleeResolutions []CalleeResolution
}

// Resolver indexes every file's symbols and imports once via New,
// then answers call/import resolution queries against that index. The
// index is read-only once built, so concurrent resolveParallel workers
// are safe.
type Resolver struct {
	filesByPath map[string]FileFacts

	// symbolScopesByFile: file path -> set of scopes declared in it
	symbolScopesByFile map[string]map[string]bool

	// goPackageFuncs: package directory -> function simple name -> file:scope
	goPackageFuncs map[string]map[string]string
	// goImportAlias: file -> alias -> import path
	goImportAlias map[string]map[string]string
	// goPackageDirs: set of directories holding Go files, matched
	// against an import path's suffix
	goPackageDirs map[string]bool
}

// New builds a Resolver over the full workset's facts.
func New(files []FileFacts) *Resolver {
	r := &Resolver{
		filesByPath:        make(map[string]FileFacts, len(files)),
		symbolScopesByFile: make(map[string]map[string]bool, len(files)),
		goPackageFuncs:     make(map[string]map[string]string),
		goImportAlias:      make(map[string]map[string]string),
		goPackageDirs:      make(map[string]bool),
	}

	for _, f := range files {
		r.filesByPath[f.Path] = f

		scopes := make(map[string]bool, len(f.Symbols))
		for _, s := range f.Symbols {
			scopes[s.Scope] = true
		}
		r.symbolScopesByFile[f.Path] = scopes

		if f.Language != "go" {
			continue
		}
		dir := dirOf(f.Path)
		r.goPackageDirs[dir] = true
		if _, ok := r.goPackageFuncs[dir]; !ok {
			r.goPackageFuncs[dir] = make(map[string]string)
		}
		for _, s := range f.Symbols {
			simple := s.Scope
			if idx := strings.LastIndex(simple, "."); idx >= 0 {
				simple = simple[idx+1:]
			}
			r.goPackageFuncs[dir][simple] = f.Path + ":" + s.Scope
		}

		alias := make(map[string]string, len(f.Imports))
		for _, imp := range f.Imports {
			a := imp.ImportedNames
			if a == "" || a == "_" {
				a = lastComponent(imp.Target)
			}
			if a == "_" {
				continue
			}
			alias[a] = imp.Target
		}
		r.goImportAlias[f.Path] = alias
	}

	return r
}

// Resolve computes every import-graph and call-graph edge across the
// indexed workset.
func (r *Resolver) Resolve() Result {
	edges, resolutions := r.resolveCalls()
	return Result{
		ImportGraphEdges:  r.resolveImports(),
		CallGraphEdges:    edges,
		CalleeResolutions: resolutions,
	}
}

func (r *Resolver) resolveImports() []ImportGraphEdge {
	var edges []ImportGraphEdge
	seen := make(map[string]bool)
	for path, f := range r.filesByPath {
		for _, imp := range f.Imports {
			target := r.resolveImportTarget(f, imp)
			if target == "" {
				continue
			}
			key := path + "->" + target
			if seen[key] {
				continue
			}
			seen[key] = true
			edges = append(edges, ImportGraphEdge{ImporterFile: path, ImportedFile: target})
		}
	}
	return edges
}

// resolveImportTarget maps one import statement to a file already
// present in the workset, using the resolution algorithm appropriate
// to the importing file's language.
func (r *Resolver) resolveImportTarget(f FileFacts, imp extract.Import) string {
	switch f.Language {
	case "go":
		return r.resolveGoImportTarget(imp.Target)
	case "python":
		return r.resolvePythonImportTarget(f.Path, imp.Target)
	case "typescript", "javascript":
		return r.resolveNodeImportTarget(f.Path, imp.Target)
	default:
		return ""
	}
}

func (r *Resolver) resolveGoImportTarget(importPath string) string {
	if r.goPackageDirs[importPath] {
		return firstFileInDir(r.filesByPath, importPath)
	}
	for dir := range r.goPackageDirs {
		if strings.HasSuffix(importPath, dir) {
			return firstFileInDir(r.filesByPath, dir)
		}
	}
	return ""
}

func firstFileInDir(files map[string]FileFacts, dir string) string {
	best := ""
	for path := range files {
		if dirOf(path) == dir && (best == "" || path < best) {
			best = path
		}
	}
	return best
}

// resolvePythonImportTarget follows CPython's package-hierarchy
// convention: "a.b.c" resolves to a/b/c.py or a/b/c/__init__.py,
// relative imports ("." / "..") count leading dots against the
// importing file's own directory depth.
func (r *Resolver) resolvePythonImportTarget(fromFile, target string) string {
	dots := 0
	for dots < len(target) && target[dots] == '.' {
		dots++
	}
	rest := strings.TrimPrefix(target[dots:], ".")
	parts := strings.Split(rest, ".")
	if rest == "" {
		parts = nil
	}

	baseDir := dirOf(fromFile)
	if dots > 0 {
		for i := 1; i < dots; i++ {
			baseDir = dirOf(baseDir)
		}
	} else {
		baseDir = ""
	}

	candidate := joinParts(baseDir, parts)
	for _, suffix := range []string{".py", "/__init__.py"} {
		if p := candidate + suffix; r.exists(p) {
			return p
		}
	}
	return ""
}

func joinParts(base string, parts []string) string {
	all := parts
	if base != "" {
		all = append([]string{base}, parts...)
	}
	return strings.Join(all, "/")
}

// resolveNodeImportTarget follows Node's resolution algorithm for
// relative specifiers: try the bare path, then each extension, then
// each extension under an index file. Bare-specifier (package) imports
// are not resolved to a workset file — they point outside the repo.
func (r *Resolver) resolveNodeImportTarget(fromFile, target string) string {
	if !strings.HasPrefix(target, ".") {
		return ""
	}
	baseDir := dirOf(fromFile)
	joined := normalizeJoin(baseDir, target)

	candidates := []string{joined}
	for _, ext := range []string{".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs"} {
		candidates = append(candidates, joined+ext)
	}
	for _, ext := range []string{".ts", ".tsx", ".js", ".jsx"} {
		candidates = append(candidates, joined+"/index"+ext)
	}
	for _, c := range candidates {
		if r.exists(c) {
			return c
		}
	}
	return ""
}

func (r *Resolver) exists(path string) bool {
	_, ok := r.filesByPath[path]
	return ok
}

func normalizeJoin(base, rel string) string {
	segments := strings.Split(base+"/"+rel, "/")
	var stack []string
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, seg)
		}
	}
	return strings.Join(stack, "/")
}

func dirOf(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

func lastComponent(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}

// unresolvedCall is one call site awaiting cross-file binding.
type unresolvedCall struct {
	file  string
	scope string
	call  extract.CallArg
}

func (r *Resolver) resolveCalls() ([]CallGraphEdge, []CalleeResolution) {
	var pending []unresolvedCall
	for path, f := range r.filesByPath {
		for _, c := range f.CallArgs {
			if c.ArgumentIndex > 0 {
				continue // one resolution attempt per call site, not per argument
			}
			pending = append(pending, unresolvedCall{file: path, scope: f.Language, call: c})
		}
	}

	if len(pending) < parallelThreshold {
		return r.resolveSequential(pending)
	}
	return r.resolveParallel(pending)
}

// resolution pairs a resolved call site's edge with the binding to
// write back onto its function_call_args row.
type resolution struct {
	edge CallGraphEdge
	call CalleeResolution
}

func resolveToResolution(u unresolvedCall, e CallGraphEdge) CalleeResolution {
	return CalleeResolution{
		File: u.file, Line: e.CallSiteLine, CallerScope: e.CallerScope,
		CalleeName: u.call.CalleeName, CalleeScope: e.CalleeScope,
	}
}

func (r *Resolver) resolveSequential(pending []unresolvedCall) ([]CallGraphEdge, []CalleeResolution) {
	var edges []CallGraphEdge
	var resolutions []CalleeResolution
	seen := make(map[string]bool)
	for _, u := range pending {
		e, ok := r.resolveOne(u)
		if !ok {
			continue
		}
		resolutions = append(resolutions, resolveToResolution(u, e))
		key := e.CallerScope + "->" + e.CalleeScope
		if !seen[key] {
			seen[key] = true
			edges = append(edges, e)
		}
	}
	return edges, resolutions
}

func (r *Resolver) resolveParallel(pending []unresolvedCall) ([]CallGraphEdge, []CalleeResolution) {
	workers := runtime.NumCPU()
	if workers > maxWorkers {
		workers = maxWorkers
	}

	jobs := make(chan int, len(pending))
	results := make(chan resolution, len(pending))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				u := pending[idx]
				if e, ok := r.resolveOne(u); ok {
					results <- resolution{edge: e, call: resolveToResolution(u, e)}
				}
			}
		}()
	}
	for i := range pending {
		jobs <- i
	}
	close(jobs)
	go func() {
		wg.Wait()
		close(results)
	}()

	var edges []CallGraphEdge
	var resolutions []CalleeResolution
	seen := make(map[string]bool)
	for res := range results {
		resolutions = append(resolutions, res.call)
		key := res.edge.CallerScope + "->" + res.edge.CalleeScope
		if !seen[key] {
			seen[key] = true
			edges = append(edges, res.edge)
		}
	}
	return edges, resolutions
}

// resolveOne attempts to bind a single call site's callee name to a
// declared symbol, preferring the same-file scope before consulting
// the cross-file index.
func (r *Resolver) resolveOne(u unresolvedCall) (CallGraphEdge, bool) {
	call := u.call
	if scopes := r.symbolScopesByFile[u.file]; scopes[call.CalleeName] {
		return CallGraphEdge{
			CallerScope: call.CallerScope, CalleeScope: call.CalleeName,
			CallSiteFile: u.file, CallSiteLine: call.Line,
		}, true
	}

	if u.scope != "go" {
		return CallGraphEdge{}, false
	}
	return r.resolveGoCall(u, call)
}

func (r *Resolver) resolveGoCall(u unresolvedCall, call extract.CallArg) (CallGraphEdge, bool) {
	if !strings.Contains(call.CalleeName, ".") {
		return CallGraphEdge{}, false
	}
	dot := strings.LastIndex(call.CalleeName, ".")
	alias, funcName := call.CalleeName[:dot], call.CalleeName[dot+1:]
	if funcName == "" || funcName[0] < 'A' || funcName[0] > 'Z' {
		return CallGraphEdge{}, false
	}

	importPath, ok := r.goImportAlias[u.file][alias]
	if !ok {
		return CallGraphEdge{}, false
	}

	dir := importPath
	if !r.goPackageDirs[dir] {
		matched := ""
		for d := range r.goPackageDirs {
			if strings.HasSuffix(importPath, d) {
				matched = d
				break
			}
		}
		if matched == "" {
			return CallGraphEdge{}, false
		}
		dir = matched
	}

	target, ok := r.goPackageFuncs[dir][funcName]
	if !ok {
		return CallGraphEdge{}, false
	}
	targetScope := target[strings.Index(target, ":")+1:]
	return CallGraphEdge{
		CallerScope: call.CallerScope, CalleeScope: targetScope,
		CallSiteFile: u.file, CallSiteLine: call.Line,
	}, true
}
