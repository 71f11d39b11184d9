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

package extract

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// PythonExtractor walks Python source with tree-sitter, following the
// same walk-once/collect-typed-rows shape as GoExtractor; Python has
// no extractor in the lineage this package is grounded on, so this
// file applies that shape fresh to the python grammar.
type PythonExtractor struct{}

func (e *PythonExtractor) Extract(path string, content []byte) (Result, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return Result{}, fmt.Errorf("tree-sitter parse: %w", err)
	}
	defer tree.Close()

	w := &pyWalker{content: content, path: path, result: &Result{}}
	w.walk(tree.RootNode(), "")
	detectFrameworks(w.result)
	return *w.result, nil
}

type pyWalker struct {
	content []byte
	path    string
	result  *Result
}

func (w *pyWalker) text(n *sitter.Node) string {
	if n == nil {
		return ""
	}
	return string(w.content[n.StartByte():n.EndByte()])
}

func (w *pyWalker) line(n *sitter.Node) int { return int(n.StartPoint().Row) + 1 }

func (w *pyWalker) walk(node *sitter.Node, scope string) {
	if node == nil {
		return
	}

	newScope := scope
	switch node.Type() {
	case "function_definition":
		newScope = w.extractFunction(node, scope)
	case "class_definition":
		w.extractClass(node)
		if nameNode := node.ChildByFieldName("name"); nameNode != nil {
			newScope = w.text(nameNode)
		}
	case "import_statement", "import_from_statement":
		w.extractImport(node)
	case "call":
		w.extractCall(node, scope)
	case "assignment":
		w.extractAssignment(node, scope)
	case "return_statement":
		w.extractRefs(node, scope, "return")
	}

	if node.Type() == "function_definition" {
		if body := node.ChildByFieldName("body"); body != nil {
			w.buildCFG(newScope, body)
		}
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		w.walk(node.Child(i), newScope)
	}
}

func (w *pyWalker) extractFunction(node *sitter.Node, outerScope string) string {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return outerScope
	}
	name := w.text(nameNode)
	scope := name
	kind := "function"
	if outerScope != "" {
		scope = outerScope + "." + name
		kind = "method"
	}

	var sig strings.Builder
	sig.WriteString("def ")
	sig.WriteString(name)
	if params := node.ChildByFieldName("parameters"); params != nil {
		sig.WriteString(w.text(params))
	}
	if rt := node.ChildByFieldName("return_type"); rt != nil {
		sig.WriteString(" -> ")
		sig.WriteString(w.text(rt))
	}

	w.result.Symbols = append(w.result.Symbols, Symbol{
		Name: scope, Type: kind, Line: w.line(node),
		Column: int(node.StartPoint().Column) + 1, Scope: scope,
		Signature: sig.String(),
	})
	return scope
}

func (w *pyWalker) extractClass(node *sitter.Node) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	name := w.text(nameNode)
	w.result.Symbols = append(w.result.Symbols, Symbol{
		Name: name, Type: "class", Line: w.line(node),
		Column: int(node.StartPoint().Column) + 1, Scope: name,
		Signature: truncate(w.text(node)),
	})
}

// extractImport handles both "import a.b.c" and "from a.b import c, d".
// Relative-dot-counting and package-hierarchy resolution happen later,
// in pkg/resolve; extraction just records the raw target text.
func (w *pyWalker) extractImport(node *sitter.Node) {
	line := w.line(node)
	if node.Type() == "import_statement" {
		for i := 0; i < int(node.ChildCount()); i++ {
			child := node.Child(i)
			if child.Type() == "dotted_name" || child.Type() == "aliased_import" {
				w.result.Imports = append(w.result.Imports, Import{
					Target: w.text(child), Line: line,
				})
			}
		}
		return
	}

	// from_clause module name followed by imported names
	moduleNode := node.ChildByFieldName("module_name")
	target := w.text(moduleNode)
	var names []string
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child.Type() == "dotted_name" && w.text(child) != target {
			names = append(names, w.text(child))
		}
		if child.Type() == "wildcard_import" {
			names = append(names, "*")
		}
	}
	w.result.Imports = append(w.result.Imports, Import{
		Target: target, ImportedNames: strings.Join(names, ","), Line: line,
	})
}

func (w *pyWalker) extractCall(node *sitter.Node, scope string) {
	funcNode := node.ChildByFieldName("function")
	if funcNode == nil {
		return
	}
	calleeName := w.text(funcNode)
	line := w.line(node)

	argsNode := node.ChildByFieldName("arguments")
	if argsNode == nil {
		w.result.CallArgs = append(w.result.CallArgs, CallArg{CallerScope: scope, CalleeName: calleeName, Line: line, ArgumentIndex: -1})
		return
	}
	idx := 0
	any := false
	for i := 0; i < int(argsNode.ChildCount()); i++ {
		arg := argsNode.Child(i)
		t := arg.Type()
		if t == "(" || t == ")" || t == "," {
			continue
		}
		any = true
		w.result.CallArgs = append(w.result.CallArgs, CallArg{
			CallerScope: scope, CalleeName: calleeName, Line: line,
			ArgumentIndex: idx, ArgumentExpression: truncate(w.text(arg)),
			ArgumentKind: pyArgKind(t),
		})
		idx++
	}
	if !any {
		w.result.CallArgs = append(w.result.CallArgs, CallArg{CallerScope: scope, CalleeName: calleeName, Line: line, ArgumentIndex: -1})
	}
}

func pyArgKind(nodeType string) string {
	switch nodeType {
	case "string", "integer", "float", "true", "false", "none":
		return "literal"
	case "identifier":
		return "identifier"
	case "call":
		return "call"
	case "attribute":
		return "member"
	default:
		return "other"
	}
}

func (w *pyWalker) extractAssignment(node *sitter.Node, scope string) {
	left := node.ChildByFieldName("left")
	right := node.ChildByFieldName("right")
	if left == nil || right == nil || left.Type() != "identifier" {
		return
	}
	a := Assignment{
		Scope: scope, TargetName: w.text(left), Line: w.line(node),
		RHSExpression: truncate(w.text(right)), RHSKind: pyArgKind(right.Type()),
	}
	a.RHSRefs = strings.Join(w.identifiersWithin(right), ",")
	w.result.Assignments = append(w.result.Assignments, a)
}

func (w *pyWalker) identifiersWithin(node *sitter.Node) []string {
	var names []string
	var visit func(n *sitter.Node)
	visit = func(n *sitter.Node) {
		if n == nil {
			return
		}
		if n.Type() == "identifier" {
			names = append(names, w.text(n))
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			visit(n.Child(i))
		}
	}
	visit(node)
	return names
}

func (w *pyWalker) extractRefs(node *sitter.Node, scope, kind string) {
	for _, name := range w.identifiersWithin(node) {
		w.result.Refs = append(w.result.Refs, Ref{Scope: scope, ReferencedName: name, Kind: kind, Line: w.line(node)})
	}
}

// buildCFG mirrors the Go/TS extractors: split at if_statement
// boundaries, collapse straight-line statements into one block.
func (w *pyWalker) buildCFG(scope string, body *sitter.Node) {
	counter := 0
	newBlock := func(kind string, n *sitter.Node) string {
		counter++
		id := fmt.Sprintf("%s:%s:%d", w.path, scope, counter)
		w.result.CFGBlocks = append(w.result.CFGBlocks, CFGBlock{
			BlockID: id, Scope: scope, StartLine: w.line(n), EndLine: w.line(n), Kind: kind,
		})
		return id
	}
	edge := func(from, to, label string) {
		if from == "" || to == "" {
			return
		}
		w.result.CFGEdges = append(w.result.CFGEdges, CFGEdge{FromBlock: from, ToBlock: to, Label: label})
	}

	current := newBlock("entry", body)
	var walkBlock func(n *sitter.Node)
	walkBlock = func(n *sitter.Node) {
		for i := 0; i < int(n.ChildCount()); i++ {
			stmt := n.Child(i)
			if stmt.Type() == "if_statement" {
				w.result.CFGStmts = append(w.result.CFGStmts, CFGStatement{
					BlockID: current, StatementLine: w.line(stmt), StatementKind: stmt.Type(), StatementText: truncate(w.text(stmt)),
				})
				branch := newBlock("branch", stmt)
				edge(current, branch, "seq")
				join := newBlock("join", stmt)
				if cons := stmt.ChildByFieldName("consequence"); cons != nil {
					prev := current
					current = branch
					walkBlock(cons)
					edge(current, join, "true")
					current = prev
				}
				hasAlt := false
				for j := 0; j < int(stmt.ChildCount()); j++ {
					alt := stmt.Child(j)
					if alt.Type() == "elif_clause" || alt.Type() == "else_clause" {
						hasAlt = true
						prev := current
						current = branch
						walkBlock(alt)
						edge(current, join, "false")
						current = prev
					}
				}
				if !hasAlt {
					edge(branch, join, "false")
				}
				current = join
				continue
			}
			w.result.CFGStmts = append(w.result.CFGStmts, CFGStatement{
				BlockID: current, StatementLine: w.line(stmt), StatementKind: stmt.Type(), StatementText: truncate(w.text(stmt)),
			})
		}
	}
	walkBlock(body)
	exit := newBlock("exit", body)
	edge(current, exit, "seq")
}
