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
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// TSExtractor walks JavaScript/TypeScript source. TypeScript and
// JavaScript share one extractor because the walker shape —
// function_declaration / variable_declarator-arrow / method_definition
// / arrow_function — is identical across both grammars; only the
// grammar passed to SetLanguage differs, chosen from the file's
// detected language.
type TSExtractor struct{}

func (e *TSExtractor) Extract(path string, content []byte) (Result, error) {
	parser := sitter.NewParser()
	if strings.HasSuffix(path, ".ts") || strings.HasSuffix(path, ".tsx") {
		parser.SetLanguage(typescript.GetLanguage())
	} else {
		parser.SetLanguage(javascript.GetLanguage())
	}

	tree, err := parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return Result{}, fmt.Errorf("tree-sitter parse: %w", err)
	}
	defer tree.Close()

	w := &tsWalker{content: content, path: path, result: &Result{}}
	w.walk(tree.RootNode(), "")
	detectFrameworks(w.result)
	return *w.result, nil
}

type tsWalker struct {
	content []byte
	path    string
	result  *Result
	anonCtr int
}

func (w *tsWalker) text(n *sitter.Node) string {
	if n == nil {
		return ""
	}
	return string(w.content[n.StartByte():n.EndByte()])
}

func (w *tsWalker) line(n *sitter.Node) int { return int(n.StartPoint().Row) + 1 }

// walk recurses the whole tree once, dispatching on node type. scope
// tracks the nearest enclosing function/method name, following the
// teacher's walkTSFunctions cases.
func (w *tsWalker) walk(node *sitter.Node, scope string) {
	if node == nil {
		return
	}

	newScope := scope
	switch node.Type() {
	case "function_declaration":
		newScope = w.extractNamedFunction(node, scope)
	case "method_definition":
		newScope = w.extractMethod(node, scope)
	case "variable_declarator":
		if value := node.ChildByFieldName("value"); value != nil && value.Type() == "arrow_function" {
			newScope = w.extractArrowAssignedToVar(node, value, scope)
		}
	case "arrow_function":
		if p := node.Parent(); p == nil || p.Type() != "variable_declarator" {
			// Anonymous arrow not bound to a variable_declarator (e.g.
			// passed inline as a callback argument).
			w.anonCtr++
			newScope = fmt.Sprintf("$anon_%d", w.anonCtr)
			w.result.Symbols = append(w.result.Symbols, Symbol{
				Name: newScope, Type: "function", Line: w.line(node),
				Column: int(node.StartPoint().Column) + 1, Scope: newScope,
				Signature: truncate(w.text(node)),
			})
		}
	case "call_expression":
		w.extractCall(node, scope)
	case "lexical_declaration", "variable_declaration":
		w.extractVarDecl(node, scope)
	case "import_statement":
		w.extractImport(node)
	case "class_declaration":
		w.extractClass(node)
	case "return_statement":
		w.extractRefs(node, scope, "return")
	}

	if scope != "" || newScope != "" {
		if body := node.ChildByFieldName("body"); body != nil && (node.Type() == "function_declaration" || node.Type() == "method_definition" || node.Type() == "arrow_function") {
			w.buildCFG(newScope, body)
		}
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		w.walk(node.Child(i), newScope)
	}
}

func (w *tsWalker) extractNamedFunction(node *sitter.Node, outerScope string) string {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return outerScope
	}
	name := w.text(nameNode)
	w.result.Symbols = append(w.result.Symbols, Symbol{
		Name: name, Type: "function", Line: w.line(node),
		Column: int(node.StartPoint().Column) + 1, Scope: name,
		Signature: w.signature(node, name),
	})
	return name
}

func (w *tsWalker) extractMethod(node *sitter.Node, outerScope string) string {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return outerScope
	}
	name := w.text(nameNode)
	scope := name
	if outerScope != "" {
		scope = outerScope + "." + name
	}
	w.result.Symbols = append(w.result.Symbols, Symbol{
		Name: scope, Type: "method", Line: w.line(node),
		Column: int(node.StartPoint().Column) + 1, Scope: scope,
		Signature: w.signature(node, name),
	})
	return scope
}

func (w *tsWalker) extractArrowAssignedToVar(declarator, arrow *sitter.Node, outerScope string) string {
	nameNode := declarator.ChildByFieldName("name")
	if nameNode == nil {
		return outerScope
	}
	name := w.text(nameNode)
	w.result.Symbols = append(w.result.Symbols, Symbol{
		Name: name, Type: "function", Line: w.line(declarator),
		Column: int(declarator.StartPoint().Column) + 1, Scope: name,
		Signature: w.signature(arrow, name),
	})
	return name
}

func (w *tsWalker) signature(node *sitter.Node, name string) string {
	var b strings.Builder
	b.WriteString("function ")
	b.WriteString(name)
	if params := node.ChildByFieldName("parameters"); params != nil {
		b.WriteString(w.text(params))
	}
	if rt := node.ChildByFieldName("return_type"); rt != nil {
		b.WriteString(" ")
		b.WriteString(w.text(rt))
	}
	return b.String()
}

func (w *tsWalker) extractClass(node *sitter.Node) {
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

func (w *tsWalker) extractImport(node *sitter.Node) {
	var target string
	var names []string
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		switch child.Type() {
		case "string":
			target = strings.Trim(w.text(child), `"'`)
		case "import_clause":
			names = append(names, w.collectImportNames(child)...)
		}
	}
	if target == "" {
		return
	}
	w.result.Imports = append(w.result.Imports, Import{
		Target:        target,
		ImportedNames: strings.Join(names, ","),
		Line:          w.line(node),
	})
}

func (w *tsWalker) collectImportNames(node *sitter.Node) []string {
	var names []string
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n == nil {
			return
		}
		if n.Type() == "identifier" {
			names = append(names, w.text(n))
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	walk(node)
	return names
}

func (w *tsWalker) extractCall(node *sitter.Node, scope string) {
	funcNode := node.ChildByFieldName("function")
	if funcNode == nil {
		return
	}
	calleeName := w.text(funcNode)
	argsNode := node.ChildByFieldName("arguments")
	line := w.line(node)
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
			ArgumentKind: tsArgKind(t),
		})
		idx++
	}
	if !any {
		w.result.CallArgs = append(w.result.CallArgs, CallArg{CallerScope: scope, CalleeName: calleeName, Line: line, ArgumentIndex: -1})
	}
}

func tsArgKind(nodeType string) string {
	switch nodeType {
	case "string", "template_string", "number", "true", "false", "null", "undefined":
		return "literal"
	case "identifier":
		return "identifier"
	case "call_expression":
		return "call"
	case "member_expression":
		return "member"
	default:
		return "other"
	}
}

func (w *tsWalker) extractVarDecl(node *sitter.Node, scope string) {
	for i := 0; i < int(node.ChildCount()); i++ {
		decl := node.Child(i)
		if decl.Type() != "variable_declarator" {
			continue
		}
		nameNode := decl.ChildByFieldName("name")
		valueNode := decl.ChildByFieldName("value")
		if nameNode == nil {
			continue
		}
		if valueNode != nil && valueNode.Type() == "arrow_function" {
			continue // handled as a function symbol, not a plain assignment
		}
		a := Assignment{Scope: scope, TargetName: w.text(nameNode), Line: w.line(decl)}
		if valueNode != nil {
			a.RHSExpression = truncate(w.text(valueNode))
			a.RHSKind = tsArgKind(valueNode.Type())
			a.RHSRefs = strings.Join(w.collectImportNames(valueNode), ",")
		}
		w.result.Assignments = append(w.result.Assignments, a)
	}
}

func (w *tsWalker) extractRefs(node *sitter.Node, scope, kind string) {
	for _, name := range w.collectImportNames(node) {
		w.result.Refs = append(w.result.Refs, Ref{Scope: scope, ReferencedName: name, Kind: kind, Line: w.line(node)})
	}
}

// buildCFG mirrors the Go extractor's block-splitting approach: one
// entry block per function, split at if_statement boundaries.
func (w *tsWalker) buildCFG(scope string, body *sitter.Node) {
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
				if alt := stmt.ChildByFieldName("alternative"); alt != nil {
					prev := current
					current = branch
					walkBlock(alt)
					edge(current, join, "false")
					current = prev
				} else {
					edge(branch, join, "false")
				}
				current = join
				continue
			}
			if stmt.Type() == "{" || stmt.Type() == "}" {
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
