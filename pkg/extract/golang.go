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
	"github.com/smacker/go-tree-sitter/golang"
)

// GoExtractor walks a Go source file with tree-sitter. It is the
// primary extractor: Go is this pipeline's best-supported language,
// in the same sense the upstream parser this package is grounded on
// treated Go as its main target.
type GoExtractor struct{}

func (e *GoExtractor) Extract(path string, content []byte) (Result, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(golang.GetLanguage())

	tree, err := parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return Result{}, fmt.Errorf("tree-sitter parse: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	w := &goWalker{content: content, path: path, result: &Result{}}
	w.walkTop(root)
	detectFrameworks(w.result)
	return *w.result, nil
}

type goWalker struct {
	content []byte
	path    string
	result  *Result
}

func (w *goWalker) text(n *sitter.Node) string {
	if n == nil {
		return ""
	}
	return string(w.content[n.StartByte():n.EndByte()])
}

func (w *goWalker) line(n *sitter.Node) int {
	return int(n.StartPoint().Row) + 1
}

// walkTop handles package-level declarations: imports, functions,
// methods, and type declarations.
func (w *goWalker) walkTop(root *sitter.Node) {
	for i := 0; i < int(root.ChildCount()); i++ {
		child := root.Child(i)
		switch child.Type() {
		case "import_declaration":
			w.extractImportDecl(child)
		case "function_declaration":
			w.extractFunction(child, false)
		case "method_declaration":
			w.extractFunction(child, true)
		case "type_declaration":
			w.extractTypeDecl(child)
		}
	}
}

func (w *goWalker) extractImportDecl(node *sitter.Node) {
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		switch child.Type() {
		case "import_spec":
			w.extractImportSpec(child)
		case "import_spec_list":
			for j := 0; j < int(child.ChildCount()); j++ {
				spec := child.Child(j)
				if spec.Type() == "import_spec" {
					w.extractImportSpec(spec)
				}
			}
		}
	}
}

func (w *goWalker) extractImportSpec(node *sitter.Node) {
	pathNode := node.ChildByFieldName("path")
	if pathNode == nil {
		return
	}
	target := strings.Trim(w.text(pathNode), `"`)

	alias := ""
	if nameNode := node.ChildByFieldName("name"); nameNode != nil {
		alias = w.text(nameNode)
	}

	w.result.Imports = append(w.result.Imports, Import{
		Target:        target,
		ImportedNames: alias,
		Line:          w.line(node),
	})
}

func (w *goWalker) extractTypeDecl(node *sitter.Node) {
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		switch child.Type() {
		case "type_spec":
			w.extractTypeSpec(child)
		case "type_spec_list":
			for j := 0; j < int(child.ChildCount()); j++ {
				spec := child.Child(j)
				if spec.Type() == "type_spec" {
					w.extractTypeSpec(spec)
				}
			}
		}
	}
}

func (w *goWalker) extractTypeSpec(node *sitter.Node) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	name := w.text(nameNode)

	typeNode := node.ChildByFieldName("type")
	kind := "type_alias"
	if typeNode != nil {
		switch typeNode.Type() {
		case "struct_type":
			kind = "struct"
		case "interface_type":
			kind = "interface"
		}
	}

	w.result.Symbols = append(w.result.Symbols, Symbol{
		Name:      name,
		Type:      kind,
		Line:      w.line(node),
		Column:    int(node.StartPoint().Column) + 1,
		Scope:     name,
		Signature: truncate(w.text(node)),
	})
}

// extractFunction records a function/method symbol and walks its body
// for calls, assignments, and references.
func (w *goWalker) extractFunction(node *sitter.Node, isMethod bool) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	simpleName := w.text(nameNode)

	scope := simpleName
	if isMethod {
		if recv := node.ChildByFieldName("receiver"); recv != nil {
			if t := receiverType(recv, w.content); t != "" {
				scope = t + "." + simpleName
			}
		}
	}

	sig := w.buildSignature(node, scope)

	w.result.Symbols = append(w.result.Symbols, Symbol{
		Name:      scope,
		Type:      typeNameFor(isMethod),
		Line:      w.line(node),
		Column:    int(node.StartPoint().Column) + 1,
		Scope:     scope,
		Signature: sig,
	})

	body := node.ChildByFieldName("body")
	if body == nil {
		return
	}
	w.walkStatements(body, scope)
	w.buildCFG(scope, body)
}

func typeNameFor(isMethod bool) string {
	if isMethod {
		return "method"
	}
	return "function"
}

func (w *goWalker) buildSignature(node *sitter.Node, name string) string {
	var b strings.Builder
	b.WriteString("func ")
	if recv := node.ChildByFieldName("receiver"); recv != nil {
		b.WriteString(w.text(recv))
		b.WriteString(" ")
	}
	b.WriteString(name[strings.LastIndex(name, ".")+1:])
	if params := node.ChildByFieldName("parameters"); params != nil {
		b.WriteString(w.text(params))
	}
	if result := node.ChildByFieldName("result"); result != nil {
		b.WriteString(" ")
		b.WriteString(w.text(result))
	}
	return b.String()
}

func receiverType(receiverNode *sitter.Node, content []byte) string {
	for i := 0; i < int(receiverNode.ChildCount()); i++ {
		child := receiverNode.Child(i)
		if child.Type() != "parameter_declaration" {
			continue
		}
		typeNode := child.ChildByFieldName("type")
		if typeNode == nil {
			continue
		}
		return baseTypeName(typeNode, content)
	}
	return ""
}

func baseTypeName(typeNode *sitter.Node, content []byte) string {
	switch typeNode.Type() {
	case "pointer_type":
		for i := 0; i < int(typeNode.ChildCount()); i++ {
			child := typeNode.Child(i)
			if child.Type() != "*" {
				return baseTypeName(child, content)
			}
		}
	case "generic_type":
		if tn := typeNode.ChildByFieldName("type"); tn != nil {
			return string(content[tn.StartByte():tn.EndByte()])
		}
	case "type_identifier":
		return string(content[typeNode.StartByte():typeNode.EndByte()])
	}
	name := string(content[typeNode.StartByte():typeNode.EndByte()])
	name = strings.TrimPrefix(name, "*")
	if idx := strings.Index(name, "["); idx > 0 {
		name = name[:idx]
	}
	return name
}

// walkStatements recursively visits a function body, recording calls,
// assignments, and bare references.
func (w *goWalker) walkStatements(node *sitter.Node, scope string) {
	if node == nil {
		return
	}

	switch node.Type() {
	case "call_expression":
		w.extractCall(node, scope)
	case "short_var_declaration":
		w.extractShortVarDecl(node, scope)
	case "assignment_statement":
		w.extractAssignment(node, scope)
	case "identifier":
		// Bare identifier reads are only interesting outside of the
		// declaration/assignment contexts already handled above;
		// recording every identifier would flood refs, so this
		// extractor only emits refs for return/condition expressions,
		// handled below.
	case "return_statement":
		w.extractRefsIn(node, scope, "return")
	case "if_statement":
		if cond := node.ChildByFieldName("condition"); cond != nil {
			w.extractRefsIn(cond, scope, "condition")
		}
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		w.walkStatements(node.Child(i), scope)
	}
}

func (w *goWalker) extractCall(node *sitter.Node, scope string) {
	funcNode := node.ChildByFieldName("function")
	if funcNode == nil {
		return
	}
	calleeName := w.calleeName(funcNode)
	if calleeName == "" {
		return
	}
	line := w.line(node)

	argsNode := node.ChildByFieldName("arguments")
	if argsNode == nil {
		w.result.CallArgs = append(w.result.CallArgs, CallArg{
			CallerScope: scope, CalleeName: calleeName, Line: line, ArgumentIndex: -1,
		})
		return
	}

	idx := 0
	found := false
	for i := 0; i < int(argsNode.ChildCount()); i++ {
		arg := argsNode.Child(i)
		t := arg.Type()
		if t == "(" || t == ")" || t == "," {
			continue
		}
		found = true
		w.result.CallArgs = append(w.result.CallArgs, CallArg{
			CallerScope:        scope,
			CalleeName:         calleeName,
			Line:               line,
			ArgumentIndex:      idx,
			ArgumentExpression: truncate(w.text(arg)),
			ArgumentKind:       argKind(arg.Type()),
		})
		idx++
	}
	if !found {
		w.result.CallArgs = append(w.result.CallArgs, CallArg{
			CallerScope: scope, CalleeName: calleeName, Line: line, ArgumentIndex: -1,
		})
	}
}

func argKind(nodeType string) string {
	switch nodeType {
	case "interpreted_string_literal", "raw_string_literal", "int_literal", "float_literal", "true", "false", "nil":
		return "literal"
	case "identifier":
		return "identifier"
	case "call_expression":
		return "call"
	case "selector_expression":
		return "member"
	default:
		return "other"
	}
}

func (w *goWalker) calleeName(node *sitter.Node) string {
	switch node.Type() {
	case "identifier":
		return w.text(node)
	case "selector_expression":
		return w.text(node)
	case "index_expression":
		if operand := node.ChildByFieldName("operand"); operand != nil {
			return w.calleeName(operand)
		}
	}
	return ""
}

func (w *goWalker) extractShortVarDecl(node *sitter.Node, scope string) {
	left := node.ChildByFieldName("left")
	right := node.ChildByFieldName("right")
	if left == nil || right == nil {
		return
	}
	w.pairAssignments(left, right, scope)
}

func (w *goWalker) extractAssignment(node *sitter.Node, scope string) {
	left := node.ChildByFieldName("left")
	right := node.ChildByFieldName("right")
	if left == nil || right == nil {
		return
	}
	w.pairAssignments(left, right, scope)
}

func (w *goWalker) pairAssignments(left, right *sitter.Node, scope string) {
	targets := identifierList(left, w.content)
	values := exprList(right)
	line := w.line(left)

	for i, target := range targets {
		var rhsNode *sitter.Node
		if len(values) == len(targets) {
			rhsNode = values[i]
		} else if len(values) == 1 {
			rhsNode = values[0]
		}
		a := Assignment{Scope: scope, TargetName: target, Line: line}
		if rhsNode != nil {
			a.RHSExpression = truncate(w.text(rhsNode))
			a.RHSKind = rhsKind(rhsNode.Type())
			a.RHSRefs = strings.Join(identifiersWithin(rhsNode, w.content), ",")
		}
		w.result.Assignments = append(w.result.Assignments, a)
	}
}

func rhsKind(nodeType string) string {
	switch nodeType {
	case "call_expression":
		return "call"
	case "interpreted_string_literal", "raw_string_literal", "int_literal", "float_literal", "true", "false", "nil":
		return "literal"
	case "identifier":
		return "identifier"
	case "selector_expression":
		return "member"
	default:
		return "other"
	}
}

func identifierList(node *sitter.Node, content []byte) []string {
	var names []string
	if node.Type() == "expression_list" {
		for i := 0; i < int(node.ChildCount()); i++ {
			c := node.Child(i)
			if c.Type() == "identifier" {
				names = append(names, string(content[c.StartByte():c.EndByte()]))
			}
		}
		return names
	}
	if node.Type() == "identifier" {
		return []string{string(content[node.StartByte():node.EndByte()])}
	}
	return names
}

func exprList(node *sitter.Node) []*sitter.Node {
	if node.Type() == "expression_list" {
		var out []*sitter.Node
		for i := 0; i < int(node.ChildCount()); i++ {
			c := node.Child(i)
			if c.Type() != "," {
				out = append(out, c)
			}
		}
		return out
	}
	return []*sitter.Node{node}
}

func identifiersWithin(node *sitter.Node, content []byte) []string {
	var names []string
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n == nil {
			return
		}
		if n.Type() == "identifier" {
			names = append(names, string(content[n.StartByte():n.EndByte()]))
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	walk(node)
	return names
}

func (w *goWalker) extractRefsIn(node *sitter.Node, scope, kind string) {
	for _, name := range identifiersWithin(node, w.content) {
		w.result.Refs = append(w.result.Refs, Ref{
			Scope: scope, ReferencedName: name, Kind: kind, Line: w.line(node),
		})
	}
}

// buildCFG constructs a control-flow graph for one function body.
// Straight-line statements collapse into a single block; if/for
// statements split the block and wire branch edges, enough structure
// for the taint engine's backward intra-procedural walk without
// attempting full SSA-grade precision.
func (w *goWalker) buildCFG(scope string, body *sitter.Node) {
	b := &cfgBuilder{walker: w, scope: scope}
	entry := b.newBlock("entry", w.line(body), w.line(body))
	b.current = entry
	b.walkBlock(body)
	exit := b.newBlock("exit", w.line(body), w.line(body))
	b.edge(b.current, exit, "seq")
}

type cfgBuilder struct {
	walker  *goWalker
	scope   string
	current string
	counter int
}

func (b *cfgBuilder) newBlock(kind string, start, end int) string {
	b.counter++
	id := fmt.Sprintf("%s:%s:%d", b.walker.path, b.scope, b.counter)
	b.walker.result.CFGBlocks = append(b.walker.result.CFGBlocks, CFGBlock{
		BlockID: id, Scope: b.scope, StartLine: start, EndLine: end, Kind: kind,
	})
	return id
}

func (b *cfgBuilder) edge(from, to, label string) {
	if from == "" || to == "" {
		return
	}
	b.walker.result.CFGEdges = append(b.walker.result.CFGEdges, CFGEdge{FromBlock: from, ToBlock: to, Label: label})
}

func (b *cfgBuilder) addStatement(blockID string, n *sitter.Node) {
	b.walker.result.CFGStmts = append(b.walker.result.CFGStmts, CFGStatement{
		BlockID:       blockID,
		StatementLine: b.walker.line(n),
		StatementKind: n.Type(),
		StatementText: truncate(b.walker.text(n)),
	})
}

// walkBlock walks a "block" node's statement_list, splitting on
// control-flow statements.
func (b *cfgBuilder) walkBlock(block *sitter.Node) {
	for i := 0; i < int(block.ChildCount()); i++ {
		stmt := block.Child(i)
		switch stmt.Type() {
		case "if_statement", "for_statement":
			b.addStatement(b.current, stmt)
			isLoop := stmt.Type() == "for_statement"
			branchKind := "branch"
			if isLoop {
				branchKind = "loop_header"
			}
			branchBlock := b.newBlock(branchKind, b.walker.line(stmt), b.walker.line(stmt))
			b.edge(b.current, branchBlock, "seq")

			joinBlock := b.newBlock("join", b.walker.line(stmt), b.walker.line(stmt))

			if consequence := stmt.ChildByFieldName("consequence"); consequence != nil {
				prev := b.current
				b.current = branchBlock
				b.walkBlock(consequence)
				b.edge(b.current, joinBlock, "true")
				b.current = prev
			} else if body := stmt.ChildByFieldName("body"); body != nil {
				prev := b.current
				b.current = branchBlock
				b.walkBlock(body)
				b.edge(b.current, branchBlock, "loop_back")
				b.current = prev
			}

			if alt := stmt.ChildByFieldName("alternative"); alt != nil {
				prev := b.current
				b.current = branchBlock
				b.walkBlock(alt)
				b.edge(b.current, joinBlock, "false")
				b.current = prev
			} else {
				b.edge(branchBlock, joinBlock, "false")
			}

			b.current = joinBlock
		case "{", "}":
			// block delimiters
		default:
			if stmt.Type() != "" {
				b.addStatement(b.current, stmt)
			}
		}
	}
}
