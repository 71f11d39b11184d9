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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func symbolNames(r Result) map[string]bool {
	names := make(map[string]bool)
	for _, s := range r.Symbols {
		names[s.Name] = true
	}
	return names
}

func TestGoExtractorFunctionsAndMethods(t *testing.T) {
	src := `package main

import "fmt"

type Server struct{}

func (s *Server) Start() error {
	fmt.Println("starting")
	return nil
}

func add(a, b int) int {
	return a + b
}
`
	r, err := (&GoExtractor{}).Extract("main.go", []byte(src))
	require.NoError(t, err)

	names := symbolNames(r)
	assert.True(t, names["Server.Start"])
	assert.True(t, names["add"])
	require.Len(t, r.Imports, 1)
	assert.Equal(t, "fmt", r.Imports[0].Target)
}

func TestGoExtractorCallArgsAndAssignments(t *testing.T) {
	src := `package main

func helper(x int) int { return x }

func caller() {
	y := helper(42)
	_ = y
}
`
	r, err := (&GoExtractor{}).Extract("main.go", []byte(src))
	require.NoError(t, err)

	var found bool
	for _, c := range r.CallArgs {
		if c.CalleeName == "helper" && c.ArgumentIndex == 0 {
			found = true
			assert.Equal(t, "42", c.ArgumentExpression)
			assert.Equal(t, "literal", c.ArgumentKind)
		}
	}
	assert.True(t, found, "expected a call_args row for helper(42)")

	var assigned bool
	for _, a := range r.Assignments {
		if a.TargetName == "y" {
			assigned = true
			assert.Equal(t, "call", a.RHSKind)
		}
	}
	assert.True(t, assigned)
}

func TestGoExtractorBuildsCFGWithBranch(t *testing.T) {
	src := `package main

func classify(x int) string {
	if x > 0 {
		return "positive"
	}
	return "non-positive"
}
`
	r, err := (&GoExtractor{}).Extract("main.go", []byte(src))
	require.NoError(t, err)

	assert.GreaterOrEqual(t, len(r.CFGBlocks), 3, "entry, branch, and join blocks expected")
	assert.NotEmpty(t, r.CFGEdges)
}

func TestTSExtractorFunctionsAndImports(t *testing.T) {
	src := `import { readFile } from "fs";

function add(a, b) {
  return a + b;
}

const double = (x) => x * 2;
`
	r, err := (&TSExtractor{}).Extract("main.js", []byte(src))
	require.NoError(t, err)

	names := symbolNames(r)
	assert.True(t, names["add"])
	assert.True(t, names["double"])
	require.Len(t, r.Imports, 1)
	assert.Equal(t, "fs", r.Imports[0].Target)
}

func TestTSExtractorDetectsExpressRoute(t *testing.T) {
	src := `app.get("/users", function(req, res) {
  res.send("ok");
});
`
	r, err := (&TSExtractor{}).Extract("server.js", []byte(src))
	require.NoError(t, err)

	require.Len(t, r.Routes, 1)
	assert.Equal(t, "GET", r.Routes[0].Method)
	assert.Equal(t, "/users", r.Routes[0].PathPattern)
}

func TestPythonExtractorFunctionsAndImports(t *testing.T) {
	src := `import os
from flask import Flask

def add(a, b):
    return a + b

class Greeter:
    def greet(self, name):
        return "hi " + name
`
	r, err := (&PythonExtractor{}).Extract("app.py", []byte(src))
	require.NoError(t, err)

	names := symbolNames(r)
	assert.True(t, names["add"])
	assert.True(t, names["Greeter.greet"])

	var sawOS, sawFlask bool
	for _, imp := range r.Imports {
		if imp.Target == "os" {
			sawOS = true
		}
		if imp.Target == "flask" {
			sawFlask = true
			assert.Contains(t, imp.ImportedNames, "Flask")
		}
	}
	assert.True(t, sawOS)
	assert.True(t, sawFlask)
}

func TestPythonExtractorDetectsSQLQuery(t *testing.T) {
	src := `def fetch(cursor, user_id):
    cursor.execute("SELECT * FROM users WHERE id = %s", (user_id,))
`
	r, err := (&PythonExtractor{}).Extract("repo.py", []byte(src))
	require.NoError(t, err)

	require.Len(t, r.SQLQueries, 1)
	assert.Equal(t, "SELECT", r.SQLQueries[0].Command)
}

func TestForLanguageDispatch(t *testing.T) {
	_, ok := ForLanguage("go")
	assert.True(t, ok)
	_, ok = ForLanguage("python")
	assert.True(t, ok)
	_, ok = ForLanguage("typescript")
	assert.True(t, ok)
	_, ok = ForLanguage("terraform")
	assert.False(t, ok, "terraform is discoverable but has no extractor yet")
}
