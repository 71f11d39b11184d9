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

import "strings"

// detectFrameworks scans the call-argument rows a language walker
// already produced and derives routes, validation-framework usage, and
// SQL-query rows from calls that match a known framework's call shape.
// It runs as a second pass over Result rather than its own tree walk:
// the facts it needs (callee name, argument expressions, line) are
// already captured by the per-language extractor.
func detectFrameworks(r *Result) {
	for _, c := range r.CallArgs {
		if route, ok := routeFromCall(c); ok {
			r.Routes = append(r.Routes, route)
			continue
		}
		if v, ok := validationFromCall(c); ok {
			r.Validations = append(r.Validations, v)
			continue
		}
		if q, ok := sqlFromCall(c); ok {
			r.SQLQueries = append(r.SQLQueries, q)
		}
	}
}

var httpMethods = map[string]string{
	"get": "GET", "post": "POST", "put": "PUT", "delete": "DELETE",
	"patch": "PATCH", "head": "HEAD", "options": "OPTIONS",
}

// expressParameterSources and flaskParameterSources are the
// request-derived access paths each framework exposes to a route
// handler, by convention of the framework itself rather than any
// scan of the handler's body. A recognized route registration call
// is the only thing that emits these: the taint engine's Routes-based
// source query (pkg/taint/rules.go) reads them back per handler scope
// instead of matching "req.body" against every reference in the repo.
const (
	expressParameterSources = "req.body,req.query,req.params,req.headers"
	flaskParameterSources   = "request.form,request.args,request.json,request.headers"
)

// routeFromCall recognizes Express/Fastify-style `app.get("/path", handler)`
// and Flask/FastAPI-style `app.route("/path")`/`router.get("/path")` calls.
func routeFromCall(c CallArg) (Route, bool) {
	name := c.CalleeName
	dot := strings.LastIndex(name, ".")
	if dot < 0 {
		return Route{}, false
	}
	receiver := strings.ToLower(name[:dot])
	method := strings.ToLower(name[dot+1:])

	if !strings.Contains(receiver, "app") && !strings.Contains(receiver, "router") {
		return Route{}, false
	}
	parameterSources := expressParameterSources
	httpMethod, ok := httpMethods[method]
	if !ok {
		if method != "route" {
			return Route{}, false
		}
		httpMethod = "ANY"
		parameterSources = flaskParameterSources
	}
	if c.ArgumentIndex != 0 || c.ArgumentKind != "literal" {
		return Route{}, false
	}
	return Route{
		Method:           httpMethod,
		PathPattern:      strings.Trim(c.ArgumentExpression, `"'`),
		HandlerSymbol:    c.CallerScope,
		ParameterSources: parameterSources,
	}, true
}

var validationCallees = map[string]string{
	"z.object": "zod", "z.string": "zod", "z.number": "zod",
	"joi.object": "joi",
	"basemodel": "pydantic",
}

func validationFromCall(c CallArg) (Validation, bool) {
	lower := strings.ToLower(c.CalleeName)
	for callee, framework := range validationCallees {
		if strings.Contains(lower, callee) {
			return Validation{
				Scope: c.CallerScope, Framework: framework,
				Line: c.Line, IsSanitizerBoundary: true,
			}, true
		}
	}
	return Validation{}, false
}

var sqlCommandPrefixes = []string{"SELECT", "INSERT", "UPDATE", "DELETE"}

func sqlFromCall(c CallArg) (SQLQuery, bool) {
	lower := strings.ToLower(c.CalleeName)
	isQueryCall := strings.Contains(lower, ".query") || strings.Contains(lower, ".execute") || strings.HasSuffix(lower, "query")
	if !isQueryCall || c.ArgumentIndex != 0 {
		return SQLQuery{}, false
	}

	text := strings.TrimSpace(strings.Trim(c.ArgumentExpression, "`\"'"))
	upper := strings.ToUpper(text)
	command := ""
	for _, prefix := range sqlCommandPrefixes {
		if strings.HasPrefix(upper, prefix) {
			command = prefix
			break
		}
	}
	if command == "" {
		return SQLQuery{}, false
	}

	return SQLQuery{
		Scope: c.CallerScope, Line: c.Line, QueryText: truncate(text),
		QueryKind: "raw_string", Command: command,
		IsStatic: c.ArgumentKind == "literal",
	}, true
}
