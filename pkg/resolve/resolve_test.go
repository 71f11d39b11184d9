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

package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theauditor/auditor/pkg/extract"
)

func TestResolveSameFileCall(t *testing.T) {
	files := []FileFacts{
		{
			Path:     "main.go",
			Language: "go",
			Symbols: []extract.Symbol{
				{Name: "helper", Scope: "helper"},
				{Name: "caller", Scope: "caller"},
			},
			CallArgs: []extract.CallArg{
				{CallerScope: "caller", CalleeName: "helper", Line: 10, ArgumentIndex: -1},
			},
		},
	}

	result := New(files).Resolve()
	require.Len(t, result.CallGraphEdges, 1)
	assert.Equal(t, "caller", result.CallGraphEdges[0].CallerScope)
	assert.Equal(t, "helper", result.CallGraphEdges[0].CalleeScope)
}

func TestResolveCrossPackageGoCall(t *testing.T) {
	files := []FileFacts{
		{
			Path:     "internal/util/util.go",
			Language: "go",
			Symbols:  []extract.Symbol{{Name: "Helper", Scope: "Helper"}},
		},
		{
			Path:     "cmd/app/main.go",
			Language: "go",
			Imports:  []extract.Import{{Target: "example.com/app/internal/util", Line: 3}},
			CallArgs: []extract.CallArg{
				{CallerScope: "main", CalleeName: "util.Helper", Line: 12, ArgumentIndex: -1},
			},
		},
	}

	result := New(files).Resolve()
	require.Len(t, result.CallGraphEdges, 1)
	assert.Equal(t, "Helper", result.CallGraphEdges[0].CalleeScope)
	assert.Equal(t, "cmd/app/main.go", result.CallGraphEdges[0].CallSiteFile)
}

func TestResolvePythonRelativeImport(t *testing.T) {
	files := []FileFacts{
		{Path: "pkg/models.py", Language: "python"},
		{
			Path:     "pkg/service.py",
			Language: "python",
			Imports:  []extract.Import{{Target: ".models", Line: 1}},
		},
	}

	result := New(files).Resolve()
	require.Len(t, result.ImportGraphEdges, 1)
	assert.Equal(t, "pkg/service.py", result.ImportGraphEdges[0].ImporterFile)
	assert.Equal(t, "pkg/models.py", result.ImportGraphEdges[0].ImportedFile)
}

func TestResolveNodeRelativeImportWithExtensionProbing(t *testing.T) {
	files := []FileFacts{
		{Path: "src/utils.ts", Language: "typescript"},
		{
			Path:     "src/index.ts",
			Language: "typescript",
			Imports:  []extract.Import{{Target: "./utils", Line: 1}},
		},
	}

	result := New(files).Resolve()
	require.Len(t, result.ImportGraphEdges, 1)
	assert.Equal(t, "src/utils.ts", result.ImportGraphEdges[0].ImportedFile)
}

func TestResolveBarePackageImportIsNotResolvedToWorksetFile(t *testing.T) {
	files := []FileFacts{
		{
			Path:     "src/index.ts",
			Language: "typescript",
			Imports:  []extract.Import{{Target: "express", Line: 1}},
		},
	}

	result := New(files).Resolve()
	assert.Empty(t, result.ImportGraphEdges)
}
