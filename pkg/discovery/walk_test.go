// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package discovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestWalkClassifiesByExtension(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main\n")
	writeFile(t, root, "app.py", "print('hi')\n")
	writeFile(t, root, "README", "no extension\n")

	result, err := Walk(context.Background(), root, Config{})
	require.NoError(t, err)

	byPath := map[string]File{}
	for _, f := range result.Files {
		byPath[f.Path] = f
	}

	assert.Equal(t, "go", byPath["main.go"].Language)
	assert.Equal(t, "python", byPath["app.py"].Language)
	_, ok := byPath["README"]
	assert.False(t, ok, "extensionless file not in the registry must be skipped, not errored")
	assert.Equal(t, 1, result.SkipReasons["unknown_language"])
}

func TestWalkAppliesDefaultExcludes(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/main.go", "package main\n")
	writeFile(t, root, "node_modules/pkg/index.js", "module.exports = {}\n")
	writeFile(t, root, ".git/HEAD", "ref: refs/heads/main\n")

	result, err := Walk(context.Background(), root, Config{})
	require.NoError(t, err)

	var paths []string
	for _, f := range result.Files {
		paths = append(paths, f.Path)
	}
	assert.Contains(t, paths, "src/main.go")
	assert.NotContains(t, paths, "node_modules/pkg/index.js")
}

func TestWalkHonorsCustomExcludePatterns(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/main.go", "package main\n")
	writeFile(t, root, "testdata/fixture.go", "package testdata\n")

	result, err := Walk(context.Background(), root, Config{ExcludePatterns: []string{"testdata/**"}})
	require.NoError(t, err)

	var paths []string
	for _, f := range result.Files {
		paths = append(paths, f.Path)
	}
	assert.Contains(t, paths, "src/main.go")
	assert.NotContains(t, paths, "testdata/fixture.go")
}

func TestWalkEnforcesSizeCap(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "big.go", "package main\n// padding padding padding\n")

	result, err := Walk(context.Background(), root, Config{MaxFileBytes: 4})
	require.NoError(t, err)

	assert.Empty(t, result.Files)
	assert.Equal(t, 1, result.SkipReasons["too_large"])
}

func TestWalkRejectsBinaryContent(t *testing.T) {
	root := t.TempDir()
	binary := make([]byte, 2000)
	for i := range binary {
		binary[i] = byte(i % 256)
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "blob.go"), binary, 0o644))

	result, err := Walk(context.Background(), root, Config{})
	require.NoError(t, err)

	assert.Empty(t, result.Files)
	assert.Equal(t, 1, result.SkipReasons["binary"])
}

func TestWalkIsDeterministicallyOrdered(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "b.go", "package main\n")
	writeFile(t, root, "a.go", "package main\n")
	writeFile(t, root, "c/z.go", "package c\n")
	writeFile(t, root, "c/a.go", "package c\n")

	first, err := Walk(context.Background(), root, Config{})
	require.NoError(t, err)
	second, err := Walk(context.Background(), root, Config{})
	require.NoError(t, err)

	var firstPaths, secondPaths []string
	for _, f := range first.Files {
		firstPaths = append(firstPaths, f.Path)
	}
	for _, f := range second.Files {
		secondPaths = append(secondPaths, f.Path)
	}
	assert.Equal(t, firstPaths, secondPaths)
}

func TestWalkComputesStableContentHash(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main\n\nfunc main() {}\n")

	result, err := Walk(context.Background(), root, Config{})
	require.NoError(t, err)
	require.Len(t, result.Files, 1)
	assert.Len(t, result.Files[0].SHA256, 64)

	again, err := Walk(context.Background(), root, Config{})
	require.NoError(t, err)
	assert.Equal(t, result.Files[0].SHA256, again.Files[0].SHA256)
}

func TestWalkRejectsMissingRoot(t *testing.T) {
	_, err := Walk(context.Background(), filepath.Join(t.TempDir(), "does-not-exist"), Config{})
	assert.Error(t, err)
}

func TestMatchesGlobDoubleStarAndCharClass(t *testing.T) {
	assert.True(t, matchesGlob("vendor/pkg/file.go", "vendor/**"))
	assert.True(t, matchesGlob("src/app_test.go", "*_test.go"))
	assert.True(t, matchesGlob("src/log1.txt", "log[0-9].txt"))
	assert.False(t, matchesGlob("src/logA.txt", "log[0-9].txt"))
}
