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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingDefaultFileYieldsDefaults(t *testing.T) {
	root := t.TempDir()
	cfg, err := Load(root, "")
	require.NoError(t, err)
	assert.Equal(t, root, cfg.RootPath)
	assert.Equal(t, int64(2<<20), cfg.MaxFileBytes)
	assert.Equal(t, 1_000_000, cfg.TaintMaxWorklistEntries)
	assert.Equal(t, 5, cfg.TaintAccessPathK)
}

func TestLoad_MissingExplicitPathIsError(t *testing.T) {
	root := t.TempDir()
	_, err := Load(root, filepath.Join(root, "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".auditor"), 0o755))
	contents := `
output_directory: build/audit
exclude_patterns:
  - vendor/**
  - "*.generated.go"
max_file_bytes: 1048576
extractor_language_set:
  - go
taint_access_path_k: 3
`
	require.NoError(t, os.WriteFile(ConfigPath(root), []byte(contents), 0o644))

	cfg, err := Load(root, "")
	require.NoError(t, err)
	assert.Equal(t, "build/audit", cfg.OutputDirectory)
	assert.Equal(t, []string{"vendor/**", "*.generated.go"}, cfg.ExcludePatterns)
	assert.Equal(t, int64(1048576), cfg.MaxFileBytes)
	assert.Equal(t, []string{"go"}, cfg.ExtractorLanguageSet)
	assert.Equal(t, 3, cfg.TaintAccessPathK)
	// Fields absent from the file keep Defaults().
	assert.Equal(t, 1_000_000, cfg.TaintMaxWorklistEntries)
}
