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

// Package config loads the YAML configuration file a pipeline run reads
// its options from: a file at a conventional location relative to the
// project root, filled in over a defaults struct rather than through
// struct-tag defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// defaultRelPath is where Load looks for a project's configuration when
// no explicit path is given.
const defaultRelPath = ".auditor/config.yaml"

// Config is the full set of options a pipeline run recognizes (spec §6
// "Input: configuration"). Every field carries the yaml tag it's read
// from; a field absent from the file keeps the default Defaults()
// applied before unmarshaling.
type Config struct {
	RootPath              string   `yaml:"root_path"`
	OutputDirectory       string   `yaml:"output_directory"`
	ExcludePatterns       []string `yaml:"exclude_patterns"`
	MaxFileBytes          int64    `yaml:"max_file_bytes"`
	ExtractorLanguageSet  []string `yaml:"extractor_language_set"`
	TaintMaxWorklistEntries int    `yaml:"taint_max_worklist_entries"`
	TaintAccessPathK      int      `yaml:"taint_access_path_k"`
	WorksetFile           string   `yaml:"workset_file"`
}

// Defaults returns the documented default for every option (spec §6).
func Defaults() Config {
	return Config{
		MaxFileBytes:            2 << 20,
		TaintMaxWorklistEntries: 1_000_000,
		TaintAccessPathK:        5,
	}
}

// Load reads path (or, if path is empty, defaultRelPath relative to
// root) and returns a Config seeded with Defaults() and overridden by
// whatever the file sets. A missing file at the default path is not an
// error — it simply yields Defaults() with RootPath filled in,
// treating configuration as optional. An explicitly named path that
// doesn't exist is an error: the caller asked for a specific file.
func Load(root, path string) (*Config, error) {
	cfg := Defaults()
	cfg.RootPath = root

	explicit := path != ""
	if path == "" {
		path = filepath.Join(root, defaultRelPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.RootPath == "" {
		cfg.RootPath = root
	}
	return &cfg, nil
}

// ConfigPath returns the default configuration file path for root.
func ConfigPath(root string) string {
	return filepath.Join(root, defaultRelPath)
}
