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

package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJoinIfSet(t *testing.T) {
	tests := []struct {
		name            string
		root            string
		outputDirectory string
		want            string
	}{
		{name: "empty stays empty", root: "/repo", outputDirectory: "", want: ""},
		{name: "relative is joined against root", root: "/repo", outputDirectory: "build/audit", want: filepath.Join("/repo", "build/audit")},
		{name: "absolute passes through unchanged", root: "/repo", outputDirectory: "/var/audit", want: "/var/audit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, joinIfSet(tt.root, tt.outputDirectory))
		})
	}
}
