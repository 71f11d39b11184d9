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

package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/theauditor/auditor/pkg/taint"
)

// writeManifest writes manifest.json (spec §6 Persisted state layout).
func writeManifest(outputDir string, m *Manifest) error {
	return writeJSON(filepath.Join(outputDir, "manifest.json"), m)
}

// findingsExport mirrors the findings.json schema of spec §6 exactly.
type findingsExport struct {
	Metadata     findingsMetadata  `json:"metadata"`
	FilesIndexed int               `json:"files_indexed"`
	Findings     []findingExport   `json:"findings"`
	Diagnostics  []diagnosticExport `json:"diagnostics"`
}

type findingsMetadata struct {
	PipelineVersion string `json:"pipeline_version"`
	SchemaDigest    string `json:"schema_digest"`
	StartedAt       string `json:"started_at"`
	CompletedAt     string `json:"completed_at"`
}

type findingExport struct {
	ID                    string       `json:"id"`
	Category              string       `json:"category"`
	Severity              string       `json:"severity"`
	Source                sourceExport `json:"source"`
	Sink                  sinkExport   `json:"sink"`
	Provenance            []hopExport  `json:"provenance"`
	SanitizersEncountered []string     `json:"sanitizers_encountered"`
	Confidence            string       `json:"confidence"`
	RuleID                string       `json:"rule_id,omitempty"`
}

// hopExport mirrors taint.Hop with the lowercase keys the rest of this
// schema uses; taint.Hop itself carries no json tags since pkg/taint
// has no JSON output of its own (Persist writes rows, not JSON).
type hopExport struct {
	File        string `json:"file"`
	Line        int    `json:"line"`
	Description string `json:"description"`
	AccessPath  string `json:"access_path"`
}

func exportHops(hops []taint.Hop) []hopExport {
	out := make([]hopExport, len(hops))
	for i, h := range hops {
		out[i] = hopExport{File: h.File, Line: h.Line, Description: h.Description, AccessPath: h.AccessPath}
	}
	return out
}

type sourceExport struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Kind string `json:"kind"`
}

type sinkExport struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Kind string `json:"kind"`
}

type diagnosticExport struct {
	File    string `json:"file"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

func writeFindingsExport(outputDir string, m *Manifest, findings []taint.Finding, diagnostics []diagnostic) error {
	export := findingsExport{
		Metadata: findingsMetadata{
			PipelineVersion: m.PipelineVersion,
			SchemaDigest:    m.SchemaDigest,
			StartedAt:       m.StartedAt,
			CompletedAt:     m.CompletedAt,
		},
		FilesIndexed: m.FilesDiscovered,
	}
	for _, f := range findings {
		export.Findings = append(export.Findings, findingExport{
			ID:                    f.ID,
			Category:              f.Category,
			Severity:              f.Severity,
			Source:                sourceExport{File: f.Source.File, Line: f.Source.Line, Kind: f.Source.SourceKind},
			Sink:                  sinkExport{File: f.Sink.File, Line: f.Sink.Line, Kind: f.Sink.SinkKind},
			Provenance:            exportHops(f.Provenance),
			SanitizersEncountered: f.SanitizersEncountered,
			Confidence:            f.Confidence,
		})
	}
	for _, d := range diagnostics {
		export.Diagnostics = append(export.Diagnostics, diagnosticExport{File: d.File, Stage: d.Stage, Message: d.Message})
	}
	return writeJSON(filepath.Join(outputDir, "findings.json"), export)
}

// writeDiagnosticsLog writes a human-readable diagnostics.log (spec
// §6 Persisted state layout), one line per diagnostic.
func writeDiagnosticsLog(outputDir string, diagnostics []diagnostic) error {
	var b strings.Builder
	for _, d := range diagnostics {
		fmt.Fprintf(&b, "[%s] %s: %s\n", strings.ToUpper(d.Kind), d.File, d.Message)
	}
	return os.WriteFile(filepath.Join(outputDir, "diagnostics.log"), []byte(b.String()), 0o644)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
