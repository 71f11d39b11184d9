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

// Package orchestrator sequences the pipeline's stages over one
// repository root: discovery, per-file extraction, cross-file
// resolution, and the taint engine, writing everything into a single
// fact base and emitting a manifest of what the run produced.
//
// Run is grounded on pkg/ingestion/local_pipeline.go's
// LocalPipeline.Run: a deterministic run ID, a sorted file list, a
// worker pool for the CPU-bound stage with a sequential fallback below
// a small file-count threshold, and a structured-logging call shape
// repeated at every stage boundary. The stage list differs because
// this pipeline has no embeddings or Primary Hub batch writer to run:
// extraction is followed by resolution, then the taint engine, not by
// EmbedFunctions/EmbedTypes.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/theauditor/auditor/internal/auditerrors"
	"github.com/theauditor/auditor/pkg/discovery"
	"github.com/theauditor/auditor/pkg/metrics"
	"github.com/theauditor/auditor/pkg/resolve"
	"github.com/theauditor/auditor/pkg/schema"
	"github.com/theauditor/auditor/pkg/storage"
	"github.com/theauditor/auditor/pkg/taint"
)

// parallelThreshold: below this many files, sequential extraction
// avoids goroutine overhead.
const parallelThreshold = 10

// defaultPerFileTimeout is the per-file extraction timeout of spec §5;
// a file that exceeds it is recorded as a diagnostic and skipped
// rather than aborting the run.
const defaultPerFileTimeout = 30 * time.Second

// Config controls one pipeline run (spec §6 "Input: configuration").
type Config struct {
	// RootPath is the repository root to index. Required.
	RootPath string
	// OutputDirectory is where the fact base and exports are written.
	// Defaults to "<RootPath>/.pf".
	OutputDirectory string
	// ExcludePatterns are merged with discovery's own defaults.
	ExcludePatterns []string
	// MaxFileBytes caps file size during discovery. Defaults to 2 MiB.
	MaxFileBytes int64
	// LanguageSet restricts extraction to the named languages. A nil
	// or empty set extracts every language pkg/extract supports.
	LanguageSet []string
	// WorksetFile names a file listing paths (one per line) considered
	// "changed". Run accepts the field but does not read the file: it
	// affects neither discovery, extraction, nor taint-worklist order.
	WorksetFile string
	// Resume skips extraction for files whose sha256 matches the
	// fact base's recorded hash from a prior run.
	Resume bool
	// PipelineVersion is recorded in schema_meta and the manifest.
	PipelineVersion string
	// Schema overrides the declared fact-base schema. Defaults to
	// schema.Default.
	Schema schema.Definition
	// TaintConfig overrides the taint engine's source/sink/sanitizer
	// vocabulary. Defaults to taint.DefaultConfig().
	TaintConfig *taint.Config
	// Logger receives stage-boundary structured logs. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Manifest summarizes one completed run (spec §4.6 step 7, §6 Output:
// manifest.json).
type Manifest struct {
	RunID             string         `json:"run_id"`
	PipelineVersion   string         `json:"pipeline_version"`
	SchemaDigest      string         `json:"schema_digest"`
	FactBasePath      string         `json:"fact_base_path"`
	StartedAt         string         `json:"started_at"`
	CompletedAt       string         `json:"completed_at"`
	FilesDiscovered   int            `json:"files_discovered"`
	FilesExtracted    int            `json:"files_extracted"`
	FilesSkippedHash  int            `json:"files_skipped_unchanged"`
	FindingsByCategory map[string]int `json:"findings_by_category"`
	ErrorCount        int            `json:"error_count"`
	DiagnosticCount   int            `json:"diagnostic_count"`
}

// diagnostic is one row of the fact base's diagnostics table, kept
// in-memory for findings.json's "diagnostics" array (spec §6).
type diagnostic struct {
	File    string
	Stage   string
	Kind    string // "error" (Kind B) or "info" (Kind C)
	Message string
	Line    int
}

// Run executes one full pipeline invocation against cfg.RootPath,
// writing the fact base and exports under cfg.OutputDirectory and
// returning the run's manifest.
//
// Failure semantics follow spec §7: a returned error is always Kind A
// (fatal) — schema digest mismatch, unreadable root, or an internal
// invariant violation — wrapped in *auditerrors.UserError so callers
// can surface ExitCode directly. Kind B (per-file) failures never
// reach the return value; they become diagnostics rows and the run
// continues.
func Run(ctx context.Context, cfg Config) (*Manifest, error) {
	started := time.Now()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RootPath == "" {
		return nil, auditerrors.NewConfigError(
			"root path is required", "Config.RootPath was empty",
			"pass --root <path> or set root_path in the config file", nil)
	}
	outputDir := cfg.OutputDirectory
	if outputDir == "" {
		outputDir = filepath.Join(cfg.RootPath, ".pf")
	}
	maxFileBytes := cfg.MaxFileBytes
	if maxFileBytes <= 0 {
		maxFileBytes = 2 << 20
	}

	runID := generateRunID(cfg.RootPath, started)
	logger.Info("orchestrator.run.start", "run_id", runID, "root", cfg.RootPath)

	factBasePath := filepath.Join(outputDir, "repo_index.db")
	backendSchema := cfg.Schema
	if backendSchema.Tables == nil {
		backendSchema = schema.Default
	}
	backend, err := storage.Open(storage.Config{
		Path: factBasePath, Schema: backendSchema, PipelineVersion: cfg.PipelineVersion,
	})
	if err != nil {
		var mismatch storage.SchemaDigestMismatchError
		if ok := asSchemaMismatch(err, &mismatch); ok {
			return nil, auditerrors.NewConfigError(
				"fact base schema is out of date", mismatch.Error(),
				"delete the fact base or rebuild with a matching schema version", err)
		}
		return nil, auditerrors.NewConfigError(
			"cannot open fact base", err.Error(),
			fmt.Sprintf("check that %s is writable", outputDir), err)
	}
	defer backend.Close()

	var diagnostics []diagnostic
	record := func(d diagnostic) {
		diagnostics = append(diagnostics, d)
		level := slog.LevelInfo
		if d.Kind == "error" {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "orchestrator.diagnostic", "file", d.File, "stage", d.Stage, "kind", d.Kind, "message", d.Message)
	}

	logger.Info("orchestrator.stage.discovery", "run_id", runID)
	discoveryStart := time.Now()
	discResult, err := discovery.Walk(ctx, cfg.RootPath, discovery.Config{
		ExcludePatterns: cfg.ExcludePatterns,
		MaxFileBytes:    maxFileBytes,
		Logger:          logger,
	})
	if err != nil {
		return nil, auditerrors.NewConfigError(
			"repository discovery failed", err.Error(),
			"check that root_path exists and is readable", err)
	}
	metrics.ObserveDiscoveryDuration(time.Since(discoveryStart).Seconds())

	files := make([]discovery.File, len(discResult.Files))
	copy(files, discResult.Files)
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	metrics.RecordFilesDiscovered(len(files))

	languageAllowed := languageFilter(cfg.LanguageSet)

	var existingHashes map[string]string
	if cfg.Resume {
		existingHashes, err = loadFileHashes(ctx, backend)
		if err != nil {
			return nil, auditerrors.NewInternalError(
				"cannot read existing file hashes for --resume", err.Error(),
				"re-run without --resume to rebuild the fact base from scratch", err)
		}
	}

	logger.Info("orchestrator.stage.extract", "run_id", runID, "file_count", len(files))
	extractStart := time.Now()

	toExtract := make([]discovery.File, 0, len(files))
	skippedUnchanged := 0
	for _, f := range files {
		if f.Language == "error" {
			record(diagnostic{File: f.Path, Stage: "discovery", Kind: "error", Message: "file could not be read during discovery"})
			metrics.RecordFileSkippedError()
			continue
		}
		if !languageAllowed(f.Language) {
			continue
		}
		if cfg.Resume && existingHashes[f.Path] == f.SHA256 {
			skippedUnchanged++
			metrics.RecordFileSkippedUnchanged()
			continue
		}
		toExtract = append(toExtract, f)
	}

	extracted := extractFiles(ctx, cfg.RootPath, toExtract, logger, record)

	for _, f := range toExtract {
		result, ok := extracted[f.Path]
		if !ok {
			metrics.RecordFileSkippedError()
			continue
		}
		if err := writeFileFacts(ctx, backend, f, result); err != nil {
			return nil, auditerrors.NewInternalError(
				"failed to write extracted facts", err.Error(),
				"this indicates an extractor produced a row for an undeclared table", err)
		}
		metrics.RecordFileExtracted()
	}

	metrics.ObserveExtractDuration(time.Since(extractStart).Seconds())
	logger.Info("orchestrator.stage.extract.complete", "run_id", runID,
		"extracted", len(extracted), "skipped_unchanged", skippedUnchanged,
		"duration_ms", time.Since(extractStart).Milliseconds())

	// Barrier: the resolver needs every file's facts, not just the ones
	// touched this run, so unchanged files are read back from the fact
	// base rather than re-extracted (spec §4.6 step 4, §7 Recovery).
	logger.Info("orchestrator.stage.resolve", "run_id", runID)
	resolveStart := time.Now()
	allFacts, err := collectFileFacts(ctx, backend, files, languageAllowed)
	if err != nil {
		return nil, auditerrors.NewInternalError(
			"failed to assemble cross-file facts", err.Error(), "", err)
	}
	resolver := resolve.New(allFacts)
	resolveResult := resolver.Resolve()
	metrics.ObserveResolveDuration(time.Since(resolveStart).Seconds())
	metrics.RecordCallGraphEdges(len(resolveResult.CallGraphEdges))
	metrics.RecordImportGraphEdges(len(resolveResult.ImportGraphEdges))

	if err := backend.DeleteAll(ctx, "call_graph_edges"); err != nil {
		return nil, auditerrors.NewInternalError("failed to clear call graph", err.Error(), "", err)
	}
	if err := backend.DeleteAll(ctx, "import_graph_edges"); err != nil {
		return nil, auditerrors.NewInternalError("failed to clear import graph", err.Error(), "", err)
	}
	if err := writeResolveResult(ctx, backend, resolveResult); err != nil {
		return nil, auditerrors.NewInternalError("failed to write resolution edges", err.Error(), "", err)
	}
	logger.Info("orchestrator.stage.resolve.complete", "run_id", runID,
		"call_edges", len(resolveResult.CallGraphEdges), "import_edges", len(resolveResult.ImportGraphEdges))

	logger.Info("orchestrator.stage.taint", "run_id", runID)
	taintStart := time.Now()
	taintCfg := taint.DefaultConfig()
	if cfg.TaintConfig != nil {
		taintCfg = *cfg.TaintConfig
	}
	engine, err := taint.New(ctx, backend, taintCfg)
	if err != nil {
		return nil, auditerrors.NewInternalError("failed to build taint engine", err.Error(), "", err)
	}
	findings, err := engine.Run(ctx)
	if err != nil {
		return nil, auditerrors.NewInternalError("taint analysis failed", err.Error(), "", err)
	}
	if err := backend.DeleteAll(ctx, "findings_consolidated"); err != nil {
		return nil, auditerrors.NewInternalError("failed to clear prior findings", err.Error(), "", err)
	}
	if err := taint.Persist(ctx, backend, findings); err != nil {
		return nil, auditerrors.NewInternalError("failed to persist findings", err.Error(), "", err)
	}
	metrics.ObserveTaintDuration(time.Since(taintStart).Seconds())
	for _, f := range findings {
		metrics.RecordFinding(f.Category)
	}
	logger.Info("orchestrator.stage.taint.complete", "run_id", runID, "findings", len(findings))

	if err := backend.DeleteAll(ctx, "diagnostics"); err != nil {
		return nil, auditerrors.NewInternalError("failed to clear prior diagnostics", err.Error(), "", err)
	}
	if err := writeDiagnostics(ctx, backend, diagnostics); err != nil {
		return nil, auditerrors.NewInternalError("failed to persist diagnostics", err.Error(), "", err)
	}

	completed := time.Now()
	byCategory := make(map[string]int)
	errCount := 0
	for _, f := range findings {
		byCategory[f.Category]++
	}
	for _, d := range diagnostics {
		if d.Kind == "error" {
			errCount++
		}
	}

	manifest := &Manifest{
		RunID:              runID,
		PipelineVersion:    cfg.PipelineVersion,
		SchemaDigest:       backendSchema.Digest(),
		FactBasePath:       factBasePath,
		StartedAt:          started.UTC().Format(time.RFC3339),
		CompletedAt:        completed.UTC().Format(time.RFC3339),
		FilesDiscovered:    len(files),
		FilesExtracted:     len(extracted),
		FilesSkippedHash:   skippedUnchanged,
		FindingsByCategory: byCategory,
		ErrorCount:         errCount,
		DiagnosticCount:    len(diagnostics),
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, auditerrors.NewInternalError("failed to create output directory", err.Error(), "", err)
	}
	if err := writeManifest(outputDir, manifest); err != nil {
		return nil, auditerrors.NewInternalError("failed to write manifest.json", err.Error(), "", err)
	}
	if err := writeFindingsExport(outputDir, manifest, findings, diagnostics); err != nil {
		return nil, auditerrors.NewInternalError("failed to write findings.json", err.Error(), "", err)
	}
	if err := writeDiagnosticsLog(outputDir, diagnostics); err != nil {
		return nil, auditerrors.NewInternalError("failed to write diagnostics.log", err.Error(), "", err)
	}

	metrics.ObserveTotalDuration(completed.Sub(started).Seconds())
	logger.Info("orchestrator.run.complete", "run_id", runID,
		"files_discovered", manifest.FilesDiscovered, "files_extracted", manifest.FilesExtracted,
		"findings", len(findings), "diagnostics", len(diagnostics),
		"duration_ms", completed.Sub(started).Milliseconds())

	return manifest, nil
}

// generateRunID derives a deterministic hash of the repository root and
// the second-truncated start time, so repeated runs in tests or logs
// are easy to correlate without relying on a random UUID generator.
func generateRunID(rootPath string, startTime time.Time) string {
	rounded := startTime.Truncate(time.Second)
	base := fmt.Sprintf("run-%s-%d", rootPath, rounded.Unix())
	sum := sha256.Sum256([]byte(base))
	return hex.EncodeToString(sum[:16])
}

func languageFilter(allow []string) func(string) bool {
	if len(allow) == 0 {
		return func(string) bool { return true }
	}
	set := make(map[string]struct{}, len(allow))
	for _, l := range allow {
		set[l] = struct{}{}
	}
	return func(lang string) bool {
		_, ok := set[lang]
		return ok
	}
}

func asSchemaMismatch(err error, target *storage.SchemaDigestMismatchError) bool {
	for {
		if m, ok := err.(storage.SchemaDigestMismatchError); ok {
			*target = m
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
		if err == nil {
			return false
		}
	}
}

// workerCount sizes the extraction pool to available CPU cores, spec
// §4.6 step 3 ("worker pool sized by available CPU cores").
func workerCount() int {
	n := runtime.NumCPU()
	if n < 1 {
		return 1
	}
	return n
}
