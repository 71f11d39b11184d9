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
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/theauditor/auditor/internal/auditerrors"
	"github.com/theauditor/auditor/internal/output"
	"github.com/theauditor/auditor/internal/slogx"
	"github.com/theauditor/auditor/internal/ui"
	"github.com/theauditor/auditor/pkg/config"
	"github.com/theauditor/auditor/pkg/orchestrator"
)

// runRun executes the 'run' CLI command: index a repository and run
// the taint engine over it.
//
// Flags:
//   - --root: repository root to index (default: current directory)
//   - --config: path to the YAML config file (default: <root>/.auditor/config.yaml)
//   - --resume: skip re-extraction of files whose sha256 is unchanged
//   - --json: print the manifest as JSON on stdout instead of a summary
//   - --metrics-addr: HTTP listen address for Prometheus metrics (empty to disable)
//
// Examples:
//
//	auditor run --root .
//	auditor run --root . --resume
//	auditor run --root . --json
func runRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	root := fs.String("root", "", "Repository root to index (default: current directory)")
	configPath := fs.String("config", "", "Path to the configuration file (default: <root>/.auditor/config.yaml)")
	resume := fs.Bool("resume", false, "Skip re-extraction of files whose hash is unchanged")
	jsonOutput := fs.Bool("json", false, "Print the manifest as JSON")
	noColor := fs.Bool("no-color", false, "Disable colored output")
	metricsAddr := fs.String("metrics-addr", "", "HTTP listen address for Prometheus metrics (empty to disable)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: auditor run [options]

Indexes the repository and runs the taint engine over the resulting
fact base. Results are written under <root>/.pf/.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ui.InitColors(*noColor || *jsonOutput)

	repoRoot := *root
	if repoRoot == "" {
		cwd, err := os.Getwd()
		if err != nil {
			auditerrors.FatalError(auditerrors.NewInternalError(
				"cannot get current directory", err.Error(), "pass --root explicitly", err), *jsonOutput)
		}
		repoRoot = cwd
	}

	cfg, err := config.Load(repoRoot, *configPath)
	if err != nil {
		auditerrors.FatalError(auditerrors.NewConfigError(
			"cannot load configuration", err.Error(),
			fmt.Sprintf("check the YAML at %s", config.ConfigPath(repoRoot)), err), *jsonOutput)
	}

	logger := slogx.New(slogx.Config{JSON: *jsonOutput})

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			srv := &http.Server{Addr: *metricsAddr, Handler: mux}
			logger.Info("metrics.http.start", "addr", *metricsAddr, "path", "/metrics")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics.http.error", "err", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("shutdown.signal", "signal", sig.String())
		cancel()
	}()

	manifest, err := orchestrator.Run(ctx, orchestrator.Config{
		RootPath:        repoRoot,
		OutputDirectory: joinIfSet(repoRoot, cfg.OutputDirectory),
		ExcludePatterns: cfg.ExcludePatterns,
		MaxFileBytes:    cfg.MaxFileBytes,
		LanguageSet:     cfg.ExtractorLanguageSet,
		WorksetFile:     cfg.WorksetFile,
		Resume:          *resume,
		PipelineVersion: version,
		Logger:          logger,
	})
	if err != nil {
		auditerrors.FatalError(err, *jsonOutput)
	}

	if *jsonOutput {
		if err := output.JSON(manifest); err != nil {
			auditerrors.FatalError(auditerrors.NewInternalError(
				"failed to encode manifest", err.Error(), "", err), true)
		}
	} else {
		printManifest(manifest)
	}

	totalFindings := 0
	for _, n := range manifest.FindingsByCategory {
		totalFindings += n
	}
	if totalFindings > 0 {
		os.Exit(auditerrors.ExitSuccessFindings)
	}
	os.Exit(auditerrors.ExitSuccessNoFindings)
}

// joinIfSet resolves a possibly-relative output directory from the
// config file against root; an empty value lets orchestrator.Run fall
// back to its own "<root>/.pf" default.
func joinIfSet(root, outputDirectory string) string {
	if outputDirectory == "" {
		return ""
	}
	if filepath.IsAbs(outputDirectory) {
		return outputDirectory
	}
	return filepath.Join(root, outputDirectory)
}

func printManifest(m *orchestrator.Manifest) {
	fmt.Println()
	ui.Header("Run Complete")
	fmt.Printf("%s %s\n", ui.Label("Run ID:"), m.RunID)
	fmt.Printf("%s %s\n", ui.Label("Fact Base:"), ui.DimText(m.FactBasePath))
	fmt.Printf("%s %s\n", ui.Label("Files Discovered:"), ui.CountText(m.FilesDiscovered))
	fmt.Printf("%s %s\n", ui.Label("Files Extracted:"), ui.CountText(m.FilesExtracted))
	fmt.Printf("%s %s\n", ui.Label("Files Skipped (unchanged):"), ui.CountText(m.FilesSkippedHash))

	if len(m.FindingsByCategory) > 0 {
		total := 0
		for _, n := range m.FindingsByCategory {
			total += n
		}
		ui.Warningf("%d finding(s):", total)
		for category, count := range m.FindingsByCategory {
			fmt.Printf("  %s: %s\n", category, ui.CountText(count))
		}
	} else {
		ui.Success("no findings")
	}

	if m.DiagnosticCount > 0 {
		ui.Infof("%d diagnostic(s) (%d error(s))", m.DiagnosticCount, m.ErrorCount)
	}

	fmt.Printf("\n%s %s\n", ui.Label("Started:"), m.StartedAt)
	fmt.Printf("%s %s\n", ui.Label("Completed:"), m.CompletedAt)
	fmt.Println()
}
