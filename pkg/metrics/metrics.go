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

// Package metrics exposes Prometheus instrumentation for one pipeline
// run, grounded on pkg/ingestion/metrics.go's shape: a package-global
// struct of counters/histograms, lazily registered exactly once via
// sync.Once, with small record* helper functions callers use instead of
// touching prometheus types directly.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type pipelineMetrics struct {
	once sync.Once

	filesDiscovered      prometheus.Counter
	filesExtracted       prometheus.Counter
	filesSkippedUnchanged prometheus.Counter
	filesSkippedError    prometheus.Counter

	rowsInserted *prometheus.CounterVec

	callGraphEdges   prometheus.Counter
	importGraphEdges prometheus.Counter

	findingsEmitted *prometheus.CounterVec

	discoveryDuration prometheus.Histogram
	extractDuration   prometheus.Histogram
	resolveDuration   prometheus.Histogram
	taintDuration     prometheus.Histogram
	totalDuration     prometheus.Histogram
}

var m pipelineMetrics

func (p *pipelineMetrics) init() {
	p.once.Do(func() {
		p.filesDiscovered = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auditor_files_discovered_total", Help: "Files found during repository discovery.",
		})
		p.filesExtracted = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auditor_files_extracted_total", Help: "Files successfully run through a language extractor.",
		})
		p.filesSkippedUnchanged = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auditor_files_skipped_unchanged_total", Help: "Files skipped under --resume because their hash matched.",
		})
		p.filesSkippedError = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auditor_files_skipped_error_total", Help: "Files that failed extraction and were recorded as diagnostics.",
		})

		p.rowsInserted = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auditor_rows_inserted_total", Help: "Fact base rows inserted, by table.",
		}, []string{"table"})

		p.callGraphEdges = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auditor_call_graph_edges_total", Help: "Call graph edges produced by the last resolve stage.",
		})
		p.importGraphEdges = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auditor_import_graph_edges_total", Help: "Import graph edges produced by the last resolve stage.",
		})

		p.findingsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auditor_findings_total", Help: "Findings emitted, by category.",
		}, []string{"category"})

		buckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
		p.discoveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "auditor_discovery_seconds", Help: "Duration of the file discovery stage.", Buckets: buckets,
		})
		p.extractDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "auditor_extract_seconds", Help: "Duration of the extraction stage.", Buckets: buckets,
		})
		p.resolveDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "auditor_resolve_seconds", Help: "Duration of cross-file resolution.", Buckets: buckets,
		})
		p.taintDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "auditor_taint_seconds", Help: "Duration of the taint analysis stage.", Buckets: buckets,
		})
		p.totalDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "auditor_run_seconds", Help: "Duration of one full pipeline run.", Buckets: buckets,
		})

		prometheus.MustRegister(
			p.filesDiscovered, p.filesExtracted, p.filesSkippedUnchanged, p.filesSkippedError,
			p.rowsInserted,
			p.callGraphEdges, p.importGraphEdges,
			p.findingsEmitted,
			p.discoveryDuration, p.extractDuration, p.resolveDuration, p.taintDuration, p.totalDuration,
		)
	})
}

func RecordFilesDiscovered(n int)       { m.init(); m.filesDiscovered.Add(float64(n)) }
func RecordFileExtracted()              { m.init(); m.filesExtracted.Inc() }
func RecordFileSkippedUnchanged()       { m.init(); m.filesSkippedUnchanged.Inc() }
func RecordFileSkippedError()           { m.init(); m.filesSkippedError.Inc() }
func RecordRowsInserted(table string, n int) {
	m.init()
	m.rowsInserted.WithLabelValues(table).Add(float64(n))
}
func RecordCallGraphEdges(n int)   { m.init(); m.callGraphEdges.Add(float64(n)) }
func RecordImportGraphEdges(n int) { m.init(); m.importGraphEdges.Add(float64(n)) }

func RecordFinding(category string) {
	m.init()
	m.findingsEmitted.WithLabelValues(category).Inc()
}

func ObserveDiscoveryDuration(seconds float64) { m.init(); m.discoveryDuration.Observe(seconds) }
func ObserveExtractDuration(seconds float64)   { m.init(); m.extractDuration.Observe(seconds) }
func ObserveResolveDuration(seconds float64)   { m.init(); m.resolveDuration.Observe(seconds) }
func ObserveTaintDuration(seconds float64)     { m.init(); m.taintDuration.Observe(seconds) }
func ObserveTotalDuration(seconds float64)     { m.init(); m.totalDuration.Observe(seconds) }
