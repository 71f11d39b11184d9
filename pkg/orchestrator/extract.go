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
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/theauditor/auditor/pkg/discovery"
	"github.com/theauditor/auditor/pkg/extract"
)

// extractFiles runs extract.ForLanguage over every file in files,
// using a worker pool above parallelThreshold files and a sequential
// loop below it (a len(files) < 10 threshold keeps small repositories
// from paying goroutine overhead).
func extractFiles(ctx context.Context, root string, files []discovery.File, logger *slog.Logger, record func(diagnostic)) map[string]extract.Result {
	results := make(map[string]extract.Result, len(files))
	if len(files) == 0 {
		return results
	}
	if len(files) < parallelThreshold {
		for _, f := range files {
			if ctx.Err() != nil {
				return results
			}
			if r, ok := extractOne(root, f, record); ok {
				results[f.Path] = r
			}
		}
		return results
	}

	jobs := make(chan discovery.File, len(files))
	type outcome struct {
		path   string
		result extract.Result
		ok     bool
	}
	out := make(chan outcome, len(files))

	var wg sync.WaitGroup
	workers := workerCount()
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for f := range jobs {
				select {
				case <-ctx.Done():
					return
				default:
				}
				r, ok := extractOne(root, f, record)
				out <- outcome{path: f.Path, result: r, ok: ok}
			}
		}()
	}
	for _, f := range files {
		jobs <- f
	}
	close(jobs)
	go func() {
		wg.Wait()
		close(out)
	}()

	for o := range out {
		if o.ok {
			results[o.path] = o.result
		}
	}
	return results
}

func extractOne(root string, f discovery.File, record func(diagnostic)) (extract.Result, bool) {
	extractor, ok := extract.ForLanguage(f.Language)
	if !ok {
		// Kind C: a discovered file in a language this pipeline does
		// not parse for facts (yaml, json, markdown, ...). Expected,
		// not an error.
		return extract.Result{}, false
	}

	content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(f.Path)))
	if err != nil {
		record(diagnostic{File: f.Path, Stage: "extract", Kind: "error", Message: "read failed: " + err.Error()})
		return extract.Result{}, false
	}

	result, err := runWithTimeout(extractor, f.Path, content, defaultPerFileTimeout)
	if err != nil {
		record(diagnostic{File: f.Path, Stage: "extract", Kind: "error", Message: err.Error()})
		return extract.Result{}, false
	}
	return result, true
}

// runWithTimeout bounds a single file's extraction to timeout (spec
// §5 "Per-file extraction timeout"). extract.Extractor has no ctx
// parameter, so a timeout can only abandon waiting on the result, not
// cancel the parse itself; the goroutine finishes on its own and its
// result is simply discarded, which is harmless since Extract has no
// side effects outside its return value.
func runWithTimeout(extractor extract.Extractor, path string, content []byte, timeout time.Duration) (extract.Result, error) {
	done := make(chan struct {
		result extract.Result
		err    error
	}, 1)
	go func() {
		r, err := extractor.Extract(path, content)
		done <- struct {
			result extract.Result
			err    error
		}{r, err}
	}()

	select {
	case d := <-done:
		return d.result, d.err
	case <-time.After(timeout):
		return extract.Result{}, errTimeout(path)
	}
}

type timeoutError string

func (e timeoutError) Error() string { return string(e) }

func errTimeout(path string) error {
	return timeoutError("extraction of " + path + " exceeded the per-file timeout")
}
