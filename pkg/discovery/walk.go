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

// Package discovery walks a local source tree and produces the Files
// manifest: one row per file that survives exclusion, size, and
// binary-content checks, each tagged with its detected language so the
// extract stage knows which parser to invoke.
package discovery

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"log/slog"
)

// defaultExcludes are always applied in addition to caller-supplied
// exclude_patterns. Operators may widen coverage but these directories
// are never worth walking.
var defaultExcludes = []string{
	".git/**",
	"node_modules/**",
	"vendor/**",
}

// binaryProbeBytes is how much of a file's head is inspected to decide
// whether it is text.
const binaryProbeBytes = 8192

// binaryThreshold is the fraction of invalid UTF-8 starts in the probe
// window above which a file is classified as binary.
const binaryThreshold = 0.005

// languageByExt is the explicit extension registry (spec §4.1):
// extensions absent from this map classify as "unknown" and are
// skipped, never guessed.
var languageByExt = map[string]string{
	".go":     "go",
	".py":     "python",
	".ts":     "typescript",
	".tsx":    "typescript",
	".js":     "javascript",
	".jsx":    "javascript",
	".mjs":    "javascript",
	".cjs":    "javascript",
	".tf":     "terraform",
	".yml":    "yaml",
	".yaml":   "yaml",
	".json":   "json",
	".sql":    "sql",
	".html":   "html",
	".css":    "css",
	".md":     "markdown",
	".sh":     "bash",
	".bash":   "bash",
	".dockerfile": "dockerfile",
}

// File is one row of the Files manifest.
type File struct {
	Path      string // relative to root, slash-separated
	Language  string // "python", "typescript", ... or "error"
	SHA256    string
	SizeBytes int64
	LineCount int
}

// Config controls traversal. ExcludePatterns are merged with
// defaultExcludes. MaxFileBytes <= 0 means no size cap.
type Config struct {
	ExcludePatterns []string
	MaxFileBytes    int64
	Logger          *slog.Logger
}

// Result is the outcome of one Walk.
type Result struct {
	Root        string
	Files       []File
	SkipReasons map[string]int // "excluded" | "too_large" | "binary" | "unknown_language"
}

// Walk traverses root depth-first, alphabetically within each
// directory, and returns the Files manifest. A root traversal failure
// (permission denied, missing directory) is fatal and returned as an
// error; a per-file read error is recorded as language="error" rather
// than aborting the walk (spec §4.1 failure semantics).
func Walk(ctx context.Context, root string, cfg Config) (Result, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return Result{}, fmt.Errorf("resolve root path: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return Result{}, fmt.Errorf("stat root path: %w", err)
	}
	if !info.IsDir() {
		return Result{}, fmt.Errorf("root path is not a directory: %s", absRoot)
	}

	excludes := make([]string, 0, len(defaultExcludes)+len(cfg.ExcludePatterns))
	excludes = append(excludes, defaultExcludes...)
	excludes = append(excludes, cfg.ExcludePatterns...)

	result := Result{Root: absRoot, SkipReasons: make(map[string]int)}

	files, err := sortedWalk(absRoot)
	if err != nil {
		return Result{}, fmt.Errorf("walk root: %w", err)
	}

	for _, entry := range files {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}

		relPath, err := filepath.Rel(absRoot, entry.path)
		if err != nil {
			continue
		}
		relPath = filepath.ToSlash(relPath)

		if entry.isDir {
			continue
		}

		if matchesAny(relPath, excludes) {
			result.SkipReasons["excluded"]++
			continue
		}

		fi, err := os.Lstat(entry.path)
		if err != nil {
			logger.Warn("discovery.stat.error", "path", relPath, "err", err)
			result.Files = append(result.Files, File{Path: relPath, Language: "error"})
			continue
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			result.SkipReasons["excluded"]++
			continue
		}

		if cfg.MaxFileBytes > 0 && fi.Size() > cfg.MaxFileBytes {
			result.SkipReasons["too_large"]++
			logger.Warn("discovery.skip_large_file", "path", relPath, "size", fi.Size(), "limit", cfg.MaxFileBytes)
			continue
		}

		language := languageByExt[strings.ToLower(filepath.Ext(relPath))]
		if language == "" {
			result.SkipReasons["unknown_language"]++
			continue
		}

		sum, lineCount, isBinary, err := hashAndClassify(entry.path)
		if err != nil {
			logger.Warn("discovery.read.error", "path", relPath, "err", err)
			result.Files = append(result.Files, File{Path: relPath, Language: "error", SizeBytes: fi.Size()})
			continue
		}
		if isBinary {
			result.SkipReasons["binary"]++
			continue
		}

		result.Files = append(result.Files, File{
			Path:      relPath,
			Language:  language,
			SHA256:    sum,
			SizeBytes: fi.Size(),
			LineCount: lineCount,
		})
	}

	logger.Info("discovery.complete", "files", len(result.Files), "skipped", result.SkipReasons)
	return result, nil
}

type walkEntry struct {
	path  string
	isDir bool
}

// sortedWalk mirrors filepath.WalkDir but sorts each directory's
// children with sort.Strings before recursing, so results are
// deterministic regardless of the underlying filesystem's readdir
// order (spec §4.1: "alphabetically ordered within each directory").
func sortedWalk(root string) ([]walkEntry, error) {
	var out []walkEntry
	var visit func(dir string) error
	visit = func(dir string) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		names := make([]string, len(entries))
		byName := make(map[string]fs.DirEntry, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
			byName[e.Name()] = e
		}
		sort.Strings(names)

		for _, name := range names {
			e := byName[name]
			full := filepath.Join(dir, name)
			if e.IsDir() {
				out = append(out, walkEntry{path: full, isDir: true})
				if err := visit(full); err != nil {
					return err
				}
				continue
			}
			out = append(out, walkEntry{path: full, isDir: false})
		}
		return nil
	}
	if err := visit(root); err != nil {
		return nil, err
	}
	return out, nil
}

// hashAndClassify streams the file once, computing its sha256 and line
// count while buffering only the first binaryProbeBytes to run the
// UTF-8 validity heuristic.
func hashAndClassify(path string) (sum string, lineCount int, isBinary bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, false, err
	}
	defer f.Close()

	h := sha256.New()
	var probe bytes.Buffer
	buf := make([]byte, 32*1024)
	var lastByte byte
	sawAny := false

	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			h.Write(chunk)
			if probe.Len() < binaryProbeBytes {
				remaining := binaryProbeBytes - probe.Len()
				if remaining > n {
					remaining = n
				}
				probe.Write(chunk[:remaining])
			}
			lineCount += bytes.Count(chunk, []byte{'\n'})
			lastByte = chunk[n-1]
			sawAny = true
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", 0, false, readErr
		}
	}
	if sawAny && lastByte != '\n' {
		lineCount++
	}

	return hex.EncodeToString(h.Sum(nil)), lineCount, isProbablyBinary(probe.Bytes()), nil
}

// isProbablyBinary implements spec §4.1's binary heuristic: more than
// 0.5% invalid UTF-8 rune starts in the first 8 KiB marks the file
// binary.
func isProbablyBinary(probe []byte) bool {
	if len(probe) == 0 {
		return false
	}
	invalid := 0
	total := 0
	for len(probe) > 0 {
		r, size := utf8.DecodeRune(probe)
		total++
		if r == utf8.RuneError && size <= 1 {
			invalid++
		}
		probe = probe[size:]
	}
	if total == 0 {
		return false
	}
	return float64(invalid)/float64(total) > binaryThreshold
}
