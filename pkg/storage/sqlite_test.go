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
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/theauditor/auditor/pkg/schema"
)

func openTestBackend(t *testing.T) *SQLiteBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "repo_index.db")
	b, err := Open(Config{Path: path, PipelineVersion: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestEnsureSchemaIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repo_index.db")

	b1, err := Open(Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, b1.Close())

	b2, err := Open(Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, b2.Close())
}

func TestSchemaDigestMismatchIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repo_index.db")

	b1, err := Open(Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, b1.Close())

	mutated := schema.Definition{Tables: append([]schema.Table{}, schema.Default.Tables...)}
	for i, tbl := range mutated.Tables {
		if tbl.Name == "files" {
			tbl.Columns = append(tbl.Columns, schema.Column{Name: "extra_column", Type: "TEXT"})
			mutated.Tables[i] = tbl
		}
	}

	_, err = Open(Config{Path: path, Schema: mutated})
	require.Error(t, err)
	require.ErrorAs(t, err, new(SchemaDigestMismatchError))
}

func TestInsertAndQueryRoundTrip(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	err := b.InsertRows(ctx, "files", []string{"path", "language", "sha256", "size_bytes", "line_count"}, [][]any{
		{"src/app.py", "python", "abc123", 42, 3},
	})
	require.NoError(t, err)

	result, err := b.Query(ctx, "SELECT path, language FROM files WHERE path = ?", "src/app.py")
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	require.Equal(t, "src/app.py", result.Rows[0][0])
	require.Equal(t, "python", result.Rows[0][1])
}

func TestInsertIntoUndeclaredTableFails(t *testing.T) {
	b := openTestBackend(t)
	err := b.InsertRows(context.Background(), "not_a_real_table", []string{"x"}, [][]any{{1}})
	require.Error(t, err)
}

func TestReplaceFileRowsIsAtomic(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	cols := []string{"file", "name", "type", "line", "column", "scope", "signature"}

	tx, err := b.ReplaceFileRows(ctx, "src/app.py")
	require.NoError(t, err)
	require.NoError(t, tx.InsertRows("symbols", cols, [][]any{
		{"src/app.py", "handler", "function", 1, 0, "<module>.handler", "(req)"},
	}))
	require.NoError(t, tx.Commit())

	result, err := b.Query(ctx, "SELECT name FROM symbols WHERE file = ?", "src/app.py")
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)

	// Re-extracting the file must delete the old rows before the new
	// ones land, never leaving both old and new rows visible at once.
	tx2, err := b.ReplaceFileRows(ctx, "src/app.py")
	require.NoError(t, err)
	require.NoError(t, tx2.InsertRows("symbols", cols, [][]any{
		{"src/app.py", "renamed_handler", "function", 1, 0, "<module>.renamed_handler", "(req)"},
	}))
	require.NoError(t, tx2.Commit())

	result, err = b.Query(ctx, "SELECT name FROM symbols WHERE file = ?", "src/app.py")
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	require.Equal(t, "renamed_handler", result.Rows[0][0])
}

func TestReplaceFileRowsRollbackLeavesPriorStateIntact(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	cols := []string{"file", "name", "type", "line", "column", "scope", "signature"}

	tx, err := b.ReplaceFileRows(ctx, "src/app.py")
	require.NoError(t, err)
	require.NoError(t, tx.InsertRows("symbols", cols, [][]any{
		{"src/app.py", "handler", "function", 1, 0, "<module>.handler", "(req)"},
	}))
	require.NoError(t, tx.Commit())

	tx2, err := b.ReplaceFileRows(ctx, "src/app.py")
	require.NoError(t, err)
	require.NoError(t, tx2.InsertRows("symbols", cols, [][]any{
		{"src/app.py", "broken", "function", 1, 0, "<module>.broken", "(req)"},
	}))
	require.NoError(t, tx2.Rollback())

	result, err := b.Query(ctx, "SELECT name FROM symbols WHERE file = ?", "src/app.py")
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	require.Equal(t, "handler", result.Rows[0][0])
}

func TestInsertRowsBatchesAboveThreshold(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	cols := []string{"file", "caller_scope", "callee_name", "line", "argument_index", "argument_kind"}
	callRows := make([][]any, 0, 1200)
	for i := 0; i < 1200; i++ {
		callRows = append(callRows, []any{"src/big.py", "<module>", "f", i + 1, 0, "literal"})
	}

	err := b.InsertRows(ctx, "function_call_args", cols, callRows)
	require.NoError(t, err)

	result, err := b.Query(ctx, "SELECT COUNT(*) FROM function_call_args WHERE file = ?", "src/big.py")
	require.NoError(t, err)
	require.Equal(t, int64(1200), result.Rows[0][0])
}
