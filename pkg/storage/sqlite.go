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
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/theauditor/auditor/pkg/schema"
)

// SQLiteBackend implements Backend against a single-writer SQLite file,
// the literal fact base artifact named in spec §6 (repo_index.db).
type SQLiteBackend struct {
	db     *sql.DB
	schema schema.Definition
	// writeMu serializes writers per spec §4.3 ("one process/one
	// connection writes... writes funnel through a serializer").
	// Readers (Query) do not take this lock: SQLite's WAL mode lets
	// reads proceed concurrently with a writer.
	writeMu sync.Mutex
	closed  bool
}

// Config configures the SQLite-backed fact base.
type Config struct {
	// Path is the location of the fact base file, e.g.
	// <output_directory>/repo_index.db.
	Path string
	// Schema is the declared schema this process was built with.
	// Defaults to schema.Default.
	Schema schema.Definition
	// PipelineVersion is recorded in schema_meta for diagnostics.
	PipelineVersion string
}

// Open opens (creating if absent) the SQLite fact base at cfg.Path.
func Open(cfg Config) (*SQLiteBackend, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("storage: Path is required")
	}
	if cfg.Schema.Tables == nil {
		cfg.Schema = schema.Default
	}

	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single physical connection: SQLite serializes writers regardless,
	// and this keeps the in-process writeMu meaningful.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	b := &SQLiteBackend{db: db, schema: cfg.Schema}
	if err := b.ensureSchema(cfg.PipelineVersion); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// ensureSchema creates every declared table/index if absent and checks
// the schema digest against the recorded one (spec §4.3, §4.6 step 1).
// A digest mismatch is the fatal "schema regeneration required"
// scenario (spec §8 scenario 6) and is surfaced by the caller as a Kind
// A config error.
func (b *SQLiteBackend) ensureSchema(pipelineVersion string) error {
	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer tx.Rollback()

	for _, t := range b.schema.Tables {
		if _, err := tx.Exec(t.CreateTableSQL()); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
		for _, idxSQL := range t.CreateIndexSQL() {
			if _, err := tx.Exec(idxSQL); err != nil {
				return fmt.Errorf("create index on %s: %w", t.Name, err)
			}
		}
	}

	digest := b.schema.Digest()

	var existing string
	err = tx.QueryRow(`SELECT schema_digest FROM schema_meta WHERE id = 1`).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.Exec(
			`INSERT INTO schema_meta (id, schema_digest, pipeline_version) VALUES (1, ?, ?)`,
			digest, pipelineVersion,
		); err != nil {
			return fmt.Errorf("record schema digest: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema_meta: %w", err)
	default:
		if existing != digest {
			return SchemaDigestMismatchError{Recorded: existing, Current: digest}
		}
	}

	return tx.Commit()
}

// SchemaDigestMismatchError is the fatal condition of spec §8 scenario
// 6: the schema definition changed since the fact base was created.
type SchemaDigestMismatchError struct {
	Recorded string
	Current  string
}

func (e SchemaDigestMismatchError) Error() string {
	return fmt.Sprintf("schema digest mismatch: fact base recorded %s, binary expects %s",
		e.Recorded, e.Current)
}

// InsertRows batches rows into table in groups of batchSize, using a
// single transaction. table must be declared in the schema.
func (b *SQLiteBackend) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) error {
	if _, ok := b.schema.Table(table); !ok {
		return fmt.Errorf("storage: insert into undeclared table %q", table)
	}
	if len(rows) == 0 {
		return nil
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertBatched(ctx, tx, table, columns, rows); err != nil {
		return err
	}

	return tx.Commit()
}

// insertBatched flushes rows in groups of batchSize (spec §4.3:
// "Batched inserts of ≥500 rows per executemany where applicable").
func insertBatched(ctx context.Context, tx *sql.Tx, table string, columns []string, rows [][]any) error {
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]

		placeholders := make([]string, len(batch))
		args := make([]any, 0, len(batch)*len(columns))
		rowPlaceholder := "(" + strings.Repeat("?,", len(columns)-1) + "?)"
		for i, row := range batch {
			placeholders[i] = rowPlaceholder
			args = append(args, row...)
		}

		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
			table, strings.Join(columns, ", "), strings.Join(placeholders, ", "))

		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("insert into %s: %w", table, err)
		}
	}
	return nil
}

const batchSize = 500

// sqliteTx implements Tx, backing replace_file_rows (spec §4.3): all of
// a file's rows in all file-owned tables are deleted, then its new rows
// are inserted, all inside one transaction.
type sqliteTx struct {
	tx     *sql.Tx
	schema schema.Definition
	ctx    context.Context
}

// ReplaceFileRows deletes file's rows from every file-owned table and
// returns a transaction the caller inserts the file's fresh rows
// through before committing.
func (b *SQLiteBackend) ReplaceFileRows(ctx context.Context, file string) (Tx, error) {
	b.writeMu.Lock()
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		b.writeMu.Unlock()
		return nil, fmt.Errorf("begin replace tx: %w", err)
	}

	for _, t := range b.schema.Tables {
		if !t.FileOwned {
			continue
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE file = ?", t.Name), file); err != nil {
			tx.Rollback()
			b.writeMu.Unlock()
			return nil, fmt.Errorf("delete existing rows from %s: %w", t.Name, err)
		}
	}

	return &releasingTx{sqliteTx: sqliteTx{tx: tx, schema: b.schema, ctx: ctx}, release: b.writeMu.Unlock}, nil
}

// releasingTx wraps sqliteTx to release the backend's write lock on
// commit or rollback, so a single writer serializer (spec §4.3) does
// not need to leak its mutex to callers.
type releasingTx struct {
	sqliteTx
	release func()
	done    bool
}

func (t *releasingTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.release()
	return t.tx.Commit()
}

func (t *releasingTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.release()
	return t.tx.Rollback()
}

func (t *sqliteTx) InsertRows(table string, columns []string, rows [][]any) error {
	if _, ok := t.schema.Table(table); !ok {
		return fmt.Errorf("storage: insert into undeclared table %q", table)
	}
	if len(rows) == 0 {
		return nil
	}
	return insertBatched(t.ctx, t.tx, table, columns, rows)
}

func (t *sqliteTx) Commit() error   { return t.tx.Commit() }
func (t *sqliteTx) Rollback() error { return t.tx.Rollback() }

// Query runs a read-only query against the fact base. Arbitrary SQL is
// accepted here deliberately: spec §6 requires external consumers be
// able to run arbitrary SQL against repo_index.db, and this is the
// in-process equivalent entry point (e.g. for the taint engine's own
// fact-base reads, §4.5.1).
func (b *SQLiteBackend) Query(ctx context.Context, query string, args ...any) (QueryResult, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return QueryResult{}, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return QueryResult{}, fmt.Errorf("query columns: %w", err)
	}

	result := QueryResult{Headers: cols}
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return QueryResult{}, fmt.Errorf("scan row: %w", err)
		}
		result.Rows = append(result.Rows, raw)
	}
	if err := rows.Err(); err != nil {
		return QueryResult{}, fmt.Errorf("iterate rows: %w", err)
	}

	return result, nil
}

// UpdateCalleeResolved writes the resolver's bindings back onto
// function_call_args rows. Matching is by (file, line, caller_scope,
// callee_name) rather than a surrogate key, since that is the full
// identity the extractor gave each call site; every argument_index row
// of the matched call site picks up the same callee_resolved value.
func (b *SQLiteBackend) UpdateCalleeResolved(ctx context.Context, updates []CalleeResolution) error {
	if len(updates) == 0 {
		return nil
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin callee_resolved tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE function_call_args SET callee_resolved = ?
		WHERE file = ? AND line = ? AND caller_scope = ? AND callee_name = ?`)
	if err != nil {
		return fmt.Errorf("prepare callee_resolved update: %w", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx, u.CalleeScope, u.File, u.Line, u.CallerScope, u.CalleeName); err != nil {
			return fmt.Errorf("update callee_resolved for %s:%d: %w", u.File, u.Line, err)
		}
	}

	return tx.Commit()
}

// DeleteAll removes every row from table. table must be declared in
// the schema.
func (b *SQLiteBackend) DeleteAll(ctx context.Context, table string) error {
	if _, ok := b.schema.Table(table); !ok {
		return fmt.Errorf("storage: delete from undeclared table %q", table)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	if _, err := b.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", table)); err != nil {
		return fmt.Errorf("delete all from %s: %w", table, err)
	}
	return nil
}

// Close closes the database connection.
func (b *SQLiteBackend) Close() error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}
