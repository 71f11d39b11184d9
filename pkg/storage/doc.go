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

// Package storage implements the fact base described in the data model:
// a single SQLite file, one writer at a time, readers free to run
// concurrently once extraction has completed.
//
// # Quick start
//
//	backend, err := storage.Open(storage.Config{Path: "/path/to/repo_index.db"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer backend.Close()
//
//	tx, err := backend.ReplaceFileRows(ctx, "src/app.py")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := tx.InsertRows("symbols", []string{"file", "name", "type", "line", "column", "scope", "signature"}, rows); err != nil {
//	    tx.Rollback()
//	    log.Fatal(err)
//	}
//	tx.Commit()
//
//	result, err := backend.Query(ctx, `SELECT name FROM symbols WHERE type = ?`, "function")
//
// # Schema contract
//
// Open calls ensureSchema internally: every table in schema.Default is
// created if absent, and the schema's digest is compared against the
// one recorded in schema_meta on a prior run. A mismatch returns
// SchemaDigestMismatchError, which the orchestrator surfaces as a fatal
// Kind A error instructing the operator to regenerate (spec §8
// scenario 6).
package storage
