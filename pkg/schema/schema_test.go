// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigestIsStableUnderReordering(t *testing.T) {
	reordered := Definition{Tables: append([]Table{}, Default.Tables...)}
	reordered.Tables[0], reordered.Tables[len(reordered.Tables)-1] =
		reordered.Tables[len(reordered.Tables)-1], reordered.Tables[0]

	assert.Equal(t, Default.Digest(), reordered.Digest(),
		"digest must not depend on declaration order")
}

func TestDigestChangesWithColumnAdd(t *testing.T) {
	mutated := Definition{Tables: append([]Table{}, Default.Tables...)}
	for i, tbl := range mutated.Tables {
		if tbl.Name == "files" {
			tbl.Columns = append(tbl.Columns, Column{Name: "extra", Type: "TEXT"})
			mutated.Tables[i] = tbl
		}
	}

	assert.NotEqual(t, Default.Digest(), mutated.Digest(),
		"adding a column must change the schema digest, per the regeneration-required scenario")
}

func TestEveryFileOwnedTableHasFileColumn(t *testing.T) {
	for _, tbl := range Default.Tables {
		if !tbl.FileOwned {
			continue
		}
		found := false
		for _, c := range tbl.Columns {
			if c.Name == "file" {
				found = true
			}
		}
		assert.True(t, found, "file-owned table %s must declare a file column", tbl.Name)
	}
}

func TestTableLookup(t *testing.T) {
	tbl, ok := Default.Table("findings_consolidated")
	require.True(t, ok)
	assert.Contains(t, tbl.ColumnNames(), "confidence")

	_, ok = Default.Table("does_not_exist")
	assert.False(t, ok)
}
