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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordFilesDiscovered_IncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(m.filesDiscovered)
	RecordFilesDiscovered(3)
	assert.Equal(t, before+3, testutil.ToFloat64(m.filesDiscovered))
}

func TestRecordRowsInserted_IsLabeledByTable(t *testing.T) {
	before := testutil.ToFloat64(m.rowsInserted.WithLabelValues("symbols"))
	RecordRowsInserted("symbols", 7)
	assert.Equal(t, before+7, testutil.ToFloat64(m.rowsInserted.WithLabelValues("symbols")))
}

func TestRecordFinding_IsLabeledByCategory(t *testing.T) {
	before := testutil.ToFloat64(m.findingsEmitted.WithLabelValues("command_injection"))
	RecordFinding("command_injection")
	assert.Equal(t, before+1, testutil.ToFloat64(m.findingsEmitted.WithLabelValues("command_injection")))
}

func TestObserveTotalDuration_RecordsIntoHistogram(t *testing.T) {
	before := testutil.CollectAndCount(m.totalDuration)
	ObserveTotalDuration(1.5)
	assert.Equal(t, before+1, testutil.CollectAndCount(m.totalDuration))
}

func TestInit_IsIdempotent(t *testing.T) {
	m.init()
	first := m.filesDiscovered
	m.init()
	assert.Same(t, first, m.filesDiscovered)
}
