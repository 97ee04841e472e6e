// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/atp/pkg/serialize"
)

func TestAppendInExecutionOrder(t *testing.T) {
	m := NewManager(nil, 0)

	m.BeginStatement(1)
	m.RecordVariable(1, "a", serialize.Number(1))
	m.BeginStatement(2)
	m.RecordVariable(2, "b", serialize.String("x"))
	m.Finalize(true)

	snaps := m.Appended()
	require.Len(t, snaps, 2)
	assert.Equal(t, uint32(1), snaps[0].StatementID)
	assert.Equal(t, uint32(2), snaps[1].StatementID)
	assert.Equal(t, float64(1), snaps[0].Variables["a"].Number)
	assert.Equal(t, "x", snaps[1].Variables["b"].Str)
}

func TestStatementIDNeverAppearsTwice(t *testing.T) {
	m := NewManager(nil, 0)

	// Loop body re-executes under a stable ID.
	for i := 0; i < 3; i++ {
		m.BeginStatement(7)
		m.RecordVariable(7, "i", serialize.Number(float64(i)))
	}
	m.Finalize(true)

	snaps := m.Appended()
	require.Len(t, snaps, 1)
	assert.Equal(t, float64(0), snaps[0].Variables["i"].Number, "first completion wins")
}

func TestLoadedSnapshotsShortCircuit(t *testing.T) {
	loaded := []Snapshot{
		{StatementID: 3, Result: serialize.String("memoized")},
		{StatementID: 4},
	}
	m := NewManager(loaded, 0)

	v, ok := m.Lookup(3)
	require.True(t, ok)
	assert.Equal(t, "memoized", v.Str)

	_, ok = m.Lookup(4)
	assert.False(t, ok, "snapshot without result does not short-circuit")
	_, ok = m.Lookup(99)
	assert.False(t, ok)

	// Replaying a loaded statement appends nothing.
	m.BeginStatement(3)
	m.Finalize(true)
	assert.Empty(t, m.Appended())
}

func TestInterruptedStatementLeavesNoSnapshot(t *testing.T) {
	m := NewManager(nil, 0)

	m.BeginStatement(1)
	m.BeginStatement(2)
	m.RecordVariable(2, "x", serialize.Number(5))
	// Statement 2 pauses mid-flight.
	m.Finalize(false)

	snaps := m.Appended()
	require.Len(t, snaps, 1)
	assert.Equal(t, uint32(1), snaps[0].StatementID)
}

func TestCheckpointFrequency(t *testing.T) {
	m := NewManager(nil, 2)

	m.BeginStatement(1)
	assert.False(t, m.ShouldCheckpoint())
	m.BeginStatement(2)
	assert.False(t, m.ShouldCheckpoint(), "statement 2 still open")
	m.BeginStatement(3)
	assert.True(t, m.ShouldCheckpoint(), "two completed statements")
	assert.False(t, m.ShouldCheckpoint(), "counter resets")
}

func TestSnapshotsCombinesLoadedAndAppended(t *testing.T) {
	loaded := []Snapshot{{StatementID: 1}, {StatementID: 2}}
	m := NewManager(loaded, 0)

	m.BeginStatement(3)
	m.Finalize(true)

	all := m.Snapshots(loaded)
	require.Len(t, all, 3)
	assert.Equal(t, uint32(1), all[0].StatementID)
	assert.Equal(t, uint32(3), all[2].StatementID)
}

func TestRecordResultMemoizes(t *testing.T) {
	m := NewManager(nil, 0)

	m.BeginStatement(5)
	m.RecordResult(5, serialize.String("api-result"))
	m.Finalize(true)

	snaps := m.Appended()
	require.Len(t, snaps, 1)
	assert.Equal(t, "api-result", snaps[0].Result.Str)
}
