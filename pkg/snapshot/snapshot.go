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

// Package snapshot captures per-statement variable snapshots and memoized
// call results. Snapshots are append-only within an execution; on replay,
// previously loaded snapshots short-circuit the calls they memoize.
package snapshot

import (
	"time"

	"github.com/kadirpekel/atp/pkg/serialize"
)

// Snapshot records the state of one executed statement. Statement IDs are
// stable across runs of the same transformed code, so a loaded snapshot
// from a previous run keys directly into the replaying program.
type Snapshot struct {
	StatementID uint32                      `json:"statement_id"`
	Variables   map[string]*serialize.Value `json:"variables,omitempty"`
	Result      *serialize.Value            `json:"result,omitempty"`
	Timestamp   time.Time                   `json:"timestamp"`
}

// Manager accumulates snapshots for one execution. Executions are
// single-threaded; the manager is not safe for concurrent use.
type Manager struct {
	loaded   map[uint32]*Snapshot
	appended []Snapshot
	seen     map[uint32]bool
	current  *Snapshot

	// last tracks the executing statement even when no snapshot is open,
	// so replayed statements still key memoized lookups.
	last        uint32
	inStatement bool

	checkpointEvery int
	sinceCheckpoint int

	now func() time.Time
}

// NewManager creates a manager seeded with snapshots loaded from a
// persisted record. checkpointEvery tunes mid-execution durability; it has
// no effect on correctness.
func NewManager(loaded []Snapshot, checkpointEvery int) *Manager {
	m := &Manager{
		loaded:          make(map[uint32]*Snapshot, len(loaded)),
		seen:            make(map[uint32]bool, len(loaded)),
		checkpointEvery: checkpointEvery,
		now:             time.Now,
	}
	for i := range loaded {
		s := &loaded[i]
		m.loaded[s.StatementID] = s
		m.seen[s.StatementID] = true
	}
	return m
}

// BeginStatement marks a statement boundary. The previous open snapshot is
// finalized; a new one opens unless the statement already has a snapshot
// (replay, or a loop body re-executing under the same ID).
func (m *Manager) BeginStatement(id uint32) {
	m.finalize()
	m.last = id
	m.inStatement = true
	if m.seen[id] {
		return
	}
	m.current = &Snapshot{
		StatementID: id,
		Timestamp:   m.now(),
	}
}

// RecordVariable records a declared variable into the open snapshot.
func (m *Manager) RecordVariable(id uint32, name string, v *serialize.Value) {
	if m.current == nil || m.current.StatementID != id {
		return
	}
	if m.current.Variables == nil {
		m.current.Variables = make(map[string]*serialize.Value)
	}
	m.current.Variables[name] = v
}

// RecordResult memoizes a call-site result under the statement executing it.
func (m *Manager) RecordResult(id uint32, v *serialize.Value) {
	if m.current == nil || m.current.StatementID != id {
		return
	}
	m.current.Result = v
}

// Lookup returns the memoized result for a statement from a loaded
// snapshot, letting the bridge short-circuit deterministic server-side
// calls instead of re-executing them.
func (m *Manager) Lookup(id uint32) (*serialize.Value, bool) {
	s, ok := m.loaded[id]
	if !ok || s.Result == nil {
		return nil, false
	}
	return s.Result, true
}

// CurrentStatement returns the ID of the executing statement and whether
// any statement boundary has been crossed yet. The ID is valid during
// replay too, when the statement's snapshot already exists and none is
// open.
func (m *Manager) CurrentStatement() (uint32, bool) {
	return m.last, m.inStatement
}

// Finalize closes the open snapshot. Called when execution stops, so a
// statement interrupted mid-flight (a pause or failure) leaves no
// half-recorded snapshot behind.
func (m *Manager) Finalize(completed bool) {
	if completed {
		m.finalize()
		return
	}
	m.current = nil
}

func (m *Manager) finalize() {
	if m.current == nil {
		return
	}
	m.appended = append(m.appended, *m.current)
	m.seen[m.current.StatementID] = true
	m.current = nil
	m.sinceCheckpoint++
}

// ShouldCheckpoint reports whether enough statements completed since the
// last checkpoint to justify a durability write, and resets the counter.
func (m *Manager) ShouldCheckpoint() bool {
	if m.checkpointEvery <= 0 || m.sinceCheckpoint < m.checkpointEvery {
		return false
	}
	m.sinceCheckpoint = 0
	return true
}

// Snapshots returns the full snapshot history for persistence: the loaded
// prefix in its original order followed by this run's appended snapshots.
func (m *Manager) Snapshots(loadedOrder []Snapshot) []Snapshot {
	out := make([]Snapshot, 0, len(loadedOrder)+len(m.appended))
	out = append(out, loadedOrder...)
	out = append(out, m.appended...)
	return out
}

// Appended returns only the snapshots captured during this run.
func (m *Manager) Appended() []Snapshot { return m.appended }
