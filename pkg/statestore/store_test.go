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

package statestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/atp/pkg/sequencer"
)

func pausedRecord(tenantID, executionID string) *ExecutionRecord {
	return &ExecutionRecord{
		ExecutionID:     executionID,
		TenantID:        tenantID,
		TransformedCode: "__atp_stmt(1);var x = 1;",
		CallbackHistory: []sequencer.Record{
			{Seq: 0, Kind: sequencer.KindLLM, Operation: "call", Result: &sequencer.Outcome{Value: "done"}},
		},
		PendingCallback: &sequencer.Record{Seq: 1, Kind: sequencer.KindLLM, Operation: "call"},
		PausedAt:        time.Now(),
	}
}

type countingMetrics struct {
	pauses, resumes, expired int
}

func (m *countingMetrics) IncPauses()  { m.pauses++ }
func (m *countingMetrics) IncResumes() { m.resumes++ }
func (m *countingMetrics) IncExpired() { m.expired++ }

func testBackends(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, store := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			record := pausedRecord("t1", "e1")
			require.NoError(t, store.Put(ctx, record, time.Hour))

			got, err := store.Get(ctx, "t1", "e1")
			require.NoError(t, err)
			assert.Equal(t, record.ExecutionID, got.ExecutionID)
			assert.Equal(t, record.TransformedCode, got.TransformedCode)
			require.Len(t, got.CallbackHistory, 1)
			assert.Equal(t, "done", got.CallbackHistory[0].Result.Value)
			require.NotNil(t, got.PendingCallback)
			assert.Equal(t, uint32(1), got.PendingCallback.Seq)

			// Upsert overwrites.
			record.TransformedCode = "changed"
			require.NoError(t, store.Put(ctx, record, time.Hour))
			got, err = store.Get(ctx, "t1", "e1")
			require.NoError(t, err)
			assert.Equal(t, "changed", got.TransformedCode)
		})
	}
}

func TestStoreDeleteIdempotent(t *testing.T) {
	for name, store := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Put(ctx, pausedRecord("t1", "e1"), time.Hour))
			require.NoError(t, store.Delete(ctx, "t1", "e1"))
			require.NoError(t, store.Delete(ctx, "t1", "e1"), "second delete is a no-op")

			_, err := store.Get(ctx, "t1", "e1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreTenantIsolation(t *testing.T) {
	for name, store := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Put(ctx, pausedRecord("t1", "e1"), time.Hour))

			_, err := store.Get(ctx, "t2", "e1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestManagerExpiresByMaxPauseDuration(t *testing.T) {
	store := NewMemoryStore()
	metrics := &countingMetrics{}
	m := NewManager(store, time.Hour, 50*time.Millisecond, metrics)

	ctx := context.Background()
	require.NoError(t, m.SavePaused(ctx, pausedRecord("t1", "e1")))
	assert.Equal(t, 1, metrics.pauses)

	base := time.Now()
	m.now = func() time.Time { return base.Add(time.Second) }

	_, err := m.Load(ctx, "t1", "e1")
	assert.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, 1, metrics.expired)

	// The record is gone afterwards.
	m.now = time.Now
	_, err = m.Load(ctx, "t1", "e1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, metrics.resumes)
}

func TestManagerLoadCountsResume(t *testing.T) {
	metrics := &countingMetrics{}
	m := NewManager(NewMemoryStore(), time.Hour, time.Hour, metrics)

	ctx := context.Background()
	require.NoError(t, m.SavePaused(ctx, pausedRecord("t1", "e1")))

	got, err := m.Load(ctx, "t1", "e1")
	require.NoError(t, err)
	assert.Equal(t, "e1", got.ExecutionID)
	assert.Equal(t, 1, metrics.resumes)

	require.NoError(t, m.Complete(ctx, "t1", "e1"))
	_, err = m.Load(ctx, "t1", "e1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSavePausedValidatesRecord(t *testing.T) {
	m := NewManager(NewMemoryStore(), time.Hour, time.Hour, nil)

	bad := pausedRecord("t1", "e1")
	bad.PendingCallback.Seq = 5
	require.Error(t, m.SavePaused(context.Background(), bad))

	missing := pausedRecord("t1", "e1")
	missing.CallbackHistory[0].Result = nil
	require.Error(t, m.SavePaused(context.Background(), missing))
}

func TestRecordTTLExpiry(t *testing.T) {
	store := NewMemoryStore()
	base := time.Now()
	store.now = func() time.Time { return base }

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, pausedRecord("t1", "e1"), time.Minute))

	store.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err := store.Get(ctx, "t1", "e1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewSelectsBackend(t *testing.T) {
	s, err := New("")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = New("sqlite://" + filepath.Join(t.TempDir(), "s.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	s.Close()

	_, err = New("bolt://nope")
	require.Error(t, err)
}

func TestSQLiteSweep(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sweep.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	base := time.Now()
	store.now = func() time.Time { return base }
	require.NoError(t, store.Put(ctx, pausedRecord("t1", "e1"), time.Minute))

	store.now = func() time.Time { return base.Add(2 * time.Minute) }
	require.NoError(t, store.Sweep(ctx))

	_, err = store.Get(ctx, "t1", "e1")
	assert.ErrorIs(t, err, ErrNotFound)
}
