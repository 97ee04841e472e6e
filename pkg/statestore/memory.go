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
	"encoding/json"
	"sync"
	"time"
)

type memoryEntry struct {
	raw       []byte
	expiresAt time.Time
}

// MemoryStore is a process-local backend. Pause-on-A/resume-on-B requires
// a shared backend instead.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Put(_ context.Context, record *ExecutionRecord, ttl time.Duration) error {
	// Records round-trip through JSON even in memory so that all backends
	// share the same serialization behavior.
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[record.Key()] = memoryEntry{raw: raw, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, tenantID, executionID string) (*ExecutionRecord, error) {
	key := RecordKey(tenantID, executionID)
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if s.now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	var record ExecutionRecord
	if err := json.Unmarshal(entry.raw, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *MemoryStore) Delete(_ context.Context, tenantID, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, RecordKey(tenantID, executionID))
	return nil
}

func (s *MemoryStore) Close() error { return nil }
