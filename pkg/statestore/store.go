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
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kadirpekel/atp/pkg/logger"
)

var (
	// ErrNotFound reports a missing execution record.
	ErrNotFound = errors.New("execution record not found")
	// ErrExpired reports a record garbage-collected by max_pause_duration.
	ErrExpired = errors.New("execution record expired")
)

// Store is the key-value contract the orchestrator consumes. Put is an
// atomic upsert; Get is a strong read after a same-process write; Delete
// is idempotent. All operations are per-key atomic; no transaction spans
// keys.
type Store interface {
	Put(ctx context.Context, record *ExecutionRecord, ttl time.Duration) error
	Get(ctx context.Context, tenantID, executionID string) (*ExecutionRecord, error)
	Delete(ctx context.Context, tenantID, executionID string) error
	Close() error
}

// Metrics receives store lifecycle counters.
type Metrics interface {
	IncPauses()
	IncResumes()
	IncExpired()
}

// NopMetrics discards all counters.
type NopMetrics struct{}

func (NopMetrics) IncPauses()  {}
func (NopMetrics) IncResumes() {}
func (NopMetrics) IncExpired() {}

// New selects a backend from a state-store URL:
//
//	""                  in-memory (single instance)
//	sqlite://<path>     shared-file SQLite
//	redis://<addr>      shared Redis
func New(url string) (Store, error) {
	switch {
	case url == "":
		return NewMemoryStore(), nil
	case strings.HasPrefix(url, "sqlite://"):
		return NewSQLiteStore(strings.TrimPrefix(url, "sqlite://"))
	case strings.HasPrefix(url, "redis://"), strings.HasPrefix(url, "rediss://"):
		return NewRedisStore(url)
	default:
		return nil, fmt.Errorf("unsupported state store url: %s", url)
	}
}

// Manager wraps a Store with TTL defaults, max-pause-duration garbage
// collection on read, and pause/resume metrics.
type Manager struct {
	store    Store
	ttl      time.Duration
	maxPause time.Duration
	metrics  Metrics
	log      *slog.Logger
	now      func() time.Time
}

// NewManager creates a manager. A nil metrics sink is replaced with a
// no-op.
func NewManager(store Store, ttl, maxPause time.Duration, metrics Metrics) *Manager {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Manager{
		store:    store,
		ttl:      ttl,
		maxPause: maxPause,
		metrics:  metrics,
		log:      logger.GetLogger(),
		now:      time.Now,
	}
}

// SavePaused persists a freshly paused execution and counts the pause.
func (m *Manager) SavePaused(ctx context.Context, record *ExecutionRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	record.PausedAt = m.now()
	if err := m.store.Put(ctx, record, m.ttl); err != nil {
		return err
	}
	m.metrics.IncPauses()
	m.log.Debug("execution paused",
		"execution_id", record.ExecutionID,
		"tenant_id", record.TenantID,
		"pending_seq", record.PendingCallback.Seq)
	return nil
}

// Checkpoint persists mid-execution state for crash durability. Unlike
// SavePaused it does not count a pause and tolerates an open pending slot.
func (m *Manager) Checkpoint(ctx context.Context, record *ExecutionRecord) error {
	record.PausedAt = m.now()
	return m.store.Put(ctx, record, m.ttl)
}

// Load fetches a record for resume, garbage-collecting it when the pause
// outlived max_pause_duration. A successful load counts a resume.
func (m *Manager) Load(ctx context.Context, tenantID, executionID string) (*ExecutionRecord, error) {
	record, err := m.store.Get(ctx, tenantID, executionID)
	if err != nil {
		return nil, err
	}
	if m.maxPause > 0 && m.now().Sub(record.PausedAt) > m.maxPause {
		if err := m.store.Delete(ctx, tenantID, executionID); err != nil {
			m.log.Warn("failed to delete expired execution record", "error", err)
		}
		m.metrics.IncExpired()
		return nil, ErrExpired
	}
	m.metrics.IncResumes()
	return record, nil
}

// Complete removes a finished execution's record.
func (m *Manager) Complete(ctx context.Context, tenantID, executionID string) error {
	return m.store.Delete(ctx, tenantID, executionID)
}

// Store exposes the underlying backend.
func (m *Manager) Store() Store { return m.store }
