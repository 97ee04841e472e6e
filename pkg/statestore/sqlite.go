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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS execution_records (
	key        TEXT PRIMARY KEY,
	record     BLOB NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_execution_records_expires
	ON execution_records (expires_at);
`

// SQLiteStore is a shared-file backend: instances on the same host (or a
// shared volume) can exchange paused executions through it.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open state store database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize state store schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, record *ExecutionRecord, ttl time.Duration) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_records (key, record, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET record = excluded.record, expires_at = excluded.expires_at`,
		record.Key(), raw, s.now().Add(ttl).Unix())
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, tenantID, executionID string) (*ExecutionRecord, error) {
	var (
		raw       []byte
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT record, expires_at FROM execution_records WHERE key = ?`,
		RecordKey(tenantID, executionID)).Scan(&raw, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if s.now().Unix() >= expiresAt {
		_ = s.Delete(ctx, tenantID, executionID)
		return nil, ErrNotFound
	}
	var record ExecutionRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, tenantID, executionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM execution_records WHERE key = ?`,
		RecordKey(tenantID, executionID))
	return err
}

// Sweep removes rows past their TTL. Called opportunistically; correctness
// does not depend on it because Get checks expiry.
func (s *SQLiteStore) Sweep(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM execution_records WHERE expires_at < ?`, s.now().Unix())
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
