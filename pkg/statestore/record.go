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

// Package statestore durably persists paused-execution records so that an
// execution paused on one server instance can resume on another.
package statestore

import (
	"fmt"
	"time"

	"github.com/kadirpekel/atp/pkg/provenance"
	"github.com/kadirpekel/atp/pkg/sequencer"
	"github.com/kadirpekel/atp/pkg/snapshot"
)

// ExecutionStats accumulates resource usage across an execution's
// pause/resume cycles.
type ExecutionStats struct {
	Duration      time.Duration `json:"duration"`
	MemoryUsed    uint64        `json:"memory_used"`
	LLMCalls      uint32        `json:"llm_calls"`
	ApprovalCalls uint32        `json:"approval_calls"`
}

// ProvenanceSnapshot persists the taint registry's digest map so that
// replay on another instance resolves the same provenance.
type ProvenanceSnapshot struct {
	Digests map[string]*provenance.Metadata `json:"digests,omitempty"`
}

// ExecutionRecord is the durable pause state of one execution.
//
// Invariants: the pending callback's sequence number is one past the last
// history entry (or 0 on empty history); TenantID matches the session that
// created the execution; a record older than max_pause_duration is
// garbage-collected on read.
type ExecutionRecord struct {
	ExecutionID     string `json:"execution_id"`
	TenantID        string `json:"tenant_id"`
	TransformedCode string `json:"transformed_code"`

	Config map[string]any `json:"config,omitempty"`

	CallbackHistory []sequencer.Record `json:"callback_history"`
	PendingCallback *sequencer.Record  `json:"pending_callback,omitempty"`
	Snapshots       []snapshot.Snapshot `json:"snapshots,omitempty"`

	Context            map[string]any      `json:"context,omitempty"`
	ProvenanceSnapshot *ProvenanceSnapshot `json:"provenance_snapshot,omitempty"`

	Stats    ExecutionStats `json:"stats"`
	PausedAt time.Time      `json:"paused_at"`
}

// Validate checks the record's structural invariants before persistence.
func (r *ExecutionRecord) Validate() error {
	if r.ExecutionID == "" {
		return fmt.Errorf("execution record missing execution_id")
	}
	if r.TenantID == "" {
		return fmt.Errorf("execution record missing tenant_id")
	}
	for i, rec := range r.CallbackHistory {
		if rec.Seq != uint32(i) {
			return fmt.Errorf("callback history not contiguous: index %d holds seq %d", i, rec.Seq)
		}
		if rec.Result == nil {
			return fmt.Errorf("callback history seq %d has no result", rec.Seq)
		}
	}
	if r.PendingCallback != nil {
		want := uint32(len(r.CallbackHistory))
		if r.PendingCallback.Seq != want {
			return fmt.Errorf("pending callback seq %d, want %d", r.PendingCallback.Seq, want)
		}
	}
	return nil
}

// Key returns the storage key: exec:{tenant_id}:{execution_id}.
func (r *ExecutionRecord) Key() string {
	return RecordKey(r.TenantID, r.ExecutionID)
}

// RecordKey builds the storage key for an execution.
func RecordKey(tenantID, executionID string) string {
	return fmt.Sprintf("exec:%s:%s", tenantID, executionID)
}
