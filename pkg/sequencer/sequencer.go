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

// Package sequencer assigns monotonic sequence numbers to pausing
// operations and satisfies them from the replay map or by pausing.
//
// Determinism contract: identical transformed code plus an identical
// ordered replay map yields identical control flow up to the first
// unresolved sequence number. The sequencer is the only suspension point
// user code can observe.
package sequencer

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a pause-candidate operation.
type Kind string

const (
	KindLLM       Kind = "llm"
	KindApproval  Kind = "approval"
	KindEmbedding Kind = "embedding"
	KindTool      Kind = "tool"
)

// TaggedError is a callback result representing a failure the agent's tool
// handler reported. Replaying it throws inside user code, which may catch.
type TaggedError struct {
	Tagged  bool   `json:"__error"`
	Message string `json:"message"`
}

func (e *TaggedError) Error() string { return e.Message }

// Outcome is a resolved callback result: a value or a tagged error.
type Outcome struct {
	Value any          `json:"value,omitempty"`
	Err   *TaggedError `json:"error,omitempty"`
}

// BatchItem is one of several parallel operations folded into a single
// pending record. Results associate by SubID, not position.
type BatchItem struct {
	SubID     string `json:"sub_id"`
	Seq       uint32 `json:"sequence_number"`
	Kind      Kind   `json:"kind"`
	Operation string `json:"operation"`
	Payload   any    `json:"payload"`
}

// Record is one element of an execution's ordered callback history, or the
// pending slot of a paused execution.
type Record struct {
	Seq       uint32      `json:"sequence_number"`
	Kind      Kind        `json:"kind,omitempty"`
	Operation string      `json:"operation,omitempty"`
	Payload   any         `json:"payload,omitempty"`
	Result    *Outcome    `json:"result,omitempty"`
	Batch     []BatchItem `json:"batch,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// IsBatch reports whether the record folds multiple parallel operations.
func (r *Record) IsBatch() bool { return len(r.Batch) > 0 }

// Disposition tells the sandbox bridge how an invocation resolved.
type Disposition int

const (
	// Replayed: the outcome came from the replay map; user code continues.
	Replayed Disposition = iota
	// Paused: a pending record was written; tear the sandbox down.
	Paused
	// Collected: inside a batch; the operation was queued, keep iterating.
	Collected
)

// ErrDivergence reports that a replay failed to retrace its recorded
// history. Fatal: the transformed code is unstable, do not retry.
var ErrDivergence = errors.New("replay diverged from recorded history")

// Sequencer serializes all pause-candidate calls of one execution.
// Executions are single-threaded, so the sequencer is not safe for
// concurrent use and does not need to be.
type Sequencer struct {
	nextSeq uint32
	replay  map[uint32]Outcome
	// firstFresh is the lowest sequence number with no replay entry; every
	// invocation below it must replay, anything else is divergence.
	firstFresh uint32

	pending    *Record
	batchDepth int
	batchItems []BatchItem

	diverged error
	now      func() time.Time
}

// New creates a sequencer. A nil or empty replay map starts fresh mode.
func New(replay map[uint32]Outcome) *Sequencer {
	var firstFresh uint32
	for seq := range replay {
		if seq+1 > firstFresh {
			firstFresh = seq + 1
		}
	}
	return &Sequencer{
		replay:     replay,
		firstFresh: firstFresh,
		now:        time.Now,
	}
}

// Invoke allocates the next sequence number for a pause-candidate call and
// resolves it. The transformed code observes results in exact source order
// because allocation happens at the moment of the call.
func (s *Sequencer) Invoke(kind Kind, operation string, payload any) (Outcome, Disposition) {
	if s.pending != nil {
		// Already pausing; the runtime interrupt lands at the next
		// instruction boundary and may let a trailing call through.
		return Outcome{}, Paused
	}

	seq := s.nextSeq
	s.nextSeq++

	if outcome, ok := s.replay[seq]; ok {
		return outcome, Replayed
	}

	if seq < s.firstFresh {
		// A gap in the replay map below the recorded frontier: the code
		// took a different path than the recorded run.
		s.diverged = fmt.Errorf("%w: no replay entry for seq %d (frontier %d)",
			ErrDivergence, seq, s.firstFresh)
		return Outcome{}, Paused
	}

	if s.batchDepth > 0 {
		s.batchItems = append(s.batchItems, BatchItem{
			SubID:     uuid.NewString(),
			Seq:       seq,
			Kind:      kind,
			Operation: operation,
			Payload:   payload,
		})
		return Outcome{}, Collected
	}

	s.pending = &Record{
		Seq:       seq,
		Kind:      kind,
		Operation: operation,
		Payload:   payload,
		Timestamp: s.now(),
	}
	return Outcome{}, Paused
}

// EnterBatch begins deferring fresh invocations into a single pending
// record. Batches nest syntactically but collapse into one pause.
func (s *Sequencer) EnterBatch() { s.batchDepth++ }

// ExitBatch ends the innermost batch scope. When the outermost scope closes
// with queued items, they become the pending record and the execution must
// pause. Returns true in that case.
func (s *Sequencer) ExitBatch() bool {
	if s.batchDepth == 0 {
		return false
	}
	s.batchDepth--
	if s.batchDepth > 0 || len(s.batchItems) == 0 {
		return false
	}
	s.pending = &Record{
		Seq:       s.batchItems[0].Seq,
		Batch:     s.batchItems,
		Timestamp: s.now(),
	}
	s.batchItems = nil
	return true
}

// Pending returns the pending callback record, or nil if none.
func (s *Sequencer) Pending() *Record { return s.pending }

// Discard drops the pending record. Used when the orchestrator fails before
// the pause persists, so no half-written state survives.
func (s *Sequencer) Discard() {
	s.pending = nil
	s.batchItems = nil
	s.batchDepth = 0
}

// NextSeq returns the next sequence number to be allocated.
func (s *Sequencer) NextSeq() uint32 { return s.nextSeq }

// CheckCompleted validates a run that finished without pausing: every
// replay entry must have been consumed, otherwise the run took a shorter
// path than the recorded one.
func (s *Sequencer) CheckCompleted() error {
	if s.diverged != nil {
		return s.diverged
	}
	if s.nextSeq < s.firstFresh {
		return fmt.Errorf("%w: completed at seq %d before consuming recorded history up to %d",
			ErrDivergence, s.nextSeq, s.firstFresh)
	}
	return nil
}

// CheckPaused validates a run that paused: the pending record must sit at
// the replay frontier, proving the code re-reached the recorded pause
// point before advancing.
func (s *Sequencer) CheckPaused() error {
	if s.diverged != nil {
		return s.diverged
	}
	if s.pending == nil {
		return fmt.Errorf("%w: paused with no pending record", ErrDivergence)
	}
	if s.pending.Seq != s.firstFresh {
		return fmt.Errorf("%w: paused at seq %d, expected frontier %d",
			ErrDivergence, s.pending.Seq, s.firstFresh)
	}
	return nil
}

// BuildReplay materializes a replay map from persisted history. Batches
// were resolved into one record per sequence number before they entered
// the history.
func BuildReplay(history []Record) (map[uint32]Outcome, error) {
	replay := make(map[uint32]Outcome, len(history))
	for i := range history {
		rec := &history[i]
		if rec.Result == nil {
			return nil, fmt.Errorf("history record seq %d has no result", rec.Seq)
		}
		replay[rec.Seq] = *rec.Result
	}
	return replay, nil
}

// ResolveBatch matches supplied sub-results against a pending batch record
// and returns completed history records, one per item, in sequence order.
// Every item must resolve; a partial set is a stale resume.
func ResolveBatch(pending *Record, results map[string]Outcome) ([]Record, error) {
	if !pending.IsBatch() {
		return nil, errors.New("pending record is not a batch")
	}
	if len(results) != len(pending.Batch) {
		return nil, fmt.Errorf("batch expects %d results, got %d", len(pending.Batch), len(results))
	}
	records := make([]Record, 0, len(pending.Batch))
	for _, item := range pending.Batch {
		outcome, ok := results[item.SubID]
		if !ok {
			return nil, fmt.Errorf("no result for sub_id %q", item.SubID)
		}
		records = append(records, Record{
			Seq:       item.Seq,
			Kind:      item.Kind,
			Operation: item.Operation,
			Payload:   item.Payload,
			Result:    &outcome,
			Timestamp: pending.Timestamp,
		})
	}
	return records, nil
}
