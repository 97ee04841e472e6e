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

// Package engine orchestrates executions: it transforms user code, drives
// the sandbox, persists paused state, and replays persisted state on
// resume. It is the only component that wires the transformer, sequencer,
// snapshots, provenance, tools, and state store together.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"

	"github.com/kadirpekel/atp/pkg/config"
	"github.com/kadirpekel/atp/pkg/logger"
	"github.com/kadirpekel/atp/pkg/provenance"
	"github.com/kadirpekel/atp/pkg/sandbox"
	"github.com/kadirpekel/atp/pkg/sequencer"
	"github.com/kadirpekel/atp/pkg/snapshot"
	"github.com/kadirpekel/atp/pkg/statestore"
	"github.com/kadirpekel/atp/pkg/tool"
	"github.com/kadirpekel/atp/pkg/transform"
)

// Engine coordinates the execution lifecycle across pause/resume cycles.
type Engine struct {
	cfg     *config.Config
	store   *statestore.Manager
	prov    *provenance.Engine
	sources []tool.Source
	log     *slog.Logger
	newID   func() string
}

// New creates the orchestrator. prov may be nil when provenance tracking is
// disabled; sources are the server-side tool sources shared by all
// executions.
func New(cfg *config.Config, store *statestore.Manager, prov *provenance.Engine, sources []tool.Source) *Engine {
	return &Engine{
		cfg:     cfg,
		store:   store,
		prov:    prov,
		sources: sources,
		log:     logger.GetLogger(),
		newID:   uuid.NewString,
	}
}

// ExecuteRequest starts a fresh execution.
type ExecuteRequest struct {
	TenantID string
	Code     string

	// Config carries per-execution overrides; overrides only tighten the
	// server's limits, never raise them.
	Config map[string]any

	// ProvenanceHints are tokens from earlier executions whose values the
	// client is echoing back.
	ProvenanceHints []string

	// ClientTools are the session's registered tool descriptors. They are
	// persisted with the execution so replay rebuilds the same api.* tree.
	ClientTools []tool.ClientTool
}

// SubResult resolves one item of a batched pause.
type SubResult struct {
	SubID  string `json:"sub_id"`
	Result any    `json:"result"`
}

// ResumeRequest supplies the pending callback's result.
type ResumeRequest struct {
	TenantID    string
	ExecutionID string

	// Result resolves a single pending callback; Results resolves a batch.
	// Exactly one form must match the pending record.
	Result  any
	Results []SubResult
}

// Result is the outcome of one execute or resume call: completed with a
// value, paused with a pending callback, or failed with a classified error.
type Result struct {
	Status      sandbox.Status
	ExecutionID string

	// Completed
	Value  any
	Stats  statestore.ExecutionStats
	Tokens []provenance.TokenRef

	// Paused
	Pending *sequencer.Record

	// Failed
	Err *Error
}

// Completed reports a terminal success.
func (r *Result) Completed() bool { return r.Status == sandbox.StatusCompleted }

// Paused reports a suspended execution awaiting a callback result.
func (r *Result) Paused() bool { return r.Status == sandbox.StatusPaused }

// runState carries everything one sandbox run shares with the finish path.
type runState struct {
	executionID     string
	tenantID        string
	transformedCode string
	configMap       map[string]any
	history         []sequencer.Record
	loadedSnapshots []snapshot.Snapshot
	priorStats      statestore.ExecutionStats
	persisted       bool

	registry *provenance.Registry
	cache    map[string]any
	seq      *sequencer.Sequencer
	snaps    *snapshot.Manager
}

// Execute transforms and runs user code until it completes, pauses, or
// fails.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) *Result {
	execID := e.newID()

	if max := e.cfg.Execution.MaxCodeSize; max > 0 && len(req.Code) > max {
		return e.failed(execID, NewError(KindValidationFailed,
			"code size %d exceeds limit of %d bytes", len(req.Code), max))
	}

	registry := provenance.NewRegistry()
	if e.prov != nil {
		e.prov.VerifyHints(ctx, req.TenantID, req.ProvenanceHints, registry)
	}

	opts := transform.Options{}
	if e.prov != nil && e.prov.ASTMode() {
		opts.ProvenanceAST = true
		opts.TaintedLiteral = func(value string) bool {
			_, ok := registry.LookupDigest(provenance.Digest(value))
			return ok
		}
	}
	transformed, err := transform.Transform(req.Code, opts)
	if err != nil {
		return e.failed(execID, NewError(KindParseError, "failed to transform code: %v", err))
	}

	configMap := map[string]any{}
	if len(req.Config) > 0 {
		configMap["execution"] = req.Config
	}
	if len(req.ClientTools) > 0 {
		configMap["client_tools"] = req.ClientTools
	}

	state := &runState{
		executionID:     execID,
		tenantID:        req.TenantID,
		transformedCode: transformed.Code,
		configMap:       configMap,
		registry:        registry,
		cache:           map[string]any{},
		seq:             sequencer.New(nil),
		snaps:           snapshot.NewManager(nil, e.cfg.Execution.CheckpointEvery),
	}
	return e.run(ctx, state, req.ClientTools, req.Config)
}

// Resume loads a paused execution, folds the supplied result into the
// replay map, and re-runs the stored transformed code.
func (e *Engine) Resume(ctx context.Context, req ResumeRequest) *Result {
	record, err := e.store.Load(ctx, req.TenantID, req.ExecutionID)
	switch {
	case err == nil:
	case errors.Is(err, statestore.ErrNotFound):
		return e.failed(req.ExecutionID, NewError(KindNotFound, "execution %s not found", req.ExecutionID))
	case errors.Is(err, statestore.ErrExpired):
		return e.failed(req.ExecutionID, NewError(KindExpired, "execution %s exceeded max pause duration", req.ExecutionID))
	default:
		return e.failed(req.ExecutionID, NewError(KindInternal, "failed to load execution: %v", err))
	}

	pending := record.PendingCallback
	if pending == nil {
		return e.failed(req.ExecutionID, NewError(KindStaleResume, "execution %s has no pending callback", req.ExecutionID))
	}

	resolved, rerr := resolvePending(pending, req)
	if rerr != nil {
		return e.failed(req.ExecutionID, rerr)
	}
	history := append(record.CallbackHistory, resolved...)

	replay, err := sequencer.BuildReplay(history)
	if err != nil {
		return e.failed(req.ExecutionID, NewError(KindInternal, "corrupt callback history: %v", err))
	}

	registry := provenance.NewRegistry()
	if record.ProvenanceSnapshot != nil {
		registry.Restore(record.ProvenanceSnapshot.Digests)
	}

	var clientTools []tool.ClientTool
	if raw, ok := record.Config["client_tools"]; ok {
		if err := decodeConfig(raw, &clientTools); err != nil {
			e.log.Warn("failed to decode persisted client tools",
				"execution_id", record.ExecutionID, "error", err)
		}
	}
	execOverrides, _ := record.Config["execution"].(map[string]any)

	state := &runState{
		executionID:     record.ExecutionID,
		tenantID:        record.TenantID,
		transformedCode: record.TransformedCode,
		configMap:       record.Config,
		history:         history,
		loadedSnapshots: record.Snapshots,
		priorStats:      record.Stats,
		persisted:       true,
		registry:        registry,
		cache:           cacheFromContext(record.Context),
		seq:             sequencer.New(replay),
		snaps:           snapshot.NewManager(record.Snapshots, e.cfg.Execution.CheckpointEvery),
	}
	return e.run(ctx, state, clientTools, execOverrides)
}

// run drives one sandbox cycle and dispatches its outcome.
func (e *Engine) run(ctx context.Context, state *runState, clientTools []tool.ClientTool, overrides map[string]any) *Result {
	tools, err := tool.NewRegistry(ctx, e.sources, clientTools)
	if err != nil {
		return e.failed(state.executionID, NewError(KindInternal, "failed to build tool registry: %v", err))
	}

	res := sandbox.Run(ctx, sandbox.Config{
		Code:       state.transformedCode,
		Sequencer:  state.seq,
		Snapshots:  state.snaps,
		Provenance: e.prov,
		Registry:   state.registry,
		Tools:      tools,
		Cache:      state.cache,
		Limits:     e.limits(overrides),
		Checkpoint: func() { e.checkpoint(ctx, state) },
	})
	return e.finish(ctx, state, res)
}

// finish persists, emits, or cleans up according to how the run ended.
func (e *Engine) finish(ctx context.Context, state *runState, res *sandbox.RunResult) *Result {
	stats := accumulate(state.priorStats, res)

	for _, msg := range res.Progress {
		e.log.Info("execution progress",
			"execution_id", state.executionID, "message", msg)
	}
	for _, line := range res.Logs {
		e.log.Info("execution log",
			"execution_id", state.executionID, "message", line)
	}

	switch res.Status {
	case sandbox.StatusCompleted:
		var tokens []provenance.TokenRef
		if e.prov != nil {
			tokens = e.prov.EmitTokens(ctx, state.tenantID, state.executionID, res.Value, state.registry)
		}
		if state.persisted {
			if err := e.store.Complete(ctx, state.tenantID, state.executionID); err != nil {
				e.log.Warn("failed to delete completed execution record",
					"execution_id", state.executionID, "error", err)
			}
		}
		e.log.Info("execution completed",
			"execution_id", state.executionID,
			"tenant_id", state.tenantID,
			"llm_calls", stats.LLMCalls,
			"duration", stats.Duration)
		return &Result{
			Status:      sandbox.StatusCompleted,
			ExecutionID: state.executionID,
			Value:       res.Value,
			Stats:       stats,
			Tokens:      tokens,
		}

	case sandbox.StatusPaused:
		pending := state.seq.Pending()
		record := e.buildRecord(state, stats)
		record.PendingCallback = pending
		if err := e.store.SavePaused(ctx, record); err != nil {
			state.seq.Discard()
			return e.failed(state.executionID, NewError(KindInternal, "failed to persist paused execution: %v", err))
		}
		return &Result{
			Status:      sandbox.StatusPaused,
			ExecutionID: state.executionID,
			Stats:       stats,
			Pending:     pending,
		}

	default:
		// Divergence keeps the record for forensics; every other terminal
		// failure deletes it.
		if state.persisted && res.Status != sandbox.StatusDivergence {
			if err := e.store.Complete(ctx, state.tenantID, state.executionID); err != nil {
				e.log.Warn("failed to delete failed execution record",
					"execution_id", state.executionID, "error", err)
			}
		}
		kind := kindForStatus(res.Status)
		ee := NewError(kind, "%v", res.Err)
		ee.Policy = res.Policy
		e.log.Warn("execution failed",
			"execution_id", state.executionID,
			"tenant_id", state.tenantID,
			"kind", kind,
			"error", res.Err)
		return &Result{
			Status:      res.Status,
			ExecutionID: state.executionID,
			Stats:       stats,
			Err:         ee,
		}
	}
}

// checkpoint persists mid-run state for crash durability. Failures are
// logged only; checkpointing never affects correctness.
func (e *Engine) checkpoint(ctx context.Context, state *runState) {
	record := e.buildRecord(state, state.priorStats)
	if err := e.store.Checkpoint(ctx, record); err != nil {
		e.log.Warn("checkpoint failed", "execution_id", state.executionID, "error", err)
	}
}

func (e *Engine) buildRecord(state *runState, stats statestore.ExecutionStats) *statestore.ExecutionRecord {
	return &statestore.ExecutionRecord{
		ExecutionID:     state.executionID,
		TenantID:        state.tenantID,
		TransformedCode: state.transformedCode,
		Config:          state.configMap,
		CallbackHistory: state.history,
		Snapshots:       state.snaps.Snapshots(state.loadedSnapshots),
		Context:         map[string]any{"cache": state.cache},
		ProvenanceSnapshot: &statestore.ProvenanceSnapshot{
			Digests: state.registry.Snapshot(),
		},
		Stats: stats,
	}
}

// limits derives the sandbox limits: server configuration tightened by
// per-execution overrides.
func (e *Engine) limits(overrides map[string]any) sandbox.Limits {
	ex := e.cfg.Execution
	l := sandbox.Limits{
		Timeout:        ex.Timeout,
		MaxMemoryBytes: uint64(ex.MaxMemoryBytes),
		MaxLLMCalls:    uint32(ex.MaxLLMCalls),
	}
	if v, ok := numberFrom(overrides["timeout_ms"]); ok && v > 0 {
		if t := time.Duration(v) * time.Millisecond; t < l.Timeout {
			l.Timeout = t
		}
	}
	if v, ok := numberFrom(overrides["max_llm_calls"]); ok && v > 0 && uint32(v) < l.MaxLLMCalls {
		l.MaxLLMCalls = uint32(v)
	}
	if v, ok := numberFrom(overrides["max_memory_bytes"]); ok && v > 0 && uint64(v) < l.MaxMemoryBytes {
		l.MaxMemoryBytes = uint64(v)
	}
	return l
}

func (e *Engine) failed(execID string, err *Error) *Result {
	return &Result{
		Status:      sandbox.StatusFailed,
		ExecutionID: execID,
		Err:         err,
	}
}

// resolvePending matches the supplied result form against the pending
// record and produces the completed history records.
func resolvePending(pending *sequencer.Record, req ResumeRequest) ([]sequencer.Record, *Error) {
	if pending.IsBatch() {
		if len(req.Results) == 0 {
			return nil, NewError(KindStaleResume,
				"pending callback is a batch of %d; supply results by sub_id", len(pending.Batch))
		}
		outcomes := make(map[string]sequencer.Outcome, len(req.Results))
		for _, sub := range req.Results {
			outcomes[sub.SubID] = outcomeOf(sub.Result)
		}
		records, err := sequencer.ResolveBatch(pending, outcomes)
		if err != nil {
			return nil, NewError(KindStaleResume, "%v", err)
		}
		return records, nil
	}

	if len(req.Results) > 0 {
		return nil, NewError(KindStaleResume, "pending callback is not a batch")
	}
	resolved := *pending
	outcome := outcomeOf(req.Result)
	resolved.Result = &outcome
	return []sequencer.Record{resolved}, nil
}

// outcomeOf interprets a client-supplied result: a map tagged __error
// becomes a throwable tool error, anything else a plain value.
func outcomeOf(result any) sequencer.Outcome {
	if m, ok := result.(map[string]any); ok {
		if tagged, _ := m["__error"].(bool); tagged {
			msg, _ := m["message"].(string)
			return sequencer.Outcome{Err: &sequencer.TaggedError{Tagged: true, Message: msg}}
		}
	}
	return sequencer.Outcome{Value: result}
}

func accumulate(prior statestore.ExecutionStats, res *sandbox.RunResult) statestore.ExecutionStats {
	stats := prior
	stats.Duration += res.Duration
	if res.MemoryUsed > stats.MemoryUsed {
		stats.MemoryUsed = res.MemoryUsed
	}
	// Replay re-runs the whole history, so these are cumulative already.
	stats.LLMCalls = res.LLMCalls
	stats.ApprovalCalls = res.ApprovalCalls
	return stats
}

// decodeConfig maps a persisted config value back onto a typed structure.
// Records round-trip through JSON in the shared stores, so values arrive as
// generic maps keyed by json tag.
func decodeConfig(raw, dst any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  dst,
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

func cacheFromContext(context map[string]any) map[string]any {
	if cache, ok := context["cache"].(map[string]any); ok {
		return cache
	}
	return map[string]any{}
}

func kindForStatus(st sandbox.Status) ErrorKind {
	switch st {
	case sandbox.StatusTimeout:
		return KindTimeout
	case sandbox.StatusMemoryExceeded:
		return KindMemoryExceeded
	case sandbox.StatusLLMCallsExceeded:
		return KindLLMCallsExceeded
	case sandbox.StatusSecurityViolation:
		return KindSecurityViolation
	case sandbox.StatusApprovalDenied:
		return KindApprovalDenied
	case sandbox.StatusDivergence:
		return KindReplayDivergence
	case sandbox.StatusCancelled:
		return KindCancelled
	default:
		return KindExecutionError
	}
}

func numberFrom(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}
