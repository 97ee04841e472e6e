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

// Package sandbox hosts user code in an isolated per-execution runtime and
// bridges it to the host: injected atp.*/api.* capabilities, the callback
// sequencer, snapshot capture, provenance tagging, and resource limits.
//
// Each execution gets its own isolate with no access to the filesystem,
// network, or host globals. The only suspension point user code observes
// is a sequencer pause; pausing interrupts the runtime and tears the
// isolate down.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/dop251/goja"

	"github.com/kadirpekel/atp/pkg/provenance"
	"github.com/kadirpekel/atp/pkg/sequencer"
	"github.com/kadirpekel/atp/pkg/snapshot"
	"github.com/kadirpekel/atp/pkg/tool"
)

// Status classifies how a sandbox run ended.
type Status string

const (
	StatusCompleted         Status = "completed"
	StatusPaused            Status = "paused"
	StatusFailed            Status = "failed"
	StatusTimeout           Status = "timeout"
	StatusMemoryExceeded    Status = "memory_exceeded"
	StatusLLMCallsExceeded  Status = "llm_calls_exceeded"
	StatusSecurityViolation Status = "security_violation"
	StatusApprovalDenied    Status = "approval_denied"
	StatusDivergence        Status = "replay_divergence"
	StatusCancelled         Status = "cancelled"
)

// Limits are the hard resource bounds enforced on one execution. The
// memory cap is best-effort: heap growth is sampled, not metered per
// allocation.
type Limits struct {
	Timeout        time.Duration
	MaxMemoryBytes uint64
	MaxLLMCalls    uint32
}

// Config wires one sandbox run.
type Config struct {
	// Code is the instrumented program. The sandbox wraps it in a function
	// so top-level return produces the execution's result.
	Code string

	Sequencer *sequencer.Sequencer
	Snapshots *snapshot.Manager

	// Provenance may be nil when taint tracking is disabled.
	Provenance *provenance.Engine
	Registry   *provenance.Registry

	Tools *tool.Registry

	// Cache backs atp.cache; the orchestrator persists it in the record's
	// context across pauses.
	Cache map[string]any

	// Checkpoint, when set, is called after every checkpoint_every completed
	// statements so the orchestrator can persist mid-run state.
	Checkpoint func()

	Limits Limits
}

// RunResult is the outcome of driving the sandbox once.
type RunResult struct {
	Status Status
	// Value is the deep-copied completion value (completed runs only).
	Value any
	// Err describes failed runs.
	Err error
	// Policy names the policy behind a security_violation.
	Policy string

	LLMCalls      uint32
	ApprovalCalls uint32
	MemoryUsed    uint64
	Duration      time.Duration

	// Progress and Logs collect atp.progress/atp.log events emitted before
	// the run ended.
	Progress []string
	Logs     []string
}

// Run executes the instrumented program to completion, pause, or failure.
// The isolate never outlives the call.
func Run(ctx context.Context, cfg Config) *RunResult {
	start := time.Now()
	rt := goja.New()

	b := &bridge{
		rt:  rt,
		cfg: cfg,
	}
	// Replay re-runs every recorded call through the sequencer, so the
	// counters recompute the cumulative totals on each cycle.
	res := &RunResult{}
	b.res = res

	if err := b.install(ctx); err != nil {
		res.Status = StatusFailed
		res.Err = err
		return res
	}

	stop := b.watch(ctx)
	defer stop()

	value, runErr := rt.RunString("(function () {\n" + cfg.Code + "\n})()")

	res.Duration = time.Since(start)
	res.MemoryUsed = heapUsed()

	switch {
	case runErr == nil:
		b.finishCompleted(value, res)
	default:
		b.finishInterrupted(runErr, res)
	}

	return res
}

// finishCompleted handles a run that returned from the wrapper function.
func (b *bridge) finishCompleted(value goja.Value, res *RunResult) {
	if err := b.cfg.Sequencer.CheckCompleted(); err != nil {
		res.Status = StatusDivergence
		res.Err = err
		b.cfg.Snapshots.Finalize(false)
		return
	}
	b.cfg.Snapshots.Finalize(true)
	res.Status = StatusCompleted
	res.Value = b.exportResult(value)
}

// finishInterrupted classifies a run that stopped with an error: a pause,
// a limit, or a genuine user-code failure.
func (b *bridge) finishInterrupted(runErr error, res *RunResult) {
	var interrupted *goja.InterruptedError
	if errors.As(runErr, &interrupted) {
		switch sig := interrupted.Value().(type) {
		case pauseSignal:
			if err := b.cfg.Sequencer.CheckPaused(); err != nil {
				res.Status = StatusDivergence
				res.Err = err
				b.cfg.Snapshots.Finalize(false)
				return
			}
			b.cfg.Snapshots.Finalize(false)
			res.Status = StatusPaused
		case timeoutSignal:
			res.Status = StatusTimeout
			res.Err = fmt.Errorf("execution exceeded %s wall-clock limit", b.cfg.Limits.Timeout)
		case cancelSignal:
			res.Status = StatusCancelled
			res.Err = errors.New("execution cancelled")
		case memorySignal:
			res.Status = StatusMemoryExceeded
			res.MemoryUsed = sig.used
			res.Err = fmt.Errorf("execution exceeded memory limit of %d bytes", b.cfg.Limits.MaxMemoryBytes)
		case llmLimitSignal:
			res.Status = StatusLLMCallsExceeded
			res.Err = fmt.Errorf("execution exceeded limit of %d llm calls", b.cfg.Limits.MaxLLMCalls)
		case securitySignal:
			res.Status = StatusSecurityViolation
			res.Policy = sig.policy
			res.Err = fmt.Errorf("policy %s blocked tool call: %s", sig.policy, sig.reason)
		case approvalDeniedSignal:
			res.Status = StatusApprovalDenied
			res.Err = fmt.Errorf("approval denied for tool %s", sig.tool)
		case divergenceSignal:
			res.Status = StatusDivergence
			res.Err = sig.err
		default:
			res.Status = StatusFailed
			res.Err = fmt.Errorf("execution interrupted: %v", interrupted.Value())
		}
		if res.Status != StatusPaused {
			b.cfg.Snapshots.Finalize(false)
		}
		return
	}

	b.cfg.Snapshots.Finalize(false)
	res.Status = StatusFailed

	var exception *goja.Exception
	if errors.As(runErr, &exception) {
		res.Err = fmt.Errorf("user code threw: %s", exception.Value().String())
		return
	}
	res.Err = runErr
}

// watch starts the timeout, cancellation and memory watchers. The
// returned stop function tears them down.
func (b *bridge) watch(ctx context.Context) func() {
	done := make(chan struct{})

	if b.cfg.Limits.Timeout > 0 {
		timer := time.AfterFunc(b.cfg.Limits.Timeout, func() {
			b.rt.Interrupt(timeoutSignal{})
		})
		go func() {
			<-done
			timer.Stop()
		}()
	}

	go func() {
		select {
		case <-ctx.Done():
			b.rt.Interrupt(cancelSignal{})
		case <-done:
		}
	}()

	if b.cfg.Limits.MaxMemoryBytes > 0 {
		baseline := heapUsed()
		ticker := time.NewTicker(10 * time.Millisecond)
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if used := heapUsed(); used > baseline && used-baseline > b.cfg.Limits.MaxMemoryBytes {
						b.rt.Interrupt(memorySignal{used: used - baseline})
						return
					}
				case <-done:
					return
				}
			}
		}()
	}

	return func() { close(done) }
}

func heapUsed() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.HeapAlloc
}
