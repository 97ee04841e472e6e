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

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/atp/pkg/config"
	"github.com/kadirpekel/atp/pkg/provenance"
	"github.com/kadirpekel/atp/pkg/sandbox"
	"github.com/kadirpekel/atp/pkg/sequencer"
	"github.com/kadirpekel/atp/pkg/statestore"
	"github.com/kadirpekel/atp/pkg/tool"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.SetDefaults()
	return cfg
}

func newTestEngine(t *testing.T, opts ...func(*Engine)) (*Engine, statestore.Store) {
	t.Helper()
	store := statestore.NewMemoryStore()
	mgr := statestore.NewManager(store, time.Hour, time.Hour, nil)
	eng := New(testConfig(), mgr, nil, nil)
	for _, opt := range opts {
		opt(eng)
	}
	return eng, store
}

func withSources(sources ...tool.Source) func(*Engine) {
	return func(e *Engine) { e.sources = sources }
}

func withProvenance(mode provenance.Mode) func(*Engine) {
	return func(e *Engine) {
		cfg := provenance.Config{
			Mode:          mode,
			Secret:        []byte("0123456789abcdef0123456789abcdef"),
			TokenTTL:      time.Hour,
			MetadataTTL:   time.Hour,
			MaxTokens:     100,
			RecipientKeys: []string{"to", "recipient"},
		}
		policies := provenance.DefaultPolicies(cfg.RecipientKeys, nil)
		e.prov = provenance.NewEngine(cfg, provenance.NewMemoryCache(), policies...)
	}
}

type staticSource struct {
	name  string
	tools []tool.ServerTool
}

func (s staticSource) Name() string                                     { return s.name }
func (s staticSource) Tools(context.Context) ([]tool.ServerTool, error) { return s.tools, nil }
func (s staticSource) Close() error                                     { return nil }

func TestSingleLLMCallPauseResume(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	res := eng.Execute(ctx, ExecuteRequest{
		TenantID: "t1",
		Code:     `const r = await atp.llm.call({prompt: "Say hello in 2 words"}); return {r};`,
	})
	require.True(t, res.Paused(), "expected pause, got %s: %v", res.Status, res.Err)
	require.NotNil(t, res.Pending)
	assert.Equal(t, sequencer.KindLLM, res.Pending.Kind)
	assert.Equal(t, map[string]any{"prompt": "Say hello in 2 words"}, res.Pending.Payload)

	res = eng.Resume(ctx, ResumeRequest{
		TenantID:    "t1",
		ExecutionID: res.ExecutionID,
		Result:      "Hello world",
	})
	require.True(t, res.Completed(), "expected completion, got %s: %v", res.Status, res.Err)
	assert.Equal(t, map[string]any{"r": "Hello world"}, res.Value)
	assert.Equal(t, uint32(1), res.Stats.LLMCalls)
}

func TestSequentialLLMCalls(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	code := `
		const one = await atp.llm.call({prompt: "one"});
		const two = await atp.llm.call({prompt: "two"});
		return one + " " + two;
	`

	res := eng.Execute(ctx, ExecuteRequest{TenantID: "t1", Code: code})
	require.True(t, res.Paused())
	assert.Equal(t, map[string]any{"prompt": "one"}, res.Pending.Payload)

	res = eng.Resume(ctx, ResumeRequest{TenantID: "t1", ExecutionID: res.ExecutionID, Result: "1"})
	require.True(t, res.Paused())
	assert.Equal(t, map[string]any{"prompt": "two"}, res.Pending.Payload)

	res = eng.Resume(ctx, ResumeRequest{TenantID: "t1", ExecutionID: res.ExecutionID, Result: "2"})
	require.True(t, res.Completed(), "got %s: %v", res.Status, res.Err)
	assert.Equal(t, "1 2", res.Value)
	assert.Equal(t, uint32(2), res.Stats.LLMCalls)
}

func TestBatchResumeOutOfOrder(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	code := `
		const prompts = ["a", "b", "c"];
		const out = prompts.map(async (p) => {
			return atp.llm.call({prompt: p});
		});
		return out;
	`

	res := eng.Execute(ctx, ExecuteRequest{TenantID: "t1", Code: code})
	require.True(t, res.Paused(), "got %s: %v", res.Status, res.Err)
	require.True(t, res.Pending.IsBatch())
	require.Len(t, res.Pending.Batch, 3)

	batch := res.Pending.Batch
	res = eng.Resume(ctx, ResumeRequest{
		TenantID:    "t1",
		ExecutionID: res.ExecutionID,
		Results: []SubResult{
			{SubID: batch[1].SubID, Result: "B"},
			{SubID: batch[0].SubID, Result: "A"},
			{SubID: batch[2].SubID, Result: "C"},
		},
	})
	require.True(t, res.Completed(), "got %s: %v", res.Status, res.Err)
	assert.Equal(t, []any{"A", "B", "C"}, res.Value)
}

func TestPartialBatchResumeIsStale(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	res := eng.Execute(ctx, ExecuteRequest{
		TenantID: "t1",
		Code: `
			const out = ["a", "b"].map(async (p) => {
				return atp.llm.call({prompt: p});
			});
			return out;
		`,
	})
	require.True(t, res.Paused())
	require.Len(t, res.Pending.Batch, 2)

	res = eng.Resume(ctx, ResumeRequest{
		TenantID:    "t1",
		ExecutionID: res.ExecutionID,
		Results:     []SubResult{{SubID: res.Pending.Batch[0].SubID, Result: "A"}},
	})
	require.NotNil(t, res.Err)
	assert.Equal(t, KindStaleResume, res.Err.Kind)
}

func TestToolErrorRecovery(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	code := `
		try {
			await api.x.f({});
			return {ok: false};
		} catch (e) {
			return {ok: true, msg: e.message};
		}
	`
	clientTools := []tool.ClientTool{{Namespace: "x", Name: "f"}}

	res := eng.Execute(ctx, ExecuteRequest{TenantID: "t1", Code: code, ClientTools: clientTools})
	require.True(t, res.Paused(), "got %s: %v", res.Status, res.Err)

	res = eng.Resume(ctx, ResumeRequest{
		TenantID:    "t1",
		ExecutionID: res.ExecutionID,
		Result:      map[string]any{"__error": true, "message": "boom"},
	})
	require.True(t, res.Completed(), "got %s: %v", res.Status, res.Err)
	assert.Equal(t, map[string]any{"ok": true, "msg": "boom"}, res.Value)
}

func TestCrossInstanceResume(t *testing.T) {
	// Two engine instances share one store; pause on A, resume on B.
	store := statestore.NewMemoryStore()
	a := New(testConfig(), statestore.NewManager(store, time.Hour, time.Hour, nil), nil, nil)
	b := New(testConfig(), statestore.NewManager(store, time.Hour, time.Hour, nil), nil, nil)
	ctx := context.Background()

	res := a.Execute(ctx, ExecuteRequest{
		TenantID: "t1",
		Code:     `const r = await atp.llm.call({prompt: "hi"}); return r;`,
	})
	require.True(t, res.Paused())

	res = b.Resume(ctx, ResumeRequest{TenantID: "t1", ExecutionID: res.ExecutionID, Result: "hello"})
	require.True(t, res.Completed(), "got %s: %v", res.Status, res.Err)
	assert.Equal(t, "hello", res.Value)
}

func TestResumeNotFound(t *testing.T) {
	eng, _ := newTestEngine(t)
	res := eng.Resume(context.Background(), ResumeRequest{
		TenantID:    "t1",
		ExecutionID: "nope",
		Result:      "x",
	})
	require.NotNil(t, res.Err)
	assert.Equal(t, KindNotFound, res.Err.Kind)
}

func TestResumeExpired(t *testing.T) {
	store := statestore.NewMemoryStore()
	mgr := statestore.NewManager(store, time.Hour, time.Nanosecond, nil)
	eng := New(testConfig(), mgr, nil, nil)
	ctx := context.Background()

	res := eng.Execute(ctx, ExecuteRequest{
		TenantID: "t1",
		Code:     `return await atp.llm.call({prompt: "hi"});`,
	})
	require.True(t, res.Paused())

	time.Sleep(5 * time.Millisecond)
	res = eng.Resume(ctx, ResumeRequest{TenantID: "t1", ExecutionID: res.ExecutionID, Result: "x"})
	require.NotNil(t, res.Err)
	assert.Equal(t, KindExpired, res.Err.Kind)
}

func TestTenantScopedRecords(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	res := eng.Execute(ctx, ExecuteRequest{
		TenantID: "t1",
		Code:     `return await atp.llm.call({prompt: "hi"});`,
	})
	require.True(t, res.Paused())

	// Another tenant cannot see the record at all.
	other := eng.Resume(ctx, ResumeRequest{TenantID: "t2", ExecutionID: res.ExecutionID, Result: "x"})
	require.NotNil(t, other.Err)
	assert.Equal(t, KindNotFound, other.Err.Kind)

	// The owner still can.
	res = eng.Resume(ctx, ResumeRequest{TenantID: "t1", ExecutionID: res.ExecutionID, Result: "hey"})
	require.True(t, res.Completed())
}

func TestParseErrorNotRetryable(t *testing.T) {
	eng, _ := newTestEngine(t)
	res := eng.Execute(context.Background(), ExecuteRequest{TenantID: "t1", Code: `const = ;`})
	require.NotNil(t, res.Err)
	assert.Equal(t, KindParseError, res.Err.Kind)
	assert.False(t, res.Err.Retryable)
}

func TestCodeSizeLimit(t *testing.T) {
	eng, _ := newTestEngine(t)
	eng.cfg.Execution.MaxCodeSize = 16
	res := eng.Execute(context.Background(), ExecuteRequest{
		TenantID: "t1",
		Code:     `return "a very long program indeed";`,
	})
	require.NotNil(t, res.Err)
	assert.Equal(t, KindValidationFailed, res.Err.Kind)
}

func TestReplayDivergenceIsFatal(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	// Hand-craft a record whose history claims two callbacks but whose
	// stored code performs none.
	outcome := func(v any) *sequencer.Outcome { return &sequencer.Outcome{Value: v} }
	record := &statestore.ExecutionRecord{
		ExecutionID:     "exec-div",
		TenantID:        "t1",
		TransformedCode: `return 1;`,
		CallbackHistory: []sequencer.Record{
			{Seq: 0, Kind: sequencer.KindLLM, Operation: "call", Result: outcome("a")},
			{Seq: 1, Kind: sequencer.KindLLM, Operation: "call", Result: outcome("b")},
		},
		PendingCallback: &sequencer.Record{Seq: 2, Kind: sequencer.KindLLM, Operation: "call"},
	}
	require.NoError(t, eng.store.SavePaused(ctx, record))

	res := eng.Resume(ctx, ResumeRequest{TenantID: "t1", ExecutionID: "exec-div", Result: "c"})
	require.NotNil(t, res.Err)
	assert.Equal(t, KindReplayDivergence, res.Err.Kind)

	// The record survives for forensics.
	_, err := eng.store.Load(ctx, "t1", "exec-div")
	assert.NoError(t, err)
}

func TestCacheSurvivesPauseResume(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	code := `
		atp.cache.set("k", "v");
		await atp.llm.call({prompt: "hi"});
		return atp.cache.get("k");
	`

	res := eng.Execute(ctx, ExecuteRequest{TenantID: "t1", Code: code})
	require.True(t, res.Paused(), "got %s: %v", res.Status, res.Err)

	res = eng.Resume(ctx, ResumeRequest{TenantID: "t1", ExecutionID: res.ExecutionID, Result: "x"})
	require.True(t, res.Completed(), "got %s: %v", res.Status, res.Err)
	assert.Equal(t, "v", res.Value)
}

func TestServerToolNotReExecutedOnResume(t *testing.T) {
	calls := 0
	src := staticSource{name: "db", tools: []tool.ServerTool{{
		Namespace: "db",
		Name:      "read",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			calls++
			return map[string]any{"rows": float64(3)}, nil
		},
	}}}
	eng, _ := newTestEngine(t, withSources(src))
	ctx := context.Background()
	code := `
		const data = await api.db.read({table: "users"});
		const s = await atp.llm.call({prompt: "summarize", rows: data.rows});
		return s;
	`

	res := eng.Execute(ctx, ExecuteRequest{TenantID: "t1", Code: code})
	require.True(t, res.Paused(), "got %s: %v", res.Status, res.Err)
	require.Equal(t, 1, calls)

	res = eng.Resume(ctx, ResumeRequest{TenantID: "t1", ExecutionID: res.ExecutionID, Result: "done"})
	require.True(t, res.Completed(), "got %s: %v", res.Status, res.Err)
	assert.Equal(t, 1, calls)
}

func TestExfiltrationBlockedEndToEnd(t *testing.T) {
	src := staticSource{name: "office", tools: []tool.ServerTool{
		{
			Namespace: "office",
			Name:      "lookup_contact",
			Metadata:  tool.Metadata{Sensitivity: tool.SensitivitySensitive},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return map[string]any{
					"email": "alice@example.com",
					"__readers": map[string]any{
						"kind":    "restricted",
						"readers": []any{"bob@example.com"},
					},
				}, nil
			},
		},
		{
			Namespace: "office",
			Name:      "send_email",
			Metadata:  tool.Metadata{OperationType: tool.OperationWrite},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return "sent", nil
			},
		},
	}}
	eng, _ := newTestEngine(t, withSources(src), withProvenance(provenance.ModeAST))
	ctx := context.Background()

	res := eng.Execute(ctx, ExecuteRequest{
		TenantID: "t1",
		Code: `
			const contact = await api.office.lookup_contact({name: "alice"});
			await api.office.send_email({to: contact.email, body: "hi"});
			return "done";
		`,
	})
	require.NotNil(t, res.Err)
	assert.Equal(t, KindSecurityViolation, res.Err.Kind)
	assert.Equal(t, "prevent_data_exfiltration", res.Err.Policy)
	assert.Equal(t, sandbox.StatusSecurityViolation, res.Status)
}

func TestProvenanceTokensEmittedOnCompletion(t *testing.T) {
	src := staticSource{name: "crm", tools: []tool.ServerTool{{
		Namespace: "crm",
		Name:      "whoami",
		Metadata:  tool.Metadata{Sensitivity: tool.SensitivitySensitive},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"email": "carol@example.com"}, nil
		},
	}}}
	eng, _ := newTestEngine(t, withSources(src), withProvenance(provenance.ModeAST))
	ctx := context.Background()

	res := eng.Execute(ctx, ExecuteRequest{
		TenantID: "t1",
		Code: `
			const me = await api.crm.whoami({});
			return {email: me.email};
		`,
	})
	require.True(t, res.Completed(), "got %s: %v", res.Status, res.Err)
	require.NotEmpty(t, res.Tokens)
	assert.Equal(t, "$.email", res.Tokens[0].Path)
}

func TestLimitOverridesOnlyTighten(t *testing.T) {
	eng, _ := newTestEngine(t)

	l := eng.limits(map[string]any{"max_llm_calls": float64(3)})
	assert.Equal(t, uint32(3), l.MaxLLMCalls)

	// An override above the server limit is ignored.
	l = eng.limits(map[string]any{"max_llm_calls": float64(1_000_000)})
	assert.Equal(t, uint32(eng.cfg.Execution.MaxLLMCalls), l.MaxLLMCalls)

	l = eng.limits(map[string]any{"timeout_ms": float64(100)})
	assert.Equal(t, 100*time.Millisecond, l.Timeout)
}

func TestCompletedExecutionRecordDeleted(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	res := eng.Execute(ctx, ExecuteRequest{
		TenantID: "t1",
		Code:     `return await atp.llm.call({prompt: "hi"});`,
	})
	require.True(t, res.Paused())
	execID := res.ExecutionID

	res = eng.Resume(ctx, ResumeRequest{TenantID: "t1", ExecutionID: execID, Result: "x"})
	require.True(t, res.Completed())

	res = eng.Resume(ctx, ResumeRequest{TenantID: "t1", ExecutionID: execID, Result: "y"})
	require.NotNil(t, res.Err)
	assert.Equal(t, KindNotFound, res.Err.Kind)
}
