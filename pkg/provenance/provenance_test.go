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

package provenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestDigestStability(t *testing.T) {
	// Key order must not matter.
	a := map[string]any{"b": 1, "a": "x"}
	b := map[string]any{"a": "x", "b": 1}
	assert.Equal(t, Digest(a), Digest(b))

	// Integral floats digest like integers; JSON decodes numbers as float64.
	assert.Equal(t, Digest(42), Digest(float64(42)))

	assert.NotEqual(t, Digest("alice"), Digest("bob"))
	assert.NotEqual(t, Digest([]any{1, 2}), Digest([]any{2, 1}))
}

func TestTokenRoundTrip(t *testing.T) {
	now := time.Now()
	token, err := SignToken(testSecret, TokenPayload{
		TenantID:    "t1",
		ExecutionID: "e1",
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(time.Hour).Unix(),
		ValueDigest: Digest("alice@example.com"),
		MetadataRef: "ref-1",
	})
	require.NoError(t, err)

	payload, err := VerifyToken(testSecret, token, "t1", now)
	require.NoError(t, err)
	assert.Equal(t, "e1", payload.ExecutionID)
	assert.Equal(t, "ref-1", payload.MetadataRef)
	assert.Equal(t, TokenVersion, payload.Version)
}

func TestTokenVerifyFailures(t *testing.T) {
	now := time.Now()
	token, err := SignToken(testSecret, TokenPayload{
		TenantID:  "t1",
		ExpiresAt: now.Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	_, err = VerifyToken([]byte("another-secret-of-32-bytes-long!"), token, "t1", now)
	assert.ErrorIs(t, err, ErrTokenSignature)

	_, err = VerifyToken(testSecret, token, "t2", now)
	assert.ErrorIs(t, err, ErrTokenTenant)

	_, err = VerifyToken(testSecret, token, "t1", now.Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrTokenExpired)

	_, err = VerifyToken(testSecret, "garbage", "t1", now)
	assert.ErrorIs(t, err, ErrTokenMalformed)
}

func TestReadersAdmits(t *testing.T) {
	public := Readers{Kind: ReadersPublic}
	assert.True(t, public.Admits("anyone", "any_tool"))

	restricted := Readers{Kind: ReadersRestricted, Readers: []string{"alice@example.com", ToolReader("crm")}}
	assert.True(t, restricted.Admits("alice@example.com", "send_email"))
	assert.False(t, restricted.Admits("bob@example.com", "send_email"))
	// tool:{name} admits re-flow within the same tool only.
	assert.True(t, restricted.Admits("bob@example.com", "crm"))
}

func TestRegistryCollectsNestedTaint(t *testing.T) {
	reg := NewRegistry()
	meta := NewMetadata(Source{Kind: SourceTool, ToolName: "crm"},
		Readers{Kind: ReadersRestricted, Readers: []string{"alice@example.com"}})
	reg.Tag(map[string]any{"email": "alice@example.com", "age": float64(30)}, meta)

	assert.True(t, reg.Tainted("alice@example.com"))
	assert.False(t, reg.Tainted("bob@example.com"))

	// Digest match finds the primitive nested inside a fresh container.
	metas := reg.Collect(map[string]any{"to": "alice@example.com"})
	require.Len(t, metas, 1)
	assert.Equal(t, meta.ID, metas[0].ID)

	// Dedup: two tainted leaves from the same source yield one entry.
	metas = reg.Collect([]any{"alice@example.com", float64(30)})
	assert.Len(t, metas, 1)
}

func TestExfiltrationPolicyBlocksRestrictedRecipient(t *testing.T) {
	reg := NewRegistry()
	meta := NewMetadata(Source{Kind: SourceTool, ToolName: "crm"},
		Readers{Kind: ReadersRestricted, Readers: []string{"alice@example.com"}})
	reg.Tag("alice-secret", meta)

	policy := &ExfiltrationPolicy{RecipientKeys: []string{"to", "recipient", "email"}}

	// Restricted value sent to an unauthorized recipient: block.
	d := policy.Evaluate(Input{
		Tool:       "send_email",
		Args:       map[string]any{"to": "eve@example.com", "body": "alice-secret"},
		Provenance: reg.Collect,
	})
	assert.Equal(t, ActionBlock, d.Action)

	// Same value to its authorized reader: allow.
	d = policy.Evaluate(Input{
		Tool:       "send_email",
		Args:       map[string]any{"to": "alice@example.com", "body": "alice-secret"},
		Provenance: reg.Collect,
	})
	assert.Equal(t, ActionAllow, d.Action)
}

func TestExfiltrationPolicyRestrictedValueAsRecipient(t *testing.T) {
	// Spec scenario: a restricted-reader value used AS the `to` parameter.
	reg := NewRegistry()
	meta := NewMetadata(Source{Kind: SourceTool, ToolName: "lookup"},
		Readers{Kind: ReadersRestricted, Readers: []string{"alice@example.com"}})
	reg.Tag("bob@hidden.example", meta)

	policy := &ExfiltrationPolicy{RecipientKeys: []string{"to"}}
	d := policy.Evaluate(Input{
		Tool:       "send_email",
		Args:       map[string]any{"to": "bob@hidden.example"},
		Provenance: reg.Collect,
	})
	assert.Equal(t, ActionBlock, d.Action)
}

func TestUserOriginPolicy(t *testing.T) {
	reg := NewRegistry()
	llmMeta := NewMetadata(Source{Kind: SourceLLM}, Readers{Kind: ReadersPublic})
	reg.Tag("llm-suggested-id", llmMeta)

	policy := &UserOriginPolicy{DestructiveOps: map[string]bool{"delete_record": true}}

	d := policy.Evaluate(Input{
		Tool:       "delete_record",
		Args:       map[string]any{"id": "llm-suggested-id"},
		Provenance: reg.Collect,
	})
	assert.Equal(t, ActionBlock, d.Action)

	// Non-destructive tool is out of scope.
	d = policy.Evaluate(Input{
		Tool:       "read_record",
		Args:       map[string]any{"id": "llm-suggested-id"},
		Provenance: reg.Collect,
	})
	assert.Equal(t, ActionAllow, d.Action)

	// Untainted argument passes.
	d = policy.Evaluate(Input{
		Tool:       "delete_record",
		Args:       map[string]any{"id": "user-typed-id"},
		Provenance: reg.Collect,
	})
	assert.Equal(t, ActionAllow, d.Action)
}

func TestLLMRecipientPolicy(t *testing.T) {
	reg := NewRegistry()
	reg.Tag("attacker@evil.example", NewMetadata(Source{Kind: SourceLLM}, Readers{Kind: ReadersPublic}))

	policy := &LLMRecipientPolicy{RecipientKeys: []string{"to", "recipient"}}
	d := policy.Evaluate(Input{
		Tool:       "send_email",
		Args:       map[string]any{"to": "attacker@evil.example"},
		Provenance: reg.Collect,
	})
	assert.Equal(t, ActionBlock, d.Action)
}

func TestEvaluateReturnsFirstNonAllow(t *testing.T) {
	reg := NewRegistry()
	reg.Tag("tainted", NewMetadata(Source{Kind: SourceTool, ToolName: "x"},
		Readers{Kind: ReadersRestricted}))

	policies := []Policy{
		&UserOriginPolicy{DestructiveOps: map[string]bool{}},
		&ExfiltrationPolicy{RecipientKeys: []string{"to"}},
		NewAuditPolicy(),
	}
	d := Evaluate(policies, Input{
		Tool:       "send_email",
		Args:       map[string]any{"body": "tainted"},
		Provenance: reg.Collect,
	})
	assert.Equal(t, ActionBlock, d.Action)
	assert.Equal(t, "prevent_data_exfiltration", d.Policy)
}

func newTestEngine(cache MetadataCache) *Engine {
	return NewEngine(Config{
		Mode:          ModeAST,
		Secret:        testSecret,
		TokenTTL:      time.Hour,
		MetadataTTL:   time.Hour,
		FetchTimeout:  100 * time.Millisecond,
		MaxTokens:     100,
		RecipientKeys: []string{"to", "recipient", "email"},
	}, cache)
}

func TestEngineEmitAndVerifyHints(t *testing.T) {
	cache := NewMemoryCache()
	engine := newTestEngine(cache)
	ctx := context.Background()

	// Execution 1 tags a tool result and emits tokens for it.
	reg1 := NewRegistry()
	engine.TagToolResult(reg1, "alice@example.com", "crm",
		Readers{Kind: ReadersRestricted, Readers: []string{"alice@example.com"}})

	result := map[string]any{"email": "alice@example.com", "plain": "untainted"}
	tokens := engine.EmitTokens(ctx, "t1", "e1", result, reg1)
	require.Len(t, tokens, 1)
	assert.Equal(t, "$.email", tokens[0].Path)

	// Execution 2 presents the token as a hint; taint is rebuilt.
	reg2 := NewRegistry()
	accepted := engine.VerifyHints(ctx, "t1", []string{tokens[0].Token}, reg2)
	assert.Equal(t, 1, accepted)
	assert.True(t, reg2.Tainted("alice@example.com"))

	// Wrong tenant cannot replay the hint.
	reg3 := NewRegistry()
	assert.Zero(t, engine.VerifyHints(ctx, "t2", []string{tokens[0].Token}, reg3))
}

func TestEngineMaxTokensBound(t *testing.T) {
	cache := NewMemoryCache()
	engine := NewEngine(Config{
		Mode: ModeAST, Secret: testSecret,
		TokenTTL: time.Hour, MetadataTTL: time.Hour, MaxTokens: 2,
	}, cache)

	reg := NewRegistry()
	values := map[string]any{"a": "v1", "b": "v2", "c": "v3"}
	engine.TagToolResult(reg, values, "bulk", Readers{Kind: ReadersPublic})

	tokens := engine.EmitTokens(context.Background(), "t1", "e1", values, reg)
	assert.Len(t, tokens, 2)
}

func TestEngineDisabledMode(t *testing.T) {
	engine := NewEngine(Config{Mode: ModeNone}, NewMemoryCache())
	assert.False(t, engine.Enabled())

	d := engine.CheckToolCall(Input{Tool: "anything", Args: map[string]any{}})
	assert.Equal(t, ActionAllow, d.Action)
	assert.Nil(t, engine.EmitTokens(context.Background(), "t", "e", "v", NewRegistry()))
}

func TestMemoryCacheTTL(t *testing.T) {
	cache := NewMemoryCache()
	base := time.Now()
	cache.now = func() time.Time { return base }

	meta := NewMetadata(Source{Kind: SourceTool}, Readers{Kind: ReadersPublic})
	require.NoError(t, cache.Put(context.Background(), "t1", "r1", meta, time.Minute))

	got, err := cache.Get(context.Background(), "t1", "r1")
	require.NoError(t, err)
	assert.Equal(t, meta.ID, got.ID)

	cache.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err = cache.Get(context.Background(), "t1", "r1")
	assert.ErrorIs(t, err, ErrMetadataNotFound)

	_, err = cache.Get(context.Background(), "t2", "r1")
	assert.ErrorIs(t, err, ErrMetadataNotFound, "tenant-partitioned keys")
}
