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
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/kadirpekel/atp/pkg/logger"
)

// Mode selects the taint-tracking mechanism.
type Mode string

const (
	// ModeProxy wraps tool return values so property reads propagate
	// metadata to new objects.
	ModeProxy Mode = "proxy"
	// ModeAST instruments operators and calls in the transformed code.
	ModeAST Mode = "ast"
	// ModeNone disables taint tracking.
	ModeNone Mode = "none"
)

// Config carries the engine's tuning knobs.
type Config struct {
	Mode          Mode
	Secret        []byte
	TokenTTL      time.Duration
	MetadataTTL   time.Duration
	FetchTimeout  time.Duration
	MaxTokens     int
	RecipientKeys []string
}

// TokenRef binds an issued provenance token to the result path it covers.
type TokenRef struct {
	Path  string `json:"path"`
	Token string `json:"token"`
}

// Engine evaluates security policies at tool-call sites and moves taint
// across the client boundary as signed tokens.
type Engine struct {
	cfg      Config
	cache    MetadataCache
	policies []Policy
	log      *slog.Logger
	now      func() time.Time
}

// NewEngine creates a provenance engine. Policies evaluate in the given
// order.
func NewEngine(cfg Config, cache MetadataCache, policies ...Policy) *Engine {
	return &Engine{
		cfg:      cfg,
		cache:    cache,
		policies: policies,
		log:      logger.GetLogger(),
		now:      time.Now,
	}
}

// DefaultPolicies builds the built-in policy chain in its standard order.
func DefaultPolicies(recipientKeys []string, destructiveOps map[string]bool) []Policy {
	return []Policy{
		&ExfiltrationPolicy{RecipientKeys: recipientKeys},
		&UserOriginPolicy{DestructiveOps: destructiveOps},
		&LLMRecipientPolicy{RecipientKeys: recipientKeys},
		NewAuditPolicy(),
	}
}

// Enabled reports whether taint tracking is active.
func (e *Engine) Enabled() bool { return e.cfg.Mode != ModeNone && e.cfg.Mode != "" }

// ASTMode reports whether the transformer must emit taint hooks.
func (e *Engine) ASTMode() bool { return e.cfg.Mode == ModeAST }

// ProxyMode reports whether the bridge must wrap tool returns in proxies.
func (e *Engine) ProxyMode() bool { return e.cfg.Mode == ModeProxy }

// RecipientKeys returns the configured recipient parameter names.
func (e *Engine) RecipientKeys() []string { return e.cfg.RecipientKeys }

// CheckToolCall runs the policy chain for one tool invocation.
func (e *Engine) CheckToolCall(in Input) Decision {
	if !e.Enabled() {
		return Decision{Action: ActionAllow}
	}
	return Evaluate(e.policies, in)
}

// TagToolResult creates metadata for a tool-call return value and registers
// its primitive leaves in the execution's registry.
func (e *Engine) TagToolResult(reg *Registry, value any, toolName string, readers Readers) *Metadata {
	meta := NewMetadata(Source{
		Kind:      SourceTool,
		ToolName:  toolName,
		Timestamp: e.now(),
	}, readers)
	reg.Tag(value, meta)
	return meta
}

// TagLLMResult registers an LLM completion's taint.
func (e *Engine) TagLLMResult(reg *Registry, value any) *Metadata {
	meta := NewMetadata(Source{Kind: SourceLLM, Timestamp: e.now()},
		Readers{Kind: ReadersPublic})
	reg.Tag(value, meta)
	return meta
}

// VerifyHints validates client-supplied provenance tokens and rebuilds the
// taint registry from them. Invalid hints are dropped with a warning, not
// fatal: the client may echo stale tokens from expired executions. Returns
// the number of hints accepted.
func (e *Engine) VerifyHints(ctx context.Context, tenantID string, hints []string, reg *Registry) int {
	if !e.Enabled() || len(hints) == 0 {
		return 0
	}
	accepted := 0
	for _, hint := range hints {
		payload, err := VerifyToken(e.cfg.Secret, hint, tenantID, e.now())
		if err != nil {
			e.log.Warn("dropping provenance hint", "error", err)
			continue
		}
		meta, err := e.fetchMetadata(ctx, tenantID, payload.MetadataRef)
		if err != nil {
			e.log.Warn("dropping provenance hint, metadata unavailable",
				"ref", payload.MetadataRef, "error", err)
			continue
		}
		reg.TagDigest(payload.ValueDigest, meta)
		accepted++
	}
	return accepted
}

// fetchMetadata bounds every cache read so a slow shared backend cannot
// stall the request path.
func (e *Engine) fetchMetadata(ctx context.Context, tenantID, ref string) (*Metadata, error) {
	timeout := e.cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return e.cache.Get(fetchCtx, tenantID, ref)
}

// EmitTokens walks a completed execution's result and issues one token per
// distinct tagged primitive, bounded by max_tokens. Metadata is published
// to the shared cache so a later request on any instance can resolve the
// reference.
func (e *Engine) EmitTokens(ctx context.Context, tenantID, execID string, result any, reg *Registry) []TokenRef {
	if !e.Enabled() {
		return nil
	}
	var (
		tokens []TokenRef
		seen   = make(map[string]bool)
	)
	e.emitWalk(ctx, tenantID, execID, "$", result, reg, seen, &tokens)
	return tokens
}

func (e *Engine) emitWalk(ctx context.Context, tenantID, execID, path string, value any, reg *Registry, seen map[string]bool, out *[]TokenRef) {
	if e.cfg.MaxTokens > 0 && len(*out) >= e.cfg.MaxTokens {
		return
	}
	switch t := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			e.emitWalk(ctx, tenantID, execID, path+"."+k, t[k], reg, seen, out)
		}
	case []any:
		for i, item := range t {
			e.emitWalk(ctx, tenantID, execID, fmt.Sprintf("%s[%d]", path, i), item, reg, seen, out)
		}
	case nil:
	default:
		digest := Digest(value)
		meta, ok := reg.LookupDigest(digest)
		if !ok || seen[digest] {
			return
		}
		seen[digest] = true
		if err := e.cache.Put(ctx, tenantID, meta.ID, meta, e.cfg.MetadataTTL); err != nil {
			e.log.Warn("failed to publish provenance metadata", "error", err)
			return
		}
		now := e.now()
		token, err := SignToken(e.cfg.Secret, TokenPayload{
			TenantID:    tenantID,
			ExecutionID: execID,
			IssuedAt:    now.Unix(),
			ExpiresAt:   now.Add(e.cfg.TokenTTL).Unix(),
			ValueDigest: digest,
			MetadataRef: meta.ID,
		})
		if err != nil {
			e.log.Warn("failed to sign provenance token", "error", err)
			return
		}
		*out = append(*out, TokenRef{Path: path, Token: token})
	}
}
