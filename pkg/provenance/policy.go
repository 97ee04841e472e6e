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
	"fmt"
	"log/slog"

	"github.com/kadirpekel/atp/pkg/logger"
)

// Action is a policy verdict.
type Action string

const (
	// ActionAllow lets the tool call proceed.
	ActionAllow Action = "allow"
	// ActionLog lets the call proceed but records an audit entry.
	ActionLog Action = "log"
	// ActionBlock refuses the call; execution fails with security_violation.
	ActionBlock Action = "block"
	// ActionApprove pauses with an approval request to the client.
	ActionApprove Action = "approve"
)

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Action Action `json:"action"`
	Policy string `json:"policy,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Allowed reports whether the call may proceed without pausing.
func (d Decision) Allowed() bool { return d.Action == ActionAllow || d.Action == ActionLog }

// Input is what a policy sees at a tool-call site.
type Input struct {
	Tool string
	Args map[string]any

	// Provenance resolves the taint of an argument value.
	Provenance func(value any) []*Metadata
}

// Policy is one security rule evaluated before every tool invocation.
type Policy interface {
	Name() string
	Evaluate(in Input) Decision
}

// Evaluate runs policies in registration order and returns the first
// non-allow decision, or allow.
func Evaluate(policies []Policy, in Input) Decision {
	for _, p := range policies {
		if d := p.Evaluate(in); d.Action != ActionAllow {
			d.Policy = p.Name()
			return d
		}
	}
	return Decision{Action: ActionAllow}
}

// recipientOf extracts the first recipient-typed parameter as a string.
func recipientOf(args map[string]any, keys []string) (string, bool) {
	for _, key := range keys {
		if v, ok := args[key]; ok {
			if s, ok := v.(string); ok {
				return s, true
			}
			return fmt.Sprintf("%v", v), true
		}
	}
	return "", false
}

// ---------------------------------------------------------------------------
// prevent_data_exfiltration
// ---------------------------------------------------------------------------

// ExfiltrationPolicy blocks a call when any argument carries
// restricted-reader metadata that does not admit the call's recipient.
type ExfiltrationPolicy struct {
	RecipientKeys []string
}

var _ Policy = (*ExfiltrationPolicy)(nil)

func (p *ExfiltrationPolicy) Name() string { return "prevent_data_exfiltration" }

func (p *ExfiltrationPolicy) Evaluate(in Input) Decision {
	recipient, hasRecipient := recipientOf(in.Args, p.RecipientKeys)
	for name, arg := range in.Args {
		for _, meta := range in.Provenance(arg) {
			if !meta.Restricted() {
				continue
			}
			if hasRecipient && meta.Readers.Admits(recipient, in.Tool) {
				continue
			}
			if !hasRecipient && meta.Readers.Admits("", in.Tool) {
				continue
			}
			return Decision{
				Action: ActionBlock,
				Reason: fmt.Sprintf("argument %q carries restricted data not readable by the call's recipient", name),
			}
		}
	}
	return Decision{Action: ActionAllow}
}

// ---------------------------------------------------------------------------
// require_user_origin
// ---------------------------------------------------------------------------

// UserOriginPolicy blocks destructive operations unless every tainted
// argument traces back to user or system origin.
type UserOriginPolicy struct {
	// DestructiveOps lists the tool names the policy covers.
	DestructiveOps map[string]bool
}

var _ Policy = (*UserOriginPolicy)(nil)

func (p *UserOriginPolicy) Name() string { return "require_user_origin" }

func (p *UserOriginPolicy) Evaluate(in Input) Decision {
	if !p.DestructiveOps[in.Tool] {
		return Decision{Action: ActionAllow}
	}
	for name, arg := range in.Args {
		for _, meta := range in.Provenance(arg) {
			if meta.Source.Kind == SourceUser || meta.Source.Kind == SourceSystem {
				continue
			}
			return Decision{
				Action: ActionBlock,
				Reason: fmt.Sprintf("destructive operation %q received argument %q of %s origin", in.Tool, name, meta.Source.Kind),
			}
		}
	}
	return Decision{Action: ActionAllow}
}

// ---------------------------------------------------------------------------
// block_llm_recipients
// ---------------------------------------------------------------------------

// LLMRecipientPolicy blocks calls whose recipient-typed parameter itself
// carries LLM-origin taint, stopping a model from choosing who data goes to.
type LLMRecipientPolicy struct {
	RecipientKeys []string
}

var _ Policy = (*LLMRecipientPolicy)(nil)

func (p *LLMRecipientPolicy) Name() string { return "block_llm_recipients" }

func (p *LLMRecipientPolicy) Evaluate(in Input) Decision {
	for _, key := range p.RecipientKeys {
		v, ok := in.Args[key]
		if !ok {
			continue
		}
		for _, meta := range in.Provenance(v) {
			if meta.Source.Kind == SourceLLM {
				return Decision{
					Action: ActionBlock,
					Reason: fmt.Sprintf("recipient parameter %q has llm-origin taint", key),
				}
			}
		}
	}
	return Decision{Action: ActionAllow}
}

// ---------------------------------------------------------------------------
// audit_sensitive_access
// ---------------------------------------------------------------------------

// AuditPolicy is log-only: it records tool calls touching tainted data and
// always lets them proceed.
type AuditPolicy struct {
	log *slog.Logger
}

var _ Policy = (*AuditPolicy)(nil)

func NewAuditPolicy() *AuditPolicy {
	return &AuditPolicy{log: logger.GetLogger()}
}

func (p *AuditPolicy) Name() string { return "audit_sensitive_access" }

func (p *AuditPolicy) Evaluate(in Input) Decision {
	tainted := 0
	for _, arg := range in.Args {
		tainted += len(in.Provenance(arg))
	}
	if tainted == 0 {
		return Decision{Action: ActionAllow}
	}
	p.log.Info("sensitive data access",
		"tool", in.Tool,
		"tainted_args", tainted)
	return Decision{Action: ActionLog, Reason: "tainted arguments observed"}
}
