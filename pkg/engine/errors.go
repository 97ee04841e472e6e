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

import "fmt"

// ErrorKind classifies execution failures for clients. Kinds map onto HTTP
// status codes at the transport layer; the kind string itself is part of
// the wire contract.
type ErrorKind string

const (
	KindParseError        ErrorKind = "parse_error"
	KindSecurityViolation ErrorKind = "security_violation"
	KindValidationFailed  ErrorKind = "validation_failed"
	KindUnauthenticated   ErrorKind = "unauthenticated"
	KindForbidden         ErrorKind = "forbidden"
	KindNotFound          ErrorKind = "not_found"
	KindExpired           ErrorKind = "expired"
	KindTimeout           ErrorKind = "timeout"
	KindMemoryExceeded    ErrorKind = "memory_exceeded"
	KindLLMCallsExceeded  ErrorKind = "llm_calls_exceeded"
	KindApprovalDenied    ErrorKind = "approval_denied"
	KindReplayDivergence  ErrorKind = "replay_divergence"
	KindStaleResume       ErrorKind = "stale_resume"
	KindExecutionError    ErrorKind = "execution_error"
	KindCancelled         ErrorKind = "cancelled"
	KindInternal          ErrorKind = "internal"
)

// Error is a classified execution failure. No kind is retryable as-is:
// limit errors need raised limits, auth errors need fresh credentials, and
// replay divergence is fatal.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	// Policy names the security policy behind a security_violation.
	Policy    string `json:"policy,omitempty"`
	Retryable bool   `json:"retryable"`
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

// NewError builds a non-retryable classified error.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
