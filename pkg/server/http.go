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

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	atp "github.com/kadirpekel/atp"
	"github.com/kadirpekel/atp/pkg/engine"
	"github.com/kadirpekel/atp/pkg/provenance"
	"github.com/kadirpekel/atp/pkg/sandbox"
	"github.com/kadirpekel/atp/pkg/sequencer"
	"github.com/kadirpekel/atp/pkg/session"
	"github.com/kadirpekel/atp/pkg/tool"
)

// executeRequest is the /execute request body.
type executeRequest struct {
	Code            string         `json:"code"`
	Config          map[string]any `json:"config,omitempty"`
	ProvenanceHints []string       `json:"provenance_hints,omitempty"`
}

// resumeRequest is the /resume/{exec_id} request body. Result resolves a
// single pending callback, Results a batch.
type resumeRequest struct {
	Result  any                `json:"result,omitempty"`
	Results []engine.SubResult `json:"results,omitempty"`
}

// callbackView is the pending callback as shown to the client. The replay
// bookkeeping fields of the stored record stay server-side.
type callbackView struct {
	Seq       uint32         `json:"sequence_number"`
	Kind      sequencer.Kind `json:"kind"`
	Operation string         `json:"operation"`
	Payload   any            `json:"payload,omitempty"`
}

// executionResponse is the /execute and /resume response body.
type executionResponse struct {
	Status      sandbox.Status        `json:"status"`
	ExecutionID string                `json:"execution_id,omitempty"`
	Result      any                   `json:"result,omitempty"`
	Stats       *statsView            `json:"stats,omitempty"`
	Tokens      []provenance.TokenRef `json:"provenance_tokens,omitempty"`
	Callback    *callbackView         `json:"callback,omitempty"`
	Batch       []sequencer.BatchItem `json:"batch,omitempty"`
	Error       *engine.Error         `json:"error,omitempty"`
}

type statsView struct {
	DurationMS    int64  `json:"duration_ms"`
	MemoryUsed    uint64 `json:"memory_used"`
	LLMCalls      uint32 `json:"llm_calls"`
	ApprovalCalls uint32 `json:"approval_calls"`
}

// handleInfo advertises the server version and its execution limits.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ex := s.cfg.Execution
	writeJSON(w, http.StatusOK, map[string]any{
		"version": atp.Version,
		"limits": map[string]any{
			"timeout_ms":       ex.Timeout.Milliseconds(),
			"max_memory_bytes": ex.MaxMemoryBytes,
			"max_llm_calls":    ex.MaxLLMCalls,
			"max_code_size":    ex.MaxCodeSize,
		},
		"provenance_mode": s.cfg.Provenance.Mode,
		"stats": map[string]any{
			"executions_total": s.lifecycle.total.Load(),
			"success_rate":     rate(s.lifecycle.completed.Load(), s.lifecycle.total.Load()),
			"expired_rate":     rate(s.lifecycle.expired.Load(), s.lifecycle.total.Load()),
		},
	})
}

// handleInit creates a session and issues its first token.
func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req session.InitRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	sess, err := s.sessions.Init(req)
	if err != nil {
		s.writeError(w, engine.NewError(engine.KindValidationFailed, "%v", err))
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleDefinitions renders the atp.* and api.* declaration text for the
// session's registered services and tools.
func (s *Server) handleDefinitions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenantID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	services, clientTools := s.sessionView(tenantID)
	registry, err := tool.NewRegistry(r.Context(), s.sources, clientTools)
	if err != nil {
		s.writeError(w, engine.NewError(engine.KindInternal, "failed to build tool registry: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(tool.Definitions(services, registry)))
}

// handleExecute starts a fresh execution for the authenticated tenant.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenantID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req executeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		s.writeError(w, engine.NewError(engine.KindValidationFailed, "code is required"))
		return
	}

	_, clientTools := s.sessionView(tenantID)
	res := s.engine.Execute(r.Context(), engine.ExecuteRequest{
		TenantID:        tenantID,
		Code:            req.Code,
		Config:          req.Config,
		ProvenanceHints: req.ProvenanceHints,
		ClientTools:     clientTools,
	})
	s.writeResult(w, r, tenantID, res)
}

// handleResume resolves a pending callback and re-runs the execution.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	executionID := strings.TrimPrefix(r.URL.Path, "/resume/")
	if executionID == "" || strings.Contains(executionID, "/") {
		http.NotFound(w, r)
		return
	}
	tenantID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	// An execution bound to another tenant on this instance is forbidden
	// outright; cross-instance ownership is enforced by the tenant-scoped
	// record key, which makes a foreign execution not found.
	if owner, bound := s.sessions.ExecutionOwner(executionID); bound {
		if err := s.sessions.AuthorizeResume(tenantID, owner); err != nil {
			s.writeError(w, engine.NewError(engine.KindForbidden, "%v", err))
			return
		}
	}

	var req resumeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	res := s.engine.Resume(r.Context(), engine.ResumeRequest{
		TenantID:    tenantID,
		ExecutionID: executionID,
		Result:      req.Result,
		Results:     req.Results,
	})
	s.writeResult(w, r, tenantID, res)
}

// handleDisconnect destroys the tenant's sessions and revokes the token.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenantID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	s.sessions.Disconnect(tenantID, bearerToken(r))
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authenticate validates the bearer token against the tenant header and
// rotates the sliding-window token onto the response. A false return means
// the error response has been written.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID, fresh, expiresAt, err := s.sessions.Authenticate(bearerToken(r), r.Header.Get("X-Tenant-Id"))
	if err != nil {
		kind := engine.KindUnauthenticated
		if errors.Is(err, session.ErrForbidden) {
			kind = engine.KindForbidden
		}
		s.writeError(w, engine.NewError(kind, "%v", err))
		return "", false
	}
	w.Header().Set("X-Session-Token", fresh)
	w.Header().Set("X-Session-Token-Expires", expiresAt.UTC().Format(time.RFC3339))
	return tenantID, true
}

// sessionView resolves the tenant's registered services and client tools.
// A resume landing on an instance that never saw the session still works:
// client tools replay from the persisted record, and definitions degrade to
// the full service surface.
func (s *Server) sessionView(tenantID string) (map[string]bool, []tool.ClientTool) {
	if sess, ok := s.sessions.SessionForTenant(tenantID); ok {
		return sess.RegisteredServices, sess.RegisteredTools
	}
	return map[string]bool{
		session.ServiceLLM:       true,
		session.ServiceApproval:  true,
		session.ServiceEmbedding: true,
	}, nil
}

// decodeBody reads a JSON body bounded by max_body_bytes. A false return
// means the error response has been written.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, executionResponse{
				Status: sandbox.StatusFailed,
				Error:  engine.NewError(engine.KindValidationFailed, "request body exceeds %d bytes", tooLarge.Limit),
			})
			return false
		}
		s.writeError(w, engine.NewError(engine.KindValidationFailed, "invalid request body: %v", err))
		return false
	}
	return true
}

// writeResult maps an engine result onto the wire: completed and paused are
// 200, failures carry the kind's HTTP status.
func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, tenantID string, res *engine.Result) {
	switch {
	case res.Completed():
		s.sessions.UnbindExecution(res.ExecutionID)
		s.recordExecution(r, res)
		writeJSON(w, http.StatusOK, executionResponse{
			Status:      res.Status,
			ExecutionID: res.ExecutionID,
			Result:      res.Value,
			Stats:       statsOf(res),
			Tokens:      res.Tokens,
		})

	case res.Paused():
		s.sessions.BindExecution(res.ExecutionID, tenantID)
		resp := executionResponse{
			Status:      res.Status,
			ExecutionID: res.ExecutionID,
		}
		if res.Pending.IsBatch() {
			resp.Batch = res.Pending.Batch
		} else {
			resp.Callback = &callbackView{
				Seq:       res.Pending.Seq,
				Kind:      res.Pending.Kind,
				Operation: res.Pending.Operation,
				Payload:   res.Pending.Payload,
			}
		}
		writeJSON(w, http.StatusOK, resp)

	default:
		s.sessions.UnbindExecution(res.ExecutionID)
		s.recordExecution(r, res)
		writeJSON(w, httpStatus(res.Err.Kind), executionResponse{
			Status:      res.Status,
			ExecutionID: res.ExecutionID,
			Stats:       statsOf(res),
			Error:       res.Err,
		})
	}
}

// writeError reports a failure that never reached the sandbox.
func (s *Server) writeError(w http.ResponseWriter, err *engine.Error) {
	writeJSON(w, httpStatus(err.Kind), executionResponse{
		Status: sandbox.StatusFailed,
		Error:  err,
	})
}

func (s *Server) recordExecution(r *http.Request, res *engine.Result) {
	status := string(res.Status)
	if res.Err != nil {
		status = string(res.Err.Kind)
	}
	s.metrics.RecordExecution(r.Context(), status, res.Stats.Duration.Seconds())

	s.lifecycle.total.Add(1)
	if res.Completed() {
		s.lifecycle.completed.Add(1)
	}
	if res.Err != nil && res.Err.Kind == engine.KindExpired {
		s.lifecycle.expired.Add(1)
	}
}

func rate(part, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total)
}

// httpStatus maps an error kind to its HTTP status code. Runtime failures
// of an accepted execution report through the body, not the status line.
func httpStatus(kind engine.ErrorKind) int {
	switch kind {
	case engine.KindValidationFailed, engine.KindParseError, engine.KindStaleResume:
		return http.StatusBadRequest
	case engine.KindUnauthenticated:
		return http.StatusUnauthorized
	case engine.KindForbidden:
		return http.StatusForbidden
	case engine.KindNotFound, engine.KindExpired:
		return http.StatusNotFound
	case engine.KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}

func statsOf(res *engine.Result) *statsView {
	return &statsView{
		DurationMS:    res.Stats.Duration.Milliseconds(),
		MemoryUsed:    res.Stats.MemoryUsed,
		LLMCalls:      res.Stats.LLMCalls,
		ApprovalCalls: res.Stats.ApprovalCalls,
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	return strings.TrimPrefix(header, "Bearer ")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
