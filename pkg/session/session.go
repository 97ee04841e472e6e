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

// Package session manages tenant sessions and the sliding-window bearer
// tokens that authenticate every request and isolate resumes by tenant.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/atp/pkg/logger"
	"github.com/kadirpekel/atp/pkg/tool"
)

// Services a client can register callbacks for.
const (
	ServiceLLM       = "llm"
	ServiceApproval  = "approval"
	ServiceEmbedding = "embedding"
)

// Session is a tenant's active connection.
type Session struct {
	ID             string            `json:"session_id"`
	TenantID       string            `json:"tenant_id"`
	CreatedAt      time.Time         `json:"created_at"`
	Token          string            `json:"token"`
	TokenExpiresAt time.Time         `json:"token_expires_at"`

	RegisteredServices map[string]bool   `json:"registered_services"`
	RegisteredTools    []tool.ClientTool `json:"registered_tools"`
}

// HasService reports whether the session registered a callback service.
func (s *Session) HasService(name string) bool { return s.RegisteredServices[name] }

// Manager issues tokens, tracks sessions and authorizes resumes. Sessions
// are process-local; resume on another instance authenticates by token
// alone, which is why the token carries the tenant binding.
type Manager struct {
	issuer *tokenIssuer
	log    *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	// executions maps live execution IDs to their owning tenant, so a
	// cross-tenant resume on this instance is rejected as forbidden rather
	// than not found.
	executions map[string]string
	// revoked is the short-lived deny-list keyed by token signature.
	revoked map[string]time.Time

	ttl time.Duration
	now func() time.Time
}

// NewManager creates a session manager. The secret must be at least 32
// bytes; configuration validation refuses shorter ones before this point.
func NewManager(secret []byte, ttl time.Duration) (*Manager, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("session secret must be at least 32 bytes, got %d", len(secret))
	}
	return &Manager{
		issuer:     newTokenIssuer(secret, ttl),
		log:        logger.GetLogger(),
		sessions:   make(map[string]*Session),
		executions: make(map[string]string),
		revoked:    make(map[string]time.Time),
		ttl:        ttl,
		now:        time.Now,
	}, nil
}

// InitRequest registers a new session.
type InitRequest struct {
	TenantID string            `json:"tenant_id"`
	Services []string          `json:"services,omitempty"`
	Tools    []tool.ClientTool `json:"tools,omitempty"`
}

// Init creates a session and issues its first token.
func (m *Manager) Init(req InitRequest) (*Session, error) {
	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = uuid.NewString()
	}

	services := make(map[string]bool, len(req.Services))
	for _, svc := range req.Services {
		switch svc {
		case ServiceLLM, ServiceApproval, ServiceEmbedding:
			services[svc] = true
		default:
			return nil, fmt.Errorf("unknown service %q", svc)
		}
	}
	for _, t := range req.Tools {
		if err := t.Validate(); err != nil {
			return nil, err
		}
	}

	token, expiresAt, err := m.issuer.Issue(tenantID)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:                 uuid.NewString(),
		TenantID:           tenantID,
		CreatedAt:          m.now(),
		Token:              token,
		TokenExpiresAt:     expiresAt,
		RegisteredServices: services,
		RegisteredTools:    req.Tools,
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	m.log.Info("session created",
		"session_id", sess.ID,
		"tenant_id", tenantID,
		"services", req.Services,
		"tools", len(req.Tools))
	return sess, nil
}

// Authenticate validates a bearer token against the declared tenant header
// and, on success, issues the next sliding-window token. Clients must
// adopt the returned token.
func (m *Manager) Authenticate(token, declaredTenant string) (tenantID, freshToken string, expiresAt time.Time, err error) {
	if token == "" {
		return "", "", time.Time{}, fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}

	m.mu.RLock()
	_, revoked := m.revoked[signature(token)]
	m.mu.RUnlock()
	if revoked {
		return "", "", time.Time{}, fmt.Errorf("%w: token revoked", ErrUnauthenticated)
	}

	tenantID, err = m.issuer.Verify(token)
	if err != nil {
		return "", "", time.Time{}, err
	}
	if declaredTenant != "" && declaredTenant != tenantID {
		return "", "", time.Time{}, fmt.Errorf("%w: tenant header does not match token", ErrForbidden)
	}

	freshToken, expiresAt, err = m.issuer.Issue(tenantID)
	if err != nil {
		return "", "", time.Time{}, err
	}
	return tenantID, freshToken, expiresAt, nil
}

// AuthorizeResume checks that the authenticated tenant owns the execution.
func (m *Manager) AuthorizeResume(tokenTenant, recordTenant string) error {
	if tokenTenant != recordTenant {
		return fmt.Errorf("%w: execution belongs to another tenant", ErrForbidden)
	}
	return nil
}

// BindExecution records which tenant owns a paused execution. The binding
// is process-local; resumes landing on another instance authorize against
// the persisted record instead.
func (m *Manager) BindExecution(executionID, tenantID string) {
	m.mu.Lock()
	m.executions[executionID] = tenantID
	m.mu.Unlock()
}

// ExecutionOwner returns the tenant bound to an execution on this instance.
func (m *Manager) ExecutionOwner(executionID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tenant, ok := m.executions[executionID]
	return tenant, ok
}

// UnbindExecution drops the binding once an execution ends.
func (m *Manager) UnbindExecution(executionID string) {
	m.mu.Lock()
	delete(m.executions, executionID)
	m.mu.Unlock()
}

// SessionForTenant returns any live session of the tenant, used to resolve
// registered services and client tools on this instance.
func (m *Manager) SessionForTenant(tenantID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sess := range m.sessions {
		if sess.TenantID == tenantID {
			return sess, true
		}
	}
	return nil, false
}

// Disconnect destroys a tenant's sessions and revokes the presented token.
// Revocation entries expire with the token TTL; sweepRevoked trims them.
func (m *Manager) Disconnect(tenantID, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, sess := range m.sessions {
		if sess.TenantID == tenantID {
			delete(m.sessions, id)
		}
	}
	if token != "" {
		m.revoked[signature(token)] = m.now().Add(m.ttl)
	}
	m.sweepRevoked()

	m.log.Info("session disconnected", "tenant_id", tenantID)
}

func (m *Manager) sweepRevoked() {
	now := m.now()
	for sig, expires := range m.revoked {
		if now.After(expires) {
			delete(m.revoked, sig)
		}
	}
}
