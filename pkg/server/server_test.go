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
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/atp/pkg/config"
	"github.com/kadirpekel/atp/pkg/engine"
	"github.com/kadirpekel/atp/pkg/session"
	"github.com/kadirpekel/atp/pkg/statestore"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testServer struct {
	t       *testing.T
	handler http.Handler
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()

	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Session.Secret = testSecret
	cfg.Provenance.Mode = config.ProvenanceModeNone
	for _, m := range mutate {
		m(cfg)
	}

	sessions, err := session.NewManager([]byte(cfg.Session.Secret), cfg.Session.TokenTTL)
	require.NoError(t, err)

	store := statestore.NewManager(statestore.NewMemoryStore(), time.Hour, time.Hour, nil)
	eng := engine.New(cfg, store, nil, nil)
	srv := New(cfg, sessions, eng, nil)
	return &testServer{t: t, handler: srv.setupRoutes()}
}

func (ts *testServer) do(method, path, token string, body any) *httptest.ResponseRecorder {
	ts.t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(ts.t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func (ts *testServer) initSession(tenantID string, services ...string) string {
	ts.t.Helper()

	w := ts.do(http.MethodPost, "/init", "", map[string]any{
		"tenant_id": tenantID,
		"services":  services,
	})
	require.Equal(ts.t, http.StatusOK, w.Code)
	body := decode(ts.t, w)
	token, _ := body["token"].(string)
	require.NotEmpty(ts.t, token)
	return token
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func errorKind(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()

	body := decode(t, w)
	errObj, _ := body["error"].(map[string]any)
	require.NotNil(t, errObj, "expected an error body, got %s", w.Body.String())
	kind, _ := errObj["kind"].(string)
	return kind
}

func TestInfoAdvertisesVersionAndLimits(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/info", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.NotEmpty(t, body["version"])
	limits, ok := body["limits"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 50, limits["max_llm_calls"])
	assert.EqualValues(t, 60_000, limits["timeout_ms"])
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestInitRejectsUnknownService(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/init", "", map[string]any{
		"tenant_id": "t1",
		"services":  []string{"telepathy"},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_failed", errorKind(t, w))
}

func TestExecuteRequiresAuth(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/execute", "", map[string]any{"code": "return 1;"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthenticated", errorKind(t, w))
}

func TestTenantHeaderMismatchForbidden(t *testing.T) {
	ts := newTestServer(t)
	token := ts.initSession("t1")

	req := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(`{"code":"return 1;"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Tenant-Id", "t2")
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", errorKind(t, w))
}

func TestExecuteCompletesSynchronousCode(t *testing.T) {
	ts := newTestServer(t)
	token := ts.initSession("t1")

	w := ts.do(http.MethodPost, "/execute", token, map[string]any{"code": "return 1 + 2;"})
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "completed", body["status"])
	assert.EqualValues(t, 3, body["result"])
	assert.NotEmpty(t, body["execution_id"])
	assert.NotEmpty(t, w.Header().Get("X-Session-Token"))
	assert.NotEmpty(t, w.Header().Get("X-Session-Token-Expires"))
}

func TestExecutePauseAndResumeFlow(t *testing.T) {
	ts := newTestServer(t)
	token := ts.initSession("t1", "llm")

	w := ts.do(http.MethodPost, "/execute", token, map[string]any{
		"code": `const r = await atp.llm.call({prompt: "Say hello in 2 words"}); return {r: r};`,
	})
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	require.Equal(t, "paused", body["status"])
	execID, _ := body["execution_id"].(string)
	require.NotEmpty(t, execID)

	callback, ok := body["callback"].(map[string]any)
	require.True(t, ok, "expected a single callback, got %s", w.Body.String())
	assert.Equal(t, "llm", callback["kind"])
	assert.Equal(t, "call", callback["operation"])
	payload, _ := callback["payload"].(map[string]any)
	assert.Equal(t, "Say hello in 2 words", payload["prompt"])

	// Adopt the rotated sliding-window token for the resume.
	rotated := w.Header().Get("X-Session-Token")
	require.NotEmpty(t, rotated)

	w = ts.do(http.MethodPost, "/resume/"+execID, rotated, map[string]any{
		"result": "Hello world",
	})
	require.Equal(t, http.StatusOK, w.Code)

	body = decode(t, w)
	assert.Equal(t, "completed", body["status"])
	result, _ := body["result"].(map[string]any)
	assert.Equal(t, "Hello world", result["r"])
	stats, _ := body["stats"].(map[string]any)
	require.NotNil(t, stats)
	assert.EqualValues(t, 1, stats["llm_calls"])
}

func TestResumeUnknownExecutionNotFound(t *testing.T) {
	ts := newTestServer(t)
	token := ts.initSession("t1")

	w := ts.do(http.MethodPost, "/resume/no-such-execution", token, map[string]any{"result": "x"})
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", errorKind(t, w))
}

func TestCrossTenantResumeForbidden(t *testing.T) {
	ts := newTestServer(t)
	t1 := ts.initSession("t1", "llm")
	t2 := ts.initSession("t2", "llm")

	w := ts.do(http.MethodPost, "/execute", t1, map[string]any{
		"code": `return await atp.llm.call({prompt: "hi"});`,
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	require.Equal(t, "paused", body["status"])
	execID, _ := body["execution_id"].(string)

	w = ts.do(http.MethodPost, "/resume/"+execID, t2, map[string]any{"result": "stolen"})
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", errorKind(t, w))

	// The rightful owner still resumes.
	w = ts.do(http.MethodPost, "/resume/"+execID, t1, map[string]any{"result": "hello"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "completed", decode(t, w)["status"])
}

func TestOversizedBodyRejected(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.MaxBodyBytes = 64
	})
	token := ts.initSession("t1")

	w := ts.do(http.MethodPost, "/execute", token, map[string]any{
		"code": "return " + strings.Repeat("1 + ", 100) + "1;",
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestParseErrorReportsBadRequest(t *testing.T) {
	ts := newTestServer(t)
	token := ts.initSession("t1")

	w := ts.do(http.MethodPost, "/execute", token, map[string]any{"code": "return ((("})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "parse_error", errorKind(t, w))
}

func TestDefinitionsRequiresAuth(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/definitions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDefinitionsFilteredByRegisteredServices(t *testing.T) {
	ts := newTestServer(t)
	token := ts.initSession("t1", "llm")

	w := ts.do(http.MethodGet, "/definitions", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	text := w.Body.String()
	assert.Contains(t, text, "const llm")
	assert.Contains(t, text, "const cache")
	assert.NotContains(t, text, "const approval")
}

func TestDisconnectRevokesToken(t *testing.T) {
	ts := newTestServer(t)
	token := ts.initSession("t1")

	w := ts.do(http.MethodPost, "/disconnect", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(http.MethodPost, "/execute", token, map[string]any{"code": "return 1;"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthenticated", errorKind(t, w))
}

func TestMetricsDisabledByDefault(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
