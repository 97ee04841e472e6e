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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 60*time.Second, cfg.Execution.Timeout)
	assert.Equal(t, 50, cfg.Execution.MaxLLMCalls)
	assert.Equal(t, ProvenanceModeProxy, cfg.Provenance.Mode)
	assert.Equal(t, time.Hour, cfg.StateStore.TTL)
	assert.Equal(t, 30*time.Minute, cfg.StateStore.MaxPauseDuration)
}

func TestMetadataTTLNeverExceedsStateTTL(t *testing.T) {
	cfg := &Config{}
	cfg.StateStore.TTL = 10 * time.Minute
	cfg.Provenance.MetadataTTL = time.Hour
	cfg.SetDefaults()

	assert.Equal(t, 10*time.Minute, cfg.Provenance.MetadataTTL)
}

func TestValidateRejectsShortSecrets(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	cfg.Session.Secret = "too-short"
	require.Error(t, cfg.Validate())

	cfg.Session.Secret = testSecret
	cfg.Provenance.Secret = "short"
	require.Error(t, cfg.Validate())

	cfg.Provenance.Secret = testSecret
	require.NoError(t, cfg.Validate())

	// Disabled provenance needs no secret.
	cfg.Provenance.Mode = ProvenanceModeNone
	cfg.Provenance.Secret = ""
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadToolSource(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()
	cfg.Session.Secret = testSecret
	cfg.Provenance.Mode = ProvenanceModeNone

	cfg.ToolSources = []ToolSourceConfig{{Type: "mcp"}}
	require.Error(t, cfg.Validate())

	cfg.ToolSources = []ToolSourceConfig{{Name: "crm", Type: "mcp"}}
	require.Error(t, cfg.Validate(), "mcp source needs a url or command")

	cfg.ToolSources = []ToolSourceConfig{{Name: "crm", Type: "mcp", URL: "http://localhost:3000"}}
	require.NoError(t, cfg.Validate())
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("ATP_TEST_HOST", "example.com")

	assert.Equal(t, "example.com", expandEnvVars("${ATP_TEST_HOST}"))
	assert.Equal(t, "example.com", expandEnvVars("$ATP_TEST_HOST"))
	assert.Equal(t, "fallback", expandEnvVars("${ATP_TEST_MISSING:-fallback}"))
	assert.Equal(t, "no refs here", expandEnvVars("no refs here"))
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("SESSION_SECRET", testSecret)
	t.Setenv("STATE_STORE_URL", "sqlite:///tmp/atp-test.db")

	path := filepath.Join(t.TempDir(), "atp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
provenance:
  mode: none
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, testSecret, cfg.Session.Secret)
	assert.Equal(t, "sqlite:///tmp/atp-test.db", cfg.StateStore.URL)
	assert.Equal(t, ProvenanceModeNone, cfg.Provenance.Mode)
}
