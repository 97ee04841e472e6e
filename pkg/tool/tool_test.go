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

package tool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func builtinTool(t *testing.T, name string) ServerTool {
	t.Helper()
	tools, err := NewBuiltinSource("util").Tools(context.Background())
	require.NoError(t, err)
	for _, tl := range tools {
		if tl.Name == name {
			return tl
		}
	}
	t.Fatalf("builtin tool %q not found", name)
	return ServerTool{}
}

func TestBuiltinSourceTools(t *testing.T) {
	encode := builtinTool(t, "base64_encode")
	out, err := encode.Handler(context.Background(), map[string]any{"value": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "aGVsbG8=", out)

	decode := builtinTool(t, "base64_decode")
	out, err = decode.Handler(context.Background(), map[string]any{"value": "aGVsbG8="})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	_, err = decode.Handler(context.Background(), map[string]any{"value": "!!!"})
	require.Error(t, err)

	digest := builtinTool(t, "digest")
	out, err = digest.Handler(context.Background(), map[string]any{"value": "abc"})
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", out)

	_, err = digest.Handler(context.Background(), map[string]any{})
	require.Error(t, err, "missing argument")
}

func TestBuiltinSchemasReflected(t *testing.T) {
	encode := builtinTool(t, "base64_encode")
	require.NotNil(t, encode.InputSchema)
	props, ok := encode.InputSchema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "value")
}

func TestRegistryResolvesClientAndServerTools(t *testing.T) {
	clientTools := []ClientTool{
		{
			Namespace: "crm",
			Name:      "lookup",
			Metadata:  Metadata{OperationType: OperationRead, Sensitivity: SensitivitySensitive},
		},
	}
	reg, err := NewRegistry(context.Background(), []Source{NewBuiltinSource("util")}, clientTools)
	require.NoError(t, err)

	entry, ok := reg.Resolve("api.crm.lookup")
	require.True(t, ok)
	assert.True(t, entry.Client)
	assert.True(t, entry.Pauses())

	entry, ok = reg.Resolve("api.util.digest")
	require.True(t, ok)
	assert.False(t, entry.Client)
	assert.False(t, entry.Pauses())

	_, ok = reg.Resolve("api.nope.missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"crm", "util"}, reg.Namespaces())
}

func TestRegistryRejectsInvalidDescriptor(t *testing.T) {
	_, err := NewRegistry(context.Background(), nil, []ClientTool{{Name: "no-namespace"}})
	require.Error(t, err)

	_, err = NewRegistry(context.Background(), nil, []ClientTool{
		{Namespace: "x", Name: "y", Metadata: Metadata{OperationType: "explode"}},
	})
	require.Error(t, err)
}

func TestClientToolPath(t *testing.T) {
	ct := ClientTool{Namespace: "crm", Name: "lookup"}
	assert.Equal(t, "api.crm.lookup", ct.Path())
}

func TestDefinitionsFilteredByServices(t *testing.T) {
	reg, err := NewRegistry(context.Background(), []Source{NewBuiltinSource("util")}, nil)
	require.NoError(t, err)

	text := Definitions(map[string]bool{"llm": true}, reg)
	assert.Contains(t, text, "const llm")
	assert.NotContains(t, text, "const approval")
	assert.NotContains(t, text, "const embedding")
	assert.Contains(t, text, "const cache", "cache is always available")
	assert.Contains(t, text, "declare namespace api.util")
	assert.Contains(t, text, "function digest")

	full := Definitions(map[string]bool{"llm": true, "approval": true, "embedding": true}, reg)
	assert.Contains(t, full, "const approval")
	assert.Contains(t, full, "const embedding")
}

func TestFromConfigUnknownType(t *testing.T) {
	_, err := NewMCPSource(MCPConfig{Name: "x"})
	require.Error(t, err, "mcp source needs url or command")
}
