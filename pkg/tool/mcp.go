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
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kadirpekel/atp/pkg/logger"
)

// MCPConfig configures an MCP-backed tool source. Either URL
// (streamable-http) or Command (stdio subprocess) selects the transport.
type MCPConfig struct {
	Name    string
	URL     string
	Command string
	Args    []string

	// Deferred exposes the source's tools as pause-candidates resolved by
	// the client instead of running them server-side.
	Deferred bool
}

// MCPSource exposes an MCP server's tools as one api.* group. The
// connection is established lazily on the first Tools call.
type MCPSource struct {
	cfg MCPConfig

	mu        sync.Mutex
	client    *client.Client
	tools     []ServerTool
	connected bool
}

var _ Source = (*MCPSource)(nil)

// NewMCPSource creates an MCP tool source.
func NewMCPSource(cfg MCPConfig) (*MCPSource, error) {
	if cfg.URL == "" && cfg.Command == "" {
		return nil, fmt.Errorf("mcp source %q: either url or command is required", cfg.Name)
	}
	return &MCPSource{cfg: cfg}, nil
}

// Name returns the api group name.
func (s *MCPSource) Name() string { return s.cfg.Name }

// Tools lists the server's tools, connecting lazily.
func (s *MCPSource) Tools(ctx context.Context) ([]ServerTool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		if err := s.connect(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to MCP server: %w", err)
		}
	}
	return s.tools, nil
}

func (s *MCPSource) connect(ctx context.Context) error {
	var (
		mcpClient *client.Client
		err       error
	)
	if s.cfg.Command != "" {
		mcpClient, err = client.NewStdioMCPClient(s.cfg.Command, nil, s.cfg.Args...)
	} else {
		mcpClient, err = client.NewStreamableHttpClient(s.cfg.URL)
	}
	if err != nil {
		return fmt.Errorf("failed to create MCP client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "atp",
		Version: "1.0.0",
	}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to initialize MCP: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to list tools: %w", err)
	}

	tools := make([]ServerTool, 0, len(listResp.Tools))
	for _, mcpTool := range listResp.Tools {
		name := mcpTool.Name
		tools = append(tools, ServerTool{
			Namespace:   s.cfg.Name,
			Name:        name,
			Description: mcpTool.Description,
			InputSchema: convertSchema(mcpTool.InputSchema),
			Metadata:    metadataFromAnnotations(mcpTool.Annotations),
			Deferred:    s.cfg.Deferred,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return s.call(ctx, name, args)
			},
		})
	}

	s.client = mcpClient
	s.tools = tools
	s.connected = true

	logger.GetLogger().Info("connected to MCP server",
		"name", s.cfg.Name,
		"tools", len(tools))
	return nil
}

func (s *MCPSource) call(ctx context.Context, name string, args map[string]any) (any, error) {
	s.mu.Lock()
	mcpClient := s.client
	s.mu.Unlock()
	if mcpClient == nil {
		return nil, fmt.Errorf("MCP client not connected")
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("MCP call failed: %w", err)
	}
	return parseToolResult(resp)
}

// parseToolResult flattens an MCP result into a value user code can hold.
// An isError result surfaces as a tool error thrown inside user code.
func parseToolResult(resp *mcp.CallToolResult) (any, error) {
	var texts []string
	for _, content := range resp.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}
	if resp.IsError {
		msg := "unknown error"
		if len(texts) > 0 {
			msg = texts[0]
		}
		return nil, fmt.Errorf("%s", msg)
	}
	switch len(texts) {
	case 0:
		return nil, nil
	case 1:
		// Structured payloads come through as JSON text.
		var decoded any
		if err := json.Unmarshal([]byte(texts[0]), &decoded); err == nil {
			return decoded, nil
		}
		return texts[0], nil
	default:
		out := make([]any, len(texts))
		for i, t := range texts {
			out[i] = t
		}
		return out, nil
	}
}

func metadataFromAnnotations(a mcp.ToolAnnotation) Metadata {
	meta := Metadata{
		OperationType: OperationWrite,
		Sensitivity:   SensitivityInternal,
	}
	if a.ReadOnlyHint != nil && *a.ReadOnlyHint {
		meta.OperationType = OperationRead
	}
	if a.DestructiveHint != nil && *a.DestructiveHint {
		meta.OperationType = OperationDestructive
	}
	return meta
}

func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// Close shuts the MCP connection down.
func (s *MCPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		s.connected = false
		s.tools = nil
		return err
	}
	return nil
}
