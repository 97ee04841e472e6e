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

// Package tool defines the tool descriptors exposed to user code under the
// api.* tree: client tools whose handlers live in the agent, and
// server-side tools sourced from adapters such as MCP servers.
package tool

import (
	"context"
	"fmt"
)

// OperationType classifies what a tool does to its target.
type OperationType string

const (
	OperationRead        OperationType = "read"
	OperationWrite       OperationType = "write"
	OperationDestructive OperationType = "destructive"
)

// Sensitivity classifies the data a tool touches.
type Sensitivity string

const (
	SensitivityPublic    Sensitivity = "public"
	SensitivityInternal  Sensitivity = "internal"
	SensitivitySensitive Sensitivity = "sensitive"
)

// Metadata carries the policy-relevant attributes of a tool.
type Metadata struct {
	OperationType    OperationType `json:"operation_type"`
	Sensitivity      Sensitivity   `json:"sensitivity"`
	RequiresApproval bool          `json:"requires_approval"`
}

// ClientTool describes a tool whose handler lives in the agent. The
// descriptor is all the server sees; invoking the tool pauses the
// execution with a callback to the client.
type ClientTool struct {
	Namespace   string         `json:"namespace"`
	Name        string         `json:"name"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
	Metadata    Metadata       `json:"metadata"`
}

// Path returns the call path user code uses: api.{namespace}.{name}.
func (t ClientTool) Path() string { return fmt.Sprintf("api.%s.%s", t.Namespace, t.Name) }

// Validate checks a descriptor supplied by a client.
func (t ClientTool) Validate() error {
	if t.Namespace == "" || t.Name == "" {
		return fmt.Errorf("client tool requires namespace and name")
	}
	switch t.Metadata.OperationType {
	case OperationRead, OperationWrite, OperationDestructive, "":
	default:
		return fmt.Errorf("client tool %s: unknown operation_type %q", t.Path(), t.Metadata.OperationType)
	}
	switch t.Metadata.Sensitivity {
	case SensitivityPublic, SensitivityInternal, SensitivitySensitive, "":
	default:
		return fmt.Errorf("client tool %s: unknown sensitivity %q", t.Path(), t.Metadata.Sensitivity)
	}
	return nil
}

// Handler executes a server-side tool.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// ServerTool is a tool executed on the server by a source adapter. A
// deferred server tool has no handler and pauses like a client tool.
type ServerTool struct {
	Namespace   string
	Name        string
	Description string
	InputSchema map[string]any
	Metadata    Metadata
	Handler     Handler
	Deferred    bool
}

// Path returns the call path user code uses: api.{namespace}.{name}.
func (t ServerTool) Path() string { return fmt.Sprintf("api.%s.%s", t.Namespace, t.Name) }

// Source provides server-side tools for one api.* group.
type Source interface {
	// Name is the api group name.
	Name() string
	// Tools lists the group's tools.
	Tools(ctx context.Context) ([]ServerTool, error)
	// Close releases the adapter's resources.
	Close() error
}
