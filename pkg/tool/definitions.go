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
	"fmt"
	"sort"
	"strings"
)

// serviceDefinitions maps each registrable service to the declaration text
// advertised on /definitions.
var serviceDefinitions = map[string]string{
	"llm": `  const llm: {
    /** Request a completion from the agent's LLM. Pauses until the agent replies. */
    call(request: { prompt: string; [key: string]: unknown }): Promise<string>;
  };`,
	"approval": `  const approval: {
    /** Ask the human operator for approval. Pauses until answered. */
    request(request: { message: string; [key: string]: unknown }): Promise<{ approved: boolean }>;
  };`,
	"embedding": `  const embedding: {
    /** Compute an embedding vector via the agent. Pauses until supplied. */
    embed(text: string): Promise<number[]>;
  };`,
}

// alwaysDefinitions are available regardless of registered services.
const alwaysDefinitions = `  const cache: {
    get(key: string): unknown;
    set(key: string, value: unknown): void;
  };
  function progress(message: string): void;
  function log(...args: unknown[]): void;`

// Definitions renders the TypeScript-ish declaration text for the atp.*
// namespace filtered by the session's registered services, plus the api.*
// tree visible to the session.
func Definitions(registeredServices map[string]bool, registry *Registry) string {
	var b strings.Builder

	b.WriteString("declare namespace atp {\n")
	services := make([]string, 0, len(registeredServices))
	for svc, on := range registeredServices {
		if on {
			services = append(services, svc)
		}
	}
	sort.Strings(services)
	for _, svc := range services {
		if def, ok := serviceDefinitions[svc]; ok {
			b.WriteString(def)
			b.WriteString("\n")
		}
	}
	b.WriteString(alwaysDefinitions)
	b.WriteString("\n}\n")

	if registry == nil {
		return b.String()
	}

	byNamespace := make(map[string][]*Entry)
	for _, e := range registry.Entries() {
		byNamespace[e.Namespace] = append(byNamespace[e.Namespace], e)
	}
	for _, ns := range registry.Namespaces() {
		fmt.Fprintf(&b, "\ndeclare namespace api.%s {\n", ns)
		for _, e := range byNamespace[ns] {
			fmt.Fprintf(&b, "  /** %s %s operation%s */\n",
				e.Metadata.Sensitivity.orDefault(),
				e.Metadata.OperationType.orDefault(),
				approvalSuffix(e.Metadata.RequiresApproval))
			fmt.Fprintf(&b, "  function %s(args: Record<string, unknown>): Promise<unknown>;\n", e.Name)
		}
		b.WriteString("}\n")
	}
	return b.String()
}

func (o OperationType) orDefault() OperationType {
	if o == "" {
		return OperationRead
	}
	return o
}

func (s Sensitivity) orDefault() Sensitivity {
	if s == "" {
		return SensitivityPublic
	}
	return s
}

func approvalSuffix(requiresApproval bool) string {
	if requiresApproval {
		return ", requires approval"
	}
	return ""
}
