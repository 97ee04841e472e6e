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

	"github.com/kadirpekel/atp/pkg/config"
)

// FromConfig instantiates the configured server-side tool sources.
func FromConfig(cfgs []config.ToolSourceConfig) ([]Source, error) {
	sources := make([]Source, 0, len(cfgs))
	for _, cfg := range cfgs {
		switch cfg.Type {
		case "mcp":
			src, err := NewMCPSource(MCPConfig{
				Name:     cfg.Name,
				URL:      cfg.URL,
				Command:  cfg.Command,
				Args:     cfg.Args,
				Deferred: cfg.Deferred,
			})
			if err != nil {
				return nil, err
			}
			sources = append(sources, src)
		case "builtin", "":
			sources = append(sources, NewBuiltinSource(cfg.Name))
		default:
			return nil, fmt.Errorf("unknown tool source type %q", cfg.Type)
		}
	}
	return sources, nil
}

// CloseAll closes every source, returning the first error.
func CloseAll(sources []Source) error {
	var firstErr error
	for _, src := range sources {
		if err := src.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
