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
	"fmt"
	"sort"
)

// Entry is one resolvable api.* call target.
type Entry struct {
	Namespace string
	Name      string
	Metadata  Metadata

	// Client tools and deferred server tools pause; resident server tools
	// run Handler in-process.
	Client  bool
	Handler Handler
}

// Path returns api.{namespace}.{name}.
func (e *Entry) Path() string { return fmt.Sprintf("api.%s.%s", e.Namespace, e.Name) }

// Pauses reports whether invoking the entry pauses the execution.
func (e *Entry) Pauses() bool { return e.Client || e.Handler == nil }

// Registry resolves api.* paths for one execution: the server-side sources
// shared across executions plus the session's registered client tools.
type Registry struct {
	entries map[string]*Entry
}

// NewRegistry builds a registry from server sources and client descriptors.
// Client tools shadow server tools on path collision; the client explicitly
// registered them for this session.
func NewRegistry(ctx context.Context, sources []Source, clientTools []ClientTool) (*Registry, error) {
	r := &Registry{entries: make(map[string]*Entry)}
	for _, src := range sources {
		tools, err := src.Tools(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list tools of source %q: %w", src.Name(), err)
		}
		for _, t := range tools {
			entry := &Entry{
				Namespace: t.Namespace,
				Name:      t.Name,
				Metadata:  t.Metadata,
				Handler:   t.Handler,
			}
			if t.Deferred {
				entry.Handler = nil
			}
			r.entries[entry.Path()] = entry
		}
	}
	for _, t := range clientTools {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		r.entries[t.Path()] = &Entry{
			Namespace: t.Namespace,
			Name:      t.Name,
			Metadata:  t.Metadata,
			Client:    true,
		}
	}
	return r, nil
}

// Resolve looks up an api.* path.
func (r *Registry) Resolve(path string) (*Entry, bool) {
	e, ok := r.entries[path]
	return e, ok
}

// Entries returns all entries sorted by path.
func (r *Registry) Entries() []*Entry {
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path() < out[j].Path() })
	return out
}

// Namespaces returns the distinct api group names, sorted.
func (r *Registry) Namespaces() []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range r.entries {
		if !seen[e.Namespace] {
			seen[e.Namespace] = true
			out = append(out, e.Namespace)
		}
	}
	sort.Strings(out)
	return out
}
