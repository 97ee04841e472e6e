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

package provenance

// Registry is the per-execution taint map. Primitives are tracked by
// content digest; the sandbox bridge additionally tracks object identity
// through back-references and proxies, both of which resolve here by
// metadata ID. Executions are single-threaded; no locking.
type Registry struct {
	byDigest map[string]*Metadata
	byID     map[string]*Metadata
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byDigest: make(map[string]*Metadata),
		byID:     make(map[string]*Metadata),
	}
}

// Tag registers metadata for a value, tracking every primitive leaf inside
// it by content digest. Returns the metadata ID.
func (r *Registry) Tag(value any, meta *Metadata) string {
	r.byID[meta.ID] = meta
	r.tagLeaves(value, meta)
	return meta.ID
}

// TagDigest registers metadata for an already computed digest. Used when
// rebuilding taint from verified hints.
func (r *Registry) TagDigest(digest string, meta *Metadata) {
	r.byID[meta.ID] = meta
	r.byDigest[digest] = meta
}

func (r *Registry) tagLeaves(value any, meta *Metadata) {
	switch t := value.(type) {
	case map[string]any:
		for _, v := range t {
			r.tagLeaves(v, meta)
		}
	case []any:
		for _, v := range t {
			r.tagLeaves(v, meta)
		}
	case nil:
	default:
		r.byDigest[Digest(value)] = meta
	}
}

// ByID resolves metadata by its identifier.
func (r *Registry) ByID(id string) (*Metadata, bool) {
	m, ok := r.byID[id]
	return m, ok
}

// LookupDigest resolves metadata for a digest.
func (r *Registry) LookupDigest(digest string) (*Metadata, bool) {
	m, ok := r.byDigest[digest]
	return m, ok
}

// Tainted reports whether a primitive value carries taint.
func (r *Registry) Tainted(value any) bool {
	_, ok := r.byDigest[Digest(value)]
	return ok
}

// Collect walks a value and returns the metadata of every tainted leaf,
// deduplicated by metadata ID. Exact match for primitives, digest match
// for nested primitives inside containers.
func (r *Registry) Collect(value any) []*Metadata {
	seen := make(map[string]bool)
	var out []*Metadata
	r.collect(value, seen, &out)
	return out
}

func (r *Registry) collect(value any, seen map[string]bool, out *[]*Metadata) {
	switch t := value.(type) {
	case map[string]any:
		for _, v := range t {
			r.collect(v, seen, out)
		}
	case []any:
		for _, v := range t {
			r.collect(v, seen, out)
		}
	case nil:
	default:
		if meta, ok := r.byDigest[Digest(value)]; ok && !seen[meta.ID] {
			seen[meta.ID] = true
			*out = append(*out, meta)
		}
	}
}

// Digests returns the digest set currently tracked. The transformer uses
// it to wrap literal sites matching known tainted digests.
func (r *Registry) Digests() map[string]bool {
	out := make(map[string]bool, len(r.byDigest))
	for d := range r.byDigest {
		out[d] = true
	}
	return out
}

// Snapshot exports the digest map for persistence with a paused execution.
func (r *Registry) Snapshot() map[string]*Metadata {
	out := make(map[string]*Metadata, len(r.byDigest))
	for d, meta := range r.byDigest {
		out[d] = meta
	}
	return out
}

// Restore reloads a persisted digest map into the registry.
func (r *Registry) Restore(digests map[string]*Metadata) {
	for d, meta := range digests {
		r.TagDigest(d, meta)
	}
}
