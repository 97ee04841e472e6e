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

// Package provenance tracks the origin of values flowing through an
// execution, carries that origin across process boundaries as signed
// tokens, and evaluates security policies at tool-call sites.
package provenance

import (
	"time"

	"github.com/google/uuid"
)

// SourceKind classifies where a value originated.
type SourceKind string

const (
	SourceUser   SourceKind = "user"
	SourceTool   SourceKind = "tool"
	SourceLLM    SourceKind = "llm"
	SourceSystem SourceKind = "system"
)

// Source records the origin of a tagged value.
type Source struct {
	Kind      SourceKind `json:"kind"`
	ToolName  string     `json:"tool_name,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ReaderKind partitions reader sets into public and restricted.
type ReaderKind string

const (
	ReadersPublic     ReaderKind = "public"
	ReadersRestricted ReaderKind = "restricted"
)

// Readers is the authorization predicate attached to tagged data: a value
// may flow to a recipient iff the set is public or contains the recipient.
type Readers struct {
	Kind    ReaderKind `json:"kind"`
	Readers []string   `json:"readers,omitempty"`
}

// ToolReader builds the special reader form that admits re-flow within the
// same tool only.
func ToolReader(toolName string) string { return "tool:" + toolName }

// Admits reports whether the reader set allows flow to recipient via the
// named tool.
func (r Readers) Admits(recipient, toolName string) bool {
	if r.Kind == ReadersPublic {
		return true
	}
	toolForm := ToolReader(toolName)
	for _, reader := range r.Readers {
		if reader == recipient || reader == toolForm {
			return true
		}
	}
	return false
}

// Metadata describes the provenance of one tagged value.
type Metadata struct {
	ID           string   `json:"id"`
	Source       Source   `json:"source"`
	Readers      Readers  `json:"readers"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// NewMetadata creates metadata for a freshly tagged value.
func NewMetadata(source Source, readers Readers, deps ...string) *Metadata {
	return &Metadata{
		ID:           uuid.NewString(),
		Source:       source,
		Readers:      readers,
		Dependencies: deps,
	}
}

// Restricted reports whether the metadata carries a restricted reader set.
func (m *Metadata) Restricted() bool { return m.Readers.Kind == ReadersRestricted }
