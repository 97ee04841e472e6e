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

package transform

import (
	"sort"
	"strings"
)

// editClass orders edits that land on the same source offset.
type editClass int

const (
	// classClose closes a wrapper; at equal offsets, deeper closes first.
	classClose editClass = iota
	// classReplace substitutes a source range.
	classReplace
	// classOpen opens a wrapper; at equal offsets, shallower opens first.
	classOpen
)

// edit is one splice against the original source. Insertions have
// start == end. Replacement ranges must not contain other edits.
type edit struct {
	start, end int
	text       string
	class      editClass
	depth      int
}

// editList accumulates edits and applies them in one pass.
type editList struct {
	edits []edit
}

func (l *editList) insertOpen(at, depth int, text string) {
	l.edits = append(l.edits, edit{start: at, end: at, text: text, class: classOpen, depth: depth})
}

func (l *editList) insertClose(at, depth int, text string) {
	l.edits = append(l.edits, edit{start: at, end: at, text: text, class: classClose, depth: depth})
}

func (l *editList) replace(start, end int, text string) {
	l.edits = append(l.edits, edit{start: start, end: end, text: text, class: classReplace})
}

// hasEditsIn reports whether any recorded edit touches [start, end).
func (l *editList) hasEditsIn(start, end int) bool {
	for _, e := range l.edits {
		if e.start < end && e.end > start && !(e.start == e.end && (e.start == start || e.start == end)) {
			return true
		}
	}
	return false
}

// apply splices all edits into src. Edits are applied left to right; at
// equal offsets closes come first (deepest out), then replacements, then
// opens (shallowest out).
func (l *editList) apply(src string) string {
	edits := make([]edit, len(l.edits))
	copy(edits, l.edits)

	sort.SliceStable(edits, func(i, j int) bool {
		if edits[i].start != edits[j].start {
			return edits[i].start < edits[j].start
		}
		if edits[i].class != edits[j].class {
			return edits[i].class < edits[j].class
		}
		if edits[i].class == classClose {
			return edits[i].depth > edits[j].depth
		}
		return edits[i].depth < edits[j].depth
	})

	var out strings.Builder
	pos := 0
	for _, e := range edits {
		if e.start < pos {
			// Overlapping replacement; skip defensively.
			continue
		}
		out.WriteString(src[pos:e.start])
		out.WriteString(e.text)
		pos = e.end
	}
	out.WriteString(src[pos:])
	return out.String()
}
