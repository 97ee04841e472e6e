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

// neutralizeAsync blanks `async` and `await` keyword tokens outside of
// strings, comments, template literal text and regex literals, preserving all
// source offsets. Template interpolation bodies are code and are scanned like
// any other code region. Pause-candidate calls resolve synchronously inside
// the sandbox (replay supplies their results), so awaiting is a no-op;
// removing the tokens keeps the program single-threaded without changing
// observable behavior.
//
// Returns the neutralized source and the offsets where an `async` token was
// removed (used by the batch optimizer to recognize async callbacks).
func neutralizeAsync(src string) (string, []int) {
	nz := &neutralizer{buf: []byte(src)}
	nz.code(0, false)
	return string(nz.buf), nz.asyncOffsets
}

type neutralizer struct {
	buf          []byte
	asyncOffsets []int

	// lastSig tracks the previous significant byte for regex detection and
	// member-access guards.
	lastSig byte
}

// code scans a code region starting at i, blanking keyword tokens in place.
// When stop is set it returns at the '}' closing the enclosing template
// interpolation; otherwise it runs to the end of the buffer. Returns the
// index it stopped at.
func (nz *neutralizer) code(i int, stop bool) int {
	buf := nz.buf
	n := len(buf)
	depth := 0

	for i < n {
		c := buf[i]
		switch {
		case c == '/' && i+1 < n && buf[i+1] == '/':
			for i < n && buf[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < n && buf[i+1] == '*':
			i += 2
			for i+1 < n && !(buf[i] == '*' && buf[i+1] == '/') {
				i++
			}
			i += 2
		case c == '\'' || c == '"':
			quote := c
			i++
			for i < n && buf[i] != quote {
				if buf[i] == '\\' {
					i++
				}
				i++
			}
			i++
			nz.lastSig = quote
		case c == '`':
			i = nz.template(i)
			nz.lastSig = '`'
		case c == '/' && regexCanFollow(nz.lastSig):
			i++
			inClass := false
			for i < n {
				if buf[i] == '\\' {
					i += 2
					continue
				}
				if buf[i] == '[' {
					inClass = true
				} else if buf[i] == ']' {
					inClass = false
				} else if buf[i] == '/' && !inClass {
					break
				} else if buf[i] == '\n' {
					break
				}
				i++
			}
			i++
			nz.lastSig = '/'
		case isIdentStart(c):
			start := i
			for i < n && isIdentPart(buf[i]) {
				i++
			}
			word := string(buf[start:i])
			if (word == "async" || word == "await") && nz.lastSig != '.' && !keyFollows(buf, i) {
				for j := start; j < i; j++ {
					buf[j] = ' '
				}
				if word == "async" {
					nz.asyncOffsets = append(nz.asyncOffsets, start)
				}
			}
			nz.lastSig = buf[i-1]
			if word == "async" || word == "await" {
				// Token removed; treat preceding significant byte as kept.
				nz.lastSig = 0
			}
		default:
			if c == '{' {
				depth++
			} else if c == '}' {
				if stop && depth == 0 {
					return i
				}
				depth--
			}
			if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
				nz.lastSig = c
			}
			i++
		}
	}
	return i
}

// template scans a template literal at buf[i] == '`'. Literal text is left
// untouched; each ${...} interpolation body goes back through code().
func (nz *neutralizer) template(i int) int {
	buf := nz.buf
	n := len(buf)
	i++
	for i < n {
		switch {
		case buf[i] == '\\':
			i += 2
		case buf[i] == '`':
			return i + 1
		case buf[i] == '$' && i+1 < n && buf[i+1] == '{':
			// An interpolation opens a fresh expression position.
			nz.lastSig = '{'
			i = nz.code(i+2, true)
			if i < n {
				i++ // closing '}'
			}
		default:
			i++
		}
	}
	return i
}

// keyFollows reports whether the identifier ending at offset i is an object
// property key (next significant byte is ':').
func keyFollows(buf []byte, i int) bool {
	for i < len(buf) && (buf[i] == ' ' || buf[i] == '\t' || buf[i] == '\n' || buf[i] == '\r') {
		i++
	}
	return i < len(buf) && buf[i] == ':'
}

// regexCanFollow applies the standard heuristic: a '/' begins a regex
// literal when the previous significant byte cannot end an expression.
func regexCanFollow(lastSig byte) bool {
	switch lastSig {
	case 0, '(', ',', '=', ':', '[', '!', '&', '|', '?', '{', '}', ';', '\n', '+', '-', '*', '%', '<', '>':
		return true
	}
	return false
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
