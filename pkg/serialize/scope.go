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

package serialize

import (
	"regexp"
	"sync"

	"github.com/dop251/goja"
)

var identPattern = regexp.MustCompile(`[A-Za-z_$][A-Za-z0-9_$]*`)

var keywordCache sync.Map // word -> bool

// isKeyword reports whether word is reserved in the sandbox language.
// Detection is a controlled compile probe, memoized per word: a word that
// cannot be used as a variable name is a keyword.
func isKeyword(word string) bool {
	if cached, ok := keywordCache.Load(word); ok {
		return cached.(bool)
	}
	_, err := goja.Compile("probe", "var "+word+";", false)
	reserved := err != nil
	keywordCache.Store(word, reserved)
	return reserved
}

var (
	globalNamesOnce sync.Once
	globalNames     map[string]bool
)

// builtinGlobals enumerates the global object's own and prototype property
// names of a pristine runtime, once.
func builtinGlobals() map[string]bool {
	globalNamesOnce.Do(func() {
		globalNames = make(map[string]bool)
		rt := goja.New()
		v, err := rt.RunString(`(function () {
			var names = {};
			var o = this;
			while (o) {
				Object.getOwnPropertyNames(o).forEach(function (n) { names[n] = true; });
				o = Object.getPrototypeOf(o);
			}
			return Object.keys(names);
		}).call(this)`)
		if err != nil {
			return
		}
		exported, ok := v.Export().([]interface{})
		if !ok {
			return
		}
		for _, name := range exported {
			if s, ok := name.(string); ok {
				globalNames[s] = true
			}
		}
	})
	return globalNames
}

// capturedIdentifiers determines which names of scope the function source
// closes over: identifier tokens of the source, intersected with the scope,
// minus language keywords and global built-ins.
//
// This is a heuristic. False positives add harmless entries to the closure
// table; false negatives re-reference globals of the new context.
func capturedIdentifiers(source string, scope map[string]goja.Value) []string {
	if len(scope) == 0 {
		return nil
	}
	globals := builtinGlobals()
	seen := make(map[string]bool)
	var captured []string
	for _, ident := range identPattern.FindAllString(source, -1) {
		if seen[ident] {
			continue
		}
		seen[ident] = true
		if _, inScope := scope[ident]; !inScope {
			continue
		}
		if isKeyword(ident) || globals[ident] {
			continue
		}
		captured = append(captured, ident)
	}
	return captured
}
