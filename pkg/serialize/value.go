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

// Package serialize provides deep, round-trippable encoding of sandbox
// runtime values, including closures, with cycle detection.
//
// Serialization never fails: values that cannot be encoded degrade to the
// "nonserializable" kind and round-trip to undefined.
package serialize

// Kind tags a serialized value.
type Kind string

const (
	KindUndefined       Kind = "undefined"
	KindNull            Kind = "null"
	KindBoolean         Kind = "boolean"
	KindNumber          Kind = "number"
	KindString          Kind = "string"
	KindBigInt          Kind = "bigint"
	KindSymbol          Kind = "symbol"
	KindArray           Kind = "array"
	KindObject          Kind = "object"
	KindDate            Kind = "date"
	KindRegExp          Kind = "regexp"
	KindMap             Kind = "map"
	KindSet             Kind = "set"
	KindFunction        Kind = "function"
	KindCircular        Kind = "circular"
	KindNonserializable Kind = "nonserializable"
)

// Prop is one key/value pair of an object or map. Order is preserved.
type Prop struct {
	Key   string `json:"key"`
	Value *Value `json:"value"`
}

// Value is the tagged representation of a runtime value.
type Value struct {
	Kind Kind `json:"type"`

	// Primitive payloads. Bigints and symbols are stringified.
	Bool   bool    `json:"bool,omitempty"`
	Number float64 `json:"number,omitempty"`
	Str    string  `json:"string,omitempty"`

	// Containers.
	Items []*Value `json:"items,omitempty"` // array, set
	Props []Prop   `json:"props,omitempty"` // object, map

	// ClassName tags keyed objects with their constructor class.
	ClassName string `json:"class,omitempty"`

	// Date payload: milliseconds since epoch.
	Epoch float64 `json:"epoch,omitempty"`

	// RegExp payload.
	Pattern string `json:"pattern,omitempty"`
	Flags   string `json:"flags,omitempty"`

	// Function payload.
	Source    string `json:"source,omitempty"`
	Closure   []Prop `json:"closure,omitempty"`
	Async     bool   `json:"async,omitempty"`
	Generator bool   `json:"generator,omitempty"`
	Arrow     bool   `json:"arrow,omitempty"`

	// RefID is set on a container the first time a cycle reaches it, and on
	// circular values pointing back into the ref table.
	RefID string `json:"refId,omitempty"`
}

// RefTable is the caller-held side table for circular references.
type RefTable map[string]*Value

// Undefined is the canonical undefined value.
func Undefined() *Value { return &Value{Kind: KindUndefined} }

// Null is the canonical null value.
func Null() *Value { return &Value{Kind: KindNull} }

// Bool wraps a boolean.
func Bool(b bool) *Value { return &Value{Kind: KindBoolean, Bool: b} }

// Number wraps a float64.
func Number(f float64) *Value { return &Value{Kind: KindNumber, Number: f} }

// String wraps a string.
func String(s string) *Value { return &Value{Kind: KindString, Str: s} }

// Nonserializable is the degradation target for unencodable values.
func Nonserializable() *Value { return &Value{Kind: KindNonserializable} }
