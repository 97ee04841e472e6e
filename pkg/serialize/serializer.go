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
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// Serializer encodes runtime values of one sandbox into the Value ADT.
type Serializer struct {
	rt      *goja.Runtime
	nextRef int
}

// NewSerializer creates a Serializer bound to the given runtime.
func NewSerializer(rt *goja.Runtime) *Serializer {
	return &Serializer{rt: rt}
}

// Serialize encodes v. Circular references are registered in the caller-held
// ref table. Serialize never fails; unencodable values degrade to
// nonserializable.
func (s *Serializer) Serialize(v goja.Value, refs RefTable) *Value {
	return s.SerializeWithScope(v, nil, refs)
}

// SerializeWithScope encodes v, capturing function closures against the
// given scope map (name → value visible at the function's definition site).
func (s *Serializer) SerializeWithScope(v goja.Value, scope map[string]goja.Value, refs RefTable) (out *Value) {
	defer func() {
		if r := recover(); r != nil {
			out = Nonserializable()
		}
	}()
	if refs == nil {
		refs = make(RefTable)
	}
	return s.encode(v, scope, refs, make(map[*goja.Object]*Value))
}

func (s *Serializer) encode(v goja.Value, scope map[string]goja.Value, refs RefTable, seen map[*goja.Object]*Value) *Value {
	if v == nil || goja.IsUndefined(v) {
		return Undefined()
	}
	if goja.IsNull(v) {
		return Null()
	}
	if goja.IsNaN(v) {
		return &Value{Kind: KindNumber, Number: 0, Str: "NaN"}
	}

	if sym, ok := v.(*goja.Symbol); ok {
		return &Value{Kind: KindSymbol, Str: sym.String()}
	}

	obj, isObj := v.(*goja.Object)
	if !isObj {
		switch v.ExportType().Kind() {
		case reflect.Bool:
			return Bool(v.ToBoolean())
		case reflect.Int64, reflect.Float64, reflect.Int:
			return Number(v.ToFloat())
		case reflect.String:
			return String(v.String())
		}
		if bi, ok := v.Export().(*big.Int); ok {
			return &Value{Kind: KindBigInt, Str: bi.String()}
		}
		return Nonserializable()
	}

	// Cycle: the object was already visited in this serialization. Record a
	// circular reference and register the original under a generated refId.
	if prior, ok := seen[obj]; ok {
		if prior.RefID == "" {
			s.nextRef++
			prior.RefID = "ref_" + strconv.Itoa(s.nextRef)
			refs[prior.RefID] = prior
		}
		return &Value{Kind: KindCircular, RefID: prior.RefID}
	}

	if _, isFn := goja.AssertFunction(v); isFn {
		return s.encodeFunction(v, scope, refs, seen)
	}

	switch obj.ClassName() {
	case "Date":
		if t, ok := obj.Export().(time.Time); ok {
			return &Value{Kind: KindDate, Epoch: float64(t.UnixMilli())}
		}
		return Nonserializable()

	case "RegExp":
		return &Value{
			Kind:    KindRegExp,
			Pattern: obj.Get("source").String(),
			Flags:   obj.Get("flags").String(),
		}

	case "Array":
		out := &Value{Kind: KindArray}
		seen[obj] = out
		length := int(obj.Get("length").ToInteger())
		for i := 0; i < length; i++ {
			out.Items = append(out.Items, s.encode(obj.Get(strconv.Itoa(i)), scope, refs, seen))
		}
		return out
	}

	// Map and Set instances carry the plain "Object" class tag here, so the
	// ClassName switch cannot see them; test against the global constructors.
	if s.instanceOf(obj, "Map") {
		out := &Value{Kind: KindMap}
		seen[obj] = out
		s.forEach(obj, func(value, key goja.Value) {
			out.Props = append(out.Props, Prop{
				Key:   key.String(),
				Value: s.encode(value, scope, refs, seen),
			})
		})
		return out
	}
	if s.instanceOf(obj, "Set") {
		out := &Value{Kind: KindSet}
		seen[obj] = out
		s.forEach(obj, func(value, _ goja.Value) {
			out.Items = append(out.Items, s.encode(value, scope, refs, seen))
		})
		return out
	}

	// Plain (or class-tagged) object. Own enumerable keys in insertion
	// order; non-enumerable back-references never show up here.
	out := &Value{Kind: KindObject}
	if cls := obj.ClassName(); cls != "Object" {
		out.ClassName = cls
	}
	seen[obj] = out
	for _, key := range obj.Keys() {
		out.Props = append(out.Props, Prop{
			Key:   key,
			Value: s.encode(obj.Get(key), scope, refs, seen),
		})
	}
	return out
}

// instanceOf tests obj against a global constructor.
func (s *Serializer) instanceOf(obj *goja.Object, ctor string) bool {
	c, ok := s.rt.Get(ctor).(*goja.Object)
	if !ok {
		return false
	}
	return s.rt.InstanceOf(obj, c)
}

// forEach drives the container's own forEach so insertion order is kept.
func (s *Serializer) forEach(obj *goja.Object, visit func(value, key goja.Value)) {
	fe, ok := goja.AssertFunction(obj.Get("forEach"))
	if !ok {
		return
	}
	cb := s.rt.ToValue(func(call goja.FunctionCall) goja.Value {
		visit(call.Argument(0), call.Argument(1))
		return goja.Undefined()
	})
	_, _ = fe(obj, cb)
}

func (s *Serializer) encodeFunction(v goja.Value, scope map[string]goja.Value, refs RefTable, seen map[*goja.Object]*Value) *Value {
	source := v.String()
	trimmed := strings.TrimSpace(source)

	out := &Value{
		Kind:      KindFunction,
		Source:    source,
		Async:     strings.HasPrefix(trimmed, "async"),
		Generator: strings.Contains(firstLine(trimmed), "function*"),
	}
	// Arrow functions have no "function" keyword ahead of the arrow.
	if idx := strings.Index(trimmed, "=>"); idx >= 0 && !strings.Contains(trimmed[:idx], "function") {
		out.Arrow = true
	}

	for _, name := range capturedIdentifiers(source, scope) {
		out.Closure = append(out.Closure, Prop{
			Key:   name,
			Value: s.encode(scope[name], scope, refs, seen),
		})
	}
	return out
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// Deserializer reconstructs runtime values inside a target sandbox.
type Deserializer struct {
	rt *goja.Runtime
}

// NewDeserializer creates a Deserializer bound to the given runtime.
func NewDeserializer(rt *goja.Runtime) *Deserializer {
	return &Deserializer{rt: rt}
}

// Deserialize is the left inverse of Serialize: deserialize(serialize(v))
// yields a value indistinguishable from v for every serializable v.
// Nonserializable values come back as undefined.
func (d *Deserializer) Deserialize(sv *Value, refs RefTable) (goja.Value, error) {
	return d.decode(sv, refs, make(map[string]goja.Value))
}

func (d *Deserializer) decode(sv *Value, refs RefTable, instantiated map[string]goja.Value) (goja.Value, error) {
	if sv == nil {
		return goja.Undefined(), nil
	}
	switch sv.Kind {
	case KindUndefined, KindNonserializable:
		return goja.Undefined(), nil
	case KindNull:
		return goja.Null(), nil
	case KindBoolean:
		return d.rt.ToValue(sv.Bool), nil
	case KindNumber:
		if sv.Str == "NaN" {
			return d.rt.RunString("NaN")
		}
		return d.rt.ToValue(sv.Number), nil
	case KindString:
		return d.rt.ToValue(sv.Str), nil
	case KindBigInt:
		bi, ok := new(big.Int).SetString(sv.Str, 10)
		if !ok {
			return goja.Undefined(), fmt.Errorf("invalid bigint %q", sv.Str)
		}
		return d.rt.ToValue(bi), nil
	case KindSymbol:
		return d.rt.ToValue(sv.Str), nil

	case KindCircular:
		if v, ok := instantiated[sv.RefID]; ok {
			return v, nil
		}
		if ref, ok := refs[sv.RefID]; ok {
			return d.decode(ref, refs, instantiated)
		}
		return goja.Undefined(), fmt.Errorf("unresolved circular reference %q", sv.RefID)

	case KindDate:
		return d.construct("Date", d.rt.ToValue(sv.Epoch))

	case KindRegExp:
		return d.construct("RegExp", d.rt.ToValue(sv.Pattern), d.rt.ToValue(sv.Flags))

	case KindArray:
		arr := d.rt.NewArray()
		d.register(sv, arr, instantiated)
		push, _ := goja.AssertFunction(arr.Get("push"))
		for _, item := range sv.Items {
			iv, err := d.decode(item, refs, instantiated)
			if err != nil {
				return nil, err
			}
			if _, err := push(arr, iv); err != nil {
				return nil, err
			}
		}
		return arr, nil

	case KindObject:
		obj := d.rt.NewObject()
		d.register(sv, obj, instantiated)
		for _, prop := range sv.Props {
			pv, err := d.decode(prop.Value, refs, instantiated)
			if err != nil {
				return nil, err
			}
			if err := obj.Set(prop.Key, pv); err != nil {
				return nil, err
			}
		}
		return obj, nil

	case KindMap:
		mv, err := d.construct("Map")
		if err != nil {
			return nil, err
		}
		m := mv.(*goja.Object)
		d.register(sv, m, instantiated)
		set, _ := goja.AssertFunction(m.Get("set"))
		for _, prop := range sv.Props {
			pv, err := d.decode(prop.Value, refs, instantiated)
			if err != nil {
				return nil, err
			}
			if _, err := set(m, d.rt.ToValue(prop.Key), pv); err != nil {
				return nil, err
			}
		}
		return m, nil

	case KindSet:
		setVal, err := d.construct("Set")
		if err != nil {
			return nil, err
		}
		set := setVal.(*goja.Object)
		d.register(sv, set, instantiated)
		add, _ := goja.AssertFunction(set.Get("add"))
		for _, item := range sv.Items {
			iv, err := d.decode(item, refs, instantiated)
			if err != nil {
				return nil, err
			}
			if _, err := add(set, iv); err != nil {
				return nil, err
			}
		}
		return set, nil

	case KindFunction:
		return d.decodeFunction(sv, refs, instantiated)
	}
	return goja.Undefined(), fmt.Errorf("unknown value kind %q", sv.Kind)
}

func (d *Deserializer) register(sv *Value, v goja.Value, instantiated map[string]goja.Value) {
	if sv.RefID != "" {
		instantiated[sv.RefID] = v
	}
}

// decodeFunction re-evaluates the function source with its closure rebound
// in a wrapper scope.
func (d *Deserializer) decodeFunction(sv *Value, refs RefTable, instantiated map[string]goja.Value) (goja.Value, error) {
	closure := d.rt.NewObject()
	for _, prop := range sv.Closure {
		pv, err := d.decode(prop.Value, refs, instantiated)
		if err != nil {
			return nil, err
		}
		if err := closure.Set(prop.Key, pv); err != nil {
			return nil, err
		}
	}

	var decls strings.Builder
	for _, prop := range sv.Closure {
		fmt.Fprintf(&decls, "var %s = __closure[%q];\n", prop.Key, prop.Key)
	}
	wrapper := fmt.Sprintf("(function (__closure) {\n%sreturn (%s);\n})", decls.String(), sv.Source)

	wrapped, err := d.rt.RunString(wrapper)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild function: %w", err)
	}
	factory, ok := goja.AssertFunction(wrapped)
	if !ok {
		return nil, fmt.Errorf("function wrapper did not evaluate to a function")
	}
	return factory(goja.Undefined(), closure)
}

// construct instantiates a global constructor with the given arguments.
func (d *Deserializer) construct(name string, args ...goja.Value) (goja.Value, error) {
	ctor := d.rt.Get(name)
	obj, ok := ctor.(*goja.Object)
	if !ok {
		return nil, fmt.Errorf("global %s is not a constructor", name)
	}
	return d.rt.New(obj, args...)
}
