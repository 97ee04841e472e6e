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

package sandbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/dop251/goja"

	"github.com/kadirpekel/atp/pkg/provenance"
	"github.com/kadirpekel/atp/pkg/sequencer"
	"github.com/kadirpekel/atp/pkg/serialize"
	"github.com/kadirpekel/atp/pkg/tool"
	"github.com/kadirpekel/atp/pkg/transform"
)

// proxyWrapSource defines the proxy-mode wrapper: tool-sourced objects get
// a non-enumerable back-reference, and property reads propagate it to
// nested objects.
const proxyWrapSource = `(function (obj, metaId, wrap) {
	if (obj === null || typeof obj !== "object") {
		return obj;
	}
	Object.defineProperty(obj, "__atp_prov", {
		value: metaId,
		enumerable: false,
		configurable: true
	});
	return new Proxy(obj, {
		get: function (target, prop) {
			var v = target[prop];
			if (v !== null && typeof v === "object" && !v.__atp_prov) {
				return wrap(v, metaId, wrap);
			}
			return v;
		}
	});
})`

type bridge struct {
	rt  *goja.Runtime
	cfg Config
	res *RunResult
	ctx context.Context

	serializer   *serialize.Serializer
	deserializer *serialize.Deserializer

	// proxyWrap is the installed JS wrapper; wrapVal is the same function as
	// a value, passed back in so the wrapper can recurse.
	proxyWrap goja.Callable
	wrapVal   goja.Value

	// pendingTaint accumulates operand metadata between __atp_taint and the
	// enclosing __atp_res under AST provenance mode.
	pendingTaint []*provenance.Metadata
}

func (b *bridge) install(ctx context.Context) error {
	b.ctx = ctx
	b.serializer = serialize.NewSerializer(b.rt)
	b.deserializer = serialize.NewDeserializer(b.rt)

	if err := b.installHooks(); err != nil {
		return err
	}
	if err := b.installNamespaces(); err != nil {
		return err
	}
	if b.proxyEnabled() {
		wrapVal, err := b.rt.RunString(proxyWrapSource)
		if err != nil {
			return fmt.Errorf("failed to install proxy wrapper: %w", err)
		}
		wrap, ok := goja.AssertFunction(wrapVal)
		if !ok {
			return fmt.Errorf("proxy wrapper is not callable")
		}
		b.proxyWrap = wrap
		b.wrapVal = wrapVal
	}
	return nil
}

func (b *bridge) provEnabled() bool {
	return b.cfg.Provenance != nil && b.cfg.Provenance.Enabled() && b.cfg.Registry != nil
}

func (b *bridge) proxyEnabled() bool {
	return b.provEnabled() && b.cfg.Provenance.ProxyMode()
}

// installHooks wires the instrumentation primitives the transformer emits.
func (b *bridge) installHooks() error {
	hooks := map[string]any{
		transform.HookStatement: func(id int64) {
			b.cfg.Snapshots.BeginStatement(uint32(id))
			if b.cfg.Checkpoint != nil && b.cfg.Snapshots.ShouldCheckpoint() {
				b.cfg.Checkpoint()
			}
		},
		transform.HookVariable: func(id int64, name string, v goja.Value) {
			b.cfg.Snapshots.RecordVariable(uint32(id), name, b.serializer.Serialize(v, nil))
		},
		transform.HookInvoke: func(path string) goja.Value {
			return b.rt.ToValue(func(call goja.FunctionCall) goja.Value {
				return b.invoke(path, call)
			})
		},
		transform.HookBatch:   b.batch,
		transform.HookTaint:   b.taint,
		transform.HookResult:  b.taintResult,
		transform.HookLiteral: b.taintLiteral,
	}
	for name, fn := range hooks {
		if err := b.rt.Set(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// installNamespaces builds the atp.* capabilities and the api.* tool tree.
// The transformer routes calls through __atp_invoke, but the real objects
// stay callable so computed access behaves identically.
func (b *bridge) installNamespaces() error {
	caller := func(path string) func(call goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			return b.invoke(path, call)
		}
	}

	atp := b.rt.NewObject()
	groups := map[string]map[string]string{
		"llm":       {"call": "atp.llm.call"},
		"approval":  {"request": "atp.approval.request"},
		"embedding": {"embed": "atp.embedding.embed"},
		"cache":     {"get": "atp.cache.get", "set": "atp.cache.set"},
	}
	for group, fns := range groups {
		obj := b.rt.NewObject()
		for fn, path := range fns {
			if err := obj.Set(fn, caller(path)); err != nil {
				return err
			}
		}
		if err := atp.Set(group, obj); err != nil {
			return err
		}
	}
	if err := atp.Set("progress", caller("atp.progress")); err != nil {
		return err
	}
	if err := atp.Set("log", caller("atp.log")); err != nil {
		return err
	}
	if err := b.rt.Set("atp", atp); err != nil {
		return err
	}

	api := b.rt.NewObject()
	if b.cfg.Tools != nil {
		namespaces := make(map[string]*goja.Object)
		for _, entry := range b.cfg.Tools.Entries() {
			ns, ok := namespaces[entry.Namespace]
			if !ok {
				ns = b.rt.NewObject()
				namespaces[entry.Namespace] = ns
				if err := api.Set(entry.Namespace, ns); err != nil {
					return err
				}
			}
			if err := ns.Set(entry.Name, caller(entry.Path())); err != nil {
				return err
			}
		}
	}
	return b.rt.Set("api", api)
}

// invoke dispatches one injected-capability call.
func (b *bridge) invoke(path string, call goja.FunctionCall) goja.Value {
	switch path {
	case "atp.llm.call":
		b.res.LLMCalls++
		if max := b.cfg.Limits.MaxLLMCalls; max > 0 && b.res.LLMCalls > max {
			b.rt.Interrupt(llmLimitSignal{})
			return goja.Undefined()
		}
		return b.pauseCall(sequencer.KindLLM, "call", call.Argument(0))

	case "atp.approval.request":
		b.res.ApprovalCalls++
		return b.pauseCall(sequencer.KindApproval, "request", call.Argument(0))

	case "atp.embedding.embed":
		return b.pauseCall(sequencer.KindEmbedding, "embed", call.Argument(0))

	case "atp.cache.get":
		key := call.Argument(0).String()
		if b.cfg.Cache == nil {
			return goja.Undefined()
		}
		v, ok := b.cfg.Cache[key]
		if !ok {
			return goja.Undefined()
		}
		return b.rt.ToValue(v)

	case "atp.cache.set":
		if b.cfg.Cache != nil {
			b.cfg.Cache[call.Argument(0).String()] = call.Argument(1).Export()
		}
		return goja.Undefined()

	case "atp.progress":
		b.res.Progress = append(b.res.Progress, call.Argument(0).String())
		return goja.Undefined()

	case "atp.log":
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		b.res.Logs = append(b.res.Logs, strings.Join(parts, " "))
		return goja.Undefined()
	}

	if strings.HasPrefix(path, "api.") {
		return b.toolCall(path, call)
	}

	b.throw(fmt.Sprintf("unknown capability %s", path))
	return goja.Undefined()
}

// pauseCall routes one atp.* service call through the sequencer.
func (b *bridge) pauseCall(kind sequencer.Kind, operation string, arg goja.Value) goja.Value {
	outcome, disp := b.cfg.Sequencer.Invoke(kind, operation, exportValue(arg))
	switch disp {
	case sequencer.Replayed:
		if outcome.Err != nil {
			b.throw(outcome.Err.Message)
			return goja.Undefined()
		}
		value := b.rt.ToValue(outcome.Value)
		if kind == sequencer.KindLLM && b.provEnabled() {
			b.cfg.Provenance.TagLLMResult(b.cfg.Registry, outcome.Value)
		}
		return value
	case sequencer.Collected:
		return goja.Undefined()
	default:
		b.rt.Interrupt(pauseSignal{})
		return goja.Undefined()
	}
}

// toolCall dispatches an api.* call: policy evaluation, then either a
// client/deferred pause or a resident handler invocation with snapshot
// memoization.
func (b *bridge) toolCall(path string, call goja.FunctionCall) goja.Value {
	entry, ok := b.cfg.Tools.Resolve(path)
	if !ok {
		b.throw(fmt.Sprintf("unknown tool %s", path))
		return goja.Undefined()
	}
	args := exportArgs(call.Argument(0))

	needsApproval := entry.Metadata.RequiresApproval
	if b.provEnabled() {
		decision := b.cfg.Provenance.CheckToolCall(provenance.Input{
			Tool:       entry.Name,
			Args:       args,
			Provenance: b.cfg.Registry.Collect,
		})
		switch decision.Action {
		case provenance.ActionBlock:
			b.rt.Interrupt(securitySignal{policy: decision.Policy, reason: decision.Reason})
			return goja.Undefined()
		case provenance.ActionApprove:
			needsApproval = true
		}
	}

	if needsApproval {
		if !b.requestApproval(entry.Name, args) {
			return goja.Undefined()
		}
	}

	if entry.Pauses() {
		return b.clientToolCall(path, entry, args)
	}
	return b.serverToolCall(entry, args)
}

// requestApproval pauses for a human decision. Returns true when the call
// may proceed; false when the run was interrupted (pause or denial).
func (b *bridge) requestApproval(toolName string, args map[string]any) bool {
	b.res.ApprovalCalls++
	outcome, disp := b.cfg.Sequencer.Invoke(sequencer.KindApproval, "tool_approval", map[string]any{
		"tool":      toolName,
		"arguments": args,
	})
	switch disp {
	case sequencer.Replayed:
		if outcome.Err != nil {
			b.throw(outcome.Err.Message)
			return false
		}
		if approved(outcome.Value) {
			return true
		}
		b.rt.Interrupt(approvalDeniedSignal{tool: toolName})
		return false
	default:
		b.rt.Interrupt(pauseSignal{})
		return false
	}
}

func approved(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case map[string]any:
		ok, _ := t["approved"].(bool)
		return ok
	}
	return false
}

func (b *bridge) clientToolCall(path string, entry *tool.Entry, args map[string]any) goja.Value {
	outcome, disp := b.cfg.Sequencer.Invoke(sequencer.KindTool, path, args)
	switch disp {
	case sequencer.Replayed:
		if outcome.Err != nil {
			b.throw(outcome.Err.Message)
			return goja.Undefined()
		}
		return b.tagToolValue(entry, outcome.Value)
	case sequencer.Collected:
		return goja.Undefined()
	default:
		b.rt.Interrupt(pauseSignal{})
		return goja.Undefined()
	}
}

func (b *bridge) serverToolCall(entry *tool.Entry, args map[string]any) goja.Value {
	// Deterministic server-side calls memoize under their statement ID, so
	// replay skips re-execution.
	stmtID, inStatement := b.cfg.Snapshots.CurrentStatement()
	if inStatement {
		if memoized, hit := b.cfg.Snapshots.Lookup(stmtID); hit {
			if value, err := b.deserializer.Deserialize(memoized, nil); err == nil {
				return value
			}
		}
	}

	out, err := entry.Handler(b.ctx, args)
	if err != nil {
		// Thrown into user code, which may catch.
		b.throw(err.Error())
		return goja.Undefined()
	}
	value := b.tagToolValue(entry, out)
	if inStatement {
		b.cfg.Snapshots.RecordResult(stmtID, b.serializer.Serialize(value, nil))
	}
	return value
}

// tagToolValue registers taint for a tool result and, in proxy mode, wraps
// objects so reads propagate it. The client may attach an explicit
// __readers envelope to the result; otherwise readers derive from the
// tool's declared sensitivity.
func (b *bridge) tagToolValue(entry *tool.Entry, value any) goja.Value {
	readers, value := extractReaders(value, entry)
	jsValue := b.rt.ToValue(value)
	if !b.provEnabled() {
		return jsValue
	}
	meta := b.cfg.Provenance.TagToolResult(b.cfg.Registry, value, entry.Name, readers)
	if b.proxyEnabled() {
		if wrapped, err := b.proxyWrap(goja.Undefined(), jsValue, b.rt.ToValue(meta.ID), b.wrapVal); err == nil {
			return wrapped
		}
	}
	return jsValue
}

// extractReaders resolves the reader set for a tool result. A map result
// may carry a __readers envelope ({"kind": "restricted", "readers": [...]})
// which is honored and stripped; otherwise sensitive tools get readers
// restricted to the tool itself and everything else is public.
func extractReaders(value any, entry *tool.Entry) (provenance.Readers, any) {
	if m, ok := value.(map[string]any); ok {
		if raw, ok := m["__readers"].(map[string]any); ok {
			delete(m, "__readers")
			readers := provenance.Readers{Kind: provenance.ReaderKind(fmt.Sprint(raw["kind"]))}
			if list, ok := raw["readers"].([]any); ok {
				for _, item := range list {
					readers.Readers = append(readers.Readers, fmt.Sprint(item))
				}
			}
			if readers.Kind == provenance.ReadersPublic || readers.Kind == provenance.ReadersRestricted {
				return readers, m
			}
		}
	}
	if entry.Metadata.Sensitivity == tool.SensitivitySensitive {
		return provenance.Readers{
			Kind:    provenance.ReadersRestricted,
			Readers: []string{provenance.ToolReader(entry.Name)},
		}, value
	}
	return provenance.Readers{Kind: provenance.ReadersPublic}, value
}

// taint records operand provenance under AST mode; identity otherwise.
func (b *bridge) taint(v goja.Value) goja.Value {
	if b.provEnabled() {
		b.pendingTaint = append(b.pendingTaint, b.cfg.Registry.Collect(v.Export())...)
	}
	return v
}

// taintResult propagates accumulated operand taint onto an expression
// result.
func (b *bridge) taintResult(v goja.Value) goja.Value {
	if !b.provEnabled() || len(b.pendingTaint) == 0 {
		return v
	}
	merged := mergeMetadata(b.pendingTaint)
	b.pendingTaint = b.pendingTaint[:0]
	b.cfg.Registry.Tag(v.Export(), merged)
	return v
}

// taintLiteral marks a literal site whose digest matched a verified hint.
// The registry already holds the digest; the hook keeps evaluation order
// explicit and feeds the surrounding __atp_res.
func (b *bridge) taintLiteral(v goja.Value) goja.Value {
	return b.taint(v)
}

// mergeMetadata derives the provenance of a value combined from several
// tainted operands: most restrictive readers win, LLM origin dominates.
func mergeMetadata(metas []*provenance.Metadata) *provenance.Metadata {
	source := metas[0].Source
	readers := provenance.Readers{Kind: provenance.ReadersPublic}
	deps := make([]string, 0, len(metas))
	for _, m := range metas {
		deps = append(deps, m.ID)
		if m.Source.Kind == provenance.SourceLLM {
			source = m.Source
		}
		if m.Restricted() && readers.Kind == provenance.ReadersPublic {
			readers = m.Readers
		}
	}
	return provenance.NewMetadata(source, readers, deps...)
}

// batch implements the batched-callback rewrite: iterate the array inside
// one sequencer batch scope, collecting all fresh pauses into a single
// pending record.
func (b *bridge) batch(arr goja.Value, method string) goja.Value {
	return b.rt.ToValue(func(call goja.FunctionCall) goja.Value {
		cb, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			b.throw("batched callback is not a function")
			return goja.Undefined()
		}

		obj := arr.ToObject(b.rt)
		length := obj.Get("length").ToInteger()

		b.cfg.Sequencer.EnterBatch()
		results := make([]goja.Value, 0, length)
		for i := int64(0); i < length; i++ {
			item := obj.Get(fmt.Sprintf("%d", i))
			out, err := cb(goja.Undefined(), item, b.rt.ToValue(i))
			if err != nil {
				b.cfg.Sequencer.ExitBatch()
				panicFromCallable(err)
			}
			results = append(results, out)
		}
		if b.cfg.Sequencer.ExitBatch() {
			b.rt.Interrupt(pauseSignal{})
			return goja.Undefined()
		}

		if method == "forEach" {
			return goja.Undefined()
		}
		items := make([]any, len(results))
		for i, v := range results {
			items[i] = v
		}
		return b.rt.NewArray(items...)
	})
}

// panicFromCallable rethrows an error from a JS callback so the exception
// keeps propagating through user code.
func panicFromCallable(err error) {
	if ex, ok := err.(*goja.Exception); ok {
		panic(ex.Value())
	}
	panic(err)
}

// throw raises a real JS Error so user code can catch it and read message.
func (b *bridge) throw(msg string) {
	ctor := b.rt.Get("Error")
	if obj, err := b.rt.New(ctor, b.rt.ToValue(msg)); err == nil {
		panic(b.rt.ToValue(obj))
	}
	panic(b.rt.ToValue(msg))
}

// exportResult deep-copies the completion value out of the isolate,
// stripping provenance back-references by own-property enumeration.
func (b *bridge) exportResult(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return stripBackrefs(v.Export())
}

// stripBackrefs removes internal back-reference keys recursively. Exported
// maps only carry enumerable properties, but a client-supplied result may
// embed the key literally.
func stripBackrefs(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for key := range t {
			if key == "__atp_prov" || key == "__readers" {
				delete(t, key)
				continue
			}
			t[key] = stripBackrefs(t[key])
		}
		return t
	case []any:
		for i := range t {
			t[i] = stripBackrefs(t[i])
		}
		return t
	default:
		return v
	}
}

func exportValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

func exportArgs(v goja.Value) map[string]any {
	exported := exportValue(v)
	if args, ok := exported.(map[string]any); ok {
		return args
	}
	if exported == nil {
		return map[string]any{}
	}
	return map[string]any{"value": exported}
}
