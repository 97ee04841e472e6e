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

// Package transform parses user code and emits a semantically equivalent
// instrumented program.
//
// The instrumented program carries:
//   - a stable statement ID on every executable statement, assigned in
//     source order (__atp_stmt hooks at statement boundaries, __atp_var
//     hooks after declarations);
//   - a call-through to the callback sequencer at every pause-candidate
//     call site (__atp_invoke wrapping atp.* and api.* callees);
//   - under AST provenance mode, taint hooks on binary operators, template
//     interpolations, method calls, and known-tainted literals;
//   - batched callbacks for eligible array-method callbacks (__atp_batch).
//
// Statement IDs survive pause/resume because the same transformed program
// is replayed verbatim.
package transform

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
)

// Hook names injected by the sandbox bridge.
const (
	HookStatement = "__atp_stmt"
	HookVariable  = "__atp_var"
	HookInvoke    = "__atp_invoke"
	HookBatch     = "__atp_batch"
	HookTaint     = "__atp_taint"
	HookResult    = "__atp_res"
	HookLiteral   = "__atp_lit"
)

// batchLiteralMax is the largest array literal batched when the callback
// contains conditionals.
const batchLiteralMax = 10

// Options configures a transformation.
type Options struct {
	// ProvenanceAST enables taint-propagation hooks.
	ProvenanceAST bool

	// TaintedLiteral reports whether a string literal value is known
	// tainted from verified provenance hints; matching literal sites are
	// wrapped. Callers typically check the literal's content digest.
	TaintedLiteral func(value string) bool
}

// PauseSite describes one pause-candidate call site in the program.
type PauseSite struct {
	// Path is the dotted callee path, e.g. "atp.llm.call" or "api.crm.lookup".
	Path string

	// Offset is the callee's byte offset in the original source.
	Offset int

	// Batched marks sites rewritten into a batched callback.
	Batched bool
}

// Result is the outcome of a transformation.
type Result struct {
	// Code is the instrumented program.
	Code string

	// StatementCount is the number of statement IDs assigned.
	StatementCount int

	// PauseSites lists pause-candidate call sites in source order.
	PauseSites []PauseSite

	// BatchSites counts sites rewritten into batched callbacks.
	BatchSites int
}

// parseWrapPrefix wraps the program for parsing. The program source is the
// body of an implicit function, so statements like a top-level return are
// legal input; the parser only accepts them inside a function.
const parseWrapPrefix = "function __atp_main(){"

// Transform instruments the user program. A parse failure is returned as an
// error; the caller maps it to the parse_error kind.
func Transform(src string, opts Options) (*Result, error) {
	neutralized, asyncOffsets := neutralizeAsync(src)

	wrapped := parseWrapPrefix + neutralized + "\n}"
	program, err := parser.ParseFile(nil, "user_code.js", wrapped, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to parse user code: %w", err)
	}
	body, ok := wrappedBody(program)
	if !ok {
		return nil, fmt.Errorf("failed to parse user code: unbalanced program")
	}

	w := &walker{
		src:          neutralized,
		base:         len(parseWrapPrefix),
		edits:        &editList{},
		opts:         opts,
		asyncOffsets: asyncOffsets,
	}
	w.stmtList(body, 0)

	return &Result{
		Code:           w.edits.apply(neutralized),
		StatementCount: w.nextStmtID,
		PauseSites:     w.pauseSites,
		BatchSites:     w.batchSites,
	}, nil
}

// wrappedBody extracts the wrapper function's statement list. A program that
// parses to anything else escaped the wrapper with stray braces.
func wrappedBody(program *ast.Program) ([]ast.Statement, bool) {
	if len(program.Body) != 1 {
		return nil, false
	}
	decl, ok := program.Body[0].(*ast.FunctionDeclaration)
	if !ok || decl.Function.Body == nil {
		return nil, false
	}
	return decl.Function.Body.List, true
}

// IsPausePath reports whether a dotted callee path is a pause-candidate.
// All api.* sites count, conservatively, even when the target is unknown at
// transform time.
func IsPausePath(path string) bool {
	return strings.HasPrefix(path, "atp.") || strings.HasPrefix(path, "api.")
}

type walker struct {
	src          string
	base         int
	edits        *editList
	opts         Options
	asyncOffsets []int

	nextStmtID int
	pauseSites []PauseSite
	batchSites int
}

// Node indices point into the wrapped parse source; subtracting base maps
// them back onto the neutralized program the edits splice into.
func (w *walker) off0(n ast.Node) int { return int(n.Idx0()) - 1 - w.base }
func (w *walker) off1(n ast.Node) int { return int(n.Idx1()) - 1 - w.base }

// stmtList instruments statements in a statement-list position: a boundary
// hook before each, variable hooks after declarations.
func (w *walker) stmtList(stmts []ast.Statement, depth int) {
	for _, stmt := range stmts {
		w.nextStmtID++
		id := w.nextStmtID
		w.edits.insertOpen(w.off0(stmt), depth, HookStatement+"("+strconv.Itoa(id)+");")
		w.walkStmt(stmt, depth)
		w.varHooks(stmt, id, depth)
	}
}

// varHooks records declared variables into the statement's snapshot.
func (w *walker) varHooks(stmt ast.Statement, id, depth int) {
	bindings := declaredBindings(stmt)
	if len(bindings) == 0 {
		return
	}
	var hooks strings.Builder
	for _, name := range bindings {
		fmt.Fprintf(&hooks, ";%s(%d, %q, %s);", HookVariable, id, name, name)
	}
	w.edits.insertClose(w.off1(stmt), depth, hooks.String())
}

func declaredBindings(stmt ast.Statement) []string {
	var names []string
	collect := func(list []*ast.Binding) {
		for _, b := range list {
			if ident, ok := b.Target.(*ast.Identifier); ok {
				names = append(names, string(ident.Name))
			}
		}
	}
	switch s := stmt.(type) {
	case *ast.VariableStatement:
		collect(s.List)
	case *ast.LexicalDeclaration:
		collect(s.List)
	}
	return names
}

func (w *walker) walkStmt(stmt ast.Statement, depth int) {
	switch s := stmt.(type) {
	case *ast.BlockStatement:
		w.stmtList(s.List, depth+1)
	case *ast.ExpressionStatement:
		w.walkExpr(s.Expression, depth+1)
	case *ast.VariableStatement:
		for _, b := range s.List {
			if b.Initializer != nil {
				w.walkExpr(b.Initializer, depth+1)
			}
		}
	case *ast.LexicalDeclaration:
		for _, b := range s.List {
			if b.Initializer != nil {
				w.walkExpr(b.Initializer, depth+1)
			}
		}
	case *ast.IfStatement:
		w.walkExpr(s.Test, depth+1)
		w.walkStmt(s.Consequent, depth)
		if s.Alternate != nil {
			w.walkStmt(s.Alternate, depth)
		}
	case *ast.ForStatement:
		if s.Test != nil {
			w.walkExpr(s.Test, depth+1)
		}
		if s.Update != nil {
			w.walkExpr(s.Update, depth+1)
		}
		w.walkStmt(s.Body, depth)
	case *ast.ForOfStatement:
		w.walkExpr(s.Source, depth+1)
		w.walkStmt(s.Body, depth)
	case *ast.ForInStatement:
		w.walkExpr(s.Source, depth+1)
		w.walkStmt(s.Body, depth)
	case *ast.WhileStatement:
		w.walkExpr(s.Test, depth+1)
		w.walkStmt(s.Body, depth)
	case *ast.DoWhileStatement:
		w.walkStmt(s.Body, depth)
		w.walkExpr(s.Test, depth+1)
	case *ast.ReturnStatement:
		if s.Argument != nil {
			w.walkExpr(s.Argument, depth+1)
		}
	case *ast.ThrowStatement:
		w.walkExpr(s.Argument, depth+1)
	case *ast.TryStatement:
		w.walkStmt(s.Body, depth)
		if s.Catch != nil {
			w.walkStmt(s.Catch.Body, depth)
		}
		if s.Finally != nil {
			w.walkStmt(s.Finally, depth)
		}
	case *ast.SwitchStatement:
		w.walkExpr(s.Discriminant, depth+1)
		for _, c := range s.Body {
			if c.Test != nil {
				w.walkExpr(c.Test, depth+1)
			}
			w.stmtList(c.Consequent, depth+1)
		}
	case *ast.LabelledStatement:
		w.walkStmt(s.Statement, depth)
	case *ast.FunctionDeclaration:
		w.walkFunction(s.Function, depth)
	}
}

func (w *walker) walkFunction(fn *ast.FunctionLiteral, depth int) {
	if fn.Body != nil {
		w.stmtList(fn.Body.List, depth+1)
	}
}

func (w *walker) walkExpr(expr ast.Expression, depth int) {
	switch e := expr.(type) {
	case *ast.CallExpression:
		w.walkCall(e, depth)

	case *ast.BinaryExpression:
		if w.opts.ProvenanceAST && taintedOperator(e.Operator.String()) {
			w.wrap(e, depth, HookResult)
			w.wrap(e.Left, depth+1, HookTaint)
			w.wrap(e.Right, depth+1, HookTaint)
		}
		w.walkExpr(e.Left, depth+1)
		w.walkExpr(e.Right, depth+1)

	case *ast.AssignExpression:
		w.walkExpr(e.Left, depth+1)
		w.walkExpr(e.Right, depth+1)

	case *ast.ConditionalExpression:
		w.walkExpr(e.Test, depth+1)
		w.walkExpr(e.Consequent, depth+1)
		w.walkExpr(e.Alternate, depth+1)

	case *ast.UnaryExpression:
		w.walkExpr(e.Operand, depth+1)

	case *ast.NewExpression:
		w.walkExpr(e.Callee, depth+1)
		for _, arg := range e.ArgumentList {
			w.walkExpr(arg, depth+1)
		}

	case *ast.SequenceExpression:
		for _, sub := range e.Sequence {
			w.walkExpr(sub, depth+1)
		}

	case *ast.ArrayLiteral:
		for _, item := range e.Value {
			if item != nil {
				w.walkExpr(item, depth+1)
			}
		}

	case *ast.ObjectLiteral:
		for _, prop := range e.Value {
			switch p := prop.(type) {
			case *ast.PropertyKeyed:
				w.walkExpr(p.Value, depth+1)
			case *ast.PropertyShort:
				if p.Initializer != nil {
					w.walkExpr(p.Initializer, depth+1)
				}
			case *ast.SpreadElement:
				w.walkExpr(p.Expression, depth+1)
			}
		}

	case *ast.TemplateLiteral:
		if w.opts.ProvenanceAST && len(e.Expressions) > 0 {
			w.wrap(e, depth, HookResult)
			for _, sub := range e.Expressions {
				w.wrap(sub, depth+1, HookTaint)
			}
		}
		for _, sub := range e.Expressions {
			w.walkExpr(sub, depth+1)
		}

	case *ast.StringLiteral:
		if w.opts.ProvenanceAST && w.opts.TaintedLiteral != nil && w.opts.TaintedLiteral(string(e.Value)) {
			w.wrap(e, depth, HookLiteral)
		}

	case *ast.DotExpression:
		w.walkExpr(e.Left, depth+1)

	case *ast.BracketExpression:
		w.walkExpr(e.Left, depth+1)
		w.walkExpr(e.Member, depth+1)

	case *ast.FunctionLiteral:
		w.walkFunction(e, depth)

	case *ast.ArrowFunctionLiteral:
		switch body := e.Body.(type) {
		case *ast.BlockStatement:
			w.stmtList(body.List, depth+1)
		case *ast.ExpressionBody:
			w.walkExpr(body.Expression, depth+1)
		}
	}
}

// walkCall handles the pause-candidate and batch rewrites.
func (w *walker) walkCall(call *ast.CallExpression, depth int) {
	if path, ok := memberPath(call.Callee); ok && IsPausePath(path) {
		// Replace the callee with a sequencer call-through. The returned
		// closure is invoked after the arguments evaluate, so nested pause
		// sites inside arguments take their sequence numbers first.
		w.pauseSites = append(w.pauseSites, PauseSite{Path: path, Offset: w.off0(call.Callee)})
		w.edits.replace(w.off0(call.Callee), w.off1(call.Callee), HookInvoke+"("+strconv.Quote(path)+")")
		for _, arg := range call.ArgumentList {
			w.walkExpr(arg, depth+1)
		}
		return
	}

	if w.tryBatch(call, depth) {
		return
	}

	// Method call on a possibly tool-sourced object: propagate taint from
	// receiver to result under AST provenance mode. Pause-candidate callees
	// returned above, so any dot callee here is an ordinary method call.
	if w.opts.ProvenanceAST {
		if dot, ok := call.Callee.(*ast.DotExpression); ok {
			w.wrap(call, depth, HookResult)
			w.wrap(dot.Left, depth+1, HookTaint)
		}
	}

	w.walkExpr(call.Callee, depth+1)
	for _, arg := range call.ArgumentList {
		w.walkExpr(arg, depth+1)
	}
}

// tryBatch rewrites `arr.map(cb)` / `arr.forEach(cb)` into a batched
// callback when the callback is eligible. Returns true when rewritten.
func (w *walker) tryBatch(call *ast.CallExpression, depth int) bool {
	dot, ok := call.Callee.(*ast.DotExpression)
	if !ok {
		return false
	}
	method := string(dot.Identifier.Name)
	if (method != "map" && method != "forEach") || len(call.ArgumentList) != 1 {
		return false
	}
	cb := call.ArgumentList[0]
	if !w.wasAsync(w.off0(cb)) {
		return false
	}
	if !w.batchEligible(cb, dot.Left) {
		return false
	}
	// The receiver text is spliced verbatim; bail out if it already carries
	// edits of its own.
	arrStart, arrEnd := w.off0(dot.Left), w.off1(dot.Left)
	if w.edits.hasEditsIn(arrStart, arrEnd) || containsPauseSite(dot.Left) {
		return false
	}

	w.batchSites++
	arrSrc := w.src[arrStart:arrEnd]
	w.edits.replace(w.off0(dot), w.off1(dot),
		HookBatch+"(("+arrSrc+"), "+strconv.Quote(method)+")")
	w.markBatched(cb, depth)
	return true
}

// markBatched instruments the callback; its single pause site is flagged.
func (w *walker) markBatched(cb ast.Expression, depth int) {
	before := len(w.pauseSites)
	w.walkExpr(cb, depth+1)
	for i := before; i < len(w.pauseSites); i++ {
		w.pauseSites[i].Batched = true
	}
}

// wasAsync reports whether an async token was removed just before offset.
func (w *walker) wasAsync(offset int) bool {
	for _, o := range w.asyncOffsets {
		if o <= offset && offset-o <= 8 {
			return true
		}
	}
	return false
}

// wrap surrounds a node with hook( ... ).
func (w *walker) wrap(n ast.Node, depth int, hook string) {
	w.edits.insertOpen(w.off0(n), depth, hook+"((")
	w.edits.insertClose(w.off1(n), depth, "))")
}

// memberPath flattens a chain of dot accesses rooted at an identifier into
// "a.b.c". Returns false for computed access or non-identifier roots.
func memberPath(expr ast.Expression) (string, bool) {
	switch e := expr.(type) {
	case *ast.Identifier:
		return string(e.Name), true
	case *ast.DotExpression:
		left, ok := memberPath(e.Left)
		if !ok {
			return "", false
		}
		return left + "." + string(e.Identifier.Name), true
	}
	return "", false
}

// taintedOperator lists the binary operators that propagate taint.
func taintedOperator(op string) bool {
	switch op {
	case "+", "-", "*", "/", "%":
		return true
	}
	return false
}
