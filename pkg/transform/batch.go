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

import "github.com/dop251/goja/ast"

// batchEligible reports whether an array-method callback qualifies for the
// batched-callback rewrite. The callback must hold exactly one
// pause-candidate call, no loops, no try blocks, no break/continue, and no
// return before its final statement. Conditionals are allowed only when the
// receiver is an array literal small enough that issuing per-element pauses
// individually would still be bounded.
func (w *walker) batchEligible(cb ast.Expression, receiver ast.Expression) bool {
	var scan batchScan
	scan.scanExpr(cb, true)

	if scan.pauseCalls != 1 {
		return false
	}
	if scan.loops || scan.tryBlocks || scan.breakContinue || scan.earlyReturn {
		return false
	}
	if scan.conditionals {
		arr, ok := receiver.(*ast.ArrayLiteral)
		if !ok || len(arr.Value) >= batchLiteralMax {
			return false
		}
	}
	return true
}

// containsPauseSite reports whether an expression holds any pause-candidate
// call. Used to keep receivers out of the verbatim batch splice.
func containsPauseSite(expr ast.Expression) bool {
	var scan batchScan
	scan.scanExpr(expr, false)
	return scan.pauseCalls > 0
}

type batchScan struct {
	pauseCalls    int
	loops         bool
	tryBlocks     bool
	breakContinue bool
	conditionals  bool
	earlyReturn   bool
}

// scanBody walks a function body's statement list. A statement that can
// return before the list's final statement marks earlyReturn.
func (s *batchScan) scanBody(stmts []ast.Statement) {
	for i, stmt := range stmts {
		last := i == len(stmts)-1
		if !last && stmtReturns(stmt) {
			s.earlyReturn = true
		}
		s.scanStmt(stmt)
	}
}

func (s *batchScan) scanStmt(stmt ast.Statement) {
	switch st := stmt.(type) {
	case *ast.BlockStatement:
		s.scanBody(st.List)
	case *ast.ExpressionStatement:
		s.scanExpr(st.Expression, false)
	case *ast.VariableStatement:
		for _, b := range st.List {
			if b.Initializer != nil {
				s.scanExpr(b.Initializer, false)
			}
		}
	case *ast.LexicalDeclaration:
		for _, b := range st.List {
			if b.Initializer != nil {
				s.scanExpr(b.Initializer, false)
			}
		}
	case *ast.ReturnStatement:
		if st.Argument != nil {
			s.scanExpr(st.Argument, false)
		}
	case *ast.IfStatement:
		s.conditionals = true
		s.scanExpr(st.Test, false)
		s.scanStmt(st.Consequent)
		if st.Alternate != nil {
			s.scanStmt(st.Alternate)
		}
	case *ast.ForStatement, *ast.ForOfStatement, *ast.ForInStatement,
		*ast.WhileStatement, *ast.DoWhileStatement:
		s.loops = true
	case *ast.TryStatement:
		s.tryBlocks = true
	case *ast.BranchStatement:
		s.breakContinue = true
	case *ast.ThrowStatement:
		s.scanExpr(st.Argument, false)
	case *ast.SwitchStatement:
		s.conditionals = true
		for _, c := range st.Body {
			s.scanBody(c.Consequent)
		}
	case *ast.LabelledStatement:
		s.scanStmt(st.Statement)
	}
}

// scanExpr walks an expression; root unwraps the callback's own function
// literal without counting it as a nested function.
func (s *batchScan) scanExpr(expr ast.Expression, root bool) {
	switch e := expr.(type) {
	case *ast.CallExpression:
		if path, ok := memberPath(e.Callee); ok && IsPausePath(path) {
			s.pauseCalls++
		} else {
			s.scanExpr(e.Callee, false)
		}
		for _, arg := range e.ArgumentList {
			s.scanExpr(arg, false)
		}
	case *ast.FunctionLiteral:
		if root && e.Body != nil {
			s.scanBody(e.Body.List)
		}
	case *ast.ArrowFunctionLiteral:
		if !root {
			return
		}
		switch body := e.Body.(type) {
		case *ast.BlockStatement:
			s.scanBody(body.List)
		case *ast.ExpressionBody:
			s.scanExpr(body.Expression, false)
		}
	case *ast.BinaryExpression:
		s.scanExpr(e.Left, false)
		s.scanExpr(e.Right, false)
	case *ast.AssignExpression:
		s.scanExpr(e.Left, false)
		s.scanExpr(e.Right, false)
	case *ast.ConditionalExpression:
		s.conditionals = true
		s.scanExpr(e.Test, false)
		s.scanExpr(e.Consequent, false)
		s.scanExpr(e.Alternate, false)
	case *ast.UnaryExpression:
		s.scanExpr(e.Operand, false)
	case *ast.NewExpression:
		s.scanExpr(e.Callee, false)
		for _, arg := range e.ArgumentList {
			s.scanExpr(arg, false)
		}
	case *ast.SequenceExpression:
		for _, sub := range e.Sequence {
			s.scanExpr(sub, false)
		}
	case *ast.ArrayLiteral:
		for _, item := range e.Value {
			if item != nil {
				s.scanExpr(item, false)
			}
		}
	case *ast.ObjectLiteral:
		for _, prop := range e.Value {
			switch p := prop.(type) {
			case *ast.PropertyKeyed:
				s.scanExpr(p.Value, false)
			case *ast.PropertyShort:
				if p.Initializer != nil {
					s.scanExpr(p.Initializer, false)
				}
			case *ast.SpreadElement:
				s.scanExpr(p.Expression, false)
			}
		}
	case *ast.TemplateLiteral:
		for _, sub := range e.Expressions {
			s.scanExpr(sub, false)
		}
	case *ast.DotExpression:
		s.scanExpr(e.Left, false)
	case *ast.BracketExpression:
		s.scanExpr(e.Left, false)
		s.scanExpr(e.Member, false)
	}
}

// stmtReturns reports whether a statement can complete the function.
func stmtReturns(stmt ast.Statement) bool {
	switch st := stmt.(type) {
	case *ast.ReturnStatement:
		return true
	case *ast.BlockStatement:
		for _, sub := range st.List {
			if stmtReturns(sub) {
				return true
			}
		}
	case *ast.IfStatement:
		if stmtReturns(st.Consequent) {
			return true
		}
		if st.Alternate != nil {
			return stmtReturns(st.Alternate)
		}
	case *ast.LabelledStatement:
		return stmtReturns(st.Statement)
	}
	return false
}
