// Package analysis resolves lexical scoping ahead of code generation: which
// names a function body declares locally, which it captures from an
// enclosing function (upvalues), and which locals a closure captures so the
// compiler knows to box them in a values.Cell (spec section 4.3).
package analysis

import "github.com/wudi/slate/lua/ast"

// FunctionInfo is computed once per function literal (including the
// implicit top-level chunk function).
type FunctionInfo struct {
	CapturedLocals map[string]bool
	Upvalues       []string
	Vararg         bool
}

func newFunctionInfo() *FunctionInfo {
	return &FunctionInfo{CapturedLocals: make(map[string]bool)}
}

type scope struct {
	parent    *scope
	locals    map[string]bool
	captured  map[string]bool
	freeOrder []string
	freeSet   map[string]bool
	info      *FunctionInfo
}

func newScope(parent *scope, info *FunctionInfo) *scope {
	return &scope{
		parent:   parent,
		locals:   make(map[string]bool),
		captured: make(map[string]bool),
		freeSet:  make(map[string]bool),
		info:     info,
	}
}

func (s *scope) declare(name string) { s.locals[name] = true }

func (s *scope) use(name string) {
	if s.locals[name] {
		return
	}
	if !s.freeSet[name] {
		s.freeSet[name] = true
		s.freeOrder = append(s.freeOrder, name)
	}
}

func (s *scope) propagateChildUpvalues(names []string) {
	for _, name := range names {
		if s.locals[name] {
			s.captured[name] = true
		} else {
			s.use(name)
		}
	}
}

func resolvedInParents(s *scope, name string) bool {
	for cur := s.parent; cur != nil; cur = cur.parent {
		if cur.locals[name] || cur.captured[name] {
			return true
		}
	}
	return false
}

func filterUpvalues(child *scope) []string {
	var resolved []string
	for _, name := range child.freeOrder {
		if resolvedInParents(child, name) {
			resolved = append(resolved, name)
		}
	}
	return resolved
}

// Result is keyed by *ast.FunctionExpr identity, mirroring the teacher's
// id(node)-keyed mapping.
type Result struct {
	Functions map[*ast.FunctionExpr]*FunctionInfo
	Root      *FunctionInfo
}

func Analyze(chunk *ast.Chunk) *Result {
	mapping := make(map[*ast.FunctionExpr]*FunctionInfo)
	root := newFunctionInfo()
	s := newScope(nil, root)
	analyzeBlock(chunk.Body, s, mapping)
	for name := range s.captured {
		root.CapturedLocals[name] = true
	}
	return &Result{Functions: mapping, Root: root}
}

func analyzeBlock(b *ast.Block, s *scope, mapping map[*ast.FunctionExpr]*FunctionInfo) {
	for _, stmt := range b.Statements {
		analyzeStmt(stmt, s, mapping)
	}
}

func analyzeStmt(stmt ast.Stmt, s *scope, mapping map[*ast.FunctionExpr]*FunctionInfo) {
	switch st := stmt.(type) {
	case *ast.LocalAssign:
		for _, v := range st.Values {
			analyzeExpr(v, s, mapping)
		}
		for _, name := range st.Names {
			s.declare(name)
		}
	case *ast.Assign:
		for _, v := range st.Values {
			analyzeExpr(v, s, mapping)
		}
		for _, t := range st.Targets {
			analyzeExpr(t, s, mapping)
		}
	case *ast.ExprStmt:
		analyzeExpr(st.Call, s, mapping)
	case *ast.IfStmt:
		analyzeExpr(st.Cond, s, mapping)
		analyzeBlock(st.Then, s, mapping)
		for _, ei := range st.ElseIf {
			analyzeExpr(ei.Cond, s, mapping)
			analyzeBlock(ei.Body, s, mapping)
		}
		if st.Else != nil {
			analyzeBlock(st.Else, s, mapping)
		}
	case *ast.WhileStmt:
		analyzeExpr(st.Cond, s, mapping)
		analyzeBlock(st.Body, s, mapping)
	case *ast.RepeatStmt:
		// repeat's until-condition can see locals declared in the body,
		// so it shares the body's scope rather than the enclosing one.
		analyzeBlock(st.Body, s, mapping)
		analyzeExpr(st.Cond, s, mapping)
	case *ast.NumericForStmt:
		analyzeExpr(st.Start, s, mapping)
		analyzeExpr(st.Stop, s, mapping)
		if st.Step != nil {
			analyzeExpr(st.Step, s, mapping)
		}
		s.declare(st.Var)
		analyzeBlock(st.Body, s, mapping)
	case *ast.GenericForStmt:
		for _, e := range st.Exprs {
			analyzeExpr(e, s, mapping)
		}
		for _, name := range st.Names {
			s.declare(name)
		}
		analyzeBlock(st.Body, s, mapping)
	case *ast.FunctionDeclStmt:
		if st.IsLocal {
			if name, ok := st.Target.(*ast.Name); ok {
				s.declare(name.Value)
			}
		} else {
			analyzeExpr(st.Target, s, mapping)
		}
		analyzeFunctionExpr(st.Fn, s, mapping)
	case *ast.ReturnStmt:
		for _, v := range st.Values {
			analyzeExpr(v, s, mapping)
		}
	case *ast.DoStmt:
		analyzeBlock(st.Body, s, mapping)
	case *ast.BreakStmt:
		// no names involved
	}
}

func analyzeExpr(expr ast.Expr, s *scope, mapping map[*ast.FunctionExpr]*FunctionInfo) {
	switch e := expr.(type) {
	case *ast.Name:
		s.use(e.Value)
	case *ast.Index:
		analyzeExpr(e.Object, s, mapping)
		if e.Computed {
			analyzeExpr(e.Key, s, mapping)
		}
	case *ast.BinaryOp:
		analyzeExpr(e.Left, s, mapping)
		analyzeExpr(e.Right, s, mapping)
	case *ast.UnaryOp:
		analyzeExpr(e.Operand, s, mapping)
	case *ast.CallExpr:
		analyzeExpr(e.Callee, s, mapping)
		for _, a := range e.Args {
			analyzeExpr(a, s, mapping)
		}
	case *ast.FunctionExpr:
		analyzeFunctionExpr(e, s, mapping)
	case *ast.TableConstructor:
		for _, f := range e.Fields {
			if f.Key != nil {
				analyzeExpr(f.Key, s, mapping)
			}
			analyzeExpr(f.Value, s, mapping)
		}
	case *ast.VarargExpr:
		s.use("...")
	case *ast.NilLiteral, *ast.TrueLiteral, *ast.FalseLiteral, *ast.NumberLiteral, *ast.StringLiteral:
		return
	}
}

func analyzeFunctionExpr(fn *ast.FunctionExpr, s *scope, mapping map[*ast.FunctionExpr]*FunctionInfo) {
	info := newFunctionInfo()
	info.Vararg = fn.IsVararg
	child := newScope(s, info)
	for _, p := range fn.Params {
		child.declare(p)
	}
	if fn.IsVararg {
		child.declare("...")
	}
	analyzeBlock(fn.Body, child, mapping)
	for name := range child.captured {
		info.CapturedLocals[name] = true
	}
	info.Upvalues = filterUpvalues(child)
	mapping[fn] = info
	s.propagateChildUpvalues(info.Upvalues)
}
