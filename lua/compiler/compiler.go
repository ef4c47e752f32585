// Package compiler lowers a lua/ast tree into the shared register
// bytecode (spec section 4.3), guided by the capture information
// lua/analysis computes per function.
package compiler

import (
	"fmt"

	"github.com/wudi/slate/lua/analysis"
	"github.com/wudi/slate/lua/ast"
	"github.com/wudi/slate/opcodes"
	"github.com/wudi/slate/values"
)

// CompileError reports a lowering failure (scope or arity mistakes the
// parser can't catch, e.g. `break` outside a loop).
type CompileError struct{ msg string }

func (e *CompileError) Error() string { return e.msg }

func errf(format string, args ...interface{}) error {
	return &CompileError{msg: fmt.Sprintf(format, args...)}
}

type varBinding struct {
	storage  string
	isCell   bool
	isVararg bool
}

// funcLabels hands out globally unique anonymous-function labels across
// every nested compiler instance, mirroring the teacher's itertools.count.
type funcLabels struct{ n int }

func (f *funcLabels) next() string {
	f.n++
	return fmt.Sprintf("__func_%d", f.n)
}

type compiler struct {
	closureMap   map[*ast.FunctionExpr]*analysis.FunctionInfo
	functionInfo *analysis.FunctionInfo
	upvalueNames []string

	instructions   []opcodes.Instruction
	functionBlocks []opcodes.Instruction
	scopeStack     []map[string]*varBinding
	tempCounter    int
	labels         *funcLabels

	exitLabel    string
	isTopLevel   bool
	sourceName   string
	functionName string
	lastDebug    opcodes.Debug
	loopStack    []string

	// goto/label bookkeeping, scoped to this function (spec section 4.4).
	gotoLabels   map[string]string
	labelScopes  map[string][]int
	pendingGotos []pendingGoto
}

type pendingGoto struct {
	name     string
	snapshot []int
	pos      ast.Pos
}

// Compile lowers a whole chunk (spec section 4.3 "compile_chunk").
func Compile(chunk *ast.Chunk, sourceName string) ([]opcodes.Instruction, error) {
	result := analysis.Analyze(chunk)
	c := &compiler{
		closureMap:   result.Functions,
		functionInfo: result.Root,
		upvalueNames: result.Root.Upvalues,
		labels:       &funcLabels{},
		exitLabel:    "__lua_exit",
		sourceName:   sourceName,
		functionName: "<chunk>",
	}
	return c.compileChunk(chunk)
}

func (c *compiler) compileChunk(chunk *ast.Chunk) ([]opcodes.Instruction, error) {
	c.scopeStack = []map[string]*varBinding{{}}
	c.isTopLevel = true
	c.bindUpvalues()
	if err := c.compileBlock(chunk.Body, true); err != nil {
		return nil, err
	}
	if err := c.verifyGotos(); err != nil {
		return nil, err
	}
	c.emit(opcodes.OP_JMP, nil, opcodes.Label(c.exitLabel))
	c.instructions = append(c.instructions, c.functionBlocks...)
	c.emit(opcodes.OP_LABEL, nil, opcodes.Label(c.exitLabel))
	c.emit(opcodes.OP_HALT, nil)
	return c.instructions, nil
}

func (c *compiler) pushScope()            { c.scopeStack = append(c.scopeStack, map[string]*varBinding{}) }
func (c *compiler) popScope()             { c.scopeStack = c.scopeStack[:len(c.scopeStack)-1] }
func (c *compiler) topScope() map[string]*varBinding { return c.scopeStack[len(c.scopeStack)-1] }

func (c *compiler) newTemp() string {
	name := fmt.Sprintf("__t%d", c.tempCounter)
	c.tempCounter++
	return name
}

func (c *compiler) allocLocalReg(name string) string {
	reg := fmt.Sprintf("L_%d_%s_%d", len(c.scopeStack)-1, name, c.tempCounter)
	c.tempCounter++
	return reg
}

func (c *compiler) allocCellReg(name string) string {
	reg := fmt.Sprintf("C_%d_%s_%d", len(c.scopeStack)-1, name, c.tempCounter)
	c.tempCounter++
	return reg
}

func (c *compiler) debugFor(p ast.Pos) opcodes.Debug {
	if p.Line == 0 && p.Column == 0 {
		if c.lastDebug.Function != "" {
			return c.lastDebug
		}
	}
	d := opcodes.Debug{File: c.sourceName, Line: p.Line, Column: p.Column, Function: c.functionName}
	c.lastDebug = d
	return d
}

func (c *compiler) emit(op opcodes.Opcode, pos *ast.Pos, args ...opcodes.Arg) {
	var d opcodes.Debug
	if pos != nil {
		d = c.debugFor(*pos)
	} else if c.lastDebug.Function != "" {
		d = c.lastDebug
	} else {
		d = opcodes.Debug{File: c.sourceName, Function: c.functionName}
	}
	c.instructions = append(c.instructions, opcodes.Instruction{Opcode: op, Args: args, Debug: d})
}

func (c *compiler) lookup(name string) *varBinding {
	for i := len(c.scopeStack) - 1; i >= 0; i-- {
		if b, ok := c.scopeStack[i][name]; ok {
			return b
		}
	}
	return nil
}

// scopeSnapshot records how many locals are bound in each open scope, used
// to detect a goto jumping into a local's scope (spec section 4.4).
func (c *compiler) scopeSnapshot() []int {
	snap := make([]int, len(c.scopeStack))
	for i, s := range c.scopeStack {
		snap[i] = len(s)
	}
	return snap
}

func (c *compiler) gotoLabelName(name string) string {
	if c.gotoLabels == nil {
		c.gotoLabels = map[string]string{}
	}
	if lbl, ok := c.gotoLabels[name]; ok {
		return lbl
	}
	lbl := "__goto_" + name + "_" + c.newTemp()
	c.gotoLabels[name] = lbl
	return lbl
}

// verifyGotos is the post-pass spec section 4.4 requires: a goto may not
// jump into the scope of a local declared after it. Scope sizes only grow
// as compileStatements walks forward, so a backward goto's target always
// snapshots smaller-or-equal counts and never trips this check.
func (c *compiler) verifyGotos() error {
	for _, g := range c.pendingGotos {
		snap, ok := c.labelScopes[g.name]
		if !ok {
			return errf("no visible label %q for goto at line %d", g.name, g.pos.Line)
		}
		if len(snap) > len(g.snapshot) {
			return errf("goto %q at line %d jumps into the scope of a local variable", g.name, g.pos.Line)
		}
		for i, n := range g.snapshot {
			if i < len(snap) && snap[i] > n {
				return errf("goto %q at line %d jumps into the scope of a local variable", g.name, g.pos.Line)
			}
		}
	}
	return nil
}

func (c *compiler) bindUpvalues() {
	if len(c.upvalueNames) == 0 {
		return
	}
	scope := c.topScope()
	for idx, name := range c.upvalueNames {
		cellReg := c.allocCellReg(name)
		scope[name] = &varBinding{storage: cellReg, isCell: true}
		c.emit(opcodes.OP_BIND_UPVALUE, nil, opcodes.Reg(cellReg), opcodes.Const(values.Int(int64(idx))))
	}
}

func (c *compiler) setupParameters(params []string, info *analysis.FunctionInfo, isVararg bool) {
	scope := c.topScope()
	for _, param := range params {
		reg := c.allocLocalReg(param)
		scope[param] = &varBinding{storage: reg}
		c.emit(opcodes.OP_ARG, nil, opcodes.Reg(reg))
		if info.CapturedLocals[param] {
			cellReg := c.allocCellReg(param)
			scope[param] = &varBinding{storage: cellReg, isCell: true}
			c.emit(opcodes.OP_MAKE_CELL, nil, opcodes.Reg(cellReg), opcodes.Reg(reg))
		}
	}
	if isVararg {
		varReg := c.allocLocalReg("__vararg")
		scope["..."] = &varBinding{storage: varReg, isVararg: true}
		c.emit(opcodes.OP_VARARG, nil, opcodes.Reg(varReg))
		if info.CapturedLocals["..."] {
			cellReg := c.allocCellReg("vararg")
			scope["..."] = &varBinding{storage: cellReg, isCell: true, isVararg: true}
			c.emit(opcodes.OP_MAKE_CELL, nil, opcodes.Reg(cellReg), opcodes.Reg(varReg))
		}
	}
}

// ------------------------------------------------------------------ Statements

func (c *compiler) compileBlock(b *ast.Block, topLevel bool) error {
	prevTop := c.isTopLevel
	c.isTopLevel = topLevel
	c.pushScope()
	err := c.compileStatements(b)
	c.popScope()
	c.isTopLevel = prevTop
	return err
}

func (c *compiler) compileStatements(b *ast.Block) error {
	for _, stmt := range b.Statements {
		if err := c.compileStmt(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (c *compiler) compileStmt(stmt ast.Stmt) error {
	switch st := stmt.(type) {
	case *ast.LocalAssign:
		return c.compileLocalAssign(st)
	case *ast.Assign:
		return c.compileAssign(st)
	case *ast.ExprStmt:
		_, err := c.compileCallLike(st.Call, false)
		return err
	case *ast.IfStmt:
		return c.compileIf(st)
	case *ast.WhileStmt:
		return c.compileWhile(st)
	case *ast.RepeatStmt:
		return c.compileRepeat(st)
	case *ast.NumericForStmt:
		return c.compileNumericFor(st)
	case *ast.GenericForStmt:
		return c.compileGenericFor(st)
	case *ast.FunctionDeclStmt:
		return c.compileFunctionDecl(st)
	case *ast.ReturnStmt:
		return c.compileReturn(st)
	case *ast.DoStmt:
		return c.compileBlock(st.Body, false)
	case *ast.BreakStmt:
		if len(c.loopStack) == 0 {
			return errf("'break' used outside of a loop")
		}
		c.emit(opcodes.OP_JMP, &st.Pos, opcodes.Label(c.loopStack[len(c.loopStack)-1]))
		return nil
	case *ast.GotoStmt:
		return c.compileGoto(st)
	case *ast.LabelStmt:
		return c.compileLabel(st)
	}
	return errf("unsupported statement %T", stmt)
}

func (c *compiler) compileGoto(st *ast.GotoStmt) error {
	lbl := c.gotoLabelName(st.Name)
	c.pendingGotos = append(c.pendingGotos, pendingGoto{name: st.Name, snapshot: c.scopeSnapshot(), pos: st.Pos})
	c.emit(opcodes.OP_JMP, &st.Pos, opcodes.Label(lbl))
	return nil
}

func (c *compiler) compileLabel(st *ast.LabelStmt) error {
	if c.labelScopes == nil {
		c.labelScopes = map[string][]int{}
	}
	if _, exists := c.labelScopes[st.Name]; exists {
		return errf("label %q already defined", st.Name)
	}
	lbl := c.gotoLabelName(st.Name)
	c.labelScopes[st.Name] = c.scopeSnapshot()
	c.emit(opcodes.OP_LABEL, &st.Pos, opcodes.Label(lbl))
	return nil
}

func (c *compiler) compileLocalAssign(st *ast.LocalAssign) error {
	regs, err := c.collectAssignValues(st.Values, len(st.Names), st.Pos)
	if err != nil {
		return err
	}
	for i, name := range st.Names {
		if c.functionInfo.CapturedLocals[name] {
			cellReg := c.allocCellReg(name)
			c.topScope()[name] = &varBinding{storage: cellReg, isCell: true}
			c.emit(opcodes.OP_MAKE_CELL, &st.Pos, opcodes.Reg(cellReg), opcodes.Reg(regs[i]))
		} else {
			reg := c.allocLocalReg(name)
			c.topScope()[name] = &varBinding{storage: reg}
			c.emit(opcodes.OP_MOV, &st.Pos, opcodes.Reg(reg), opcodes.Reg(regs[i]))
		}
	}
	return nil
}

func (c *compiler) compileAssign(st *ast.Assign) error {
	regs, err := c.collectAssignValues(st.Values, len(st.Targets), st.Pos)
	if err != nil {
		return err
	}
	for i, target := range st.Targets {
		if err := c.storeAssignTarget(target, regs[i], st.Pos); err != nil {
			return err
		}
	}
	return nil
}

// collectAssignValues implements Lua's multi-value assignment spreading:
// only the last source expression contributes more than one value.
func (c *compiler) collectAssignValues(values []ast.Expr, targetCount int, pos ast.Pos) ([]string, error) {
	var regs []string
	if targetCount == 0 {
		return regs, nil
	}
	if len(values) == 0 {
		for i := 0; i < targetCount; i++ {
			regs = append(regs, c.emitLiteral(ast.NilLiteral{Pos: pos}, ""))
		}
		return regs, nil
	}
	for idx, expr := range values {
		isLast := idx == len(values)-1
		if isLast {
			needed := targetCount - len(regs)
			more, err := c.evalLastAssignExpr(expr, needed)
			if err != nil {
				return nil, err
			}
			regs = append(regs, more...)
		} else {
			reg, err := c.evalAssignExpr(expr)
			if err != nil {
				return nil, err
			}
			if len(regs) < targetCount {
				regs = append(regs, reg)
			}
		}
	}
	for len(regs) < targetCount {
		regs = append(regs, c.emitLiteral(ast.NilLiteral{Pos: pos}, ""))
	}
	return regs[:targetCount], nil
}

func (c *compiler) evalAssignExpr(expr ast.Expr) (string, error) {
	if call, ok := expr.(*ast.CallExpr); ok {
		return c.compileCallLike(call, false)
	}
	if _, ok := expr.(*ast.VarargExpr); ok {
		return c.compileVararg(false, expr.(*ast.VarargExpr).Pos)
	}
	return c.compileExpr(expr)
}

func (c *compiler) evalLastAssignExpr(expr ast.Expr, needed int) ([]string, error) {
	if needed <= 0 {
		_, err := c.evalAssignExpr(expr)
		return nil, err
	}
	if call, ok := expr.(*ast.CallExpr); ok {
		if needed == 1 {
			reg, err := c.compileCallLike(call, false)
			return []string{reg}, err
		}
		listReg, err := c.compileCallLike(call, true)
		if err != nil {
			return nil, err
		}
		return c.unpackList(listReg, needed), nil
	}
	if va, ok := expr.(*ast.VarargExpr); ok {
		if needed == 1 {
			reg, err := c.compileVararg(false, va.Pos)
			return []string{reg}, err
		}
		listReg, err := c.compileVararg(true, va.Pos)
		if err != nil {
			return nil, err
		}
		return c.unpackList(listReg, needed), nil
	}
	reg, err := c.compileExpr(expr)
	return []string{reg}, err
}

// unpackList expands a call/vararg's List-valued result into up to count
// individually-named registers via the shared multi-return path.
func (c *compiler) unpackList(listReg string, count int) []string {
	dests := make([]opcodes.Arg, count)
	names := make([]string, count)
	for i := 0; i < count; i++ {
		names[i] = c.newTemp()
		dests[i] = opcodes.Reg(names[i])
	}
	c.emit(opcodes.OP_RESULT_MULTI, nil, dests...)
	return names
}

func (c *compiler) storeAssignTarget(target ast.Expr, valueReg string, pos ast.Pos) error {
	switch t := target.(type) {
	case *ast.Name:
		if b := c.lookup(t.Value); b != nil {
			if b.isCell {
				c.emit(opcodes.OP_CELL_SET, &pos, opcodes.Reg(b.storage), opcodes.Reg(valueReg))
			} else {
				c.emit(opcodes.OP_MOV, &pos, opcodes.Reg(b.storage), opcodes.Reg(valueReg))
			}
			return nil
		}
		c.emit(opcodes.OP_MOV, &pos, opcodes.Reg("G_"+t.Value), opcodes.Reg(valueReg))
		return nil
	case *ast.Index:
		tableReg, err := c.compileExpr(t.Object)
		if err != nil {
			return err
		}
		keyReg, err := c.indexKeyReg(t)
		if err != nil {
			return err
		}
		c.emit(opcodes.OP_TABLE_SET, &pos, opcodes.Reg(tableReg), opcodes.Reg(keyReg), opcodes.Reg(valueReg))
		return nil
	}
	return errf("unsupported assignment target %T", target)
}

func (c *compiler) indexKeyReg(idx *ast.Index) (string, error) {
	if !idx.Computed {
		lit := idx.Key.(*ast.StringLiteral)
		return c.emitLiteral(*lit, ""), nil
	}
	return c.compileExpr(idx.Key)
}

func (c *compiler) compileIf(st *ast.IfStmt) error {
	type branch struct {
		cond ast.Expr
		body *ast.Block
	}
	branches := []branch{{st.Cond, st.Then}}
	for _, ei := range st.ElseIf {
		branches = append(branches, branch{ei.Cond, ei.Body})
	}
	endLabel := "__endif_" + c.newTemp()
	for i, br := range branches {
		hasFollowing := i < len(branches)-1 || st.Else != nil
		falseLabel := endLabel
		if hasFollowing {
			falseLabel = "__if_next_" + c.newTemp()
		}
		condReg, err := c.compileExpr(br.cond)
		if err != nil {
			return err
		}
		c.emit(opcodes.OP_JZ, &st.Pos, opcodes.Reg(condReg), opcodes.Label(falseLabel))
		if err := c.compileBlock(br.body, false); err != nil {
			return err
		}
		c.emit(opcodes.OP_JMP, &st.Pos, opcodes.Label(endLabel))
		if hasFollowing {
			c.emit(opcodes.OP_LABEL, &st.Pos, opcodes.Label(falseLabel))
		}
	}
	if st.Else != nil {
		if err := c.compileBlock(st.Else, false); err != nil {
			return err
		}
	}
	c.emit(opcodes.OP_LABEL, &st.Pos, opcodes.Label(endLabel))
	return nil
}

func (c *compiler) compileWhile(st *ast.WhileStmt) error {
	startLabel := "__while_start_" + c.newTemp()
	endLabel := "__while_end_" + c.newTemp()
	c.emit(opcodes.OP_LABEL, &st.Pos, opcodes.Label(startLabel))
	condReg, err := c.compileExpr(st.Cond)
	if err != nil {
		return err
	}
	c.emit(opcodes.OP_JZ, &st.Pos, opcodes.Reg(condReg), opcodes.Label(endLabel))
	c.loopStack = append(c.loopStack, endLabel)
	if err := c.compileBlock(st.Body, false); err != nil {
		return err
	}
	c.loopStack = c.loopStack[:len(c.loopStack)-1]
	c.emit(opcodes.OP_JMP, &st.Pos, opcodes.Label(startLabel))
	c.emit(opcodes.OP_LABEL, &st.Pos, opcodes.Label(endLabel))
	return nil
}

func (c *compiler) compileRepeat(st *ast.RepeatStmt) error {
	startLabel := "__repeat_start_" + c.newTemp()
	endLabel := "__repeat_end_" + c.newTemp()
	c.emit(opcodes.OP_LABEL, &st.Pos, opcodes.Label(startLabel))
	c.loopStack = append(c.loopStack, endLabel)
	c.pushScope()
	prevTop := c.isTopLevel
	c.isTopLevel = false
	err := c.compileStatements(st.Body)
	var condReg string
	if err == nil {
		condReg, err = c.compileExpr(st.Cond)
	}
	c.isTopLevel = prevTop
	c.popScope()
	c.loopStack = c.loopStack[:len(c.loopStack)-1]
	if err != nil {
		return err
	}
	c.emit(opcodes.OP_JZ, &st.Pos, opcodes.Reg(condReg), opcodes.Label(startLabel))
	c.emit(opcodes.OP_LABEL, &st.Pos, opcodes.Label(endLabel))
	return nil
}

// compileNumericFor lowers `for i = start, stop[, step] do ... end`. The
// ascending/descending comparison is decided once at runtime (the sign of
// step) and re-evaluated via the same two-branch NOT(GT)/NOT(LT) pattern
// both before the first iteration and after each one.
func (c *compiler) compileNumericFor(st *ast.NumericForStmt) error {
	startReg, err := c.compileExpr(st.Start)
	if err != nil {
		return err
	}
	limitReg, err := c.compileExpr(st.Stop)
	if err != nil {
		return err
	}
	var stepReg string
	if st.Step != nil {
		stepReg, err = c.compileExpr(st.Step)
		if err != nil {
			return err
		}
	} else {
		stepReg = c.emitLiteral(ast.NumberLiteral{IsInt: true, Int: 1}, "")
	}
	zeroReg := c.emitLiteral(ast.NumberLiteral{IsInt: true, Int: 0}, "")
	positiveReg := c.newTemp()
	c.emit(opcodes.OP_GT, &st.Pos, opcodes.Reg(positiveReg), opcodes.Reg(stepReg), opcodes.Reg(zeroReg))

	c.pushScope()
	loopScope := c.topScope()
	captured := c.functionInfo.CapturedLocals[st.Var]

	// The counter register always drives the loop's own bounds check and
	// increment; Lua's control variable is a fresh local each pass, so a
	// body reassignment of it must not perturb the counting.
	counterReg := c.allocLocalReg(st.Var)
	c.emit(opcodes.OP_MOV, &st.Pos, opcodes.Reg(counterReg), opcodes.Reg(startReg))
	counterBinding := &varBinding{storage: counterReg}

	binding := counterBinding
	var cellReg string
	if captured {
		cellReg = c.allocCellReg(st.Var)
		binding = &varBinding{storage: cellReg, isCell: true}
	}
	loopScope[st.Var] = binding

	loopLabel := "__for_loop_" + c.newTemp()
	endLabel := "__for_end_" + c.newTemp()

	c.emitForCondition(counterBinding, limitReg, positiveReg, st.Pos, endLabel, true)

	c.emit(opcodes.OP_LABEL, &st.Pos, opcodes.Label(loopLabel))
	if captured {
		// Box a fresh cell every pass so each iteration's closures capture
		// their own value instead of sharing the loop's single register.
		c.emit(opcodes.OP_MAKE_CELL, &st.Pos, opcodes.Reg(cellReg), opcodes.Reg(counterReg))
	}
	c.loopStack = append(c.loopStack, endLabel)
	if err := c.compileBlock(st.Body, false); err != nil {
		return err
	}
	c.loopStack = c.loopStack[:len(c.loopStack)-1]

	next := c.newTemp()
	c.emit(opcodes.OP_ADD, &st.Pos, opcodes.Reg(next), opcodes.Reg(counterReg), opcodes.Reg(stepReg))
	c.emit(opcodes.OP_MOV, &st.Pos, opcodes.Reg(counterReg), opcodes.Reg(next))

	c.emitForCondition(counterBinding, limitReg, positiveReg, st.Pos, loopLabel, false)
	c.emit(opcodes.OP_LABEL, &st.Pos, opcodes.Label(endLabel))
	c.popScope()
	return nil
}

// emitForCondition writes the jump that exits (jumpIfDone=true, jumps to
// target when out of range) or continues (jumpIfDone=false, jumps back to
// target when still in range) a numeric for loop.
func (c *compiler) emitForCondition(binding *varBinding, limitReg, positiveReg string, pos ast.Pos, target string, jumpIfDone bool) {
	negLabel := "__for_neg_" + c.newTemp()
	afterLabel := "__for_after_" + c.newTemp()
	condReg := c.newTemp()

	c.emit(opcodes.OP_JZ, &pos, opcodes.Reg(positiveReg), opcodes.Label(negLabel))
	v1 := c.bindingRead(binding, pos)
	gt := c.newTemp()
	c.emit(opcodes.OP_GT, &pos, opcodes.Reg(gt), opcodes.Reg(v1), opcodes.Reg(limitReg))
	c.emit(opcodes.OP_NOT, &pos, opcodes.Reg(condReg), opcodes.Reg(gt))
	c.emit(opcodes.OP_JMP, &pos, opcodes.Label(afterLabel))

	c.emit(opcodes.OP_LABEL, &pos, opcodes.Label(negLabel))
	v2 := c.bindingRead(binding, pos)
	lt := c.newTemp()
	c.emit(opcodes.OP_LT, &pos, opcodes.Reg(lt), opcodes.Reg(v2), opcodes.Reg(limitReg))
	c.emit(opcodes.OP_NOT, &pos, opcodes.Reg(condReg), opcodes.Reg(lt))
	c.emit(opcodes.OP_LABEL, &pos, opcodes.Label(afterLabel))

	if jumpIfDone {
		c.emit(opcodes.OP_JZ, &pos, opcodes.Reg(condReg), opcodes.Label(target))
	} else {
		c.emit(opcodes.OP_JNZ, &pos, opcodes.Reg(condReg), opcodes.Label(target))
	}
}

// compileGenericFor lowers `for names in exprs do ... end`, unpacking the
// iterator's per-iteration results directly via RESULT_MULTI rather than
// the teacher's LIST_GET-by-index (that opcode has no equivalent here).
func (c *compiler) compileGenericFor(st *ast.GenericForStmt) error {
	vals, err := c.collectAssignValues(st.Exprs, 3, st.Pos)
	if err != nil {
		return err
	}
	iterReg := c.newTemp()
	c.emit(opcodes.OP_MOV, &st.Pos, opcodes.Reg(iterReg), opcodes.Reg(vals[0]))
	stateReg := c.newTemp()
	c.emit(opcodes.OP_MOV, &st.Pos, opcodes.Reg(stateReg), opcodes.Reg(vals[1]))
	controlReg := c.newTemp()
	c.emit(opcodes.OP_MOV, &st.Pos, opcodes.Reg(controlReg), opcodes.Reg(vals[2]))

	c.pushScope()
	loopScope := c.topScope()
	nilReg := c.emitLiteral(ast.NilLiteral{Pos: st.Pos}, "")

	type genVar struct {
		name     string
		reg      string // plain register holding this pass's raw result
		captured bool
		cellReg  string
	}
	vars := make([]genVar, len(st.Names))
	for i, name := range st.Names {
		reg := c.allocLocalReg(name)
		c.emit(opcodes.OP_MOV, &st.Pos, opcodes.Reg(reg), opcodes.Reg(nilReg))
		gv := genVar{name: name, reg: reg}
		if c.functionInfo.CapturedLocals[name] {
			gv.captured = true
			gv.cellReg = c.allocCellReg(name)
			loopScope[name] = &varBinding{storage: gv.cellReg, isCell: true}
		} else {
			loopScope[name] = &varBinding{storage: reg}
		}
		vars[i] = gv
	}

	loopLabel := "__forgen_loop_" + c.newTemp()
	endLabel := "__forgen_end_" + c.newTemp()

	c.emit(opcodes.OP_LABEL, &st.Pos, opcodes.Label(loopLabel))
	c.emit(opcodes.OP_PARAM, &st.Pos, opcodes.Reg(stateReg))
	c.emit(opcodes.OP_PARAM, &st.Pos, opcodes.Reg(controlReg))
	c.emit(opcodes.OP_CALL_VALUE, &st.Pos, opcodes.Reg(""), opcodes.Reg(iterReg))

	resultRegs := make([]string, len(vars))
	resultArgs := make([]opcodes.Arg, len(vars))
	for i := range vars {
		resultRegs[i] = c.newTemp()
		resultArgs[i] = opcodes.Reg(resultRegs[i])
	}
	c.emit(opcodes.OP_RESULT_MULTI, &st.Pos, resultArgs...)

	c.emit(opcodes.OP_MOV, &st.Pos, opcodes.Reg(controlReg), opcodes.Reg(resultRegs[0]))
	nilCheck := c.newTemp()
	c.emit(opcodes.OP_EQ, &st.Pos, opcodes.Reg(nilCheck), opcodes.Reg(resultRegs[0]), opcodes.Reg(nilReg))
	c.emit(opcodes.OP_JNZ, &st.Pos, opcodes.Reg(nilCheck), opcodes.Label(endLabel))

	for i, gv := range vars {
		c.emit(opcodes.OP_MOV, &st.Pos, opcodes.Reg(gv.reg), opcodes.Reg(resultRegs[i]))
		if gv.captured {
			// Fresh cell per pass: earlier iterations' closures must keep
			// seeing their own captured value, not this iteration's.
			c.emit(opcodes.OP_MAKE_CELL, &st.Pos, opcodes.Reg(gv.cellReg), opcodes.Reg(gv.reg))
		}
	}

	c.loopStack = append(c.loopStack, endLabel)
	if err := c.compileBlock(st.Body, false); err != nil {
		return err
	}
	c.loopStack = c.loopStack[:len(c.loopStack)-1]
	c.emit(opcodes.OP_JMP, &st.Pos, opcodes.Label(loopLabel))
	c.emit(opcodes.OP_LABEL, &st.Pos, opcodes.Label(endLabel))
	c.popScope()
	return nil
}

func (c *compiler) compileReturn(st *ast.ReturnStmt) error {
	if len(st.Values) == 0 {
		c.emit(opcodes.OP_RETURN, &st.Pos, opcodes.Const(values.Int(0)))
	} else {
		var regs []string
		multi := len(st.Values) != 1
		for idx, expr := range st.Values {
			last := idx == len(st.Values)-1
			var reg string
			var err error
			switch e := expr.(type) {
			case *ast.CallExpr:
				if last {
					reg, err = c.compileCallLike(e, true)
					multi = true
				} else {
					reg, err = c.compileCallLike(e, false)
				}
			case *ast.VarargExpr:
				reg, err = c.compileVararg(last, e.Pos)
				if last {
					multi = true
				}
			default:
				reg, err = c.compileExpr(expr)
			}
			if err != nil {
				return err
			}
			regs = append(regs, reg)
		}
		if !multi {
			c.emit(opcodes.OP_RETURN, &st.Pos, opcodes.Reg(regs[0]))
		} else {
			args := make([]opcodes.Arg, len(regs))
			for i, r := range regs {
				args[i] = opcodes.Reg(r)
			}
			c.emit(opcodes.OP_RETURN_MULTI, &st.Pos, args...)
		}
	}
	if c.isTopLevel {
		c.emit(opcodes.OP_JMP, &st.Pos, opcodes.Label(c.exitLabel))
	}
	return nil
}

func (c *compiler) compileFunctionDecl(st *ast.FunctionDeclStmt) error {
	if st.IsLocal {
		name, ok := st.Target.(*ast.Name)
		if !ok {
			return errf("local function requires a plain name target")
		}
		reg := c.allocLocalReg(name.Value)
		c.topScope()[name.Value] = &varBinding{storage: reg}
		fnReg, err := c.compileFunctionLiteral(st.Fn, name.Value)
		if err != nil {
			return err
		}
		c.emit(opcodes.OP_MOV, &st.Pos, opcodes.Reg(reg), opcodes.Reg(fnReg))
		return nil
	}
	fnReg, err := c.compileFunctionLiteral(st.Fn, "")
	if err != nil {
		return err
	}
	return c.storeAssignTarget(st.Target, fnReg, st.Pos)
}

// ------------------------------------------------------------------ Expressions

func (c *compiler) compileExpr(expr ast.Expr) (string, error) {
	switch e := expr.(type) {
	case *ast.NumberLiteral:
		return c.emitLiteral(*e, ""), nil
	case *ast.StringLiteral:
		return c.emitLiteral(*e, ""), nil
	case *ast.TrueLiteral:
		return c.emitLiteral(ast.TrueLiteral{Pos: e.Pos}, ""), nil
	case *ast.FalseLiteral:
		return c.emitLiteral(ast.FalseLiteral{Pos: e.Pos}, ""), nil
	case *ast.NilLiteral:
		return c.emitLiteral(*e, ""), nil
	case *ast.Name:
		return c.readName(e), nil
	case *ast.UnaryOp:
		return c.compileUnary(e)
	case *ast.BinaryOp:
		return c.compileBinary(e)
	case *ast.CallExpr:
		return c.compileCallLike(e, false)
	case *ast.FunctionExpr:
		return c.compileFunctionLiteral(e, fmt.Sprintf("<anonymous:%d>", e.Line))
	case *ast.VarargExpr:
		return c.compileVararg(false, e.Pos)
	case *ast.Index:
		return c.compileIndex(e)
	case *ast.TableConstructor:
		return c.compileTableConstructor(e)
	}
	return "", errf("unsupported expression %T", expr)
}

func (c *compiler) readName(e *ast.Name) string {
	if b := c.lookup(e.Value); b != nil {
		if b.isCell {
			dst := c.newTemp()
			c.emit(opcodes.OP_CELL_GET, &e.Pos, opcodes.Reg(dst), opcodes.Reg(b.storage))
			return dst
		}
		return b.storage
	}
	return "G_" + e.Value
}

func (c *compiler) compileUnary(e *ast.UnaryOp) (string, error) {
	operand, err := c.compileExpr(e.Operand)
	if err != nil {
		return "", err
	}
	dst := c.newTemp()
	switch e.Op {
	case "-":
		c.emit(opcodes.OP_NEG, &e.Pos, opcodes.Reg(dst), opcodes.Reg(operand))
	case "not":
		c.emit(opcodes.OP_NOT, &e.Pos, opcodes.Reg(dst), opcodes.Reg(operand))
	case "#":
		c.emit(opcodes.OP_LEN_VALUE, &e.Pos, opcodes.Reg(dst), opcodes.Reg(operand))
	case "~":
		c.emit(opcodes.OP_NOT_BIT, &e.Pos, opcodes.Reg(dst), opcodes.Reg(operand))
	default:
		return "", errf("unsupported unary operator %q", e.Op)
	}
	return dst, nil
}

var arithOps = map[string]opcodes.Opcode{
	"+": opcodes.OP_ADD, "-": opcodes.OP_SUB, "*": opcodes.OP_MUL, "/": opcodes.OP_DIV,
	"%": opcodes.OP_MOD, "//": opcodes.OP_IDIV, "^": opcodes.OP_POW, "..": opcodes.OP_CONCAT,
}

var bitwiseOps = map[string]opcodes.Opcode{
	"&": opcodes.OP_AND_BIT, "|": opcodes.OP_OR_BIT, "~": opcodes.OP_XOR,
	"<<": opcodes.OP_SHL, ">>": opcodes.OP_SAR,
}

var compareOps = map[string]opcodes.Opcode{
	"==": opcodes.OP_EQ, "<": opcodes.OP_LT, ">": opcodes.OP_GT,
}

func (c *compiler) compileBinary(e *ast.BinaryOp) (string, error) {
	switch e.Op {
	case "and":
		return c.compileShortCircuit(e, opcodes.OP_JZ)
	case "or":
		return c.compileShortCircuit(e, opcodes.OP_JNZ)
	}

	left, err := c.compileExpr(e.Left)
	if err != nil {
		return "", err
	}
	right, err := c.compileExpr(e.Right)
	if err != nil {
		return "", err
	}
	dst := c.newTemp()

	if op, ok := arithOps[e.Op]; ok {
		c.emit(op, &e.Pos, opcodes.Reg(dst), opcodes.Reg(left), opcodes.Reg(right))
		return dst, nil
	}
	if op, ok := bitwiseOps[e.Op]; ok {
		c.emit(op, &e.Pos, opcodes.Reg(dst), opcodes.Reg(left), opcodes.Reg(right))
		return dst, nil
	}
	if op, ok := compareOps[e.Op]; ok {
		c.emit(op, &e.Pos, opcodes.Reg(dst), opcodes.Reg(left), opcodes.Reg(right))
		return dst, nil
	}
	switch e.Op {
	case "~=":
		tmp := c.newTemp()
		c.emit(opcodes.OP_EQ, &e.Pos, opcodes.Reg(tmp), opcodes.Reg(left), opcodes.Reg(right))
		c.emit(opcodes.OP_NOT, &e.Pos, opcodes.Reg(dst), opcodes.Reg(tmp))
		return dst, nil
	case "<=":
		tmp := c.newTemp()
		c.emit(opcodes.OP_GT, &e.Pos, opcodes.Reg(tmp), opcodes.Reg(left), opcodes.Reg(right))
		c.emit(opcodes.OP_NOT, &e.Pos, opcodes.Reg(dst), opcodes.Reg(tmp))
		return dst, nil
	case ">=":
		tmp := c.newTemp()
		c.emit(opcodes.OP_LT, &e.Pos, opcodes.Reg(tmp), opcodes.Reg(left), opcodes.Reg(right))
		c.emit(opcodes.OP_NOT, &e.Pos, opcodes.Reg(dst), opcodes.Reg(tmp))
		return dst, nil
	}
	return "", errf("unsupported binary operator %q", e.Op)
}

func (c *compiler) compileShortCircuit(e *ast.BinaryOp, skipIf opcodes.Opcode) (string, error) {
	left, err := c.compileExpr(e.Left)
	if err != nil {
		return "", err
	}
	result := c.newTemp()
	c.emit(opcodes.OP_MOV, &e.Pos, opcodes.Reg(result), opcodes.Reg(left))
	skipLabel := "__logic_skip_" + c.newTemp()
	c.emit(skipIf, &e.Pos, opcodes.Reg(left), opcodes.Label(skipLabel))
	right, err := c.compileExpr(e.Right)
	if err != nil {
		return "", err
	}
	c.emit(opcodes.OP_MOV, &e.Pos, opcodes.Reg(result), opcodes.Reg(right))
	c.emit(opcodes.OP_LABEL, &e.Pos, opcodes.Label(skipLabel))
	return result, nil
}

func (c *compiler) compileIndex(e *ast.Index) (string, error) {
	tableReg, err := c.compileExpr(e.Object)
	if err != nil {
		return "", err
	}
	keyReg, err := c.indexKeyReg(e)
	if err != nil {
		return "", err
	}
	dst := c.newTemp()
	c.emit(opcodes.OP_TABLE_GET, &e.Pos, opcodes.Reg(dst), opcodes.Reg(tableReg), opcodes.Reg(keyReg))
	return dst, nil
}

func (c *compiler) compileTableConstructor(e *ast.TableConstructor) (string, error) {
	tableReg := c.newTemp()
	c.emit(opcodes.OP_TABLE_NEW, &e.Pos, opcodes.Reg(tableReg))
	for idx, field := range e.Fields {
		if field.Key != nil {
			keyReg, err := c.compileExpr(field.Key)
			if err != nil {
				return "", err
			}
			valueReg, err := c.compileExpr(field.Value)
			if err != nil {
				return "", err
			}
			c.emit(opcodes.OP_TABLE_SET, &e.Pos, opcodes.Reg(tableReg), opcodes.Reg(keyReg), opcodes.Reg(valueReg))
			continue
		}
		isLast := idx == len(e.Fields)-1
		if isLast {
			if call, ok := field.Value.(*ast.CallExpr); ok {
				listReg, err := c.compileCallLike(call, true)
				if err != nil {
					return "", err
				}
				c.emit(opcodes.OP_TABLE_EXTEND, &e.Pos, opcodes.Reg(tableReg), opcodes.Reg(listReg))
				continue
			}
			if va, ok := field.Value.(*ast.VarargExpr); ok {
				listReg, err := c.compileVararg(true, va.Pos)
				if err != nil {
					return "", err
				}
				c.emit(opcodes.OP_TABLE_EXTEND, &e.Pos, opcodes.Reg(tableReg), opcodes.Reg(listReg))
				continue
			}
		}
		valueReg, err := c.compileExpr(field.Value)
		if err != nil {
			return "", err
		}
		c.emit(opcodes.OP_TABLE_APPEND, &e.Pos, opcodes.Reg(tableReg), opcodes.Reg(valueReg))
	}
	return tableReg, nil
}

func (c *compiler) compileVararg(multi bool, pos ast.Pos) (string, error) {
	b := c.lookup("...")
	if b == nil || !b.isVararg {
		return "", errf("'...' used outside a vararg function")
	}
	dst := c.bindingRead(b, pos)
	if multi {
		return dst, nil
	}
	head := c.newTemp()
	c.emit(opcodes.OP_VARARG_FIRST, &pos, opcodes.Reg(head), opcodes.Reg(dst))
	return head, nil
}

// compileCallLike lowers a call or `obj:method()` call, staging PARAM(_EXPAND)
// instructions then CALL_VALUE; wantList selects RESULT_LIST (for multi-
// value propagation) over the default single-value RESULT.
func (c *compiler) compileCallLike(e *ast.CallExpr, wantList bool) (string, error) {
	var prepared []struct {
		reg    string
		expand bool
	}
	calleeReg, err := c.compileExpr(e.Callee)
	if err != nil {
		return "", err
	}
	if e.Method != "" {
		keyReg := c.emitLiteral(ast.StringLiteral{Pos: e.Pos, Value: e.Method}, "")
		methodReg := c.newTemp()
		c.emit(opcodes.OP_TABLE_GET, &e.Pos, opcodes.Reg(methodReg), opcodes.Reg(calleeReg), opcodes.Reg(keyReg))
		prepared = append(prepared, struct {
			reg    string
			expand bool
		}{calleeReg, false})
		calleeReg = methodReg
	}
	for idx, arg := range e.Args {
		last := idx == len(e.Args)-1
		switch a := arg.(type) {
		case *ast.CallExpr:
			if last {
				reg, err := c.compileCallLike(a, true)
				if err != nil {
					return "", err
				}
				prepared = append(prepared, struct {
					reg    string
					expand bool
				}{reg, true})
				continue
			}
			reg, err := c.compileCallLike(a, false)
			if err != nil {
				return "", err
			}
			prepared = append(prepared, struct {
				reg    string
				expand bool
			}{reg, false})
		case *ast.VarargExpr:
			reg, err := c.compileVararg(last, a.Pos)
			if err != nil {
				return "", err
			}
			prepared = append(prepared, struct {
				reg    string
				expand bool
			}{reg, last})
		default:
			reg, err := c.compileExpr(arg)
			if err != nil {
				return "", err
			}
			prepared = append(prepared, struct {
				reg    string
				expand bool
			}{reg, false})
		}
	}
	for _, p := range prepared {
		op := opcodes.OP_PARAM
		if p.expand {
			op = opcodes.OP_PARAM_EXPAND
		}
		c.emit(op, &e.Pos, opcodes.Reg(p.reg))
	}
	dst := c.newTemp()
	c.emit(opcodes.OP_CALL_VALUE, &e.Pos, opcodes.Reg(dst), opcodes.Reg(calleeReg))
	if wantList {
		listDst := c.newTemp()
		c.emit(opcodes.OP_RESULT_LIST, &e.Pos, opcodes.Reg(listDst))
		return listDst, nil
	}
	resultDst := c.newTemp()
	c.emit(opcodes.OP_RESULT, &e.Pos, opcodes.Reg(resultDst))
	return resultDst, nil
}

// compileFunctionLiteral compiles a nested function body in its own
// compiler instance and emits the CLOSURE instruction that captures its
// resolved upvalue cells from the defining scope.
func (c *compiler) compileFunctionLiteral(fn *ast.FunctionExpr, globalName string) (string, error) {
	label := c.labels.next()
	funcName := fmt.Sprintf("<anonymous:%d>", fn.Line)
	if globalName != "" {
		label = globalName
		funcName = globalName
	}
	info := c.closureMap[fn]
	if info == nil {
		info = &analysis.FunctionInfo{CapturedLocals: map[string]bool{}}
	}

	child := &compiler{
		closureMap:   c.closureMap,
		functionInfo: info,
		upvalueNames: info.Upvalues,
		labels:       c.labels,
		exitLabel:    "__lua_exit",
		sourceName:   c.sourceName,
		functionName: funcName,
		scopeStack:   []map[string]*varBinding{{}},
	}
	child.emit(opcodes.OP_LABEL, &fn.Pos, opcodes.Label(label))
	child.bindUpvalues()
	child.setupParameters(fn.Params, info, fn.IsVararg)
	if err := child.compileBlock(fn.Body, false); err != nil {
		return "", err
	}
	if err := child.verifyGotos(); err != nil {
		return "", err
	}
	child.emit(opcodes.OP_RETURN, &fn.Pos, opcodes.Const(values.Int(0)))

	c.functionBlocks = append(c.functionBlocks, child.instructions...)
	c.functionBlocks = append(c.functionBlocks, child.functionBlocks...)

	dst := c.newTemp()
	args := []opcodes.Arg{opcodes.Reg(dst), opcodes.Label(label)}
	for _, name := range info.Upvalues {
		b := c.lookup(name)
		if b == nil || !b.isCell {
			return "", errf("expected captured variable %q to be a cell", name)
		}
		args = append(args, opcodes.Reg(b.storage))
	}
	if globalName != "" {
		c.emit(opcodes.OP_CLOSURE, &fn.Pos, args...)
		c.emit(opcodes.OP_MOV, &fn.Pos, opcodes.Reg("G_"+globalName), opcodes.Reg(dst))
		return dst, nil
	}
	c.emit(opcodes.OP_CLOSURE, &fn.Pos, args...)
	return dst, nil
}

func (c *compiler) bindingRead(b *varBinding, pos ast.Pos) string {
	if b.isCell {
		dst := c.newTemp()
		c.emit(opcodes.OP_CELL_GET, &pos, opcodes.Reg(dst), opcodes.Reg(b.storage))
		return dst
	}
	return b.storage
}

func (c *compiler) bindingWrite(b *varBinding, valueReg string, pos ast.Pos) {
	if b.isCell {
		c.emit(opcodes.OP_CELL_SET, &pos, opcodes.Reg(b.storage), opcodes.Reg(valueReg))
	} else {
		c.emit(opcodes.OP_MOV, &pos, opcodes.Reg(b.storage), opcodes.Reg(valueReg))
	}
}

// emitLiteral lowers a literal AST node to LOAD_IMM (integers) or
// LOAD_CONST (everything else), matching the teacher's split.
func (c *compiler) emitLiteral(node interface{}, hint string) string {
	dst := hint
	if dst == "" {
		dst = c.newTemp()
	}
	switch n := node.(type) {
	case ast.NumberLiteral:
		if n.IsInt {
			c.emit(opcodes.OP_LOAD_IMM, &n.Pos, opcodes.Reg(dst), opcodes.Const(values.Int(n.Int)))
		} else {
			c.emit(opcodes.OP_LOAD_CONST, &n.Pos, opcodes.Reg(dst), opcodes.Const(values.Float(n.Float)))
		}
	case ast.StringLiteral:
		c.emit(opcodes.OP_LOAD_CONST, &n.Pos, opcodes.Reg(dst), opcodes.Const(values.Str(n.Value)))
	case ast.TrueLiteral:
		c.emit(opcodes.OP_LOAD_CONST, &n.Pos, opcodes.Reg(dst), opcodes.Const(values.Bool(true)))
	case ast.FalseLiteral:
		c.emit(opcodes.OP_LOAD_CONST, &n.Pos, opcodes.Reg(dst), opcodes.Const(values.Bool(false)))
	case ast.NilLiteral:
		c.emit(opcodes.OP_LOAD_CONST, &n.Pos, opcodes.Reg(dst), opcodes.Const(values.Nil))
	default:
		c.emit(opcodes.OP_LOAD_CONST, nil, opcodes.Reg(dst), opcodes.Const(values.Nil))
	}
	return dst
}
