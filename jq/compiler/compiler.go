// Package compiler lowers a jq/ast tree into the shared register bytecode
// (spec section 4.6), threading a "current value" register through a
// linearized pipeline and using an emit-stack discipline for any stage
// that may produce more than one output.
package compiler

import (
	"fmt"

	"github.com/wudi/slate/jq/ast"
	"github.com/wudi/slate/opcodes"
	"github.com/wudi/slate/values"
)

// InputRegister and CurrentRegister name the two well-known registers a
// host sets up before running a compiled filter: the raw input value and
// the register compilation starts threading from.
const (
	InputRegister   = "__jq_input"
	CurrentRegister = "__jq_curr"
)

// CompileError reports a lowering failure: an unknown builtin name, a
// malformed update-assignment target, or a break to an unbound label.
type CompileError struct{ msg string }

func (e *CompileError) Error() string { return e.msg }

func errf(format string, args ...interface{}) error {
	return &CompileError{msg: fmt.Sprintf(format, args...)}
}

type labelFrame struct {
	name   string
	target string
}

type compiler struct {
	instructions []opcodes.Instruction
	tempCounter  int
	labelCounter int
	labelStack   []labelFrame
	err          error
}

// Compile lowers a whole jq filter AST into bytecode (spec section 4.6).
func Compile(node ast.Node) ([]opcodes.Instruction, error) {
	c := &compiler{}
	c.emit(opcodes.OP_MOV, opcodes.Reg(CurrentRegister), opcodes.Reg(InputRegister))
	stages := ast.FlattenPipe(node)
	c.compilePipeline(stages, CurrentRegister)
	if c.err != nil {
		return nil, c.err
	}
	c.emit(opcodes.OP_HALT)
	return c.instructions, nil
}

func (c *compiler) emit(op opcodes.Opcode, args ...opcodes.Arg) {
	c.instructions = append(c.instructions, opcodes.Instruction{Opcode: op, Args: args})
}

func (c *compiler) fail(format string, args ...interface{}) {
	if c.err == nil {
		c.err = errf(format, args...)
	}
}

func (c *compiler) newTemp() string {
	name := fmt.Sprintf("__jq_tmp%d", c.tempCounter)
	c.tempCounter++
	return name
}

func (c *compiler) newLabel(prefix string) string {
	name := fmt.Sprintf("__%s_%d", prefix, c.labelCounter)
	c.labelCounter++
	return name
}

func (c *compiler) findLabel(name string) (string, bool) {
	for i := len(c.labelStack) - 1; i >= 0; i-- {
		if c.labelStack[i].name == name {
			return c.labelStack[i].target, true
		}
	}
	return "", false
}

func varReg(name string) string { return "__jq_var_" + name }

// toConst converts a parsed literal value (nil/bool/float64/string) into
// a VM value, matching what jq/parser's parseLiteralValue can produce.
func toConst(v interface{}) values.Value {
	switch t := v.(type) {
	case nil:
		return values.Nil
	case bool:
		return values.Bool(t)
	case float64:
		return values.Float(t)
	case string:
		return values.Str(t)
	default:
		return values.Nil
	}
}

// compilePipeline lowers one linearized stage list against current_reg,
// the register holding "." at this point in the pipeline (spec 4.6).
func (c *compiler) compilePipeline(stages []ast.Node, currentReg string) {
	if c.err != nil {
		return
	}
	if len(stages) == 0 {
		c.emit(opcodes.OP_EMIT, opcodes.Reg(currentReg))
		return
	}
	stage, rest := stages[0], stages[1:]

	switch n := stage.(type) {
	case *ast.Identity:
		c.compilePipeline(rest, currentReg)
		return
	case *ast.Literal:
		dest := c.newTemp()
		c.emit(opcodes.OP_LOAD_CONST, opcodes.Reg(dest), opcodes.Const(toConst(n.Value)))
		c.compilePipeline(rest, dest)
		return
	case *ast.Field:
		dest := c.evalExpression(n, currentReg)
		c.compilePipeline(rest, dest)
		return
	case *ast.ObjectLiteral:
		dest := c.evalExpression(n, currentReg)
		c.compilePipeline(rest, dest)
		return
	case *ast.AsBinding:
		valueReg := c.evalExpression(n.Source, currentReg)
		c.emit(opcodes.OP_MOV, opcodes.Reg(varReg(n.Name)), opcodes.Reg(valueReg))
		c.compilePipeline(rest, currentReg)
		return
	case *ast.Sequence:
		for _, expr := range n.Expressions {
			exprStages := ast.FlattenPipe(expr)
			c.compilePipeline(append(append([]ast.Node{}, exprStages...), rest...), currentReg)
		}
		return
	case *ast.Label:
		breakLabel := c.newLabel("jq_label_break")
		c.labelStack = append(c.labelStack, labelFrame{name: n.Name, target: breakLabel})
		bodyStages := ast.FlattenPipe(n.Body)
		c.compilePipeline(append(append([]ast.Node{}, bodyStages...), rest...), currentReg)
		c.labelStack = c.labelStack[:len(c.labelStack)-1]
		c.emit(opcodes.OP_LABEL, opcodes.Label(breakLabel))
		return
	case *ast.Break:
		target, ok := c.findLabel(n.Name)
		if !ok {
			c.fail("break to unknown label $%s", n.Name)
			return
		}
		c.emit(opcodes.OP_JMP, opcodes.Label(target))
		return
	case *ast.UpdateAssignment:
		c.compileUpdate(n, currentReg, rest)
		return
	case *ast.IfElse:
		condReg := c.evalExpression(n.Cond, currentReg)
		falseLabel := c.newLabel("jq_if_false")
		doneLabel := c.newLabel("jq_if_done")
		c.emit(opcodes.OP_JZ, opcodes.Reg(condReg), opcodes.Label(falseLabel))
		thenStages := ast.FlattenPipe(n.Then)
		c.compilePipeline(append(append([]ast.Node{}, thenStages...), rest...), currentReg)
		c.emit(opcodes.OP_JMP, opcodes.Label(doneLabel))
		c.emit(opcodes.OP_LABEL, opcodes.Label(falseLabel))
		if n.Else != nil {
			elseStages := ast.FlattenPipe(n.Else)
			c.compilePipeline(append(append([]ast.Node{}, elseStages...), rest...), currentReg)
		} else {
			c.compilePipeline(rest, currentReg)
		}
		c.emit(opcodes.OP_LABEL, opcodes.Label(doneLabel))
		return
	case *ast.TryCatch:
		c.compileTry(n, currentReg, rest)
		return
	case *ast.UnaryOp, *ast.BinaryOp, *ast.Index, *ast.Slice, *ast.VarRef:
		dest := c.evalExpression(stage, currentReg)
		c.compilePipeline(rest, dest)
		return
	case *ast.Reduce:
		c.compileReduce(n, currentReg, rest)
		return
	case *ast.Foreach:
		c.compileForeach(n, currentReg, rest)
		return
	case *ast.IndexAll:
		c.compileIndexAll(n, currentReg, rest)
		return
	case *ast.FunctionCall:
		c.compileFunctionCall(n, currentReg, rest)
		return
	}
	c.fail("unsupported jq construct %T", stage)
}

// collectValues runs node against inputReg inside a fresh emit buffer and
// returns the register holding every value it produced, as a list.
func (c *compiler) collectValues(node ast.Node, inputReg string) string {
	bufferReg := c.newTemp()
	c.emit(opcodes.OP_PUSH_EMIT)
	c.compilePipeline(ast.FlattenPipe(node), inputReg)
	c.emit(opcodes.OP_POP_EMIT, opcodes.Reg(bufferReg))
	return bufferReg
}

// emitBuffer loops over bufferReg's elements, compiling rest once per
// item (the generic "expand a collected list back into the generator
// stream" step used by iteration/path/input family builtins).
func (c *compiler) emitBuffer(bufferReg string, rest []ast.Node) {
	indexReg := c.newTemp()
	lengthReg := c.newTemp()
	condReg := c.newTemp()
	itemReg := c.newTemp()
	loopLabel := c.newLabel("jq_iter_loop")
	endLabel := c.newLabel("jq_iter_end")

	c.emit(opcodes.OP_LOAD_CONST, opcodes.Reg(indexReg), opcodes.Const(values.Int(0)))
	c.emit(opcodes.OP_LEN_VALUE, opcodes.Reg(lengthReg), opcodes.Reg(bufferReg))
	c.emit(opcodes.OP_LABEL, opcodes.Label(loopLabel))
	c.emit(opcodes.OP_LT, opcodes.Reg(condReg), opcodes.Reg(indexReg), opcodes.Reg(lengthReg))
	c.emit(opcodes.OP_JZ, opcodes.Reg(condReg), opcodes.Label(endLabel))
	c.emit(opcodes.OP_GET_INDEX, opcodes.Reg(itemReg), opcodes.Reg(bufferReg), opcodes.Reg(indexReg))
	c.compilePipeline(rest, itemReg)
	c.emit(opcodes.OP_ADD, opcodes.Reg(indexReg), opcodes.Reg(indexReg), opcodes.Const(values.Int(1)))
	c.emit(opcodes.OP_JMP, opcodes.Label(loopLabel))
	c.emit(opcodes.OP_LABEL, opcodes.Label(endLabel))
}

// byKeyLoop emits the shared "walk array_reg, evaluate keyExpr against
// each element, push the key into keysBuf" prelude that sort_by/
// unique_by/min_by/max_by/group_by all share before their dedicated
// opcode runs.
func (c *compiler) byKeyLoop(arrayReg string, keyExpr ast.Node, prefix string) string {
	keysBuf := c.newTemp()
	indexReg := c.newTemp()
	lengthReg := c.newTemp()
	condReg := c.newTemp()
	elemReg := c.newTemp()
	c.emit(opcodes.OP_LOAD_CONST, opcodes.Reg(indexReg), opcodes.Const(values.Int(0)))
	c.emit(opcodes.OP_LEN_VALUE, opcodes.Reg(lengthReg), opcodes.Reg(arrayReg))
	loopLabel := c.newLabel(prefix + "_loop")
	endLabel := c.newLabel(prefix + "_end")
	c.emit(opcodes.OP_PUSH_EMIT)
	c.emit(opcodes.OP_LABEL, opcodes.Label(loopLabel))
	c.emit(opcodes.OP_LT, opcodes.Reg(condReg), opcodes.Reg(indexReg), opcodes.Reg(lengthReg))
	c.emit(opcodes.OP_JZ, opcodes.Reg(condReg), opcodes.Label(endLabel))
	c.emit(opcodes.OP_GET_INDEX, opcodes.Reg(elemReg), opcodes.Reg(arrayReg), opcodes.Reg(indexReg))
	keyReg := c.evalExpression(keyExpr, elemReg)
	c.emit(opcodes.OP_EMIT, opcodes.Reg(keyReg))
	c.emit(opcodes.OP_ADD, opcodes.Reg(indexReg), opcodes.Reg(indexReg), opcodes.Const(values.Int(1)))
	c.emit(opcodes.OP_JMP, opcodes.Label(loopLabel))
	c.emit(opcodes.OP_LABEL, opcodes.Label(endLabel))
	c.emit(opcodes.OP_POP_EMIT, opcodes.Reg(keysBuf))
	return keysBuf
}

func (c *compiler) compileIndexAll(n *ast.IndexAll, currentReg string, rest []ast.Node) {
	sourceReg := c.evalExpression(n.Source, currentReg)
	indexReg := c.newTemp()
	lengthReg := c.newTemp()
	condReg := c.newTemp()
	elemReg := c.newTemp()
	loopLabel := c.newLabel("jq_loop")
	endLabel := c.newLabel("jq_end")

	c.emit(opcodes.OP_LOAD_CONST, opcodes.Reg(indexReg), opcodes.Const(values.Int(0)))
	c.emit(opcodes.OP_LEN_VALUE, opcodes.Reg(lengthReg), opcodes.Reg(sourceReg))
	c.emit(opcodes.OP_LABEL, opcodes.Label(loopLabel))
	c.emit(opcodes.OP_LT, opcodes.Reg(condReg), opcodes.Reg(indexReg), opcodes.Reg(lengthReg))
	c.emit(opcodes.OP_JZ, opcodes.Reg(condReg), opcodes.Label(endLabel))
	c.emit(opcodes.OP_GET_INDEX, opcodes.Reg(elemReg), opcodes.Reg(sourceReg), opcodes.Reg(indexReg))
	c.compilePipeline(rest, elemReg)
	c.emit(opcodes.OP_ADD, opcodes.Reg(indexReg), opcodes.Reg(indexReg), opcodes.Const(values.Int(1)))
	c.emit(opcodes.OP_JMP, opcodes.Label(loopLabel))
	c.emit(opcodes.OP_LABEL, opcodes.Label(endLabel))
}

func (c *compiler) compileTry(n *ast.TryCatch, currentReg string, rest []ast.Node) {
	bufferReg := c.newTemp()
	errorReg := c.newTemp()
	catchLabel := c.newLabel("jq_try_catch")
	doneLabel := c.newLabel("jq_try_done")
	c.emit(opcodes.OP_PUSH_EMIT)
	c.emit(opcodes.OP_TRY_BEGIN, opcodes.Label(catchLabel), opcodes.Reg(errorReg))
	c.compilePipeline(ast.FlattenPipe(n.Try), currentReg)
	c.emit(opcodes.OP_TRY_END)
	c.emit(opcodes.OP_POP_EMIT, opcodes.Reg(bufferReg))
	c.emitBuffer(bufferReg, rest)
	c.emit(opcodes.OP_JMP, opcodes.Label(doneLabel))
	c.emit(opcodes.OP_LABEL, opcodes.Label(catchLabel))
	c.emit(opcodes.OP_POP_EMIT, opcodes.Reg(bufferReg))
	if n.Catch != nil {
		catchStages := ast.FlattenPipe(n.Catch)
		c.compilePipeline(append(append([]ast.Node{}, catchStages...), rest...), errorReg)
	}
	c.emit(opcodes.OP_LABEL, opcodes.Label(doneLabel))
}

func (c *compiler) compileReduce(n *ast.Reduce, currentReg string, rest []ast.Node) {
	valuesBuffer := c.collectValues(n.Source, currentReg)
	accReg := c.evalExpression(n.Init, currentReg)
	lenReg := c.newTemp()
	indexReg := c.newTemp()
	condReg := c.newTemp()
	itemReg := c.newTemp()
	loopLabel := c.newLabel("jq_reduce_loop")
	endLabel := c.newLabel("jq_reduce_end")

	c.emit(opcodes.OP_LEN_VALUE, opcodes.Reg(lenReg), opcodes.Reg(valuesBuffer))
	c.emit(opcodes.OP_LOAD_CONST, opcodes.Reg(indexReg), opcodes.Const(values.Int(0)))
	c.emit(opcodes.OP_LABEL, opcodes.Label(loopLabel))
	c.emit(opcodes.OP_LT, opcodes.Reg(condReg), opcodes.Reg(indexReg), opcodes.Reg(lenReg))
	c.emit(opcodes.OP_JZ, opcodes.Reg(condReg), opcodes.Label(endLabel))
	c.emit(opcodes.OP_GET_INDEX, opcodes.Reg(itemReg), opcodes.Reg(valuesBuffer), opcodes.Reg(indexReg))
	c.emit(opcodes.OP_MOV, opcodes.Reg(varReg(n.VarName)), opcodes.Reg(itemReg))
	newAcc := c.evalExpression(n.Update, accReg)
	c.emit(opcodes.OP_MOV, opcodes.Reg(accReg), opcodes.Reg(newAcc))
	c.emit(opcodes.OP_ADD, opcodes.Reg(indexReg), opcodes.Reg(indexReg), opcodes.Const(values.Int(1)))
	c.emit(opcodes.OP_JMP, opcodes.Label(loopLabel))
	c.emit(opcodes.OP_LABEL, opcodes.Label(endLabel))

	c.compilePipeline(rest, accReg)
}

func (c *compiler) compileForeach(n *ast.Foreach, currentReg string, rest []ast.Node) {
	valuesBuffer := c.collectValues(n.Source, currentReg)
	stateReg := c.evalExpression(n.Init, currentReg)
	lenReg := c.newTemp()
	indexReg := c.newTemp()
	condReg := c.newTemp()
	itemReg := c.newTemp()
	loopLabel := c.newLabel("jq_foreach_loop")
	endLabel := c.newLabel("jq_foreach_end")

	c.emit(opcodes.OP_LEN_VALUE, opcodes.Reg(lenReg), opcodes.Reg(valuesBuffer))
	c.emit(opcodes.OP_LOAD_CONST, opcodes.Reg(indexReg), opcodes.Const(values.Int(0)))
	c.emit(opcodes.OP_LABEL, opcodes.Label(loopLabel))
	c.emit(opcodes.OP_LT, opcodes.Reg(condReg), opcodes.Reg(indexReg), opcodes.Reg(lenReg))
	c.emit(opcodes.OP_JZ, opcodes.Reg(condReg), opcodes.Label(endLabel))
	c.emit(opcodes.OP_GET_INDEX, opcodes.Reg(itemReg), opcodes.Reg(valuesBuffer), opcodes.Reg(indexReg))
	c.emit(opcodes.OP_MOV, opcodes.Reg(varReg(n.VarName)), opcodes.Reg(itemReg))
	newState := c.evalExpression(n.Update, stateReg)
	c.emit(opcodes.OP_MOV, opcodes.Reg(stateReg), opcodes.Reg(newState))
	var outputReg string
	if n.Extract != nil {
		outputReg = c.evalExpression(n.Extract, stateReg)
	} else {
		outputReg = c.newTemp()
		c.emit(opcodes.OP_MOV, opcodes.Reg(outputReg), opcodes.Reg(stateReg))
	}
	c.compilePipeline(rest, outputReg)
	c.emit(opcodes.OP_ADD, opcodes.Reg(indexReg), opcodes.Reg(indexReg), opcodes.Const(values.Int(1)))
	c.emit(opcodes.OP_JMP, opcodes.Label(loopLabel))
	c.emit(opcodes.OP_LABEL, opcodes.Label(endLabel))
}

func (c *compiler) compileWhile(condExpr, updateExpr ast.Node, currentReg string, rest []ast.Node) {
	valueReg := currentReg
	loopLabel := c.newLabel("jq_while_loop")
	doneLabel := c.newLabel("jq_while_done")
	c.emit(opcodes.OP_LABEL, opcodes.Label(loopLabel))
	condReg := c.evalExpression(condExpr, valueReg)
	c.emit(opcodes.OP_JZ, opcodes.Reg(condReg), opcodes.Label(doneLabel))
	c.compilePipeline(rest, valueReg)
	newValue := c.evalExpression(updateExpr, valueReg)
	c.emit(opcodes.OP_MOV, opcodes.Reg(valueReg), opcodes.Reg(newValue))
	c.emit(opcodes.OP_JMP, opcodes.Label(loopLabel))
	c.emit(opcodes.OP_LABEL, opcodes.Label(doneLabel))
}

func (c *compiler) compileUntil(condExpr, updateExpr ast.Node, currentReg string, rest []ast.Node) {
	valueReg := currentReg
	loopLabel := c.newLabel("jq_until_loop")
	exitLabel := c.newLabel("jq_until_exit")
	c.emit(opcodes.OP_LABEL, opcodes.Label(loopLabel))
	condReg := c.evalExpression(condExpr, valueReg)
	c.emit(opcodes.OP_JNZ, opcodes.Reg(condReg), opcodes.Label(exitLabel))
	c.compilePipeline(rest, valueReg)
	newValue := c.evalExpression(updateExpr, valueReg)
	c.emit(opcodes.OP_MOV, opcodes.Reg(valueReg), opcodes.Reg(newValue))
	c.emit(opcodes.OP_JMP, opcodes.Label(loopLabel))
	c.emit(opcodes.OP_LABEL, opcodes.Label(exitLabel))
	c.compilePipeline(rest, valueReg)
}

// decomposePath splits a path expression built purely from Field/Index
// steps over Identity into its base node and an ordered step chain
// (spec 4.6 update-assignment routine).
type pathStep struct {
	isField bool
	field   string
	index   ast.Node
}

func decomposePath(node ast.Node) (ast.Node, []pathStep) {
	var steps []pathStep
	current := node
	for {
		switch n := current.(type) {
		case *ast.Field:
			steps = append(steps, pathStep{isField: true, field: n.Name})
			current = n.Source
			continue
		case *ast.Index:
			steps = append(steps, pathStep{index: n.Key})
			current = n.Source
			continue
		}
		break
	}
	for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
		steps[i], steps[j] = steps[j], steps[i]
	}
	return current, steps
}

// compileUpdate implements `target |= expr` (and the desugared `+=`/etc
// forms the parser reduces to it): walk down to the leaf container,
// holding parent links, then write the new leaf value back up the chain
// (spec 4.6, the hardest single routine, ported from the original's
// parent-reference descent).
func (c *compiler) compileUpdate(stage *ast.UpdateAssignment, currentReg string, rest []ast.Node) {
	base, steps := decomposePath(stage.Target)
	if _, ok := base.(*ast.Identity); !ok {
		c.fail("update assignment currently supports paths starting from .")
		return
	}

	type parentLink struct {
		isField bool
		reg     string
		key     interface{} // string for field, register name for index
	}
	var links []parentLink
	containerReg := currentReg
	for _, step := range steps[:max(0, len(steps)-1)] {
		if step.isField {
			childReg := c.newTemp()
			c.emit(opcodes.OP_OBJ_GET, opcodes.Reg(childReg), opcodes.Reg(containerReg), opcodes.Const(values.Str(step.field)))
			links = append(links, parentLink{isField: true, reg: containerReg, key: step.field})
			containerReg = childReg
		} else {
			indexReg := c.evalExpression(step.index, currentReg)
			childReg := c.newTemp()
			c.emit(opcodes.OP_GET_INDEX, opcodes.Reg(childReg), opcodes.Reg(containerReg), opcodes.Reg(indexReg))
			links = append(links, parentLink{reg: containerReg, key: indexReg})
			containerReg = childReg
		}
	}

	assignIdentity := len(steps) == 0
	var assignField bool
	var assignKey interface{}
	assignTarget := containerReg
	var oldValueReg string
	if !assignIdentity {
		last := steps[len(steps)-1]
		if last.isField {
			oldValueReg = c.newTemp()
			c.emit(opcodes.OP_OBJ_GET, opcodes.Reg(oldValueReg), opcodes.Reg(containerReg), opcodes.Const(values.Str(last.field)))
			assignField = true
			assignKey = last.field
		} else {
			indexReg := c.evalExpression(last.index, currentReg)
			oldValueReg = c.newTemp()
			c.emit(opcodes.OP_GET_INDEX, opcodes.Reg(oldValueReg), opcodes.Reg(containerReg), opcodes.Reg(indexReg))
			assignKey = indexReg
		}
	} else {
		oldValueReg = currentReg
	}

	newValueReg := c.evalExpression(stage.Expr, oldValueReg)

	var updatedReg string
	switch {
	case assignIdentity:
		c.emit(opcodes.OP_MOV, opcodes.Reg(currentReg), opcodes.Reg(newValueReg))
		updatedReg = currentReg
	case assignField:
		c.emit(opcodes.OP_OBJ_SET, opcodes.Reg(assignTarget), opcodes.Const(values.Str(assignKey.(string))), opcodes.Reg(newValueReg))
		updatedReg = assignTarget
	default:
		c.emit(opcodes.OP_SET_INDEX, opcodes.Reg(assignTarget), opcodes.Reg(assignKey.(string)), opcodes.Reg(newValueReg))
		updatedReg = assignTarget
	}

	childReg := updatedReg
	for i := len(links) - 1; i >= 0; i-- {
		link := links[i]
		if link.isField {
			c.emit(opcodes.OP_OBJ_SET, opcodes.Reg(link.reg), opcodes.Const(values.Str(link.key.(string))), opcodes.Reg(childReg))
		} else {
			c.emit(opcodes.OP_SET_INDEX, opcodes.Reg(link.reg), opcodes.Reg(link.key.(string)), opcodes.Reg(childReg))
		}
		childReg = link.reg
	}

	c.compilePipeline(rest, currentReg)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
