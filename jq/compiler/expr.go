package compiler

import (
	"github.com/wudi/slate/jq/ast"
	"github.com/wudi/slate/opcodes"
	"github.com/wudi/slate/values"
)

var binaryOpcode = map[string]opcodes.Opcode{
	"+":   opcodes.OP_ADD,
	"-":   opcodes.OP_SUB,
	"*":   opcodes.OP_MUL,
	"/":   opcodes.OP_DIV,
	"%":   opcodes.OP_MOD,
	"==":  opcodes.OP_EQ,
	">":   opcodes.OP_GT,
	"<":   opcodes.OP_LT,
	"and": opcodes.OP_AND,
	"or":  opcodes.OP_OR,
}

// evalExpression evaluates node as a scalar-producing expression (as
// opposed to compilePipeline's stream/generator form), returning the
// register holding its result (spec 4.6).
func (c *compiler) evalExpression(node ast.Node, baseReg string) string {
	switch n := node.(type) {
	case *ast.Identity:
		return baseReg
	case *ast.Literal:
		dest := c.newTemp()
		c.emit(opcodes.OP_LOAD_CONST, opcodes.Reg(dest), opcodes.Const(toConst(n.Value)))
		return dest
	case *ast.VarRef:
		return varReg(n.Name)
	case *ast.UnaryOp:
		operand := c.evalExpression(n.Operand, baseReg)
		dest := c.newTemp()
		switch n.Op {
		case "-":
			c.emit(opcodes.OP_NEG, opcodes.Reg(dest), opcodes.Reg(operand))
		case "not":
			c.emit(opcodes.OP_NOT, opcodes.Reg(dest), opcodes.Reg(operand))
		default:
			c.fail("unsupported unary operator %q", n.Op)
		}
		return dest
	case *ast.BinaryOp:
		return c.evalBinaryOp(n, baseReg)
	case *ast.Field:
		var names []string
		source := node
		for {
			f, ok := source.(*ast.Field)
			if !ok {
				break
			}
			names = append(names, f.Name)
			source = f.Source
		}
		current := c.evalExpression(source, baseReg)
		for i := len(names) - 1; i >= 0; i-- {
			dest := c.newTemp()
			c.emit(opcodes.OP_OBJ_GET, opcodes.Reg(dest), opcodes.Reg(current), opcodes.Const(values.Str(names[i])))
			current = dest
		}
		return current
	case *ast.ObjectLiteral:
		objReg := c.newTemp()
		c.emit(opcodes.OP_LOAD_CONST, opcodes.Reg(objReg), opcodes.Const(values.ObjectValue(values.NewObject())))
		for _, f := range n.Fields {
			valueReg := c.evalExpression(f.Value, baseReg)
			c.emit(opcodes.OP_OBJ_SET, opcodes.Reg(objReg), opcodes.Const(values.Str(f.Key)), opcodes.Reg(valueReg))
		}
		return objReg
	case *ast.Index:
		container := c.evalExpression(n.Source, baseReg)
		idx := c.evalExpression(n.Key, baseReg)
		dest := c.newTemp()
		c.emit(opcodes.OP_GET_INDEX, opcodes.Reg(dest), opcodes.Reg(container), opcodes.Reg(idx))
		return dest
	case *ast.Slice:
		return c.evalSlice(n, baseReg)
	}
	return c.compileExpression(node, baseReg)
}

func (c *compiler) evalBinaryOp(n *ast.BinaryOp, baseReg string) string {
	if op, ok := binaryOpcode[n.Op]; ok {
		left := c.evalExpression(n.Left, baseReg)
		right := c.evalExpression(n.Right, baseReg)
		dest := c.newTemp()
		c.emit(op, opcodes.Reg(dest), opcodes.Reg(left), opcodes.Reg(right))
		return dest
	}
	switch n.Op {
	case "!=":
		eqReg := c.evalExpression(&ast.BinaryOp{Op: "==", Left: n.Left, Right: n.Right}, baseReg)
		dest := c.newTemp()
		c.emit(opcodes.OP_NOT, opcodes.Reg(dest), opcodes.Reg(eqReg))
		return dest
	case ">=":
		ltReg := c.evalExpression(&ast.BinaryOp{Op: "<", Left: n.Left, Right: n.Right}, baseReg)
		dest := c.newTemp()
		c.emit(opcodes.OP_NOT, opcodes.Reg(dest), opcodes.Reg(ltReg))
		return dest
	case "<=":
		gtReg := c.evalExpression(&ast.BinaryOp{Op: ">", Left: n.Left, Right: n.Right}, baseReg)
		dest := c.newTemp()
		c.emit(opcodes.OP_NOT, opcodes.Reg(dest), opcodes.Reg(gtReg))
		return dest
	case "//":
		leftReg := c.evalExpression(n.Left, baseReg)
		dest := c.newTemp()
		nullReg := c.newTemp()
		condReg := c.newTemp()
		notNullLabel := c.newLabel("jq_coalesce_use_left")
		doneLabel := c.newLabel("jq_coalesce_done")
		c.emit(opcodes.OP_LOAD_CONST, opcodes.Reg(nullReg), opcodes.Const(values.Nil))
		c.emit(opcodes.OP_EQ, opcodes.Reg(condReg), opcodes.Reg(leftReg), opcodes.Reg(nullReg))
		c.emit(opcodes.OP_JZ, opcodes.Reg(condReg), opcodes.Label(notNullLabel))
		rightReg := c.evalExpression(n.Right, baseReg)
		c.emit(opcodes.OP_MOV, opcodes.Reg(dest), opcodes.Reg(rightReg))
		c.emit(opcodes.OP_JMP, opcodes.Label(doneLabel))
		c.emit(opcodes.OP_LABEL, opcodes.Label(notNullLabel))
		c.emit(opcodes.OP_MOV, opcodes.Reg(dest), opcodes.Reg(leftReg))
		c.emit(opcodes.OP_LABEL, opcodes.Label(doneLabel))
		return dest
	}
	c.fail("unsupported binary operator %q", n.Op)
	return c.newTemp()
}

// evalSlice evaluates `src[start:end]` by normalizing bounds against the
// source's length and collecting elements through an emit buffer (spec
// 4.6 "Index e / Slice a:b").
func (c *compiler) evalSlice(n *ast.Slice, baseReg string) string {
	src := c.evalExpression(n.Source, baseReg)
	result := c.newTemp()

	length := c.newTemp()
	c.emit(opcodes.OP_LEN_VALUE, opcodes.Reg(length), opcodes.Reg(src))

	startReg := c.newTemp()
	if n.Start == nil {
		c.emit(opcodes.OP_LOAD_CONST, opcodes.Reg(startReg), opcodes.Const(values.Int(0)))
	} else {
		startVal := c.evalExpression(n.Start, baseReg)
		c.emit(opcodes.OP_MOV, opcodes.Reg(startReg), opcodes.Reg(startVal))
	}
	endReg := c.newTemp()
	if n.End == nil {
		c.emit(opcodes.OP_MOV, opcodes.Reg(endReg), opcodes.Reg(length))
	} else {
		endVal := c.evalExpression(n.End, baseReg)
		c.emit(opcodes.OP_MOV, opcodes.Reg(endReg), opcodes.Reg(endVal))
	}

	zero := opcodes.Const(values.Int(0))
	cond := c.newTemp()
	c.clampBound(startReg, length, cond, zero)
	c.clampBound(endReg, length, cond, zero)

	i := c.newTemp()
	c.emit(opcodes.OP_MOV, opcodes.Reg(i), opcodes.Reg(startReg))
	c.emit(opcodes.OP_PUSH_EMIT)
	loop := c.newLabel("jq_slice_loop")
	done := c.newLabel("jq_slice_done")
	c.emit(opcodes.OP_LABEL, opcodes.Label(loop))
	c.emit(opcodes.OP_LT, opcodes.Reg(cond), opcodes.Reg(i), opcodes.Reg(endReg))
	c.emit(opcodes.OP_JZ, opcodes.Reg(cond), opcodes.Label(done))
	item := c.newTemp()
	c.emit(opcodes.OP_GET_INDEX, opcodes.Reg(item), opcodes.Reg(src), opcodes.Reg(i))
	c.emit(opcodes.OP_EMIT, opcodes.Reg(item))
	c.emit(opcodes.OP_ADD, opcodes.Reg(i), opcodes.Reg(i), opcodes.Const(values.Int(1)))
	c.emit(opcodes.OP_JMP, opcodes.Label(loop))
	c.emit(opcodes.OP_LABEL, opcodes.Label(done))
	c.emit(opcodes.OP_POP_EMIT, opcodes.Reg(result))
	return result
}

// clampBound normalizes a slice bound in place: negative becomes
// relative to length, then clamps into [0, length].
func (c *compiler) clampBound(boundReg, length, cond string, zero opcodes.Arg) {
	negLabel := c.newLabel("jq_slice_neg")
	cont1 := c.newLabel("jq_slice_cont1")
	c.emit(opcodes.OP_LT, opcodes.Reg(cond), opcodes.Reg(boundReg), zero)
	c.emit(opcodes.OP_JZ, opcodes.Reg(cond), opcodes.Label(cont1))
	c.emit(opcodes.OP_ADD, opcodes.Reg(boundReg), opcodes.Reg(boundReg), opcodes.Reg(length))
	c.emit(opcodes.OP_LABEL, opcodes.Label(negLabel))
	c.emit(opcodes.OP_LABEL, opcodes.Label(cont1))
	cont2 := c.newLabel("jq_slice_cont2")
	c.emit(opcodes.OP_LT, opcodes.Reg(cond), opcodes.Reg(boundReg), zero)
	c.emit(opcodes.OP_JZ, opcodes.Reg(cond), opcodes.Label(cont2))
	c.emit(opcodes.OP_LOAD_CONST, opcodes.Reg(boundReg), opcodes.Const(values.Int(0)))
	c.emit(opcodes.OP_LABEL, opcodes.Label(cont2))
	cont3 := c.newLabel("jq_slice_cont3")
	c.emit(opcodes.OP_GT, opcodes.Reg(cond), opcodes.Reg(boundReg), opcodes.Reg(length))
	c.emit(opcodes.OP_JZ, opcodes.Reg(cond), opcodes.Label(cont3))
	c.emit(opcodes.OP_MOV, opcodes.Reg(boundReg), opcodes.Reg(length))
	c.emit(opcodes.OP_LABEL, opcodes.Label(cont3))
}

// compileExpression evaluates a generator expression in scalar context,
// taking its last emitted value (or null if it emitted nothing) — how a
// pipe/filter used inside arithmetic resolves to one value (spec 4.6).
func (c *compiler) compileExpression(expr ast.Node, baseReg string) string {
	bufferReg := c.newTemp()
	c.emit(opcodes.OP_PUSH_EMIT)
	c.compilePipeline(ast.FlattenPipe(expr), baseReg)
	c.emit(opcodes.OP_POP_EMIT, opcodes.Reg(bufferReg))

	lenReg := c.newTemp()
	indexReg := c.newTemp()
	valueReg := c.newTemp()
	emptyLabel := c.newLabel("jq_expr_empty")
	doneLabel := c.newLabel("jq_expr_done")

	c.emit(opcodes.OP_LEN_VALUE, opcodes.Reg(lenReg), opcodes.Reg(bufferReg))
	c.emit(opcodes.OP_JZ, opcodes.Reg(lenReg), opcodes.Label(emptyLabel))
	c.emit(opcodes.OP_SUB, opcodes.Reg(indexReg), opcodes.Reg(lenReg), opcodes.Const(values.Int(1)))
	c.emit(opcodes.OP_GET_INDEX, opcodes.Reg(valueReg), opcodes.Reg(bufferReg), opcodes.Reg(indexReg))
	c.emit(opcodes.OP_JMP, opcodes.Label(doneLabel))
	c.emit(opcodes.OP_LABEL, opcodes.Label(emptyLabel))
	c.emit(opcodes.OP_LOAD_CONST, opcodes.Reg(valueReg), opcodes.Const(values.Nil))
	c.emit(opcodes.OP_LABEL, opcodes.Label(doneLabel))
	return valueReg
}
