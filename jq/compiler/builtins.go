package compiler

import (
	"strings"

	"github.com/wudi/slate/jq/ast"
	"github.com/wudi/slate/opcodes"
	"github.com/wudi/slate/values"
)

// compileFunctionCall dispatches a jq builtin-function call to its
// bytecode expansion (spec 4.6's dense dispatch table). The non-standard
// dense-aggregation shorthand `reduce(array; "op"; init)` is the one
// entry that shares its source-level name with the syntactic `reduce ...
// as $x (init; update)` form (ast.Reduce, handled in compilePipeline).
func (c *compiler) compileFunctionCall(n *ast.FunctionCall, currentReg string, rest []ast.Node) {
	switch {
	case n.Name == "path" && len(n.Args) == 1:
		pathReg := c.compileStaticPath(n.Args[0], currentReg)
		c.compilePipeline(rest, pathReg)
	case n.Name == "paths" && len(n.Args) == 0:
		pathsReg := c.newTemp()
		c.emit(opcodes.OP_PATHS_ALL, opcodes.Reg(pathsReg), opcodes.Reg(currentReg))
		c.emitBuffer(pathsReg, rest)
	case n.Name == "paths" && len(n.Args) == 1:
		c.compilePathsFiltered(n.Args[0], currentReg, rest)
	case n.Name == "setpath" && len(n.Args) == 2:
		pathReg := c.compileExpression(n.Args[0], currentReg)
		valueReg := c.compileExpression(n.Args[1], currentReg)
		c.emit(opcodes.OP_SET_PATHS, opcodes.Reg(currentReg), opcodes.Reg(pathReg), opcodes.Reg(valueReg))
		c.compilePipeline(rest, currentReg)
	case n.Name == "del" && len(n.Args) == 1:
		c.compileDel(n.Args[0], currentReg, rest)
	case n.Name == "walk" && len(n.Args) == 1:
		c.compileWalk(n.Args[0], currentReg, rest)
	case n.Name == "input" && len(n.Args) == 0:
		dest := c.newTemp()
		c.emit(opcodes.OP_INPUT, opcodes.Reg(dest))
		c.compilePipeline(rest, dest)
	case n.Name == "inputs" && len(n.Args) == 0:
		bufferReg := c.newTemp()
		c.emit(opcodes.OP_PUSH_EMIT)
		c.emit(opcodes.OP_INPUTS)
		c.emit(opcodes.OP_POP_EMIT, opcodes.Reg(bufferReg))
		c.emitBuffer(bufferReg, rest)
	case n.Name == "halt" && len(n.Args) == 0:
		c.emit(opcodes.OP_HALT_NOW)
	case n.Name == "halt_error" && len(n.Args) <= 1:
		msgReg := currentReg
		if len(n.Args) == 1 {
			msgReg = c.evalExpression(n.Args[0], currentReg)
		}
		c.emit(opcodes.OP_HALT_ERROR, opcodes.Reg(msgReg))
	case n.Name == "while" && len(n.Args) == 2:
		c.compileWhile(n.Args[0], n.Args[1], currentReg, rest)
	case n.Name == "until" && len(n.Args) == 2:
		c.compileUntil(n.Args[0], n.Args[1], currentReg, rest)
	case n.Name == "tostring" && len(n.Args) == 0:
		dest := c.newTemp()
		c.emit(opcodes.OP_TOSTRING, opcodes.Reg(dest), opcodes.Reg(currentReg))
		c.compilePipeline(rest, dest)
	case n.Name == "tonumber" && len(n.Args) == 0:
		dest := c.newTemp()
		c.emit(opcodes.OP_TONUMBER, opcodes.Reg(dest), opcodes.Reg(currentReg))
		c.compilePipeline(rest, dest)
	case n.Name == "split" && len(n.Args) == 1:
		sepReg := c.evalExpression(n.Args[0], currentReg)
		dest := c.newTemp()
		c.emit(opcodes.OP_SPLIT, opcodes.Reg(dest), opcodes.Reg(currentReg), opcodes.Reg(sepReg))
		c.compilePipeline(rest, dest)
	case n.Name == "gsub" && len(n.Args) == 2:
		fromReg := c.evalExpression(n.Args[0], currentReg)
		toReg := c.evalExpression(n.Args[1], currentReg)
		dest := c.newTemp()
		c.emit(opcodes.OP_GSUB, opcodes.Reg(dest), opcodes.Reg(currentReg), opcodes.Reg(fromReg), opcodes.Reg(toReg))
		c.compilePipeline(rest, dest)
	case n.Name == "sort" && len(n.Args) == 0:
		dest := c.newTemp()
		c.emit(opcodes.OP_SORT, opcodes.Reg(dest), opcodes.Reg(currentReg))
		c.compilePipeline(rest, dest)
	case n.Name == "sort_by" && len(n.Args) == 1:
		c.compileByFamily(opcodes.OP_SORT_BY, "jq_sort_by", n.Args[0], currentReg, rest)
	case n.Name == "unique" && len(n.Args) == 0:
		dest := c.newTemp()
		c.emit(opcodes.OP_UNIQUE, opcodes.Reg(dest), opcodes.Reg(currentReg))
		c.compilePipeline(rest, dest)
	case n.Name == "unique_by" && len(n.Args) == 1:
		c.compileByFamily(opcodes.OP_UNIQUE_BY, "jq_unique_by", n.Args[0], currentReg, rest)
	case n.Name == "min" && len(n.Args) == 0:
		dest := c.newTemp()
		c.emit(opcodes.OP_MIN, opcodes.Reg(dest), opcodes.Reg(currentReg))
		c.compilePipeline(rest, dest)
	case n.Name == "max" && len(n.Args) == 0:
		dest := c.newTemp()
		c.emit(opcodes.OP_MAX, opcodes.Reg(dest), opcodes.Reg(currentReg))
		c.compilePipeline(rest, dest)
	case n.Name == "min_by" && len(n.Args) == 1:
		c.compileByFamily(opcodes.OP_MIN_BY, "jq_min_by", n.Args[0], currentReg, rest)
	case n.Name == "max_by" && len(n.Args) == 1:
		c.compileByFamily(opcodes.OP_MAX_BY, "jq_max_by", n.Args[0], currentReg, rest)
	case n.Name == "group_by" && len(n.Args) == 1:
		c.compileByFamily(opcodes.OP_GROUP_BY, "jq_group_by", n.Args[0], currentReg, rest)
	case n.Name == "keys" && len(n.Args) == 0:
		dest := c.newTemp()
		c.emit(opcodes.OP_KEYS, opcodes.Reg(dest), opcodes.Reg(currentReg))
		c.compilePipeline(rest, dest)
	case n.Name == "has" && len(n.Args) == 1:
		needleReg := c.evalExpression(n.Args[0], currentReg)
		dest := c.newTemp()
		c.emit(opcodes.OP_HAS, opcodes.Reg(dest), opcodes.Reg(currentReg), opcodes.Reg(needleReg))
		c.compilePipeline(rest, dest)
	case n.Name == "contains" && len(n.Args) == 1:
		needleReg := c.evalExpression(n.Args[0], currentReg)
		dest := c.newTemp()
		c.emit(opcodes.OP_CONTAINS, opcodes.Reg(dest), opcodes.Reg(currentReg), opcodes.Reg(needleReg))
		c.compilePipeline(rest, dest)
	case n.Name == "add" && len(n.Args) == 0:
		dest := c.newTemp()
		c.emit(opcodes.OP_AGG_ADD, opcodes.Reg(dest), opcodes.Reg(currentReg))
		c.compilePipeline(rest, dest)
	case n.Name == "join" && len(n.Args) <= 1:
		var sepReg string
		if len(n.Args) == 1 {
			sepReg = c.evalExpression(n.Args[0], currentReg)
		} else {
			sepReg = c.newTemp()
			c.emit(opcodes.OP_LOAD_CONST, opcodes.Reg(sepReg), opcodes.Const(values.Str("")))
		}
		dest := c.newTemp()
		c.emit(opcodes.OP_JOIN, opcodes.Reg(dest), opcodes.Reg(currentReg), opcodes.Reg(sepReg))
		c.compilePipeline(rest, dest)
	case n.Name == "reverse" && len(n.Args) == 0:
		dest := c.newTemp()
		c.emit(opcodes.OP_REVERSE, opcodes.Reg(dest), opcodes.Reg(currentReg))
		c.compilePipeline(rest, dest)
	case n.Name == "first" && len(n.Args) == 0:
		dest := c.newTemp()
		c.emit(opcodes.OP_FIRST, opcodes.Reg(dest), opcodes.Reg(currentReg))
		c.compilePipeline(rest, dest)
	case n.Name == "last" && len(n.Args) == 0:
		dest := c.newTemp()
		c.emit(opcodes.OP_LAST, opcodes.Reg(dest), opcodes.Reg(currentReg))
		c.compilePipeline(rest, dest)
	case n.Name == "any" && len(n.Args) == 0:
		dest := c.newTemp()
		c.emit(opcodes.OP_ANY, opcodes.Reg(dest), opcodes.Reg(currentReg))
		c.compilePipeline(rest, dest)
	case n.Name == "all" && len(n.Args) == 0:
		dest := c.newTemp()
		c.emit(opcodes.OP_ALL, opcodes.Reg(dest), opcodes.Reg(currentReg))
		c.compilePipeline(rest, dest)
	case n.Name == "length" && len(n.Args) == 0:
		dest := c.newTemp()
		c.emit(opcodes.OP_LEN_VALUE, opcodes.Reg(dest), opcodes.Reg(currentReg))
		c.compilePipeline(rest, dest)
	case n.Name == "flatten" && len(n.Args) <= 1:
		arrayReg := currentReg
		if len(n.Args) == 1 {
			arrayReg = c.evalExpression(n.Args[0], currentReg)
		}
		dest := c.newTemp()
		c.emit(opcodes.OP_FLATTEN, opcodes.Reg(dest), opcodes.Reg(arrayReg))
		c.compilePipeline(rest, dest)
	case n.Name == "reduce":
		c.compileReduceBuiltin(n, currentReg, rest)
	case n.Name == "map" && len(n.Args) == 1:
		c.compileMap(n.Args[0], currentReg, rest)
	case n.Name == "select" && len(n.Args) == 1:
		c.compileSelect(n.Args[0], currentReg, rest)
	default:
		c.fail("unsupported jq builtin %s/%d", n.Name, len(n.Args))
	}
}

// compileByFamily shares the sort_by/unique_by/min_by/max_by/group_by
// shape: compute one key per element of the current array, then hand
// the parallel item/key lists to the matching dedicated opcode.
func (c *compiler) compileByFamily(op opcodes.Opcode, prefix string, keyExpr ast.Node, currentReg string, rest []ast.Node) {
	arrayReg := currentReg
	keysBuf := c.byKeyLoop(arrayReg, keyExpr, prefix)
	dest := c.newTemp()
	c.emit(op, opcodes.Reg(dest), opcodes.Reg(arrayReg), opcodes.Reg(keysBuf))
	c.compilePipeline(rest, dest)
}

// compileMap implements `map(e)`: push once, loop every element of the
// current array through e (each stage-end EMIT appends to the shared
// buffer), pop once into the result list.
func (c *compiler) compileMap(expr ast.Node, currentReg string, rest []ast.Node) {
	resultReg := c.newTemp()
	sourceReg := currentReg
	indexReg := c.newTemp()
	lengthReg := c.newTemp()
	condReg := c.newTemp()
	elemReg := c.newTemp()
	loopLabel := c.newLabel("jq_map_loop")
	endLabel := c.newLabel("jq_map_end")

	c.emit(opcodes.OP_LOAD_CONST, opcodes.Reg(indexReg), opcodes.Const(values.Int(0)))
	c.emit(opcodes.OP_LEN_VALUE, opcodes.Reg(lengthReg), opcodes.Reg(sourceReg))
	c.emit(opcodes.OP_PUSH_EMIT)
	c.emit(opcodes.OP_LABEL, opcodes.Label(loopLabel))
	c.emit(opcodes.OP_LT, opcodes.Reg(condReg), opcodes.Reg(indexReg), opcodes.Reg(lengthReg))
	c.emit(opcodes.OP_JZ, opcodes.Reg(condReg), opcodes.Label(endLabel))
	c.emit(opcodes.OP_GET_INDEX, opcodes.Reg(elemReg), opcodes.Reg(sourceReg), opcodes.Reg(indexReg))
	c.compilePipeline(ast.FlattenPipe(expr), elemReg)
	c.emit(opcodes.OP_ADD, opcodes.Reg(indexReg), opcodes.Reg(indexReg), opcodes.Const(values.Int(1)))
	c.emit(opcodes.OP_JMP, opcodes.Label(loopLabel))
	c.emit(opcodes.OP_LABEL, opcodes.Label(endLabel))
	c.emit(opcodes.OP_POP_EMIT, opcodes.Reg(resultReg))
	c.compilePipeline(rest, resultReg)
}

// compileSelect implements `select(cond)`: collect cond's emitted values,
// flatten one level (so e.g. `map(.)` results inside a select still
// contribute individual truth values), then let `rest` run only if any
// survivor is truthy.
func (c *compiler) compileSelect(cond ast.Node, currentReg string, rest []ast.Node) {
	condBuffer := c.newTemp()
	c.emit(opcodes.OP_PUSH_EMIT)
	c.compilePipeline(ast.FlattenPipe(cond), currentReg)
	c.emit(opcodes.OP_POP_EMIT, opcodes.Reg(condBuffer))

	flatBuffer := c.newTemp()
	c.emit(opcodes.OP_FLATTEN, opcodes.Reg(flatBuffer), opcodes.Reg(condBuffer))

	lengthReg := c.newTemp()
	indexReg := c.newTemp()
	condReg := c.newTemp()
	itemReg := c.newTemp()
	truthReg := c.newTemp()
	loopLabel := c.newLabel("jq_select_loop")
	skipItemLabel := c.newLabel("jq_select_skip_item")
	doneLabel := c.newLabel("jq_select_done")
	skipLabel := c.newLabel("jq_select_skip")

	c.emit(opcodes.OP_LEN_VALUE, opcodes.Reg(lengthReg), opcodes.Reg(flatBuffer))
	c.emit(opcodes.OP_LOAD_CONST, opcodes.Reg(truthReg), opcodes.Const(values.Bool(false)))
	c.emit(opcodes.OP_LOAD_CONST, opcodes.Reg(indexReg), opcodes.Const(values.Int(0)))
	c.emit(opcodes.OP_LABEL, opcodes.Label(loopLabel))
	c.emit(opcodes.OP_LT, opcodes.Reg(condReg), opcodes.Reg(indexReg), opcodes.Reg(lengthReg))
	c.emit(opcodes.OP_JZ, opcodes.Reg(condReg), opcodes.Label(doneLabel))
	c.emit(opcodes.OP_GET_INDEX, opcodes.Reg(itemReg), opcodes.Reg(flatBuffer), opcodes.Reg(indexReg))
	c.emit(opcodes.OP_JZ, opcodes.Reg(itemReg), opcodes.Label(skipItemLabel))
	c.emit(opcodes.OP_LOAD_CONST, opcodes.Reg(truthReg), opcodes.Const(values.Bool(true)))
	c.emit(opcodes.OP_JMP, opcodes.Label(doneLabel))
	c.emit(opcodes.OP_LABEL, opcodes.Label(skipItemLabel))
	c.emit(opcodes.OP_ADD, opcodes.Reg(indexReg), opcodes.Reg(indexReg), opcodes.Const(values.Int(1)))
	c.emit(opcodes.OP_JMP, opcodes.Label(loopLabel))
	c.emit(opcodes.OP_LABEL, opcodes.Label(doneLabel))
	c.emit(opcodes.OP_JZ, opcodes.Reg(truthReg), opcodes.Label(skipLabel))
	c.compilePipeline(rest, currentReg)
	c.emit(opcodes.OP_LABEL, opcodes.Label(skipLabel))
}

// compileStaticPath builds the path (as a register holding a list of
// keys) that a chain of Field/Index steps over Identity would visit —
// the supported subset of `path(f)`'s f (spec 4.6 "path/paths/setpath/
// del/walk"); generator path expressions like `.[]` are rejected.
func (c *compiler) compileStaticPath(node ast.Node, currentReg string) string {
	base, steps := decomposePath(node)
	if _, ok := base.(*ast.Identity); !ok {
		c.fail("path() currently supports static field/index chains starting from .")
		return c.newTemp()
	}
	pathReg := c.newTemp()
	c.emit(opcodes.OP_PUSH_EMIT)
	for _, step := range steps {
		var keyReg string
		if step.isField {
			keyReg = c.newTemp()
			c.emit(opcodes.OP_LOAD_CONST, opcodes.Reg(keyReg), opcodes.Const(values.Str(step.field)))
		} else {
			keyReg = c.evalExpression(step.index, currentReg)
		}
		c.emit(opcodes.OP_EMIT, opcodes.Reg(keyReg))
	}
	c.emit(opcodes.OP_POP_EMIT, opcodes.Reg(pathReg))
	return pathReg
}

// compileDel implements `del(f)`: f names one static path, or a
// comma-sequence of them, each deleted in turn.
func (c *compiler) compileDel(target ast.Node, currentReg string, rest []ast.Node) {
	targets := []ast.Node{target}
	if seq, ok := target.(*ast.Sequence); ok {
		targets = seq.Expressions
	}
	for _, t := range targets {
		pathReg := c.compileStaticPath(t, currentReg)
		c.emit(opcodes.OP_DEL_PATHS, opcodes.Reg(currentReg), opcodes.Reg(pathReg))
	}
	c.compilePipeline(rest, currentReg)
}

// compilePathsFiltered implements `paths(f)`: walk every path of the
// current value, keep those whose value is truthy once piped through f.
func (c *compiler) compilePathsFiltered(filterExpr ast.Node, currentReg string, rest []ast.Node) {
	allPathsReg := c.newTemp()
	c.emit(opcodes.OP_PATHS_ALL, opcodes.Reg(allPathsReg), opcodes.Reg(currentReg))

	matchedReg := c.newTemp()
	lengthReg := c.newTemp()
	indexReg := c.newTemp()
	condReg := c.newTemp()
	pathReg := c.newTemp()
	valueReg := c.newTemp()
	loopLabel := c.newLabel("jq_paths_loop")
	skipLabel := c.newLabel("jq_paths_skip")
	endLabel := c.newLabel("jq_paths_end")

	c.emit(opcodes.OP_LEN_VALUE, opcodes.Reg(lengthReg), opcodes.Reg(allPathsReg))
	c.emit(opcodes.OP_LOAD_CONST, opcodes.Reg(indexReg), opcodes.Const(values.Int(0)))
	c.emit(opcodes.OP_PUSH_EMIT)
	c.emit(opcodes.OP_LABEL, opcodes.Label(loopLabel))
	c.emit(opcodes.OP_LT, opcodes.Reg(condReg), opcodes.Reg(indexReg), opcodes.Reg(lengthReg))
	c.emit(opcodes.OP_JZ, opcodes.Reg(condReg), opcodes.Label(endLabel))
	c.emit(opcodes.OP_GET_INDEX, opcodes.Reg(pathReg), opcodes.Reg(allPathsReg), opcodes.Reg(indexReg))
	c.emit(opcodes.OP_GET_PATH_VALUE, opcodes.Reg(valueReg), opcodes.Reg(currentReg), opcodes.Reg(pathReg))
	truthReg := c.compileExpression(filterExpr, valueReg)
	c.emit(opcodes.OP_JZ, opcodes.Reg(truthReg), opcodes.Label(skipLabel))
	c.emit(opcodes.OP_EMIT, opcodes.Reg(pathReg))
	c.emit(opcodes.OP_LABEL, opcodes.Label(skipLabel))
	c.emit(opcodes.OP_ADD, opcodes.Reg(indexReg), opcodes.Reg(indexReg), opcodes.Const(values.Int(1)))
	c.emit(opcodes.OP_JMP, opcodes.Label(loopLabel))
	c.emit(opcodes.OP_LABEL, opcodes.Label(endLabel))
	c.emit(opcodes.OP_POP_EMIT, opcodes.Reg(matchedReg))
	c.emitBuffer(matchedReg, rest)
}

// compileWalk implements `walk(f)` as one flat pass over PATHS_ALL's
// paths, which list a container before its children: f is applied to
// the value at each path and written back with SET_PATHS, then f is
// applied to the root. It is not a bottom-up rewrite (ported from the
// original's path-rewrite-by-SET_PATHS technique rather than true
// bytecode recursion).
func (c *compiler) compileWalk(f ast.Node, currentReg string, rest []ast.Node) {
	pathsReg := c.newTemp()
	c.emit(opcodes.OP_PATHS_ALL, opcodes.Reg(pathsReg), opcodes.Reg(currentReg))

	lengthReg := c.newTemp()
	indexReg := c.newTemp()
	condReg := c.newTemp()
	pathReg := c.newTemp()
	valueReg := c.newTemp()
	loopLabel := c.newLabel("jq_walk_loop")
	endLabel := c.newLabel("jq_walk_end")

	c.emit(opcodes.OP_LEN_VALUE, opcodes.Reg(lengthReg), opcodes.Reg(pathsReg))
	c.emit(opcodes.OP_LOAD_CONST, opcodes.Reg(indexReg), opcodes.Const(values.Int(0)))
	c.emit(opcodes.OP_LABEL, opcodes.Label(loopLabel))
	c.emit(opcodes.OP_LT, opcodes.Reg(condReg), opcodes.Reg(indexReg), opcodes.Reg(lengthReg))
	c.emit(opcodes.OP_JZ, opcodes.Reg(condReg), opcodes.Label(endLabel))
	c.emit(opcodes.OP_GET_INDEX, opcodes.Reg(pathReg), opcodes.Reg(pathsReg), opcodes.Reg(indexReg))
	c.emit(opcodes.OP_GET_PATH_VALUE, opcodes.Reg(valueReg), opcodes.Reg(currentReg), opcodes.Reg(pathReg))
	newValueReg := c.compileExpression(f, valueReg)

	singlePathReg := c.newTemp()
	c.emit(opcodes.OP_PUSH_EMIT)
	c.emit(opcodes.OP_EMIT, opcodes.Reg(pathReg))
	c.emit(opcodes.OP_POP_EMIT, opcodes.Reg(singlePathReg))
	c.emit(opcodes.OP_SET_PATHS, opcodes.Reg(currentReg), opcodes.Reg(singlePathReg), opcodes.Reg(newValueReg))

	c.emit(opcodes.OP_ADD, opcodes.Reg(indexReg), opcodes.Reg(indexReg), opcodes.Const(values.Int(1)))
	c.emit(opcodes.OP_JMP, opcodes.Label(loopLabel))
	c.emit(opcodes.OP_LABEL, opcodes.Label(endLabel))
	newRootReg := c.compileExpression(f, currentReg)
	c.compilePipeline(rest, newRootReg)
}

// compileReduceBuiltin implements the dense-aggregation call form
// `reduce(array; "op"; init)` — distinct from the syntactic `reduce src
// as $x (init; update)` (ast.Reduce). There is no dedicated aggregation
// opcode, so each named op lowers to the arithmetic/value opcode that
// already implements it.
func (c *compiler) compileReduceBuiltin(n *ast.FunctionCall, currentReg string, rest []ast.Node) {
	arrayExpr := ast.Node(&ast.Identity{})
	opName := "sum"
	var initExpr ast.Node

	asOpLiteral := func(node ast.Node) (string, bool) {
		lit, ok := node.(*ast.Literal)
		if !ok {
			return "", false
		}
		s, ok := lit.Value.(string)
		return s, ok
	}

	switch len(n.Args) {
	case 0:
	case 1:
		if s, ok := asOpLiteral(n.Args[0]); ok {
			opName = strings.ToLower(s)
		} else {
			arrayExpr = n.Args[0]
		}
	case 2:
		arrayExpr = n.Args[0]
		s, ok := asOpLiteral(n.Args[1])
		if !ok {
			c.fail("reduce aggregator must be a string literal")
			return
		}
		opName = strings.ToLower(s)
	default:
		arrayExpr = n.Args[0]
		s, ok := asOpLiteral(n.Args[1])
		if !ok {
			c.fail("reduce aggregator must be a string literal")
			return
		}
		opName = strings.ToLower(s)
		initExpr = n.Args[2]
	}

	arrayReg := c.evalExpression(arrayExpr, currentReg)
	var dest string
	switch opName {
	case "sum":
		sumReg := c.newTemp()
		c.emit(opcodes.OP_AGG_ADD, opcodes.Reg(sumReg), opcodes.Reg(arrayReg))
		if initExpr == nil {
			dest = sumReg
		} else {
			initReg := c.evalExpression(initExpr, currentReg)
			dest = c.newTemp()
			c.emit(opcodes.OP_ADD, opcodes.Reg(dest), opcodes.Reg(initReg), opcodes.Reg(sumReg))
		}
	case "min":
		dest = c.newTemp()
		c.emit(opcodes.OP_MIN, opcodes.Reg(dest), opcodes.Reg(arrayReg))
	case "max":
		dest = c.newTemp()
		c.emit(opcodes.OP_MAX, opcodes.Reg(dest), opcodes.Reg(arrayReg))
	case "count":
		dest = c.newTemp()
		c.emit(opcodes.OP_LEN_VALUE, opcodes.Reg(dest), opcodes.Reg(arrayReg))
	case "product":
		dest = c.foldArray(arrayReg, initExpr, currentReg, opcodes.OP_MUL, values.Float(1))
	default:
		c.fail("unsupported reduce aggregator %q", opName)
		return
	}
	c.compilePipeline(rest, dest)
}

// foldArray left-folds binOp over arrayReg's elements, seeded by initExpr
// (evaluated against seedReg) or identityConst when initExpr is nil.
func (c *compiler) foldArray(arrayReg string, initExpr ast.Node, seedReg string, binOp opcodes.Opcode, identityConst values.Value) string {
	accReg := c.newTemp()
	if initExpr != nil {
		initReg := c.evalExpression(initExpr, seedReg)
		c.emit(opcodes.OP_MOV, opcodes.Reg(accReg), opcodes.Reg(initReg))
	} else {
		c.emit(opcodes.OP_LOAD_CONST, opcodes.Reg(accReg), opcodes.Const(identityConst))
	}

	lengthReg := c.newTemp()
	indexReg := c.newTemp()
	condReg := c.newTemp()
	itemReg := c.newTemp()
	loopLabel := c.newLabel("jq_fold_loop")
	endLabel := c.newLabel("jq_fold_end")

	c.emit(opcodes.OP_LEN_VALUE, opcodes.Reg(lengthReg), opcodes.Reg(arrayReg))
	c.emit(opcodes.OP_LOAD_CONST, opcodes.Reg(indexReg), opcodes.Const(values.Int(0)))
	c.emit(opcodes.OP_LABEL, opcodes.Label(loopLabel))
	c.emit(opcodes.OP_LT, opcodes.Reg(condReg), opcodes.Reg(indexReg), opcodes.Reg(lengthReg))
	c.emit(opcodes.OP_JZ, opcodes.Reg(condReg), opcodes.Label(endLabel))
	c.emit(opcodes.OP_GET_INDEX, opcodes.Reg(itemReg), opcodes.Reg(arrayReg), opcodes.Reg(indexReg))
	c.emit(binOp, opcodes.Reg(accReg), opcodes.Reg(accReg), opcodes.Reg(itemReg))
	c.emit(opcodes.OP_ADD, opcodes.Reg(indexReg), opcodes.Reg(indexReg), opcodes.Const(values.Int(1)))
	c.emit(opcodes.OP_JMP, opcodes.Label(loopLabel))
	c.emit(opcodes.OP_LABEL, opcodes.Label(endLabel))
	return accReg
}
