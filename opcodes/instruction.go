package opcodes

import "github.com/wudi/slate/values"

// ArgKind tags how an Instruction argument resolves (spec section 3.2:
// "Symbols are textual register names, label names, or string constants").
type ArgKind byte

const (
	ArgRegister ArgKind = iota
	ArgLabel
	ArgConst
)

// Arg is one operand of an Instruction.
type Arg struct {
	Kind  ArgKind
	Name  string       // register or label name
	Const values.Value // literal, when Kind == ArgConst
}

func Reg(name string) Arg         { return Arg{Kind: ArgRegister, Name: name} }
func Label(name string) Arg       { return Arg{Kind: ArgLabel, Name: name} }
func Const(v values.Value) Arg    { return Arg{Kind: ArgConst, Const: v} }

// Debug carries the per-instruction source location and enclosing
// function name (spec section 3.2).
type Debug struct {
	File     string
	Line     int
	Column   int
	Function string
}

// Instruction is one bytecode instruction.
type Instruction struct {
	Opcode Opcode
	Args   []Arg
	Debug  Debug
}

func New(op Opcode, debug Debug, args ...Arg) Instruction {
	return Instruction{Opcode: op, Args: args, Debug: debug}
}

// LabelTable maps a label name to its instruction index and to the name
// of the function it falls within, built once by IndexLabels (spec
// section 3.2: "Labels are resolved once during a pre-pass").
type LabelTable struct {
	PC       map[string]int
	Function map[string]string
}

// IndexLabels scans the stream once, building a label -> pc map and a
// label -> function-name map. Every OP_LABEL instruction's sole Arg is
// the label name being defined at that pc.
func IndexLabels(stream []Instruction) *LabelTable {
	lt := &LabelTable{PC: make(map[string]int), Function: make(map[string]string)}
	currentFunc := ""
	for i, inst := range stream {
		if inst.Debug.Function != "" {
			currentFunc = inst.Debug.Function
		}
		if inst.Opcode == OP_LABEL && len(inst.Args) == 1 {
			name := inst.Args[0].Name
			lt.PC[name] = i
			lt.Function[name] = currentFunc
		}
	}
	return lt
}
