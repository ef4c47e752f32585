// Package vm implements the shared register VM (spec section 4.1): label
// indexing, instruction dispatch, call frames, closures/upvalues,
// multi-return, coroutine suspension and structured error propagation.
package vm

import (
	"fmt"

	"github.com/wudi/slate/errors"
	"github.com/wudi/slate/opcodes"
	"github.com/wudi/slate/values"
)

// StepVerdict is what one step() call tells the driver to do next, so the
// coroutine scheduler and a debugger can drive execution one instruction
// at a time (spec section 4.1).
type StepVerdict int

const (
	StepContinue StepVerdict = iota
	StepHalt
	StepYield
	StepJump
)

// Host is the global store the VM consults for "G_" registers
// (runtime.Environment implements it).
type Host interface {
	// ResolveGlobal/SetGlobal back the Lua "G_name" magic-prefix global
	// convention (spec section 4.4).
	ResolveGlobal(name string) (values.Value, bool)
	SetGlobal(name string, v values.Value)
}

// CallFrame is pushed by every call opcode and popped by return (spec
// section 3.6).
type CallFrame struct {
	ReturnPC       int
	SavedRegisters map[string]values.Value
	Params         []values.Value // pending params captured at call time
	Upvalues       []*values.Cell
	CallerFile     string
	CallerLine     int
	CallerFunc     string
	TryDepthAtCall int
}

// tryFrame records one active try/catch region (spec section 3.8/4.8 and
// the PushEmit/PopEmit balance invariant in spec section 8).
type tryFrame struct {
	catchLabel   string
	errReg       string
	emitDepth    int
	frameDepth   int
}

// VM is one register-VM instance. It owns all runtime state: registers,
// call stack, emit stack, and (via lua/coroutine) the coroutine registry.
type VM struct {
	Instructions []opcodes.Instruction
	Labels       *opcodes.LabelTable

	registers map[string]values.Value
	frames    []*CallFrame
	pc        int
	halted    bool

	pendingParams []values.Value
	paramCursor   int // read position for OP_ARG during the callee's prologue
	lastReturn    []values.Value
	callDestReg   string // register the active CALL/CALL_VALUE will write RESULT into on return

	emitStack []values.Value // each is a List Value; List's backing slice is shared via pointer so in-place append mutates every holder
	output    []values.Value

	tryStack []tryFrame
	lastErr  *errors.RuntimeError

	Host Host

	inputs      []values.Value
	inputCursor int

	// stopOnYield causes run() to return control (without halting) the
	// moment a CallValue handler detects a values.YieldMarker result.
	pendingYield []values.Value
	yielded      bool
}

// New builds a VM over an already-compiled instruction stream and indexes
// its labels (spec section 4.1: "Given an instruction stream whose labels
// have been indexed").
func New(instructions []opcodes.Instruction) *VM {
	return &VM{
		Instructions: instructions,
		Labels:       opcodes.IndexLabels(instructions),
		registers:    make(map[string]values.Value),
	}
}

// Registers exposes the current frame's register file (embedding API,
// spec section 6.2).
func (m *VM) Registers() map[string]values.Value { return m.registers }

func (m *VM) Output() []values.Value { return m.output }

func (m *VM) LastReturn() []values.Value { return m.lastReturn }

func (m *VM) LastError() *errors.RuntimeError { return m.lastErr }

// SetInputs feeds the sequence OP_INPUT/OP_INPUTS consume (spec section
// 6.3: "inputs available to the running program").
func (m *VM) SetInputs(vs []values.Value) { m.inputs = vs; m.inputCursor = 0 }

// defaultFor implements the documented split: arithmetic opcodes default
// a missing register to Int(0), structural (table/jq) opcodes default to
// Nil (spec section 4.1).
func defaultFor(op opcodes.Opcode) values.Value {
	switch op {
	case opcodes.OP_ADD, opcodes.OP_SUB, opcodes.OP_MUL, opcodes.OP_DIV, opcodes.OP_MOD,
		opcodes.OP_NEG, opcodes.OP_IDIV, opcodes.OP_POW, opcodes.OP_CMP_IMM,
		opcodes.OP_AND_BIT, opcodes.OP_OR_BIT, opcodes.OP_XOR, opcodes.OP_NOT_BIT,
		opcodes.OP_SHL, opcodes.OP_SHR, opcodes.OP_SAR:
		return values.Int(0)
	default:
		return values.Nil
	}
}

// read resolves one argument against the current register file for the
// given opcode (used to pick the right missing-register default).
func (m *VM) read(op opcodes.Opcode, a opcodes.Arg) values.Value {
	switch a.Kind {
	case opcodes.ArgConst:
		return a.Const
	case opcodes.ArgLabel:
		return values.Str(a.Name)
	default:
		if isGlobalName(a.Name) {
			if m.Host != nil {
				if v, ok := m.Host.ResolveGlobal(a.Name[2:]); ok {
					return v
				}
			}
			return values.Nil
		}
		if v, ok := m.registers[a.Name]; ok {
			return v
		}
		return defaultFor(op)
	}
}

// isGlobalName reports whether a register name is the "G_" magic prefix
// that routes reads/writes through Host instead of the per-frame register
// file, so a Lua global survives across the frame swap every call does.
func isGlobalName(name string) bool {
	return len(name) > 2 && name[0] == 'G' && name[1] == '_'
}

func (m *VM) write(name string, v values.Value) {
	if name == "" || name == "_" {
		return
	}
	if isGlobalName(name) {
		if m.Host != nil {
			m.Host.SetGlobal(name[2:], v)
		}
		return
	}
	m.registers[name] = v
}

// Run executes until Halt, an uncaught error, or (if stopOnYield) a yield
// point, returning the VM's accumulated output sequence (spec 4.1).
func (m *VM) Run(stopOnYield bool) ([]values.Value, error) {
	for {
		verdict, err := m.Step()
		if err != nil {
			return m.output, err
		}
		switch verdict {
		case StepHalt:
			return m.output, nil
		case StepYield:
			if stopOnYield {
				return m.output, nil
			}
		}
	}
}

// Step advances exactly one instruction (spec section 4.1).
func (m *VM) Step() (StepVerdict, error) {
	if m.halted || m.pc >= len(m.Instructions) {
		m.halted = true
		return StepHalt, nil
	}
	inst := m.Instructions[m.pc]
	verdict, err := m.dispatch(&inst)
	if err != nil {
		if recovered := m.tryRecover(err); recovered {
			return StepContinue, nil
		}
		return StepHalt, err
	}
	switch verdict {
	case StepJump, StepHalt:
		// pc already set by the handler (jump) or halted flag set (halt).
	default:
		m.pc++
	}
	if m.halted {
		return StepHalt, nil
	}
	return verdict, nil
}

func (m *VM) jumpTo(label string) error {
	pc, ok := m.Labels.PC[label]
	if !ok {
		return fmt.Errorf("jump to undefined label %q", label)
	}
	m.pc = pc
	return nil
}

func (m *VM) dispatch(inst *opcodes.Instruction) (StepVerdict, error) {
	switch {
	case isArith(inst.Opcode):
		return StepContinue, m.execArith(inst)
	case isLogic(inst.Opcode):
		return StepContinue, m.execLogic(inst)
	case isBitwise(inst.Opcode):
		return StepContinue, m.execBitwise(inst)
	case isCompare(inst.Opcode):
		return StepContinue, m.execCompare(inst)
	case isControl(inst.Opcode):
		return m.execControl(inst)
	case isCallFamily(inst.Opcode):
		return m.execCall(inst)
	case isTable(inst.Opcode):
		return StepContinue, m.execTable(inst)
	case isJQ(inst.Opcode):
		return m.execJQ(inst)
	case inst.Opcode == opcodes.OP_HALT:
		m.halted = true
		return StepHalt, nil
	default:
		return StepContinue, fmt.Errorf("unhandled opcode %s", inst.Opcode)
	}
}

func isArith(op opcodes.Opcode) bool {
	return op >= opcodes.OP_ADD && op <= opcodes.OP_CONCAT
}
func isCompare(op opcodes.Opcode) bool {
	return op >= opcodes.OP_EQ && op <= opcodes.OP_CMP_IMM
}
func isLogic(op opcodes.Opcode) bool {
	return op >= opcodes.OP_AND && op <= opcodes.OP_COALESCE ||
		op == opcodes.OP_LOAD_IMM || op == opcodes.OP_LOAD_CONST || op == opcodes.OP_MOV || op == opcodes.OP_CLR
}
func isBitwise(op opcodes.Opcode) bool {
	return op >= opcodes.OP_AND_BIT && op <= opcodes.OP_SAR
}
func isControl(op opcodes.Opcode) bool {
	return op >= opcodes.OP_JMP && op <= opcodes.OP_LABEL
}
func isCallFamily(op opcodes.Opcode) bool {
	return op >= opcodes.OP_PARAM && op <= opcodes.OP_BIND_UPVALUE
}
func isTable(op opcodes.Opcode) bool {
	return op >= opcodes.OP_TABLE_NEW && op <= opcodes.OP_TABLE_EXTEND
}
func isJQ(op opcodes.Opcode) bool {
	return (op >= opcodes.OP_OBJ_GET && op <= opcodes.OP_GET_PATH_VALUE) ||
		(op >= opcodes.OP_PUSH_EMIT && op <= opcodes.OP_HALT_ERROR)
}

// raise builds a RuntimeError with a traceback captured from the active
// call frames (spec section 7).
func (m *VM) raise(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	frames := m.captureTraceback()
	m.lastErr = errors.NewRuntimeError(msg, frames)
	return m.lastErr
}

func (m *VM) captureTraceback() []errors.TraceFrame {
	inst := opcodes.Instruction{}
	if m.pc < len(m.Instructions) {
		inst = m.Instructions[m.pc]
	}
	frames := []errors.TraceFrame{{File: inst.Debug.File, Line: inst.Debug.Line, Function: inst.Debug.Function}}
	for i := len(m.frames) - 1; i >= 0; i-- {
		f := m.frames[i]
		frames = append(frames, errors.TraceFrame{File: f.CallerFile, Line: f.CallerLine, Function: f.CallerFunc})
	}
	return frames
}
