package vm

import (
	"github.com/wudi/slate/opcodes"
	"github.com/wudi/slate/values"
)

// execCall implements the call family: parameter staging, plain and
// value calls (including native-function and coroutine-yield
// detection), argument/vararg reads in a callee's prologue, return, and
// closure/upvalue construction (spec sections 3.4-3.6 and 4.1 "Call
// family").
//
// Upvalues are bound in two stages: OP_CLOSURE captures the cells at
// construction time, into the closure's Upvalues slice (and from there
// into the callee's CallFrame.Upvalues on doCall); OP_BIND_UPVALUE runs
// in the callee's own prologue and copies the Nth captured cell into a
// local register so the function body can read/write it like any other
// cell-backed local.
func (m *VM) execCall(inst *opcodes.Instruction) (StepVerdict, error) {
	switch inst.Opcode {
	case opcodes.OP_PARAM:
		m.pendingParams = append(m.pendingParams, m.read(inst.Opcode, inst.Args[0]))
		return StepContinue, nil
	case opcodes.OP_PARAM_EXPAND:
		v := m.read(inst.Opcode, inst.Args[0])
		m.pendingParams = append(m.pendingParams, v.AsList()...)
		return StepContinue, nil
	case opcodes.OP_CALL:
		return m.doCall(inst, inst.Args[1].Name, nil)
	case opcodes.OP_CALL_VALUE:
		callee := m.read(inst.Opcode, inst.Args[1])
		return m.doCallValue(inst, callee)
	case opcodes.OP_ARG:
		var v values.Value
		if m.paramCursor < len(m.currentFrame().Params) {
			v = m.currentFrame().Params[m.paramCursor]
			m.paramCursor++
		}
		m.write(inst.Args[0].Name, v)
		return StepContinue, nil
	case opcodes.OP_VARARG:
		rest := m.restParams()
		m.write(inst.Args[0].Name, values.List(rest))
		return StepContinue, nil
	case opcodes.OP_VARARG_FIRST:
		rest := m.restParams()
		if len(rest) == 0 {
			m.write(inst.Args[0].Name, values.Nil)
		} else {
			m.write(inst.Args[0].Name, rest[0])
		}
		return StepContinue, nil
	case opcodes.OP_RETURN:
		v := m.read(inst.Opcode, inst.Args[0])
		m.lastReturn = []values.Value{v}
		return m.doReturn()
	case opcodes.OP_RETURN_MULTI:
		vs := make([]values.Value, len(inst.Args))
		for i, a := range inst.Args {
			vs[i] = m.read(inst.Opcode, a)
		}
		m.lastReturn = vs
		return m.doReturn()
	case opcodes.OP_RESULT:
		if len(m.lastReturn) == 0 {
			m.write(inst.Args[0].Name, values.Nil)
		} else {
			m.write(inst.Args[0].Name, m.lastReturn[0])
		}
		return StepContinue, nil
	case opcodes.OP_RESULT_MULTI:
		for i, a := range inst.Args {
			if i < len(m.lastReturn) {
				m.write(a.Name, m.lastReturn[i])
			} else {
				m.write(a.Name, values.Nil)
			}
		}
		return StepContinue, nil
	case opcodes.OP_RESULT_LIST:
		m.write(inst.Args[0].Name, values.List(m.lastReturn))
		return StepContinue, nil
	case opcodes.OP_MAKE_CELL:
		m.write(inst.Args[0].Name, values.NewCell(m.read(inst.Opcode, inst.Args[1])))
		return StepContinue, nil
	case opcodes.OP_CELL_GET:
		cell := m.read(inst.Opcode, inst.Args[1]).AsCell()
		if cell == nil {
			return StepHalt, m.raise("attempt to read a non-cell value")
		}
		m.write(inst.Args[0].Name, cell.Value)
		return StepContinue, nil
	case opcodes.OP_CELL_SET:
		cell := m.read(inst.Opcode, inst.Args[0]).AsCell()
		if cell == nil {
			return StepHalt, m.raise("attempt to write a non-cell value")
		}
		cell.Value = m.read(inst.Opcode, inst.Args[1])
		return StepContinue, nil
	case opcodes.OP_CLOSURE:
		label := inst.Args[1].Name
		upvalues := make([]*values.Cell, 0, len(inst.Args)-2)
		for _, a := range inst.Args[2:] {
			if c := m.read(inst.Opcode, a).AsCell(); c != nil {
				upvalues = append(upvalues, c)
			}
		}
		m.write(inst.Args[0].Name, values.NewClosure(label, upvalues, label))
		return StepContinue, nil
	case opcodes.OP_BIND_UPVALUE:
		// Callee prologue: bind a local cell register to the Nth upvalue
		// cell the caller captured at closure-creation time (Args[0] is
		// the destination register, Args[1] the upvalue index).
		idx := int(m.read(inst.Opcode, inst.Args[1]).AsInt())
		frame := m.currentFrame()
		if idx < 0 || idx >= len(frame.Upvalues) || frame.Upvalues[idx] == nil {
			return StepHalt, m.raise("upvalue index %d out of range", idx)
		}
		m.write(inst.Args[0].Name, values.CellValue(frame.Upvalues[idx]))
		return StepContinue, nil
	}
	return StepHalt, m.raise("unhandled call opcode %s", inst.Opcode)
}

func (m *VM) currentFrame() *CallFrame {
	if len(m.frames) == 0 {
		return &CallFrame{}
	}
	return m.frames[len(m.frames)-1]
}

func (m *VM) restParams() []values.Value {
	f := m.currentFrame()
	if m.paramCursor >= len(f.Params) {
		return nil
	}
	return f.Params[m.paramCursor:]
}

// doCall dispatches a label call: it pushes a frame, saves the register
// file, stages the pending params, and jumps to the label's entry point.
func (m *VM) doCall(inst *opcodes.Instruction, label string, upvalues []*values.Cell) (StepVerdict, error) {
	if _, known := m.Labels.PC[label]; !known {
		return StepHalt, m.raise("call to undefined function %q", label)
	}
	frame := &CallFrame{
		ReturnPC:       m.pc + 1,
		SavedRegisters: m.registers,
		Params:         m.pendingParams,
		Upvalues:       upvalues,
		CallerFile:     inst.Debug.File,
		CallerLine:     inst.Debug.Line,
		CallerFunc:     inst.Debug.Function,
		TryDepthAtCall: len(m.tryStack),
	}
	m.pendingParams = nil
	m.paramCursor = 0
	m.frames = append(m.frames, frame)
	m.registers = make(map[string]values.Value, len(frame.Params)+4)

	if err := m.jumpTo(label); err != nil {
		m.frames = m.frames[:len(m.frames)-1]
		m.registers = frame.SavedRegisters
		return StepHalt, err
	}
	if len(inst.Args) > 0 {
		m.callDestReg = inst.Args[0].Name
	}
	return StepJump, nil
}

// doCallValue dispatches through a first-class value: a Closure jumps
// like doCall but also restores its captured upvalues into scope; a
// NativeFn is invoked synchronously in Go and may return a
// values.YieldMarker, which suspends the running coroutine.
func (m *VM) doCallValue(inst *opcodes.Instruction, callee values.Value) (StepVerdict, error) {
	switch callee.Type {
	case values.TypeClosure:
		closure := callee.AsClosure()
		return m.doCall(inst, closure.Label, closure.Upvalues)
	case values.TypeNativeFn:
		native := callee.AsNative()
		result, err := native.Fn(m.pendingParams, m)
		m.pendingParams = nil
		m.paramCursor = 0
		if err != nil {
			return StepHalt, m.raise("%s", err)
		}
		if result.Type == values.TypeYieldMarker {
			m.pendingYield = result.AsYield()
			m.yielded = true
			m.lastReturn = m.pendingYield
			if len(inst.Args) > 0 {
				m.write(inst.Args[0].Name, values.Nil)
			}
			return StepYield, nil
		}
		m.lastReturn = []values.Value{result}
		if len(inst.Args) > 0 {
			m.write(inst.Args[0].Name, result)
		}
		return StepContinue, nil
	case values.TypeTable:
		mm := metamethodOf(callee, "__call")
		if mm.IsNil() {
			return StepHalt, m.raise("attempt to call a %s value", callee.Type)
		}
		// __call receives the table itself as its first argument, followed
		// by the original call's staged parameters.
		m.pendingParams = append([]values.Value{callee}, m.pendingParams...)
		return m.doCallValue(inst, mm)
	default:
		return StepHalt, m.raise("attempt to call a %s value", callee.Type)
	}
}

// doReturn pops the active call frame, restores the caller's registers,
// and resumes at the recorded return pc (spec section 3.6).
func (m *VM) doReturn() (StepVerdict, error) {
	if len(m.frames) == 0 {
		m.halted = true
		return StepHalt, nil
	}
	frame := m.frames[len(m.frames)-1]
	m.frames = m.frames[:len(m.frames)-1]
	m.registers = frame.SavedRegisters
	if m.callDestReg != "" && len(m.lastReturn) > 0 {
		m.write(m.callDestReg, m.lastReturn[0])
	}
	m.callDestReg = ""
	m.pc = frame.ReturnPC
	return StepJump, nil
}
