package vm

import (
	"github.com/wudi/slate/opcodes"
)

// execControl implements unconditional/conditional jumps and the no-op
// label marker (spec section 4.1 "Control flow"). Label resolution
// itself already happened once in opcodes.IndexLabels; here we only
// follow it.
func (m *VM) execControl(inst *opcodes.Instruction) (StepVerdict, error) {
	switch inst.Opcode {
	case opcodes.OP_LABEL:
		return StepContinue, nil
	case opcodes.OP_JMP:
		if err := m.jumpTo(inst.Args[0].Name); err != nil {
			return StepHalt, err
		}
		return StepJump, nil
	case opcodes.OP_JZ:
		cond := m.read(inst.Opcode, inst.Args[0])
		if !cond.Truthy() {
			if err := m.jumpTo(inst.Args[1].Name); err != nil {
				return StepHalt, err
			}
			return StepJump, nil
		}
		return StepContinue, nil
	case opcodes.OP_JNZ:
		cond := m.read(inst.Opcode, inst.Args[0])
		if cond.Truthy() {
			if err := m.jumpTo(inst.Args[1].Name); err != nil {
				return StepHalt, err
			}
			return StepJump, nil
		}
		return StepContinue, nil
	case opcodes.OP_JMP_REL:
		off := m.read(inst.Opcode, inst.Args[0])
		m.pc += int(off.AsInt())
		return StepJump, nil
	}
	return StepHalt, m.raise("unhandled control opcode %s", inst.Opcode)
}
