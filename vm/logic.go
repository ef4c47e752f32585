package vm

import (
	"github.com/wudi/slate/opcodes"
	"github.com/wudi/slate/values"
)

// execLogic handles the short-circuit-free logic family. The VM never
// needs real short-circuit branching here because the compiler already
// lowers `and`/`or` into jumps when short-circuiting matters; these
// opcodes cover the value-producing forms (spec section 4.1 "Logic").
func (m *VM) execLogic(inst *opcodes.Instruction) error {
	switch inst.Opcode {
	case opcodes.OP_LOAD_IMM, opcodes.OP_LOAD_CONST, opcodes.OP_MOV:
		m.write(inst.Args[0].Name, m.read(inst.Opcode, inst.Args[1]))
		return nil
	case opcodes.OP_CLR:
		m.write(inst.Args[0].Name, values.Nil)
		return nil
	}
	a := m.read(inst.Opcode, inst.Args[1])
	switch inst.Opcode {
	case opcodes.OP_NOT:
		m.write(inst.Args[0].Name, values.Bool(!a.Truthy()))
		return nil
	case opcodes.OP_COALESCE:
		b := m.read(inst.Opcode, inst.Args[2])
		if a.IsNil() {
			m.write(inst.Args[0].Name, b)
		} else {
			m.write(inst.Args[0].Name, a)
		}
		return nil
	case opcodes.OP_AND:
		b := m.read(inst.Opcode, inst.Args[2])
		if !a.Truthy() {
			m.write(inst.Args[0].Name, a)
		} else {
			m.write(inst.Args[0].Name, b)
		}
		return nil
	case opcodes.OP_OR:
		b := m.read(inst.Opcode, inst.Args[2])
		if a.Truthy() {
			m.write(inst.Args[0].Name, a)
		} else {
			m.write(inst.Args[0].Name, b)
		}
		return nil
	}
	return m.raise("unhandled logic opcode %s", inst.Opcode)
}
