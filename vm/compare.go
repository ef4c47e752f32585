package vm

import (
	"github.com/wudi/slate/opcodes"
	"github.com/wudi/slate/values"
)

// execCompare implements EQ/LT/GT using the shared total order from the
// values package (so jq's null < false < true < number < string < array
// < object ordering and Lua's numeric/string comparisons share one path),
// plus CMP_IMM which writes a three-way -1/0/1 comparator result (neither
// compiler in this module emits CMP_IMM).
func (m *VM) execCompare(inst *opcodes.Instruction) error {
	a := m.read(inst.Opcode, inst.Args[1])
	b := m.read(inst.Opcode, inst.Args[2])

	switch inst.Opcode {
	case opcodes.OP_EQ:
		eq, err := m.valueEqual(a, b)
		if err != nil {
			return err
		}
		m.write(inst.Args[0].Name, values.Bool(eq))
		return nil
	case opcodes.OP_LT:
		lt, err := m.valueLess(a, b)
		if err != nil {
			return err
		}
		m.write(inst.Args[0].Name, values.Bool(lt))
		return nil
	case opcodes.OP_GT:
		lt, err := m.valueLess(b, a)
		if err != nil {
			return err
		}
		m.write(inst.Args[0].Name, values.Bool(lt))
		return nil
	case opcodes.OP_CMP_IMM:
		switch {
		case values.Equal(a, b):
			m.write(inst.Args[0].Name, values.Int(0))
		case values.Less(a, b):
			m.write(inst.Args[0].Name, values.Int(-1))
		default:
			m.write(inst.Args[0].Name, values.Int(1))
		}
		return nil
	}
	return m.raise("unhandled comparison opcode %s", inst.Opcode)
}
