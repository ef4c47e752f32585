package vm

import (
	"github.com/wudi/slate/opcodes"
	"github.com/wudi/slate/values"
)

// execBitwise implements Lua's 64-bit bitwise operators. Shr is kept as a
// 32-bit masked logical shift rather than reference Lua's full 64-bit
// arithmetic shift (documented divergence, SPEC_FULL.md open question #1).
func (m *VM) execBitwise(inst *opcodes.Instruction) error {
	a := m.read(inst.Opcode, inst.Args[1])
	an, aok := values.ToNumber(a)
	if !aok {
		return m.raise("attempt to perform bitwise operation on a %s value", a.Type)
	}

	if inst.Opcode == opcodes.OP_NOT_BIT {
		m.write(inst.Args[0].Name, values.Int(^an.AsInt()))
		return nil
	}

	b := m.read(inst.Opcode, inst.Args[2])
	bn, bok := values.ToNumber(b)
	if !bok {
		return m.raise("attempt to perform bitwise operation on a %s value", b.Type)
	}

	var result int64
	switch inst.Opcode {
	case opcodes.OP_AND_BIT:
		result = an.AsInt() & bn.AsInt()
	case opcodes.OP_OR_BIT:
		result = an.AsInt() | bn.AsInt()
	case opcodes.OP_XOR:
		result = an.AsInt() ^ bn.AsInt()
	case opcodes.OP_SHL:
		result = an.AsInt() << uint(bn.AsInt()&63)
	case opcodes.OP_SHR:
		result = int64(uint32(an.AsInt()) >> uint(bn.AsInt()&31))
	case opcodes.OP_SAR:
		result = an.AsInt() >> uint(bn.AsInt()&63)
	default:
		return m.raise("unhandled bitwise opcode %s", inst.Opcode)
	}
	m.write(inst.Args[0].Name, values.Int(result))
	return nil
}
