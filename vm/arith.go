package vm

import (
	"math"

	"github.com/wudi/slate/opcodes"
	"github.com/wudi/slate/values"
)

// execArith handles the numeric/string arithmetic family: ADD/SUB/MUL/
// DIV/MOD/NEG/IDIV/POW/CONCAT (spec section 4.1 "Arithmetic").
func (m *VM) execArith(inst *opcodes.Instruction) error {
	switch inst.Opcode {
	case opcodes.OP_CONCAT:
		a := m.read(inst.Opcode, inst.Args[1])
		b := m.read(inst.Opcode, inst.Args[2])
		if !concatable(a) || !concatable(b) {
			if v, handled, err := m.binaryMetamethod("__concat", a, b); handled {
				if err != nil {
					return err
				}
				m.write(inst.Args[0].Name, v)
				return nil
			}
			return m.raise("attempt to concatenate a %s value", pickBad(a, concatable(a), b, concatable(b)).Type)
		}
		m.write(inst.Args[0].Name, values.Str(values.ToString(a)+values.ToString(b)))
		return nil
	case opcodes.OP_NEG:
		a := m.read(inst.Opcode, inst.Args[1])
		n, ok := values.ToNumber(a)
		if !ok {
			if v, handled, err := m.unaryMetamethod("__unm", a); handled {
				if err != nil {
					return err
				}
				m.write(inst.Args[0].Name, v)
				return nil
			}
			return m.raise("attempt to perform arithmetic on a %s value", a.Type)
		}
		if n.Type == values.TypeInt {
			m.write(inst.Args[0].Name, values.Int(-n.AsInt()))
		} else {
			m.write(inst.Args[0].Name, values.Float(-n.AsFloat()))
		}
		return nil
	}

	a := m.read(inst.Opcode, inst.Args[1])
	b := m.read(inst.Opcode, inst.Args[2])
	an, aok := values.ToNumber(a)
	bn, bok := values.ToNumber(b)
	if !aok || !bok {
		if name, ok := arithMetaNames[inst.Opcode]; ok {
			if v, handled, err := m.binaryMetamethod(name, a, b); handled {
				if err != nil {
					return err
				}
				m.write(inst.Args[0].Name, v)
				return nil
			}
		}
		return m.raise("attempt to perform arithmetic on a %s value", pickBad(a, aok, b, bok).Type)
	}
	bothInt := an.Type == values.TypeInt && bn.Type == values.TypeInt

	var result values.Value
	switch inst.Opcode {
	case opcodes.OP_ADD:
		if bothInt {
			result = values.Int(an.AsInt() + bn.AsInt())
		} else {
			result = values.Float(an.AsFloat() + bn.AsFloat())
		}
	case opcodes.OP_SUB:
		if bothInt {
			result = values.Int(an.AsInt() - bn.AsInt())
		} else {
			result = values.Float(an.AsFloat() - bn.AsFloat())
		}
	case opcodes.OP_MUL:
		if bothInt {
			result = values.Int(an.AsInt() * bn.AsInt())
		} else {
			result = values.Float(an.AsFloat() * bn.AsFloat())
		}
	case opcodes.OP_DIV:
		// Open question (spec section 9, decided in SPEC_FULL.md #2):
		// keep integer Div truncating when both operands are integers,
		// diverging from reference Lua 5.3+'s always-float division.
		if bothInt {
			if bn.AsInt() == 0 {
				return m.raise("attempt to perform 'n//0'")
			}
			result = values.Int(an.AsInt() / bn.AsInt())
		} else {
			result = values.Float(an.AsFloat() / bn.AsFloat())
		}
	case opcodes.OP_IDIV:
		if bothInt {
			if bn.AsInt() == 0 {
				return m.raise("attempt to perform 'n//0'")
			}
			result = values.Int(floorDivInt(an.AsInt(), bn.AsInt()))
		} else {
			result = values.Float(floorDivFloat(an.AsFloat(), bn.AsFloat()))
		}
	case opcodes.OP_MOD:
		if bothInt {
			if bn.AsInt() == 0 {
				return m.raise("attempt to perform 'n%%0'")
			}
			result = values.Int(floorModInt(an.AsInt(), bn.AsInt()))
		} else {
			result = values.Float(floorModFloat(an.AsFloat(), bn.AsFloat()))
		}
	case opcodes.OP_POW:
		result = values.Float(powFloat(an.AsFloat(), bn.AsFloat()))
	}
	m.write(inst.Args[0].Name, result)
	return nil
}

// concatable reports whether v can be concatenated without a metamethod:
// Lua's `..` accepts strings and numbers directly.
func concatable(v values.Value) bool {
	switch v.Type {
	case values.TypeString, values.TypeInt, values.TypeFloat:
		return true
	default:
		return false
	}
}

func pickBad(a values.Value, aok bool, b values.Value, bok bool) values.Value {
	if !aok {
		return a
	}
	return b
}

func floorDivInt(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorModInt(a, b int64) int64 {
	r := a % b
	if r != 0 && ((r < 0) != (b < 0)) {
		r += b
	}
	return r
}

func floorDivFloat(a, b float64) float64 {
	return floorFloat(a / b)
}

func floorModFloat(a, b float64) float64 {
	return a - floorFloat(a/b)*b
}

func floorFloat(f float64) float64 {
	i := int64(f)
	if f < 0 && float64(i) != f {
		i--
	}
	return float64(i)
}

func powFloat(a, b float64) float64 {
	r := 1.0
	if b == 0 {
		return 1
	}
	neg := b < 0
	if neg {
		b = -b
	}
	// simple repeated-squaring for integer exponents, falls back to
	// math.Pow-equivalent accuracy via exp/log for fractional ones.
	if b == float64(int64(b)) {
		n := int64(b)
		base := a
		for n > 0 {
			if n&1 == 1 {
				r *= base
			}
			base *= base
			n >>= 1
		}
	} else {
		r = math.Exp(b * math.Log(a))
	}
	if neg {
		return 1 / r
	}
	return r
}
