package vm

import (
	"github.com/wudi/slate/opcodes"
	"github.com/wudi/slate/values"
)

// metamethodOf returns v's metatable value for key, or Nil if v isn't a
// table, carries no metatable, or the metatable doesn't define key (spec
// section 3.3 "Metatable keys consulted by the VM").
func metamethodOf(v values.Value, key string) values.Value {
	t := v.AsTable()
	if t == nil || t.Metatable == nil {
		return values.Nil
	}
	return t.Metatable.Get(values.Str(key))
}

// binaryMetamethod looks up key on a then b (Lua's left-then-right
// fallback order) and, if found, calls it with (a, b) via the same
// reentrant path table.sort's comparator and string.gsub's replacement
// function use.
func (m *VM) binaryMetamethod(key string, a, b values.Value) (values.Value, bool, error) {
	mm := metamethodOf(a, key)
	if mm.IsNil() {
		mm = metamethodOf(b, key)
	}
	if mm.IsNil() {
		return values.Nil, false, nil
	}
	results, err := m.CallClosure(mm, []values.Value{a, b})
	if err != nil {
		return values.Nil, true, err
	}
	if len(results) == 0 {
		return values.Nil, true, nil
	}
	return results[0], true, nil
}

// unaryMetamethod calls key with both arguments set to a, matching Lua's
// __unm/__len calling convention.
func (m *VM) unaryMetamethod(key string, a values.Value) (values.Value, bool, error) {
	mm := metamethodOf(a, key)
	if mm.IsNil() {
		return values.Nil, false, nil
	}
	results, err := m.CallClosure(mm, []values.Value{a, a})
	if err != nil {
		return values.Nil, true, err
	}
	if len(results) == 0 {
		return values.Nil, true, nil
	}
	return results[0], true, nil
}

// valueEqual implements OP_EQ: __eq only fires when raw equality is false
// and both sides are tables, matching Lua's documented restriction.
func (m *VM) valueEqual(a, b values.Value) (bool, error) {
	if values.Equal(a, b) {
		return true, nil
	}
	if a.Type == values.TypeTable && b.Type == values.TypeTable {
		if v, handled, err := m.binaryMetamethod("__eq", a, b); handled {
			if err != nil {
				return false, err
			}
			return v.Truthy(), nil
		}
	}
	return false, nil
}

// valueLess implements OP_LT (and OP_GT via swapped operands): __lt is
// tried first, falling back to __le the way Lua 5.3 documented (a < b is
// not (b <= a)) when only __le is defined.
func (m *VM) valueLess(a, b values.Value) (bool, error) {
	if a.Type == values.TypeTable || b.Type == values.TypeTable {
		if v, handled, err := m.binaryMetamethod("__lt", a, b); handled {
			if err != nil {
				return false, err
			}
			return v.Truthy(), nil
		}
		if v, handled, err := m.binaryMetamethod("__le", b, a); handled {
			if err != nil {
				return false, err
			}
			return !v.Truthy(), nil
		}
	}
	return values.Less(a, b), nil
}

// arithMetaNames maps the binary arithmetic opcodes to the metamethod key
// consulted when neither operand is a plain number (spec section 3.3).
var arithMetaNames = map[opcodes.Opcode]string{
	opcodes.OP_ADD:  "__add",
	opcodes.OP_SUB:  "__sub",
	opcodes.OP_MUL:  "__mul",
	opcodes.OP_DIV:  "__div",
	opcodes.OP_MOD:  "__mod",
	opcodes.OP_IDIV: "__idiv",
	opcodes.OP_POW:  "__pow",
}
