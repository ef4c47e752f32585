package vm

import (
	"github.com/wudi/slate/opcodes"
	"github.com/wudi/slate/values"
)

// execTable implements Lua's hybrid array/hash table opcodes, including
// the __index/__newindex metatable chain (spec section 4.1 "Tables").
// Metamethods that are themselves tables are followed transitively;
// function-valued metamethods are resolved through the call family and
// are out of scope for this direct-dispatch path.
func (m *VM) execTable(inst *opcodes.Instruction) error {
	switch inst.Opcode {
	case opcodes.OP_TABLE_NEW:
		m.write(inst.Args[0].Name, values.NewTable())
		return nil
	case opcodes.OP_TABLE_SET:
		t := m.read(inst.Opcode, inst.Args[0]).AsTable()
		if t == nil {
			return m.raise("attempt to index a non-table value")
		}
		key := m.read(inst.Opcode, inst.Args[1])
		val := m.read(inst.Opcode, inst.Args[2])
		m.tableSet(t, key, val)
		return nil
	case opcodes.OP_TABLE_GET:
		t := m.read(inst.Opcode, inst.Args[1]).AsTable()
		if t == nil {
			return m.raise("attempt to index a non-table value")
		}
		key := m.read(inst.Opcode, inst.Args[2])
		m.write(inst.Args[0].Name, m.tableGet(t, key))
		return nil
	case opcodes.OP_TABLE_APPEND:
		t := m.read(inst.Opcode, inst.Args[0]).AsTable()
		if t == nil {
			return m.raise("attempt to index a non-table value")
		}
		t.Append(m.read(inst.Opcode, inst.Args[1]))
		return nil
	case opcodes.OP_TABLE_EXTEND:
		t := m.read(inst.Opcode, inst.Args[0]).AsTable()
		if t == nil {
			return m.raise("attempt to index a non-table value")
		}
		src := m.read(inst.Opcode, inst.Args[1])
		t.Extend(src.AsList())
		return nil
	}
	return m.raise("unhandled table opcode %s", inst.Opcode)
}

func (m *VM) tableGet(t *values.Table, key values.Value) values.Value {
	v := t.Get(key)
	if !v.IsNil() || t.Metatable == nil {
		return v
	}
	idx := t.Metatable.Get(values.Str("__index")).AsTable()
	if idx == nil {
		return v
	}
	return m.tableGet(idx, key)
}

func (m *VM) tableSet(t *values.Table, key, val values.Value) {
	if t.Get(key).IsNil() && t.Metatable != nil {
		if newidx := t.Metatable.Get(values.Str("__newindex")).AsTable(); newidx != nil {
			m.tableSet(newidx, key, val)
			return
		}
	}
	t.Set(key, val)
}
