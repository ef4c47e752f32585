package vm

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/wudi/slate/opcodes"
	"github.com/wudi/slate/values"
)

// execJQ implements the JSON/jq value opcodes plus the emit-stack/try/
// input control family (spec sections 4.1 "JSON/jq" and 8). The emit
// stack models jq's generator semantics: every PushEmit must be matched
// by a PopEmit on every path, including through an error unwind, which
// tryRecover enforces by truncating the stack back to the depth recorded
// at the matching TryBegin.
func (m *VM) execJQ(inst *opcodes.Instruction) (StepVerdict, error) {
	switch inst.Opcode {
	case opcodes.OP_PUSH_EMIT:
		m.emitStack = append(m.emitStack, values.List(nil))
		return StepContinue, nil
	case opcodes.OP_POP_EMIT:
		if len(m.emitStack) == 0 {
			return StepHalt, m.raise("emit stack underflow")
		}
		top := m.emitStack[len(m.emitStack)-1]
		m.emitStack = m.emitStack[:len(m.emitStack)-1]
		m.write(inst.Args[0].Name, top)
		return StepContinue, nil
	case opcodes.OP_EMIT:
		v := m.read(inst.Opcode, inst.Args[0])
		m.doEmit(v)
		return StepContinue, nil
	case opcodes.OP_TRY_BEGIN:
		m.tryStack = append(m.tryStack, tryFrame{
			catchLabel: inst.Args[0].Name,
			errReg:     inst.Args[1].Name,
			emitDepth:  len(m.emitStack),
			frameDepth: len(m.frames),
		})
		return StepContinue, nil
	case opcodes.OP_TRY_END:
		if len(m.tryStack) == 0 {
			return StepHalt, m.raise("try stack underflow")
		}
		m.tryStack = m.tryStack[:len(m.tryStack)-1]
		return StepContinue, nil
	case opcodes.OP_INPUT:
		if m.inputCursor >= len(m.inputs) {
			return StepHalt, m.raise("no more inputs")
		}
		v := m.inputs[m.inputCursor]
		m.inputCursor++
		m.write(inst.Args[0].Name, v)
		return StepContinue, nil
	case opcodes.OP_INPUTS:
		for m.inputCursor < len(m.inputs) {
			m.doEmit(m.inputs[m.inputCursor])
			m.inputCursor++
		}
		return StepContinue, nil
	case opcodes.OP_HALT_NOW:
		m.halted = true
		return StepHalt, nil
	case opcodes.OP_HALT_ERROR:
		msg := values.ToString(m.read(inst.Opcode, inst.Args[0]))
		return StepHalt, m.raise("%s", msg)
	}

	if err := m.execJQValue(inst); err != nil {
		return StepHalt, err
	}
	return StepContinue, nil
}

func (m *VM) doEmit(v values.Value) {
	if len(m.emitStack) == 0 {
		m.output = append(m.output, v)
		return
	}
	m.emitStack[len(m.emitStack)-1].ListAppend(v)
}

func (m *VM) execJQValue(inst *opcodes.Instruction) error {
	switch inst.Opcode {
	case opcodes.OP_OBJ_GET:
		obj := m.read(inst.Opcode, inst.Args[1]).AsObject()
		if obj == nil {
			return m.raise("attempt to index non-object with a key")
		}
		v, _ := obj.Get(values.ToString(m.read(inst.Opcode, inst.Args[2])))
		m.write(inst.Args[0].Name, v)
		return nil
	case opcodes.OP_OBJ_SET:
		obj := m.read(inst.Opcode, inst.Args[0]).AsObject()
		if obj == nil {
			return m.raise("attempt to index non-object with a key")
		}
		key := values.ToString(m.read(inst.Opcode, inst.Args[1]))
		obj.Set(key, m.read(inst.Opcode, inst.Args[2]))
		return nil
	case opcodes.OP_GET_INDEX:
		container := m.read(inst.Opcode, inst.Args[1])
		idx := m.read(inst.Opcode, inst.Args[2])
		v, err := indexValue(container, idx)
		if err != nil {
			return m.raise("%s", err)
		}
		m.write(inst.Args[0].Name, v)
		return nil
	case opcodes.OP_SET_INDEX:
		container := m.read(inst.Opcode, inst.Args[0])
		idx := m.read(inst.Opcode, inst.Args[1])
		val := m.read(inst.Opcode, inst.Args[2])
		if err := setIndexValue(container, idx, val); err != nil {
			return m.raise("%s", err)
		}
		return nil
	case opcodes.OP_LEN_VALUE:
		v := m.read(inst.Opcode, inst.Args[1])
		if v.Type == values.TypeTable {
			if t := v.AsTable(); t != nil && t.Metatable != nil {
				if mm := t.Metatable.Get(values.Str("__len")); !mm.IsNil() {
					res, err := m.CallClosure(mm, []values.Value{v})
					if err != nil {
						return m.raise("%s", err)
					}
					if len(res) == 0 {
						m.write(inst.Args[0].Name, values.Nil)
					} else {
						m.write(inst.Args[0].Name, res[0])
					}
					return nil
				}
			}
		}
		m.write(inst.Args[0].Name, values.Int(lengthOf(v)))
		return nil
	case opcodes.OP_KEYS:
		v := m.read(inst.Opcode, inst.Args[1])
		m.write(inst.Args[0].Name, keysOf(v))
		return nil
	case opcodes.OP_HAS:
		container := m.read(inst.Opcode, inst.Args[1])
		key := m.read(inst.Opcode, inst.Args[2])
		m.write(inst.Args[0].Name, values.Bool(hasKey(container, key)))
		return nil
	case opcodes.OP_CONTAINS:
		a := m.read(inst.Opcode, inst.Args[1])
		b := m.read(inst.Opcode, inst.Args[2])
		m.write(inst.Args[0].Name, values.Bool(containsValue(a, b)))
		return nil
	case opcodes.OP_FLATTEN:
		v := m.read(inst.Opcode, inst.Args[1])
		m.write(inst.Args[0].Name, values.List(flatten(v.AsList())))
		return nil
	case opcodes.OP_REVERSE:
		v := m.read(inst.Opcode, inst.Args[1])
		items := append([]values.Value(nil), v.AsList()...)
		slices.Reverse(items)
		m.write(inst.Args[0].Name, values.List(items))
		return nil
	case opcodes.OP_FIRST:
		items := m.read(inst.Opcode, inst.Args[1]).AsList()
		if len(items) == 0 {
			m.write(inst.Args[0].Name, values.Nil)
		} else {
			m.write(inst.Args[0].Name, items[0])
		}
		return nil
	case opcodes.OP_LAST:
		items := m.read(inst.Opcode, inst.Args[1]).AsList()
		if len(items) == 0 {
			m.write(inst.Args[0].Name, values.Nil)
		} else {
			m.write(inst.Args[0].Name, items[len(items)-1])
		}
		return nil
	case opcodes.OP_ANY:
		items := m.read(inst.Opcode, inst.Args[1]).AsList()
		any := false
		for _, v := range items {
			if v.Truthy() {
				any = true
				break
			}
		}
		m.write(inst.Args[0].Name, values.Bool(any))
		return nil
	case opcodes.OP_ALL:
		items := m.read(inst.Opcode, inst.Args[1]).AsList()
		all := true
		for _, v := range items {
			if !v.Truthy() {
				all = false
				break
			}
		}
		m.write(inst.Args[0].Name, values.Bool(all))
		return nil
	case opcodes.OP_AGG_ADD:
		items := m.read(inst.Opcode, inst.Args[1]).AsList()
		m.write(inst.Args[0].Name, aggAdd(items))
		return nil
	case opcodes.OP_JOIN:
		items := m.read(inst.Opcode, inst.Args[1]).AsList()
		sep := values.ToString(m.read(inst.Opcode, inst.Args[2]))
		parts := make([]string, len(items))
		for i, v := range items {
			parts[i] = values.ToString(v)
		}
		m.write(inst.Args[0].Name, values.Str(strings.Join(parts, sep)))
		return nil
	case opcodes.OP_SORT:
		items := append([]values.Value(nil), m.read(inst.Opcode, inst.Args[1]).AsList()...)
		slices.SortStableFunc(items, cmp3)
		m.write(inst.Args[0].Name, values.List(items))
		return nil
	case opcodes.OP_UNIQUE:
		items := append([]values.Value(nil), m.read(inst.Opcode, inst.Args[1]).AsList()...)
		slices.SortStableFunc(items, cmp3)
		m.write(inst.Args[0].Name, values.List(uniqueAdjacent(items)))
		return nil
	case opcodes.OP_MIN:
		m.write(inst.Args[0].Name, extremum(m.read(inst.Opcode, inst.Args[1]).AsList(), true))
		return nil
	case opcodes.OP_MAX:
		m.write(inst.Args[0].Name, extremum(m.read(inst.Opcode, inst.Args[1]).AsList(), false))
		return nil
	case opcodes.OP_TOSTRING:
		v := m.read(inst.Opcode, inst.Args[1])
		if v.Type == values.TypeString {
			m.write(inst.Args[0].Name, v)
		} else {
			m.write(inst.Args[0].Name, values.Str(values.ToString(v)))
		}
		return nil
	case opcodes.OP_TONUMBER:
		v := m.read(inst.Opcode, inst.Args[1])
		switch v.Type {
		case values.TypeInt, values.TypeFloat:
			m.write(inst.Args[0].Name, v)
		case values.TypeString:
			n, ok := values.ToNumber(v)
			if !ok {
				return m.raise("cannot parse %q as number", v.AsString())
			}
			m.write(inst.Args[0].Name, n)
		default:
			return m.raise("cannot parse as number")
		}
		return nil
	case opcodes.OP_SPLIT:
		v := values.ToString(m.read(inst.Opcode, inst.Args[1]))
		sep := values.ToString(m.read(inst.Opcode, inst.Args[2]))
		parts := strings.Split(v, sep)
		out := make([]values.Value, len(parts))
		for i, p := range parts {
			out[i] = values.Str(p)
		}
		m.write(inst.Args[0].Name, values.List(out))
		return nil
	case opcodes.OP_GSUB:
		v := values.ToString(m.read(inst.Opcode, inst.Args[1]))
		from := values.ToString(m.read(inst.Opcode, inst.Args[2]))
		to := values.ToString(m.read(inst.Opcode, inst.Args[3]))
		m.write(inst.Args[0].Name, values.Str(strings.ReplaceAll(v, from, to)))
		return nil
	case opcodes.OP_SORT_BY, opcodes.OP_UNIQUE_BY, opcodes.OP_MIN_BY, opcodes.OP_MAX_BY, opcodes.OP_GROUP_BY:
		// the *_BY family sorts/groups by a key list the compiler
		// precomputes per element (Args[2], parallel to Args[1]), so
		// the VM never needs to call back into user code here.
		return m.execJQByFamily(inst)
	case opcodes.OP_PATHS_ALL, opcodes.OP_PATHS_MATCH, opcodes.OP_SET_PATHS, opcodes.OP_DEL_PATHS, opcodes.OP_GET_PATH_VALUE:
		return m.execJQPaths(inst)
	}
	return fmt.Errorf("unhandled jq value opcode %s", inst.Opcode)
}

func indexValue(container, idx values.Value) (values.Value, error) {
	switch container.Type {
	case values.TypeList:
		items := container.AsList()
		i, ok := values.ToNumber(idx)
		if !ok {
			return values.Nil, fmt.Errorf("array index must be a number")
		}
		n := i.AsInt()
		if n < 0 {
			n += int64(len(items))
		}
		if n < 0 || n >= int64(len(items)) {
			return values.Nil, nil
		}
		return items[n], nil
	case values.TypeObject:
		v, _ := container.AsObject().Get(values.ToString(idx))
		return v, nil
	case values.TypeTable:
		return container.AsTable().Get(idx), nil
	case values.TypeNil:
		return values.Nil, nil
	default:
		return values.Nil, fmt.Errorf("cannot index %s", container.Type)
	}
}

func setIndexValue(container, idx, val values.Value) error {
	switch container.Type {
	case values.TypeObject:
		container.AsObject().Set(values.ToString(idx), val)
		return nil
	case values.TypeTable:
		container.AsTable().Set(idx, val)
		return nil
	default:
		return fmt.Errorf("cannot update field at %s", container.Type)
	}
}

func lengthOf(v values.Value) int64 {
	switch v.Type {
	case values.TypeNil:
		return 0
	case values.TypeString:
		return int64(len([]rune(v.AsString())))
	case values.TypeList:
		return int64(len(v.AsList()))
	case values.TypeObject:
		return int64(v.AsObject().Len())
	case values.TypeTable:
		return v.AsTable().Len()
	case values.TypeInt:
		n := v.AsInt()
		if n < 0 {
			return -n
		}
		return n
	default:
		return 0
	}
}

func keysOf(v values.Value) values.Value {
	if v.Type == values.TypeObject {
		names := v.AsObject().SortedKeys()
		out := make([]values.Value, len(names))
		for i, k := range names {
			out[i] = values.Str(k)
		}
		return values.List(out)
	}
	if v.Type == values.TypeList {
		items := v.AsList()
		out := make([]values.Value, len(items))
		for i := range items {
			out[i] = values.Int(int64(i))
		}
		return values.List(out)
	}
	return values.List(nil)
}

func hasKey(container, key values.Value) bool {
	switch container.Type {
	case values.TypeObject:
		_, ok := container.AsObject().Get(values.ToString(key))
		return ok
	case values.TypeList:
		n, ok := values.ToNumber(key)
		if !ok {
			return false
		}
		i := n.AsInt()
		return i >= 0 && i < int64(len(container.AsList()))
	default:
		return false
	}
}

func containsValue(a, b values.Value) bool {
	switch a.Type {
	case values.TypeString:
		return strings.Contains(a.AsString(), values.ToString(b))
	case values.TypeList:
		for _, want := range b.AsList() {
			found := false
			for _, have := range a.AsList() {
				if values.Equal(have, want) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	case values.TypeObject:
		bo := b.AsObject()
		if bo == nil {
			return false
		}
		for _, k := range bo.Keys() {
			if _, ok := a.AsObject().Get(k); !ok {
				return false
			}
		}
		return true
	default:
		return values.Equal(a, b)
	}
}

func flatten(items []values.Value) []values.Value {
	out := make([]values.Value, 0, len(items))
	for _, v := range items {
		if v.Type == values.TypeList {
			out = append(out, flatten(v.AsList())...)
		} else {
			out = append(out, v)
		}
	}
	return out
}

func aggAdd(items []values.Value) values.Value {
	if len(items) == 0 {
		return values.Nil
	}
	acc := items[0]
	for _, v := range items[1:] {
		acc = addValues(acc, v)
	}
	return acc
}

func addValues(a, b values.Value) values.Value {
	if a.Type == values.TypeString || b.Type == values.TypeString {
		return values.Str(values.ToString(a) + values.ToString(b))
	}
	if a.Type == values.TypeList && b.Type == values.TypeList {
		return values.List(append(append([]values.Value(nil), a.AsList()...), b.AsList()...))
	}
	an, aok := values.ToNumber(a)
	bn, bok := values.ToNumber(b)
	if aok && bok {
		if an.Type == values.TypeInt && bn.Type == values.TypeInt {
			return values.Int(an.AsInt() + bn.AsInt())
		}
		return values.Float(an.AsFloat() + bn.AsFloat())
	}
	return values.Nil
}

func cmp3(a, b values.Value) int {
	if values.Equal(a, b) {
		return 0
	}
	if values.Less(a, b) {
		return -1
	}
	return 1
}

func uniqueAdjacent(sorted []values.Value) []values.Value {
	out := make([]values.Value, 0, len(sorted))
	for i, v := range sorted {
		if i == 0 || !values.Equal(sorted[i-1], v) {
			out = append(out, v)
		}
	}
	return out
}

func extremum(items []values.Value, wantMin bool) values.Value {
	if len(items) == 0 {
		return values.Nil
	}
	best := items[0]
	for _, v := range items[1:] {
		if wantMin && values.Less(v, best) {
			best = v
		}
		if !wantMin && values.Less(best, v) {
			best = v
		}
	}
	return best
}

// execJQByFamily implements sort_by/unique_by/min_by/max_by/group_by.
func (m *VM) execJQByFamily(inst *opcodes.Instruction) error {
	items := m.read(inst.Opcode, inst.Args[1]).AsList()
	keys := m.read(inst.Opcode, inst.Args[2]).AsList()
	if len(items) != len(keys) {
		return m.raise("sort/group key list length mismatch")
	}
	type pair struct {
		key values.Value
		val values.Value
	}
	pairs := make([]pair, len(items))
	for i := range items {
		pairs[i] = pair{keys[i], items[i]}
	}
	slices.SortStableFunc(pairs, func(a, b pair) int { return cmp3(a.key, b.key) })

	switch inst.Opcode {
	case opcodes.OP_SORT_BY:
		out := make([]values.Value, len(pairs))
		for i, p := range pairs {
			out[i] = p.val
		}
		m.write(inst.Args[0].Name, values.List(out))
	case opcodes.OP_UNIQUE_BY:
		var out []values.Value
		for i, p := range pairs {
			if i == 0 || !values.Equal(pairs[i-1].key, p.key) {
				out = append(out, p.val)
			}
		}
		m.write(inst.Args[0].Name, values.List(out))
	case opcodes.OP_MIN_BY:
		if len(pairs) == 0 {
			m.write(inst.Args[0].Name, values.Nil)
		} else {
			m.write(inst.Args[0].Name, pairs[0].val)
		}
	case opcodes.OP_MAX_BY:
		if len(pairs) == 0 {
			m.write(inst.Args[0].Name, values.Nil)
		} else {
			m.write(inst.Args[0].Name, pairs[len(pairs)-1].val)
		}
	case opcodes.OP_GROUP_BY:
		var groups []values.Value
		var cur []values.Value
		for i, p := range pairs {
			if i > 0 && !values.Equal(pairs[i-1].key, p.key) {
				groups = append(groups, values.List(cur))
				cur = nil
			}
			cur = append(cur, p.val)
		}
		if cur != nil {
			groups = append(groups, values.List(cur))
		}
		m.write(inst.Args[0].Name, values.List(groups))
	}
	return nil
}

// execJQPaths implements the getpath/setpath/delpaths/paths family over
// a path expressed as a list of string/int keys (spec section 4.1
// "JSON/jq"; grounded on the original implementation's path-walking
// helper).
func (m *VM) execJQPaths(inst *opcodes.Instruction) error {
	switch inst.Opcode {
	case opcodes.OP_GET_PATH_VALUE:
		root := m.read(inst.Opcode, inst.Args[1])
		path := m.read(inst.Opcode, inst.Args[2]).AsList()
		v, err := walkPath(root, path)
		if err != nil {
			return m.raise("%s", err)
		}
		m.write(inst.Args[0].Name, v)
		return nil
	case opcodes.OP_SET_PATHS:
		root := m.read(inst.Opcode, inst.Args[0])
		path := m.read(inst.Opcode, inst.Args[1]).AsList()
		val := m.read(inst.Opcode, inst.Args[2])
		out, err := setPath(root, path, val)
		if err != nil {
			return m.raise("%s", err)
		}
		m.write(inst.Args[0].Name, out)
		return nil
	case opcodes.OP_DEL_PATHS:
		root := m.read(inst.Opcode, inst.Args[0])
		path := m.read(inst.Opcode, inst.Args[1]).AsList()
		out, err := delPath(root, path)
		if err != nil {
			return m.raise("%s", err)
		}
		m.write(inst.Args[0].Name, out)
		return nil
	case opcodes.OP_PATHS_ALL:
		root := m.read(inst.Opcode, inst.Args[1])
		m.write(inst.Args[0].Name, values.List(allPaths(root, nil)))
		return nil
	case opcodes.OP_PATHS_MATCH:
		root := m.read(inst.Opcode, inst.Args[1])
		var matched []values.Value
		for _, p := range allPaths(root, nil) {
			v, _ := walkPath(root, p.AsList())
			if v.Truthy() {
				matched = append(matched, p)
			}
		}
		m.write(inst.Args[0].Name, values.List(matched))
		return nil
	}
	return fmt.Errorf("unhandled path opcode %s", inst.Opcode)
}

func walkPath(v values.Value, path []values.Value) (values.Value, error) {
	cur := v
	for _, key := range path {
		next, err := indexValue(cur, key)
		if err != nil {
			return values.Nil, err
		}
		cur = next
	}
	return cur, nil
}

func setPath(root values.Value, path []values.Value, val values.Value) (values.Value, error) {
	if len(path) == 0 {
		return val, nil
	}
	key := path[0]
	switch {
	case root.IsNil():
		if key.Type == values.TypeInt {
			child, err := setPath(values.Nil, path[1:], val)
			if err != nil {
				return values.Nil, err
			}
			return values.List([]values.Value{child}), nil
		}
		obj := values.ObjectValue(values.NewObject())
		child, err := setPath(values.Nil, path[1:], val)
		if err != nil {
			return values.Nil, err
		}
		obj.AsObject().Set(values.ToString(key), child)
		return obj, nil
	case root.Type == values.TypeObject:
		cur, _ := root.AsObject().Get(values.ToString(key))
		child, err := setPath(cur, path[1:], val)
		if err != nil {
			return values.Nil, err
		}
		root.AsObject().Set(values.ToString(key), child)
		return root, nil
	case root.Type == values.TypeList:
		n, ok := values.ToNumber(key)
		if !ok {
			return values.Nil, fmt.Errorf("array path element must be a number")
		}
		items := append([]values.Value(nil), root.AsList()...)
		idx := int(n.AsInt())
		for idx >= len(items) {
			items = append(items, values.Nil)
		}
		child, err := setPath(items[idx], path[1:], val)
		if err != nil {
			return values.Nil, err
		}
		items[idx] = child
		return values.List(items), nil
	default:
		return values.Nil, fmt.Errorf("cannot set path through %s", root.Type)
	}
}

func delPath(root values.Value, path []values.Value) (values.Value, error) {
	if len(path) == 0 {
		return values.Nil, nil
	}
	if len(path) == 1 {
		key := path[0]
		switch root.Type {
		case values.TypeObject:
			root.AsObject().Delete(values.ToString(key))
			return root, nil
		case values.TypeList:
			n, ok := values.ToNumber(key)
			if !ok {
				return values.Nil, fmt.Errorf("array path element must be a number")
			}
			items := root.AsList()
			idx := int(n.AsInt())
			if idx < 0 || idx >= len(items) {
				return root, nil
			}
			out := append(append([]values.Value(nil), items[:idx]...), items[idx+1:]...)
			return values.List(out), nil
		default:
			return root, nil
		}
	}
	key := path[0]
	child, err := indexValue(root, key)
	if err != nil {
		return values.Nil, err
	}
	newChild, err := delPath(child, path[1:])
	if err != nil {
		return values.Nil, err
	}
	if err := setIndexValue(root, key, newChild); err != nil {
		return values.Nil, err
	}
	return root, nil
}

func allPaths(v values.Value, prefix []values.Value) []values.Value {
	var out []values.Value
	switch v.Type {
	case values.TypeObject:
		for _, k := range v.AsObject().SortedKeys() {
			p := append(append([]values.Value(nil), prefix...), values.Str(k))
			child, _ := v.AsObject().Get(k)
			out = append(out, values.List(p))
			out = append(out, allPaths(child, p)...)
		}
	case values.TypeList:
		for i, item := range v.AsList() {
			p := append(append([]values.Value(nil), prefix...), values.Int(int64(i)))
			out = append(out, values.List(p))
			out = append(out, allPaths(item, p)...)
		}
	}
	return out
}
