// Package stdlib implements the subset of the Lua standard library spec
// section 8's scenarios exercise: base, math, string, table and os,
// registered onto a runtime.Environment the way the original's
// install_core_stdlib does.
package stdlib

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/wudi/slate/values"
)

func ensureArgs(args []values.Value, min int) error {
	if len(args) < min {
		return fmt.Errorf("expected at least %d argument(s), got %d", min, len(args))
	}
	return nil
}

func argOr(args []values.Value, idx int, def values.Value) values.Value {
	if idx < len(args) {
		return args[idx]
	}
	return def
}

// reentrantCaller is satisfied by *vm.VM; stdlib only needs the one
// callback method, kept as a narrow interface to avoid importing vm (which
// already imports values, and would cycle back through runtime).
type reentrantCaller interface {
	CallClosure(fn values.Value, args []values.Value) ([]values.Value, error)
}

func luaTostring(v values.Value) string {
	return values.ToString(v)
}

func luaType(v values.Value) string {
	switch v.Type {
	case values.TypeNil:
		return "nil"
	case values.TypeBool:
		return "boolean"
	case values.TypeInt, values.TypeFloat:
		return "number"
	case values.TypeString:
		return "string"
	case values.TypeTable:
		return "table"
	case values.TypeClosure, values.TypeNativeFn:
		return "function"
	case values.TypeCoroutine:
		return "thread"
	default:
		return "userdata"
	}
}

func builtinPrint(args []values.Value, _ interface{}) (values.Value, error) {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = luaTostring(a)
	}
	fmt.Println(strings.Join(parts, "\t"))
	return values.Nil, nil
}

func builtinType(args []values.Value, _ interface{}) (values.Value, error) {
	if err := ensureArgs(args, 1); err != nil {
		return values.Nil, err
	}
	return values.Str(luaType(args[0])), nil
}

func builtinToString(args []values.Value, _ interface{}) (values.Value, error) {
	if err := ensureArgs(args, 1); err != nil {
		return values.Nil, err
	}
	return values.Str(luaTostring(args[0])), nil
}

func builtinToNumber(args []values.Value, _ interface{}) (values.Value, error) {
	if err := ensureArgs(args, 1); err != nil {
		return values.Nil, err
	}
	if len(args) >= 2 {
		base := int(args[1].AsInt())
		s := strings.TrimSpace(args[0].AsString())
		n, err := strconv.ParseInt(s, base, 64)
		if err != nil {
			return values.Nil, nil
		}
		return values.Int(n), nil
	}
	n, ok := values.ToNumber(args[0])
	if !ok {
		return values.Nil, nil
	}
	return n, nil
}

func builtinError(args []values.Value, _ interface{}) (values.Value, error) {
	msg := "nil"
	if len(args) > 0 {
		msg = luaTostring(args[0])
	}
	return values.Nil, fmt.Errorf("%s", msg)
}

func builtinAssert(args []values.Value, _ interface{}) (values.Value, error) {
	if len(args) == 0 || !args[0].Truthy() {
		msg := "assertion failed!"
		if len(args) > 1 {
			msg = luaTostring(args[1])
		}
		return values.Nil, fmt.Errorf("%s", msg)
	}
	return args[0], nil
}

// pcall/xpcall need a reentrant call into the callee; they fail with an
// error when vm doesn't implement reentrantCaller (e.g. a host embedding
// that only calls through CALL_VALUE).
func builtinPcall(args []values.Value, vmAny interface{}) (values.Value, error) {
	if err := ensureArgs(args, 1); err != nil {
		return values.Nil, err
	}
	caller, ok := vmAny.(reentrantCaller)
	if !ok {
		return values.Nil, fmt.Errorf("pcall requires a VM that supports reentrant calls")
	}
	results, err := caller.CallClosure(args[0], args[1:])
	if err != nil {
		return values.List([]values.Value{values.Bool(false), values.Str(err.Error())}), nil
	}
	return values.List(append([]values.Value{values.Bool(true)}, results...)), nil
}

func builtinXpcall(args []values.Value, vmAny interface{}) (values.Value, error) {
	if err := ensureArgs(args, 2); err != nil {
		return values.Nil, err
	}
	caller, ok := vmAny.(reentrantCaller)
	if !ok {
		return values.Nil, fmt.Errorf("xpcall requires a VM that supports reentrant calls")
	}
	handler := args[1]
	results, err := caller.CallClosure(args[0], args[2:])
	if err != nil {
		handled, herr := caller.CallClosure(handler, []values.Value{values.Str(err.Error())})
		if herr != nil {
			return values.List([]values.Value{values.Bool(false), values.Str(herr.Error())}), nil
		}
		return values.List(append([]values.Value{values.Bool(false)}, handled...)), nil
	}
	return values.List(append([]values.Value{values.Bool(true)}, results...)), nil
}

func builtinSetMetatable(args []values.Value, _ interface{}) (values.Value, error) {
	if err := ensureArgs(args, 1); err != nil {
		return values.Nil, err
	}
	t := args[0].AsTable()
	if t == nil {
		return values.Nil, fmt.Errorf("setmetatable expects a table")
	}
	if len(args) < 2 || args[1].IsNil() {
		t.Metatable = nil
		return args[0], nil
	}
	mt := args[1].AsTable()
	if mt == nil {
		return values.Nil, fmt.Errorf("setmetatable expects a table or nil as the metatable")
	}
	t.Metatable = mt
	return args[0], nil
}

func builtinGetMetatable(args []values.Value, _ interface{}) (values.Value, error) {
	if err := ensureArgs(args, 1); err != nil {
		return values.Nil, err
	}
	t := args[0].AsTable()
	if t == nil || t.Metatable == nil {
		return values.Nil, nil
	}
	return values.Value{Type: values.TypeTable, Data: t.Metatable}, nil
}

func builtinRawGet(args []values.Value, _ interface{}) (values.Value, error) {
	if err := ensureArgs(args, 2); err != nil {
		return values.Nil, err
	}
	t := args[0].AsTable()
	if t == nil {
		return values.Nil, fmt.Errorf("rawget expects a table")
	}
	return t.Get(args[1]), nil
}

func builtinRawSet(args []values.Value, _ interface{}) (values.Value, error) {
	if err := ensureArgs(args, 3); err != nil {
		return values.Nil, err
	}
	t := args[0].AsTable()
	if t == nil {
		return values.Nil, fmt.Errorf("rawset expects a table")
	}
	t.Set(args[1], args[2])
	return args[0], nil
}

func builtinRawEqual(args []values.Value, _ interface{}) (values.Value, error) {
	if err := ensureArgs(args, 2); err != nil {
		return values.Nil, err
	}
	return values.Bool(values.Equal(args[0], args[1])), nil
}

// builtinNext implements stateless table iteration over the array part
// followed by the (unordered) hash part, keyed by sorted-for-determinism
// hash keys so repeated runs of the same program iterate identically.
func builtinNext(args []values.Value, _ interface{}) (values.Value, error) {
	if err := ensureArgs(args, 1); err != nil {
		return values.Nil, err
	}
	t := args[0].AsTable()
	if t == nil {
		return values.Nil, fmt.Errorf("next expects a table")
	}
	cur := argOr(args, 1, values.Nil)
	arr := t.ArrayPart()
	hashKeys := sortedHashKeys(t)

	if cur.IsNil() {
		if len(arr) > 0 {
			return values.List([]values.Value{values.Int(1), arr[0]}), nil
		}
		if len(hashKeys) > 0 {
			return values.List([]values.Value{hashKeys[0], t.Get(hashKeys[0])}), nil
		}
		return values.Nil, nil
	}
	if cur.Type == values.TypeInt {
		i := int(cur.AsInt())
		if i >= 1 && i < len(arr) {
			return values.List([]values.Value{values.Int(int64(i + 1)), arr[i]}), nil
		}
		if i == len(arr) {
			if len(hashKeys) > 0 {
				return values.List([]values.Value{hashKeys[0], t.Get(hashKeys[0])}), nil
			}
			return values.Nil, nil
		}
	}
	for i, k := range hashKeys {
		if values.Equal(k, cur) {
			if i+1 < len(hashKeys) {
				return values.List([]values.Value{hashKeys[i+1], t.Get(hashKeys[i+1])}), nil
			}
			return values.Nil, nil
		}
	}
	return values.Nil, nil
}

func sortedHashKeys(t *values.Table) []values.Value {
	keys := t.HashKeys()
	sort.Slice(keys, func(i, j int) bool { return values.Less(keys[i], keys[j]) })
	return keys
}

func builtinPairs(args []values.Value, vmAny interface{}) (values.Value, error) {
	if err := ensureArgs(args, 1); err != nil {
		return values.Nil, err
	}
	return values.List([]values.Value{
		values.NewNativeFn("next", builtinNext), args[0], values.Nil,
	}), nil
}

func builtinIpairsIter(args []values.Value, _ interface{}) (values.Value, error) {
	if err := ensureArgs(args, 2); err != nil {
		return values.Nil, err
	}
	t := args[0].AsTable()
	if t == nil {
		return values.Nil, fmt.Errorf("ipairs expects a table")
	}
	i := args[1].AsInt() + 1
	v := t.Get(values.Int(i))
	if v.IsNil() {
		return values.Nil, nil
	}
	return values.List([]values.Value{values.Int(i), v}), nil
}

func builtinIpairs(args []values.Value, _ interface{}) (values.Value, error) {
	if err := ensureArgs(args, 1); err != nil {
		return values.Nil, err
	}
	return values.List([]values.Value{
		values.NewNativeFn("ipairs_iter", builtinIpairsIter), args[0], values.Int(0),
	}), nil
}

// InstallBase registers the global (non-namespaced) builtins (spec §8's
// "base library" scenario).
func InstallBase(env registrar) {
	env.RegisterBuiltin("print", builtinPrint)
	env.RegisterBuiltin("type", builtinType)
	env.RegisterBuiltin("tostring", builtinToString)
	env.RegisterBuiltin("tonumber", builtinToNumber)
	env.RegisterBuiltin("error", builtinError)
	env.RegisterBuiltin("assert", builtinAssert)
	env.RegisterBuiltin("pcall", builtinPcall)
	env.RegisterBuiltin("xpcall", builtinXpcall)
	env.RegisterBuiltin("setmetatable", builtinSetMetatable)
	env.RegisterBuiltin("getmetatable", builtinGetMetatable)
	env.RegisterBuiltin("rawget", builtinRawGet)
	env.RegisterBuiltin("rawset", builtinRawSet)
	env.RegisterBuiltin("rawequal", builtinRawEqual)
	env.RegisterBuiltin("next", builtinNext)
	env.RegisterBuiltin("pairs", builtinPairs)
	env.RegisterBuiltin("ipairs", builtinIpairs)
}

// registrar is the slice of runtime.Environment's API stdlib needs; kept
// narrow so this package doesn't import runtime directly (runtime has no
// reason to import stdlib either, this just avoids a needless coupling).
type registrar interface {
	RegisterBuiltin(name string, fn values.NativeFunc)
	RegisterLibrary(namespace string, fns map[string]values.NativeFunc) values.Value
}

// Install wires every sub-library spec §8 exercises onto env.
func Install(env registrar) {
	InstallBase(env)
	InstallMath(env)
	InstallString(env)
	InstallTable(env)
	InstallOS(env)
}
