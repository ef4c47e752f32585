package stdlib

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/wudi/slate/values"
)

func tableConcat(args []values.Value, _ interface{}) (values.Value, error) {
	if err := ensureArgs(args, 1); err != nil {
		return values.Nil, err
	}
	t := args[0].AsTable()
	if t == nil {
		return values.Nil, fmt.Errorf("table.concat expects a table")
	}
	sep := ""
	if len(args) > 1 {
		sep = args[1].AsString()
	}
	arr := t.ArrayPart()
	i := 1
	j := len(arr)
	if len(args) > 2 {
		i = int(args[2].AsInt())
	}
	if len(args) > 3 {
		j = int(args[3].AsInt())
	}
	var parts []string
	for k := i; k <= j && k >= 1 && k <= len(arr); k++ {
		parts = append(parts, values.ToString(arr[k-1]))
	}
	return values.Str(strings.Join(parts, sep)), nil
}

// tableSort sorts the array part in place. Without a comparator it uses
// values.Less (the jq/Lua shared total order); with one, it calls back
// into Lua through CallClosure the way table.sort(t, cmp) requires.
func tableSort(args []values.Value, vmAny interface{}) (values.Value, error) {
	if err := ensureArgs(args, 1); err != nil {
		return values.Nil, err
	}
	t := args[0].AsTable()
	if t == nil {
		return values.Nil, fmt.Errorf("table.sort expects a table")
	}
	arr := t.ArrayPart()
	if len(args) > 1 && !args[1].IsNil() {
		cmp := args[1]
		caller, ok := vmAny.(reentrantCaller)
		if !ok {
			return values.Nil, fmt.Errorf("table.sort with a comparator requires a VM that supports reentrant calls")
		}
		var sortErr error
		slices.SortFunc(arr, func(a, b values.Value) int {
			if sortErr != nil {
				return 0
			}
			results, err := caller.CallClosure(cmp, []values.Value{a, b})
			if err != nil {
				sortErr = err
				return 0
			}
			if len(results) > 0 && results[0].Truthy() {
				return -1
			}
			return 1
		})
		if sortErr != nil {
			return values.Nil, sortErr
		}
		return values.Nil, nil
	}
	slices.SortFunc(arr, func(a, b values.Value) int {
		switch {
		case values.Less(a, b):
			return -1
		case values.Less(b, a):
			return 1
		default:
			return 0
		}
	})
	return values.Nil, nil
}

func tableInsert(args []values.Value, _ interface{}) (values.Value, error) {
	if err := ensureArgs(args, 2); err != nil {
		return values.Nil, err
	}
	t := args[0].AsTable()
	if t == nil {
		return values.Nil, fmt.Errorf("table.insert expects a table")
	}
	if len(args) == 2 {
		t.Append(args[1])
		return values.Nil, nil
	}
	pos := int(args[1].AsInt())
	value := args[2]
	arr := t.ArrayPart()
	n := len(arr)
	t.Append(values.Nil)
	arr = t.ArrayPart()
	for i := n; i >= pos; i-- {
		arr[i] = arr[i-1]
	}
	arr[pos-1] = value
	return values.Nil, nil
}

func tableRemove(args []values.Value, _ interface{}) (values.Value, error) {
	if err := ensureArgs(args, 1); err != nil {
		return values.Nil, err
	}
	t := args[0].AsTable()
	if t == nil {
		return values.Nil, fmt.Errorf("table.remove expects a table")
	}
	arr := t.ArrayPart()
	n := len(arr)
	if n == 0 {
		return values.Nil, nil
	}
	pos := n
	if len(args) > 1 {
		pos = int(args[1].AsInt())
	}
	if pos < 1 || pos > n {
		return values.Nil, nil
	}
	removed := arr[pos-1]
	for i := pos - 1; i < n-1; i++ {
		arr[i] = arr[i+1]
	}
	t.Set(values.Int(int64(n)), values.Nil)
	return removed, nil
}

func tablePack(args []values.Value, _ interface{}) (values.Value, error) {
	tbl := values.NewTable()
	t := tbl.AsTable()
	for _, a := range args {
		t.Append(a)
	}
	t.Set(values.Str("n"), values.Int(int64(len(args))))
	return tbl, nil
}

func tableUnpack(args []values.Value, _ interface{}) (values.Value, error) {
	if err := ensureArgs(args, 1); err != nil {
		return values.Nil, err
	}
	t := args[0].AsTable()
	if t == nil {
		return values.Nil, fmt.Errorf("table.unpack expects a table")
	}
	arr := t.ArrayPart()
	i := 1
	j := len(arr)
	if len(args) > 1 {
		i = int(args[1].AsInt())
	}
	if len(args) > 2 {
		j = int(args[2].AsInt())
	}
	var out []values.Value
	for k := i; k <= j && k >= 1 && k <= len(arr); k++ {
		out = append(out, arr[k-1])
	}
	return values.List(out), nil
}

// InstallTable registers table.* (spec §8's table-library scenario).
func InstallTable(env registrar) {
	env.RegisterLibrary("table", map[string]values.NativeFunc{
		"concat": tableConcat,
		"sort":   tableSort,
		"insert": tableInsert,
		"remove": tableRemove,
		"pack":   tablePack,
		"unpack": tableUnpack,
	})
}
