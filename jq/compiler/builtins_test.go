package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wudi/slate/jq/parser"
	"github.com/wudi/slate/values"
	"github.com/wudi/slate/vm"
)

// runFilter compiles and executes filterSrc against input, returning the
// emitted output stream.
func runFilter(t *testing.T, filterSrc string, input values.Value) []values.Value {
	t.Helper()
	node, err := parser.Parse(filterSrc)
	require.NoError(t, err, "parse %q", filterSrc)
	instructions, err := Compile(node)
	require.NoError(t, err, "compile %q", filterSrc)

	m := vm.New(instructions)
	m.Registers()[InputRegister] = input
	_, err = m.Run(false)
	require.NoError(t, err, "run %q", filterSrc)
	return m.Output()
}

func TestSelectFilter(t *testing.T) {
	input := values.List([]values.Value{values.Int(1), values.Int(2), values.Int(3)})
	out := runFilter(t, ".[] | select(. > 1)", input)
	require.Len(t, out, 2)
	assert.Equal(t, int64(2), out[0].AsInt())
	assert.Equal(t, int64(3), out[1].AsInt())
}

func TestMapBuiltin(t *testing.T) {
	input := values.List([]values.Value{values.Int(1), values.Int(2)})
	out := runFilter(t, "map(. + 1)", input)
	require.Len(t, out, 1)
	got := out[0].AsList()
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].AsInt())
	assert.Equal(t, int64(3), got[1].AsInt())
}

func TestKeysBuiltin(t *testing.T) {
	obj := values.NewObject()
	obj.Set("b", values.Int(1))
	obj.Set("a", values.Int(2))
	out := runFilter(t, "keys", values.ObjectValue(obj))
	require.Len(t, out, 1)
	got := out[0].AsList()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].AsString())
	assert.Equal(t, "b", got[1].AsString())
}

func TestHasBuiltin(t *testing.T) {
	obj := values.NewObject()
	obj.Set("a", values.Int(1))
	out := runFilter(t, `has("a")`, values.ObjectValue(obj))
	require.Len(t, out, 1)
	assert.True(t, out[0].AsBool())

	out = runFilter(t, `has("z")`, values.ObjectValue(obj))
	require.Len(t, out, 1)
	assert.False(t, out[0].AsBool())
}

func TestLengthBuiltin(t *testing.T) {
	out := runFilter(t, "length", values.Str("hello"))
	require.Len(t, out, 1)
	assert.Equal(t, int64(5), out[0].AsInt())
}

func TestSortAndUnique(t *testing.T) {
	input := values.List([]values.Value{values.Int(3), values.Int(1), values.Int(2), values.Int(1)})
	out := runFilter(t, "sort", input)
	require.Len(t, out, 1)
	got := out[0].AsList()
	require.Len(t, got, 4)
	assert.Equal(t, []int64{1, 1, 2, 3}, []int64{got[0].AsInt(), got[1].AsInt(), got[2].AsInt(), got[3].AsInt()})

	out = runFilter(t, "unique", input)
	require.Len(t, out, 1)
	got = out[0].AsList()
	assert.Equal(t, []int64{1, 2, 3}, []int64{got[0].AsInt(), got[1].AsInt(), got[2].AsInt()})
}

func TestFlattenBuiltin(t *testing.T) {
	input := values.List([]values.Value{
		values.List([]values.Value{values.Int(1), values.Int(2)}),
		values.Int(3),
	})
	out := runFilter(t, "flatten", input)
	require.Len(t, out, 1)
	got := out[0].AsList()
	require.Len(t, got, 3)
	assert.Equal(t, int64(1), got[0].AsInt())
	assert.Equal(t, int64(2), got[1].AsInt())
	assert.Equal(t, int64(3), got[2].AsInt())
}

func TestDelBuiltin(t *testing.T) {
	obj := values.NewObject()
	obj.Set("a", values.Int(1))
	obj.Set("b", values.Int(2))
	out := runFilter(t, `del(.a)`, values.ObjectValue(obj))
	require.Len(t, out, 1)
	_, ok := out[0].AsObject().Get("a")
	assert.False(t, ok)
	b, ok := out[0].AsObject().Get("b")
	require.True(t, ok)
	assert.Equal(t, int64(2), b.AsInt())
}

func TestReduceBuiltinSum(t *testing.T) {
	input := values.List([]values.Value{values.Int(1), values.Int(2), values.Int(3)})
	out := runFilter(t, `reduce .[] as $x (0; . + $x)`, input)
	require.Len(t, out, 1)
	assert.Equal(t, int64(6), out[0].AsInt())
}
