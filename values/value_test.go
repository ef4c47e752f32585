package values

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruthy(t *testing.T) {
	cases := []struct {
		name string
		v    Value
		want bool
	}{
		{"nil", Nil, false},
		{"false", Bool(false), false},
		{"true", Bool(true), true},
		{"zero int is truthy", Int(0), true},
		{"empty string is truthy", Str(""), true},
		{"empty list is truthy", List(nil), true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, c.v.Truthy())
		})
	}
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(Int(1), Int(1)))
	assert.True(t, Equal(Int(1), Float(1.0)), "numeric types compare across int/float")
	assert.False(t, Equal(Str("a"), Str("b")))

	a := List([]Value{Int(1), Str("x")})
	b := List([]Value{Int(1), Str("x")})
	assert.True(t, Equal(a, b))

	oa := NewObject()
	oa.Set("k", Int(1))
	ob := NewObject()
	ob.Set("k", Int(1))
	assert.True(t, Equal(ObjectValue(oa), ObjectValue(ob)))

	oc := NewObject()
	oc.Set("k", Int(2))
	assert.False(t, Equal(ObjectValue(oa), ObjectValue(oc)))
}

func TestLessTotalOrder(t *testing.T) {
	// null < false < true < number < string < array < object
	ordered := []Value{
		Nil,
		Bool(false),
		Bool(true),
		Int(5),
		Str("a"),
		List([]Value{Int(1)}),
		ObjectValue(NewObject()),
	}
	for i := 0; i < len(ordered)-1; i++ {
		assert.True(t, Less(ordered[i], ordered[i+1]), "index %d should sort before %d", i, i+1)
		assert.False(t, Less(ordered[i+1], ordered[i]))
	}
}

func TestLessArrayLexicographic(t *testing.T) {
	a := List([]Value{Int(1), Int(2)})
	b := List([]Value{Int(1), Int(3)})
	c := List([]Value{Int(1)})
	assert.True(t, Less(a, b))
	assert.True(t, Less(c, a), "shorter prefix sorts first")
}

func TestObjectPreservesInsertionOrderAndSortedKeys(t *testing.T) {
	o := NewObject()
	o.Set("z", Int(1))
	o.Set("a", Int(2))
	o.Set("m", Int(3))
	assert.Equal(t, []string{"z", "a", "m"}, o.Keys())
	assert.Equal(t, []string{"a", "m", "z"}, o.SortedKeys())

	o.Delete("a")
	assert.Equal(t, []string{"z", "m"}, o.Keys())
	_, ok := o.Get("a")
	assert.False(t, ok)
}

func TestToStringAndToNumber(t *testing.T) {
	assert.Equal(t, "nil", ToString(Nil))
	assert.Equal(t, "true", ToString(Bool(true)))
	assert.Equal(t, "42", ToString(Int(42)))
	assert.Equal(t, "3.5", ToString(Float(3.5)))
	assert.Equal(t, "1.0", ToString(Float(1.0)), "whole floats keep a trailing .0 like Lua's tostring")

	n, ok := ToNumber(Str("  42 "))
	require.True(t, ok)
	assert.Equal(t, int64(42), n.AsInt())

	n, ok = ToNumber(Str("3.14"))
	require.True(t, ok)
	assert.InDelta(t, 3.14, n.AsFloat(), 1e-9)

	_, ok = ToNumber(Str("not a number"))
	assert.False(t, ok)
}

func TestListAppendSharesBacking(t *testing.T) {
	v := List([]Value{Int(1)})
	v.ListAppend(Int(2))
	assert.Equal(t, []Value{Int(1), Int(2)}, v.AsList())
}
