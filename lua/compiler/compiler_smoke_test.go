package compiler_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wudi/slate/lua/compiler"
	"github.com/wudi/slate/lua/parser"
	"github.com/wudi/slate/lua/stdlib"
	"github.com/wudi/slate/runtime"
	"github.com/wudi/slate/vm"
)

func TestArithmeticAndLocals(t *testing.T) {
	chunk, err := parser.Parse("local x = 1 + 2 * 3\nreturn x")
	require.NoError(t, err)
	instructions, err := compiler.Compile(chunk, "<test>")
	require.NoError(t, err)

	m := vm.New(instructions)
	env := runtime.NewEnvironment()
	stdlib.Install(env)
	m.Host = env
	_, err = m.Run(false)
	require.NoError(t, err)

	require.Len(t, m.LastReturn(), 1)
	assert.Equal(t, int64(7), m.LastReturn()[0].AsInt())
}

func TestClosurePerIterationCapturesFreshValue(t *testing.T) {
	src := `
local t = {}
for i = 1, 3 do
  t[i] = function() return i end
end
return t[1](), t[2](), t[3]()
`
	chunk, err := parser.Parse(src)
	require.NoError(t, err)
	instructions, err := compiler.Compile(chunk, "<test>")
	require.NoError(t, err)

	m := vm.New(instructions)
	env := runtime.NewEnvironment()
	stdlib.Install(env)
	m.Host = env
	_, err = m.Run(false)
	require.NoError(t, err)

	require.Len(t, m.LastReturn(), 3)
	assert.Equal(t, int64(1), m.LastReturn()[0].AsInt())
	assert.Equal(t, int64(2), m.LastReturn()[1].AsInt())
	assert.Equal(t, int64(3), m.LastReturn()[2].AsInt())
}

func TestGotoSkipsBlock(t *testing.T) {
	src := `
local x = 1
goto skip
x = 2
::skip::
return x
`
	chunk, err := parser.Parse(src)
	require.NoError(t, err)
	instructions, err := compiler.Compile(chunk, "<test>")
	require.NoError(t, err)

	m := vm.New(instructions)
	env := runtime.NewEnvironment()
	stdlib.Install(env)
	m.Host = env
	_, err = m.Run(false)
	require.NoError(t, err)

	require.Len(t, m.LastReturn(), 1)
	assert.Equal(t, int64(1), m.LastReturn()[0].AsInt())
}

func TestGotoIntoLocalScopeRejected(t *testing.T) {
	src := `
goto skip
local y = 1
::skip::
return y
`
	chunk, err := parser.Parse(src)
	require.NoError(t, err)
	_, err = compiler.Compile(chunk, "<test>")
	assert.Error(t, err)
}

func TestMetatableArithAndCallDispatch(t *testing.T) {
	src := `
local t = {}
local mt = {}
mt.__add = function(a, b) return 42 end
mt.__call = function(self, x) return x + 1 end
setmetatable(t, mt)
return t + 1, t(41)
`
	chunk, err := parser.Parse(src)
	require.NoError(t, err)
	instructions, err := compiler.Compile(chunk, "<test>")
	require.NoError(t, err)

	m := vm.New(instructions)
	env := runtime.NewEnvironment()
	stdlib.Install(env)
	m.Host = env
	_, err = m.Run(false)
	require.NoError(t, err)

	require.Len(t, m.LastReturn(), 2)
	assert.Equal(t, int64(42), m.LastReturn()[0].AsInt())
	assert.Equal(t, int64(42), m.LastReturn()[1].AsInt())
}

func TestMetatableEqDispatch(t *testing.T) {
	src := `
local t1 = {}
local t2 = {}
local mt = {}
mt.__eq = function(a, b) return true end
setmetatable(t1, mt)
setmetatable(t2, mt)
return t1 == t2
`
	chunk, err := parser.Parse(src)
	require.NoError(t, err)
	instructions, err := compiler.Compile(chunk, "<test>")
	require.NoError(t, err)

	m := vm.New(instructions)
	env := runtime.NewEnvironment()
	stdlib.Install(env)
	m.Host = env
	_, err = m.Run(false)
	require.NoError(t, err)

	require.Len(t, m.LastReturn(), 1)
	assert.True(t, m.LastReturn()[0].AsBool())
}

func TestNumericForLoopSum(t *testing.T) {
	src := `
local total = 0
for i = 1, 5 do
  total = total + i
end
return total
`
	chunk, err := parser.Parse(src)
	require.NoError(t, err)
	instructions, err := compiler.Compile(chunk, "<test>")
	require.NoError(t, err)

	m := vm.New(instructions)
	env := runtime.NewEnvironment()
	stdlib.Install(env)
	m.Host = env
	_, err = m.Run(false)
	require.NoError(t, err)

	require.Len(t, m.LastReturn(), 1)
	assert.Equal(t, int64(15), m.LastReturn()[0].AsInt())
}
