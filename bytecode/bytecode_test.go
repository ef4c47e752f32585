package bytecode

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wudi/slate/opcodes"
	"github.com/wudi/slate/values"
)

func TestWriteReadRoundTrip(t *testing.T) {
	program := []opcodes.Instruction{
		{Opcode: opcodes.OP_LOAD_CONST, Args: []opcodes.Arg{opcodes.Reg("r0"), opcodes.Const(values.Int(42))}},
		{Opcode: opcodes.OP_LABEL, Args: []opcodes.Arg{opcodes.Label("loop")}},
		{Opcode: opcodes.OP_MOV, Args: []opcodes.Arg{opcodes.Reg("r1"), opcodes.Reg("r0")}},
		{Opcode: opcodes.OP_JZ, Args: []opcodes.Arg{opcodes.Reg("r1"), opcodes.Label("loop")}},
		{Opcode: opcodes.OP_HALT, Args: nil},
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, program))

	got, err := Read(&buf)
	require.NoError(t, err)
	require.Len(t, got, len(program))

	for i, want := range program {
		assert.Equal(t, want.Opcode, got[i].Opcode, "instruction %d opcode", i)
		require.Len(t, got[i].Args, len(want.Args), "instruction %d args", i)
		for j, wantArg := range want.Args {
			gotArg := got[i].Args[j]
			assert.Equal(t, wantArg.Kind, gotArg.Kind, "instruction %d arg %d kind", i, j)
			switch wantArg.Kind {
			case opcodes.ArgConst:
				assert.Equal(t, wantArg.Const.Type, gotArg.Const.Type)
				assert.Equal(t, wantArg.Const.AsInt(), gotArg.Const.AsInt())
			default:
				assert.Equal(t, wantArg.Name, gotArg.Name)
			}
		}
	}
}

func TestWriteUsesLabelSigil(t *testing.T) {
	program := []opcodes.Instruction{
		{Opcode: opcodes.OP_JMP, Args: []opcodes.Arg{opcodes.Label("done")}},
	}
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, program))
	assert.Contains(t, buf.String(), "@done")
}

func TestReadRejectsUnknownOpcode(t *testing.T) {
	_, err := Read(strings.NewReader("NOT_A_REAL_OPCODE r0\n"))
	assert.Error(t, err)
}

func TestConstEncodingList(t *testing.T) {
	v := values.List([]values.Value{values.Int(1), values.Str("two"), values.Bool(true), values.Nil})
	text, err := encodeConst(v)
	require.NoError(t, err)
	assert.Equal(t, `[1,"two",true,null]`, text)

	arg, err := decodeArg(text)
	require.NoError(t, err)
	require.Equal(t, opcodes.ArgConst, arg.Kind)
	got := arg.Const.AsList()
	require.Len(t, got, 4)
	assert.Equal(t, int64(1), got[0].AsInt())
	assert.Equal(t, "two", got[1].AsString())
	assert.True(t, got[2].AsBool())
	assert.True(t, got[3].IsNil())
}

func TestConstEncodingNestedObject(t *testing.T) {
	obj := values.NewObject()
	obj.Set("a", values.Int(1))
	obj.Set("b", values.List([]values.Value{values.Str("x")}))
	v := values.ObjectValue(obj)

	text, err := encodeConst(v)
	require.NoError(t, err)

	arg, err := decodeArg(text)
	require.NoError(t, err)
	require.Equal(t, opcodes.ArgConst, arg.Kind)
	gotObj := arg.Const.AsObject()
	require.NotNil(t, gotObj)
	a, ok := gotObj.Get("a")
	require.True(t, ok)
	assert.Equal(t, int64(1), a.AsInt())
	b, ok := gotObj.Get("b")
	require.True(t, ok)
	require.Len(t, b.AsList(), 1)
	assert.Equal(t, "x", b.AsList()[0].AsString())
}

func TestSplitFieldsKeepsQuotedStringsIntact(t *testing.T) {
	fields := splitFields(`LOAD_CONST r0 "hello world"`)
	assert.Equal(t, []string{"LOAD_CONST", "r0", `"hello world"`}, fields)
}

func TestDecodeArgDistinguishesRegisterLabelConst(t *testing.T) {
	reg, err := decodeArg("r0")
	require.NoError(t, err)
	assert.Equal(t, opcodes.ArgRegister, reg.Kind)

	label, err := decodeArg("@loop")
	require.NoError(t, err)
	assert.Equal(t, opcodes.ArgLabel, label.Kind)
	assert.Equal(t, "loop", label.Name)

	num, err := decodeArg("7")
	require.NoError(t, err)
	assert.Equal(t, opcodes.ArgConst, num.Kind)
	assert.Equal(t, int64(7), num.Const.AsInt())
}
