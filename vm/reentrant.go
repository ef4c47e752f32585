package vm

import (
	"fmt"

	"github.com/wudi/slate/opcodes"
	"github.com/wudi/slate/values"
)

var blankCallInst opcodes.Instruction

// CallClosure lets a native function (table.sort's comparator, string.gsub's
// replacement function, pcall/xpcall) call back into Lua synchronously,
// without going through the normal CALL_VALUE/RESULT instruction pair. It
// drives Step() until the pushed frame (for a closure) pops back off,
// then restores pc so the caller's own instruction stream resumes exactly
// where the native call was made.
func (m *VM) CallClosure(fn values.Value, args []values.Value) ([]values.Value, error) {
	switch fn.Type {
	case values.TypeNativeFn:
		native := fn.AsNative()
		result, err := native.Fn(args, m)
		if err != nil {
			return nil, err
		}
		if result.Type == values.TypeYieldMarker {
			return nil, fmt.Errorf("cannot yield across a reentrant call")
		}
		return []values.Value{result}, nil
	case values.TypeClosure:
		closure := fn.AsClosure()
		savedPC := m.pc
		targetDepth := len(m.frames)
		savedParams, savedCursor := m.pendingParams, m.paramCursor
		m.pendingParams = append([]values.Value(nil), args...)
		m.paramCursor = 0
		if _, err := m.doCall(&blankCallInst, closure.Label, closure.Upvalues); err != nil {
			m.pc = savedPC
			m.pendingParams, m.paramCursor = savedParams, savedCursor
			return nil, err
		}
		for len(m.frames) > targetDepth {
			verdict, err := m.Step()
			if err != nil {
				m.pc = savedPC
				return nil, err
			}
			if verdict == StepYield {
				m.pc = savedPC
				return nil, fmt.Errorf("cannot yield across a reentrant call")
			}
			if m.halted && len(m.frames) > targetDepth {
				m.pc = savedPC
				return nil, fmt.Errorf("function halted before returning")
			}
		}
		result := m.lastReturn
		m.pc = savedPC
		m.halted = false
		return result, nil
	default:
		return nil, fmt.Errorf("attempt to call a %s value", fn.Type)
	}
}
