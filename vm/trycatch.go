package vm

import "github.com/wudi/slate/values"

// tryRecover implements jq's try/catch recovery (Lua's pcall/xpcall go
// through CallClosure and do not use the try stack):
// it unwinds the call stack and emit stack back to the state recorded at
// the innermost active TryBegin, writes the error message into the
// frame's error register, and resumes at its catch label (spec sections
// 4.8 and 8, the PushEmit/PopEmit balance invariant).
func (m *VM) tryRecover(err error) bool {
	if len(m.tryStack) == 0 {
		return false
	}
	frame := m.tryStack[len(m.tryStack)-1]
	m.tryStack = m.tryStack[:len(m.tryStack)-1]

	for len(m.frames) > frame.frameDepth {
		f := m.frames[len(m.frames)-1]
		m.frames = m.frames[:len(m.frames)-1]
		m.registers = f.SavedRegisters
	}
	if frame.emitDepth <= len(m.emitStack) {
		m.emitStack = m.emitStack[:frame.emitDepth]
	}

	m.write(frame.errReg, values.Str(err.Error()))
	if jerr := m.jumpTo(frame.catchLabel); jerr != nil {
		return false
	}
	m.halted = false
	return true
}
