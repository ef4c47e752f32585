package vm

import "github.com/wudi/slate/values"

// StartClosure begins executing a closure as a coroutine's root frame: it
// pushes a synthetic CallFrame (so OP_BIND_UPVALUE can resolve the
// closure's captured cells, same as an ordinary call) whose ReturnPC
// points past the end of the instruction stream, so a normal return
// halts this VM instance instead of jumping back into a caller that
// never actually called it (spec section 3.8/4.8).
func (m *VM) StartClosure(closure *values.Closure, args []values.Value) error {
	frame := &CallFrame{
		ReturnPC:       len(m.Instructions),
		SavedRegisters: m.registers,
		Params:         args,
		Upvalues:       closure.Upvalues,
	}
	m.frames = append(m.frames, frame)
	m.registers = make(map[string]values.Value, len(args)+4)
	return m.jumpTo(closure.Label)
}

// SetResumeValues stages the values a suspended coroutine.yield call
// should see as its own return values once resumed — the arguments
// passed to coroutine.resume — so the RESULT/RESULT_MULTI/RESULT_LIST
// instruction right after the yielding CALL_VALUE reads them instead of
// the values that were yielded out.
func (m *VM) SetResumeValues(vs []values.Value) { m.lastReturn = vs }

func (m *VM) Halted() bool                 { return m.halted }
func (m *VM) Yielded() bool                { return m.yielded }
func (m *VM) PendingYield() []values.Value { return m.pendingYield }

// ClearYielded resets the sticky yielded flag a prior Run(stopOnYield)
// call left set, so the next Run can tell a fresh yield from the stale
// one a coroutine scheduler already consumed.
func (m *VM) ClearYielded() { m.yielded = false }
