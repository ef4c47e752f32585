package vm

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Tracer counts executed steps, the steps that returned an error, and
// how often each opcode was executed.
type Tracer struct {
	steps    uint64
	errors   uint64
	byOpcode map[string]uint64
}

func NewTracer() *Tracer {
	return &Tracer{byOpcode: make(map[string]uint64)}
}

// RunTraced drives the VM to completion, recording one sample per step.
func (t *Tracer) RunTraced(m *VM) ([]byte, error) {
	for {
		if m == nil {
			return nil, fmt.Errorf("nil vm")
		}
		if m.pc < len(m.Instructions) {
			t.byOpcode[m.Instructions[m.pc].Opcode.String()]++
		}
		verdict, err := m.Step()
		t.steps++
		if err != nil {
			t.errors++
			return nil, err
		}
		if verdict == StepHalt {
			return nil, nil
		}
	}
}

// Report renders a human-readable execution summary using comma-grouped
// counters (spec section 6.1 ambient tooling).
func (t *Tracer) Report() string {
	return fmt.Sprintf("executed %s instructions (%s errors) across %d opcodes",
		humanize.Comma(int64(t.steps)), humanize.Comma(int64(t.errors)), len(t.byOpcode))
}
