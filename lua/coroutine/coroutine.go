// Package coroutine implements the cooperative create/resume/yield
// scheduler (spec section 4.7/4.8): each values.Coroutine owns its own
// vm.VM instance over the same instruction stream, stepped synchronously
// from coroutine.resume and suspended the moment its running closure
// calls coroutine.yield.
package coroutine

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/wudi/slate/opcodes"
	"github.com/wudi/slate/runtime"
	"github.com/wudi/slate/values"
	"github.com/wudi/slate/vm"
)

// wrapper is the concrete type stashed behind values.Coroutine.VMState; it
// owns the coroutine's private VM so Resume can drive it without the
// values package needing to know about vm.VM (avoids an import cycle).
type wrapper struct {
	vm      *vm.VM
	closure *values.Closure
}

// Scheduler builds coroutines that share one instruction stream and Host
// (so they see the same globals the creating VM does — unlike the
// original, which had to manually merge per-coroutine register snapshots
// on every resume, our VM already routes "G_" names through the shared
// Host, so no merge step is needed here).
type Scheduler struct {
	Instructions []opcodes.Instruction
	Host         vm.Host
}

// Create implements coroutine.create(f): f must be a Lua closure.
func (s *Scheduler) Create(fn values.Value, parentID string) (values.Value, error) {
	closure := fn.AsClosure()
	if closure == nil {
		return values.Nil, fmt.Errorf("coroutine.create expects a function")
	}
	inner := vm.New(s.Instructions)
	inner.Host = s.Host
	co := &values.Coroutine{
		ID:       uuid.NewString(),
		ParentID: parentID,
		Status:   values.CoroutineSuspended,
		Closure:  closure,
	}
	co.VMState = &wrapper{vm: inner, closure: closure}
	return values.Value{Type: values.TypeCoroutine, Data: co}, nil
}

// Resume implements coroutine.resume(co, ...): returns (true, yielded-or-
// returned values) on success, (false, [errorMessage]) on failure,
// matching the two-result convention spec section 4.8 documents.
func Resume(coV values.Value, args []values.Value) (bool, []values.Value) {
	co := coV.AsCoroutine()
	if co == nil {
		return false, []values.Value{values.Str("cannot resume a non-coroutine value")}
	}
	switch co.Status {
	case values.CoroutineDead:
		return false, []values.Value{values.Str("cannot resume dead coroutine")}
	case values.CoroutineRunning:
		return false, []values.Value{values.Str("cannot resume non-suspended coroutine")}
	}
	w, ok := co.VMState.(*wrapper)
	if !ok || w == nil {
		return false, []values.Value{values.Str("corrupt coroutine state")}
	}

	co.Status = values.CoroutineRunning
	if !co.Started {
		co.Started = true
		if err := w.vm.StartClosure(w.closure, args); err != nil {
			co.Status = values.CoroutineDead
			co.LastError = err.Error()
			return false, []values.Value{values.Str(err.Error())}
		}
	} else {
		w.vm.ClearYielded()
		w.vm.SetResumeValues(args)
	}

	if _, err := w.vm.Run(true); err != nil {
		co.Status = values.CoroutineDead
		co.LastError = err.Error()
		return false, []values.Value{values.Str(err.Error())}
	}

	if w.vm.Yielded() {
		co.Status = values.CoroutineSuspended
		co.LastYield = w.vm.PendingYield()
		return true, co.LastYield
	}

	co.Status = values.CoroutineDead
	co.LastYield = w.vm.LastReturn()
	return true, co.LastYield
}

// Yield is the NativeFunc bound to coroutine.yield: it hands its
// arguments to the VM as a YieldMarker, which execCall's doCallValue
// turns into a StepYield (spec section 4.8's "suspends the running
// coroutine").
func Yield(args []values.Value, _ interface{}) (values.Value, error) {
	return values.YieldMarker(args), nil
}

// Install registers the coroutine.* library onto env (spec section 4.7's
// embedding surface), closing over a Scheduler that shares env's
// instruction stream and Host so every coroutine sees the same globals
// and native functions as its creator.
func (s *Scheduler) Install(env *runtime.Environment) {
	s.Host = env
	env.RegisterLibrary("coroutine", map[string]values.NativeFunc{
		"create": func(args []values.Value, _ interface{}) (values.Value, error) {
			if len(args) == 0 {
				return values.Nil, fmt.Errorf("coroutine.create expects a function")
			}
			return s.Create(args[0], "")
		},
		"resume": func(args []values.Value, _ interface{}) (values.Value, error) {
			if len(args) == 0 {
				return values.Nil, fmt.Errorf("coroutine.resume expects a coroutine")
			}
			ok, results := Resume(args[0], args[1:])
			return values.List(append([]values.Value{values.Bool(ok)}, results...)), nil
		},
		"yield": Yield,
		"status": func(args []values.Value, _ interface{}) (values.Value, error) {
			return Status(args)
		},
	})
}

// Status implements coroutine.status(co).
func Status(args []values.Value) (values.Value, error) {
	if len(args) == 0 {
		return values.Nil, fmt.Errorf("coroutine.status expects a coroutine")
	}
	co := args[0].AsCoroutine()
	if co == nil {
		return values.Nil, fmt.Errorf("coroutine.status expects a coroutine")
	}
	return values.Str(co.Status.String()), nil
}
