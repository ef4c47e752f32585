// Package runtime implements the embedding surface spec section 6.2
// describes: a global/native-function registry the VM consults through
// the vm.Host interface, plus the register()/register_library() calls a
// host program uses to extend either front end.
package runtime

import (
	"fmt"
	"sync"

	"github.com/wudi/slate/values"
)

// FunctionDescriptor describes one registered native function, kept in
// the same descriptor-registry shape the teacher used for its PHP
// function/class/constant triad, collapsed here to the spec's flatter
// register/register_library pair.
type FunctionDescriptor struct {
	Name      string
	Fn        values.NativeFunc
	IsBuiltin bool
	Namespace string
}

// Environment is the registry a VM's Host interface is backed by: one
// per top-level VM instance, shared with every coroutine it spawns.
type Environment struct {
	mu        sync.RWMutex
	globals   map[string]values.Value
	functions map[string]*FunctionDescriptor
}

func NewEnvironment() *Environment {
	return &Environment{
		globals:   make(map[string]values.Value),
		functions: make(map[string]*FunctionDescriptor),
	}
}

// ResolveGlobal satisfies vm.Host.
func (e *Environment) ResolveGlobal(name string) (values.Value, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if fd, ok := e.functions[name]; ok {
		return values.NewNativeFn(fd.Name, fd.Fn), true
	}
	v, ok := e.globals[name]
	return v, ok
}

// SetGlobal satisfies vm.Host.
func (e *Environment) SetGlobal(name string, v values.Value) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.globals[name] = v
}

// Register installs one native function under name (spec section 6.2
// "register(name, value)"). Re-registering a builtin is rejected the
// way the teacher's registry protects builtinFunctions.
func (e *Environment) Register(name string, fn values.NativeFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.functions[name]; ok && existing.IsBuiltin {
		return fmt.Errorf("cannot override builtin function %q", name)
	}
	e.functions[name] = &FunctionDescriptor{Name: name, Fn: fn}
	return nil
}

// RegisterBuiltin is Register's internal counterpart used while
// bootstrapping a front end's standard library.
func (e *Environment) RegisterBuiltin(name string, fn values.NativeFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.functions[name] = &FunctionDescriptor{Name: name, Fn: fn, IsBuiltin: true}
}

// RegisterLibrary installs a whole namespace of functions at once (spec
// section 6.2 "register_library(namespace, map)"), exposed to Lua as a
// table of functions under that namespace's global name.
func (e *Environment) RegisterLibrary(namespace string, fns map[string]values.NativeFunc) values.Value {
	tbl := values.NewTable()
	t := tbl.AsTable()
	for name, fn := range fns {
		full := namespace + "." + name
		e.mu.Lock()
		e.functions[full] = &FunctionDescriptor{Name: full, Fn: fn, Namespace: namespace}
		e.mu.Unlock()
		t.Set(values.Str(name), values.NewNativeFn(full, fn))
	}
	e.SetGlobal(namespace, tbl)
	return tbl
}

// Lookup resolves a possibly-namespaced native function by its exact
// registered name.
func (e *Environment) Lookup(name string) (values.NativeFunc, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fd, ok := e.functions[name]
	if !ok {
		return nil, false
	}
	return fd.Fn, true
}
