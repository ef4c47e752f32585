// Package module implements Lua's require/package system (spec's
// supplemented "module system" feature, dropped from the distilled spec
// but present throughout the original implementation): a loaded-module
// cache, package.preload, a two-stage searcher chain (preload then
// filesystem), and the require/dofile/load/loadfile globals.
package module

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wudi/slate/lua/compiler"
	"github.com/wudi/slate/lua/parser"
	"github.com/wudi/slate/opcodes"
	"github.com/wudi/slate/runtime"
	"github.com/wudi/slate/values"
	"github.com/wudi/slate/vm"
)

// reentrantCaller mirrors lua/stdlib's narrow VM capability interface;
// duplicated rather than imported to keep this package independent of
// stdlib's internal layout.
type reentrantCaller interface {
	CallClosure(fn values.Value, args []values.Value) ([]values.Value, error)
}

// System is the per-interpreter module loader, grounded on the original's
// LuaModuleSystem. Unlike the original, which snapshots and re-merges
// per-module globals on every call (its registers have no shared global
// store), our VM already routes "G_" names through a single shared
// runtime.Environment, so every module a System loads shares the
// program's one global namespace — this package carries no per-module
// environment concept at all.
type System struct {
	env      *runtime.Environment
	basePath string

	loaded  *values.Table
	preload *values.Table
	pkg     *values.Table
}

// New builds a System and installs package/require/dofile/load/loadfile
// onto env.
func New(env *runtime.Environment, basePath string) *System {
	if basePath == "" {
		if wd, err := os.Getwd(); err == nil {
			basePath = wd
		}
	}
	s := &System{
		env:      env,
		basePath: basePath,
		loaded:   values.NewTableRef(),
		preload:  values.NewTableRef(),
		pkg:      values.NewTableRef(),
	}
	s.pkg.Set(values.Str("loaded"), values.Value{Type: values.TypeTable, Data: s.loaded})
	s.pkg.Set(values.Str("preload"), values.Value{Type: values.TypeTable, Data: s.preload})
	s.pkg.Set(values.Str("path"), values.Str("./?.lua;./?/init.lua"))
	env.SetGlobal("package", values.Value{Type: values.TypeTable, Data: s.pkg})
	env.RegisterBuiltin("require", s.require)
	env.RegisterBuiltin("dofile", s.dofile)
	env.RegisterBuiltin("load", s.load)
	env.RegisterBuiltin("loadfile", s.loadfile)
	return s
}

func (s *System) packagePath() string {
	v := s.pkg.Get(values.Str("path"))
	if v.IsNil() {
		return "./?.lua;./?/init.lua"
	}
	return v.AsString()
}

func (s *System) require(args []values.Value, vmAny interface{}) (values.Value, error) {
	if len(args) == 0 {
		return values.Nil, fmt.Errorf("require expects a module name")
	}
	name := args[0].AsString()
	if cached := s.loaded.Get(values.Str(name)); !cached.IsNil() {
		return cached, nil
	}

	if loader := s.preload.Get(values.Str(name)); !loader.IsNil() {
		return s.runLoader(name, loader, vmAny)
	}

	path, err := s.resolveFile(name)
	if err != nil {
		return values.Nil, fmt.Errorf("module %q not found: %w", name, err)
	}
	source, err := os.ReadFile(path)
	if err != nil {
		return values.Nil, fmt.Errorf("module %q not found: %w", name, err)
	}
	result, err := s.runSource(string(source), path, []values.Value{values.Str(name)})
	if err != nil {
		return values.Nil, err
	}
	modValue := values.Bool(true)
	if len(result) > 0 && !result[0].IsNil() {
		modValue = result[0]
	}
	s.loaded.Set(values.Str(name), modValue)
	return modValue, nil
}

func (s *System) runLoader(name string, loader values.Value, vmAny interface{}) (values.Value, error) {
	s.loaded.Set(values.Str(name), values.Bool(true))
	caller, ok := vmAny.(reentrantCaller)
	if !ok {
		return values.Nil, fmt.Errorf("require needs a VM that supports reentrant calls")
	}
	results, err := caller.CallClosure(loader, []values.Value{values.Str(name)})
	if err != nil {
		s.loaded.Set(values.Str(name), values.Nil)
		return values.Nil, err
	}
	modValue := values.Bool(true)
	if len(results) > 0 && !results[0].IsNil() {
		modValue = results[0]
	}
	s.loaded.Set(values.Str(name), modValue)
	return modValue, nil
}

// resolveFile walks package.path's ";"-separated, "?"-substituted search
// patterns (spec's carried-over module-path convention) against basePath.
func (s *System) resolveFile(name string) (string, error) {
	modulePath := strings.ReplaceAll(name, ".", string(filepath.Separator))
	for _, pattern := range strings.Split(s.packagePath(), ";") {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		candidate := strings.ReplaceAll(pattern, "?", modulePath)
		full := filepath.Join(s.basePath, candidate)
		if info, err := os.Stat(full); err == nil && !info.IsDir() {
			return full, nil
		}
	}
	return "", fmt.Errorf("no file matching %q on package.path", name)
}

func (s *System) compile(source, sourceName string) ([]opcodes.Instruction, error) {
	chunk, err := parser.Parse(source)
	if err != nil {
		return nil, err
	}
	return compiler.Compile(chunk, sourceName)
}

// runSource compiles source and executes it to completion in its own VM
// instance sharing this System's Environment as Host, the same way the
// original's _run_instructions runs a freshly compiled chunk.
func (s *System) runSource(source, sourceName string, args []values.Value) ([]values.Value, error) {
	instructions, err := s.compile(source, sourceName)
	if err != nil {
		return nil, err
	}
	inner := vm.New(instructions)
	inner.Host = s.env
	inner.SetInputs(nil)
	_ = args // top-level chunks don't read OP_ARG; args are only meaningful via vararg
	if _, err := inner.Run(false); err != nil {
		return nil, err
	}
	return inner.LastReturn(), nil
}

func (s *System) dofile(args []values.Value, _ interface{}) (values.Value, error) {
	if len(args) == 0 {
		return values.Nil, fmt.Errorf("dofile expects a filename")
	}
	filename := args[0].AsString()
	path := filename
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.basePath, path)
	}
	source, err := os.ReadFile(path)
	if err != nil {
		return values.Nil, err
	}
	result, err := s.runSource(string(source), path, nil)
	if err != nil {
		return values.Nil, err
	}
	return values.List(result), nil
}

// load compiles a string chunk into a callable closure-like NativeFn that
// runs the chunk in its own VM each time it's invoked (spec's "load"
// global: compile without running, return a callable or nil+error).
func (s *System) load(args []values.Value, _ interface{}) (values.Value, error) {
	if len(args) == 0 {
		return values.Nil, fmt.Errorf("load expects a chunk string")
	}
	chunkName := "<load>"
	if len(args) > 1 && !args[1].IsNil() {
		chunkName = args[1].AsString()
	}
	source := args[0].AsString()
	instructions, err := s.compile(source, chunkName)
	if err != nil {
		return values.List([]values.Value{values.Nil, values.Str(err.Error())}), nil
	}
	fn := func(callArgs []values.Value, _ interface{}) (values.Value, error) {
		inner := vm.New(instructions)
		inner.Host = s.env
		if _, err := inner.Run(false); err != nil {
			return values.Nil, err
		}
		return values.List(inner.LastReturn()), nil
	}
	return values.NewNativeFn("load:"+chunkName, fn), nil
}

func (s *System) loadfile(args []values.Value, _ interface{}) (values.Value, error) {
	if len(args) == 0 {
		return values.Nil, fmt.Errorf("loadfile expects a filename")
	}
	filename := args[0].AsString()
	path := filename
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.basePath, path)
	}
	source, err := os.ReadFile(path)
	if err != nil {
		return values.List([]values.Value{values.Nil, values.Str(err.Error())}), nil
	}
	instructions, err := s.compile(string(source), path)
	if err != nil {
		return values.List([]values.Value{values.Nil, values.Str(err.Error())}), nil
	}
	fn := func(callArgs []values.Value, _ interface{}) (values.Value, error) {
		inner := vm.New(instructions)
		inner.Host = s.env
		if _, err := inner.Run(false); err != nil {
			return values.Nil, err
		}
		return values.List(inner.LastReturn()), nil
	}
	return values.NewNativeFn("loadfile:"+path, fn), nil
}
