// Package lua runs Lua plugins on gopher-lua. States start without the
// io, os, package and debug libraries; the host table is the only way to
// reach the kernel.
package lua

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	glua "github.com/yuin/gopher-lua"

	"github.com/reglet-dev/reglet-trust/capability"
	"github.com/reglet-dev/reglet-trust/plugin/entities"
	"github.com/reglet-dev/reglet-trust/sandbox"
)

const (
	callStackSize = 200
	// slotBytes approximates the memory one registry slot keeps alive.
	slotBytes        = 256
	minRegistrySlots = 1024
	maxRegistrySlots = 1 << 22
)

// unsafeGlobals are removed from the base library.
var unsafeGlobals = []string{
	"dofile", "loadfile", "load", "loadstring", "require", "module",
	"collectgarbage", "getfenv", "setfenv", "newproxy", "_printregs",
}

// Engine loads Lua plugins.
type Engine struct{}

// New creates a Lua engine.
func New() *Engine { return &Engine{} }

func (e *Engine) Runtime() entities.Runtime   { return entities.RuntimeLua }
func (e *Engine) Close(context.Context) error { return nil }

// Load creates a fresh state, installs the host table and runs the main
// chunk. A positive memory limit meters the state; see memoryMeter.
func (e *Engine) Load(ctx context.Context, spec sandbox.LoadSpec) (sandbox.Instance, error) {
	code, ok := spec.Code()
	if !ok {
		return nil, fmt.Errorf("main module %q not in bundle", spec.Main)
	}
	logger := spec.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registryMax := maxRegistrySlots
	if spec.Limits.MaxMemoryBytes > 0 {
		registryMax = int(min(max(spec.Limits.MaxMemoryBytes/slotBytes, minRegistrySlots), maxRegistrySlots))
	}
	L := glua.NewState(glua.Options{
		SkipOpenLibs:        true,
		CallStackSize:       callStackSize,
		RegistrySize:        minRegistrySlots,
		RegistryMaxSize:     registryMax,
		RegistryGrowStep:    64,
		MinimizeStackMemory: true,
	})
	inst := &instance{state: L, host: spec.Host, logger: logger}
	inst.openLibs()
	if limit := spec.Limits.MaxMemoryBytes; limit > 0 {
		inst.meter = newMemoryMeter(L, limit)
		if err := inst.meter.install(L); err != nil {
			L.Close()
			return nil, err
		}
	}

	fn, err := L.Load(bytes.NewReader(code), spec.Main)
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("compile %s: %w", spec.Main, err)
	}
	ctx, done := inst.enter(ctx)
	defer done()
	L.Push(fn)
	if err := L.PCall(0, 0, nil); err != nil {
		L.Close()
		return nil, inst.wrap(ctx, err)
	}
	return inst, nil
}

type instance struct {
	state  *glua.LState
	host   sandbox.Host
	logger *slog.Logger
	meter  *memoryMeter

	// hostCtx is the caller's context for the call in progress. Host calls
	// get it instead of the VM's metered context.
	hostCtx context.Context
}

// enter binds ctx to the state for one call and returns the context the VM
// runs under.
func (i *instance) enter(ctx context.Context) (context.Context, func()) {
	i.hostCtx = ctx
	vmCtx, stop := ctx, func() {}
	if i.meter != nil {
		vmCtx, stop = i.meter.start(ctx)
	}
	i.state.SetContext(vmCtx)
	return vmCtx, func() {
		i.state.RemoveContext()
		stop()
		i.hostCtx = nil
	}
}

func (i *instance) openLibs() {
	L := i.state
	for _, lib := range []struct {
		name string
		fn   glua.LGFunction
	}{
		{glua.BaseLibName, glua.OpenBase},
		{glua.TabLibName, glua.OpenTable},
		{glua.StringLibName, glua.OpenString},
		{glua.MathLibName, glua.OpenMath},
		{glua.CoroutineLibName, glua.OpenCoroutine},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(glua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range unsafeGlobals {
		L.SetGlobal(name, glua.LNil)
	}
	L.SetGlobal("print", L.NewFunction(i.print))

	host := L.NewTable()
	L.SetField(host, "call", L.NewFunction(i.call))
	L.SetField(host, "log", L.NewFunction(i.log))
	L.SetGlobal("host", host)
}

// call implements host.call(capability, args). It returns the result, or
// nil plus an error message and reason when the call fails or is denied.
func (i *instance) call(L *glua.LState) int {
	c, err := capability.Parse(L.CheckString(1))
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}
	var args map[string]any
	if tbl, ok := L.Get(2).(*glua.LTable); ok {
		m, _ := fromLua(tbl, 0).(map[string]any)
		args = m
	}

	v, err := i.host.Call(i.hostCtx, c.Name, c.Scope, args)
	if err != nil {
		L.Push(glua.LNil)
		L.Push(glua.LString(err.Error()))
		L.Push(glua.LString(sandbox.ErrorCode(err)))
		return 3
	}
	L.Push(toLua(L, v, 0))
	return 1
}


func (i *instance) log(L *glua.LState) int {
	var level slog.Level
	if err := level.UnmarshalText([]byte(L.CheckString(1))); err != nil {
		level = slog.LevelInfo
	}
	i.logger.Log(i.hostCtx, level, L.CheckString(2), "source", "plugin")
	return 0
}

func (i *instance) print(L *glua.LState) int {
	parts := make([]string, 0, L.GetTop())
	for n := 1; n <= L.GetTop(); n++ {
		parts = append(parts, L.ToStringMeta(L.Get(n)).String())
	}
	i.logger.Info(strings.Join(parts, "\t"), "source", "plugin")
	return 0
}

func (i *instance) Invoke(ctx context.Context, entryPoint string, args map[string]any) (any, error) {
	L := i.state
	fn, ok := L.GetGlobal(entryPoint).(*glua.LFunction)
	if !ok {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrUnknownEntryPoint, entryPoint)
	}
	ctx, done := i.enter(ctx)
	defer done()

	var in glua.LValue = glua.LNil
	if args != nil {
		in = toLua(L, args, 0)
	}
	if err := L.CallByParam(glua.P{Fn: fn, NRet: 1, Protect: true}, in); err != nil {
		return nil, i.wrap(ctx, err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	return fromLua(ret, 0), nil
}

func (i *instance) wrap(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	if strings.Contains(err.Error(), "registry overflow") {
		return fmt.Errorf("%w: %v", sandbox.ErrMemoryLimit, err)
	}
	return err
}

// MemoryBytes returns the largest metered estimate of the state, or zero
// when the state runs without a memory limit.
func (i *instance) MemoryBytes() int64 {
	if i.meter == nil {
		return 0
	}
	return i.meter.Bytes()
}

func (i *instance) Close(context.Context) error {
	i.state.Close()
	return nil
}
