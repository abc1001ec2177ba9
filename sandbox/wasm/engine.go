// Package wasm runs WebAssembly plugins on wazero. Each instance gets its
// own runtime with a memory page ceiling, WASI without filesystem or
// environment, and the "trust" host module as its only bridge to the
// kernel.
//
// Entry points take either no parameters or one i64 holding a packed
// pointer and length of JSON arguments. An i64 result is read back as
// packed JSON; other results are returned as numbers.
package wasm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/reglet-dev/reglet-trust/capability"
	"github.com/reglet-dev/reglet-trust/plugin/entities"
	"github.com/reglet-dev/reglet-trust/sandbox"
)

// HostModule is the import module name of the host bridge.
const HostModule = "trust"

const pageSize = 64 * 1024

// Engine loads WASM plugins.
type Engine struct {
	cache     wazero.CompilationCache
	ownsCache bool
	logger    *slog.Logger
}

// New creates an engine with a private compilation cache unless one is
// supplied.
func New(opts ...Option) *Engine {
	e := &Engine{
		cache:     wazero.NewCompilationCache(),
		ownsCache: true,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Runtime() entities.Runtime { return entities.RuntimeWASM }

// Close releases the compilation cache if the engine owns it.
func (e *Engine) Close(ctx context.Context) error {
	if e.ownsCache {
		return e.cache.Close(ctx)
	}
	return nil
}

// Load instantiates the main module in a fresh runtime.
func (e *Engine) Load(ctx context.Context, spec sandbox.LoadSpec) (sandbox.Instance, error) {
	code, ok := spec.Code()
	if !ok {
		return nil, fmt.Errorf("main module %q not in bundle", spec.Main)
	}
	logger := spec.Logger
	if logger == nil {
		logger = e.logger
	}

	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithCompilationCache(e.cache)
	if pages := memoryPages(spec.Limits.MaxMemoryBytes); pages > 0 {
		cfg = cfg.WithMemoryLimitPages(pages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	inst := &instance{runtime: rt, host: spec.Host, logger: logger}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}
	if err := inst.registerHostFunctions(ctx); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to register host functions: %w", err)
	}

	mod, err := rt.InstantiateWithConfig(ctx, code,
		wazero.NewModuleConfig().WithName(spec.PluginID).WithStartFunctions())
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate module: %w", inst.wrap(ctx, err))
	}
	inst.module = mod

	if init := mod.ExportedFunction("_initialize"); init != nil {
		if _, err := init.Call(ctx); err != nil {
			_ = rt.Close(ctx)
			return nil, fmt.Errorf("failed to call _initialize: %w", inst.wrap(ctx, err))
		}
	}
	return inst, nil
}

func memoryPages(limit int64) uint32 {
	if limit <= 0 {
		return 0
	}
	pages := limit / pageSize
	if pages < 1 {
		pages = 1
	}
	if pages > 65536 {
		pages = 65536
	}
	return uint32(pages) //nolint:gosec // clamped above
}

type instance struct {
	runtime wazero.Runtime
	module  api.Module
	host    sandbox.Host
	logger  *slog.Logger
}

func (i *instance) registerHostFunctions(ctx context.Context) error {
	_, err := i.runtime.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(i.call), []api.ValueType{api.ValueTypeI64}, []api.ValueType{api.ValueTypeI64}).
		Export("call").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(i.logMessage), []api.ValueType{api.ValueTypeI64}, []api.ValueType{}).
		Export("log_message").
		Instantiate(ctx)
	return err
}

type callRequest struct {
	Capability string         `json:"capability"`
	Args       map[string]any `json:"args,omitempty"`
}

type callResponse struct {
	Value any        `json:"value,omitempty"`
	Error *callError `json:"error,omitempty"`
}

type callError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// call implements the call host function: packed JSON callRequest in,
// packed JSON callResponse out. A denial is a response, never a trap.
func (i *instance) call(ctx context.Context, mod api.Module, stack []uint64) {
	var resp callResponse
	var req callRequest
	if err := readJSON(mod, stack[0], &req); err != nil {
		resp.Error = &callError{Code: "InvalidRequest", Message: err.Error()}
	} else if c, err := capability.Parse(req.Capability); err != nil {
		resp.Error = &callError{Code: "InvalidCapability", Message: err.Error()}
	} else if v, err := i.host.Call(ctx, c.Name, c.Scope, req.Args); err != nil {
		resp.Error = &callError{Code: sandbox.ErrorCode(err), Message: err.Error()}
	} else {
		resp.Value = v
	}

	packed, err := writeJSON(ctx, mod, resp)
	if err != nil {
		i.logger.ErrorContext(ctx, "wasm: failed to write call response", "capability", req.Capability, "error", err)
		packed = 0
	}
	stack[0] = packed
}


func (i *instance) Invoke(ctx context.Context, entryPoint string, args map[string]any) (any, error) {
	fn := i.module.ExportedFunction(entryPoint)
	if fn == nil {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrUnknownEntryPoint, entryPoint)
	}
	def := fn.Definition()

	var params []uint64
	switch pt := def.ParamTypes(); {
	case len(pt) == 0:
	case len(pt) == 1 && pt[0] == api.ValueTypeI64:
		packed := uint64(0)
		if args != nil {
			p, err := writeJSON(ctx, i.module, args)
			if err != nil {
				return nil, err
			}
			packed = p
		}
		params = []uint64{packed}
	default:
		return nil, fmt.Errorf("entry point %s has unsupported signature %v", entryPoint, pt)
	}

	res, err := fn.Call(ctx, params...)
	if err != nil {
		return nil, i.wrap(ctx, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	if rt := def.ResultTypes(); rt[0] == api.ValueTypeI64 && i.module.Memory() != nil {
		var out any
		if err := readJSON(i.module, res[0], &out); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		return out, nil
	}
	return res[0], nil
}

func (i *instance) wrap(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return err
}

func (i *instance) MemoryBytes() int64 {
	if i.module == nil || i.module.Memory() == nil {
		return 0
	}
	return int64(i.module.Memory().Size())
}

func (i *instance) Close(ctx context.Context) error {
	return i.runtime.Close(ctx)
}
