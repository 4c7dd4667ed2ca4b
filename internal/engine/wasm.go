package engine

import (
	"context"
	"slices"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/GriffinCanCode/envhost/internal/errors"
)

// WasmModule is a compiled WebAssembly module owned by an isolate.
type WasmModule struct {
	iso      *Isolate
	compiled wazero.CompiledModule
}

// WasmInstance is an instantiated module.
type WasmInstance struct {
	module api.Module
	defs   map[string]api.FunctionDefinition
}

// CompileWasm compiles code after consulting the code generation gate for
// ctx. A denied request is a recoverable error.
func (iso *Isolate) CompileWasm(ctx *Context, code []byte) (*WasmModule, error) {
	if !iso.AllowWasmCodeGeneration(ctx) {
		return nil, errors.New(errors.PhaseRuntime, errors.KindDenied).
			Module("wasm").
			Detail("WebAssembly code generation disallowed by embedder").
			Build()
	}

	compiled, err := iso.wasmRuntime().CompileModule(context.Background(), code)
	if err != nil {
		return nil, errors.Compile(errors.PhaseRuntime, "wasm", err)
	}
	return &WasmModule{iso: iso, compiled: compiled}, nil
}

func (iso *Isolate) wasmRuntime() wazero.Runtime {
	if iso.wasm == nil {
		iso.wasm = wazero.NewRuntime(context.Background())
	}
	return iso.wasm
}

func (iso *Isolate) closeWasm() {
	if iso.wasm == nil {
		return
	}
	if err := iso.wasm.Close(context.Background()); err != nil {
		iso.logger.Warn("Failed to close wasm runtime")
	}
	iso.wasm = nil
}

// Exports lists exported function names in sorted order.
func (m *WasmModule) Exports() []string {
	defs := m.compiled.ExportedFunctions()
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Instantiate creates an anonymous instance of the module.
func (m *WasmModule) Instantiate(ctx context.Context) (*WasmInstance, error) {
	mod, err := m.iso.wasmRuntime().InstantiateModule(ctx, m.compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, errors.Execution(errors.PhaseRuntime, "wasm", err)
	}
	return &WasmInstance{module: mod, defs: m.compiled.ExportedFunctions()}, nil
}

// Signature returns the parameter and result types of an export.
func (i *WasmInstance) Signature(name string) (params, results []api.ValueType, ok bool) {
	def, ok := i.defs[name]
	if !ok {
		return nil, nil, false
	}
	return def.ParamTypes(), def.ResultTypes(), true
}

// Call invokes an exported function with raw encoded arguments.
func (i *WasmInstance) Call(ctx context.Context, name string, args ...uint64) ([]uint64, error) {
	fn := i.module.ExportedFunction(name)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseRuntime, "wasm export", name)
	}
	out, err := fn.Call(ctx, args...)
	if err != nil {
		return nil, errors.Execution(errors.PhaseRuntime, "wasm:"+name, err)
	}
	return out, nil
}

// Close releases the instance.
func (i *WasmInstance) Close(ctx context.Context) error {
	return i.module.Close(ctx)
}
