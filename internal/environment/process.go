package environment

import (
	"os"
	"runtime"
	"strings"

	"github.com/dop251/goja"

	"github.com/GriffinCanCode/envhost/internal/errors"
	"github.com/GriffinCanCode/envhost/internal/loader"
)

// moduleParams are the parameters every built-in module is compiled with.
var moduleParams = []string{"exports", "require", "module", "process", "internalBinding", "primordials"}

// newProcessObject builds the bare process object the bootstrap script
// turns into the process global.
func (env *Environment) newProcessObject() *goja.Object {
	vm := env.iso.Runtime()
	p := vm.NewObject()

	_ = p.Set("argv", vm.NewArray(toValues(vm, env.args)...))
	_ = p.Set("execArgv", vm.NewArray(toValues(vm, env.execArgs)...))
	_ = p.Set("version", Version)
	_ = p.Set("pid", os.Getpid())
	_ = p.Set("platform", runtime.GOOS)
	_ = p.Set("arch", runtime.GOARCH)
	_ = p.Set("cwd", func(goja.FunctionCall) goja.Value {
		dir, err := os.Getwd()
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(dir)
	})
	_ = p.Set("_linkedBinding", func(call goja.FunctionCall) goja.Value {
		return env.linkedBindingExports(call.Argument(0).String())
	})
	_ = p.Set("memoryUsage", func(goja.FunctionCall) goja.Value {
		usage := vm.NewObject()
		_ = usage.Set("external", env.iso.ExternalMemory())
		_ = usage.Set("heapLimit", env.iso.Constraints().MaxHeapSize)
		_ = usage.Set("arrayBuffers", env.bufferBytes())
		return usage
	})
	return p
}

func toValues(vm *goja.Runtime, ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = vm.ToValue(s)
	}
	return out
}

// requireFunc returns the require function handed to scripts. The
// internal variant may load internal/ modules; the public one may not.
func (env *Environment) requireFunc(internal bool) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		v, err := env.requireBuiltin(call.Argument(0).String(), internal)
		if err != nil {
			throw(env.iso.Runtime(), err)
		}
		return v
	}
}

// throw rethrows script exceptions unchanged and wraps anything else in a
// script Error.
func throw(vm *goja.Runtime, err error) {
	if exc, ok := err.(*goja.Exception); ok {
		panic(exc)
	}
	panic(vm.NewGoError(err))
}

// requireBuiltin loads and caches a built-in module.
func (env *Environment) requireBuiltin(name string, internal bool) (goja.Value, error) {
	name = strings.TrimPrefix(name, "node:")
	if name == "process" {
		return env.process, nil
	}
	if !internal && loader.IsInternal(name) {
		return nil, errors.NotFound(errors.PhaseLoader, "module", name)
	}
	if v, ok := env.modules[name]; ok {
		return v, nil
	}

	vm := env.iso.Runtime()
	fn, err := env.data.loader.LookupAndCompile(vm, name, moduleParams)
	if err != nil {
		return nil, err
	}

	exports := vm.NewObject()
	module := vm.NewObject()
	_ = module.Set("exports", exports)
	_ = module.Set("id", name)
	// cycles see the partially populated exports
	env.modules[name] = exports

	if _, err := fn(goja.Undefined(), exports, env.internalRequire, module, env.process,
		env.internalBinding, env.context.Primordials()); err != nil {
		delete(env.modules, name)
		return nil, err
	}
	result := module.Get("exports")
	env.modules[name] = result
	return result, nil
}

func (env *Environment) internalBindingFunc() func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		b, err := env.binding(call.Argument(0).String())
		if err != nil {
			throw(env.iso.Runtime(), err)
		}
		return b
	}
}

// binding returns the named internal binding, creating it on first use.
func (env *Environment) binding(name string) (*goja.Object, error) {
	if b, ok := env.bindings[name]; ok {
		return b, nil
	}
	setup := bindingInitializer(name)
	if setup == nil {
		return nil, errors.NotFound(errors.PhaseLoader, "internal binding", name)
	}
	b := env.iso.Runtime().NewObject()
	setup(env, b)
	env.bindings[name] = b
	return b, nil
}
