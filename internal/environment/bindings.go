package environment

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/dop251/goja"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/envhost/internal/allocator"
	"github.com/GriffinCanCode/envhost/internal/engine"
)

type bindingSetup func(env *Environment, b *goja.Object)

// bindingInitializer returns the constructor for an internal binding, or
// nil when no binding has that name.
func bindingInitializer(name string) bindingSetup {
	switch name {
	case "buffer":
		return setupBuffer
	case "errors":
		return setupErrors
	case "task_queue":
		return setupTaskQueue
	case "wasm":
		return setupWasm
	case "worker":
		return setupWorker
	default:
		return nil
	}
}

func (env *Environment) rangeError(format string, args ...any) *goja.Object {
	vm := env.iso.Runtime()
	msg := fmt.Sprintf(format, args...)
	if ctor, ok := goja.AssertConstructor(env.context.Primordials().Get("RangeError")); ok {
		if obj, err := ctor(nil, vm.ToValue(msg)); err == nil {
			return obj
		}
	}
	return vm.NewGoError(fmt.Errorf("%s", msg))
}

// Buffer binding

func setupBuffer(env *Environment, b *goja.Object) {
	alloc := env.data.allocator
	limit := maxBufferSize(alloc)

	_ = b.Set("kMaxLength", limit)
	_ = b.Set("alloc", func(call goja.FunctionCall) goja.Value {
		return env.newBuffer(call.Argument(0).ToInteger(), true)
	})
	_ = b.Set("allocUnsafe", func(call goja.FunctionCall) goja.Value {
		return env.newBuffer(call.Argument(0).ToInteger(), false)
	})
	_ = b.Set("free", func(call goja.FunctionCall) goja.Value {
		env.freeBuffer(env.arrayBufferArg(call.Argument(0)))
		return goja.Undefined()
	})
	_ = b.Set("realloc", func(call goja.FunctionCall) goja.Value {
		return env.reallocBuffer(env.arrayBufferArg(call.Argument(0)), call.Argument(1).ToInteger())
	})
	_ = b.Set("setZeroFill", func(call goja.FunctionCall) goja.Value {
		if z, ok := alloc.(allocator.ZeroFiller); ok {
			z.SetZeroFill(call.Argument(0).ToBoolean())
		}
		return goja.Undefined()
	})
}

func maxBufferSize(a allocator.Allocator) int64 {
	if d, ok := a.(*allocator.Debug); ok {
		a = d.Base()
	}
	if m, ok := a.(interface{ MaxBufferSize() int64 }); ok {
		return m.MaxBufferSize()
	}
	return allocator.DefaultMaxBufferSize
}

func (env *Environment) arrayBufferArg(v goja.Value) goja.ArrayBuffer {
	ab, ok := v.Export().(goja.ArrayBuffer)
	if !ok {
		panic(env.iso.Runtime().NewTypeError("argument must be an ArrayBuffer"))
	}
	return ab
}

func (env *Environment) newBuffer(size int64, zero bool) goja.Value {
	vm := env.iso.Runtime()
	if size < 0 || size > maxBufferSize(env.data.allocator) {
		panic(env.rangeError("Invalid array buffer length %d", size))
	}
	if !env.iso.ExternalMemoryAvailable(size) {
		panic(env.rangeError("Array buffer allocation failed"))
	}

	var buf []byte
	if zero {
		buf = env.data.allocator.Allocate(int(size))
	} else {
		buf = env.data.allocator.AllocateUninitialized(int(size))
	}
	if buf == nil {
		panic(env.rangeError("Array buffer allocation failed"))
	}
	env.trackBuffer(buf)
	return vm.ToValue(vm.NewArrayBuffer(buf))
}

func (env *Environment) trackBuffer(buf []byte) {
	env.buffers[unsafe.SliceData(buf)] = buf
	env.iso.AdjustExternalMemory(int64(len(buf)))
}

// untrackBuffer forgets the buffer backing ab and returns it.
func (env *Environment) untrackBuffer(ab goja.ArrayBuffer) []byte {
	data := ab.Bytes()
	if data == nil {
		panic(env.iso.Runtime().NewTypeError("buffer is detached"))
	}
	key := unsafe.SliceData(data)
	buf, ok := env.buffers[key]
	if !ok {
		panic(env.iso.Runtime().NewTypeError("buffer was not allocated by this environment"))
	}
	delete(env.buffers, key)
	env.iso.AdjustExternalMemory(-int64(len(buf)))
	return buf
}

func (env *Environment) freeBuffer(ab goja.ArrayBuffer) {
	buf := env.untrackBuffer(ab)
	env.data.allocator.Free(buf, len(buf))
	ab.Detach()
}

func (env *Environment) reallocBuffer(ab goja.ArrayBuffer, size int64) goja.Value {
	vm := env.iso.Runtime()
	if size < 0 || size > maxBufferSize(env.data.allocator) {
		panic(env.rangeError("Invalid array buffer length %d", size))
	}
	old := env.untrackBuffer(ab)
	if grow := size - int64(len(old)); grow > 0 && !env.iso.ExternalMemoryAvailable(grow) {
		env.trackBuffer(old)
		panic(env.rangeError("Array buffer allocation failed"))
	}

	buf := env.data.allocator.Reallocate(old, len(old), int(size))
	if size == 0 {
		ab.Detach()
		return env.newBuffer(0, true)
	}
	if buf == nil {
		env.trackBuffer(old)
		panic(env.rangeError("Array buffer allocation failed"))
	}
	env.trackBuffer(buf)
	ab.Detach()
	return vm.ToValue(vm.NewArrayBuffer(buf))
}

// releaseBuffers frees every buffer scripts did not release themselves.
func (env *Environment) releaseBuffers() {
	if len(env.buffers) == 0 {
		return
	}
	env.logger.Debug("Releasing script buffers", zap.Int("count", len(env.buffers)))
	for key, buf := range env.buffers {
		env.data.allocator.Free(buf, len(buf))
		env.iso.AdjustExternalMemory(-int64(len(buf)))
		delete(env.buffers, key)
	}
}

func (env *Environment) bufferBytes() int64 {
	var n int64
	for _, buf := range env.buffers {
		n += int64(len(buf))
	}
	return n
}

// Errors binding

func setupErrors(env *Environment, b *goja.Object) {
	vm := env.iso.Runtime()
	_ = b.Set("setPrepareStackTraceCallback", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("callback must be a function"))
		}
		env.prepareStackTrace = fn
		return goja.Undefined()
	})
	_ = b.Set("noSideEffectsToString", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(noSideEffectsToString(call.Argument(0)))
	})
}

func noSideEffectsToString(v goja.Value) string {
	if obj, ok := v.(*goja.Object); ok {
		return "[object " + obj.ClassName() + "]"
	}
	return v.String()
}

// Task queue binding

func setupTaskQueue(env *Environment, b *goja.Object) {
	vm := env.iso.Runtime()
	_ = b.Set("enqueueMicrotask", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("callback must be a function"))
		}
		env.iso.EnqueueMicrotask(func() error {
			_, err := fn(goja.Undefined())
			return err
		})
		return goja.Undefined()
	})
	_ = b.Set("runMicrotasks", func(goja.FunctionCall) goja.Value {
		// failures were already reported through the message listener
		_ = env.iso.PerformMicrotaskCheckpoint()
		return goja.Undefined()
	})
	_ = b.Set("postTask", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("callback must be a function"))
		}
		delay := call.Argument(1).ToFloat()
		env.postScriptTask(fn, delay)
		return goja.Undefined()
	})
}

// Wasm binding

func setupWasm(env *Environment, b *goja.Object) {
	_ = b.Set("compile", func(call goja.FunctionCall) goja.Value {
		code := env.bytesArg(call.Argument(0))
		m, err := env.iso.CompileWasm(env.context, code)
		if err != nil {
			throw(env.iso.Runtime(), err)
		}
		return env.wasmModuleObject(m)
	})
}

func (env *Environment) bytesArg(v goja.Value) []byte {
	switch data := v.Export().(type) {
	case goja.ArrayBuffer:
		return data.Bytes()
	case []byte:
		return data
	default:
		panic(env.iso.Runtime().NewTypeError("argument must be an ArrayBuffer or Uint8Array"))
	}
}

func (env *Environment) wasmModuleObject(m *engine.WasmModule) *goja.Object {
	vm := env.iso.Runtime()
	obj := vm.NewObject()
	names := m.Exports()
	_ = obj.Set("exports", vm.NewArray(toValues(vm, names)...))
	_ = obj.Set("instantiate", func(goja.FunctionCall) goja.Value {
		inst, err := m.Instantiate(context.Background())
		if err != nil {
			throw(vm, err)
		}
		exports := vm.NewObject()
		for _, name := range names {
			_ = exports.Set(name, env.wasmFunction(inst, name))
		}
		return exports
	})
	return obj
}

func (env *Environment) wasmFunction(inst *engine.WasmInstance, name string) func(goja.FunctionCall) goja.Value {
	vm := env.iso.Runtime()
	return func(call goja.FunctionCall) goja.Value {
		params, results, _ := inst.Signature(name)
		args := make([]uint64, len(params))
		for i, t := range params {
			v := call.Argument(i)
			switch t {
			case api.ValueTypeI32:
				args[i] = api.EncodeI32(int32(v.ToInteger()))
			case api.ValueTypeI64:
				args[i] = api.EncodeI64(v.ToInteger())
			case api.ValueTypeF32:
				args[i] = api.EncodeF32(float32(v.ToFloat()))
			case api.ValueTypeF64:
				args[i] = api.EncodeF64(v.ToFloat())
			default:
				panic(vm.NewTypeError(fmt.Sprintf("unsupported parameter type %s", api.ValueTypeName(t))))
			}
		}

		out, err := inst.Call(context.Background(), name, args...)
		if err != nil {
			throw(vm, err)
		}
		values := make([]any, len(out))
		for i, raw := range out {
			switch results[i] {
			case api.ValueTypeI32:
				values[i] = api.DecodeI32(raw)
			case api.ValueTypeI64:
				values[i] = int64(raw)
			case api.ValueTypeF32:
				values[i] = api.DecodeF32(raw)
			default:
				values[i] = api.DecodeF64(raw)
			}
		}
		switch len(values) {
		case 0:
			return goja.Undefined()
		case 1:
			return vm.ToValue(values[0])
		default:
			return vm.NewArray(values...)
		}
	}
}

// Worker binding

func setupWorker(env *Environment, b *goja.Object) {
	vm := env.iso.Runtime()
	_ = b.Set("threadId", uint64(env.threadID))
	_ = b.Set("isMainThread", env.IsMainThread())
	_ = b.Set("spawn", func(call goja.FunctionCall) goja.Value {
		source := call.Argument(0).String()
		var argv []string
		if arg := call.Argument(1); !goja.IsUndefined(arg) {
			if err := vm.ExportTo(arg, &argv); err != nil {
				panic(vm.NewTypeError("argv must be an array of strings"))
			}
		}
		onExit, _ := goja.AssertFunction(call.Argument(2))

		w, err := SpawnWorker(env, source, WorkerOptions{
			Argv: argv,
			OnExit: func(code int, werr error) {
				if onExit == nil {
					return
				}
				reason := goja.Undefined()
				if werr != nil {
					reason = vm.ToValue(werr.Error())
				}
				if _, err := env.iso.Call(onExit, nil, vm.ToValue(code), reason); err != nil {
					env.logger.Debug("Worker exit listener threw", zap.Error(err))
				}
			},
		})
		if err != nil {
			throw(vm, err)
		}

		handle := vm.NewObject()
		_ = handle.Set("threadId", uint64(w.ThreadID()))
		_ = handle.Set("terminate", func(goja.FunctionCall) goja.Value {
			w.Stop()
			return goja.Undefined()
		})
		return handle
	})
}
