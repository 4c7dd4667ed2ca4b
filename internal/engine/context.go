package engine

import (
	"github.com/dop251/goja"

	"github.com/GriffinCanCode/envhost/internal/check"
	"github.com/GriffinCanCode/envhost/internal/errors"
)

// EmbedderIndex addresses a per-context embedder data slot.
type EmbedderIndex int

const (
	// EmbedderEnvironment holds the environment bound to the context.
	EmbedderEnvironment EmbedderIndex = iota
	// EmbedderAllowWasmCodeGeneration holds the code generation flag read
	// by the default gate.
	EmbedderAllowWasmCodeGeneration
)

// PerContextScripts run, in order, against every new context.
var PerContextScripts = []string{
	"internal/per_context/primordials",
	"internal/per_context/domexception",
}

var perContextParams = []string{"global", "exports", "primordials"}

// ObjectTemplate populates the global object of a new context.
type ObjectTemplate func(vm *goja.Runtime, global *goja.Object) error

// Context is the global scope of an isolate.
type Context struct {
	iso         *Isolate
	global      *goja.Object
	exports     *goja.Object
	primordials *goja.Object
	embedder    map[EmbedderIndex]any
	disposed    bool
}

// NewContext creates the isolate's context and initializes it. An isolate
// has at most one live context. Initialization failures discard the
// context and are returned.
func NewContext(iso *Isolate, template ObjectTemplate) (*Context, error) {
	check.That(iso != nil, "engine.new_context", "isolate must not be nil")
	if iso.disposed {
		return nil, errors.InvalidState(errors.PhaseContext, "isolate %s is disposed", iso.id)
	}
	if iso.context != nil {
		return nil, errors.InvalidState(errors.PhaseContext, "isolate %s already has a live context", iso.id)
	}

	ctx := &Context{
		iso:      iso,
		global:   iso.vm.GlobalObject(),
		embedder: make(map[EmbedderIndex]any),
	}
	iso.context = ctx

	if template != nil {
		if err := template(iso.vm, ctx.global); err != nil {
			ctx.discard()
			return nil, errors.Wrap(errors.PhaseContext, errors.KindInvalidInput, err, "apply global template")
		}
	}
	if err := InitializeContext(ctx); err != nil {
		ctx.discard()
		return nil, err
	}
	return ctx, nil
}

// InitializeContext runs both initialization phases.
func InitializeContext(ctx *Context) error {
	if err := InitializeContextForSnapshot(ctx); err != nil {
		return err
	}
	InitializeContextRuntime(ctx)
	return nil
}

// InitializeContextForSnapshot performs the one-time setup: it enables
// WASM code generation, creates the prototype-less primordials object and
// runs the per-context scripts against it.
func InitializeContextForSnapshot(ctx *Context) error {
	check.That(ctx != nil, "engine.initialize_context", "context must not be nil")
	iso := ctx.iso
	ctx.SetEmbedderData(EmbedderAllowWasmCodeGeneration, true)

	return iso.WithContext(ctx, func() error {
		primordials := iso.vm.NewObject()
		if err := primordials.SetPrototype(nil); err != nil {
			return errors.Wrap(errors.PhaseContext, errors.KindExecution, err, "create primordials")
		}
		exports := GetPerContextExports(ctx)
		if err := exports.Set("primordials", primordials); err != nil {
			return errors.Wrap(errors.PhaseContext, errors.KindExecution, err, "expose primordials")
		}
		ctx.primordials = primordials

		for _, name := range PerContextScripts {
			fn, err := iso.loader.LookupAndCompile(iso.vm, name, perContextParams)
			if err != nil {
				return errors.Compile(errors.PhaseContext, name, err)
			}
			if _, err := fn(goja.Undefined(), ctx.global, exports, primordials); err != nil {
				return errors.Execution(errors.PhaseContext, name, err)
			}
		}
		return nil
	})
}

// InitializeContextRuntime strips legacy built-ins. Missing properties are
// not an error. It runs every time a context becomes live.
func InitializeContextRuntime(ctx *Context) {
	check.That(ctx != nil, "engine.initialize_context_runtime", "context must not be nil")
	deleteProperty(ctx.global, "Intl", "v8BreakIterator")
	deleteProperty(ctx.global, "Atomics", "wake")
}

func deleteProperty(global *goja.Object, holder, name string) {
	v := global.Get(holder)
	obj, ok := v.(*goja.Object)
	if !ok {
		return
	}
	_ = obj.Delete(name)
}

// GetPerContextExports returns the private exports object of ctx, creating
// it on first use. Scripts cannot reach it through the global object.
func GetPerContextExports(ctx *Context) *goja.Object {
	if ctx.exports == nil {
		ctx.exports = ctx.iso.vm.NewObject()
	}
	return ctx.exports
}

func (c *Context) Isolate() *Isolate { return c.iso }
func (c *Context) Runtime() *goja.Runtime { return c.iso.vm }
func (c *Context) Global() *goja.Object { return c.global }
func (c *Context) Primordials() *goja.Object { return c.primordials }
func (c *Context) Disposed() bool { return c.disposed }

// SetEmbedderData stores v in slot idx.
func (c *Context) SetEmbedderData(idx EmbedderIndex, v any) {
	c.embedder[idx] = v
}

// EmbedderData returns the value in slot idx.
func (c *Context) EmbedderData(idx EmbedderIndex) (any, bool) {
	v, ok := c.embedder[idx]
	return v, ok
}

// ClearEmbedderData empties slot idx.
func (c *Context) ClearEmbedderData(idx EmbedderIndex) {
	delete(c.embedder, idx)
}

// Dispose releases the context. The isolate may create a new one after.
func (c *Context) Dispose() {
	if c.disposed {
		return
	}
	c.discard()
}

func (c *Context) discard() {
	c.disposed = true
	clear(c.embedder)
	if c.iso.context == c {
		c.iso.context = nil
	}
}
