package engine

import (
	stderrors "errors"
	"sync/atomic"

	"github.com/dop251/goja"
	"github.com/dop251/goja/parser"
	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/envhost/internal/allocator"
	"github.com/GriffinCanCode/envhost/internal/check"
	"github.com/GriffinCanCode/envhost/internal/errors"
	"github.com/GriffinCanCode/envhost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/envhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/envhost/internal/loader"
	"github.com/GriffinCanCode/envhost/internal/platform"
	"github.com/GriffinCanCode/envhost/internal/shared/id"
)

// Isolate is one script engine instance.
type Isolate struct {
	id       id.IsolateID
	vm       *goja.Runtime
	alloc    allocator.Allocator
	platform *platform.Platform
	loop     *platform.EventLoop
	loader   *loader.Loader
	logger   *zap.Logger
	metrics  *monitoring.Metrics

	settings    Settings
	handlers    Handlers
	constraints ResourceConstraints

	context       *Context
	scopes        []*Context
	callDepth     int
	microtasks    []func() error
	checkpointing bool
	data          any
	external      atomic.Int64
	wasm          wazero.Runtime
	disposed      bool
}

type isolateOptions struct {
	settings Settings
	defaults Handlers
	loader   *loader.Loader
	logger   *zap.Logger
	metrics  *monitoring.Metrics
	probe    MemoryProbe
}

// IsolateOption configures NewIsolate.
type IsolateOption func(*isolateOptions)

// WithSettings sets flags, the microtask policy and handler overrides.
func WithSettings(s Settings) IsolateOption {
	return func(o *isolateOptions) { o.settings = s }
}

// WithDefaults supplies the handlers used for slots Settings leaves unset.
// Slots left unset here fall back to the engine's built-in handlers.
func WithDefaults(h Handlers) IsolateOption {
	return func(o *isolateOptions) { o.defaults = h }
}

// WithLoader selects the module loader for per-context scripts.
func WithLoader(l *loader.Loader) IsolateOption {
	return func(o *isolateOptions) { o.loader = l }
}

func WithLogger(l *zap.Logger) IsolateOption {
	return func(o *isolateOptions) { o.logger = l }
}

func WithMetrics(m *monitoring.Metrics) IsolateOption {
	return func(o *isolateOptions) { o.metrics = m }
}

// WithMemoryProbe replaces the host memory probe.
func WithMemoryProbe(p MemoryProbe) IsolateOption {
	return func(o *isolateOptions) { o.probe = p }
}

// NewIsolate creates an isolate bound to alloc and registered with p.
// A nil allocator, loop or platform is fatal.
func NewIsolate(alloc allocator.Allocator, loop *platform.EventLoop, p *platform.Platform, opts ...IsolateOption) (*Isolate, error) {
	check.NotNil(alloc, "engine.new_isolate", "allocator")
	check.That(loop != nil, "engine.new_isolate", "event loop must not be nil")
	check.That(p != nil, "engine.new_isolate", "platform must not be nil")

	o := isolateOptions{settings: DefaultSettings(), probe: SystemMemory}
	for _, opt := range opts {
		opt(&o)
	}
	switch o.settings.MicrotasksPolicy {
	case MicrotasksAuto, MicrotasksExplicit, MicrotasksScoped:
	default:
		return nil, errors.InvalidInput(errors.PhaseContext, "unknown microtasks policy "+o.settings.MicrotasksPolicy.String())
	}
	if o.loader == nil {
		o.loader = loader.Default()
	}

	isoID := id.NewIsolateID()
	iso := &Isolate{
		id:       isoID,
		vm:       goja.New(),
		alloc:    alloc,
		platform: p,
		loop:     loop,
		loader:   o.loader,
		logger:   logging.OrNop(o.logger).Named("engine").With(logging.IsolateID(isoID.String())),
		metrics:  o.metrics,
		settings: o.settings,
	}

	// registration comes first so initialization can post platform work
	p.RegisterIsolate(iso, loop)

	iso.constraints = ConfigureDefaults(AvailableMemory(o.probe))
	iso.vm.SetMaxCallStackSize(iso.constraints.MaxCallStackSize)
	if o.settings.Flags&DetailedSourcePositionsForProfiling == 0 {
		iso.vm.SetParserOptions(parser.WithDisableSourceMaps)
	}

	iso.handlers = Resolve(o.settings, o.defaults.Or(builtinHandlers(iso)))
	iso.vm.SetPromiseRejectionTracker(func(promise *goja.Promise, op goja.PromiseRejectionOperation) {
		iso.handlers.PromiseReject(iso.CurrentContext(), promise, op)
	})

	iso.logger.Debug("Isolate created",
		zap.Uint64("max_heap_size", iso.constraints.MaxHeapSize),
		zap.Stringer("microtasks_policy", o.settings.MicrotasksPolicy),
	)
	return iso, nil
}

func (iso *Isolate) ID() id.IsolateID { return iso.id }
func (iso *Isolate) Runtime() *goja.Runtime { return iso.vm }
func (iso *Isolate) Allocator() allocator.Allocator { return iso.alloc }
func (iso *Isolate) Platform() *platform.Platform { return iso.platform }
func (iso *Isolate) Loop() *platform.EventLoop { return iso.loop }
func (iso *Isolate) Loader() *loader.Loader { return iso.loader }
func (iso *Isolate) Logger() *zap.Logger { return iso.logger }
func (iso *Isolate) Metrics() *monitoring.Metrics { return iso.metrics }
func (iso *Isolate) Settings() Settings { return iso.settings }
func (iso *Isolate) Handlers() Handlers { return iso.handlers }
func (iso *Isolate) Constraints() ResourceConstraints { return iso.constraints }
func (iso *Isolate) Disposed() bool { return iso.disposed }

// SetData attaches embedder state, typically the environment.
func (iso *Isolate) SetData(v any) { iso.data = v }

// Data returns the embedder state.
func (iso *Isolate) Data() any { return iso.data }

// MainContext returns the isolate's live context, if any.
func (iso *Isolate) MainContext() *Context { return iso.context }

// Enter makes ctx the current context.
func (iso *Isolate) Enter(ctx *Context) {
	check.That(ctx != nil && ctx.iso == iso, "engine.enter", "context does not belong to isolate %s", iso.id)
	iso.scopes = append(iso.scopes, ctx)
}

// Exit leaves the innermost context scope. Leaving the outermost scope
// runs a microtask checkpoint under the scoped policy.
func (iso *Isolate) Exit() error {
	check.That(len(iso.scopes) > 0, "engine.exit", "no context scope to exit")
	iso.scopes[len(iso.scopes)-1] = nil
	iso.scopes = iso.scopes[:len(iso.scopes)-1]
	if len(iso.scopes) == 0 && iso.settings.MicrotasksPolicy == MicrotasksScoped {
		return iso.PerformMicrotaskCheckpoint()
	}
	return nil
}

// WithContext runs fn inside a scope for ctx.
func (iso *Isolate) WithContext(ctx *Context, fn func() error) (err error) {
	iso.Enter(ctx)
	exited := false
	defer func() {
		if !exited {
			// unwinding a panic; keep the scope stack balanced
			iso.scopes = iso.scopes[:len(iso.scopes)-1]
		}
	}()
	err = fn()
	exited = true
	if exitErr := iso.Exit(); err == nil {
		err = exitErr
	}
	return err
}

// ScopeDepth returns the number of entered context scopes.
func (iso *Isolate) ScopeDepth() int { return len(iso.scopes) }

// CurrentContext returns the innermost entered context, falling back to the
// main context.
func (iso *Isolate) CurrentContext() *Context {
	if n := len(iso.scopes); n > 0 {
		return iso.scopes[n-1]
	}
	return iso.context
}

// RunScript compiles and runs src as a classic script.
func (iso *Isolate) RunScript(name, src string) (goja.Value, error) {
	return iso.run(name, func() (goja.Value, error) {
		return iso.vm.RunScript(name, src)
	})
}

// Call invokes fn. Exceptions escaping a top-level call are reported.
func (iso *Isolate) Call(fn goja.Callable, this goja.Value, args ...goja.Value) (goja.Value, error) {
	check.That(fn != nil, "engine.call", "function must not be nil")
	if this == nil {
		this = goja.Undefined()
	}
	return iso.run("", func() (goja.Value, error) {
		return fn(this, args...)
	})
}

// CallModule is Call with the module name recorded on errors.
func (iso *Isolate) CallModule(module string, fn goja.Callable, args ...goja.Value) (goja.Value, error) {
	check.That(fn != nil, "engine.call", "function must not be nil")
	return iso.run(module, func() (goja.Value, error) {
		return fn(goja.Undefined(), args...)
	})
}

func (iso *Isolate) run(module string, body func() (goja.Value, error)) (goja.Value, error) {
	check.That(!iso.disposed, "engine.run", "isolate %s is disposed", iso.id)

	iso.callDepth++
	v, err := func() (goja.Value, error) {
		defer func() { iso.callDepth-- }()
		return body()
	}()

	if iso.callDepth > 0 {
		// nested call from a host function; the outer frame reports
		return v, err
	}
	if err != nil {
		return nil, iso.handleError(module, err)
	}
	if iso.settings.MicrotasksPolicy == MicrotasksAuto {
		if err := iso.PerformMicrotaskCheckpoint(); err != nil {
			return v, err
		}
	}
	return v, nil
}

// handleError converts an engine error into a recoverable error, consulting
// the abort predicate for uncaught exceptions.
func (iso *Isolate) handleError(module string, err error) error {
	var interrupted *goja.InterruptedError
	if stderrors.As(err, &interrupted) {
		return errors.New(errors.PhaseRuntime, errors.KindTerminated).
			Module(module).
			Cause(err).
			Detail("execution interrupted: %v", interrupted.Value()).
			Build()
	}

	var syntax *goja.CompilerSyntaxError
	if stderrors.As(err, &syntax) {
		iso.ReportMessage(MessageError, syntax.Error())
		return errors.Compile(errors.PhaseRuntime, module, err)
	}

	var exc *goja.Exception
	if stderrors.As(err, &exc) {
		msg := iso.ReportUncaught(exc)
		return errors.New(errors.PhaseRuntime, errors.KindExecution).
			Module(module).
			Cause(err).
			Detail("%s", msg).
			Build()
	}
	return errors.Execution(errors.PhaseRuntime, module, err)
}

// ReportUncaught runs the uncaught-exception protocol for exc and returns
// the prepared stack trace. When abort-on-uncaught is enabled and the
// predicate agrees, the fatal error handler runs and does not return.
func (iso *Isolate) ReportUncaught(exc *goja.Exception) string {
	msg := iso.handlers.PrepareStackTrace(iso.CurrentContext(), exc)
	if iso.settings.AbortOnUncaughtException && iso.handlers.ShouldAbortOnUncaughtException(iso) {
		iso.metrics.UncaughtException("abort")
		iso.handlers.FatalError("uncaught exception", msg)
		check.Fail("engine.uncaught_exception", "fatal error handler returned: %s", msg)
	}
	iso.metrics.UncaughtException("reported")
	iso.ReportMessage(MessageError, msg)
	return msg
}

// ReportMessage delivers msg to the message listener. Warnings are only
// delivered with MessageListenerWithErrorLevel.
func (iso *Isolate) ReportMessage(level MessageLevel, msg string) {
	if level == MessageWarning && iso.settings.Flags&MessageListenerWithErrorLevel == 0 {
		return
	}
	iso.handlers.Message(iso, level, msg)
}

// FatalError invokes the resolved fatal error handler.
func (iso *Isolate) FatalError(location, message string) {
	iso.handlers.FatalError(location, message)
}

// EnqueueMicrotask queues fn for the next checkpoint.
func (iso *Isolate) EnqueueMicrotask(fn func() error) {
	check.That(fn != nil, "engine.enqueue_microtask", "microtask must not be nil")
	iso.microtasks = append(iso.microtasks, fn)
}

// PendingMicrotasks returns the number of queued microtasks.
func (iso *Isolate) PendingMicrotasks() int { return len(iso.microtasks) }

// PerformMicrotaskCheckpoint runs queued microtasks, including ones queued
// while it runs, until the queue is empty. Failures are reported and the
// first one is returned. Re-entrant calls are no-ops.
func (iso *Isolate) PerformMicrotaskCheckpoint() error {
	if iso.checkpointing {
		return nil
	}
	iso.checkpointing = true
	defer func() { iso.checkpointing = false }()

	var first error
	for len(iso.microtasks) > 0 {
		task := iso.microtasks[0]
		iso.microtasks[0] = nil
		iso.microtasks = iso.microtasks[1:]

		iso.callDepth++
		err := func() error {
			defer func() { iso.callDepth-- }()
			return task()
		}()
		if err != nil {
			err = iso.handleError("microtask", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// AllowWasmCodeGeneration consults the code generation gate for ctx.
func (iso *Isolate) AllowWasmCodeGeneration(ctx *Context) bool {
	return iso.handlers.AllowWasmCodeGeneration(ctx)
}

// ScheduleFinalizationCleanup hands group to the host cleanup handler.
func (iso *Isolate) ScheduleFinalizationCleanup(group FinalizationGroup) {
	check.That(group.Cleanup != nil, "engine.schedule_finalization_cleanup", "group %q has no cleanup", group.Name)
	iso.handlers.HostCleanupFinalizationGroup(iso.CurrentContext(), group)
}

// AdjustExternalMemory records delta bytes of memory held by script
// objects outside the runtime, such as array buffers, and returns the new
// total.
func (iso *Isolate) AdjustExternalMemory(delta int64) int64 {
	return iso.external.Add(delta)
}

// ExternalMemory returns the recorded external memory.
func (iso *Isolate) ExternalMemory() int64 { return iso.external.Load() }

// ExternalMemoryAvailable reports whether n more bytes fit the heap budget.
func (iso *Isolate) ExternalMemoryAvailable(n int64) bool {
	if !iso.constraints.Configured() {
		return true
	}
	return iso.external.Load()+n <= int64(iso.constraints.MaxHeapSize)
}

// Interrupt aborts running JavaScript with reason. Safe from any goroutine.
func (iso *Isolate) Interrupt(reason any) {
	iso.vm.Interrupt(reason)
}

// ClearInterrupt resets a pending interrupt. Safe from any goroutine.
func (iso *Isolate) ClearInterrupt() {
	iso.vm.ClearInterrupt()
}

// Dispose releases the isolate and unregisters it from the platform. The
// attached environment must be gone. Safe to call more than once.
func (iso *Isolate) Dispose() {
	if iso.disposed {
		return
	}
	check.That(iso.data == nil, "engine.dispose", "isolate %s still has embedder data attached", iso.id)

	iso.disposed = true
	if iso.context != nil {
		iso.context.Dispose()
	}
	iso.closeWasm()
	iso.microtasks = nil
	iso.platform.UnregisterIsolate(iso)
	iso.logger.Debug("Isolate disposed")
}
