package environment

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/envhost/internal/check"
	"github.com/GriffinCanCode/envhost/internal/engine"
	"github.com/GriffinCanCode/envhost/internal/errors"
	"github.com/GriffinCanCode/envhost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/envhost/internal/inspector"
	"github.com/GriffinCanCode/envhost/internal/platform"
	"github.com/GriffinCanCode/envhost/internal/shared/id"
	"github.com/GriffinCanCode/envhost/internal/threadid"
)

// Version is reported as process.version.
const Version = "v0.1.0"

// Flags select optional environment behaviours.
type Flags uint32

const (
	FlagDefault Flags = 0
	// FlagOwnsProcessState marks the environment as responsible for
	// process-wide state. Such an environment does not abort on uncaught
	// exceptions.
	FlagOwnsProcessState Flags = 1 << iota
	// FlagOwnsInspector marks the environment as owning the inspector.
	FlagOwnsInspector
	// FlagPrepareForExecution runs the prepare step after bootstrapping.
	FlagPrepareForExecution
)

// Has reports whether all bits of f2 are set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// State is the lifecycle position of an environment.
type State int

const (
	StateConstructed State = iota
	StateBootstrapped
	StatePrepared
	StateRunning
	StateCleaningUp
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateBootstrapped:
		return "bootstrapped"
	case StatePrepared:
		return "prepared"
	case StateRunning:
		return "running"
	case StateCleaningUp:
		return "cleaning_up"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// transitions lists the permitted lifecycle edges.
var transitions = map[State][]State{
	StateConstructed:  {StateBootstrapped, StateCleaningUp},
	StateBootstrapped: {StatePrepared, StateRunning, StateCleaningUp},
	StatePrepared:     {StateRunning, StateCleaningUp},
	StateRunning:      {StateCleaningUp},
	StateCleaningUp:   {StateDestroyed},
}

// CleanupHandle identifies a registered cleanup hook.
type CleanupHandle uint64

type cleanupHook struct {
	handle  CleanupHandle
	fn      func()
	removed bool
}

type rejection struct {
	reason goja.Value
	warned bool
}

// Environment is one execution unit bound to an isolate and a context.
type Environment struct {
	id       id.EnvironmentID
	data     *IsolateData
	iso      *engine.Isolate
	context  *engine.Context
	args     []string
	execArgs []string
	flags    Flags
	threadID threadid.ThreadID
	worker   *Worker
	logger   *zap.Logger
	created  time.Time

	mu    sync.RWMutex
	state State

	stopping        atomic.Bool
	abortOnUncaught bool
	abortToggle     atomic.Bool
	noAbortDepth    int

	hooks    []*cleanupHook
	nextHook CleanupHandle
	atExit   []func()

	linkedMu sync.Mutex
	linked   []*LinkedBinding
	linkedJS map[*LinkedBinding]*goja.Object

	workersMu sync.Mutex
	workers   map[*Worker]struct{}

	finalizeMu sync.Mutex
	finalize   []engine.FinalizationGroup

	process           *goja.Object
	internalRequire   goja.Value
	publicRequire     goja.Value
	internalBinding   goja.Value
	modules           map[string]goja.Value
	bindings          map[string]*goja.Object
	buffers           map[*byte][]byte
	prepareStackTrace goja.Callable
	rejections        map[*goja.Promise]*rejection

	session           inspector.Session
	mainModule        string
	loaded            bool
	bootstrapComplete bool
	counted           bool
}

func newEnvironment(data *IsolateData, ctx *engine.Context, args, execArgs []string, flags Flags, tid threadid.ThreadID) *Environment {
	envID := id.NewEnvironmentID()
	env := &Environment{
		id:              envID,
		data:            data,
		iso:             data.isolate,
		context:         ctx,
		args:            append([]string(nil), args...),
		execArgs:        append([]string(nil), execArgs...),
		flags:           flags,
		threadID:        tid,
		created:         time.Now(),
		abortOnUncaught: true,
		workers:         make(map[*Worker]struct{}),
		linkedJS:        make(map[*LinkedBinding]*goja.Object),
		modules:         make(map[string]goja.Value),
		bindings:        make(map[string]*goja.Object),
		buffers:         make(map[*byte][]byte),
		rejections:      make(map[*goja.Promise]*rejection),
		logger: data.logger.Named("environment").With(
			logging.EnvID(envID.String()),
			logging.ThreadID(uint64(tid)),
		),
	}
	env.abortToggle.Store(true)
	if flags.Has(FlagOwnsProcessState) {
		env.abortOnUncaught = false
	}

	env.iso.SetData(env)
	ctx.SetEmbedderData(engine.EmbedderEnvironment, env)

	// Runs last: buffers still referenced by other hooks stay valid.
	env.nextHook++
	env.hooks = append(env.hooks, &cleanupHook{handle: env.nextHook, fn: env.releaseBuffers})

	env.data.metrics.Transition(StateConstructed.String())
	return env
}

// CreateEnvironment binds a new environment to ctx and bootstraps it. With
// FlagPrepareForExecution the prepare step runs too. On failure the
// partially built environment is freed and an error returned.
func CreateEnvironment(data *IsolateData, ctx *engine.Context, args, execArgs []string, flags Flags, tid threadid.ThreadID) (*Environment, error) {
	return create(data, ctx, args, execArgs, flags, tid, nil)
}

// create builds an environment; w is non-nil for worker environments.
func create(data *IsolateData, ctx *engine.Context, args, execArgs []string, flags Flags, tid threadid.ThreadID, w *Worker) (*Environment, error) {
	check.That(data != nil, "environment.create", "isolate data must not be nil")
	check.That(ctx != nil, "environment.create", "context must not be nil")
	check.That(ctx.Isolate() == data.isolate, "environment.create", "context belongs to a different isolate")
	check.That(tid.Valid(), "environment.create", "thread id must not be the invalid sentinel")

	if data.isolate.Disposed() || ctx.Disposed() {
		return nil, errors.InvalidState(errors.PhaseBootstrap, "isolate or context is disposed")
	}
	if data.isolate.Data() != nil {
		return nil, errors.InvalidState(errors.PhaseBootstrap, "isolate %s already hosts an environment", data.isolate.ID())
	}

	var env *Environment
	err := data.isolate.WithContext(ctx, func() error {
		env = newEnvironment(data, ctx, args, execArgs, flags, tid)
		env.worker = w
		if err := env.runBootstrapping(); err != nil {
			return err
		}
		if !flags.Has(FlagPrepareForExecution) {
			return nil
		}
		return env.prepareForExecution()
	})
	if err != nil {
		phase := errors.PhaseBootstrap
		if e, ok := err.(*errors.Error); ok {
			phase = e.Phase
		}
		data.metrics.EnvironmentFailed(string(phase))
		if env != nil {
			env.logger.Warn("Environment creation failed", zap.Error(err))
			FreeEnvironment(env)
		}
		return nil, err
	}

	data.metrics.EnvironmentCreated()
	env.counted = true
	env.logger.Debug("Environment created",
		zap.Bool("prepared", flags.Has(FlagPrepareForExecution)),
		zap.Int("args", len(args)),
	)
	return env, nil
}

func (env *Environment) runBootstrapping() error {
	vm := env.iso.Runtime()
	env.process = env.newProcessObject()
	env.internalRequire = vm.ToValue(env.requireFunc(true))
	env.publicRequire = vm.ToValue(env.requireFunc(false))
	env.internalBinding = vm.ToValue(env.internalBindingFunc())

	const name = "internal/bootstrap/node"
	if _, err := env.executeBootstrapper(name, []string{"process", "require", "internalBinding", "primordials"},
		env.process, env.internalRequire, env.internalBinding, env.context.Primordials()); err != nil {
		return rephase(errors.PhaseBootstrap, name, err)
	}
	return env.transition(StateBootstrapped)
}

func (env *Environment) prepareForExecution() error {
	vm := env.iso.Runtime()
	mark := vm.ToValue(func(goja.FunctionCall) goja.Value {
		env.bootstrapComplete = true
		return goja.Undefined()
	})

	const name = "internal/bootstrap/environment"
	if _, err := env.executeBootstrapper(name, []string{"require", "markBootstrapComplete"},
		env.internalRequire, mark); err != nil {
		return rephase(errors.PhasePrepare, name, err)
	}
	return env.transition(StatePrepared)
}

// executeBootstrapper compiles a native module with params and calls it
// with args.
func (env *Environment) executeBootstrapper(name string, params []string, args ...goja.Value) (goja.Value, error) {
	fn, err := env.data.loader.LookupAndCompile(env.iso.Runtime(), name, params)
	if err != nil {
		return nil, err
	}
	return env.iso.CallModule(name, fn, args...)
}

// rephase re-labels an engine or loader error with the lifecycle phase
// it surfaced in.
func rephase(phase errors.Phase, module string, err error) error {
	kind := errors.KindExecution
	if e, ok := err.(*errors.Error); ok {
		kind = e.Kind
	}
	return errors.New(phase, kind).Module(module).Cause(err).Build()
}

func (env *Environment) transition(to State) error {
	env.mu.Lock()
	defer env.mu.Unlock()

	for _, allowed := range transitions[env.state] {
		if allowed == to {
			env.state = to
			env.data.metrics.Transition(to.String())
			return nil
		}
	}
	return errors.InvalidState(errors.PhaseRuntime, "cannot move environment from %s to %s", env.state, to)
}

// FreeEnvironment stops env and its workers, runs cleanup hooks and
// at-exit callbacks inside a context scope, drains the platform for the
// isolate and releases the environment. Calling it again is a no-op.
func FreeEnvironment(env *Environment) {
	check.That(env != nil, "environment.free", "environment must not be nil")

	env.mu.Lock()
	if env.state == StateCleaningUp || env.state == StateDestroyed {
		env.mu.Unlock()
		return
	}
	env.state = StateCleaningUp
	env.mu.Unlock()
	env.data.metrics.Transition(StateCleaningUp.String())

	start := time.Now()
	// a pending Stop must not cut cleanup hooks short, and a later one must
	// not re-arm the interrupt
	env.stopping.Store(true)
	env.iso.ClearInterrupt()
	err := env.iso.WithContext(env.context, func() error {
		env.stopping.Store(true)
		env.stopSubWorkers()
		env.runCleanup()
		env.runAtExit()
		return nil
	})
	if err != nil {
		env.logger.Warn("Microtasks failed while leaving cleanup scope", zap.Error(err))
	}

	env.data.platform.DrainTasks(env.iso)

	if env.session != nil {
		env.session.Detach()
	}
	if env.mainModule != "" {
		env.data.loader.Remove(env.mainModule)
	}
	env.context.ClearEmbedderData(engine.EmbedderEnvironment)
	env.iso.SetData(nil)

	if err := env.transition(StateDestroyed); err != nil {
		env.logger.Error("Unexpected state after cleanup", zap.Error(err))
	}
	if env.counted {
		env.data.metrics.EnvironmentDestroyed(time.Since(start))
	}
	env.logger.Debug("Environment destroyed", zap.Duration("cleanup", time.Since(start)))
}

// Stop requests that env stop running script. Safe to call from any
// goroutine; FreeEnvironment is still required afterwards.
func Stop(env *Environment) {
	check.That(env != nil, "environment.stop", "environment must not be nil")
	if env.stopping.Swap(true) {
		return
	}
	env.iso.Interrupt("environment stopped")
	env.iso.Loop().Wake()
}

// AddCleanupHook registers fn to run during FreeEnvironment. Hooks run in
// reverse registration order, each at most once.
func (env *Environment) AddCleanupHook(fn func()) (CleanupHandle, error) {
	check.That(fn != nil, "environment.add_cleanup_hook", "hook must not be nil")
	if env.State() >= StateCleaningUp {
		return 0, errors.InvalidState(errors.PhaseCleanup, "cleanup has already started")
	}
	env.nextHook++
	env.hooks = append(env.hooks, &cleanupHook{handle: env.nextHook, fn: fn})
	return env.nextHook, nil
}

// RemoveCleanupHook unregisters a hook. Unknown or already run handles are
// ignored.
func (env *Environment) RemoveCleanupHook(h CleanupHandle) {
	for _, hook := range env.hooks {
		if hook.handle == h {
			hook.removed = true
			return
		}
	}
}

// AtExit registers fn to run after the cleanup hooks. Callbacks run in
// reverse registration order.
func (env *Environment) AtExit(fn func()) error {
	check.That(fn != nil, "environment.at_exit", "callback must not be nil")
	if env.State() >= StateCleaningUp {
		return errors.InvalidState(errors.PhaseCleanup, "cleanup has already started")
	}
	env.atExit = append(env.atExit, fn)
	return nil
}

func (env *Environment) runCleanup() {
	hooks := env.hooks
	env.hooks = nil
	for i := len(hooks) - 1; i >= 0; i-- {
		if hooks[i].removed {
			continue
		}
		hooks[i].removed = true
		hooks[i].fn()
	}
	env.cleanupFinalizationGroups()
}

func (env *Environment) runAtExit() {
	cbs := env.atExit
	env.atExit = nil
	for i := len(cbs) - 1; i >= 0; i-- {
		cbs[i]()
	}
}

// RegisterFinalizationGroupForCleanup queues group and schedules a task to
// run the queued groups. Groups still queued at cleanup run then.
func (env *Environment) RegisterFinalizationGroupForCleanup(group engine.FinalizationGroup) {
	env.finalizeMu.Lock()
	first := len(env.finalize) == 0
	env.finalize = append(env.finalize, group)
	env.finalizeMu.Unlock()

	if first {
		env.data.platform.PostTask(env.iso, env.cleanupFinalizationGroups)
	}
}

func (env *Environment) cleanupFinalizationGroups() {
	env.finalizeMu.Lock()
	groups := env.finalize
	env.finalize = nil
	env.finalizeMu.Unlock()

	for _, g := range groups {
		if g.Cleanup != nil {
			g.Cleanup()
		}
	}
}

// EmitProcessExit marks the process object as exiting, emits 'exit' with
// the current exit code and returns that code.
func EmitProcessExit(env *Environment) (int, error) {
	check.That(env != nil, "environment.emit_exit", "environment must not be nil")
	vm := env.iso.Runtime()
	code := env.ExitCode()

	err := env.iso.WithContext(env.context, func() error {
		_ = env.process.Set("_exiting", true)
		emit, ok := goja.AssertFunction(env.process.Get("emit"))
		if !ok {
			return nil
		}
		_, err := env.iso.Call(emit, env.process, vm.ToValue("exit"), vm.ToValue(code))
		return err
	})
	if err != nil {
		return 1, err
	}
	// listeners may have changed process.exitCode
	return env.ExitCode(), nil
}

// ExitCode returns process.exitCode, or zero when it is not a number.
func (env *Environment) ExitCode() int {
	if env.process == nil {
		return 0
	}
	v := env.process.Get("exitCode")
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return 0
	}
	switch n := v.Export().(type) {
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// GetCurrent returns the environment hosted by iso, or nil.
func GetCurrent(iso *engine.Isolate) *Environment {
	if iso == nil {
		return nil
	}
	env, _ := iso.Data().(*Environment)
	return env
}

// FromContext returns the environment bound to ctx, or nil.
func FromContext(ctx *engine.Context) *Environment {
	if ctx == nil {
		return nil
	}
	v, ok := ctx.EmbedderData(engine.EmbedderEnvironment)
	if !ok {
		return nil
	}
	env, _ := v.(*Environment)
	return env
}

// GetCurrentEventLoop returns the event loop of the environment hosted by
// iso, or nil when iso hosts none.
func GetCurrentEventLoop(iso *engine.Isolate) *platform.EventLoop {
	if env := GetCurrent(iso); env != nil {
		return env.iso.Loop()
	}
	return nil
}

// GetInspectorParentHandle returns a handle a child environment with tid
// can attach under env's debugging session. The result is nil when env has
// no session.
func GetInspectorParentHandle(env *Environment, tid threadid.ThreadID, url string) *inspector.ParentHandle {
	check.That(env != nil, "environment.inspector_parent_handle", "environment must not be nil")
	check.That(tid.Valid(), "environment.inspector_parent_handle", "thread id must not be the invalid sentinel")
	if env.session == nil {
		return nil
	}
	return env.data.inspector.GetParentHandle(env.session, tid, url)
}

// SuppressAbortOnUncaught runs fn with the abort-on-uncaught predicate
// forced to false.
func (env *Environment) SuppressAbortOnUncaught(fn func()) {
	env.noAbortDepth++
	defer func() { env.noAbortDepth-- }()
	fn()
}

// SetAbortOnUncaughtToggle sets the script-visible toggle consulted by the
// abort predicate.
func (env *Environment) SetAbortOnUncaughtToggle(on bool) { env.abortToggle.Store(on) }

func (env *Environment) ID() id.EnvironmentID { return env.id }
func (env *Environment) Isolate() *engine.Isolate { return env.iso }
func (env *Environment) Context() *engine.Context { return env.context }
func (env *Environment) IsolateData() *IsolateData { return env.data }
func (env *Environment) ThreadID() threadid.ThreadID { return env.threadID }
func (env *Environment) Flags() Flags { return env.flags }
func (env *Environment) Args() []string { return append([]string(nil), env.args...) }
func (env *Environment) ExecArgs() []string { return append([]string(nil), env.execArgs...) }
func (env *Environment) Process() *goja.Object { return env.process }
func (env *Environment) Session() inspector.Session { return env.session }
func (env *Environment) CreatedAt() time.Time { return env.created }
func (env *Environment) BootstrapComplete() bool { return env.bootstrapComplete }
func (env *Environment) IsStopping() bool { return env.stopping.Load() }
func (env *Environment) IsMainThread() bool { return env.worker == nil }
func (env *Environment) Logger() *zap.Logger { return env.logger }

// State returns the lifecycle state. Safe from any goroutine.
func (env *Environment) State() State {
	env.mu.RLock()
	defer env.mu.RUnlock()
	return env.state
}

// UnhandledRejections returns the number of rejected promises that have
// no handler.
func (env *Environment) UnhandledRejections() int { return len(env.rejections) }
