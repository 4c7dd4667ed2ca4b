package environment

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/envhost/internal/check"
	"github.com/GriffinCanCode/envhost/internal/engine"
	"github.com/GriffinCanCode/envhost/internal/errors"
	"github.com/GriffinCanCode/envhost/internal/inspector"
	"github.com/GriffinCanCode/envhost/internal/threadid"
)

func TestCreateEnvironmentBootstraps(t *testing.T) {
	f := newFixture(t, engine.DefaultSettings())
	env := f.create(t, FlagDefault)

	assert.Equal(t, StateBootstrapped, env.State())
	assert.Same(t, env, GetCurrent(f.iso))
	assert.Same(t, env, FromContext(f.ctx))
	assert.Same(t, f.iso.Loop(), GetCurrentEventLoop(f.iso))
	assert.True(t, env.IsMainThread())
	assert.False(t, env.BootstrapComplete())
	assert.Equal(t, []string{"envhost", "main.js"}, env.Args())
	assert.Equal(t, []string{"--trace"}, env.ExecArgs())

	assert.Equal(t, int64(env.ThreadID()), eval(t, env, "process.threadId").ToInteger())
	assert.Equal(t, Version, eval(t, env, "process.version").String())
	assert.Equal(t, "function", eval(t, env, "typeof process.on").String())
	assert.Equal(t, "--trace", eval(t, env, "process.execArgv[0]").String())
}

func TestCreateEnvironmentPrepare(t *testing.T) {
	f := newFixture(t, engine.DefaultSettings())
	env := f.create(t, FlagPrepareForExecution)

	assert.Equal(t, StatePrepared, env.State())
	assert.True(t, env.BootstrapComplete())
	assert.False(t, eval(t, env, "process._exiting").ToBoolean())
	assert.Equal(t, "envhost", eval(t, env, "process.argv[0]").String())
}

func TestCreateEnvironmentFailureLeavesNothingBehind(t *testing.T) {
	tests := []struct {
		name   string
		module string
		source string
		phase  errors.Phase
		kind   errors.Kind
	}{
		{"bootstrap throws", "internal/bootstrap/node", "throw new Error('boom');", errors.PhaseBootstrap, errors.KindExecution},
		{"bootstrap does not compile", "internal/bootstrap/node", "function (", errors.PhaseBootstrap, errors.KindCompile},
		{"prepare throws", "internal/bootstrap/environment", "throw new Error('boom');", errors.PhasePrepare, errors.KindExecution},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, engine.DefaultSettings())
			original, ok := f.loader.Source(tt.module)
			require.True(t, ok)
			f.loader.Add(tt.module, tt.source)

			env, err := CreateEnvironment(f.data, f.ctx, nil, nil, FlagPrepareForExecution, f.tids.Next())
			require.Error(t, err)
			assert.Nil(t, env)
			assert.True(t, errors.IsPhase(err, tt.phase), "got %v", err)
			assert.True(t, errors.IsKind(err, tt.kind), "got %v", err)

			assert.Nil(t, GetCurrent(f.iso))
			assert.Nil(t, FromContext(f.ctx))
			assert.Zero(t, f.alloc.Stats().Allocations)

			f.loader.Add(tt.module, original)
			env = f.create(t, FlagPrepareForExecution)
			assert.Equal(t, StatePrepared, env.State())
		})
	}
}

func TestCreateEnvironmentRejectsSecondOnIsolate(t *testing.T) {
	f := newFixture(t, engine.DefaultSettings())
	f.create(t, FlagDefault)

	_, err := CreateEnvironment(f.data, f.ctx, nil, nil, FlagDefault, f.tids.Next())
	assert.True(t, errors.IsKind(err, errors.KindInvalidState))
}

func TestCreateEnvironmentInvalidThreadIDIsFatal(t *testing.T) {
	f := newFixture(t, engine.DefaultSettings())
	v := check.Recover(func() {
		_, _ = CreateEnvironment(f.data, f.ctx, nil, nil, FlagDefault, threadid.Invalid)
	})
	require.NotNil(t, v)
	assert.Equal(t, "environment.create", v.Op)
	assert.Nil(t, GetCurrent(f.iso))
}

func TestLoadEnvironmentSource(t *testing.T) {
	f := newFixture(t, engine.DefaultSettings())
	env, v := f.load(t, "return process.threadId;")

	assert.Equal(t, int64(env.ThreadID()), v.ToInteger())
	assert.Equal(t, StateRunning, env.State())
	assert.True(t, f.loader.Exists("embedder_main_"+env.ThreadID().String()))

	FreeEnvironment(env)
	assert.False(t, f.loader.Exists("embedder_main_"+env.ThreadID().String()))
}

func TestLoadEnvironmentTwice(t *testing.T) {
	f := newFixture(t, engine.DefaultSettings())
	env, _ := f.load(t, "return 1;")

	_, err := LoadEnvironmentSource(env, "return 2;", nil)
	assert.True(t, errors.IsKind(err, errors.KindAlreadyLoaded))
	_, err = LoadEnvironment(env, nil, nil)
	assert.True(t, errors.IsKind(err, errors.KindAlreadyLoaded))
}

func TestLoadEnvironmentWithoutCallback(t *testing.T) {
	f := newFixture(t, engine.DefaultSettings())
	env := f.create(t, FlagDefault)

	v, err := LoadEnvironment(env, nil, nil)
	require.NoError(t, err)
	assert.True(t, goja.IsUndefined(v))
	assert.Equal(t, StateRunning, env.State())
}

func TestLoadEnvironmentAfterFree(t *testing.T) {
	f := newFixture(t, engine.DefaultSettings())
	env := f.create(t, FlagDefault)
	FreeEnvironment(env)

	_, err := LoadEnvironment(env, nil, nil)
	assert.True(t, errors.IsKind(err, errors.KindInvalidState))
}

func TestLoadEnvironmentScriptError(t *testing.T) {
	f := newFixture(t, engine.DefaultSettings())
	env := f.create(t, FlagPrepareForExecution)

	_, err := LoadEnvironmentSource(env, "throw new TypeError('bad input');", nil)
	require.Error(t, err)
	assert.True(t, errors.IsPhase(err, errors.PhaseLoad))
	assert.True(t, errors.IsKind(err, errors.KindExecution))
	assert.Contains(t, err.Error(), "bad input")
}

func TestAdHocScriptsWithoutPrepare(t *testing.T) {
	f := newFixture(t, engine.DefaultSettings())
	env := f.create(t, FlagDefault)

	assert.Equal(t, int64(3), eval(t, env, "1 + 2").ToInteger())
	assert.Equal(t, "object", eval(t, env, "typeof process").String())
}

func TestPublicRequire(t *testing.T) {
	f := newFixture(t, engine.DefaultSettings())
	_, v := f.load(t, `
		const out = [typeof require('events'), typeof require('node:buffer').alloc];
		try {
			require('internal/per_context/primordials');
			out.push('loaded');
		} catch (e) {
			out.push('denied');
		}
		try {
			require('no-such-module');
		} catch (e) {
			out.push('missing');
		}
		out.push(require('process') === process);
		return out.join(',');
	`)
	assert.Equal(t, "function,function,denied,missing,true", v.String())
}

func TestCleanupHooks(t *testing.T) {
	f := newFixture(t, engine.DefaultSettings())
	env := f.create(t, FlagDefault)

	var order []string
	var depth int
	var current *engine.Context
	_, err := env.AddCleanupHook(func() { order = append(order, "first") })
	require.NoError(t, err)
	second, err := env.AddCleanupHook(func() { order = append(order, "second") })
	require.NoError(t, err)
	_, err = env.AddCleanupHook(func() {
		order = append(order, "third")
		depth = f.iso.ScopeDepth()
		current = f.iso.CurrentContext()
	})
	require.NoError(t, err)
	require.NoError(t, env.AtExit(func() { order = append(order, "exit-1") }))
	require.NoError(t, env.AtExit(func() { order = append(order, "exit-2") }))
	env.RemoveCleanupHook(second)
	env.RemoveCleanupHook(CleanupHandle(9999))

	FreeEnvironment(env)
	assert.Equal(t, []string{"third", "first", "exit-2", "exit-1"}, order)
	assert.Equal(t, 1, depth, "hooks run inside the context scope")
	assert.Same(t, f.ctx, current)
	assert.Equal(t, StateDestroyed, env.State())
	assert.True(t, env.IsStopping())
	assert.Nil(t, GetCurrent(f.iso))
	assert.Zero(t, f.iso.ScopeDepth())

	FreeEnvironment(env)
	assert.Len(t, order, 4, "a second free is a no-op")

	_, err = env.AddCleanupHook(func() {})
	assert.True(t, errors.IsKind(err, errors.KindInvalidState))
	assert.True(t, errors.IsKind(env.AtExit(func() {}), errors.KindInvalidState))
}

func TestFreeEnvironmentDrainsTasks(t *testing.T) {
	f := newFixture(t, engine.DefaultSettings())
	env := f.create(t, FlagDefault)

	var seenState atomic.Int32
	var seenThread atomic.Uint64
	_, err := env.AddCleanupHook(func() {
		f.platform.PostBackgroundTask(f.iso, func() {
			time.Sleep(20 * time.Millisecond)
			seenThread.Store(uint64(env.ThreadID()))
			seenState.Store(int32(env.State()))
			f.platform.PostTask(f.iso, func() {})
		})
	})
	require.NoError(t, err)

	FreeEnvironment(env)
	assert.Equal(t, uint64(env.ThreadID()), seenThread.Load())
	assert.Equal(t, int32(StateCleaningUp), seenState.Load())
	assert.False(t, f.platform.HasPendingTasks(f.iso))
}

func TestStopInterruptsScript(t *testing.T) {
	f := newFixture(t, engine.DefaultSettings())
	env := f.create(t, FlagPrepareForExecution)

	go func() {
		time.Sleep(20 * time.Millisecond)
		Stop(env)
	}()
	_, err := LoadEnvironmentSource(env, "for (;;) {}", nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindTerminated))
	assert.True(t, env.IsStopping())

	ran := false
	_, err = env.AddCleanupHook(func() { ran = true })
	require.NoError(t, err)
	FreeEnvironment(env)
	assert.True(t, ran)
}

func TestStopDuringCleanupDoesNotInterruptHooks(t *testing.T) {
	f := newFixture(t, engine.DefaultSettings())
	env := f.create(t, FlagDefault)

	var hookErr error
	_, err := env.AddCleanupHook(func() {
		Stop(env)
		_, hookErr = f.iso.RunScript("hook", "let n = 0; for (let i = 0; i < 1000; i++) { n += i; }")
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for env.State() < StateDestroyed {
			Stop(env)
		}
	}()
	FreeEnvironment(env)
	<-done

	assert.NoError(t, hookErr)
	assert.Equal(t, StateDestroyed, env.State())
}

func TestEmitProcessExit(t *testing.T) {
	f := newFixture(t, engine.DefaultSettings())
	env, _ := f.load(t, `
		process.on('exit', (code) => { process.exitCode = code + 1; });
		process.exitCode = 4;
	`)

	code, err := EmitProcessExit(env)
	require.NoError(t, err)
	assert.Equal(t, 5, code)
	assert.True(t, eval(t, env, "process._exiting").ToBoolean())
}

func TestMicrotasksAndTimers(t *testing.T) {
	f := newFixture(t, engine.DefaultSettings())
	env, _ := f.load(t, `
		globalThis.events = [];
		process.nextTick(() => events.push('tick'));
		queueMicrotask(() => events.push('microtask'));
		setTimeout(() => events.push('timeout'), 5);
		setTimeout((a, b) => events.push(a + b), 0, 'ar', 'gs');
		events.push('main');
	`)
	assert.Equal(t, "main,tick,microtask", eval(t, env, "events.join(',')").String())

	require.NoError(t, SpinEventLoop(t.Context(), env))
	assert.Equal(t, "main,tick,microtask,args,timeout", eval(t, env, "events.join(',')").String())
}

func TestTimersSkippedAfterStop(t *testing.T) {
	f := newFixture(t, engine.DefaultSettings())
	env, _ := f.load(t, "globalThis.fired = false; setTimeout(() => { fired = true; }, 0);")

	Stop(env)
	f.iso.ClearInterrupt()
	FreeEnvironment(env)
	assert.False(t, eval(t, env, "fired").ToBoolean())
}

func TestUnhandledRejections(t *testing.T) {
	var warnings []string
	settings := engine.DefaultSettings()
	settings.Message = func(_ *engine.Isolate, level engine.MessageLevel, msg string) {
		if level == engine.MessageWarning {
			warnings = append(warnings, msg)
		}
	}

	t.Run("reported once as a warning", func(t *testing.T) {
		warnings = nil
		f := newFixture(t, settings)
		env, _ := f.load(t, "Promise.reject(new Error('nope'));")
		assert.Equal(t, 1, env.UnhandledRejections())
		require.Len(t, warnings, 1)
		assert.Contains(t, warnings[0], "Unhandled promise rejection")

		require.NoError(t, SpinEventLoop(t.Context(), env))
		assert.Len(t, warnings, 1)
	})

	t.Run("handled later in the same turn", func(t *testing.T) {
		warnings = nil
		f := newFixture(t, settings)
		env, _ := f.load(t, "const p = Promise.reject(1); p.catch(() => {});")
		assert.Zero(t, env.UnhandledRejections())
		assert.Empty(t, warnings)
	})

	t.Run("delivered to listeners", func(t *testing.T) {
		warnings = nil
		f := newFixture(t, settings)
		env, _ := f.load(t, `
			process.on('unhandledRejection', (reason) => { globalThis.seen = reason.message; });
			Promise.reject(new Error('listened'));
		`)
		assert.Equal(t, "listened", eval(t, env, "seen").String())
		assert.Empty(t, warnings)
	})
}

func TestPrepareStackTraceCallback(t *testing.T) {
	f := newFixture(t, engine.DefaultSettings())
	env := f.create(t, FlagDefault)

	b, err := env.binding("errors")
	require.NoError(t, err)
	require.NoError(t, f.ctx.Global().Set("errorsBinding", b))
	eval(t, env, "errorsBinding.setPrepareStackTraceCallback((global, error, trace) => 'custom: ' + error.message)")

	err = f.iso.WithContext(f.ctx, func() error {
		_, err := f.iso.RunScript("throw.js", "throw new Error('x')")
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "custom: x")

	eval(t, env, "errorsBinding.setPrepareStackTraceCallback(() => { throw new Error('broken'); })")
	err = f.iso.WithContext(f.ctx, func() error {
		_, err := f.iso.RunScript("throw.js", "throw new Error('y')")
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Error: y", "falls back to the default format")
}

func TestAbortOnUncaughtException(t *testing.T) {
	tests := []struct {
		name  string
		flags Flags
		setup func(env *Environment, run func())
		abort bool
	}{
		{"aborts by default", FlagDefault, func(_ *Environment, run func()) { run() }, true},
		{"process owner never aborts", FlagOwnsProcessState, func(_ *Environment, run func()) { run() }, false},
		{"toggle off", FlagDefault, func(env *Environment, run func()) {
			env.SetAbortOnUncaughtToggle(false)
			run()
		}, false},
		{"suppression scope", FlagDefault, func(env *Environment, run func()) {
			env.SuppressAbortOnUncaught(run)
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var fatal []string
			settings := engine.DefaultSettings()
			settings.AbortOnUncaughtException = true
			settings.FatalError = func(location, _ string) { fatal = append(fatal, location) }
			f := newFixture(t, settings)
			env := f.create(t, tt.flags)

			var v *check.Violation
			tt.setup(env, func() {
				v = check.Recover(func() {
					_ = f.iso.WithContext(f.ctx, func() error {
						_, err := f.iso.RunScript("throw.js", "throw new Error('uncaught')")
						return err
					})
				})
			})
			if tt.abort {
				assert.NotNil(t, v)
				assert.Equal(t, []string{"uncaught exception"}, fatal)
			} else {
				assert.Nil(t, v)
				assert.Empty(t, fatal)
			}
		})
	}
}

func TestAbortPredicateWithoutEnvironment(t *testing.T) {
	f := newFixture(t, engine.DefaultSettings())
	assert.False(t, ShouldAbortOnUncaughtException(f.iso))
}

func TestFinalizationGroups(t *testing.T) {
	f := newFixture(t, engine.DefaultSettings())
	env := f.create(t, FlagDefault)

	var order []string
	f.iso.ScheduleFinalizationCleanup(engine.FinalizationGroup{Name: "a", Cleanup: func() { order = append(order, "a") }})
	f.iso.ScheduleFinalizationCleanup(engine.FinalizationGroup{Name: "b", Cleanup: func() { order = append(order, "b") }})
	assert.True(t, f.platform.FlushForegroundTasks(f.iso))
	assert.Equal(t, []string{"a", "b"}, order)

	f.iso.ScheduleFinalizationCleanup(engine.FinalizationGroup{Name: "c", Cleanup: func() { order = append(order, "c") }})
	require.NoError(t, env.AtExit(func() { order = append(order, "exit") }))
	FreeEnvironment(env)
	assert.Equal(t, []string{"a", "b", "c", "exit"}, order, "queued groups run before at-exit callbacks")
}

func TestLinkedBindings(t *testing.T) {
	f := newFixture(t, engine.DefaultSettings())
	env := f.create(t, FlagPrepareForExecution)

	var calls atomic.Int32
	register := func(value int) RegisterFunc {
		return func(_ *Environment, exports *goja.Object, priv any) error {
			calls.Add(1)
			if err := exports.Set("value", value); err != nil {
				return err
			}
			return exports.Set("priv", priv)
		}
	}
	AddLinkedBinding(env, "calc", register(1), "first")
	AddLinkedBinding(env, "calc", register(2), "second")

	v, err := LoadEnvironmentSource(env, `
		const a = process._linkedBinding('calc');
		const b = process._linkedBinding('calc');
		let missing = false;
		try { process._linkedBinding('nope'); } catch (e) { missing = true; }
		return [a.value, a.priv, a === b, missing].join(',');
	`, nil)
	require.NoError(t, err)
	assert.Equal(t, "2,second,true,true", v.String())
	assert.Equal(t, int32(1), calls.Load())

	b, ok := env.LookupLinkedBinding("calc")
	require.True(t, ok)
	assert.Equal(t, "second", b.Private)
	assert.Len(t, env.LinkedBindings(), 2)
}

func TestAddLinkedBindingConcurrently(t *testing.T) {
	f := newFixture(t, engine.DefaultSettings())
	env := f.create(t, FlagDefault)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			AddLinkedBinding(env, "shared", func(*Environment, *goja.Object, any) error { return nil }, i)
		}()
	}
	wg.Wait()
	assert.Len(t, env.LinkedBindings(), 16)
}

func TestInspectorParentHandle(t *testing.T) {
	t.Run("without a session", func(t *testing.T) {
		f := newFixture(t, engine.DefaultSettings())
		env, _ := f.load(t, "")
		assert.Nil(t, env.Session())
		assert.Nil(t, GetInspectorParentHandle(env, f.tids.Next(), "child"))
	})

	t.Run("with an agent", func(t *testing.T) {
		agent := inspector.NewAgent(nil)
		f := newFixture(t, engine.DefaultSettings(), WithInspector(agent))
		env, _ := f.load(t, "")
		require.NotNil(t, env.Session())

		child := f.tids.Next()
		h := GetInspectorParentHandle(env, child, "child")
		require.NotNil(t, h)
		s, err := agent.Attach(child, h)
		require.NoError(t, err)
		assert.Equal(t, env.Session().ID(), s.ParentID())
	})

	t.Run("fatal misuse", func(t *testing.T) {
		f := newFixture(t, engine.DefaultSettings())
		env := f.create(t, FlagDefault)
		assert.NotNil(t, check.Recover(func() { GetInspectorParentHandle(nil, 1, "x") }))
		assert.NotNil(t, check.Recover(func() { GetInspectorParentHandle(env, threadid.Invalid, "x") }))
	})
}

func TestLoadEnvironmentConsumedHandle(t *testing.T) {
	agent := inspector.NewAgent(nil)
	f := newFixture(t, engine.DefaultSettings(), WithInspector(agent))
	parent, _ := f.load(t, "")

	other := newFixture(t, engine.DefaultSettings(), WithInspector(agent))
	child := other.create(t, FlagDefault)
	h := GetInspectorParentHandle(parent, child.ThreadID(), "child")
	require.NotNil(t, h)
	_, err := agent.Attach(child.ThreadID(), h)
	require.NoError(t, err)

	_, err = LoadEnvironment(child, nil, h)
	assert.True(t, errors.IsKind(err, errors.KindConsumed))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "cleaning_up", StateCleaningUp.String())
	assert.Equal(t, "unknown", State(99).String())
}
