package environment

import (
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/envhost/internal/allocator"
	"github.com/GriffinCanCode/envhost/internal/engine"
	"github.com/GriffinCanCode/envhost/internal/loader"
	"github.com/GriffinCanCode/envhost/internal/platform"
	"github.com/GriffinCanCode/envhost/internal/threadid"
)

type fixture struct {
	platform *platform.Platform
	alloc    *allocator.Debug
	loader   *loader.Loader
	tids     *threadid.Allocator
	iso      *engine.Isolate
	ctx      *engine.Context
	data     *IsolateData
}

func newFixture(t *testing.T, settings engine.Settings, opts ...DataOption) *fixture {
	t.Helper()
	f := &fixture{
		platform: platform.New(platform.Options{WorkerThreads: 2}),
		alloc:    allocator.NewDebug(allocator.NewPassthrough(allocator.Options{}), nil, nil),
		loader:   loader.New(nil),
		tids:     threadid.New(),
	}
	t.Cleanup(f.platform.Shutdown)

	iso, err := engine.NewIsolate(f.alloc, platform.NewEventLoop(), f.platform,
		engine.WithSettings(settings),
		engine.WithDefaults(IsolateDefaults()),
		engine.WithLoader(f.loader),
		engine.WithMemoryProbe(func() (uint64, uint64) { return 8 << 30, 0 }),
	)
	require.NoError(t, err)
	ctx, err := engine.NewContext(iso, nil)
	require.NoError(t, err)

	f.iso, f.ctx = iso, ctx
	f.data = CreateIsolateData(iso, append([]DataOption{WithThreadIDs(f.tids)}, opts...)...)
	t.Cleanup(func() {
		if env := GetCurrent(iso); env != nil {
			FreeEnvironment(env)
		}
		iso.Dispose()
	})
	return f
}

func (f *fixture) create(t *testing.T, flags Flags) *Environment {
	t.Helper()
	env, err := CreateEnvironment(f.data, f.ctx, []string{"envhost", "main.js"}, []string{"--trace"}, flags, f.tids.Next())
	require.NoError(t, err)
	return env
}

// load creates a prepared environment and runs source as its main program.
func (f *fixture) load(t *testing.T, source string) (*Environment, goja.Value) {
	t.Helper()
	env := f.create(t, FlagPrepareForExecution)
	v, err := LoadEnvironmentSource(env, source, nil)
	require.NoError(t, err)
	return env, v
}

// eval runs src in env's context.
func eval(t *testing.T, env *Environment, src string) goja.Value {
	t.Helper()
	var v goja.Value
	err := env.Isolate().WithContext(env.Context(), func() error {
		var err error
		v, err = env.Isolate().RunScript("eval.js", src)
		return err
	})
	require.NoError(t, err)
	return v
}
