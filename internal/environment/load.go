package environment

import (
	"context"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/envhost/internal/check"
	"github.com/GriffinCanCode/envhost/internal/errors"
	"github.com/GriffinCanCode/envhost/internal/inspector"
)

// StartExecutionInfo is handed to the start callback.
type StartExecutionInfo struct {
	Process *goja.Object
	// Require loads public built-in modules.
	Require goja.Value
}

// StartExecutionCallback runs the main program. Its result is returned by
// LoadEnvironment.
type StartExecutionCallback func(info StartExecutionInfo) (goja.Value, error)

// LoadEnvironment initializes diagnostics, attaches the inspector (linked
// under handle when one is given) and starts cb. A nil cb runs no main
// program. Each environment loads at most once.
func LoadEnvironment(env *Environment, cb StartExecutionCallback, handle *inspector.ParentHandle) (goja.Value, error) {
	check.That(env != nil, "environment.load", "environment must not be nil")

	if env.loaded {
		return nil, errors.New(errors.PhaseLoad, errors.KindAlreadyLoaded).
			Detail("environment %s was already loaded", env.id).
			Build()
	}
	if s := env.State(); s != StateBootstrapped && s != StatePrepared {
		return nil, errors.InvalidState(errors.PhaseLoad, "cannot load environment in state %s", s)
	}
	env.loaded = true

	if err := env.initializeInspector(handle); err != nil {
		env.data.metrics.EnvironmentFailed(string(errors.PhaseInspector))
		return nil, err
	}
	if err := env.transition(StateRunning); err != nil {
		return nil, err
	}

	var result goja.Value
	err := env.iso.WithContext(env.context, func() error {
		var err error
		result, err = env.startExecution(cb)
		env.processRejections()
		return err
	})
	if err != nil {
		env.data.metrics.EnvironmentFailed(string(errors.PhaseLoad))
		return nil, err
	}
	return result, nil
}

// LoadEnvironmentSource runs source as the main program. The source is
// registered as a native module named after the thread id and called
// with (process, require).
func LoadEnvironmentSource(env *Environment, source string, handle *inspector.ParentHandle) (goja.Value, error) {
	check.That(env != nil, "environment.load", "environment must not be nil")
	return LoadEnvironment(env, func(info StartExecutionInfo) (goja.Value, error) {
		name := "embedder_main_" + env.threadID.String()
		env.data.loader.Add(name, source)
		env.mainModule = name

		v, err := env.executeBootstrapper(name, []string{"process", "require"}, info.Process, info.Require)
		if err != nil {
			return nil, rephase(errors.PhaseLoad, name, err)
		}
		return v, nil
	}, handle)
}

func (env *Environment) initializeInspector(handle *inspector.ParentHandle) error {
	insp := env.data.inspector
	if !insp.Enabled() {
		return nil
	}
	if handle == nil && !env.flags.Has(FlagOwnsInspector) && !env.IsMainThread() {
		return nil
	}
	s, err := insp.Attach(env.threadID, handle)
	if err != nil {
		return err
	}
	env.session = s
	if s != nil {
		env.logger.Debug("Inspector session attached", zap.String("session", s.ID()), zap.String("parent", s.ParentID()))
	}
	return nil
}

func (env *Environment) startExecution(cb StartExecutionCallback) (goja.Value, error) {
	if cb == nil {
		return goja.Undefined(), nil
	}
	return cb(StartExecutionInfo{Process: env.process, Require: env.publicRequire})
}

// SpinEventLoop runs foreground tasks and microtasks until no work or
// live worker remains, the environment stops or ctx is done.
func SpinEventLoop(ctx context.Context, env *Environment) error {
	check.That(env != nil, "environment.spin", "environment must not be nil")
	p := env.data.platform
	loop := env.iso.Loop()

	for {
		if env.IsStopping() {
			return nil
		}
		var ran bool
		err := env.iso.WithContext(env.context, func() error {
			ran = p.FlushForegroundTasks(env.iso)
			err := env.iso.PerformMicrotaskCheckpoint()
			env.processRejections()
			return err
		})
		if err != nil {
			return err
		}
		if ran {
			continue
		}
		if !p.HasPendingTasks(env.iso) && env.iso.PendingMicrotasks() == 0 && env.LiveWorkers() == 0 {
			return nil
		}
		select {
		case <-loop.C():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
