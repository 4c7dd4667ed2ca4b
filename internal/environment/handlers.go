package environment

import (
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/envhost/internal/engine"
)

// IsolateDefaults returns environment-aware handlers for isolates that host
// environments. Pass it to engine.WithDefaults; settings overrides still
// take precedence slot by slot.
func IsolateDefaults() engine.Handlers {
	return engine.Handlers{
		ShouldAbortOnUncaughtException: ShouldAbortOnUncaughtException,
		PrepareStackTrace:              PrepareStackTrace,
		PromiseReject:                  PromiseReject,
		HostCleanupFinalizationGroup:   HostCleanupFinalizationGroup,
	}
}

// ShouldAbortOnUncaughtException reports whether an uncaught exception in
// iso should end the process. It requires an environment that is the main
// thread or not stopping, whose toggle is on and that is not inside a
// suppression scope.
func ShouldAbortOnUncaughtException(iso *engine.Isolate) bool {
	env := GetCurrent(iso)
	return env != nil &&
		env.abortOnUncaught &&
		(env.IsMainThread() || !env.IsStopping()) &&
		env.abortToggle.Load() &&
		env.noAbortDepth == 0
}

// PrepareStackTrace formats exc through the callback the environment
// registered with the errors binding, falling back to the default format.
func PrepareStackTrace(ctx *engine.Context, exc *goja.Exception) string {
	env := FromContext(ctx)
	if env == nil || env.prepareStackTrace == nil {
		return engine.DefaultPrepareStackTrace(ctx, exc)
	}
	vm := env.iso.Runtime()
	v, err := env.prepareStackTrace(goja.Undefined(), ctx.Global(), exc.Value(), vm.ToValue(exc.String()))
	if err != nil || v == nil || goja.IsUndefined(v) {
		return engine.DefaultPrepareStackTrace(ctx, exc)
	}
	return v.String()
}

// PromiseReject tracks rejections without handlers so they can be
// reported once the microtask queue settles.
func PromiseReject(ctx *engine.Context, p *goja.Promise, op goja.PromiseRejectionOperation) {
	env := FromContext(ctx)
	if env == nil {
		return
	}
	switch op {
	case goja.PromiseRejectionReject:
		env.rejections[p] = &rejection{reason: p.Result()}
	case goja.PromiseRejectionHandle:
		delete(env.rejections, p)
	}
}

// HostCleanupFinalizationGroup queues group on the environment bound to
// ctx. Without an environment the request is dropped.
func HostCleanupFinalizationGroup(ctx *engine.Context, group engine.FinalizationGroup) {
	env := FromContext(ctx)
	if env == nil {
		return
	}
	env.RegisterFinalizationGroupForCleanup(group)
}

// processRejections reports rejections that are still unhandled. Each is
// reported once: to 'unhandledRejection' listeners when there are any,
// otherwise as a warning.
func (env *Environment) processRejections() {
	if len(env.rejections) == 0 {
		return
	}
	vm := env.iso.Runtime()
	emit, _ := goja.AssertFunction(env.process.Get("emit"))
	count, _ := goja.AssertFunction(env.process.Get("listenerCount"))

	for p, r := range env.rejections {
		if r.warned {
			continue
		}
		r.warned = true

		if emit != nil && count != nil {
			n, err := count(env.process, vm.ToValue("unhandledRejection"))
			if err == nil && n.ToInteger() > 0 {
				if _, err := env.iso.Call(emit, env.process, vm.ToValue("unhandledRejection"), r.reason, vm.ToValue(p)); err != nil {
					env.logger.Debug("unhandledRejection listener threw", zap.Error(err))
				}
				continue
			}
		}
		env.iso.ReportMessage(engine.MessageWarning, "Unhandled promise rejection: "+noSideEffectsToString(r.reason))
	}
}

// postScriptTask schedules fn on the environment's foreground queue after
// delay milliseconds. Tasks that come due after the environment started
// stopping are skipped.
func (env *Environment) postScriptTask(fn goja.Callable, delay float64) {
	task := func() {
		if env.IsStopping() {
			return
		}
		err := env.iso.WithContext(env.context, func() error {
			_, err := env.iso.Call(fn, nil)
			return err
		})
		if err != nil {
			env.logger.Debug("Scheduled callback failed", zap.Error(err))
		}
	}
	if delay <= 0 {
		env.data.platform.PostTask(env.iso, task)
		return
	}
	env.data.platform.PostDelayedTask(env.iso, task, time.Duration(delay*float64(time.Millisecond)))
}
