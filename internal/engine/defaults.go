package engine

import (
	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/envhost/internal/check"
)

// builtinHandlers are the last-resort handlers, used when neither the
// settings nor the embedder's defaults fill a slot.
func builtinHandlers(iso *Isolate) Handlers {
	return Handlers{
		ShouldAbortOnUncaughtException: func(*Isolate) bool { return false },
		FatalError: func(location, message string) {
			iso.logger.Error("Fatal error",
				zap.String("location", location),
				zap.String("message", message),
			)
			check.Fail("engine.fatal_error", "%s: %s", location, message)
		},
		PrepareStackTrace:       DefaultPrepareStackTrace,
		AllowWasmCodeGeneration: DefaultAllowWasmCodeGeneration,
		PromiseReject: func(_ *Context, _ *goja.Promise, op goja.PromiseRejectionOperation) {
			if op == goja.PromiseRejectionReject {
				iso.logger.Debug("Promise rejected with no handler")
			}
		},
		HostCleanupFinalizationGroup: func(_ *Context, group FinalizationGroup) {
			iso.platform.PostTask(iso, group.Cleanup)
		},
		Message: func(iso *Isolate, level MessageLevel, message string) {
			if level == MessageWarning {
				iso.logger.Warn(message)
				return
			}
			iso.logger.Error(message)
		},
	}
}

// DefaultPrepareStackTrace renders the exception with its stack.
func DefaultPrepareStackTrace(_ *Context, exc *goja.Exception) string {
	return exc.String()
}

// DefaultAllowWasmCodeGeneration allows code generation unless the
// context's flag was set to something other than true.
func DefaultAllowWasmCodeGeneration(ctx *Context) bool {
	if ctx == nil {
		return true
	}
	v, ok := ctx.EmbedderData(EmbedderAllowWasmCodeGeneration)
	if !ok || v == nil {
		return true
	}
	allowed, isBool := v.(bool)
	return isBool && allowed
}
