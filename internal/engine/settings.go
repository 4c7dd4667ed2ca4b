package engine

import (
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

// Flags toggle optional isolate behaviour.
type Flags uint32

const (
	// MessageListenerWithErrorLevel delivers warnings as well as errors to
	// the message listener.
	MessageListenerWithErrorLevel Flags = 1 << iota
	// DetailedSourcePositionsForProfiling keeps source maps for compiled
	// scripts.
	DetailedSourcePositionsForProfiling
)

// DefaultFlags is what hosts get when they do not choose.
const DefaultFlags = MessageListenerWithErrorLevel

// MicrotasksPolicy decides when queued microtasks run.
type MicrotasksPolicy int

const (
	// MicrotasksAuto runs a checkpoint after each top-level script or call.
	MicrotasksAuto MicrotasksPolicy = iota
	// MicrotasksExplicit runs microtasks only on PerformMicrotaskCheckpoint.
	MicrotasksExplicit
	// MicrotasksScoped runs a checkpoint when the outermost context scope exits.
	MicrotasksScoped
)

func (p MicrotasksPolicy) String() string {
	switch p {
	case MicrotasksAuto:
		return "auto"
	case MicrotasksExplicit:
		return "explicit"
	case MicrotasksScoped:
		return "scoped"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseMicrotasksPolicy maps a configuration string to a policy.
func ParseMicrotasksPolicy(s string) (MicrotasksPolicy, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return MicrotasksAuto, nil
	case "explicit":
		return MicrotasksExplicit, nil
	case "scoped":
		return MicrotasksScoped, nil
	default:
		return 0, fmt.Errorf("unknown microtasks policy %q", s)
	}
}

// MessageLevel classifies listener messages.
type MessageLevel int

const (
	MessageError MessageLevel = iota
	MessageWarning
)

func (l MessageLevel) String() string {
	if l == MessageWarning {
		return "warning"
	}
	return "error"
}

// FinalizationGroup is a batch of finalization callbacks the engine asks
// the host to run at a convenient time.
type FinalizationGroup struct {
	Name    string
	Cleanup func()
}

// Handler slots. A nil slot means "not set".
type (
	AbortPredicate         func(iso *Isolate) bool
	FatalErrorHandler      func(location, message string)
	StackTracePreparer     func(ctx *Context, exc *goja.Exception) string
	WasmCodeGenerationGate func(ctx *Context) bool
	PromiseRejectHandler   func(ctx *Context, promise *goja.Promise, op goja.PromiseRejectionOperation)
	FinalizationHandler    func(ctx *Context, group FinalizationGroup)
	MessageListener        func(iso *Isolate, level MessageLevel, message string)
)

// Handlers is the full set of isolate callbacks.
type Handlers struct {
	ShouldAbortOnUncaughtException AbortPredicate
	FatalError                     FatalErrorHandler
	PrepareStackTrace              StackTracePreparer
	AllowWasmCodeGeneration        WasmCodeGenerationGate
	PromiseReject                  PromiseRejectHandler
	HostCleanupFinalizationGroup   FinalizationHandler
	Message                        MessageListener
}

// Or fills every unset slot of h from fallback.
func (h Handlers) Or(fallback Handlers) Handlers {
	out := h
	if out.ShouldAbortOnUncaughtException == nil {
		out.ShouldAbortOnUncaughtException = fallback.ShouldAbortOnUncaughtException
	}
	if out.FatalError == nil {
		out.FatalError = fallback.FatalError
	}
	if out.PrepareStackTrace == nil {
		out.PrepareStackTrace = fallback.PrepareStackTrace
	}
	if out.AllowWasmCodeGeneration == nil {
		out.AllowWasmCodeGeneration = fallback.AllowWasmCodeGeneration
	}
	if out.PromiseReject == nil {
		out.PromiseReject = fallback.PromiseReject
	}
	if out.HostCleanupFinalizationGroup == nil {
		out.HostCleanupFinalizationGroup = fallback.HostCleanupFinalizationGroup
	}
	if out.Message == nil {
		out.Message = fallback.Message
	}
	return out
}

// Complete reports whether every slot is set.
func (h Handlers) Complete() bool {
	return h.ShouldAbortOnUncaughtException != nil &&
		h.FatalError != nil &&
		h.PrepareStackTrace != nil &&
		h.AllowWasmCodeGeneration != nil &&
		h.PromiseReject != nil &&
		h.HostCleanupFinalizationGroup != nil &&
		h.Message != nil
}

// Settings configures an isolate. Every handler field is an optional
// override; unset fields fall back to defaults in Resolve.
type Settings struct {
	Flags            Flags
	MicrotasksPolicy MicrotasksPolicy

	// AbortOnUncaughtException makes the isolate consult the abort
	// predicate for every uncaught exception.
	AbortOnUncaughtException bool

	ShouldAbortOnUncaughtException AbortPredicate
	FatalError                     FatalErrorHandler
	PrepareStackTrace              StackTracePreparer
	AllowWasmCodeGeneration        WasmCodeGenerationGate
	PromiseReject                  PromiseRejectHandler
	HostCleanupFinalizationGroup   FinalizationHandler
	Message                        MessageListener
}

// DefaultSettings returns settings with default flags and no overrides.
func DefaultSettings() Settings {
	return Settings{Flags: DefaultFlags, MicrotasksPolicy: MicrotasksAuto}
}

// Overrides returns the handler overrides carried by s.
func (s Settings) Overrides() Handlers {
	return Handlers{
		ShouldAbortOnUncaughtException: s.ShouldAbortOnUncaughtException,
		FatalError:                     s.FatalError,
		PrepareStackTrace:              s.PrepareStackTrace,
		AllowWasmCodeGeneration:        s.AllowWasmCodeGeneration,
		PromiseReject:                  s.PromiseReject,
		HostCleanupFinalizationGroup:   s.HostCleanupFinalizationGroup,
		Message:                        s.Message,
	}
}

// Resolve picks the override for every slot that has one and the default
// otherwise. It has no side effects.
func Resolve(s Settings, defaults Handlers) Handlers {
	return s.Overrides().Or(defaults)
}
