package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates which lifecycle step produced the error
type Phase string

const (
	PhaseContext   Phase = "context"   // context creation and per-context scripts
	PhaseBootstrap Phase = "bootstrap" // environment bootstrapping
	PhasePrepare   Phase = "prepare"   // prepare-for-execution step
	PhaseLoad      Phase = "load"      // main program loading
	PhaseRuntime   Phase = "runtime"   // script execution
	PhaseCleanup   Phase = "cleanup"   // environment teardown
	PhaseLoader    Phase = "loader"    // native module lookup and compilation
	PhaseWorker    Phase = "worker"    // child environment management
	PhaseInspector Phase = "inspector" // debugging session linkage
)

// Kind categorizes the error
type Kind string

const (
	KindCompile       Kind = "compile"
	KindExecution     Kind = "execution"
	KindNotFound      Kind = "not_found"
	KindInvalidState  Kind = "invalid_state"
	KindInvalidInput  Kind = "invalid_input"
	KindAlreadyLoaded Kind = "already_loaded"
	KindConsumed      Kind = "consumed"
	KindUnsupported   Kind = "unsupported"
	KindDenied        Kind = "denied"
	KindTerminated    Kind = "terminated"
)

// Error is the structured error type
type Error struct {
	Cause  error
	Phase  Phase
	Kind   Kind
	Module string
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Module != "" {
		b.WriteString(" in ")
		b.WriteString(e.Module)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error's phase and kind
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{err: Error{Phase: phase, Kind: kind}}
}

// Module sets the module or script name involved
func (b *Builder) Module(name string) *Builder {
	b.err.Module = name
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors

// Wrap wraps an existing error with phase and kind
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{Phase: phase, Kind: kind, Cause: cause, Detail: detail}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{Phase: phase, Kind: KindNotFound, Module: name, Detail: what + " not found"}
}

// InvalidState creates an invalid lifecycle state error
func InvalidState(phase Phase, detail string, args ...any) *Error {
	return &Error{Phase: phase, Kind: KindInvalidState, Detail: fmt.Sprintf(detail, args...)}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{Phase: phase, Kind: KindInvalidInput, Detail: detail}
}

// Compile creates a compilation error for a module
func Compile(phase Phase, module string, cause error) *Error {
	return &Error{Phase: phase, Kind: KindCompile, Module: module, Cause: cause}
}

// Execution creates a script execution error for a module
func Execution(phase Phase, module string, cause error) *Error {
	return &Error{Phase: phase, Kind: KindExecution, Module: module, Cause: cause}
}

// IsKind reports whether any error in err's chain is an *Error of the given kind
func IsKind(err error, kind Kind) bool {
	var e *Error
	if stderrors.As(err, &e) {
		if e.Kind == kind {
			return true
		}
		return IsKind(e.Cause, kind)
	}
	return false
}

// IsPhase reports whether err is an *Error raised in the given phase
func IsPhase(err error, phase Phase) bool {
	var e *Error
	return stderrors.As(err, &e) && e.Phase == phase
}
