// Package check implements the fatal error tier: invariant violations that
// indicate a hosting bug rather than a runtime condition.
//
// A failed check panics with a *Violation. Hosts may install a handler with
// SetHandler to log the violation before the process goes down; the handler
// is not allowed to resume execution, the panic always follows.
package check

import (
	"fmt"
	"sync/atomic"
)

// Violation describes a failed invariant.
type Violation struct {
	Op     string
	Detail string
}

func (v *Violation) Error() string {
	if v.Detail == "" {
		return "check failed: " + v.Op
	}
	return "check failed: " + v.Op + ": " + v.Detail
}

// Handler observes a violation before the panic.
type Handler func(v *Violation)

var handler atomic.Pointer[Handler]

// SetHandler installs a process-wide violation observer. Passing nil removes it.
func SetHandler(h Handler) {
	if h == nil {
		handler.Store(nil)
		return
	}
	handler.Store(&h)
}

// Fail reports a violation unconditionally.
func Fail(op, format string, args ...any) {
	v := &Violation{Op: op, Detail: fmt.Sprintf(format, args...)}
	if h := handler.Load(); h != nil {
		(*h)(v)
	}
	panic(v)
}

// That fails when cond is false.
func That(cond bool, op, format string, args ...any) {
	if !cond {
		Fail(op, format, args...)
	}
}

// NotNil fails when v is nil.
func NotNil(v any, op, what string) {
	if v == nil {
		Fail(op, "%s must not be nil", what)
	}
}

// Recover converts a violation panic into a value; other panics are re-raised.
// It is meant for tests and for hosts that supervise worker goroutines.
func Recover(fn func()) (v *Violation) {
	defer func() {
		if r := recover(); r != nil {
			if vv, ok := r.(*Violation); ok {
				v = vv
				return
			}
			panic(r)
		}
	}()
	fn()
	return nil
}
