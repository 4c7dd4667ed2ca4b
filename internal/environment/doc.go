// Package environment implements the unit of execution: an isolate, its
// context, a process object and a thread identity, together with the
// bootstrap and cleanup protocols that decide when the pieces may be
// destroyed.
//
// Lifecycle:
//
//	Constructed → Bootstrapped → (Prepared) → Running → CleaningUp → Destroyed
//
// CreateEnvironment runs the bootstrap (and, when requested, the
// prepare-for-execution step) and never hands out a half-built
// environment. LoadEnvironment starts the main program exactly once.
// FreeEnvironment stops the environment, stops its workers, runs cleanup
// hooks and at-exit callbacks inside a context scope, then drains the
// platform before releasing the environment.
//
// An environment's script logic runs on one goroutine at a time, its
// owner. The linked binding list, the stopping flag and the state may be
// read or appended to from other goroutines.
package environment
