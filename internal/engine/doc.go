// Package engine creates isolates and contexts on top of goja.
//
// An Isolate owns one goja.Runtime and is bound to exactly one allocator and
// one platform. It registers with the platform before any handler is
// installed, derives a heap budget from host memory, and installs the
// isolate-level handlers resolved from Settings: abort-on-uncaught
// predicate, fatal error handler, stack trace preparation, microtask
// policy, WASM code generation gate, promise rejection tracking and
// finalization cleanup scheduling.
//
// A Context wraps the runtime's global object. Per-context initialization
// creates the prototype-less primordials namespace and runs the
// per-context scripts; per-context runtime fixups strip legacy built-ins
// and run on every activation.
//
// The goja runtime is not goroutine-safe. Every method except Interrupt,
// ClearInterrupt and ID must be called from the isolate's owner goroutine.
package engine
