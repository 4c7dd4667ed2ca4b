// Package allocator provides the pluggable buffer allocators bound to
// isolates.
//
// Two variants exist. Passthrough delegates to the Go runtime and keeps Free
// as a no-op. Debug wraps another Allocator with a registry of every live
// buffer, keyed by the address of its backing array, and turns lifecycle
// bugs (double registration, freeing an unknown buffer, size drift across
// reallocation, leaks at shutdown) into check violations.
//
// A zero-size request is valid. It yields a non-nil, zero-length buffer whose
// backing array holds one byte, so every live buffer has a distinct address.
package allocator
