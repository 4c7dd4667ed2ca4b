// Package threadid issues process-unique thread identities for environments.
//
// Identities are never reused, even after the environment holding one is
// destroyed. The all-ones value is reserved as the "no thread" sentinel and
// is never issued.
package threadid

import (
	"math"
	"strconv"
	"sync/atomic"

	"github.com/GriffinCanCode/envhost/internal/check"
)

// ThreadID identifies the thread an environment runs on.
type ThreadID uint64

// Invalid marks the absence of a thread id.
const Invalid ThreadID = math.MaxUint64

// Valid reports whether t may identify a thread.
func (t ThreadID) Valid() bool {
	return t != Invalid
}

func (t ThreadID) String() string {
	if t == Invalid {
		return "invalid"
	}
	return strconv.FormatUint(uint64(t), 10)
}

// Allocator issues strictly increasing thread ids starting at 0.
type Allocator struct {
	next atomic.Uint64
}

// New returns an allocator whose first id is 0.
func New() *Allocator {
	return &Allocator{}
}

var defaultAllocator = New()

// Default returns the process-wide allocator.
func Default() *Allocator {
	return defaultAllocator
}

// Next issues the next id. Issuing the sentinel is fatal.
func (a *Allocator) Next() ThreadID {
	t := ThreadID(a.next.Add(1) - 1)
	check.That(t != Invalid, "threadid.next", "thread id space exhausted")
	return t
}

// Peek returns the id the next call to Next would issue.
func (a *Allocator) Peek() ThreadID {
	return ThreadID(a.next.Load())
}
