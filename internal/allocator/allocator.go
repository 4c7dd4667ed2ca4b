package allocator

import (
	"unsafe"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/envhost/internal/infrastructure/monitoring"
)

// DefaultMaxBufferSize bounds a single allocation. Requests above it fail.
const DefaultMaxBufferSize = 1 << 32

// Allocator is the buffer allocation contract consumed by isolates.
// A nil result means the allocation failed.
type Allocator interface {
	// Allocate returns a zero-initialized buffer of size bytes.
	Allocate(size int) []byte
	// AllocateUninitialized returns a buffer whose contents are undefined.
	AllocateUninitialized(size int) []byte
	// Free releases a buffer previously returned by this allocator.
	Free(buf []byte, size int)
	// Reallocate resizes buf. Reallocating to zero bytes frees it and returns nil.
	Reallocate(buf []byte, oldSize, newSize int) []byte
}

// Options configures New.
type Options struct {
	// Debug selects the tracking allocator.
	Debug bool
	// ZeroFillAll forces zeroing even for uninitialized requests.
	ZeroFillAll bool
	// MaxBufferSize bounds a single allocation; zero means DefaultMaxBufferSize.
	MaxBufferSize int64
	Logger        *zap.Logger
	Metrics       *monitoring.Metrics
}

// New creates the allocator selected by opts. The result is a *Debug when
// opts.Debug is set and a *Passthrough otherwise.
func New(opts Options) Allocator {
	base := NewPassthrough(opts)
	if opts.Debug {
		return NewDebug(base, opts.Logger, opts.Metrics)
	}
	return base
}

// Close runs the allocator's shutdown checks, if it has any.
func Close(a Allocator) {
	if c, ok := a.(interface{ Close() }); ok {
		c.Close()
	}
}

// address returns the identity of a buffer's backing array.
func address(buf []byte) unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(buf))
}

// ZeroFiller is implemented by allocators with a zero-fill toggle.
type ZeroFiller interface {
	SetZeroFill(on bool)
}
