package allocator

import (
	"sync/atomic"

	"github.com/GriffinCanCode/envhost/internal/infrastructure/monitoring"
)

// Passthrough allocates from the Go heap. Free is a no-op; the collector
// reclaims buffers once nothing references them.
type Passthrough struct {
	zeroFill    atomic.Bool
	zeroFillAll bool
	maxSize     int64
	metrics     *monitoring.Metrics
}

// NewPassthrough creates a passthrough allocator.
func NewPassthrough(opts Options) *Passthrough {
	limit := opts.MaxBufferSize
	if limit <= 0 {
		limit = DefaultMaxBufferSize
	}
	p := &Passthrough{
		zeroFillAll: opts.ZeroFillAll,
		maxSize:     limit,
		metrics:     opts.Metrics,
	}
	p.zeroFill.Store(true)
	return p
}

// SetZeroFill toggles zeroing for Allocate. Buffer pools turn it off while
// they carve out slabs they overwrite immediately.
func (p *Passthrough) SetZeroFill(on bool) {
	p.zeroFill.Store(on)
}

// ZeroFill reports the current toggle state.
func (p *Passthrough) ZeroFill() bool {
	return p.zeroFill.Load()
}

// MaxBufferSize returns the per-allocation limit.
func (p *Passthrough) MaxBufferSize() int64 {
	return p.maxSize
}

func (p *Passthrough) Allocate(size int) []byte {
	if p.zeroFill.Load() || p.zeroFillAll {
		return p.calloc(size, "allocate")
	}
	return p.malloc(size, "allocate")
}

func (p *Passthrough) AllocateUninitialized(size int) []byte {
	if p.zeroFillAll {
		return p.calloc(size, "allocate_uninitialized")
	}
	return p.malloc(size, "allocate_uninitialized")
}

func (p *Passthrough) Free(buf []byte, size int) {}

func (p *Passthrough) Reallocate(buf []byte, oldSize, newSize int) []byte {
	if newSize == 0 {
		return nil
	}
	if !p.fits(newSize) {
		p.metrics.AllocationFailed("reallocate")
		return nil
	}
	if buf != nil && newSize <= cap(buf) {
		grown := buf[:newSize]
		if kept := max(oldSize, 0); newSize > kept {
			clear(grown[kept:])
		}
		return grown
	}

	out := make([]byte, newSize)
	if buf != nil {
		copy(out, buf[:min(max(oldSize, 0), newSize, cap(buf))])
	}
	return out
}

func (p *Passthrough) fits(size int) bool {
	return size >= 0 && int64(size) <= p.maxSize
}

// calloc and malloc coincide on the Go heap, which never hands out dirty
// memory; the split keeps the zero-fill contract explicit for callers.
func (p *Passthrough) calloc(size int, op string) []byte {
	return p.malloc(size, op)
}

func (p *Passthrough) malloc(size int, op string) []byte {
	if !p.fits(size) {
		p.metrics.AllocationFailed(op)
		return nil
	}
	if size == 0 {
		return make([]byte, 1)[:0]
	}
	return make([]byte, size)
}
