package allocator

import (
	"sync"
	"unsafe"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/envhost/internal/check"
	"github.com/GriffinCanCode/envhost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/envhost/internal/infrastructure/monitoring"
)

// Debug tracks every live buffer handed out by the wrapped allocator.
//
// A single mutex covers the delegate call and the registry update as one
// unit: entries are cross-referenced by address, so a reallocation that
// moves a buffer must not interleave with an allocation that lands on the
// old address.
type Debug struct {
	base    Allocator
	logger  *zap.Logger
	metrics *monitoring.Metrics

	mu          sync.Mutex
	allocations map[unsafe.Pointer]int
	liveBytes   int64
}

// Stats describes the registry contents.
type Stats struct {
	Allocations int
	Bytes       int64
}

// NewDebug wraps base with allocation tracking.
func NewDebug(base Allocator, logger *zap.Logger, metrics *monitoring.Metrics) *Debug {
	check.That(base != nil, "allocator.new_debug", "base allocator must not be nil")
	return &Debug{
		base:        base,
		logger:      logging.OrNop(logger).Named("allocator"),
		metrics:     metrics,
		allocations: make(map[unsafe.Pointer]int),
	}
}

// Base returns the wrapped allocator.
func (d *Debug) Base() Allocator {
	return d.base
}

func (d *Debug) Allocate(size int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf := d.base.Allocate(size)
	d.register(buf, size)
	return buf
}

func (d *Debug) AllocateUninitialized(size int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf := d.base.AllocateUninitialized(size)
	d.register(buf, size)
	return buf
}

func (d *Debug) Free(buf []byte, size int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unregister(buf, size)
	d.base.Free(buf, size)
}

func (d *Debug) Reallocate(buf []byte, oldSize, newSize int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := d.base.Reallocate(buf, oldSize, newSize)
	if out == nil {
		if newSize == 0 {
			d.unregister(buf, oldSize)
		}
		return nil
	}

	if buf != nil {
		key := address(buf)
		prev, ok := d.allocations[key]
		check.That(ok, "allocator.reallocate", "buffer %p is not registered", key)
		delete(d.allocations, key)
		d.liveBytes -= int64(prev)
	}

	d.register(out, newSize)
	return out
}

// RegisterPointer records a buffer created outside this allocator.
func (d *Debug) RegisterPointer(buf []byte, size int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.register(buf, size)
}

// UnregisterPointer forgets a buffer previously registered.
func (d *Debug) UnregisterPointer(buf []byte, size int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unregister(buf, size)
}

// Registered reports whether buf is live and, if so, its recorded size.
func (d *Debug) Registered(buf []byte) (int, bool) {
	if buf == nil {
		return 0, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	size, ok := d.allocations[address(buf)]
	return size, ok
}

// Stats returns a snapshot of the registry.
func (d *Debug) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{Allocations: len(d.allocations), Bytes: d.liveBytes}
}

// Close performs leak detection: the registry must be empty.
func (d *Debug) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := len(d.allocations); n != 0 {
		d.logger.Error("Live allocations at shutdown",
			zap.Int("allocations", n),
			zap.Int64("bytes", d.liveBytes),
		)
		check.Fail("allocator.close", "%d allocations (%d bytes) still registered", n, d.liveBytes)
	}
}

// register and unregister expect d.mu to be held.

func (d *Debug) register(buf []byte, size int) {
	if buf == nil {
		return
	}
	key := address(buf)
	_, exists := d.allocations[key]
	check.That(!exists, "allocator.register", "buffer %p is already registered", key)
	d.allocations[key] = size
	d.liveBytes += int64(size)
	d.metrics.SetAllocations(len(d.allocations), d.liveBytes)
}

func (d *Debug) unregister(buf []byte, size int) {
	if buf == nil {
		return
	}
	key := address(buf)
	registered, ok := d.allocations[key]
	check.That(ok, "allocator.unregister", "buffer %p is not registered", key)
	// size 0 frees are exempt: empty buffers may be backed by a 1-byte array
	if size > 0 {
		check.That(registered == size, "allocator.unregister",
			"buffer %p registered with %d bytes, freed with %d", key, registered, size)
	}
	delete(d.allocations, key)
	d.liveBytes -= int64(registered)
	d.metrics.SetAllocations(len(d.allocations), d.liveBytes)
}

// SetZeroFill forwards the zero-fill toggle to the wrapped allocator.
func (d *Debug) SetZeroFill(on bool) {
	if z, ok := d.base.(ZeroFiller); ok {
		z.SetZeroFill(on)
	}
}
