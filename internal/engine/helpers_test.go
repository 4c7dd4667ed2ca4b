package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/envhost/internal/allocator"
	"github.com/GriffinCanCode/envhost/internal/platform"
)

func fixedMemory(total uint64) MemoryProbe {
	return func() (uint64, uint64) { return total, 0 }
}

func newTestIsolate(t *testing.T, opts ...IsolateOption) *Isolate {
	t.Helper()
	p := platform.New(platform.Options{WorkerThreads: 1})
	t.Cleanup(p.Shutdown)

	opts = append([]IsolateOption{WithMemoryProbe(fixedMemory(8 << 30))}, opts...)
	iso, err := NewIsolate(allocator.New(allocator.Options{}), platform.NewEventLoop(), p, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		iso.SetData(nil)
		iso.Dispose()
	})
	return iso
}

func newTestContext(t *testing.T, opts ...IsolateOption) *Context {
	t.Helper()
	ctx, err := NewContext(newTestIsolate(t, opts...), nil)
	require.NoError(t, err)
	return ctx
}
