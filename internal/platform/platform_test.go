package platform

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/envhost/internal/check"
	"github.com/GriffinCanCode/envhost/internal/shared/id"
)

type fakeIsolate struct{ id id.IsolateID }

func (f fakeIsolate) ID() id.IsolateID { return f.id }

func newIsolate() fakeIsolate { return fakeIsolate{id: id.NewIsolateID()} }

func newPlatform(t *testing.T, workers int) *Platform {
	t.Helper()
	p := New(Options{WorkerThreads: workers})
	t.Cleanup(p.Shutdown)
	return p
}

func TestNewDefaultsWorkerThreads(t *testing.T) {
	p := newPlatform(t, 0)
	assert.GreaterOrEqual(t, p.WorkerThreads(), 1)
	assert.LessOrEqual(t, p.WorkerThreads(), DefaultWorkerThreads)
}

func TestRegisterTwiceIsFatal(t *testing.T) {
	p := newPlatform(t, 1)
	iso := newIsolate()
	p.RegisterIsolate(iso, NewEventLoop())

	v := check.Recover(func() { p.RegisterIsolate(iso, NewEventLoop()) })
	require.NotNil(t, v)
	assert.Equal(t, "platform.register_isolate", v.Op)
}

func TestPostingToUnregisteredIsolateIsFatal(t *testing.T) {
	p := newPlatform(t, 1)
	iso := newIsolate()

	tests := []struct {
		name string
		op   string
		fn   func()
	}{
		{"foreground", "platform.post_task", func() { p.PostTask(iso, func() {}) }},
		{"background", "platform.post_background_task", func() { p.PostBackgroundTask(iso, func() {}) }},
		{"delayed", "platform.post_delayed_task", func() { p.PostDelayedTask(iso, func() {}, time.Second) }},
		{"drain", "platform.drain_tasks", func() { p.DrainTasks(iso) }},
		{"unregister", "platform.unregister_isolate", func() { p.UnregisterIsolate(iso) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := check.Recover(tt.fn)
			require.NotNil(t, v)
			assert.Equal(t, tt.op, v.Op)
		})
	}
}

func TestForegroundTasksRunInOrder(t *testing.T) {
	p := newPlatform(t, 1)
	iso := newIsolate()
	loop := NewEventLoop()
	p.RegisterIsolate(iso, loop)

	var order []int
	for i := 0; i < 5; i++ {
		p.PostTask(iso, func() { order = append(order, i) })
	}

	assert.True(t, loop.WaitTimeout(time.Second), "posting must wake the loop")
	assert.True(t, p.FlushForegroundTasks(iso))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.False(t, p.FlushForegroundTasks(iso))
}

func TestTasksPostedDuringFlushWaitForNextFlush(t *testing.T) {
	p := newPlatform(t, 1)
	iso := newIsolate()
	p.RegisterIsolate(iso, NewEventLoop())

	ran := 0
	p.PostTask(iso, func() {
		ran++
		p.PostTask(iso, func() { ran++ })
	})

	p.FlushForegroundTasks(iso)
	assert.Equal(t, 1, ran)
	p.FlushForegroundTasks(iso)
	assert.Equal(t, 2, ran)
}

func TestDrainWaitsForBackgroundAndForeground(t *testing.T) {
	p := newPlatform(t, 4)
	iso := newIsolate()
	p.RegisterIsolate(iso, NewEventLoop())

	var background atomic.Int32
	foreground := 0
	release := make(chan struct{})

	for i := 0; i < 8; i++ {
		p.PostBackgroundTask(iso, func() {
			<-release
			background.Add(1)
			// completion work reported back to the owner
			p.PostTask(iso, func() { foreground++ })
		})
	}
	assert.Equal(t, 8, p.PendingBackgroundTasks(iso))
	assert.True(t, p.HasPendingTasks(iso))

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()
	p.DrainTasks(iso)

	assert.Equal(t, int32(8), background.Load())
	assert.Equal(t, 8, foreground)
	assert.Equal(t, 0, p.PendingBackgroundTasks(iso))
	assert.False(t, p.HasPendingTasks(iso))
}

func TestDrainRepeatsUntilQuiescent(t *testing.T) {
	p := newPlatform(t, 2)
	iso := newIsolate()
	p.RegisterIsolate(iso, NewEventLoop())

	// each foreground step schedules more background work
	depth := 0
	var step func()
	step = func() {
		depth++
		if depth < 5 {
			p.PostBackgroundTask(iso, func() { p.PostTask(iso, step) })
		}
	}
	p.PostTask(iso, step)

	p.DrainTasks(iso)
	assert.Equal(t, 5, depth)
}

func TestDrainIsolatesAreIndependent(t *testing.T) {
	p := newPlatform(t, 2)
	a, b := newIsolate(), newIsolate()
	p.RegisterIsolate(a, NewEventLoop())
	p.RegisterIsolate(b, NewEventLoop())

	block := make(chan struct{})
	defer close(block)
	p.PostBackgroundTask(b, func() { <-block })

	done := make(chan struct{})
	go func() {
		p.DrainTasks(a)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drain of an idle isolate blocked on another isolate's work")
	}
}

func TestDelayedTask(t *testing.T) {
	p := newPlatform(t, 1)
	iso := newIsolate()
	loop := NewEventLoop()
	p.RegisterIsolate(iso, loop)

	ran := false
	p.PostDelayedTask(iso, func() { ran = true }, 5*time.Millisecond)
	assert.True(t, p.HasPendingTasks(iso))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, loop.Wait(ctx))
	p.FlushForegroundTasks(iso)
	assert.True(t, ran)
}

func TestDelayedTaskDroppedAfterUnregister(t *testing.T) {
	p := newPlatform(t, 1)
	iso := newIsolate()
	loop := NewEventLoop()
	p.RegisterIsolate(iso, loop)

	p.PostDelayedTask(iso, func() { t.Error("delayed task ran after unregister") }, 20*time.Millisecond)
	p.UnregisterIsolate(iso)

	assert.False(t, loop.WaitTimeout(50*time.Millisecond))
}

func TestUnregisterRunsFinishedCallbacks(t *testing.T) {
	p := newPlatform(t, 1)
	iso := newIsolate()
	p.RegisterIsolate(iso, NewEventLoop())

	var calls []string
	p.AddIsolateFinishedCallback(iso, func() { calls = append(calls, "first") })
	p.AddIsolateFinishedCallback(iso, func() { calls = append(calls, "second") })
	p.PostTask(iso, func() { t.Error("discarded task ran") })

	p.UnregisterIsolate(iso)
	assert.Equal(t, []string{"first", "second"}, calls)
	assert.False(t, p.IsRegistered(iso))

	// the id may be registered again afterwards
	p.RegisterIsolate(iso, NewEventLoop())
	assert.True(t, p.IsRegistered(iso))
}

func TestShutdownFinishesQueuedWork(t *testing.T) {
	p := New(Options{WorkerThreads: 2})
	iso := newIsolate()
	p.RegisterIsolate(iso, NewEventLoop())

	var ran atomic.Int32
	for i := 0; i < 20; i++ {
		p.PostBackgroundTask(iso, func() { ran.Add(1) })
	}
	p.Shutdown()
	p.Shutdown()

	assert.Equal(t, int32(20), ran.Load())
	v := check.Recover(func() { p.PostBackgroundTask(iso, func() {}) })
	require.NotNil(t, v)
	assert.Zero(t, p.PendingBackgroundTasks(iso))

	drained := make(chan struct{})
	go func() {
		p.DrainTasks(iso)
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatal("DrainTasks blocked on a rejected background task")
	}
}

func TestConcurrentPosting(t *testing.T) {
	p := newPlatform(t, 4)
	iso := newIsolate()
	p.RegisterIsolate(iso, NewEventLoop())

	var background atomic.Int32
	foreground := 0

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				p.PostBackgroundTask(iso, func() { background.Add(1) })
				p.PostTask(iso, func() { foreground++ })
			}
		}()
	}
	wg.Wait()
	p.DrainTasks(iso)

	assert.Equal(t, int32(400), background.Load())
	assert.Equal(t, 400, foreground)
}

func TestEventLoopCoalescesWakeups(t *testing.T) {
	loop := NewEventLoop()
	loop.Wake()
	loop.Wake()
	assert.True(t, loop.WaitTimeout(time.Millisecond))
	assert.False(t, loop.WaitTimeout(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, loop.Wait(ctx), context.Canceled)
}
