// Package platform schedules work for isolates.
//
// A Platform owns a bounded pool of background workers and, for every
// registered isolate, a FIFO foreground queue that only the isolate's owner
// goroutine flushes. Isolates register exactly once before first use and
// unregister exactly once before destruction; posting work for an isolate
// that is not registered is a hosting bug and fails fatally.
//
// DrainTasks is the barrier between "environment logically done" and
// "isolate safe to destroy": it blocks until no background task for the
// isolate is in flight and the foreground queue stays empty.
//
// Usage:
//
//	p := platform.New(platform.Options{WorkerThreads: 4})
//	defer p.Shutdown()
//
//	loop := platform.NewEventLoop()
//	p.RegisterIsolate(iso, loop)
//	p.PostBackgroundTask(iso, func() { ... })
//	p.DrainTasks(iso)
//	p.UnregisterIsolate(iso)
package platform
