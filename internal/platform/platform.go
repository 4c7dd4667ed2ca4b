package platform

import (
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/envhost/internal/check"
	"github.com/GriffinCanCode/envhost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/envhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/envhost/internal/shared/id"
)

// DefaultWorkerThreads caps the pool size when none is configured.
const DefaultWorkerThreads = 4

const (
	kindForeground = "foreground"
	kindBackground = "background"
	kindDelayed    = "delayed"
)

// Task is a unit of scheduled work.
type Task func()

// Isolate is the identity the platform schedules against.
type Isolate interface {
	ID() id.IsolateID
}

// Options configures New.
type Options struct {
	// WorkerThreads is the background pool size; zero picks
	// min(runtime.NumCPU(), DefaultWorkerThreads).
	WorkerThreads int
	Logger        *zap.Logger
	Metrics       *monitoring.Metrics
}

// Platform is safe for concurrent use.
type Platform struct {
	logger  *zap.Logger
	metrics *monitoring.Metrics
	workers int

	mu       sync.Mutex
	isolates map[id.IsolateID]*isolateData

	queueMu  sync.Mutex
	queueCnd *sync.Cond
	queue    []job
	closed   bool

	group        *errgroup.Group
	shutdownOnce sync.Once
}

type job struct {
	data *isolateData
	task Task
}

// isolateData is the per-isolate scheduling state.
type isolateData struct {
	id   id.IsolateID
	loop *EventLoop

	mu         sync.Mutex
	idle       *sync.Cond // signalled when pending drops to zero
	foreground []Task
	pending    int
	timers     map[*time.Timer]struct{}
	finished   []func()
	removed    bool
}

// New starts the worker pool.
func New(opts Options) *Platform {
	workers := opts.WorkerThreads
	if workers <= 0 {
		workers = min(runtime.NumCPU(), DefaultWorkerThreads)
	}

	p := &Platform{
		logger:   logging.OrNop(opts.Logger).Named("platform"),
		metrics:  opts.Metrics,
		workers:  workers,
		isolates: make(map[id.IsolateID]*isolateData),
		group:    new(errgroup.Group),
	}
	p.queueCnd = sync.NewCond(&p.queueMu)

	for i := 0; i < workers; i++ {
		p.group.Go(p.work)
	}
	p.metrics.SetWorkerThreads(workers)
	p.logger.Debug("Platform started", zap.Int("workers", workers))
	return p
}

// WorkerThreads returns the pool size.
func (p *Platform) WorkerThreads() int {
	return p.workers
}

// RegisterIsolate associates iso with a foreground queue woken through loop.
// It must be called exactly once, before iso runs any task.
func (p *Platform) RegisterIsolate(iso Isolate, loop *EventLoop) {
	check.NotNil(iso, "platform.register_isolate", "isolate")
	check.That(loop != nil, "platform.register_isolate", "event loop must not be nil")

	p.mu.Lock()
	defer p.mu.Unlock()

	key := iso.ID()
	_, exists := p.isolates[key]
	check.That(!exists, "platform.register_isolate", "isolate %s registered twice", key)

	data := &isolateData{
		id:     key,
		loop:   loop,
		timers: make(map[*time.Timer]struct{}),
	}
	data.idle = sync.NewCond(&data.mu)
	p.isolates[key] = data
	p.metrics.IsolateRegistered()
}

// UnregisterIsolate removes iso. Queued foreground tasks and pending delayed
// tasks are discarded, then the isolate-finished callbacks run.
func (p *Platform) UnregisterIsolate(iso Isolate) {
	check.NotNil(iso, "platform.unregister_isolate", "isolate")

	p.mu.Lock()
	key := iso.ID()
	data, ok := p.isolates[key]
	check.That(ok, "platform.unregister_isolate", "isolate %s is not registered", key)
	delete(p.isolates, key)
	p.mu.Unlock()

	data.mu.Lock()
	data.removed = true
	for t := range data.timers {
		t.Stop()
	}
	clear(data.timers)
	dropped := len(data.foreground)
	data.foreground = nil
	callbacks := data.finished
	data.finished = nil
	data.mu.Unlock()

	if dropped > 0 {
		p.logger.Debug("Discarded foreground tasks",
			logging.IsolateID(key.String()),
			zap.Int("tasks", dropped),
		)
	}
	p.metrics.IsolateUnregistered()

	for _, cb := range callbacks {
		cb()
	}
}

// IsRegistered reports whether iso currently has scheduling state.
func (p *Platform) IsRegistered(iso Isolate) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.isolates[iso.ID()]
	return ok
}

// AddIsolateFinishedCallback runs cb when iso is unregistered.
func (p *Platform) AddIsolateFinishedCallback(iso Isolate, cb func()) {
	data := p.lookup(iso, "platform.add_isolate_finished_callback")
	data.mu.Lock()
	defer data.mu.Unlock()
	data.finished = append(data.finished, cb)
}

// PostTask queues a foreground task and wakes the isolate's loop.
func (p *Platform) PostTask(iso Isolate, task Task) {
	check.That(task != nil, "platform.post_task", "task must not be nil")
	data := p.lookup(iso, "platform.post_task")
	p.enqueueForeground(data, task, kindForeground)
}

// PostDelayedTask queues a foreground task after delay. The task is dropped
// if the isolate is unregistered first.
func (p *Platform) PostDelayedTask(iso Isolate, task Task, delay time.Duration) {
	check.That(task != nil, "platform.post_delayed_task", "task must not be nil")
	data := p.lookup(iso, "platform.post_delayed_task")
	if delay <= 0 {
		p.enqueueForeground(data, task, kindDelayed)
		return
	}

	data.mu.Lock()
	defer data.mu.Unlock()
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		data.mu.Lock()
		delete(data.timers, timer)
		removed := data.removed
		data.mu.Unlock()
		if !removed {
			p.enqueueForeground(data, task, kindDelayed)
		}
	})
	data.timers[timer] = struct{}{}
}

// PostBackgroundTask runs task on the worker pool. The isolate's pending
// count covers the task until it returns.
func (p *Platform) PostBackgroundTask(iso Isolate, task Task) {
	check.That(task != nil, "platform.post_background_task", "task must not be nil")
	data := p.lookup(iso, "platform.post_background_task")

	p.queueMu.Lock()
	if p.closed {
		p.queueMu.Unlock()
		check.Fail("platform.post_background_task", "platform is shut down")
	}
	data.mu.Lock()
	data.pending++
	data.mu.Unlock()
	p.queue = append(p.queue, job{data: data, task: task})
	p.queueMu.Unlock()
	p.queueCnd.Signal()

	p.metrics.TaskPosted(kindBackground)
}

// FlushForegroundTasks runs the foreground tasks queued for iso on the
// calling goroutine and reports whether any ran. Tasks posted while flushing
// wait for the next flush.
func (p *Platform) FlushForegroundTasks(iso Isolate) bool {
	data := p.lookup(iso, "platform.flush_foreground_tasks")

	data.mu.Lock()
	tasks := data.foreground
	data.foreground = nil
	data.mu.Unlock()

	for _, task := range tasks {
		task()
		p.metrics.TaskCompleted(kindForeground)
	}
	return len(tasks) > 0
}

// DrainTasks blocks until no background task for iso is in flight and a
// foreground flush runs nothing. It must be called from the isolate's owner
// goroutine. There is no timeout.
func (p *Platform) DrainTasks(iso Isolate) {
	data := p.lookup(iso, "platform.drain_tasks")
	start := time.Now()

	for {
		data.mu.Lock()
		for data.pending > 0 {
			data.idle.Wait()
		}
		data.mu.Unlock()

		if !p.FlushForegroundTasks(iso) {
			break
		}
	}
	p.metrics.ObserveDrain(time.Since(start))
}

// PendingBackgroundTasks returns the number of in-flight background tasks.
func (p *Platform) PendingBackgroundTasks(iso Isolate) int {
	data := p.lookup(iso, "platform.pending_background_tasks")
	data.mu.Lock()
	defer data.mu.Unlock()
	return data.pending
}

// HasPendingTasks reports whether iso has queued or in-flight work,
// including delayed tasks that have not fired yet.
func (p *Platform) HasPendingTasks(iso Isolate) bool {
	data := p.lookup(iso, "platform.has_pending_tasks")
	data.mu.Lock()
	defer data.mu.Unlock()
	return data.pending > 0 || len(data.foreground) > 0 || len(data.timers) > 0
}

// Shutdown stops accepting background work and waits for queued background
// tasks to finish. Safe to call more than once.
func (p *Platform) Shutdown() {
	p.shutdownOnce.Do(func() {
		p.queueMu.Lock()
		p.closed = true
		p.queueMu.Unlock()
		p.queueCnd.Broadcast()

		_ = p.group.Wait()
		p.metrics.SetWorkerThreads(0)
		p.logger.Debug("Platform shut down")
	})
}

func (p *Platform) lookup(iso Isolate, op string) *isolateData {
	check.NotNil(iso, op, "isolate")
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.isolates[iso.ID()]
	check.That(ok, op, "isolate %s is not registered", iso.ID())
	return data
}

func (p *Platform) enqueueForeground(data *isolateData, task Task, kind string) {
	data.mu.Lock()
	if data.removed {
		data.mu.Unlock()
		return
	}
	data.foreground = append(data.foreground, task)
	data.mu.Unlock()

	p.metrics.TaskPosted(kind)
	data.loop.Wake()
}

// work is the body of one pool goroutine. It exits once the platform is
// closed and the queue is empty.
func (p *Platform) work() error {
	for {
		p.queueMu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.queueCnd.Wait()
		}
		if len(p.queue) == 0 {
			p.queueMu.Unlock()
			return nil
		}
		j := p.queue[0]
		p.queue[0] = job{}
		p.queue = p.queue[1:]
		p.queueMu.Unlock()

		p.run(j)
	}
}

func (p *Platform) run(j job) {
	defer func() {
		data := j.data
		data.mu.Lock()
		data.pending--
		if data.pending == 0 {
			data.idle.Broadcast()
		}
		data.mu.Unlock()
		p.metrics.TaskCompleted(kindBackground)
		data.loop.Wake()
	}()
	j.task()
}
