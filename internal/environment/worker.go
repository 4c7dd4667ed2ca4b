package environment

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/envhost/internal/check"
	"github.com/GriffinCanCode/envhost/internal/engine"
	"github.com/GriffinCanCode/envhost/internal/errors"
	"github.com/GriffinCanCode/envhost/internal/inspector"
	"github.com/GriffinCanCode/envhost/internal/platform"
	"github.com/GriffinCanCode/envhost/internal/shared/id"
	"github.com/GriffinCanCode/envhost/internal/threadid"
)

// WorkerOptions configures SpawnWorker.
type WorkerOptions struct {
	Argv     []string
	ExecArgv []string
	// URL names the worker in inspector sessions.
	URL string
	// OnExit runs on the parent's goroutine once the worker finished,
	// unless the parent is stopping by then.
	OnExit func(exitCode int, err error)
}

// Worker is a child environment running on its own goroutine with its own
// isolate and thread id.
type Worker struct {
	id     id.WorkerID
	parent *Environment
	tid    threadid.ThreadID
	opts   WorkerOptions

	ctx    context.Context
	cancel context.CancelFunc

	started chan struct{}
	done    chan struct{}

	mu       sync.Mutex
	iso      *engine.Isolate
	env      *Environment
	running  bool
	exitCode int
	err      error
}

// SpawnWorker starts source in a new child environment of parent. It
// returns once the child is bootstrapped, or with the bootstrap error.
func SpawnWorker(parent *Environment, source string, opts WorkerOptions) (*Worker, error) {
	check.That(parent != nil, "environment.spawn_worker", "parent environment must not be nil")
	if parent.IsStopping() || parent.State() >= StateCleaningUp {
		return nil, errors.InvalidState(errors.PhaseWorker, "parent environment is stopping")
	}

	tid := parent.data.threadIDs.Next()
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		id:      id.NewWorkerID(),
		parent:  parent,
		tid:     tid,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
	if opts.URL == "" {
		w.opts.URL = "worker:" + tid.String()
	}
	handle := GetInspectorParentHandle(parent, tid, w.opts.URL)

	parent.workersMu.Lock()
	parent.workers[w] = struct{}{}
	parent.workersMu.Unlock()

	go w.run(source, handle)
	<-w.started

	w.mu.Lock()
	err := w.err
	w.mu.Unlock()
	if err != nil {
		<-w.done
		parent.forgetWorker(w)
		return nil, err
	}

	parent.data.metrics.WorkerSpawned()
	parent.logger.Debug("Worker started", zap.String("worker", w.id.String()), zap.Stringer("thread", tid))
	return w, nil
}

func (w *Worker) run(source string, handle *inspector.ParentHandle) {
	defer close(w.done)

	env, err := w.bootstrap()
	if err != nil {
		w.mu.Lock()
		w.err = err
		w.mu.Unlock()
		close(w.started)
		return
	}
	close(w.started)

	_, runErr := LoadEnvironmentSource(env, source, handle)
	if runErr == nil {
		runErr = SpinEventLoop(w.ctx, env)
		if w.ctx.Err() != nil {
			runErr = nil
		}
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	code := env.ExitCode()
	if !env.IsStopping() && w.ctx.Err() == nil {
		if c, err := EmitProcessExit(env); err == nil {
			code = c
		}
	}
	if runErr != nil && code == 0 {
		code = 1
	}

	iso, ctx := env.iso, env.context
	FreeEnvironment(env)
	ctx.Dispose()
	iso.Dispose()

	w.mu.Lock()
	w.exitCode, w.err = code, runErr
	w.mu.Unlock()

	w.parent.data.platform.PostTask(w.parent.iso, func() { w.parent.workerExited(w) })
}

// bootstrap creates the child's isolate, context and environment.
func (w *Worker) bootstrap() (*Environment, error) {
	data := w.parent.data
	iso, err := data.NewIsolate(platform.NewEventLoop())
	if err != nil {
		return nil, err
	}
	ctx, err := engine.NewContext(iso, nil)
	if err != nil {
		iso.Dispose()
		return nil, err
	}

	env, err := create(data.forIsolate(iso), ctx, w.opts.Argv, w.opts.ExecArgv, FlagPrepareForExecution, w.tid, w)
	if err != nil {
		ctx.Dispose()
		iso.Dispose()
		return nil, err
	}

	w.mu.Lock()
	w.iso, w.env, w.running = iso, env, true
	w.mu.Unlock()
	return env, nil
}

// Stop terminates the worker and waits for it to finish. Safe to call
// more than once and from any goroutine.
func (w *Worker) Stop() {
	w.cancel()
	w.mu.Lock()
	if w.running {
		w.env.stopping.Store(true)
		w.iso.Interrupt("worker terminated")
		w.iso.Loop().Wake()
	}
	w.mu.Unlock()
	<-w.done
}

// Wait blocks until the worker finished and returns its exit code and
// error.
func (w *Worker) Wait() (int, error) {
	<-w.done
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitCode, w.err
}

// Done is closed once the worker finished.
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) ID() id.WorkerID             { return w.id }
func (w *Worker) ThreadID() threadid.ThreadID { return w.tid }

// workerExited runs on the parent's goroutine.
func (env *Environment) workerExited(w *Worker) {
	env.forgetWorker(w)

	code, err := w.Wait()
	reason := "exited"
	switch {
	case errors.IsKind(err, errors.KindTerminated) || w.ctx.Err() != nil:
		reason = "terminated"
	case err != nil:
		reason = "failed"
	}
	env.data.metrics.WorkerFinished(reason)
	env.logger.Debug("Worker finished",
		zap.String("worker", w.id.String()),
		zap.Int("exit_code", code),
		zap.String("reason", reason),
	)

	if w.opts.OnExit == nil || env.IsStopping() {
		return
	}
	if err := env.iso.WithContext(env.context, func() error {
		w.opts.OnExit(code, err)
		return nil
	}); err != nil {
		env.logger.Debug("Microtasks failed after worker exit", zap.Error(err))
	}
}

func (env *Environment) forgetWorker(w *Worker) {
	env.workersMu.Lock()
	delete(env.workers, w)
	env.workersMu.Unlock()
}

// LiveWorkers returns the number of workers that have not been reported
// as finished.
func (env *Environment) LiveWorkers() int {
	env.workersMu.Lock()
	defer env.workersMu.Unlock()
	return len(env.workers)
}

// stopSubWorkers stops every live worker concurrently and waits for all of
// them.
func (env *Environment) stopSubWorkers() {
	env.workersMu.Lock()
	workers := make([]*Worker, 0, len(env.workers))
	for w := range env.workers {
		workers = append(workers, w)
	}
	env.workersMu.Unlock()
	if len(workers) == 0 {
		return
	}

	var g errgroup.Group
	for _, w := range workers {
		g.Go(func() error {
			w.Stop()
			return nil
		})
	}
	_ = g.Wait()
	env.logger.Debug("Stopped workers", zap.Int("count", len(workers)))
}
