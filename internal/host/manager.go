package host

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/envhost/internal/allocator"
	"github.com/GriffinCanCode/envhost/internal/engine"
	"github.com/GriffinCanCode/envhost/internal/environment"
	"github.com/GriffinCanCode/envhost/internal/errors"
	"github.com/GriffinCanCode/envhost/internal/infrastructure/config"
	"github.com/GriffinCanCode/envhost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/envhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/envhost/internal/inspector"
	"github.com/GriffinCanCode/envhost/internal/loader"
	"github.com/GriffinCanCode/envhost/internal/platform"
	"github.com/GriffinCanCode/envhost/internal/shared/id"
	"github.com/GriffinCanCode/envhost/internal/threadid"
)

// Status is the coarse lifecycle of an instance.
type Status string

const (
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
	StatusFailed  Status = "failed"
	StatusStopped Status = "stopped"
)

// Spec describes a program to run in a new environment.
type Spec struct {
	Name     string
	Source   string
	Argv     []string
	ExecArgv []string
}

// Instance is a snapshot of one environment.
type Instance struct {
	ID         id.EnvironmentID  `json:"id"`
	Name       string            `json:"name"`
	ThreadID   threadid.ThreadID `json:"thread_id"`
	Status     Status            `json:"status"`
	State      string            `json:"state"`
	ExitCode   int               `json:"exit_code"`
	Error      string            `json:"error,omitempty"`
	Workers    int               `json:"workers"`
	CreatedAt  time.Time         `json:"created_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// Stats counts instances by status.
type Stats struct {
	Total   int `json:"total"`
	Running int `json:"running"`
	Exited  int `json:"exited"`
	Failed  int `json:"failed"`
	Stopped int `json:"stopped"`
}

type instance struct {
	info Instance // Protected by Manager.mu
	env  *environment.Environment
	err  error // Protected by Manager.mu

	cancel context.CancelFunc
	done   chan struct{}
}

// Manager orchestrates environment lifecycle
type Manager struct {
	cfg       *config.Config
	logger    *zap.Logger
	metrics   *monitoring.Metrics
	platform  *platform.Platform
	allocator allocator.Allocator
	loader    *loader.Loader
	inspector inspector.Inspector
	threadIDs *threadid.Allocator
	settings  engine.Settings

	mu        sync.RWMutex
	instances map[id.EnvironmentID]*instance // Protected by mu
	closed    bool                           // Protected by mu
	torndown  chan struct{}                  // Protected by mu; closed once teardown finishes
	spawning  sync.WaitGroup                 // Spawn calls admitted before closed was set
}

// NewManager builds the shared platform pieces from cfg. A nil cfg means
// config.Default().
func NewManager(cfg *config.Config, logger *zap.Logger, metrics *monitoring.Metrics) (*Manager, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	settings, err := Settings(cfg.Engine)
	if err != nil {
		return nil, err
	}
	logger = logging.OrNop(logger).Named("host")

	l := loader.New(logger)
	if cfg.Engine.ModulePath != "" {
		n, err := l.LoadDir(cfg.Engine.ModulePath, cfg.Engine.ModulePattern)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseLoader, errors.KindNotFound, err, "failed to load modules from "+cfg.Engine.ModulePath)
		}
		logger.Info("Loaded modules", zap.String("path", cfg.Engine.ModulePath), zap.Int("count", n))
	}

	insp := inspector.Disabled()
	if cfg.Inspector.Enabled {
		insp = inspector.NewAgent(logger)
	}

	return &Manager{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		platform: platform.New(platform.Options{
			WorkerThreads: cfg.Platform.WorkerThreads,
			Logger:        logger,
			Metrics:       metrics,
		}),
		allocator: allocator.New(allocator.Options{
			Debug:         cfg.Allocator.Debug,
			ZeroFillAll:   cfg.Allocator.ZeroFillAll,
			MaxBufferSize: cfg.Allocator.MaxBufferBytes,
			Logger:        logger,
			Metrics:       metrics,
		}),
		loader:    l,
		inspector: insp,
		threadIDs: threadid.Default(),
		settings:  settings,
		instances: make(map[id.EnvironmentID]*instance),
	}, nil
}

// Settings translates engine configuration into isolate settings.
func Settings(c config.EngineConfig) (engine.Settings, error) {
	policy, err := engine.ParseMicrotasksPolicy(c.MicrotasksPolicy)
	if err != nil {
		return engine.Settings{}, err
	}
	s := engine.Settings{
		MicrotasksPolicy:         policy,
		AbortOnUncaughtException: c.AbortOnUncaughtException,
	}
	if c.MessageListener {
		s.Flags |= engine.MessageListenerWithErrorLevel
	}
	if c.DetailedSourcePositions {
		s.Flags |= engine.DetailedSourcePositionsForProfiling
	}
	return s, nil
}

func (m *Manager) Platform() *platform.Platform    { return m.platform }
func (m *Manager) Allocator() allocator.Allocator  { return m.allocator }
func (m *Manager) Loader() *loader.Loader          { return m.loader }
func (m *Manager) Inspector() inspector.Inspector  { return m.inspector }
func (m *Manager) Config() *config.Config          { return m.cfg }
func (m *Manager) Metrics() *monitoring.Metrics    { return m.metrics }
func (m *Manager) ThreadIDs() *threadid.Allocator  { return m.threadIDs }
func (m *Manager) EngineSettings() engine.Settings { return m.settings }

type started struct {
	env *environment.Environment
	err error
}

// Spawn bootstraps a new environment and starts spec.Source on it. It
// returns once the environment exists, or with the bootstrap error.
func (m *Manager) Spawn(ctx context.Context, spec Spec) (*Instance, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.InvalidState(errors.PhaseRuntime, "host is shut down")
	}
	m.spawning.Add(1)
	m.mu.Unlock()
	defer m.spawning.Done()

	if spec.Name == "" {
		spec.Name = "main"
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	inst := &instance{cancel: cancel, done: make(chan struct{})}
	ready := make(chan started, 1)
	go m.run(runCtx, inst, spec, ready)

	var s started
	select {
	case s = <-ready:
	case <-ctx.Done():
		cancel()
		if s := <-ready; s.env != nil {
			environment.Stop(s.env)
		}
		<-inst.done
		return nil, ctx.Err()
	}
	if s.err != nil {
		cancel()
		<-inst.done
		m.logger.Warn("Environment failed to start", zap.String("name", spec.Name), zap.Error(s.err))
		return nil, s.err
	}

	m.mu.Lock()
	inst.env = s.env
	if m.closed {
		m.mu.Unlock()
		m.stop(inst)
		m.logger.Warn("Environment started during shutdown", zap.String("name", spec.Name))
		return nil, errors.InvalidState(errors.PhaseRuntime, "host is shut down")
	}
	m.instances[inst.info.ID] = inst
	info := inst.info
	m.mu.Unlock()

	m.logger.Info("Environment started",
		zap.String("name", spec.Name),
		logging.EnvID(info.ID.String()),
		logging.ThreadID(uint64(info.ThreadID)),
	)
	return &info, nil
}

// Run spawns spec and waits for it to finish.
func (m *Manager) Run(ctx context.Context, spec Spec) (*Instance, error) {
	inst, err := m.Spawn(ctx, spec)
	if err != nil {
		return nil, err
	}
	return m.Wait(ctx, inst.ID)
}

// run owns the instance's isolate for its whole life.
func (m *Manager) run(ctx context.Context, inst *instance, spec Spec, ready chan<- started) {
	defer close(inst.done)
	defer inst.cancel()

	iso, err := engine.NewIsolate(m.allocator, platform.NewEventLoop(), m.platform,
		engine.WithSettings(m.settings),
		engine.WithDefaults(environment.IsolateDefaults()),
		engine.WithLoader(m.loader),
		engine.WithLogger(m.logger),
		engine.WithMetrics(m.metrics),
	)
	if err != nil {
		ready <- started{err: err}
		return
	}
	defer iso.Dispose()

	ectx, err := engine.NewContext(iso, nil)
	if err != nil {
		ready <- started{err: err}
		return
	}
	defer ectx.Dispose()

	data := environment.CreateIsolateData(iso,
		environment.WithInspector(m.inspector),
		environment.WithThreadIDs(m.threadIDs),
		environment.WithLogger(m.logger),
		environment.WithMetrics(m.metrics),
	)
	argv := append([]string{"envhost", spec.Name}, spec.Argv...)
	flags := environment.FlagOwnsInspector | environment.FlagPrepareForExecution
	env, err := environment.CreateEnvironment(data, ectx, argv, spec.ExecArgv, flags, m.threadIDs.Next())
	if err != nil {
		ready <- started{err: err}
		return
	}

	m.mu.Lock()
	inst.info = Instance{
		ID:        env.ID(),
		Name:      spec.Name,
		ThreadID:  env.ThreadID(),
		Status:    StatusRunning,
		State:     env.State().String(),
		CreatedAt: env.CreatedAt(),
	}
	m.mu.Unlock()
	ready <- started{env: env}

	_, runErr := environment.LoadEnvironmentSource(env, spec.Source, nil)
	if runErr == nil {
		runErr = environment.SpinEventLoop(ctx, env)
	}
	stopped := ctx.Err() != nil || env.IsStopping()
	if stopped {
		runErr = nil
	}

	code := env.ExitCode()
	if !stopped {
		if c, err := environment.EmitProcessExit(env); err == nil {
			code = c
		} else if runErr == nil {
			runErr = err
		}
	}
	if runErr != nil && code == 0 {
		code = 1
	}
	environment.FreeEnvironment(env)

	m.finish(inst, code, runErr, stopped)
}

func (m *Manager) finish(inst *instance, code int, err error, stopped bool) {
	now := time.Now()

	m.mu.Lock()
	inst.info.ExitCode = code
	inst.info.FinishedAt = &now
	inst.info.State = environment.StateDestroyed.String()
	inst.err = err
	switch {
	case stopped:
		inst.info.Status = StatusStopped
	case err != nil:
		inst.info.Status = StatusFailed
		inst.info.Error = err.Error()
	default:
		inst.info.Status = StatusExited
	}
	info := inst.info
	m.mu.Unlock()

	fields := []zap.Field{
		zap.String("name", info.Name),
		logging.EnvID(info.ID.String()),
		zap.Int("exit_code", code),
		zap.String("status", string(info.Status)),
	}
	if err != nil {
		m.logger.Warn("Environment finished with error", append(fields, zap.Error(err))...)
		return
	}
	m.logger.Info("Environment finished", fields...)
}

// Wait blocks until the instance finished and returns its final snapshot.
// The error is the one the program failed with, if any.
func (m *Manager) Wait(ctx context.Context, envID id.EnvironmentID) (*Instance, error) {
	m.mu.RLock()
	inst, ok := m.instances[envID]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.NotFound(errors.PhaseRuntime, "environment", envID.String())
	}

	select {
	case <-inst.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	info := inst.info
	return &info, inst.err
}

// Get retrieves an instance snapshot
func (m *Manager) Get(envID id.EnvironmentID) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[envID]
	if !ok {
		return nil, false
	}
	info := m.snapshot(inst)
	return &info, true
}

// List returns all instances, optionally filtered by status, oldest first.
func (m *Manager) List(status *Status) []Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		if status != nil && inst.info.Status != *status {
			continue
		}
		out = append(out, m.snapshot(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// snapshot copies inst with live fields refreshed. Caller holds mu.
func (m *Manager) snapshot(inst *instance) Instance {
	info := inst.info
	if info.Status == StatusRunning && inst.env != nil {
		info.State = inst.env.State().String()
		info.Workers = inst.env.LiveWorkers()
	}
	return info
}

// Close stops an instance if it is still running and forgets it.
func (m *Manager) Close(envID id.EnvironmentID) bool {
	m.mu.Lock()
	inst, ok := m.instances[envID]
	if ok {
		delete(m.instances, envID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.stop(inst)
	return true
}

func (m *Manager) stop(inst *instance) {
	select {
	case <-inst.done:
		return
	default:
	}
	inst.cancel()
	environment.Stop(inst.env)
	<-inst.done
}

// Stats returns instance counts
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{Total: len(m.instances)}
	for _, inst := range m.instances {
		switch inst.info.Status {
		case StatusRunning:
			stats.Running++
		case StatusExited:
			stats.Exited++
		case StatusFailed:
			stats.Failed++
		case StatusStopped:
			stats.Stopped++
		}
	}
	return stats
}

// Shutdown stops every environment, then shuts down the platform and closes
// the allocator. Spawns still bootstrapping are waited for first. Teardown
// runs to completion even when ctx expires; a later call waits for it again.
// Spawning after Shutdown fails.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		m.torndown = make(chan struct{})
		go m.teardown(m.torndown)
	}
	torndown := m.torndown
	m.mu.Unlock()

	select {
	case <-torndown:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) teardown(done chan<- struct{}) {
	defer close(done)

	// admitted spawns either register below or stop themselves
	m.spawning.Wait()

	m.mu.RLock()
	instances := make([]*instance, 0, len(m.instances))
	for _, inst := range m.instances {
		instances = append(instances, inst)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, inst := range instances {
		g.Go(func() error {
			m.stop(inst)
			return nil
		})
	}
	_ = g.Wait()

	m.platform.Shutdown()
	allocator.Close(m.allocator)
	m.logger.Info("Host shut down", zap.Int("environments", len(instances)))
}
