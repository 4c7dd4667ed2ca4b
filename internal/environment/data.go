package environment

import (
	"go.uber.org/zap"

	"github.com/GriffinCanCode/envhost/internal/allocator"
	"github.com/GriffinCanCode/envhost/internal/check"
	"github.com/GriffinCanCode/envhost/internal/engine"
	"github.com/GriffinCanCode/envhost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/envhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/envhost/internal/inspector"
	"github.com/GriffinCanCode/envhost/internal/loader"
	"github.com/GriffinCanCode/envhost/internal/platform"
	"github.com/GriffinCanCode/envhost/internal/threadid"
)

// IsolateData is the per-isolate state environments share: the isolate
// and the process-wide services it was created with.
type IsolateData struct {
	isolate   *engine.Isolate
	platform  *platform.Platform
	allocator allocator.Allocator
	loader    *loader.Loader
	inspector inspector.Inspector
	threadIDs *threadid.Allocator
	logger    *zap.Logger
	metrics   *monitoring.Metrics
}

// DataOption configures CreateIsolateData.
type DataOption func(*IsolateData)

// WithInspector sets the debugging capability. The default is
// inspector.Disabled().
func WithInspector(i inspector.Inspector) DataOption {
	return func(d *IsolateData) { d.inspector = i }
}

// WithThreadIDs sets the allocator workers draw thread ids from. The
// default is threadid.Default().
func WithThreadIDs(a *threadid.Allocator) DataOption {
	return func(d *IsolateData) { d.threadIDs = a }
}

func WithLogger(l *zap.Logger) DataOption {
	return func(d *IsolateData) { d.logger = l }
}

func WithMetrics(m *monitoring.Metrics) DataOption {
	return func(d *IsolateData) { d.metrics = m }
}

// CreateIsolateData collects the services iso was created with.
func CreateIsolateData(iso *engine.Isolate, opts ...DataOption) *IsolateData {
	check.That(iso != nil, "environment.create_isolate_data", "isolate must not be nil")
	d := &IsolateData{
		isolate:   iso,
		platform:  iso.Platform(),
		allocator: iso.Allocator(),
		loader:    iso.Loader(),
		metrics:   iso.Metrics(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.inspector == nil {
		d.inspector = inspector.Disabled()
	}
	if d.threadIDs == nil {
		d.threadIDs = threadid.Default()
	}
	d.logger = logging.OrNop(d.logger)
	return d
}

func (d *IsolateData) Isolate() *engine.Isolate { return d.isolate }
func (d *IsolateData) Platform() *platform.Platform { return d.platform }
func (d *IsolateData) Allocator() allocator.Allocator { return d.allocator }
func (d *IsolateData) Loader() *loader.Loader { return d.loader }
func (d *IsolateData) Inspector() inspector.Inspector { return d.inspector }
func (d *IsolateData) ThreadIDs() *threadid.Allocator { return d.threadIDs }

// NewIsolate creates an isolate sharing d's allocator, platform, loader
// and settings, with environment-aware default handlers.
func (d *IsolateData) NewIsolate(loop *platform.EventLoop) (*engine.Isolate, error) {
	return engine.NewIsolate(d.allocator, loop, d.platform,
		engine.WithSettings(d.isolate.Settings()),
		engine.WithDefaults(IsolateDefaults()),
		engine.WithLoader(d.loader),
		engine.WithLogger(d.logger),
		engine.WithMetrics(d.metrics),
	)
}

// forIsolate returns a copy of d bound to iso.
func (d *IsolateData) forIsolate(iso *engine.Isolate) *IsolateData {
	c := *d
	c.isolate = iso
	return &c
}
