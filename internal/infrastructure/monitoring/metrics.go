package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, so components can treat metrics as optional.
type Metrics struct {
	// Environment metrics
	EnvironmentsActive   prometheus.Gauge
	EnvironmentsCreated  prometheus.Counter
	EnvironmentFailures  *prometheus.CounterVec
	CleanupDuration      prometheus.Histogram
	LifecycleTransitions *prometheus.CounterVec

	// Isolate metrics
	IsolatesActive prometheus.Gauge
	Uncaught       *prometheus.CounterVec

	// Platform metrics
	TasksPosted     *prometheus.CounterVec
	TasksCompleted  *prometheus.CounterVec
	PendingTasks    prometheus.Gauge
	DrainDuration   prometheus.Histogram
	WorkerThreads   prometheus.Gauge
	WorkersSpawned  prometheus.Counter
	WorkersFinished *prometheus.CounterVec

	// Allocator metrics
	LiveAllocations    prometheus.Gauge
	LiveBytes          prometheus.Gauge
	AllocationFailures *prometheus.CounterVec

	// HTTP metrics (diagnostics server)
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Snapshot for JSON API - track current values
	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current metric values for the JSON API
type Snapshot struct {
	EnvironmentsActive  int64 `json:"environments_active"`
	EnvironmentsCreated int64 `json:"environments_created"`
	IsolatesActive      int64 `json:"isolates_active"`
	PendingTasks        int64 `json:"pending_tasks"`
	LiveAllocations     int64 `json:"live_allocations"`
	LiveBytes           int64 `json:"live_bytes"`
}

// NewMetrics creates a metrics collector registered on reg. A nil reg
// creates unregistered collectors, which is what tests usually want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		EnvironmentsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "envhost_environments_active",
			Help: "Number of environments between creation and destruction",
		}),
		EnvironmentsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "envhost_environments_created_total",
			Help: "Total number of environments successfully created",
		}),
		EnvironmentFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "envhost_environment_failures_total",
			Help: "Environment creation or load failures by phase",
		}, []string{"phase"}),
		CleanupDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "envhost_environment_cleanup_duration_seconds",
			Help:    "Time spent in environment cleanup including task drain",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
		LifecycleTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "envhost_environment_transitions_total",
			Help: "Environment lifecycle state transitions",
		}, []string{"to"}),

		IsolatesActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "envhost_isolates_active",
			Help: "Number of isolates registered with the platform",
		}),
		Uncaught: f.NewCounterVec(prometheus.CounterOpts{
			Name: "envhost_uncaught_exceptions_total",
			Help: "Uncaught script exceptions by outcome",
		}, []string{"outcome"}),

		TasksPosted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "envhost_platform_tasks_posted_total",
			Help: "Tasks posted to the platform by kind",
		}, []string{"kind"}),
		TasksCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "envhost_platform_tasks_completed_total",
			Help: "Tasks completed by the platform by kind",
		}, []string{"kind"}),
		PendingTasks: f.NewGauge(prometheus.GaugeOpts{
			Name: "envhost_platform_pending_background_tasks",
			Help: "Background tasks queued or in flight across all isolates",
		}),
		DrainDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "envhost_platform_drain_duration_seconds",
			Help:    "Time DrainTasks blocked its caller",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}),
		WorkerThreads: f.NewGauge(prometheus.GaugeOpts{
			Name: "envhost_platform_worker_threads",
			Help: "Size of the platform worker pool",
		}),
		WorkersSpawned: f.NewCounter(prometheus.CounterOpts{
			Name: "envhost_workers_spawned_total",
			Help: "Child worker environments started",
		}),
		WorkersFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "envhost_workers_finished_total",
			Help: "Child worker environments finished by reason",
		}, []string{"reason"}),

		LiveAllocations: f.NewGauge(prometheus.GaugeOpts{
			Name: "envhost_allocator_live_allocations",
			Help: "Buffers allocated and not yet freed (debug allocator)",
		}),
		LiveBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "envhost_allocator_live_bytes",
			Help: "Bytes allocated and not yet freed (debug allocator)",
		}),
		AllocationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "envhost_allocator_failures_total",
			Help: "Allocation requests that returned no buffer",
		}, []string{"op"}),

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "envhost_http_requests_total",
			Help: "Diagnostics HTTP requests",
		}, []string{"method", "path", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "envhost_http_request_duration_seconds",
			Help:    "Diagnostics HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1},
		}, []string{"method", "path"}),
	}
}

// EnvironmentCreated records a successful environment creation
func (m *Metrics) EnvironmentCreated() {
	if m == nil {
		return
	}
	m.EnvironmentsCreated.Inc()
	m.EnvironmentsActive.Inc()
	m.mu.Lock()
	m.snapshot.EnvironmentsCreated++
	m.snapshot.EnvironmentsActive++
	m.mu.Unlock()
}

// EnvironmentDestroyed records an environment reaching the destroyed state
func (m *Metrics) EnvironmentDestroyed(cleanup time.Duration) {
	if m == nil {
		return
	}
	m.EnvironmentsActive.Dec()
	m.CleanupDuration.Observe(cleanup.Seconds())
	m.mu.Lock()
	m.snapshot.EnvironmentsActive--
	m.mu.Unlock()
}

// EnvironmentFailed records a failed creation or load step
func (m *Metrics) EnvironmentFailed(phase string) {
	if m == nil {
		return
	}
	m.EnvironmentFailures.WithLabelValues(phase).Inc()
}

// Transition records a lifecycle state change
func (m *Metrics) Transition(to string) {
	if m == nil {
		return
	}
	m.LifecycleTransitions.WithLabelValues(to).Inc()
}

// IsolateRegistered records an isolate joining the platform
func (m *Metrics) IsolateRegistered() {
	if m == nil {
		return
	}
	m.IsolatesActive.Inc()
	m.mu.Lock()
	m.snapshot.IsolatesActive++
	m.mu.Unlock()
}

// IsolateUnregistered records an isolate leaving the platform
func (m *Metrics) IsolateUnregistered() {
	if m == nil {
		return
	}
	m.IsolatesActive.Dec()
	m.mu.Lock()
	m.snapshot.IsolatesActive--
	m.mu.Unlock()
}

// UncaughtException records how an uncaught exception was handled
func (m *Metrics) UncaughtException(outcome string) {
	if m == nil {
		return
	}
	m.Uncaught.WithLabelValues(outcome).Inc()
}

// TaskPosted records a task entering a queue
func (m *Metrics) TaskPosted(kind string) {
	if m == nil {
		return
	}
	m.TasksPosted.WithLabelValues(kind).Inc()
	if kind == "background" {
		m.PendingTasks.Inc()
		m.mu.Lock()
		m.snapshot.PendingTasks++
		m.mu.Unlock()
	}
}

// TaskCompleted records a task finishing
func (m *Metrics) TaskCompleted(kind string) {
	if m == nil {
		return
	}
	m.TasksCompleted.WithLabelValues(kind).Inc()
	if kind == "background" {
		m.PendingTasks.Dec()
		m.mu.Lock()
		m.snapshot.PendingTasks--
		m.mu.Unlock()
	}
}

// ObserveDrain records how long a drain blocked
func (m *Metrics) ObserveDrain(d time.Duration) {
	if m == nil {
		return
	}
	m.DrainDuration.Observe(d.Seconds())
}

// SetWorkerThreads records the worker pool size
func (m *Metrics) SetWorkerThreads(n int) {
	if m == nil {
		return
	}
	m.WorkerThreads.Set(float64(n))
}

// WorkerSpawned records a child worker start
func (m *Metrics) WorkerSpawned() {
	if m == nil {
		return
	}
	m.WorkersSpawned.Inc()
}

// WorkerFinished records a child worker exit
func (m *Metrics) WorkerFinished(reason string) {
	if m == nil {
		return
	}
	m.WorkersFinished.WithLabelValues(reason).Inc()
}

// SetAllocations records the debug allocator's registry size
func (m *Metrics) SetAllocations(count int, bytes int64) {
	if m == nil {
		return
	}
	m.LiveAllocations.Set(float64(count))
	m.LiveBytes.Set(float64(bytes))
	m.mu.Lock()
	m.snapshot.LiveAllocations = int64(count)
	m.snapshot.LiveBytes = bytes
	m.mu.Unlock()
}

// AllocationFailed records an allocation request that returned nil
func (m *Metrics) AllocationFailed(op string) {
	if m == nil {
		return
	}
	m.AllocationFailures.WithLabelValues(op).Inc()
}

// RecordHTTPRequest records a diagnostics HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Snapshot returns the current values for the JSON API
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}
