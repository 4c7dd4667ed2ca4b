package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.EnvironmentCreated()
		m.EnvironmentDestroyed(time.Millisecond)
		m.TaskPosted("background")
		m.TaskCompleted("background")
		m.SetAllocations(1, 2)
		m.AllocationFailed("allocate")
		m.RecordHTTPRequest("GET", "/healthz", "200", time.Millisecond)
	})
	assert.Equal(t, Snapshot{}, m.Snapshot())
}

func TestEnvironmentLifecycleCounters(t *testing.T) {
	m := NewMetrics(nil)

	m.EnvironmentCreated()
	m.EnvironmentCreated()
	m.EnvironmentDestroyed(time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.EnvironmentsCreated))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EnvironmentsActive))

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.EnvironmentsCreated)
	assert.Equal(t, int64(1), snap.EnvironmentsActive)
}

func TestBackgroundTasksTrackPending(t *testing.T) {
	m := NewMetrics(nil)

	m.TaskPosted("background")
	m.TaskPosted("background")
	m.TaskPosted("foreground")
	m.TaskCompleted("background")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.PendingTasks))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TasksPosted.WithLabelValues("foreground")))
	assert.Equal(t, int64(1), m.Snapshot().PendingTasks)
}

func TestRegistersOnRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.SetAllocations(3, 96)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["envhost_allocator_live_allocations"])
	assert.True(t, names["envhost_allocator_live_bytes"])

	// a second host on its own registry must not collide
	assert.NotPanics(t, func() { NewMetrics(prometheus.NewRegistry()) })
}
