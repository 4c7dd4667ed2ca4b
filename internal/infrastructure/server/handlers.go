package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/envhost/internal/environment"
	"github.com/GriffinCanCode/envhost/internal/host"
	"github.com/GriffinCanCode/envhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/envhost/internal/inspector"
	"github.com/GriffinCanCode/envhost/internal/shared/id"
)

// Handlers contains the diagnostics HTTP handlers
type Handlers struct {
	manager *host.Manager
	metrics *monitoring.Metrics
}

// NewHandlers creates a new handlers instance
func NewHandlers(manager *host.Manager, metrics *monitoring.Metrics) *Handlers {
	return &Handlers{manager: manager, metrics: metrics}
}

// Root handles root endpoint
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "envhost",
		"version": environment.Version,
	})
}

// Health reports the host's shared state
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"environments": h.manager.Stats(),
		"platform":     gin.H{"worker_threads": h.manager.Platform().WorkerThreads()},
		"inspector":    gin.H{"enabled": h.manager.Inspector().Enabled()},
	})
}

// ListEnvironments lists environments, optionally filtered by ?status=
func (h *Handlers) ListEnvironments(c *gin.Context) {
	var status *host.Status
	if s := c.Query("status"); s != "" {
		st := host.Status(s)
		switch st {
		case host.StatusRunning, host.StatusExited, host.StatusFailed, host.StatusStopped:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + s})
			return
		}
		status = &st
	}

	c.JSON(http.StatusOK, gin.H{
		"environments": h.manager.List(status),
		"stats":        h.manager.Stats(),
	})
}

// GetEnvironment returns one environment
func (h *Handlers) GetEnvironment(c *gin.Context) {
	envID, ok := environmentID(c)
	if !ok {
		return
	}

	inst, found := h.manager.Get(envID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "environment not found", "id": envID})
		return
	}
	c.JSON(http.StatusOK, inst)
}

// CloseEnvironment stops and forgets an environment
func (h *Handlers) CloseEnvironment(c *gin.Context) {
	envID, ok := environmentID(c)
	if !ok {
		return
	}

	success := h.manager.Close(envID)
	status := http.StatusOK
	if !success {
		status = http.StatusNotFound
	}
	c.JSON(status, gin.H{
		"success": success,
		"id":      envID,
	})
}

// ListSessions lists inspector sessions when the agent is enabled
func (h *Handlers) ListSessions(c *gin.Context) {
	agent, ok := h.manager.Inspector().(*inspector.Agent)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"enabled": false, "sessions": []inspector.SessionInfo{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": true, "sessions": agent.Sessions()})
}

// MetricsSnapshot returns current metric values as JSON
func (h *Handlers) MetricsSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, h.metrics.Snapshot())
}

func environmentID(c *gin.Context) (id.EnvironmentID, bool) {
	raw := c.Param("id")
	if !id.IsValid(raw, id.EnvironmentPrefix) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid environment id", "id": raw})
		return "", false
	}
	return id.EnvironmentID(raw), true
}
