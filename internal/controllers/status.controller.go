package controllers

import (
	"net/http"
	"strconv"
	"time"

	"relaymon/internal/models"
	"relaymon/internal/services"

	"github.com/gin-gonic/gin"
)

// StatusController serves read-only views of the agent state
type StatusController struct {
	Store     *services.StateStore
	History   *services.ProgressHistory
	Relay     *services.FileRelayServer
	Telemetry *services.TelemetryServer
	Forwarder *services.ForwardingClient
}

// GetNode returns the node record
func (sc *StatusController) GetNode(c *gin.Context) {
	c.JSON(http.StatusOK, sc.Store.Snapshot().Node)
}

// GetProcesses returns every tracked process ordered by pid
func (sc *StatusController) GetProcesses(c *gin.Context) {
	snap := sc.Store.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"node_id":   snap.Node.NodeID,
		"processes": snap.Processes,
		"count":     len(snap.Processes),
	})
}

// GetProcess returns a single process record
func (sc *StatusController) GetProcess(c *gin.Context) {
	pid, ok := pidParam(c)
	if !ok {
		return
	}
	status, found := sc.Store.Process(pid)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "process not tracked"})
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetProcessHistory returns recent progress samples of a process
// duration: "5m", "1h" (default: all retained samples)
func (sc *StatusController) GetProcessHistory(c *gin.Context) {
	pid, ok := pidParam(c)
	if !ok {
		return
	}

	var duration time.Duration
	if raw := c.Query("duration"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid duration format"})
			return
		}
		duration = d
	}

	history, found := sc.History.Get(pid, duration)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "no history for process"})
		return
	}
	c.JSON(http.StatusOK, history)
}

// GetRelay returns file relay, telemetry and forwarding counters
func (sc *StatusController) GetRelay(c *gin.Context) {
	var telemetry models.TelemetryStats
	if sc.Telemetry != nil {
		telemetry = sc.Telemetry.Stats()
	}

	var forwarder models.ForwardStats
	if sc.Forwarder != nil {
		forwarder = sc.Forwarder.Stats()
	}

	var relay models.RelayStats
	if sc.Relay != nil {
		relay = sc.Relay.Stats()
	}

	c.JSON(http.StatusOK, gin.H{
		"relay":     relay,
		"telemetry": telemetry,
		"forwarder": forwarder,
	})
}

func pidParam(c *gin.Context) (int32, bool) {
	pid, err := strconv.ParseInt(c.Param("pid"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pid"})
		return 0, false
	}
	return int32(pid), true
}
