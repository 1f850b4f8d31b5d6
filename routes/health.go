package routes

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"audiorelay/logger"
)

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	Version       string    `json:"version"`
	GoVersion     string    `json:"go_version"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	Uptime        string    `json:"uptime"`
	Goroutines    int       `json:"goroutines"`
}

var startTime = time.Now()

// Health reports liveness for load balancers. It never touches dependencies.
func (h *Handler) Health(c *gin.Context) {
	up := time.Since(startTime).Truncate(time.Second)
	c.JSON(http.StatusOK, HealthResponse{
		Status:        "healthy",
		Timestamp:     time.Now().UTC(),
		Version:       Version,
		GoVersion:     runtime.Version(),
		UptimeSeconds: int64(up / time.Second),
		Uptime:        up.String(),
		Goroutines:    runtime.NumGoroutine(),
	})
}

// Readiness checks the broker connection and the fault ledger.
func (h *Handler) Readiness(c *gin.Context) {
	checks := gin.H{}
	ready := true

	if h.deps.Broker != nil {
		if h.deps.Broker.Connected() {
			checks["broker"] = "ok"
		} else {
			checks["broker"] = "disconnected"
			ready = false
		}
	}
	if h.deps.Faults != nil {
		if err := h.deps.Faults.CheckHealth(); err != nil {
			logger.Errorf("readiness: fault ledger unhealthy: %v", err)
			checks["fault_ledger"] = err.Error()
			ready = false
		} else {
			checks["fault_ledger"] = "ok"
		}
	}

	if !ready {
		c.JSON(http.StatusServiceUnavailable, Response{Message: "not ready", Details: checks})
		return
	}
	c.JSON(http.StatusOK, Response{Status: true, Message: "ready", Details: checks})
}
