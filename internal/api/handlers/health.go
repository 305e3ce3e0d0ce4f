package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/anstrom/camwatch/internal/logging"
	"github.com/anstrom/camwatch/internal/watcher"
)

const healthCheckTimeout = 5 * time.Second

// Status constants.
const (
	StatusHealthy       = "healthy"
	StatusUnhealthy     = "unhealthy"
	StatusNotConfigured = "not configured"
)

// HealthHandler handles health check and status endpoints.
type HealthHandler struct {
	pipeline  Pipeline
	database  DatabasePinger
	logger    *logging.Logger
	startTime time.Time
}

// NewHealthHandler creates a new health handler. database may be nil.
func NewHealthHandler(p Pipeline, database DatabasePinger, logger *logging.Logger) *HealthHandler {
	return &HealthHandler{
		pipeline:  p,
		database:  database,
		logger:    logger.WithComponent("health_handler"),
		startTime: time.Now(),
	}
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status     string               `json:"status"`
	Timestamp  time.Time            `json:"timestamp"`
	Uptime     string               `json:"uptime"`
	Checks     map[string]string    `json:"checks"`
	Pipeline   watcher.Stats        `json:"pipeline"`
	Streams    []watcher.StreamInfo `json:"streams"`
	Goroutines int                  `json:"goroutines"`
}

// LivenessResponse represents a simple liveness check response.
type LivenessResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

// Health reports dependency checks and pipeline statistics. It returns 503
// when a configured dependency is down.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := HealthResponse{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC(),
		Uptime:     time.Since(h.startTime).String(),
		Checks:     map[string]string{},
		Pipeline:   h.pipeline.Stats(),
		Streams:    h.pipeline.Streams(),
		Goroutines: runtime.NumGoroutine(),
	}

	if h.database == nil {
		resp.Checks["database"] = StatusNotConfigured
	} else if err := h.database.PingContext(ctx); err != nil {
		h.logger.Warn("Database health check failed", "error", err)
		resp.Status = StatusUnhealthy
		resp.Checks["database"] = "failed"
	} else {
		resp.Checks["database"] = "ok"
	}

	status := http.StatusOK
	if resp.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

// Liveness answers without touching any dependency.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).String(),
	})
}
