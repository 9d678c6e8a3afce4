package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"stokbro/internal/metrics"
)

// Checker is anything that can report its own reachability
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandler handles health check requests
type HealthHandler struct {
	logger  *zap.Logger
	db      Checker
	storage Checker
	metrics *metrics.Metrics
	version string
}

// NewHealthHandler creates a new health check handler
func NewHealthHandler(logger *zap.Logger, db, storage Checker, m *metrics.Metrics, version string) *HealthHandler {
	if version == "" {
		version = "dev"
	}
	return &HealthHandler{
		logger:  logger,
		db:      db,
		storage: storage,
		metrics: m,
		version: version,
	}
}

type healthResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks,omitempty"`
	Version string            `json:"version,omitempty"`
}

// Health returns health status (checks dependencies)
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	for _, c := range []struct {
		component string
		checker   Checker
	}{
		{"database", h.db},
		{"storage", h.storage},
	} {
		if err := c.checker.HealthCheck(ctx); err != nil {
			checks[c.component] = "unavailable"
			allHealthy = false
			h.metrics.HealthStatus.WithLabelValues(c.component).Set(0)
			h.metrics.HealthChecksFailed.WithLabelValues(c.component).Inc()
			h.logger.Warn("health check failed", zap.String("component", c.component), zap.Error(err))
			continue
		}
		checks[c.component] = "ok"
		h.metrics.HealthStatus.WithLabelValues(c.component).Set(1)
	}

	w.Header().Set("Content-Type", "application/json")
	if !allHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(healthResponse{
		Status:  map[bool]string{true: "healthy", false: "unhealthy"}[allHealthy],
		Checks:  checks,
		Version: h.version,
	})
}
