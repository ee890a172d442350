package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const defaultHealthCheckTimeout = 5 * time.Second

// Pinger is a dependency whose reachability is reported by /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ClassifierHealth reports the serving status of the frame classifier.
type ClassifierHealth interface {
	Health(ctx context.Context) (string, error)
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	db         Pinger
	classifier ClassifierHealth
	timeout    time.Duration
}

// NewHealthHandler creates a new health handler. Either dependency may be nil
// when the corresponding feature is disabled.
func NewHealthHandler(db Pinger, classifier ClassifierHealth, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = defaultHealthCheckTimeout
	}
	return &HealthHandler{db: db, classifier: classifier, timeout: timeout}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if h.db == nil {
		checks["database"] = "disabled"
	} else if err := h.db.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	JSON(w, statusCode, status)
}

// ClassifierStatus reports whether image frames can currently be classified.
func (h *HealthHandler) ClassifierStatus(w http.ResponseWriter, r *http.Request) {
	if h.classifier == nil {
		JSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  "classifier not configured",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	serving, err := h.classifier.Health(ctx)
	if err != nil {
		slog.Warn("Classifier health check failed", "error", err)
		JSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	code := http.StatusOK
	if serving != "SERVING" {
		code = http.StatusServiceUnavailable
	}
	JSON(w, code, map[string]string{"status": serving})
}

// RegisterHealth registers the health check routes.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/health/classifier", h.ClassifierStatus)
}
