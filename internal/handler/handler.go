package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger reports database reachability.
type Pinger interface {
	Ping() error
}

// PendingCounter reports how many video tasks still await a terminal state.
type PendingCounter interface {
	Pending(ctx context.Context) (int64, error)
}

// Handler holds the public endpoints.
type Handler struct {
	db       Pinger
	pending  PendingCounter
	gatherer prometheus.Gatherer
}

// NewHandler creates the public handler set. pending may be nil.
func NewHandler(db Pinger, pending PendingCounter, gatherer prometheus.Gatherer) *Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handler{db: db, pending: pending, gatherer: gatherer}
}

// RegisterRoutes registers the public routes on the Gin engine.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/api/v1/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
}

// ─────────────────────────────────────────────
// GET /api/v1/health
// ─────────────────────────────────────────────

// Health returns basic server health info.
func (h *Handler) Health(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	status := http.StatusOK

	if h.db != nil {
		if err := h.db.Ping(); err != nil {
			resp["status"] = "degraded"
			resp["database"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	if h.pending != nil {
		if n, err := h.pending.Pending(c.Request.Context()); err == nil {
			resp["pending_tasks"] = n
		}
	}

	c.JSON(status, resp)
}
