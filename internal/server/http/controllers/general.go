package controllers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rzbill/openstream/internal/errs"
	"github.com/rzbill/openstream/internal/runtime"
)

// GeneralController handles health, the Prometheus endpoint and the JSON
// metrics summary.
type GeneralController struct {
	rt *runtime.Runtime
}

// NewGeneralController creates a general controller.
func NewGeneralController(rt *runtime.Runtime) *GeneralController {
	return &GeneralController{rt: rt}
}

// RegisterRoutes registers:
//   - /healthz (and the legacy /v1/healthz)
//   - /metrics
//   - /v1/metrics/summary
func (c *GeneralController) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", c.handleHealth)
	r.Get("/v1/healthz", c.handleHealth)
	r.Method(http.MethodGet, "/metrics", c.rt.Metrics().Handler())
	r.Get("/v1/metrics/summary", c.handleSummary)
}

// handleHealth returns 200 {"status":"ok"} or 503 when a store is down.
func (c *GeneralController) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := c.rt.CheckHealth(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_serving", "detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSummary returns per-topic partition lengths and per-group lag and
// pending counts.
func (c *GeneralController) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := c.rt.Aggregator().Summary(r.Context())
	if err != nil {
		writeError(w, errs.Unavailable("metrics.summary", err))
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
