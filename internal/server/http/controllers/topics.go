package controllers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rzbill/openstream/internal/errs"
	"github.com/rzbill/openstream/internal/ingest"
	"github.com/rzbill/openstream/internal/runtime"
	"github.com/rzbill/openstream/internal/topic"
	logpkg "github.com/rzbill/openstream/pkg/log"
)

// TopicsController serves topic administration and event ingestion.
type TopicsController struct {
	rt     *runtime.Runtime
	logger logpkg.Logger
}

// NewTopicsController creates a topics controller.
func NewTopicsController(rt *runtime.Runtime, logger logpkg.Logger) *TopicsController {
	return &TopicsController{rt: rt, logger: logger}
}

// RegisterRoutes mounts:
//   - GET/POST /v1/topics
//   - GET /v1/topics/{topic}
//   - POST /v1/topics/{topic}/events
func (c *TopicsController) RegisterRoutes(r chi.Router) {
	r.Get("/v1/topics", c.handleList)
	r.Post("/v1/topics", c.handleCreate)
	r.Get("/v1/topics/{topic}", c.handleDescribe)
	r.Post("/v1/topics/{topic}/events", c.handleIngest)
}

func (c *TopicsController) handleList(w http.ResponseWriter, _ *http.Request) {
	list, err := c.rt.Topics().List()
	if err != nil {
		writeError(w, errs.Unavailable("topic.list", err))
		return
	}
	if list == nil {
		list = []topic.Meta{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"topics": list})
}

func (c *TopicsController) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createTopicReq
	if !decodeBody(w, r, &req) {
		return
	}
	m, err := c.rt.Topics().Create(req.Name, req.Partitions)
	if err != nil {
		writeError(w, err)
		return
	}
	c.logger.Info("topic created", logpkg.Str("topic", m.Name), logpkg.Int("partitions", m.Partitions))
	writeJSON(w, http.StatusCreated, m)
}

func (c *TopicsController) handleDescribe(w http.ResponseWriter, r *http.Request) {
	ts, err := c.rt.Aggregator().DescribeTopic(r.Context(), chi.URLParam(r, "topic"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

// handleIngest answers 200 when every event was admitted, 207 when some
// partitions rejected and 429 with Retry-After when all did.
func (c *TopicsController) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestReq
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := c.rt.Gateway().Ingest(r.Context(), ingest.Request{
		Topic:      chi.URLParam(r, "topic"),
		Events:     req.Events,
		Partitions: req.Partitions,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	switch {
	case resp.Rejected > 0 && resp.Accepted == 0:
		status = http.StatusTooManyRequests
		setRetryAfter(w, errs.RetryAfter(resp.Err()))
	case resp.Rejected > 0:
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}
