package controllers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rzbill/openstream/internal/errs"
	"github.com/rzbill/openstream/internal/groups"
	"github.com/rzbill/openstream/internal/runtime"
)

const maxMinIdle = 24 * time.Hour

// GroupsController serves consumer-group operations under
// /v1/topics/{topic}/groups.
type GroupsController struct {
	rt *runtime.Runtime
}

// NewGroupsController creates a groups controller.
func NewGroupsController(rt *runtime.Runtime) *GroupsController {
	return &GroupsController{rt: rt}
}

// RegisterRoutes mounts the group routes.
func (c *GroupsController) RegisterRoutes(r chi.Router) {
	const base = "/v1/topics/{topic}/groups"
	r.Post(base, c.handleCreate)
	r.Post(base+"/{group}/read", c.handleRead)
	r.Post(base+"/{group}/ack", c.handleAck)
	r.Post(base+"/{group}/claim", c.handleClaim)
	r.Post(base+"/{group}/reset", c.handleReset)
	r.Get(base+"/{group}/pending", c.handlePending)
	r.Get(base+"/{group}/consumers", c.handleConsumers)
}

func (c *GroupsController) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createGroupReq
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := c.rt.Groups().Create(r.Context(), groups.CreateRequest{
		Topic:          chi.URLParam(r, "topic"),
		Group:          req.Group,
		StartID:        req.StartID,
		Partitions:     req.Partitions,
		PartitionsHint: req.PartitionsHint,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if len(res.Created) > 0 {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (c *GroupsController) handleRead(w http.ResponseWriter, r *http.Request) {
	var req readReq
	if !decodeBody(w, r, &req) {
		return
	}
	defaults := c.rt.Config().Groups
	if req.Count == 0 {
		req.Count = defaults.DefaultCount
	}
	out, err := c.rt.Groups().Read(r.Context(), groups.ReadRequest{
		Topic:      chi.URLParam(r, "topic"),
		Group:      chi.URLParam(r, "group"),
		Consumer:   req.Consumer,
		Count:      req.Count,
		Block:      msOrDefault(req.BlockMs, defaults.DefaultBlock),
		Partitions: req.Partitions,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if out == nil {
		out = []groups.Delivery{}
	}
	writeJSON(w, http.StatusOK, readResp{Entries: out})
}

func (c *GroupsController) handleAck(w http.ResponseWriter, r *http.Request) {
	var req ackReq
	if !decodeBody(w, r, &req) {
		return
	}
	n, err := c.rt.Groups().Ack(r.Context(), chi.URLParam(r, "topic"), chi.URLParam(r, "group"), req.Items)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ackResp{Acked: n})
}

func (c *GroupsController) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimReq
	if !decodeBody(w, r, &req) {
		return
	}
	defaults := c.rt.Config().Groups
	minIdle := msOrDefault(req.MinIdleMs, defaults.DefaultIdle)
	if minIdle < 0 || minIdle > maxMinIdle {
		writeError(w, errs.Invalidf("group.claim", "min_idle_ms must be in [0, %d]", maxMinIdle.Milliseconds()))
		return
	}
	if req.Count == 0 {
		req.Count = defaults.DefaultCount
	}
	res, err := c.rt.Groups().Claim(r.Context(), groups.ClaimRequest{
		Topic:      chi.URLParam(r, "topic"),
		Group:      chi.URLParam(r, "group"),
		Consumer:   req.Consumer,
		MinIdle:    minIdle,
		Count:      req.Count,
		StartID:    req.StartID,
		StartIDs:   req.StartIDs,
		Partitions: req.Partitions,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *GroupsController) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetReq
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := c.rt.Groups().Reset(r.Context(), groups.ResetRequest{
		Topic:      chi.URLParam(r, "topic"),
		Group:      chi.URLParam(r, "group"),
		StartID:    req.StartID,
		Partitions: req.Partitions,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handlePending lists pending entries, filtered by ?partition=, ?consumer=,
// ?flagged= and capped by ?limit=.
func (c *GroupsController) handlePending(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := groups.PendingRequest{
		Topic:       chi.URLParam(r, "topic"),
		Group:       chi.URLParam(r, "group"),
		Consumer:    q.Get("consumer"),
		FlaggedOnly: parseBool(q.Get("flagged")),
		Limit:       parseLimit(q.Get("limit")),
	}
	if s := q.Get("partition"); s != "" {
		p, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, errs.Invalidf("group.pending", "invalid partition %q", s))
			return
		}
		req.Partition = &p
	}
	res, err := c.rt.Groups().Pending(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *GroupsController) handleConsumers(w http.ResponseWriter, r *http.Request) {
	list, err := c.rt.Groups().Consumers(r.Context(), chi.URLParam(r, "topic"), chi.URLParam(r, "group"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]consumerJSON, 0, len(list))
	for _, ci := range list {
		out = append(out, consumerJSON{Name: ci.Name, LastSeenMs: ci.LastSeenMs})
	}
	writeJSON(w, http.StatusOK, map[string]any{"consumers": out})
}
