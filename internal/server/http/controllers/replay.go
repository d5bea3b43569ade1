package controllers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rzbill/openstream/internal/replay"
	"github.com/rzbill/openstream/internal/runtime"
)

// ReplayController serves in-log replay, durable history and rehydration.
type ReplayController struct {
	rt *runtime.Runtime
}

// NewReplayController creates a replay controller.
func NewReplayController(rt *runtime.Runtime) *ReplayController {
	return &ReplayController{rt: rt}
}

// RegisterRoutes mounts the replay routes.
func (c *ReplayController) RegisterRoutes(r chi.Router) {
	r.Post("/v1/topics/{topic}/groups/{group}/replay", c.handleGroupReplay)
	r.Get("/v1/topics/{topic}/history", c.handleHistory)
	r.Post("/v1/topics/{topic}/replay", c.handleRehydrate)
}

func (c *ReplayController) handleGroupReplay(w http.ResponseWriter, r *http.Request) {
	var req groupReplayReq
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := c.rt.Replay().ReplayGroup(r.Context(), replay.GroupRequest{
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

// handleHistory pages persisted events. Query parameters: partitions,
// from_id, until_id, from, to (ms or RFC3339), after, limit.
func (c *ReplayController) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	parts, err := parseInts(q.Get("partitions"))
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := c.rt.Replay().History(r.Context(), replay.HistoryRequest{
		Topic:      chi.URLParam(r, "topic"),
		Partitions: parts,
		FromID:     q.Get("from_id"),
		UntilID:    q.Get("until_id"),
		FromMs:     parseTimestamp(q.Get("from")),
		ToMs:       parseTimestamp(q.Get("to")),
		After:      q.Get("after"),
		Limit:      parseLimit(q.Get("limit")),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (c *ReplayController) handleRehydrate(w http.ResponseWriter, r *http.Request) {
	var req rehydrateReq
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := c.rt.Replay().Rehydrate(r.Context(), replay.RehydrateRequest{
		Topic:      chi.URLParam(r, "topic"),
		Target:     req.Target,
		Partitions: req.Partitions,
		FromID:     req.FromID,
		UntilID:    req.UntilID,
		FromMs:     req.FromMs,
		ToMs:       req.ToMs,
		Filter:     req.Filter,
		After:      req.After,
		PageSize:   req.PageSize,
		MaxEvents:  req.MaxEvents,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
