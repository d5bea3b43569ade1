package controllers

import (
	"github.com/rzbill/openstream/internal/groups"
	"github.com/rzbill/openstream/internal/ingest"
)

// Request bodies. Durations travel as milliseconds.

type createTopicReq struct {
	Name       string `json:"name"`
	Partitions int    `json:"partitions"`
}

type ingestReq struct {
	Events     []ingest.EventIn `json:"events"`
	Partitions int              `json:"partitions,omitempty"`
}

type createGroupReq struct {
	Group      string `json:"group"`
	StartID    string `json:"start_id"`
	Partitions []int  `json:"partitions,omitempty"`
	// PartitionsHint creates the topic with this many partitions when it
	// does not exist yet.
	PartitionsHint int `json:"partitions_hint,omitempty"`
}

type readReq struct {
	Consumer   string `json:"consumer"`
	Count      int    `json:"count,omitempty"`
	BlockMs    *int64 `json:"block_ms,omitempty"`
	Partitions []int  `json:"partitions,omitempty"`
}

type readResp struct {
	Entries []groups.Delivery `json:"entries"`
}

type ackReq struct {
	Items []groups.AckItem `json:"items"`
}

type ackResp struct {
	Acked int `json:"acked"`
}

type claimReq struct {
	Consumer  string `json:"consumer"`
	MinIdleMs *int64 `json:"min_idle_ms,omitempty"`
	Count     int    `json:"count,omitempty"`
	StartID   string `json:"start_id,omitempty"`
	// StartIDs is keyed by partition, matching next_start_ids.
	StartIDs   map[int]string `json:"start_ids,omitempty"`
	Partitions []int          `json:"partitions,omitempty"`
}

type resetReq struct {
	StartID    string `json:"start_id"`
	Partitions []int  `json:"partitions,omitempty"`
}

type consumerJSON struct {
	Name       string `json:"name"`
	LastSeenMs int64  `json:"last_seen_ms"`
}

type groupReplayReq struct {
	StartID    string `json:"start_id"`
	Partitions []int  `json:"partitions,omitempty"`
}

type rehydrateReq struct {
	Target     string `json:"target,omitempty"`
	Partitions []int  `json:"partitions,omitempty"`
	FromID     string `json:"from_id,omitempty"`
	UntilID    string `json:"until_id,omitempty"`
	FromMs     int64  `json:"from_ms,omitempty"`
	ToMs       int64  `json:"to_ms,omitempty"`
	Filter     string `json:"filter,omitempty"`
	After      string `json:"after,omitempty"`
	PageSize   int    `json:"page_size,omitempty"`
	MaxEvents  int    `json:"max_events,omitempty"`
}
