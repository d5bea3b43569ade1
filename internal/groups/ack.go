package groups

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rzbill/openstream/internal/errs"
	"github.com/rzbill/openstream/internal/eventlog"
	"github.com/rzbill/openstream/internal/state"
	"github.com/rzbill/openstream/pkg/id"
	logpkg "github.com/rzbill/openstream/pkg/log"
)

// AckItem acknowledges ids on one partition.
type AckItem struct {
	Partition int      `json:"partition"`
	IDs       []string `json:"ids"`
}

// Ack removes entries from the group's pending lists and returns how many
// were pending. Acknowledging an id twice, or one never delivered, counts 0.
func (c *Coordinator) Ack(ctx context.Context, topicName, group string, items []AckItem) (int, error) {
	meta, err := c.topics.Get(topicName)
	if err != nil {
		return 0, err
	}
	parsed := make([][]id.ID, len(items))
	for i, it := range items {
		if it.Partition < 0 || it.Partition >= meta.Partitions {
			return 0, errs.Invalidf("group.ack", "partition %d out of range [0, %d)", it.Partition, meta.Partitions)
		}
		ids := make([]id.ID, 0, len(it.IDs))
		for _, s := range it.IDs {
			v, err := id.Parse(s)
			if err != nil {
				return 0, errs.Invalidf("group.ack", "invalid id %q", s)
			}
			ids = append(ids, v)
		}
		parsed[i] = ids
	}
	total := 0
	for i, it := range items {
		if len(parsed[i]) == 0 {
			continue
		}
		k := key(meta.Name, it.Partition, group)
		n, err := c.ackOne(ctx, k, parsed[i])
		if err != nil {
			return total, err
		}
		total += n
	}
	c.opts.Metrics.RecordAck(meta.Name, group, total)
	return total, nil
}

func (c *Coordinator) ackOne(ctx context.Context, k state.GroupKey, ids []id.ID) (int, error) {
	defer c.lock(k)()
	n, err := c.store.RemovePending(ctx, k, ids)
	if err != nil {
		return 0, errs.Unavailable("group.ack", err)
	}
	return n, nil
}

// ClaimRequest transfers idle pending entries to Consumer.
type ClaimRequest struct {
	Topic    string
	Group    string
	Consumer string
	MinIdle  time.Duration
	// Count is the total across partitions (default 100).
	Count int
	// StartID is where the pending scan begins on each partition (default 0-0).
	StartID string
	// StartIDs overrides StartID per partition. Passing a previous
	// NextStartIDs back resumes every partition where it stopped.
	StartIDs   map[int]string
	Partitions []int
}

// ClaimResult reports the outcome of a claim.
type ClaimResult struct {
	Claimed []Delivery `json:"claimed"`
	// Flagged are entries that reached the delivery ceiling during this claim.
	Flagged []FlaggedEntry `json:"flagged"`
	// Deleted are pending ids whose entry was trimmed from the log. They are
	// dropped from the pending list.
	Deleted []FlaggedEntry `json:"deleted"`
	// NextStartIDs is the resume point per partition; the zero id means the
	// scan reached the end of that pending list.
	NextStartIDs map[int]string `json:"next_start_ids"`
}

// FlaggedEntry names a pending entry on a partition.
type FlaggedEntry struct {
	Partition  int    `json:"partition"`
	ID         string `json:"id"`
	Consumer   string `json:"consumer,omitempty"`
	Deliveries int    `json:"delivery_count,omitempty"`
}

// Claim reassigns pending entries idle for at least MinIdle to Consumer and
// bumps their delivery count. An entry that has already been delivered
// MaxDeliveries times is flagged instead and never claimed again.
func (c *Coordinator) Claim(ctx context.Context, req ClaimRequest) (ClaimResult, error) {
	if n := len(req.Consumer); n < 1 || n > maxConsumerLen {
		return ClaimResult{}, errs.Invalidf("group.claim", "consumer must be 1..%d characters", maxConsumerLen)
	}
	if req.MinIdle < 0 {
		return ClaimResult{}, errs.Invalidf("group.claim", "min idle must not be negative")
	}
	if req.Count == 0 {
		req.Count = 100
	}
	if req.Count < 0 || req.Count > c.opts.MaxCount {
		return ClaimResult{}, errs.Invalidf("group.claim", "count must be in [1, %d]", c.opts.MaxCount)
	}
	start := id.Zero
	if req.StartID != "" {
		v, err := id.Parse(req.StartID)
		if err != nil {
			return ClaimResult{}, errs.Invalidf("group.claim", "invalid start id %q", req.StartID)
		}
		start = v
	}
	starts := make(map[int]id.ID, len(req.StartIDs))
	for p, s := range req.StartIDs {
		v, err := id.Parse(s)
		if err != nil {
			return ClaimResult{}, errs.Invalidf("group.claim", "invalid start id %q for partition %d", s, p)
		}
		starts[p] = v
	}
	startFor := func(p int) id.ID {
		if v, ok := starts[p]; ok {
			return v
		}
		return start
	}
	targets, err := c.targets(ctx, req.Topic, req.Group, req.Partitions)
	if err != nil {
		return ClaimResult{}, err
	}
	res := ClaimResult{
		Claimed:      []Delivery{},
		Flagged:      []FlaggedEntry{},
		Deleted:      []FlaggedEntry{},
		NextStartIDs: make(map[int]string, len(targets)),
	}
	for _, t := range targets {
		remaining := req.Count - len(res.Claimed)
		if remaining <= 0 {
			res.NextStartIDs[t.p] = startFor(t.p).String()
			continue
		}
		next, err := c.claimPartition(ctx, t, req, startFor(t.p), remaining, &res)
		if err != nil {
			return ClaimResult{}, err
		}
		res.NextStartIDs[t.p] = next.String()
	}
	c.opts.Metrics.RecordClaim(req.Topic, req.Group, len(res.Claimed), len(res.Flagged))
	if len(res.Flagged) > 0 {
		c.logger.Warn("entries reached delivery ceiling",
			logpkg.Str("topic", req.Topic), logpkg.Str("group", req.Group),
			logpkg.Int("flagged", len(res.Flagged)), logpkg.Int("max_deliveries", c.opts.MaxDeliveries))
	}
	return res, nil
}

const claimScanBatch = 256

// claimPartition scans one pending list from start and returns where the
// next claim should resume.
func (c *Coordinator) claimPartition(ctx context.Context, t readTarget, req ClaimRequest, start id.ID, limit int, res *ClaimResult) (id.ID, error) {
	defer c.lock(t.k)()
	now := c.opts.Now()
	from := start
	claimed := 0
	for {
		batch, err := c.store.ScanPending(ctx, t.k, from, claimScanBatch)
		if err != nil {
			return id.Zero, errs.Unavailable("group.claim", err)
		}
		for _, pe := range batch {
			if claimed >= limit {
				return pe.ID, nil
			}
			if pe.Flagged || pe.Idle(now) < req.MinIdle {
				continue
			}
			if pe.Deliveries >= c.opts.MaxDeliveries {
				pe.Flagged = true
				if err := c.store.PutPending(ctx, t.k, []state.PendingEntry{pe}); err != nil {
					return id.Zero, errs.Unavailable("group.claim", err)
				}
				res.Flagged = append(res.Flagged, FlaggedEntry{Partition: t.p, ID: pe.ID.String(), Consumer: pe.Consumer, Deliveries: pe.Deliveries})
				continue
			}
			item, err := t.log.Get(pe.ID)
			if errors.Is(err, eventlog.ErrNotFound) {
				if _, err := c.store.RemovePending(ctx, t.k, []id.ID{pe.ID}); err != nil {
					return id.Zero, errs.Unavailable("group.claim", err)
				}
				res.Deleted = append(res.Deleted, FlaggedEntry{Partition: t.p, ID: pe.ID.String()})
				continue
			}
			if err != nil {
				return id.Zero, errs.Unavailable("group.claim", err)
			}
			pe.Consumer = req.Consumer
			pe.Deliveries++
			pe.DeliveredAtMs = now.UnixMilli()
			if err := c.store.PutPending(ctx, t.k, []state.PendingEntry{pe}); err != nil {
				return id.Zero, errs.Unavailable("group.claim", err)
			}
			d, err := toDelivery(t.p, item, pe.Deliveries)
			if err != nil {
				d = Delivery{Partition: t.p, ID: item.ID.String(), Payload: item.Payload, DeliveryCount: pe.Deliveries}
			}
			res.Claimed = append(res.Claimed, d)
			claimed++
		}
		if len(batch) < claimScanBatch {
			return id.Zero, nil
		}
		from = batch[len(batch)-1].ID.Next()
	}
}

// PendingRequest filters a pending listing.
type PendingRequest struct {
	Topic       string
	Group       string
	Partition   *int
	Consumer    string
	FlaggedOnly bool
	// Limit caps the number of entries returned (default 100).
	Limit int
}

// PendingView is one pending entry as reported to operators.
type PendingView struct {
	Partition  int    `json:"partition"`
	ID         string `json:"id"`
	Consumer   string `json:"consumer"`
	IdleMs     int64  `json:"idle_ms"`
	Deliveries int    `json:"delivery_count"`
	Flagged    bool   `json:"flagged"`
}

// PendingSummary is the pending listing plus per-consumer counts.
type PendingSummary struct {
	Total     int            `json:"total"`
	Consumers map[string]int `json:"consumers"`
	Entries   []PendingView  `json:"entries"`
}

// Pending lists pending entries of a group in partition then id order.
func (c *Coordinator) Pending(ctx context.Context, req PendingRequest) (PendingSummary, error) {
	if req.Limit == 0 {
		req.Limit = 100
	}
	if req.Limit < 0 || req.Limit > c.opts.MaxCount {
		return PendingSummary{}, errs.Invalidf("group.pending", "limit must be in [1, %d]", c.opts.MaxCount)
	}
	var parts []int
	if req.Partition != nil {
		parts = []int{*req.Partition}
	}
	targets, err := c.targets(ctx, req.Topic, req.Group, parts)
	if err != nil {
		return PendingSummary{}, err
	}
	now := c.opts.Now()
	out := PendingSummary{Consumers: map[string]int{}, Entries: []PendingView{}}
	for _, t := range targets {
		all, err := c.store.ScanPending(ctx, t.k, id.Zero, 0)
		if err != nil {
			return PendingSummary{}, errs.Unavailable("group.pending", err)
		}
		for _, pe := range all {
			if req.Consumer != "" && pe.Consumer != req.Consumer {
				continue
			}
			if req.FlaggedOnly && !pe.Flagged {
				continue
			}
			out.Total++
			out.Consumers[pe.Consumer]++
			if len(out.Entries) < req.Limit {
				out.Entries = append(out.Entries, PendingView{
					Partition:  t.p,
					ID:         pe.ID.String(),
					Consumer:   pe.Consumer,
					IdleMs:     pe.Idle(now).Milliseconds(),
					Deliveries: pe.Deliveries,
					Flagged:    pe.Flagged,
				})
			}
		}
	}
	return out, nil
}

// Consumers lists the consumers a group has seen on any partition with the
// most recent activity for each.
func (c *Coordinator) Consumers(ctx context.Context, topicName, group string) ([]state.ConsumerInfo, error) {
	targets, err := c.targets(ctx, topicName, group, nil)
	if err != nil {
		return nil, err
	}
	seen := map[string]int64{}
	var order []string
	for _, t := range targets {
		list, err := c.store.ListConsumers(ctx, t.k)
		if err != nil {
			return nil, errs.Unavailable("group.consumers", err)
		}
		for _, ci := range list {
			prev, ok := seen[ci.Name]
			if !ok {
				order = append(order, ci.Name)
			}
			if ci.LastSeenMs > prev {
				seen[ci.Name] = ci.LastSeenMs
			}
		}
	}
	sort.Strings(order)
	out := make([]state.ConsumerInfo, 0, len(order))
	for _, n := range order {
		out = append(out, state.ConsumerInfo{Name: n, LastSeenMs: seen[n]})
	}
	return out, nil
}
