package groups

import (
	"context"
	"time"

	"github.com/rzbill/openstream/internal/errs"
	"github.com/rzbill/openstream/internal/eventlog"
	"github.com/rzbill/openstream/internal/state"
	logpkg "github.com/rzbill/openstream/pkg/log"
)

// ReadRequest asks for new entries on behalf of one consumer.
type ReadRequest struct {
	Topic    string
	Group    string
	Consumer string
	// Count is the total across partitions (default 100).
	Count int
	// Block is how long to wait when nothing is available. 0 returns at once.
	Block      time.Duration
	Partitions []int
}

type readTarget struct {
	p   int
	k   state.GroupKey
	log *eventlog.Log
}

// Read delivers up to Count entries after the group's cursors. Partitions
// are served round-robin from a rotating start so that one busy partition
// cannot starve the others. When nothing is available it waits for an
// append on any target partition until Block elapses or ctx ends, and then
// returns empty.
func (c *Coordinator) Read(ctx context.Context, req ReadRequest) ([]Delivery, error) {
	if n := len(req.Consumer); n < 1 || n > maxConsumerLen {
		return nil, errs.Invalidf("group.read", "consumer must be 1..%d characters", maxConsumerLen)
	}
	if req.Count == 0 {
		req.Count = 100
	}
	if req.Count < 0 || req.Count > c.opts.MaxCount {
		return nil, errs.Invalidf("group.read", "count must be in [1, %d]", c.opts.MaxCount)
	}
	if req.Block < 0 || req.Block > c.opts.MaxBlock {
		return nil, errs.Invalidf("group.read", "block must be in [0, %s]", c.opts.MaxBlock)
	}
	targets, err := c.targets(ctx, req.Topic, req.Group, req.Partitions)
	if err != nil {
		return nil, err
	}

	var deadline time.Time
	if req.Block > 0 {
		deadline = time.Now().Add(req.Block)
	}
	for {
		// Subscribe before reading so an append between the read and the
		// wait still wakes us.
		notify := make([]<-chan struct{}, len(targets))
		for i, t := range targets {
			notify[i] = t.log.Notify()
		}
		out, err := c.readOnce(ctx, req, targets)
		if err != nil || len(out) > 0 || req.Block == 0 {
			return out, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 || !waitAny(ctx, notify, remaining) {
			return []Delivery{}, nil
		}
	}
}

func (c *Coordinator) targets(ctx context.Context, topicName, group string, partitions []int) ([]readTarget, error) {
	meta, err := c.topics.Get(topicName)
	if err != nil {
		return nil, err
	}
	parts, err := resolvePartitions(meta, partitions)
	if err != nil {
		return nil, err
	}
	var out []readTarget
	for _, p := range parts {
		k := key(meta.Name, p, group)
		_, ok, err := c.store.GetCursor(ctx, k)
		if err != nil {
			return nil, errs.Unavailable("group.read", err)
		}
		if !ok {
			continue
		}
		l, err := c.logs.Log(meta.Name, p)
		if err != nil {
			return nil, errs.Unavailable("group.read", err)
		}
		out = append(out, readTarget{p: p, k: k, log: l})
	}
	if len(out) == 0 {
		return nil, errs.NotFoundf("group.read", "group %q not found on topic %q", group, meta.Name)
	}
	return out, nil
}

func (c *Coordinator) readOnce(ctx context.Context, req ReadRequest, targets []readTarget) ([]Delivery, error) {
	out := make([]Delivery, 0)
	start := int(c.rr.Add(1)) % len(targets)
	for i := 0; i < len(targets) && len(out) < req.Count; i++ {
		t := targets[(start+i)%len(targets)]
		got, err := c.readPartition(ctx, t, req.Consumer, req.Count-len(out))
		if err != nil {
			return out, err
		}
		out = append(out, got...)
	}
	if len(out) > 0 {
		c.opts.Metrics.RecordRead(req.Topic, req.Group, len(out))
	}
	return out, nil
}

func (c *Coordinator) readPartition(ctx context.Context, t readTarget, consumer string, limit int) ([]Delivery, error) {
	defer c.lock(t.k)()
	cur, ok, err := c.store.GetCursor(ctx, t.k)
	if err != nil {
		return nil, errs.Unavailable("group.read", err)
	}
	if !ok {
		return nil, nil
	}
	items, err := t.log.Read(eventlog.ReadOptions{After: cur.ID, Limit: limit})
	if err != nil {
		return nil, errs.Unavailable("group.read", err)
	}
	if len(items) == 0 {
		return nil, nil
	}
	now := c.opts.Now().UnixMilli()
	pending := make([]state.PendingEntry, len(items))
	out := make([]Delivery, 0, len(items))
	for i, it := range items {
		pending[i] = state.PendingEntry{ID: it.ID, Consumer: consumer, DeliveredAtMs: now, Deliveries: 1}
		d, err := toDelivery(t.p, it, 1)
		if err != nil {
			c.logger.Warn("undecodable entry delivered raw",
				logpkg.Str("topic", t.k.Topic), logpkg.Int("partition", t.p), logpkg.Str("id", it.ID.String()), logpkg.Err(err))
			d = Delivery{Partition: t.p, ID: it.ID.String(), Payload: it.Payload, DeliveryCount: 1}
		}
		out = append(out, d)
	}
	if err := c.store.PutPending(ctx, t.k, pending); err != nil {
		return nil, errs.Unavailable("group.read", err)
	}
	last := items[len(items)-1]
	if err := c.store.SetCursor(ctx, t.k, state.Cursor{ID: last.ID, Ordinal: last.Ordinal}); err != nil {
		return nil, errs.Unavailable("group.read", err)
	}
	if err := c.store.TouchConsumer(ctx, t.k, consumer, now); err != nil {
		c.logger.Warn("record consumer failed", logpkg.Str("consumer", consumer), logpkg.Err(err))
	}
	return out, nil
}

// waitAny blocks until any channel closes, timeout elapses or ctx ends. It
// reports whether a channel closed.
func waitAny(ctx context.Context, chans []<-chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	if len(chans) == 1 {
		select {
		case <-chans[0]:
			return true
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
	wake := make(chan struct{}, 1)
	done := make(chan struct{})
	defer close(done)
	for _, ch := range chans {
		go func(ch <-chan struct{}) {
			select {
			case <-ch:
				select {
				case wake <- struct{}{}:
				default:
				}
			case <-done:
			}
		}(ch)
	}
	select {
	case <-wake:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
